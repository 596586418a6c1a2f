// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import (
	"errors"
	"time"

	"github.com/luxfi/convoy/config"
	"github.com/luxfi/convoy/wire"
)

var (
	ErrMessageTooLarge = errors.New("transport: message exceeds fragment-count limit")
	ErrUnknownMessage  = errors.New("transport: ack/nack for unknown message id")
)

// maxFragmentsPerMessage bounds total_fragments so a malicious sender
// cannot inflate reassembly reservation by declaring a huge fragment
// count with tiny per-fragment payloads.
const maxFragmentsPerMessage = 1 << 16

// outboundMessage tracks one in-flight reliable message from this
// session's perspective: its fragments, which are outstanding, and
// per-fragment retransmit deadlines.
type outboundMessage struct {
	id             MessageID
	priority       config.Priority
	fragments      [][]byte
	acked          []bool
	sentAt         []time.Time
	lastProgressAt time.Time
	retransmitFrom uint16
}

func newOutboundMessage(id MessageID, priority config.Priority, payload []byte, fragmentSize int) (*outboundMessage, error) {
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}
	n := (len(payload) + fragmentSize - 1) / fragmentSize
	if n == 0 {
		n = 1
	}
	if n > maxFragmentsPerMessage {
		return nil, ErrMessageTooLarge
	}
	fragments := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := i * fragmentSize
		end := start + fragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fragments[i] = payload[start:end]
	}
	return &outboundMessage{
		id:        id,
		priority:  priority,
		fragments: fragments,
		acked:     make([]bool, n),
		sentAt:    make([]time.Time, n),
	}, nil
}

func (m *outboundMessage) complete() bool {
	for _, a := range m.acked {
		if !a {
			return false
		}
	}
	return true
}

// Session is one peer's reliable-transport state: outbound messages
// in flight, the congestion controller, the clock filter, and the
// datagram side channel. One Session exists per (local conversation
// participant, remote peer) pair.
type Session struct {
	peer PeerAddr
	cc   CongestionControl
	rto  time.Duration

	nextMessageID MessageID
	outbound      map[MessageID]*outboundMessage

	clock     *ClockFilter
	datagrams *DatagramChannel
}

// NewSession starts a session against peer using cc for congestion
// control and baseRTO as the initial retransmission timeout estimate
// before any RTT samples arrive.
func NewSession(peer PeerAddr, cc CongestionControl, baseRTO time.Duration) *Session {
	return &Session{
		peer:      peer,
		cc:        cc,
		rto:       baseRTO,
		outbound:  make(map[MessageID]*outboundMessage),
		clock:     NewClockFilter(),
		datagrams: NewDatagramChannel(32),
	}
}

// SendPing issues a clock-filter probe and returns the Ping to send.
func (s *Session) SendPing(now time.Time) wire.Ping {
	return s.clock.SendPing(now)
}

// HandlePong folds a completed Ping/Pong triple into the clock filter
// and, when 2×RTT + 2×DelayedAckTimeout exceeds the session's current
// RTO, raises the RTO to that value. The RTO is never lowered here and
// no smoothing is applied.
func (s *Session) HandlePong(pong wire.Pong, now time.Time) (rtt, offset time.Duration, ok bool) {
	rtt, offset, ok = s.clock.HandlePong(pong, now)
	if ok && rtt > 0 {
		candidate := rtt*2 + 2*config.DelayedAckTimeout
		if candidate > s.rto {
			s.rto = candidate
		}
	}
	return rtt, offset, ok
}

// EnqueueDatagram queues an unreliable single-packet send to this
// session's peer.
func (s *Session) EnqueueDatagram(d wire.Datagram) {
	s.datagrams.Enqueue(string(s.peer), d)
}

// DrainDatagrams removes and returns every pending unreliable
// datagram for this session's peer.
func (s *Session) DrainDatagrams() []wire.Datagram {
	return s.datagrams.Drain(string(s.peer))
}

// SendMessage assigns a fresh MessageID not currently in flight and
// splits payload into fragments of fragmentSize (DefaultFragmentSize
// if zero), recording it for the pacer to drain.
func (s *Session) SendMessage(priority config.Priority, payload []byte, fragmentSize int) (MessageID, error) {
	for {
		s.nextMessageID++
		if _, inFlight := s.outbound[s.nextMessageID]; !inFlight {
			break
		}
	}
	id := s.nextMessageID
	msg, err := newOutboundMessage(id, priority, payload, fragmentSize)
	if err != nil {
		return 0, err
	}
	msg.lastProgressAt = time.Now()
	s.outbound[id] = msg
	return id, nil
}

// GetPacketsToSend drains pacer-eligible fragments for all in-flight
// messages: at most floor(pacing_rate * sinceLastSend) bytes worth,
// subject to cwnd, highest priority first.
func (s *Session) GetPacketsToSend(now time.Time, sinceLastSend time.Duration) []wire.Data {
	budget := int(s.cc.PacingRate() * sinceLastSend.Seconds())
	cwnd := s.cc.Cwnd()
	sent := 0

	var out []wire.Data
	inFlightCount := 0
	for _, msg := range s.outbound {
		for _, a := range msg.acked {
			if !a {
				inFlightCount++
			}
		}
	}

	for _, msg := range orderByPriority(s.outbound) {
		for i := msg.retransmitFrom; int(i) < len(msg.fragments); i++ {
			if msg.acked[i] {
				continue
			}
			if !msg.sentAt[i].IsZero() {
				continue // already outstanding, awaiting ACK/timeout
			}
			if inFlightCount >= cwnd {
				return out
			}
			frag := msg.fragments[i]
			if budget > 0 && sent+len(frag) > budget {
				return out
			}
			msg.sentAt[i] = now
			inFlightCount++
			sent += len(frag)
			out = append(out, wire.Data{
				MessageID:      uint32(msg.id),
				FragmentIndex:  i,
				TotalFragments: uint16(len(msg.fragments)),
				Payload:        frag,
			})
		}
	}
	return out
}

func orderByPriority(outbound map[MessageID]*outboundMessage) []*outboundMessage {
	byPriority := make(map[config.Priority][]*outboundMessage)
	for _, m := range outbound {
		byPriority[m.priority] = append(byPriority[m.priority], m)
	}
	var out []*outboundMessage
	for p := config.PriorityCritical; p >= config.PriorityBulk; p-- {
		out = append(out, byPriority[p]...)
	}
	return out
}

// HandleSelectiveAck applies an incoming SACK: clears in-flight
// entries covered by base_index + the 64-bit bitmask and advances the
// retransmit pointer past them.
func (s *Session) HandleSelectiveAck(ack wire.SelectiveAck, now time.Time, rtt time.Duration) error {
	msg, ok := s.outbound[MessageID(ack.MessageID)]
	if !ok {
		return ErrUnknownMessage
	}
	acked := 0
	if int(ack.BaseIndex) < len(msg.fragments) && !msg.acked[ack.BaseIndex] {
		msg.acked[ack.BaseIndex] = true
		acked++
	}
	for bit := 0; bit < 64; bit++ {
		idx := int(ack.BaseIndex) + 1 + bit
		if idx >= len(msg.fragments) {
			break
		}
		if ack.Bitmask&(1<<uint(bit)) != 0 && !msg.acked[idx] {
			msg.acked[idx] = true
			acked++
		}
	}
	if acked > 0 {
		msg.lastProgressAt = now
	}
	for msg.retransmitFrom < uint16(len(msg.fragments)) && msg.acked[msg.retransmitFrom] {
		msg.retransmitFrom++
	}
	if msg.complete() {
		delete(s.outbound, msg.id)
	}
	s.cc.OnAck(rtt, nil, acked*DefaultFragmentSize, s.inFlightCount(), now)
	return nil
}

// HandleNack forces early retransmission of the named indices without
// waiting for RTO.
func (s *Session) HandleNack(nack wire.Nack, now time.Time) error {
	if err := nack.Validate(); err != nil {
		return err
	}
	msg, ok := s.outbound[MessageID(nack.MessageID)]
	if !ok {
		return ErrUnknownMessage
	}
	for _, idx := range nack.MissingIndices {
		if int(idx) < len(msg.fragments) {
			msg.sentAt[idx] = time.Time{}
		}
	}
	s.cc.OnNack(now)
	return nil
}

// lastProgressGrace derives how long a message with recent
// acknowledged progress is spared from a timeout beyond the base RTO,
// scaling with the measured RTT rather than a fixed literal.
func (s *Session) lastProgressGrace() time.Duration {
	grace := s.rto / 2
	floor := 2 * config.DelayedAckTimeout
	if floor > grace {
		return floor
	}
	return grace
}

// CheckTimeouts re-queues fragments whose RTO has elapsed, skipping
// messages with acknowledged progress within lastProgressGrace of now.
func (s *Session) CheckTimeouts(now time.Time) {
	for _, msg := range s.outbound {
		if !msg.lastProgressAt.IsZero() && now.Sub(msg.lastProgressAt) < s.lastProgressGrace() {
			continue
		}
		timedOut := false
		for i, sentAt := range msg.sentAt {
			if msg.acked[i] || sentAt.IsZero() {
				continue
			}
			if now.Sub(sentAt) >= s.rto {
				msg.sentAt[i] = time.Time{}
				timedOut = true
			}
		}
		if timedOut {
			s.cc.OnTimeout(now)
		}
	}
}

func (s *Session) inFlightCount() int {
	n := 0
	for _, msg := range s.outbound {
		for i, a := range msg.acked {
			if !a && !msg.sentAt[i].IsZero() {
				n++
			}
		}
	}
	return n
}

// NextWakeup composes this session's next deadline: the earliest
// outstanding fragment's RTO, or zero if nothing is in flight.
// next_wakeup composition across sessions/swarm is associative — the
// caller takes the min across every source.
func (s *Session) NextWakeup(now time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, msg := range s.outbound {
		for i, sentAt := range msg.sentAt {
			if msg.acked[i] || sentAt.IsZero() {
				continue
			}
			deadline := sentAt.Add(s.rto)
			if !found || deadline.Before(earliest) {
				earliest = deadline
				found = true
			}
		}
	}
	return earliest, found
}
