// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"fmt"

	"github.com/luxfi/convoy/config"
)

// PacketKind discriminates the reliable-transport packet union. Go has
// no sum types, so Packet carries a Kind tag plus the one payload
// field that applies.
type PacketKind uint8

const (
	PacketKindData PacketKind = iota
	PacketKindAck
	PacketKindNack
	PacketKindPing
	PacketKindPong
	PacketKindDatagram
)

func (k PacketKind) String() string {
	switch k {
	case PacketKindData:
		return "Data"
	case PacketKindAck:
		return "Ack"
	case PacketKindNack:
		return "Nack"
	case PacketKindPing:
		return "Ping"
	case PacketKindPong:
		return "Pong"
	case PacketKindDatagram:
		return "Datagram"
	default:
		return "Invalid"
	}
}

// MaxNackIndices bounds Nack.MissingIndices per the wire protocol.
const MaxNackIndices = 8

// Data carries one fragment of a reassembled message. It is encoded
// as a positional array on the wire, not a map, to keep per-fragment
// overhead minimal.
type Data struct {
	_              struct{} `cbor:",toarray"`
	MessageID      uint32
	FragmentIndex  uint16
	TotalFragments uint16
	Payload        []byte
}

// SelectiveAck acknowledges delivery up to BaseIndex plus the next 64
// indices named in Bitmask.
type SelectiveAck struct {
	_         struct{} `cbor:",toarray"`
	MessageID uint32
	BaseIndex uint16
	Bitmask   uint64
	Rwnd      uint16
}

// Nack asks for early retransmission of a small, explicit set of
// fragment indices without waiting for RTO.
type Nack struct {
	_              struct{} `cbor:",toarray"`
	MessageID      uint32
	MissingIndices []uint16
}

// Validate reports whether the Nack obeys the wire bound on how many
// indices one frame may name.
func (n Nack) Validate() error {
	if len(n.MissingIndices) > MaxNackIndices {
		return fmt.Errorf("wire: nack names %d indices, max %d", len(n.MissingIndices), MaxNackIndices)
	}
	return nil
}

// Ping is the first leg of the NTP-style (RFC 5905) triple used for
// RTT and clock-offset estimation.
type Ping struct {
	_  struct{} `cbor:",toarray"`
	T1 int64
}

// Pong completes the triple: T1 echoes Ping.T1, T2 is the receiver's
// arrival time, T3 is the receiver's send time.
type Pong struct {
	_  struct{} `cbor:",toarray"`
	T1 int64
	T2 int64
	T3 int64
}

// Datagram is an unreliable single-packet payload tagged with the
// application message type it carries, used for gossip and keepalive
// traffic outside the reliable-message channel.
type Datagram struct {
	_           struct{} `cbor:",toarray"`
	MessageType config.MessageType
	Payload     []byte
}

// Packet is the outer envelope every frame on the wire is encoded as.
type Packet struct {
	Kind     PacketKind
	Data     *Data         `cbor:",omitempty"`
	Ack      *SelectiveAck `cbor:",omitempty"`
	Nack     *Nack         `cbor:",omitempty"`
	Ping     *Ping         `cbor:",omitempty"`
	Pong     *Pong         `cbor:",omitempty"`
	Datagram *Datagram     `cbor:",omitempty"`
}

// Encode serializes the packet through the default codec.
func (p *Packet) Encode() ([]byte, error) {
	return Default().Marshal(CurrentVersion, p)
}

// DecodePacket deserializes a packet from the default codec.
func DecodePacket(data []byte) (*Packet, error) {
	var p Packet
	if _, err := Default().Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("wire: decode packet: %w", err)
	}
	return &p, nil
}

// NewDataPacket wraps a Data fragment in its envelope.
func NewDataPacket(d Data) *Packet {
	return &Packet{Kind: PacketKindData, Data: &d}
}

// NewAckPacket wraps a SelectiveAck in its envelope.
func NewAckPacket(a SelectiveAck) *Packet {
	return &Packet{Kind: PacketKindAck, Ack: &a}
}

// NewNackPacket wraps a Nack in its envelope.
func NewNackPacket(n Nack) *Packet {
	return &Packet{Kind: PacketKindNack, Nack: &n}
}

// NewPingPacket wraps a Ping in its envelope.
func NewPingPacket(p Ping) *Packet {
	return &Packet{Kind: PacketKindPing, Ping: &p}
}

// NewPongPacket wraps a Pong in its envelope.
func NewPongPacket(p Pong) *Packet {
	return &Packet{Kind: PacketKindPong, Pong: &p}
}

// NewDatagramPacket wraps a Datagram in its envelope.
func NewDatagramPacket(d Datagram) *Packet {
	return &Packet{Kind: PacketKindDatagram, Datagram: &d}
}
