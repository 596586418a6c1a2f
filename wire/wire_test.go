// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"testing"

	"github.com/luxfi/convoy/config"
	"github.com/stretchr/testify/require"
)

func TestCBORCodecRoundTrip(t *testing.T) {
	type inner struct {
		Name  string
		Value int
	}
	type outer struct {
		ID    string
		Inner inner
		Tags  []string
	}

	codec := Default()
	in := outer{ID: "conv-1", Inner: inner{Name: "test", Value: 42}, Tags: []string{"a", "b"}}

	data, err := codec.Marshal(CurrentVersion, in)
	require.NoError(t, err)

	var out outer
	version, err := codec.Unmarshal(data, &out)
	require.NoError(t, err)
	require.Equal(t, CurrentVersion, version)
	require.Equal(t, in, out)
}

func TestCBORCodecRejectsUnsupportedVersion(t *testing.T) {
	_, err := Default().Marshal(Version(999), "x")
	require.Error(t, err)
}

func TestCBORCodecDeterministic(t *testing.T) {
	type m struct {
		B int
		A int
	}
	v := m{A: 1, B: 2}

	d1, err := Default().Marshal(CurrentVersion, v)
	require.NoError(t, err)
	d2, err := Default().Marshal(CurrentVersion, v)
	require.NoError(t, err)
	require.Equal(t, d1, d2, "canonical encoding must be byte-stable across calls")
}

func TestPacketDataRoundTrip(t *testing.T) {
	pkt := NewDataPacket(Data{
		MessageID:      7,
		FragmentIndex:  2,
		TotalFragments: 5,
		Payload:        []byte("fragment payload"),
	})

	data, err := pkt.Encode()
	require.NoError(t, err)

	decoded, err := DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, PacketKindData, decoded.Kind)
	require.Equal(t, pkt.Data, decoded.Data)
}

func TestPacketAckRoundTrip(t *testing.T) {
	pkt := NewAckPacket(SelectiveAck{
		MessageID: 3,
		BaseIndex: 10,
		Bitmask:   0xFF,
		Rwnd:      64,
	})

	data, err := pkt.Encode()
	require.NoError(t, err)

	decoded, err := DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, PacketKindAck, decoded.Kind)
	require.Equal(t, pkt.Ack, decoded.Ack)
}

func TestNackValidate(t *testing.T) {
	ok := Nack{MessageID: 1, MissingIndices: []uint16{1, 2, 3}}
	require.NoError(t, ok.Validate())

	tooMany := Nack{MessageID: 1, MissingIndices: make([]uint16, MaxNackIndices+1)}
	require.Error(t, tooMany.Validate())
}

func TestPacketPingPongRoundTrip(t *testing.T) {
	ping := NewPingPacket(Ping{T1: 1000})
	data, err := ping.Encode()
	require.NoError(t, err)
	decoded, err := DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, int64(1000), decoded.Ping.T1)

	pong := NewPongPacket(Pong{T1: 1000, T2: 1005, T3: 1006})
	data, err = pong.Encode()
	require.NoError(t, err)
	decoded, err = DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, int64(1005), decoded.Pong.T2)
}

func TestPacketDatagramRoundTrip(t *testing.T) {
	pkt := NewDatagramPacket(Datagram{
		MessageType: config.MessageTypeCapsAnnounce,
		Payload:     []byte("hello"),
	})

	data, err := pkt.Encode()
	require.NoError(t, err)

	decoded, err := DecodePacket(data)
	require.NoError(t, err)
	require.Equal(t, config.MessageTypeCapsAnnounce, decoded.Datagram.MessageType)
}

func TestPacketKindString(t *testing.T) {
	require.Equal(t, "Data", PacketKindData.String())
	require.Equal(t, "Ack", PacketKindAck.String())
	require.Equal(t, "Invalid", PacketKind(99).String())
}
