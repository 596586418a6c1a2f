// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package nodeloop

import (
	"errors"

	"github.com/luxfi/convoy/config"
)

// ErrEmptyEnvelope is returned when decoding a zero-length reliable
// application message.
var ErrEmptyEnvelope = errors.New("nodeloop: empty message envelope")

// wrapEnvelope prefixes a reliably-sent application message with its
// one-byte MessageType tag, so the receiving peer's reassembler can
// classify a message's priority from its very first fragment without
// decoding the CBOR body.
func wrapEnvelope(mt config.MessageType, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, byte(mt))
	out = append(out, payload...)
	return out
}

// unwrapEnvelope splits a reassembled reliable message back into its
// MessageType tag and body.
func unwrapEnvelope(data []byte) (config.MessageType, []byte, error) {
	if len(data) == 0 {
		return 0, nil, ErrEmptyEnvelope
	}
	return config.MessageType(data[0]), data[1:], nil
}
