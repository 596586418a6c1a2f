// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package wire provides the opaque typed-to-byte mapping the rest of
// the module treats as a forward-compatible black box: node canonical
// encoding, transport packet framing, and datagram payloads all go
// through a single codec.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version identifies a wire encoding revision.
type Version uint16

// CurrentVersion is the encoding this module produces. Readers accept
// it and, by construction of CBOR's own field-skipping, any future
// version that only adds fields.
const CurrentVersion Version = 0

// Codec marshals and unmarshals typed values to and from the wire
// byte encoding. It is the single place a new message field extension
// can be verified against older readers.
type Codec interface {
	Marshal(version Version, v any) ([]byte, error)
	Unmarshal(data []byte, v any) (Version, error)
}

// CBORCodec implements Codec over CBOR, which skips unknown map keys
// by construction and so tolerates field additions without a version
// bump on the reading side.
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec builds a codec with canonical, deterministic encoding
// options so that two encoders never produce different bytes for the
// same value — required for hash self-consistency of node encodings.
func NewCBORCodec() (*CBORCodec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build encode mode: %w", err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	decMode, err := decOpts.DecMode()
	if err != nil {
		return nil, fmt.Errorf("wire: build decode mode: %w", err)
	}
	return &CBORCodec{encMode: encMode, decMode: decMode}, nil
}

// defaultCodec is the process-wide default, built once at init since
// NewCBORCodec can only fail on a malformed options struct.
var defaultCodec = mustNewCBORCodec()

func mustNewCBORCodec() *CBORCodec {
	c, err := NewCBORCodec()
	if err != nil {
		panic(err)
	}
	return c
}

// Default returns the process-wide canonical CBOR codec.
func Default() *CBORCodec {
	return defaultCodec
}

// Marshal encodes v under version. Only CurrentVersion is accepted
// for encoding; older versions exist only to be read.
func (c *CBORCodec) Marshal(version Version, v any) ([]byte, error) {
	if version != CurrentVersion {
		return nil, fmt.Errorf("wire: unsupported encode version %d", version)
	}
	return c.encMode.Marshal(v)
}

// Unmarshal decodes data into v, reporting CurrentVersion since the
// CBOR encoding carries no explicit version tag of its own — extension
// is handled structurally by field skipping, not by a version switch.
func (c *CBORCodec) Unmarshal(data []byte, v any) (Version, error) {
	if err := c.decMode.Unmarshal(data, v); err != nil {
		return 0, err
	}
	return CurrentVersion, nil
}
