// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ratchet implements the per-sender forward-secret key chain,
// epoch rotation via KeyWrap, and the X3DH handshake used to bootstrap
// a shared conversation secret between two identities.
package ratchet

import (
	"runtime"

	"github.com/luxfi/convoy/xcrypto"
)

// ChainKey is one step of a sender's forward-only ratchet chain.
type ChainKey = xcrypto.Hash256

// MessageKey is the key that authenticates (and, paired with the
// conversation encryption key, decrypts) exactly one message.
type MessageKey = xcrypto.Hash256

// ConversationKeys are the two keys derived from one epoch's KConv.
type ConversationKeys struct {
	EncKey xcrypto.Hash256
	MacKey xcrypto.Hash256
}

// DeriveConversationKeys splits an epoch secret into its encryption
// and MAC keys.
func DeriveConversationKeys(kConv xcrypto.Hash256) ConversationKeys {
	return ConversationKeys{
		EncKey: xcrypto.KDF("enc", kConv[:]),
		MacKey: xcrypto.KDF("mac", kConv[:]),
	}
}

// SeedChain derives the initial chain key for a sender's ratchet
// under one epoch's conversation secret.
func SeedChain(kConv xcrypto.Hash256, senderPk []byte) ChainKey {
	return xcrypto.KDF("sender-seed", kConv[:], senderPk)
}

// Step advances a chain key by one message, returning the message key
// for the current step and the chain key for the next.
func Step(chain ChainKey) (msgKey MessageKey, next ChainKey) {
	msgKey = xcrypto.KDF("message-key", chain[:])
	next = xcrypto.KDF("ratchet-step", chain[:])
	return msgKey, next
}

// Advance steps the chain forward n times (n >= 0), returning the
// chain key reached after n steps without materializing the
// intermediate message keys. Used to jump straight to message i by
// advancing i-1 steps from the seed.
func Advance(chain ChainKey, n uint32) ChainKey {
	for i := uint32(0); i < n; i++ {
		_, chain = Step(chain)
	}
	return chain
}

// MessageKeyAt computes the message key for the counter-th message
// (1-indexed) of a sender's chain within one epoch, by seeding and
// stepping counter-1 times then taking the message key of the final
// step — the trial-decryption primitive the engine's authentication
// stage uses.
func MessageKeyAt(kConv xcrypto.Hash256, senderPk []byte, counter uint32) MessageKey {
	if counter == 0 {
		counter = 1
	}
	chain := SeedChain(kConv, senderPk)
	chain = Advance(chain, counter-1)
	msgKey, _ := Step(chain)
	return msgKey
}

// Wipe zeroes a key in place. The persisted "next" chain key must be
// the only copy that survives a node's admission, per the forward
// secrecy invariant: a compromise of durable storage must not yield
// the key that encrypted the message just processed.
//
//go:noinline
func Wipe(k *ChainKey) {
	for i := range k {
		k[i] = 0
	}
	runtime.KeepAlive(k)
}
