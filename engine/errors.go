// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine is the single arbiter of what enters a conversation's
// DAG: it validates, authenticates, classifies, and computes the
// side-effects of every node, returning them as an ordered Effect list
// rather than applying them itself.
package engine

import "errors"

// Error kinds named by the validation and authorization pipeline, not
// concrete types — callers branch on errors.Is.
var (
	// ErrValidation covers structurally invalid nodes: bad rank,
	// parent bounds, auth-type mismatch. Never retried.
	ErrValidation = errors.New("engine: structurally invalid node")

	// ErrMissingPredecessor means a parent hash is not yet known
	// locally; the node becomes Speculative and is retried when the
	// predecessor arrives.
	ErrMissingPredecessor = errors.New("engine: missing predecessor")

	// ErrAuthenticationDeferred means the node is well-formed but no
	// known epoch key authenticates it yet; Speculative pending
	// KeyWrap or rotation.
	ErrAuthenticationDeferred = errors.New("engine: authentication deferred")

	// ErrPermissionDenied means the author or sender is not
	// authorized at this node's rank/time. Rejected, not retried.
	ErrPermissionDenied = errors.New("engine: permission denied")

	// ErrTooManySpeculativeNodes and ErrTooManyVerifiedNodes are the
	// two admission-quota failures.
	ErrTooManySpeculativeNodes = errors.New("engine: too many speculative nodes for conversation")
	ErrTooManyVerifiedNodes    = errors.New("engine: too many verified nodes for device")

	// ErrUnknownConversation is returned by operations addressed at a
	// conversation the engine has no state for.
	ErrUnknownConversation = errors.New("engine: unknown conversation")

	// ErrReplay means a message with this (sender, seq) has already
	// been accepted.
	ErrReplay = errors.New("engine: sequence already seen, possible replay")
)
