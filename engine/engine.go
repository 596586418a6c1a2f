// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"sync"

	"github.com/luxfi/log"

	"github.com/luxfi/convoy/config"
)

// Engine is the single arbiter of admission across every conversation
// a node participates in. It holds no transport or storage handle:
// callers apply the Effect lists it returns.
type Engine struct {
	mu            sync.RWMutex
	conversations map[ConversationID]*ConversationState
	params        config.Parameters
	log           log.Logger
}

// New returns an Engine with no conversations loaded.
func New(params config.Parameters, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNoOpLogger()
	}
	return &Engine{
		conversations: make(map[ConversationID]*ConversationState),
		params:        params,
		log:           logger,
	}
}

// OpenConversation starts tracking a new conversation, creating empty
// state for it. Calling this twice for the same ID is a no-op.
func (e *Engine) OpenConversation(id ConversationID) *ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.conversations[id]; ok {
		return st
	}
	st := NewConversationState(id, e.params)
	e.conversations[id] = st
	e.log.Info("opened conversation", log.String("conversation", id.String()))
	return st
}

// CloseConversation drops all in-memory state for a conversation; the
// caller is responsible for having persisted anything it needs first.
func (e *Engine) CloseConversation(id ConversationID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.conversations, id)
}

// Conversation returns the state for an already-open conversation.
func (e *Engine) Conversation(id ConversationID) (*ConversationState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.conversations[id]
	return st, ok
}

func (e *Engine) conversation(id ConversationID) (*ConversationState, error) {
	e.mu.RLock()
	st, ok := e.conversations[id]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownConversation
	}
	return st, nil
}
