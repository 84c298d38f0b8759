// Copyright (C) 2026 Sitka Systems (eng@sitka-systems.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"sync"
	"time"
)

// PhaseEvent is emitted on every phase transition.
type PhaseEvent struct {
	SessionID string    `json:"session_id"`
	Phase     Phase     `json:"phase"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcaster fans phase events out to subscribers.
//
// Delivery is best effort: a subscriber that stops draining its channel
// loses events rather than stalling the session pipeline.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan PhaseEvent
	next int
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan PhaseEvent)}
}

// Subscribe registers a listener. The returned cancel function must be
// called to release the subscription.
func (b *Broadcaster) Subscribe() (<-chan PhaseEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan PhaseEvent, 32)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (b *Broadcaster) Publish(e PhaseEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
