// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package progress fans advisory events out to subscribers over bounded
// channels. A slow subscriber loses the oldest events rather than
// stalling the producer; the latest value is the one that matters.
package progress

import (
	"sync"
	"time"
)

// Update is one scan/apply progress report.
type Update struct {
	Volume    string
	Stage     string // "scan", "apply", "compact"
	Processed uint64
	Total     uint64 // 0 when unknown
	Timestamp time.Time
}

// Broadcaster distributes values to any number of subscribers.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	capa   int
	closed bool
}

// NewBroadcaster creates a broadcaster whose per-subscriber buffer holds
// capacity values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = 16
	}
	return &Broadcaster[T]{
		subs: make(map[int]chan T),
		capa: capacity,
	}
}

// Subscribe returns a channel of values and a cancel function. The
// channel closes on cancel or when the broadcaster closes.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan T, b.capa)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers a value to every subscriber. A full subscriber
// buffer drops its oldest value to make room; the producer never blocks.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Close shuts every subscriber channel.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
