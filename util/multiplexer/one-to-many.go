// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package multiplexer

import "sync"

// OneToMany fans one inbound stream out to named subscribers. The engine
// publishes display events through one of these so several observers can
// watch without stealing each other's messages.
type OneToMany[T any] struct {
	inbound  chan T
	outbound map[string]chan T // named so subscribers can leave again
	lock     sync.Mutex
	closed   bool
}

func NewOneToMany[T any]() *OneToMany[T] {
	return &OneToMany[T]{
		inbound:  make(chan T),
		outbound: make(map[string]chan T),
	}
}

// GetSender returns the channel to send things into. Closing it shuts the
// plexer down once the distribution loop drains.
func (o *OneToMany[T]) GetSender() chan<- T {
	return o.inbound
}

// MakeReceiver creates a new receiver for the multiplexer to send messages
// to. The channel is buffered; a subscriber that falls behind loses the
// oldest messages rather than stalling the engine. Do not close it
// manually, use CloseReceiver.
func (o *OneToMany[T]) MakeReceiver(name string) chan T {
	rec := make(chan T, 64)
	o.lock.Lock()
	if o.closed {
		o.lock.Unlock()
		close(rec)
		return rec
	}
	if old, ok := o.outbound[name]; ok {
		close(old)
	}
	o.outbound[name] = rec
	o.lock.Unlock()
	return rec
}

// CloseReceiver closes the receiver channel with the given name and
// removes it from the multiplexer.
func (o *OneToMany[T]) CloseReceiver(name string) {
	o.lock.Lock()
	if val, ok := o.outbound[name]; ok {
		close(val)
		delete(o.outbound, name)
	}
	o.lock.Unlock()
}

// StartPlexer runs the distribution loop. Intended to run as a goroutine
// (`go plexer.StartPlexer()`); it exits when the sender channel closes,
// closing every receiver on the way out.
func (o *OneToMany[T]) StartPlexer() {
	for msg := range o.inbound {
		o.lock.Lock()
		for _, c := range o.outbound {
			select {
			case c <- msg:
			default:
				// Subscriber is full; drop the oldest so the stream
				// keeps moving.
				select {
				case <-c:
				default:
				}
				select {
				case c <- msg:
				default:
				}
			}
		}
		o.lock.Unlock()
	}
	o.lock.Lock()
	for name, c := range o.outbound {
		close(c)
		delete(o.outbound, name)
	}
	o.closed = true
	o.lock.Unlock()
}
