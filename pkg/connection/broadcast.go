/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package connection

import (
	"sync"
	"time"
)

// defaultFlushTimeout bounds how long close waits for a subscriber to take
// its queued changes before its channel is closed regardless
const defaultFlushTimeout = time.Second

// broadcaster delivers state changes to any number of subscribers. Each
// subscriber has its own unbounded queue drained by a goroutine, so a slow
// subscriber never blocks the publisher and every subscriber sees changes in
// publish order.
type broadcaster struct {
	mu           sync.Mutex
	subs         map[*subscriber]struct{}
	closed       bool
	flushTimeout time.Duration
}

type subscriber struct {
	mu      sync.Mutex
	queue   []StateChange
	closing bool

	wake chan struct{}
	done chan struct{}
	out  chan StateChange
	stop sync.Once
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subs:         make(map[*subscriber]struct{}),
		flushTimeout: defaultFlushTimeout,
	}
}

// subscribe registers a subscriber. The returned cancel function stops
// delivery immediately and closes the channel.
func (b *broadcaster) subscribe(buffer int) (<-chan StateChange, func()) {
	if buffer < 0 {
		buffer = 0
	}
	s := &subscriber{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan StateChange, buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.run()

	return s.out, func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.halt()
	}
}

func (b *broadcaster) publish(change StateChange) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(change)
	}
}

// close flushes queued changes to every subscriber, then closes their
// channels. A subscriber that does not drain within the flush timeout loses
// what is still queued.
func (b *broadcaster) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for s := range subs {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.notify()
		time.AfterFunc(b.flushTimeout, s.halt)
	}
}

// halt stops delivery and lets run close the channel
func (s *subscriber) halt() {
	s.stop.Do(func() { close(s.done) })
}

func (s *subscriber) push(change StateChange) {
	s.mu.Lock()
	s.queue = append(s.queue, change)
	s.mu.Unlock()
	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				closing := s.closing
				s.mu.Unlock()
				if closing {
					return
				}
				break
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- next:
			case <-s.done:
				return
			}
		}
	}
}
