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
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
)

// fakeSession is an in-memory transport.Session
type fakeSession struct {
	mu       sync.Mutex
	startErr error
	release  chan struct{} // Start blocks on it when non-nil
	started  bool
	ended    bool
	onClosed []func(error)
	handlers map[string]transport.Handler
	calls    []string
	reply    json.RawMessage
	callErr  error

	// endOnStart makes Start succeed only after the connection already dropped
	endOnStart bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{handlers: make(map[string]transport.Handler)}
}

func (s *fakeSession) Start(ctx context.Context) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	if s.startErr != nil {
		s.ended = true
		s.mu.Unlock()
		return s.startErr
	}
	s.started = true
	drop := s.endOnStart
	s.mu.Unlock()

	if drop {
		s.end(errors.New("connection reset by peer"))
	}
	return nil
}

func (s *fakeSession) Stop(context.Context) error {
	s.end(nil)
	return nil
}

// end simulates the connection going away with cause
func (s *fakeSession) end(cause error) {
	s.mu.Lock()
	if s.ended || !s.started {
		s.ended = true
		s.mu.Unlock()
		return
	}
	s.ended = true
	callbacks := s.onClosed
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(cause)
	}
}

func (s *fakeSession) Invoke(_ context.Context, method string, _ any, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || !s.started {
		return transport.ErrSessionClosed
	}
	s.calls = append(s.calls, method)
	if s.callErr != nil {
		return s.callErr
	}
	if result != nil && s.reply != nil {
		return json.Unmarshal(s.reply, result)
	}
	return nil
}

func (s *fakeSession) Handle(method string, h transport.Handler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, method)
	}
}

func (s *fakeSession) OnClosed(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

func (s *fakeSession) invoked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// fakeFactory hands out sessions built by next, counting calls
type fakeFactory struct {
	mu        sync.Mutex
	next      func(call int) (*fakeSession, error)
	sessions  []*fakeSession
	endpoints []string
}

var errFactory = errors.New("factory failure")

func (f *fakeFactory) CreateSession(_ context.Context, endpoint string) (transport.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, endpoint)
	call := len(f.endpoints)

	if f.next == nil {
		s := newFakeSession()
		f.sessions = append(f.sessions, s)
		return s, nil
	}
	s, err := f.next(call)
	if err != nil {
		return nil, err
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func (f *fakeFactory) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return f.sessions[len(f.sessions)-1]
}

func (f *fakeFactory) setNext(next func(call int) (*fakeSession, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next = next
}

func failingSession() *fakeSession {
	s := newFakeSession()
	s.startErr = errors.New("dial refused")
	return s
}
