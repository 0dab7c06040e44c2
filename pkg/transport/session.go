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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Handler serves one inbound call made by the remote side. The returned value is
// encoded as the call result.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// Session is one physical RPC connection to the orchestration server.
//
// A session is started at most once. After Start fails or the session closes it
// is spent and a new one must be created through a SessionFactory.
type Session interface {
	// Start establishes the connection. It returns when the connection is usable
	// or the context is done.
	Start(ctx context.Context) error

	// Stop closes the connection. Safe to call on a session that never started.
	Stop(ctx context.Context) error

	// Invoke calls a remote method and decodes the result into result, which may
	// be nil when the caller does not need it.
	Invoke(ctx context.Context, method string, params any, result any) error

	// Handle binds an inbound method. The returned function removes the binding.
	Handle(method string, handler Handler) (unsubscribe func())

	// OnClosed registers a callback run once when a started session ends, with
	// the error that ended it (nil after Stop).
	OnClosed(fn func(err error))
}

// SessionFactory produces sessions for an endpoint
type SessionFactory interface {
	CreateSession(ctx context.Context, endpoint string) (Session, error)
}

// SessionFactoryFunc adapts a function to the SessionFactory interface
type SessionFactoryFunc func(ctx context.Context, endpoint string) (Session, error)

// CreateSession calls f
func (f SessionFactoryFunc) CreateSession(ctx context.Context, endpoint string) (Session, error) {
	return f(ctx, endpoint)
}

// Common transport errors
var (
	// ErrSessionClosed is returned when using a session that has been closed
	ErrSessionClosed = errors.New("session is closed")
	// ErrSessionNotStarted is returned when invoking on a session before Start succeeded
	ErrSessionNotStarted = errors.New("session is not started")
	// ErrSessionStarted is returned when starting a session twice
	ErrSessionStarted = errors.New("session already started")
)

// Remote error codes
const (
	CodeMethodNotFound = "method_not_found"
	CodeInvalidParams  = "invalid_params"
	CodeInternal       = "internal_error"
)

// RemoteError is an error reported by the other side of the session
type RemoteError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsRemoteError checks if an error is a RemoteError
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
