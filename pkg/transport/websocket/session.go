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

package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"go.uber.org/zap"
)

// ErrHeartbeatTimeout ends a session when no ping or pong arrived in time
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Config tunes websocket sessions
type Config struct {
	DialTimeout        time.Duration
	WriteTimeout       time.Duration
	HeartbeatInterval  time.Duration // 0 disables client pings and the heartbeat monitor
	HeartbeatTimeout   time.Duration
	MaxMessageSize     int64 // 0 for no limit
	Token              string
	InsecureSkipVerify bool
}

// Factory creates websocket sessions
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory creates a new websocket session factory
func NewFactory(cfg Config, logger *zap.Logger) *Factory {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Factory{cfg: cfg, logger: logger}
}

// CreateSession returns an unstarted session bound to endpoint. No I/O happens
// until Start.
func (f *Factory) CreateSession(_ context.Context, endpoint string) (transport.Session, error) {
	wsURL, err := toWebSocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	return newSession(wsURL, f.cfg, f.logger), nil
}

// toWebSocketURL maps http(s) endpoints onto ws(s)
func toWebSocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.String(), nil
}

type binding struct {
	handler transport.Handler
}

// Session implements transport.Session over a single gorilla/websocket connection
type Session struct {
	url    string
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	closed    bool
	closeErr  error
	pending   map[string]chan *transport.Frame
	onClosed  []func(error)
	closeOnce sync.Once

	handlersMu sync.RWMutex
	handlers   map[string]*binding

	writeMu       sync.Mutex
	lastHeartbeat atomic.Int64

	ctx    context.Context // cancelled when the session ends, passed to inbound handlers
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(wsURL string, cfg Config, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		url:      wsURL,
		cfg:      cfg,
		logger:   logger.With(zap.String("url", wsURL)),
		pending:  make(map[string]chan *transport.Frame),
		handlers: make(map[string]*binding),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start dials the endpoint. A failed start leaves the session closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return transport.ErrSessionStarted
	}
	s.started = true
	s.mu.Unlock()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.DialTimeout,
	}
	if s.cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		s.logger.Debug("TLS certificate verification disabled (insecure_skip_verify=true)")
	}

	headers := http.Header{}
	if s.cfg.Token != "" {
		headers.Add("api-key", s.cfg.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		s.markFailed()
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized {
				return fmt.Errorf("authentication failed: %w", err)
			}
			return fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	s.touchHeartbeat()
	// gorilla/websocket answers pings itself; the handlers only record liveness
	conn.SetPingHandler(func(appData string) error {
		s.touchHeartbeat()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		s.touchHeartbeat()
		return nil
	})

	s.mu.Lock()
	if s.closed {
		// Stop raced with the dial
		s.mu.Unlock()
		_ = conn.Close()
		return transport.ErrSessionClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.heartbeatMonitor(conn)
	}

	s.logger.Debug("Websocket session started")
	return nil
}

func (s *Session) markFailed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// Stop sends a normal close frame and tears the connection down
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		return nil
	}
	alreadyClosed := s.closed
	s.mu.Unlock()

	if alreadyClosed {
		return s.wait(ctx)
	}

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Plugin closing connection")
	writeErr := conn.WriteControl(websocket.CloseMessage, closeMsg, deadline)

	s.shutdown(nil)

	if err := s.wait(ctx); err != nil {
		return err
	}
	if writeErr != nil && !errors.Is(writeErr, websocket.ErrCloseSent) {
		return writeErr
	}
	return nil
}

// wait blocks until the session goroutines have exited or ctx is done
func (s *Session) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown ends the session once: closes the socket, fails pending calls and
// runs the close callbacks
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeErr = cause
		conn := s.conn
		pending := s.pending
		s.pending = make(map[string]chan *transport.Frame)
		callbacks := s.onClosed
		s.onClosed = nil
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		for _, ch := range pending {
			close(ch)
		}

		if cause != nil {
			s.logger.Warn("Websocket session closed", zap.Error(cause))
		} else {
			s.logger.Debug("Websocket session stopped")
		}

		for _, fn := range callbacks {
			fn(cause)
		}
	})
}

// OnClosed registers fn to run when the session ends
func (s *Session) OnClosed(fn func(err error)) {
	s.mu.Lock()
	if s.closed && s.conn != nil {
		cause := s.closeErr
		s.mu.Unlock()
		go fn(cause)
		return
	}
	s.onClosed = append(s.onClosed, fn)
	s.mu.Unlock()
}

// Handle binds an inbound method handler
func (s *Session) Handle(method string, handler transport.Handler) func() {
	b := &binding{handler: handler}

	s.handlersMu.Lock()
	s.handlers[method] = b
	s.handlersMu.Unlock()

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		if s.handlers[method] == b {
			delete(s.handlers, method)
		}
	}
}

// Invoke sends a request and waits for its response
func (s *Session) Invoke(ctx context.Context, method string, params any, result any) error {
	id := uuid.NewString()
	frame, err := transport.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *transport.Frame, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return transport.ErrSessionNotStarted
	}
	conn := s.conn
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.write(conn, frame); err != nil {
		s.dropPending(id)
		s.shutdown(err)
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return transport.ErrSessionClosed
		}
		return resp.DecodeResult(result)
	case <-ctx.Done():
		s.dropPending(id)
		return ctx.Err()
	}
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) write(conn *websocket.Conn, frame *transport.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads frames until the connection fails
func (s *Session) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() {
				s.shutdown(nil)
			} else {
				s.shutdown(err)
			}
			return
		}
		s.touchHeartbeat()

		// Only text messages carry frames
		if messageType != websocket.TextMessage {
			s.logger.Debug("Ignoring non-text message", zap.Int("message_type", messageType))
			continue
		}

		frame, err := transport.ParseFrame(message)
		if err != nil {
			s.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch frame.Type {
		case transport.FrameRequest:
			s.wg.Add(1)
			go s.serveRequest(conn, frame)
		case transport.FrameResponse:
			s.deliver(frame)
		}
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) deliver(frame *transport.Frame) {
	s.mu.Lock()
	ch, ok := s.pending[frame.ID]
	delete(s.pending, frame.ID)
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Response for unknown request", zap.String("id", frame.ID))
		return
	}
	ch <- frame
}

func (s *Session) serveRequest(conn *websocket.Conn, req *transport.Frame) {
	defer s.wg.Done()

	s.handlersMu.RLock()
	b, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()

	var (
		result any
		err    error
	)
	if !ok {
		err = &transport.RemoteError{
			Code:    transport.CodeMethodNotFound,
			Message: fmt.Sprintf("no handler bound for %q", req.Method),
		}
	} else {
		result, err = s.callHandler(b.handler, req)
	}

	resp, encErr := transport.NewResponse(req.ID, result, err)
	if encErr != nil {
		resp, _ = transport.NewResponse(req.ID, nil, encErr)
	}
	if err := s.write(conn, resp); err != nil {
		s.logger.Warn("Failed to send response",
			zap.String("method", req.Method),
			zap.String("id", req.ID),
			zap.Error(err),
		)
	}
}

func (s *Session) callHandler(h transport.Handler, req *transport.Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Inbound handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", r),
			)
			err = &transport.RemoteError{Code: transport.CodeInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	return h(s.ctx, req.Params)
}

// heartbeatMonitor pings the server and ends the session when liveness is lost
func (s *Session) heartbeatMonitor(conn *websocket.Conn) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastHeartbeat.Load())
			if s.cfg.HeartbeatTimeout > 0 && time.Since(last) > s.cfg.HeartbeatTimeout {
				s.logger.Warn("Heartbeat timeout detected",
					zap.Duration("time_since_last_heartbeat", time.Since(last)),
				)
				s.shutdown(ErrHeartbeatTimeout)
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				s.shutdown(err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
