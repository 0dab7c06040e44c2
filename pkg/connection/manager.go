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

// Package connection owns the session lifecycle: the state machine, the
// single-flight connect sequence with its retry loop, automatic reconnects and
// call invocation over the live session.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wso2/api-platform/plugin-connector/pkg/metrics"
	"github.com/wso2/api-platform/plugin-connector/pkg/retry"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAttemptTimeout bounds a single session start
	DefaultAttemptTimeout = 30 * time.Second
	// DefaultSettleDelay is waited once after the first session of a sequence is created
	DefaultSettleDelay = 100 * time.Millisecond
)

var (
	// ErrNotConnected is returned by Invoke when no connection could be used
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("connection manager is closed")

	errRetired      = errors.New("connect sequence retired")
	errEndedOnStart = errors.New("session closed while starting")
)

// Options configures a Manager
type Options struct {
	Factory        transport.SessionFactory
	Endpoint       string
	Policy         retry.Policy  // nil uses a fixed retry.DefaultDelay
	AttemptTimeout time.Duration // 0 uses DefaultAttemptTimeout
	SettleDelay    time.Duration // negative disables, 0 uses DefaultSettleDelay
	Logger         *zap.Logger
}

// Stats holds counters since the manager was created
type Stats struct {
	SessionsCreated uint64
	ConnectAttempts uint64
	FailedAttempts  uint64
	Reconnects      uint64
}

// Manager owns at most one live session to the orchestration server
type Manager struct {
	factory        transport.SessionFactory
	policy         retry.Policy
	attemptTimeout time.Duration
	settleDelay    time.Duration
	logger         *zap.Logger

	mu            sync.Mutex
	state         State
	keepConnected bool
	endpoint      string
	session       transport.Session
	starting      transport.Session  // session whose Start is in progress
	startingEnded bool               // starting closed before it was committed
	cancel        context.CancelFunc // cancellation scope of the latest connect sequence
	generation    uint64             // bumped by Disconnect, Close and reconnects to retire older sequences
	hooks         []func(transport.Session)
	closed        bool

	group    singleflight.Group
	states   *broadcaster
	lifetime context.Context
	shutdown context.CancelFunc

	sessionsCreated atomic.Uint64
	connectAttempts atomic.Uint64
	failedAttempts  atomic.Uint64
	reconnects      atomic.Uint64
}

// NewManager creates a disconnected manager
func NewManager(opts Options) *Manager {
	if opts.Policy == nil {
		opts.Policy = retry.NewFixed(retry.DefaultDelay)
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	lifetime, shutdown := context.WithCancel(context.Background())
	m := &Manager{
		factory:        opts.Factory,
		policy:         opts.Policy,
		attemptTimeout: opts.AttemptTimeout,
		settleDelay:    opts.SettleDelay,
		logger:         opts.Logger,
		endpoint:       opts.Endpoint,
		state:          Disconnected,
		states:         newBroadcaster(),
		lifetime:       lifetime,
		shutdown:       shutdown,
	}
	metrics.SetConnectionState(Disconnected.String(), stateNames()...)
	return m
}

func stateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = s.String()
	}
	return names
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// KeepConnected returns the current connect intent
func (m *Manager) KeepConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepConnected
}

// Endpoint returns the endpoint used for the next session
func (m *Manager) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// SetEndpoint changes the endpoint used for the next session. An open session
// is not affected.
func (m *Manager) SetEndpoint(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoint = endpoint
}

// Stats returns the manager counters
func (m *Manager) Stats() Stats {
	return Stats{
		SessionsCreated: m.sessionsCreated.Load(),
		ConnectAttempts: m.connectAttempts.Load(),
		FailedAttempts:  m.failedAttempts.Load(),
		Reconnects:      m.reconnects.Load(),
	}
}

// Subscribe returns a stream of state changes in the order they happen. The
// channel is closed by the returned cancel function or by Close, which still
// delivers queued changes to a reader that drains within a second.
func (m *Manager) Subscribe(buffer int) (<-chan StateChange, func()) {
	return m.states.subscribe(buffer)
}

// OnSession registers fn to run for every new session before it is started
func (m *Manager) OnSession(fn func(transport.Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// setStateLocked updates the state and publishes the change. Callers hold m.mu.
func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	if !validTransition(from, to) {
		m.logger.Error("Rejected invalid state transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return
	}
	m.state = to

	m.logger.Info("Connection state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	metrics.SetConnectionState(to.String(), stateNames()...)
	m.states.publish(StateChange{From: from, To: to, At: time.Now()})
}

// Connect establishes a connection, retrying per the policy until it succeeds,
// the intent is cleared by Disconnect, ctx is done or the policy is exhausted.
// Concurrent callers share one connect sequence and its outcome.
func (m *Manager) Connect(ctx context.Context) bool {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return false
		}
		if m.state == Connected && m.session != nil {
			m.mu.Unlock()
			return true
		}
		m.keepConnected = true
		gen := m.generation
		m.mu.Unlock()

		ch := m.group.DoChan("connect/"+strconv.FormatUint(gen, 10), func() (any, error) {
			return m.connectSequence(ctx, gen), nil
		})

		select {
		case res := <-ch:
			if res.Val.(bool) {
				return true
			}
		case <-ctx.Done():
			return false
		}

		// A sequence retired by a newer generation while the intent is still
		// set hands over to the newer sequence
		m.mu.Lock()
		handOver := !m.closed && m.keepConnected && m.generation != gen
		m.mu.Unlock()
		if !handOver {
			return false
		}
	}
}

// current reports whether the sequence of generation gen may still act.
// Callers hold m.mu.
func (m *Manager) current(gen uint64) bool {
	return !m.closed && m.generation == gen && m.keepConnected
}

func (m *Manager) connectSequence(callerCtx context.Context, gen uint64) bool {
	scope, cancel := context.WithCancel(m.lifetime)
	defer cancel()
	stop := context.AfterFunc(callerCtx, cancel)
	defer stop()

	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return false
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.cancel = cancel
	if m.state == Connected && m.session != nil {
		m.mu.Unlock()
		return true
	}
	m.setStateLocked(Connecting)
	endpoint := m.endpoint
	m.mu.Unlock()

	m.logger.Info("Connecting to orchestration server", zap.String("endpoint", endpoint))

	started := time.Now()
	for attempt := 1; ; attempt++ {
		if reason := m.stopReason(scope, gen, attempt); reason != "" {
			m.logger.Info("Connect sequence stopped",
				zap.String("reason", reason),
				zap.Int("attempts", attempt-1),
			)
			m.settle(gen)
			return false
		}

		session, err := m.newSession(scope)
		if err != nil {
			m.logger.Error("Failed to create session", zap.Error(err))
			m.settle(gen)
			return false
		}

		if attempt == 1 && m.settleDelay > 0 {
			if !sleep(scope, m.settleDelay) {
				_ = session.Stop(context.Background())
				continue
			}
		}

		err = m.startSession(scope, session)
		if err == nil {
			err = m.commit(gen, session)
			if err == nil {
				metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ResultSuccess).Inc()
				m.logger.Info("Connection established",
					zap.Int("attempt", attempt),
					zap.Duration("elapsed", time.Since(started)),
				)
				return true
			}
			if errors.Is(err, errRetired) {
				// Disconnected while the session was starting
				_ = session.Stop(context.Background())
				continue
			}
		}

		m.failedAttempts.Add(1)
		metrics.ConnectAttemptsTotal.WithLabelValues(metrics.ResultFailure).Inc()
		_ = session.Stop(context.Background())

		delay := m.policy.NextDelay(retry.Attempt{
			Number:  attempt,
			Elapsed: time.Since(started),
			Err:     err,
		})
		m.logger.Warn("Connection attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", delay),
			zap.Error(err),
		)
		sleep(scope, delay)
	}
}

// stopReason checks the loop exit conditions before attempt
func (m *Manager) stopReason(scope context.Context, gen uint64, attempt int) string {
	if scope.Err() != nil {
		return "cancelled"
	}
	if retry.IsExhausted(m.policy, attempt-1) {
		return "retry attempts exhausted"
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "closed"
	}
	if m.generation != gen || !m.keepConnected {
		return "disconnect requested"
	}
	return ""
}

// settle moves a failed sequence to Disconnected if it is still the latest one
func (m *Manager) settle(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.generation != gen {
		return
	}
	if m.state == Connecting {
		m.setStateLocked(Disconnected)
	}
}

// commit publishes a started session unless the sequence was retired or the
// session already ended
func (m *Manager) commit(gen uint64, session transport.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ended := m.starting == session && m.startingEnded
	if m.starting == session {
		m.starting = nil
		m.startingEnded = false
	}
	if !m.current(gen) {
		return errRetired
	}
	if ended {
		return errEndedOnStart
	}
	m.session = session
	m.setStateLocked(Connected)
	return nil
}

func (m *Manager) newSession(ctx context.Context) (transport.Session, error) {
	if m.factory == nil {
		return nil, errors.New("no session factory configured")
	}

	m.mu.Lock()
	endpoint := m.endpoint
	hooks := append([]func(transport.Session){}, m.hooks...)
	m.mu.Unlock()

	session, err := m.factory.CreateSession(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for %s: %w", endpoint, err)
	}
	if session == nil {
		return nil, fmt.Errorf("session factory returned no session for %s", endpoint)
	}
	m.sessionsCreated.Add(1)
	metrics.SessionsCreatedTotal.Inc()

	session.OnClosed(func(err error) { m.handleClosed(session, err) })
	for _, hook := range hooks {
		hook(session)
	}
	return session, nil
}

func (m *Manager) startSession(ctx context.Context, session transport.Session) error {
	m.connectAttempts.Add(1)
	m.mu.Lock()
	m.starting = session
	m.startingEnded = false
	m.mu.Unlock()

	attemptCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- session.Start(attemptCtx) }()

	select {
	case err := <-errCh:
		return err
	case <-attemptCtx.Done():
		return fmt.Errorf("session start: %w", attemptCtx.Err())
	}
}

// handleClosed reacts to the live session ending
func (m *Manager) handleClosed(session transport.Session, cause error) {
	m.mu.Lock()
	if m.session != session {
		if m.starting == session {
			// commit refuses it and the retry loop goes on
			m.startingEnded = true
		}
		// Stale session or one that never became live
		m.mu.Unlock()
		return
	}
	m.session = nil
	if m.closed {
		m.mu.Unlock()
		return
	}

	if m.keepConnected && m.state == Connected {
		m.setStateLocked(Reconnecting)
		m.generation++
		m.mu.Unlock()

		m.reconnects.Add(1)
		metrics.ReconnectionsTotal.Inc()
		m.logger.Warn("Session closed unexpectedly, reconnecting", zap.Error(cause))
		go m.Connect(m.lifetime)
		return
	}

	m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.logger.Info("Session closed", zap.Error(cause))
}

// Disconnect clears the connect intent, cancels any in-flight connect sequence
// and stops the session
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.keepConnected = false
	m.generation++
	if m.cancel != nil {
		m.cancel()
	}
	session := m.session
	m.session = nil
	if !m.closed {
		m.setStateLocked(Disconnected)
	}
	m.mu.Unlock()

	if session != nil {
		m.logger.Info("Disconnecting from orchestration server")
		if err := session.Stop(ctx); err != nil {
			m.logger.Warn("Failed to stop session cleanly", zap.Error(err))
		}
	}
}

// Close disconnects and releases the manager. Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.keepConnected = false
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	session := m.session
	m.session = nil
	m.setStateLocked(Disconnected)
	m.closed = true
	m.hooks = nil
	m.mu.Unlock()

	m.shutdown()

	var err error
	if session != nil {
		err = session.Stop(ctx)
	}
	m.states.close()
	return err
}

// liveSession returns the connected session, connecting first when the intent
// is set
func (m *Manager) liveSession(ctx context.Context) (transport.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.state == Connected && m.session != nil {
		s := m.session
		m.mu.Unlock()
		return s, nil
	}
	keep := m.keepConnected
	m.mu.Unlock()

	if !keep {
		return nil, ErrNotConnected
	}
	if !m.Connect(ctx) {
		return nil, ErrNotConnected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, ErrNotConnected
	}
	return m.session, nil
}

func (m *Manager) invoke(ctx context.Context, method string, params any, result any) error {
	session, err := m.liveSession(ctx)
	if err != nil {
		m.logger.Warn("Call not sent", zap.String("method", method), zap.Error(err))
		return err
	}

	started := time.Now()
	err = session.Invoke(ctx, method, params, result)
	metrics.ObserveInvoke(method, started, err)
	if err != nil {
		m.logger.Error("Call failed", zap.String("method", method), zap.Error(err))
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// Invoke calls method on the server, connecting first when not connected and
// the intent is set
func (m *Manager) Invoke(ctx context.Context, method string, params any) error {
	return m.invoke(ctx, method, params, nil)
}

// InvokeResult calls method and decodes the result into T
func InvokeResult[T any](ctx context.Context, m *Manager, method string, params any) (T, error) {
	var out T
	if err := m.invoke(ctx, method, params, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// sleep waits d or until ctx is done; false when ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
