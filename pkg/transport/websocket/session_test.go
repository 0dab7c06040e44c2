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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockWebSocketServer creates a mock WebSocket server for testing
func mockWebSocketServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig() Config {
	return Config{
		DialTimeout:  2 * time.Second,
		WriteTimeout: time.Second,
	}
}

func startSession(t *testing.T, server *httptest.Server) transport.Session {
	t.Helper()
	factory := NewFactory(testConfig(), zap.NewNop())
	session, err := factory.CreateSession(context.Background(), wsURL(server))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, session.Start(ctx))
	t.Cleanup(func() { _ = session.Stop(context.Background()) })
	return session
}

func readFrame(t *testing.T, conn *websocket.Conn) *transport.Frame {
	t.Helper()
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := transport.ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame *transport.Frame) {
	t.Helper()
	data, err := frame.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestToWebSocketURL(t *testing.T) {
	tests := []struct {
		in       string
		expected string
		wantErr  bool
	}{
		{"ws://localhost:8090/hub", "ws://localhost:8090/hub", false},
		{"wss://example.com/hub", "wss://example.com/hub", false},
		{"http://localhost:8090/hub", "ws://localhost:8090/hub", false},
		{"https://example.com/hub", "wss://example.com/hub", false},
		{"ftp://example.com", "", true},
		{"ws:///nohost", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := toWebSocketURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSession_InvokeRoundTrip(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		assert.Equal(t, "version-handshake", req.Method)
		assert.JSONEq(t, `{"apiVersion":"1.0.0"}`, string(req.Params))

		resp, err := transport.NewResponse(req.ID, map[string]any{"compatible": true, "message": "ok"}, nil)
		require.NoError(t, err)
		writeFrame(t, conn, resp)

		// Hold the connection open until the client goes away
		_, _, _ = conn.ReadMessage()
	})

	session := startSession(t, server)

	var out struct {
		Compatible bool   `json:"compatible"`
		Message    string `json:"message"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := session.Invoke(ctx, "version-handshake", map[string]string{"apiVersion": "1.0.0"}, &out)
	require.NoError(t, err)
	assert.True(t, out.Compatible)
	assert.Equal(t, "ok", out.Message)
}

func TestSession_InvokeRemoteError(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		req := readFrame(t, conn)
		resp, _ := transport.NewResponse(req.ID, nil, &transport.RemoteError{Code: transport.CodeInvalidParams, Message: "bad"})
		writeFrame(t, conn, resp)
		_, _, _ = conn.ReadMessage()
	})

	session := startSession(t, server)
	err := session.Invoke(context.Background(), "operation-completed", nil, nil)
	require.Error(t, err)
	assert.True(t, transport.IsRemoteError(err))
	assert.Contains(t, err.Error(), "bad")
}

func TestSession_ServesInboundCalls(t *testing.T) {
	responses := make(chan *transport.Frame, 2)
	ready := make(chan struct{})

	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		<-ready
		req, _ := transport.NewRequest("srv-1", "list-tools", json.RawMessage(`{"cursor":"a"}`))
		writeFrame(t, conn, req)
		unknown, _ := transport.NewRequest("srv-2", "no-such-endpoint", nil)
		writeFrame(t, conn, unknown)

		for i := 0; i < 2; i++ {
			responses <- readFrame(t, conn)
		}
		_, _, _ = conn.ReadMessage()
	})

	session := startSession(t, server)
	session.Handle("list-tools", func(ctx context.Context, params json.RawMessage) (any, error) {
		assert.JSONEq(t, `{"cursor":"a"}`, string(params))
		return []string{"spawn", "despawn"}, nil
	})
	close(ready)

	got := map[string]*transport.Frame{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-responses:
			got[f.ID] = f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}

	require.Contains(t, got, "srv-1")
	assert.Nil(t, got["srv-1"].Error)
	assert.JSONEq(t, `["spawn","despawn"]`, string(got["srv-1"].Result))

	require.Contains(t, got, "srv-2")
	require.NotNil(t, got["srv-2"].Error)
	assert.Equal(t, transport.CodeMethodNotFound, got["srv-2"].Error.Code)
}

func TestSession_UnsubscribeRemovesHandler(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	session := startSession(t, server).(*Session)

	unsubscribe := session.Handle("list-prompts", func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	session.handlersMu.RLock()
	_, ok := session.handlers["list-prompts"]
	session.handlersMu.RUnlock()
	require.True(t, ok)

	unsubscribe()
	session.handlersMu.RLock()
	_, ok = session.handlers["list-prompts"]
	session.handlersMu.RUnlock()
	assert.False(t, ok)
}

func TestSession_ServerCloseFiresOnClosed(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		time.Sleep(50 * time.Millisecond)
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server restart"))
	})

	session := startSession(t, server)
	closed := make(chan error, 1)
	session.OnClosed(func(err error) { closed <- err })

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed was not called")
	}

	err := session.Invoke(context.Background(), "list-tools", nil, nil)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestSession_StopFiresOnClosedWithNil(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	session := startSession(t, server)
	closed := make(chan error, 1)
	session.OnClosed(func(err error) { closed <- err })

	require.NoError(t, session.Stop(context.Background()))
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("OnClosed was not called")
	}

	// Stop is idempotent
	assert.NoError(t, session.Stop(context.Background()))
}

func TestSession_PendingInvokeFailsOnClose(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		_ = readFrame(t, conn)
		// never answer, drop the connection instead
	})

	session := startSession(t, server)
	err := session.Invoke(context.Background(), "resources-changed", nil, nil)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestSession_StartFailureSpendsSession(t *testing.T) {
	factory := NewFactory(testConfig(), zap.NewNop())
	session, err := factory.CreateSession(context.Background(), "ws://127.0.0.1:1/hub")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, session.Start(ctx))
	assert.ErrorIs(t, session.Start(ctx), transport.ErrSessionClosed)
	assert.ErrorIs(t, session.Invoke(ctx, "list-tools", nil, nil), transport.ErrSessionClosed)
}

func TestSession_AuthenticationFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Token = "wrong"
	session, err := NewFactory(cfg, zap.NewNop()).CreateSession(context.Background(), wsURL(server))
	require.NoError(t, err)

	err = session.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestSession_HeartbeatTimeoutClosesSession(t *testing.T) {
	server := mockWebSocketServer(t, func(conn *websocket.Conn) {
		// Swallow pings without answering so the client sees no pong
		conn.SetPingHandler(func(string) error { return nil })
		_, _, _ = conn.ReadMessage()
	})

	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	session, err := NewFactory(cfg, zap.NewNop()).CreateSession(context.Background(), wsURL(server))
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	defer session.Stop(context.Background())

	closed := make(chan error, 1)
	session.OnClosed(func(err error) { closed <- err })

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrHeartbeatTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("heartbeat timeout did not close the session")
	}
}
