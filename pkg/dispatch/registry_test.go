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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"go.uber.org/zap"
)

const spawnSchema = `{
	"type": "object",
	"properties": {
		"entity": {"type": "string"},
		"count": {"type": "integer", "minimum": 1}
	},
	"required": ["entity"]
}`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(zap.NewNop())
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func dispatchJSON(t *testing.T, r *Registry, endpoint string, payload string) (map[string]any, error) {
	t.Helper()
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	res, err := r.Dispatch(context.Background(), endpoint, raw)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out, nil
}

func TestRunCall_SyncTool(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTool(Tool{
		Name:        "spawn",
		InputSchema: json.RawMessage(spawnSchema),
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Entity string `json:"entity"`
			}
			require.NoError(t, json.Unmarshal(args, &in))
			return map[string]string{"spawned": in.Entity}, nil
		},
	}))

	out, err := dispatchJSON(t, r, router.EndpointRunCall, `{"name":"spawn","arguments":{"entity":"crate","count":2}}`)
	require.NoError(t, err)
	assert.Equal(t, "crate", out["spawned"])
}

func TestRunCall_SchemaValidation(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterTool(Tool{
		Name:        "spawn",
		InputSchema: json.RawMessage(spawnSchema),
		Handler:     func(context.Context, json.RawMessage) (any, error) { return nil, nil },
	}))

	tests := []struct {
		name    string
		payload string
	}{
		{"missing required", `{"name":"spawn","arguments":{"count":2}}`},
		{"wrong type", `{"name":"spawn","arguments":{"entity":7}}`},
		{"below minimum", `{"name":"spawn","arguments":{"entity":"crate","count":0}}`},
		{"no arguments", `{"name":"spawn"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dispatchJSON(t, r, router.EndpointRunCall, tt.payload)
			require.Error(t, err)
			var re *transport.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, transport.CodeInvalidParams, re.Code)
		})
	}
}

func TestRegisterTool_Errors(t *testing.T) {
	r := newTestRegistry(t)
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }

	assert.Error(t, r.RegisterTool(Tool{Name: "", Handler: noop}))
	assert.Error(t, r.RegisterTool(Tool{Name: "x"}))
	assert.Error(t, r.RegisterTool(Tool{Name: "bad", Handler: noop, InputSchema: json.RawMessage(`{"type": 12}`)}))

	require.NoError(t, r.RegisterTool(Tool{Name: "x", Handler: noop}))
	assert.ErrorIs(t, r.RegisterTool(Tool{Name: "x", Handler: noop}), ErrDuplicate)
}

func TestRunCall_UnknownToolAndBadPayload(t *testing.T) {
	r := newTestRegistry(t)

	_, err := dispatchJSON(t, r, router.EndpointRunCall, `{"name":"missing"}`)
	assert.ErrorIs(t, err, ErrUnknownTool)

	_, err = dispatchJSON(t, r, router.EndpointRunCall, `not json`)
	var re *transport.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, transport.CodeInvalidParams, re.Code)

	_, err = dispatchJSON(t, r, router.EndpointRunCall, "")
	require.ErrorAs(t, err, &re)

	_, err = dispatchJSON(t, r, "no-such-endpoint", `{}`)
	assert.ErrorIs(t, err, ErrUnknownEndpoint)
}

func TestRunCall_AsyncToolCompletes(t *testing.T) {
	r := newTestRegistry(t)

	type completion struct {
		id     string
		result any
		err    error
	}
	done := make(chan completion, 1)
	r.SetCompleter(func(_ context.Context, id string, result any, err error) {
		done <- completion{id, result, err}
	})

	release := make(chan struct{})
	require.NoError(t, r.RegisterTool(Tool{
		Name:  "bake-lighting",
		Async: true,
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-release
			return "baked", nil
		},
	}))

	out, err := dispatchJSON(t, r, router.EndpointRunCall, `{"name":"bake-lighting"}`)
	require.NoError(t, err)
	assert.Equal(t, "pending", out["status"])
	id, _ := out["correlationId"].(string)
	require.NotEmpty(t, id)

	close(release)
	select {
	case c := <-done:
		assert.Equal(t, id, c.id)
		assert.Equal(t, "baked", c.result)
		assert.NoError(t, c.err)
	case <-time.After(2 * time.Second):
		t.Fatal("completer not called")
	}
}

func TestRunCall_AsyncToolFailureIsReported(t *testing.T) {
	r := newTestRegistry(t)
	done := make(chan error, 1)
	r.SetCompleter(func(_ context.Context, _ string, _ any, err error) { done <- err })

	boom := errors.New("out of memory")
	require.NoError(t, r.RegisterTool(Tool{
		Name:    "import",
		Async:   true,
		Handler: func(context.Context, json.RawMessage) (any, error) { return nil, boom },
	}))

	_, err := dispatchJSON(t, r, router.EndpointRunCall, `{"name":"import"}`)
	require.NoError(t, err)
	select {
	case got := <-done:
		assert.ErrorIs(t, got, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("completer not called")
	}
}

func TestClose_CancelsAsyncTools(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.RegisterTool(Tool{
		Name:  "wait",
		Async: true,
		Handler: func(ctx context.Context, _ json.RawMessage) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	_, err := dispatchJSON(t, r, router.EndpointRunCall, `{"name":"wait"}`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	_, err = dispatchJSON(t, r, router.EndpointRunCall, `{"name":"wait"}`)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestListings(t *testing.T) {
	r := newTestRegistry(t)
	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, r.RegisterTool(Tool{Name: "b-tool", Description: "second", Handler: noop}))
	require.NoError(t, r.RegisterTool(Tool{Name: "a-tool", Handler: noop, Async: true}))
	require.NoError(t, r.RegisterPrompt(Prompt{
		Name:      "review",
		Arguments: []PromptArgument{{Name: "scene", Required: true}},
		Handler:   func(context.Context, map[string]string) (any, error) { return nil, nil },
	}))
	require.NoError(t, r.RegisterResource(Resource{
		URI:      "scene://main",
		Name:     "Main scene",
		MimeType: "application/json",
		Read:     func(context.Context) (any, error) { return nil, nil },
	}))
	require.NoError(t, r.RegisterResourceTemplate(ResourceTemplate{URITemplate: "scene://{name}", Name: "Scene"}))

	out, err := dispatchJSON(t, r, router.EndpointListTools, "")
	require.NoError(t, err)
	tools := out["tools"].([]any)
	require.Len(t, tools, 2)
	assert.Equal(t, "a-tool", tools[0].(map[string]any)["name"])
	assert.Equal(t, true, tools[0].(map[string]any)["async"])
	assert.Equal(t, "second", tools[1].(map[string]any)["description"])

	out, err = dispatchJSON(t, r, router.EndpointListPrompts, "")
	require.NoError(t, err)
	assert.Len(t, out["prompts"], 1)

	out, err = dispatchJSON(t, r, router.EndpointListResources, "")
	require.NoError(t, err)
	resources := out["resources"].([]any)
	require.Len(t, resources, 1)
	assert.Equal(t, "scene://main", resources[0].(map[string]any)["uri"])

	out, err = dispatchJSON(t, r, router.EndpointListResourceTemplates, "")
	require.NoError(t, err)
	templates := out["resourceTemplates"].([]any)
	require.Len(t, templates, 1)
	assert.Equal(t, "scene://{name}", templates[0].(map[string]any)["uriTemplate"])
}

func TestGetPrompt(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterPrompt(Prompt{
		Name:      "review",
		Arguments: []PromptArgument{{Name: "scene", Required: true}},
		Handler: func(_ context.Context, args map[string]string) (any, error) {
			return map[string]string{"text": "Review " + args["scene"]}, nil
		},
	}))

	out, err := dispatchJSON(t, r, router.EndpointGetPrompt, `{"name":"review","arguments":{"scene":"intro"}}`)
	require.NoError(t, err)
	assert.Equal(t, "Review intro", out["text"])

	_, err = dispatchJSON(t, r, router.EndpointGetPrompt, `{"name":"review"}`)
	var re *transport.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, transport.CodeInvalidParams, re.Code)

	_, err = dispatchJSON(t, r, router.EndpointGetPrompt, `{"name":"other"}`)
	assert.ErrorIs(t, err, ErrUnknownPrompt)
}

func TestResourceContent(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.RegisterResource(Resource{
		URI:      "scene://main",
		MimeType: "text/plain",
		Read:     func(context.Context) (any, error) { return "hello", nil },
	}))

	out, err := dispatchJSON(t, r, router.EndpointResourceContent, `{"uri":"scene://main"}`)
	require.NoError(t, err)
	assert.Equal(t, "scene://main", out["uri"])
	assert.Equal(t, "text/plain", out["mimeType"])
	assert.Equal(t, "hello", out["content"])

	_, err = dispatchJSON(t, r, router.EndpointResourceContent, `{"uri":"scene://other"}`)
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestChangeHooks(t *testing.T) {
	r := newTestRegistry(t)
	var caps, res atomic.Int32
	r.OnCapabilitiesChanged(func() { caps.Add(1) })
	r.OnResourcesChanged(func() { res.Add(1) })

	noop := func(context.Context, json.RawMessage) (any, error) { return nil, nil }
	require.NoError(t, r.RegisterTool(Tool{Name: "t", Handler: noop}))
	require.NoError(t, r.RegisterPrompt(Prompt{Name: "p", Handler: func(context.Context, map[string]string) (any, error) { return nil, nil }}))
	assert.True(t, r.UnregisterTool("t"))
	assert.False(t, r.UnregisterTool("t"))

	require.NoError(t, r.RegisterResource(Resource{URI: "u", Read: func(context.Context) (any, error) { return nil, nil }}))
	assert.True(t, r.UnregisterResource("u"))
	require.NoError(t, r.RegisterResourceTemplate(ResourceTemplate{URITemplate: "u/{id}"}))

	assert.Equal(t, int32(3), caps.Load())
	assert.Equal(t, int32(3), res.Load())
}
