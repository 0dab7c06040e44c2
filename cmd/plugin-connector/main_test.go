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

package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/plugin-connector/pkg/config"
	"github.com/wso2/api-platform/plugin-connector/pkg/dispatch"
	"github.com/wso2/api-platform/plugin-connector/pkg/plugin"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"go.uber.org/zap"
)

func newUnstarted(t *testing.T) (*dispatch.Registry, *plugin.Orchestrator) {
	t.Helper()
	registry := dispatch.NewRegistry(zap.NewNop())
	t.Cleanup(func() { _ = registry.Close(context.Background()) })
	o := plugin.New(plugin.Options{
		Config:     config.DefaultConfig().Connector,
		Dispatcher: registry,
		Getenv:     func(string) string { return "" },
		Logger:     zap.NewNop(),
	})
	wireRegistry(registry, o, zap.NewNop())
	require.NoError(t, registerBuiltins(registry, o))
	return registry, o
}

func TestBuiltins_Listed(t *testing.T) {
	registry, _ := newUnstarted(t)

	out, err := registry.Dispatch(context.Background(), router.EndpointListTools, nil)
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"name":"echo"`)
	assert.Contains(t, string(data), `"name":"echo-later"`)

	out, err = registry.Dispatch(context.Background(), router.EndpointListResources, nil)
	require.NoError(t, err)
	data, err = json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"uri":"connector://status"`)
}

func TestBuiltins_Echo(t *testing.T) {
	registry, _ := newUnstarted(t)

	out, err := registry.Dispatch(context.Background(), router.EndpointRunCall,
		json.RawMessage(`{"name":"echo","arguments":{"message":"hello"}}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"message": "hello"}, out)
}

func TestBuiltins_EchoRejectsMissingMessage(t *testing.T) {
	registry, _ := newUnstarted(t)

	_, err := registry.Dispatch(context.Background(), router.EndpointRunCall,
		json.RawMessage(`{"name":"echo","arguments":{}}`))
	assert.Error(t, err)
}

func TestBuiltins_StatusBeforeStart(t *testing.T) {
	registry, _ := newUnstarted(t)

	out, err := registry.Dispatch(context.Background(), router.EndpointResourceContent,
		json.RawMessage(`{"uri":"connector://status"}`))
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"closed"`)
}

func TestReadinessBeforeStart(t *testing.T) {
	_, o := newUnstarted(t)

	ready, state := readiness(o)()
	assert.False(t, ready)
	assert.Equal(t, "closed", state)
}
