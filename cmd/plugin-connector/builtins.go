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
	"fmt"
	"time"

	"github.com/wso2/api-platform/plugin-connector/pkg/dispatch"
	"github.com/wso2/api-platform/plugin-connector/pkg/plugin"
)

const echoSchema = `{
	"type": "object",
	"properties": {
		"message": {"type": "string"},
		"delay": {"type": "string"}
	},
	"required": ["message"]
}`

// registerBuiltins exposes the connector's own tools and status resource
func registerBuiltins(registry *dispatch.Registry, o *plugin.Orchestrator) error {
	if err := registry.RegisterTool(dispatch.Tool{
		Name:        "echo",
		Description: "Returns the message it was given",
		InputSchema: json.RawMessage(echoSchema),
		Handler: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]string{"message": in.Message}, nil
		},
	}); err != nil {
		return err
	}

	if err := registry.RegisterTool(dispatch.Tool{
		Name:        "echo-later",
		Description: "Returns the message after the given delay, reported as an operation result",
		InputSchema: json.RawMessage(echoSchema),
		Async:       true,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Message string `json:"message"`
				Delay   string `json:"delay"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			delay := time.Second
			if in.Delay != "" {
				d, err := time.ParseDuration(in.Delay)
				if err != nil {
					return nil, fmt.Errorf("invalid delay: %w", err)
				}
				delay = d
			}
			select {
			case <-time.After(delay):
				return map[string]string{"message": in.Message}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}); err != nil {
		return err
	}

	return registry.RegisterResource(dispatch.Resource{
		URI:         "connector://status",
		Name:        "Connector status",
		Description: "Connection state and latest handshake of this connector",
		MimeType:    "application/json",
		Read: func(context.Context) (any, error) {
			r := o.Router()
			if r == nil {
				return map[string]any{"state": "closed"}, nil
			}
			m := r.Manager()
			status := map[string]any{
				"state":         m.State().String(),
				"keepConnected": m.KeepConnected(),
				"endpoint":      m.Endpoint(),
			}
			if hs, ok := r.LastHandshake(); ok {
				status["compatible"] = hs.Response.Compatible
				status["handshakeMessage"] = hs.Response.Message
			}
			return status, nil
		},
	})
}
