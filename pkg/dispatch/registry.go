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

// Package dispatch maps inbound endpoint calls to registered tools, prompts and
// resources.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/wso2/api-platform/plugin-connector/pkg/router"
	"github.com/wso2/api-platform/plugin-connector/pkg/transport"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrUnknownPrompt   = errors.New("unknown prompt")
	ErrUnknownResource = errors.New("unknown resource")
	ErrDuplicate       = errors.New("already registered")
	ErrClosed          = errors.New("registry is closed")
)

// ToolFunc runs a tool with its JSON arguments
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a callable exposed to the orchestration server
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage // optional JSON schema for the arguments
	// Async tools answer immediately with a correlation id; the result is
	// reported through the Completer once Handler returns.
	Async   bool
	Handler ToolFunc

	schema *gojsonschema.Schema
}

// PromptArgument describes one prompt parameter
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt renders a prompt from its arguments
type Prompt struct {
	Name        string
	Description string
	Arguments   []PromptArgument
	Handler     func(ctx context.Context, args map[string]string) (any, error)
}

// Resource is readable content identified by URI
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
	Read        func(ctx context.Context) (any, error)
}

// ResourceTemplate advertises a family of resource URIs
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Completer reports the outcome of an asynchronous tool call
type Completer func(ctx context.Context, correlationID string, result any, err error)

// Wire shapes

type runCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// PendingResult is returned for asynchronous tool calls
type PendingResult struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
}

type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Async       bool            `json:"async,omitempty"`
}

type promptInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type getPromptRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type resourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type resourceContentRequest struct {
	URI string `json:"uri"`
}

type resourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Content  any    `json:"content"`
}

// Registry implements router.Dispatcher over registered handlers
type Registry struct {
	logger *zap.Logger

	mu        sync.RWMutex
	tools     map[string]*Tool
	prompts   map[string]*Prompt
	resources map[string]*Resource
	templates map[string]ResourceTemplate
	completer Completer
	onCaps    []func()
	onRes     []func()
	closed    bool

	ctx    context.Context // parent of asynchronous tool runs
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ router.Dispatcher = (*Registry)(nil)

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger:    logger,
		tools:     make(map[string]*Tool),
		prompts:   make(map[string]*Prompt),
		resources: make(map[string]*Resource),
		templates: make(map[string]ResourceTemplate),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetCompleter sets the sink for asynchronous tool results
func (r *Registry) SetCompleter(c Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completer = c
}

// OnCapabilitiesChanged registers fn to run after the tool or prompt set changes
func (r *Registry) OnCapabilitiesChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCaps = append(r.onCaps, fn)
}

// OnResourcesChanged registers fn to run after the resource set changes
func (r *Registry) OnResourcesChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRes = append(r.onRes, fn)
}

func (r *Registry) fire(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

// RegisterTool adds a tool. Its input schema, if any, must compile.
func (r *Registry) RegisterTool(tool Tool) error {
	if tool.Name == "" || tool.Handler == nil {
		return errors.New("tool requires a name and a handler")
	}
	if len(tool.InputSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid input schema for tool %s: %w", tool.Name, err)
		}
		tool.schema = schema
	}

	r.mu.Lock()
	if _, ok := r.tools[tool.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("tool %s: %w", tool.Name, ErrDuplicate)
	}
	r.tools[tool.Name] = &tool
	hooks := r.onCaps
	r.mu.Unlock()

	r.logger.Info("Registered tool", zap.String("name", tool.Name), zap.Bool("async", tool.Async))
	r.fire(hooks)
	return nil
}

// UnregisterTool removes a tool
func (r *Registry) UnregisterTool(name string) bool {
	r.mu.Lock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	hooks := r.onCaps
	r.mu.Unlock()

	if ok {
		r.fire(hooks)
	}
	return ok
}

// RegisterPrompt adds a prompt
func (r *Registry) RegisterPrompt(p Prompt) error {
	if p.Name == "" || p.Handler == nil {
		return errors.New("prompt requires a name and a handler")
	}
	r.mu.Lock()
	if _, ok := r.prompts[p.Name]; ok {
		r.mu.Unlock()
		return fmt.Errorf("prompt %s: %w", p.Name, ErrDuplicate)
	}
	r.prompts[p.Name] = &p
	hooks := r.onCaps
	r.mu.Unlock()

	r.fire(hooks)
	return nil
}

// RegisterResource adds a resource
func (r *Registry) RegisterResource(res Resource) error {
	if res.URI == "" || res.Read == nil {
		return errors.New("resource requires a uri and a reader")
	}
	r.mu.Lock()
	if _, ok := r.resources[res.URI]; ok {
		r.mu.Unlock()
		return fmt.Errorf("resource %s: %w", res.URI, ErrDuplicate)
	}
	r.resources[res.URI] = &res
	hooks := r.onRes
	r.mu.Unlock()

	r.fire(hooks)
	return nil
}

// UnregisterResource removes a resource
func (r *Registry) UnregisterResource(uri string) bool {
	r.mu.Lock()
	_, ok := r.resources[uri]
	delete(r.resources, uri)
	hooks := r.onRes
	r.mu.Unlock()

	if ok {
		r.fire(hooks)
	}
	return ok
}

// RegisterResourceTemplate adds a resource template
func (r *Registry) RegisterResourceTemplate(t ResourceTemplate) error {
	if t.URITemplate == "" {
		return errors.New("resource template requires a uri template")
	}
	r.mu.Lock()
	r.templates[t.URITemplate] = t
	hooks := r.onRes
	r.mu.Unlock()

	r.fire(hooks)
	return nil
}

// Dispatch serves one inbound endpoint call
func (r *Registry) Dispatch(ctx context.Context, endpoint string, payload json.RawMessage) (any, error) {
	switch endpoint {
	case router.EndpointRunCall:
		return r.runCall(ctx, payload)
	case router.EndpointListTools:
		return map[string]any{"tools": r.listTools()}, nil
	case router.EndpointGetPrompt:
		return r.getPrompt(ctx, payload)
	case router.EndpointListPrompts:
		return map[string]any{"prompts": r.listPrompts()}, nil
	case router.EndpointResourceContent:
		return r.readResource(ctx, payload)
	case router.EndpointListResources:
		return map[string]any{"resources": r.listResources()}, nil
	case router.EndpointListResourceTemplates:
		return map[string]any{"resourceTemplates": r.listTemplates()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return &transport.RemoteError{Code: transport.CodeInvalidParams, Message: "missing payload"}
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return &transport.RemoteError{Code: transport.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}

func (r *Registry) runCall(ctx context.Context, payload json.RawMessage) (any, error) {
	var req runCallRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}

	r.mu.RLock()
	tool, ok := r.tools[req.Name]
	completer := r.completer
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, req.Name)
	}

	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := validateArgs(tool, args); err != nil {
		return nil, err
	}

	if !tool.Async {
		return tool.Handler(ctx, args)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	id := uuid.NewString()
	go func() {
		defer r.wg.Done()
		result, err := tool.Handler(r.ctx, args)
		if err != nil {
			r.logger.Warn("Asynchronous tool failed",
				zap.String("tool", tool.Name),
				zap.String("correlation_id", id),
				zap.Error(err),
			)
		}
		if completer == nil {
			r.logger.Warn("Dropping asynchronous result, no completer set", zap.String("correlation_id", id))
			return
		}
		completer(r.ctx, id, result, err)
	}()

	r.logger.Debug("Started asynchronous tool", zap.String("tool", tool.Name), zap.String("correlation_id", id))
	return PendingResult{CorrelationID: id, Status: "pending"}, nil
}

func validateArgs(tool *Tool, args json.RawMessage) error {
	if tool.schema == nil {
		return nil
	}
	result, err := tool.schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &transport.RemoteError{Code: transport.CodeInvalidParams, Message: err.Error()}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return &transport.RemoteError{
		Code:    transport.CodeInvalidParams,
		Message: fmt.Sprintf("invalid arguments for %s: %s", tool.Name, strings.Join(msgs, "; ")),
	}
}

func (r *Registry) getPrompt(ctx context.Context, payload json.RawMessage) (any, error) {
	var req getPromptRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r.mu.RLock()
	p, ok := r.prompts[req.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrompt, req.Name)
	}
	for _, a := range p.Arguments {
		if _, set := req.Arguments[a.Name]; a.Required && !set {
			return nil, &transport.RemoteError{
				Code:    transport.CodeInvalidParams,
				Message: fmt.Sprintf("prompt %s requires argument %s", p.Name, a.Name),
			}
		}
	}
	return p.Handler(ctx, req.Arguments)
}

func (r *Registry) readResource(ctx context.Context, payload json.RawMessage) (any, error) {
	var req resourceContentRequest
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	r.mu.RLock()
	res, ok := r.resources[req.URI]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, req.URI)
	}
	content, err := res.Read(ctx)
	if err != nil {
		return nil, err
	}
	return resourceContent{URI: res.URI, MimeType: res.MimeType, Content: content}, nil
}

func (r *Registry) listTools() []toolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]toolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, toolInfo{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema, Async: t.Async})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) listPrompts() []promptInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]promptInfo, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, promptInfo{Name: p.Name, Description: p.Description, Arguments: p.Arguments})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) listResources() []resourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]resourceInfo, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, resourceInfo{URI: res.URI, Name: res.Name, Description: res.Description, MimeType: res.MimeType})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (r *Registry) listTemplates() []ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ResourceTemplate, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URITemplate < out[j].URITemplate })
	return out
}

// Close cancels running asynchronous tools and waits for them to finish
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
