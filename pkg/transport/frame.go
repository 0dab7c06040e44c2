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
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType identifies the kind of frame on the wire
type FrameType string

const (
	// FrameRequest carries a call to Method; the peer answers with a response carrying the same ID
	FrameRequest FrameType = "request"
	// FrameResponse answers a request
	FrameResponse FrameType = "response"
)

// Frame is the JSON envelope exchanged over a session
type Frame struct {
	Type   FrameType       `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// NewRequest builds a request frame, encoding params
func NewRequest(id, method string, params any) (*Frame, error) {
	raw, err := encode(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params for %s: %w", method, err)
	}
	return &Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a response frame. A non-nil err becomes the frame error.
func NewResponse(id string, result any, err error) (*Frame, error) {
	if err != nil {
		var re *RemoteError
		if !errors.As(err, &re) {
			re = &RemoteError{Code: CodeInternal, Message: err.Error()}
		}
		return &Frame{Type: FrameResponse, ID: id, Error: re}, nil
	}
	raw, encErr := encode(result)
	if encErr != nil {
		return nil, fmt.Errorf("failed to encode result: %w", encErr)
	}
	return &Frame{Type: FrameResponse, ID: id, Result: raw}, nil
}

// Marshal encodes the frame
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// ParseFrame decodes and validates a frame
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	if f.ID == "" {
		return nil, errors.New("frame missing 'id' field")
	}
	switch f.Type {
	case FrameRequest:
		if f.Method == "" {
			return nil, errors.New("request frame missing 'method' field")
		}
	case FrameResponse:
	default:
		return nil, fmt.Errorf("unknown frame type: %q", f.Type)
	}
	return &f, nil
}

// DecodeResult decodes a response frame into out. A frame error is returned as *RemoteError.
func (f *Frame) DecodeResult(out any) error {
	if f.Error != nil {
		return f.Error
	}
	if out == nil || len(f.Result) == 0 || string(f.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Result, out); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
