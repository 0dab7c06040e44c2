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

import "time"

// State represents the connection state
type State int

const (
	// Disconnected means no live session exists
	Disconnected State = iota
	// Connecting means a connect sequence is in flight
	Connecting
	// Connected means the session is established and usable
	Connected
	// Reconnecting means a connected session closed unexpectedly and a new
	// connect sequence is about to start
	Reconnecting
)

// States lists every state in declaration order
var States = []State{Disconnected, Connecting, Connected, Reconnecting}

// String returns the string representation of the connection state
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// validTransition reports whether the state machine allows from -> to
func validTransition(from, to State) bool {
	if to == Disconnected {
		return true
	}
	switch from {
	case Disconnected:
		return to == Connecting
	case Connecting:
		return to == Connected
	case Connected:
		return to == Reconnecting
	case Reconnecting:
		return to == Connecting
	}
	return false
}

// StateChange is published for every state transition
type StateChange struct {
	From State
	To   State
	At   time.Time
}
