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

// Package retry provides the delay policies used between connection attempts.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/wso2/api-platform/plugin-connector/pkg/config"
)

// DefaultDelay is the delay used by the default fixed policy
const DefaultDelay = 5 * time.Second

// Attempt describes a failed connection attempt
type Attempt struct {
	Number  int           // 1-based attempt number within the current connect sequence
	Elapsed time.Duration // Time since the connect sequence started
	Err     error         // Error of the failed attempt
}

// Policy maps a failed attempt to the wait before the next one
type Policy interface {
	NextDelay(attempt Attempt) time.Duration
}

// Limited is implemented by policies that stop retrying after some attempts
type Limited interface {
	Exhausted(attempt int) bool
}

// Fixed waits the same delay regardless of attempt history
type Fixed struct {
	Delay time.Duration
}

// NewFixed returns the default fixed delay policy
func NewFixed(delay time.Duration) Fixed {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return Fixed{Delay: delay}
}

// NextDelay returns the constant delay
func (f Fixed) NextDelay(Attempt) time.Duration {
	return f.Delay
}

// Exponential doubles the delay after every attempt, capped at Max, with a
// symmetric jitter of Jitter * delay
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64

	// rand returns a value in [0, 1); nil uses math/rand
	rand func() float64
}

// NextDelay calculates the next retry delay with exponential backoff and jitter
func (e Exponential) NextDelay(attempt Attempt) time.Duration {
	n := attempt.Number - 1
	if n < 0 {
		n = 0
	}
	// Keep the shift small enough that the multiplication cannot overflow
	if n > 30 {
		n = 30
	}

	baseDelay := e.Initial * time.Duration(1<<uint(n))
	if baseDelay <= 0 || baseDelay > e.Max {
		baseDelay = e.Max
	}

	if e.Jitter <= 0 {
		return baseDelay
	}

	r := e.rand
	if r == nil {
		r = rand.Float64
	}
	jitter := time.Duration(float64(baseDelay) * e.Jitter * (2*r() - 1))
	delay := baseDelay + jitter

	if delay < e.Initial {
		delay = e.Initial
	}
	if delay > e.Max {
		delay = e.Max
	}
	return delay
}

// capped limits an inner policy to a maximum number of attempts
type capped struct {
	Policy
	max int
}

// MaxAttempts wraps a policy so that the connect loop gives up after max
// attempts. A max of zero or less returns the policy unchanged.
func MaxAttempts(p Policy, max int) Policy {
	if max <= 0 {
		return p
	}
	return capped{Policy: p, max: max}
}

// Exhausted reports whether attempt has reached the cap
func (c capped) Exhausted(attempt int) bool {
	return attempt >= c.max
}

// IsExhausted reports whether p is limited and has no attempts left
func IsExhausted(p Policy, attempt int) bool {
	l, ok := p.(Limited)
	return ok && l.Exhausted(attempt)
}

// FromConfig builds the policy selected by the retry configuration
func FromConfig(cfg config.RetryConfig) Policy {
	var p Policy
	switch cfg.Policy {
	case config.RetryPolicyExponential:
		p = Exponential{Initial: cfg.Initial, Max: cfg.Max, Jitter: cfg.Jitter}
	default:
		p = NewFixed(cfg.Delay)
	}
	return MaxAttempts(p, cfg.MaxAttempts)
}
