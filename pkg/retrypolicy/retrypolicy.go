/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retrypolicy computes per-attempt retry delays and detects budget
// exhaustion for transition tasks.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
)

const (
	// MinBackoff floors exponential delays so a zero or tiny base never
	// produces a hot retry loop.
	MinBackoff = 500 * time.Millisecond

	// DefaultBackoffMax caps exponential delays when a kind doesn't set one.
	DefaultBackoffMax = 300 * time.Second

	// EngineMaxRetries is a high upper bound; the effective budget is decided
	// per resource kind and phase.
	EngineMaxRetries = 80

	// DefaultRetryDelay is the fixed-mode delay when a kind sets neither a
	// backoff nor a delay.
	DefaultRetryDelay = 45 * time.Second

	// DefaultSoftTimeLimit and DefaultTimeLimit bound a single attempt.
	DefaultSoftTimeLimit = 655 * time.Second
	DefaultTimeLimit     = 660 * time.Second
)

// Params configures retries for one (kind, phase) pair. A zero RetryBackoff
// selects fixed mode using DefaultRetryDelay.
type Params struct {
	MaxRetries        int           `toml:"max_retries"`
	DefaultRetryDelay time.Duration `toml:"default_retry_delay"`
	RetryBackoff      time.Duration `toml:"retry_backoff"`
	RetryBackoffMax   time.Duration `toml:"retry_backoff_max"`
	RetryJitter       bool          `toml:"retry_jitter"`
	TotalTimeout      time.Duration `toml:"total_timeout"`
	SoftTimeLimit     time.Duration `toml:"soft_time_limit"`
	TimeLimit         time.Duration `toml:"time_limit"`
}

// SoftLimit returns the per-attempt soft time limit, falling back to the
// engine default.
func (p Params) SoftLimit() time.Duration {
	if p.SoftTimeLimit > 0 {
		return p.SoftTimeLimit
	}
	return DefaultSoftTimeLimit
}

// HardLimit returns the per-attempt hard time limit, falling back to the
// engine default or soft limit + 5s when only a soft limit is set.
func (p Params) HardLimit() time.Duration {
	if p.TimeLimit > 0 {
		return p.TimeLimit
	}
	if p.SoftTimeLimit > 0 {
		return p.SoftTimeLimit + 5*time.Second
	}
	return DefaultTimeLimit
}

// Delay computes the countdown before attempt index i+1. Exponential mode
// computes clamp(base * 2^i, MinBackoff, RetryBackoffMax) with optional full
// jitter U[0, delay]; fixed mode returns the configured delay.
func Delay(p Params, attemptIndex int) time.Duration {
	if p.RetryBackoff <= 0 {
		if p.DefaultRetryDelay > 0 {
			return p.DefaultRetryDelay
		}
		return DefaultRetryDelay
	}
	max := p.RetryBackoffMax
	if max <= 0 {
		max = DefaultBackoffMax
	}
	countdown := p.RetryBackoff
	for i := 0; i < attemptIndex; i++ {
		countdown *= 2
		if countdown >= max {
			countdown = max
			break
		}
	}
	if countdown > max {
		countdown = max
	}
	if p.RetryJitter {
		// full jitter per the AWS architecture blog: U[0, countdown]
		countdown = time.Duration(rand.Int63n(int64(countdown) + 1)) //nolint
	}
	if countdown < MinBackoff {
		countdown = MinBackoff
	}
	return countdown
}

// Exhausted reports whether the retry budget is consumed: either the attempt
// index reached max_retries-1 or the task has been alive longer than
// total_timeout. The returned reason distinguishes the two.
func Exhausted(p Params, attemptIndex int, taskAge time.Duration) (string, bool) {
	maxRetries := p.MaxRetries
	if maxRetries <= 0 || maxRetries > EngineMaxRetries {
		maxRetries = EngineMaxRetries
	}
	if attemptIndex >= maxRetries-1 {
		return core.ReasonRetriesExhausted, true
	}
	if p.TotalTimeout > 0 && taskAge > p.TotalTimeout {
		return core.ReasonTotalTimeoutExceeded, true
	}
	return "", false
}
