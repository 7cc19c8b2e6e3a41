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

package errors

import (
	"errors"
	"fmt"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
)

// Retry signals the task runner to schedule another attempt per the
// resource's retry policy. EventType/Reason are recorded on the resource
// event log; ExhaustionSideEffect, when set, is additionally emitted if this
// retry turns out to be the last one in the budget.
type Retry struct {
	EventType            core.ResourceEventType
	Reason               string
	Info                 core.JSONMap
	ExhaustionSideEffect core.ResourceEventType
}

func (r *Retry) Error() string {
	if r.Reason == "" {
		return string(r.EventType)
	}
	return fmt.Sprintf("%s: %s", r.EventType, r.Reason)
}

// EventTypeAndReason is the compact form recorded as the retrying reason on
// the transition event log.
func (r *Retry) EventTypeAndReason() string {
	if r.Reason == "" {
		return string(r.EventType)
	}
	return fmt.Sprintf("%s:%s", r.EventType, r.Reason)
}

// NewRetry builds a Retry signal.
func NewRetry(eventType core.ResourceEventType, reason string, info core.JSONMap) *Retry {
	return &Retry{EventType: eventType, Reason: reason, Info: info}
}

// WithExhaustionSideEffect attaches a side-effect event emitted only when the
// retry budget runs out on this signal.
func (r *Retry) WithExhaustionSideEffect(eventType core.ResourceEventType) *Retry {
	r.ExhaustionSideEffect = eventType
	return r
}

// Terminal signals that the phase failed and no further attempts should be
// made. The runner records the typed event plus terminal_failure on both the
// resource and the transition.
type Terminal struct {
	EventType core.ResourceEventType
	Reason    string
	Info      core.JSONMap
}

func (t *Terminal) Error() string {
	if t.Reason == "" {
		return string(t.EventType)
	}
	return fmt.Sprintf("%s: %s", t.EventType, t.Reason)
}

// EventTypeAndReason is the compact form recorded as the terminal_failure
// reason.
func (t *Terminal) EventTypeAndReason() string {
	if t.Reason == "" {
		return string(t.EventType)
	}
	return fmt.Sprintf("%s:%s", t.EventType, t.Reason)
}

// NewTerminal builds a Terminal signal.
func NewTerminal(eventType core.ResourceEventType, reason string, info core.JSONMap) *Terminal {
	return &Terminal{EventType: eventType, Reason: reason, Info: info}
}

// AsRetry unwraps a Retry signal from an error chain.
func AsRetry(err error) (*Retry, bool) {
	var r *Retry
	ok := errors.As(err, &r)
	return r, ok
}

// AsTerminal unwraps a Terminal signal from an error chain.
func AsTerminal(err error) (*Terminal, bool) {
	var t *Terminal
	ok := errors.As(err, &t)
	return t, ok
}
