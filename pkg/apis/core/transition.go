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

package core

import (
	"time"
)

// Phase is one named step of the per-resource lifecycle FSM.
type Phase string

const (
	PhaseEnsureDependenciesReady           Phase = "ensure_dependencies_ready"
	PhaseEnsureExists                      Phase = "ensure_exists"
	PhaseEnsureHealthy                     Phase = "ensure_healthy"
	PhaseEnsureUpdated                     Phase = "ensure_updated"
	PhaseEnsureForwardDependenciesDeleted  Phase = "ensure_forward_dependencies_deleted"
	PhaseEnsureDeleted                     Phase = "ensure_deleted"
	PhaseTest                              Phase = "test"
)

// Phases lists every valid phase.
func Phases() []Phase {
	return []Phase{
		PhaseEnsureDependenciesReady,
		PhaseEnsureExists,
		PhaseEnsureHealthy,
		PhaseEnsureUpdated,
		PhaseEnsureForwardDependenciesDeleted,
		PhaseEnsureDeleted,
		PhaseTest,
	}
}

// TransitionStatus is the status FSM of a transition:
// pending -> sent_to_broker -> in_progress -> {succeeded | failed}, with one
// permitted in_progress -> sent_to_broker step when rescheduled after a hard
// timeout.
type TransitionStatus string

const (
	StatusPending      TransitionStatus = "pending"
	StatusSentToBroker TransitionStatus = "sent_to_broker"
	StatusInProgress   TransitionStatus = "in_progress"
	StatusSucceeded    TransitionStatus = "succeeded"
	StatusFailed       TransitionStatus = "failed"
)

// Terminal reports whether the status admits no further work.
func (s TransitionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Transition is one scheduled attempt to drive a resource through one phase.
// At most one transition per (resource, phase) may be in a non-terminal
// status.
type Transition struct {
	ID         string `db:"id" json:"id"`
	ResourceID string `db:"resource_id" json:"resource_id"`
	Phase      Phase  `db:"phase" json:"phase"`

	Status      TransitionStatus `db:"status" json:"status"`
	StatusCause *string          `db:"status_cause" json:"status_cause,omitempty"`

	UpdateType           *string `db:"update_type" json:"update_type,omitempty"`
	ExtraTaskKwargs      JSONMap `db:"extra_task_kwargs" json:"extra_task_kwargs,omitempty"`
	PreviousTransitionID *string `db:"previous_transition_id" json:"previous_transition_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// AttemptState tracks one broker delivery of a transition.
type AttemptState string

const (
	AttemptQueued    AttemptState = "queued"
	AttemptRunning   AttemptState = "running"
	AttemptSucceeded AttemptState = "succeeded"
	// AttemptRetried ends an attempt whose transition lives on in a later
	// attempt; AttemptFailed means the transition itself should be failed.
	AttemptRetried AttemptState = "retried"
	AttemptFailed  AttemptState = "failed"
)

// TransitionAttempt is the broker delivery record for one execution of a
// transition. The reaper uses attempts as a corrective side channel: an
// attempt marked failed whose transition isn't failed gets a corrective
// terminal_failure.
type TransitionAttempt struct {
	ID           string       `db:"id" json:"id"`
	TransitionID string       `db:"transition_id" json:"transition_id"`
	TaskID       string       `db:"task_id" json:"task_id"`
	AttemptIndex int          `db:"attempt_index" json:"attempt_index"`
	IsDuplicate  bool         `db:"is_duplicate" json:"is_duplicate"`
	Rescheduled  bool         `db:"rescheduled" json:"rescheduled"`
	State        AttemptState `db:"state" json:"state"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}
