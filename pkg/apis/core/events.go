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

// ResourceEventType labels an append-only entry in the resource event log.
type ResourceEventType string

const (
	// ensure_dependencies_ready
	EventDependenciesPending ResourceEventType = "dependencies_pending"
	EventDependenciesReady   ResourceEventType = "dependencies_ready"
	EventDependencyFailed    ResourceEventType = "dependency_failed"

	// ensure_exists
	EventResourceFound            ResourceEventType = "resource_found"
	EventResourceNotFound         ResourceEventType = "resource_not_found"
	EventCreating                 ResourceEventType = "creating"
	EventCreationRequestSucceeded ResourceEventType = "creation_request_succeeded"
	EventCreationRequestFailed    ResourceEventType = "creation_request_failed"

	// ensure_healthy
	EventHealthCheckFailed       ResourceEventType = "health_check_failed"
	EventHealthChecksTerminated  ResourceEventType = "health_checks_terminated"
	EventHealthChecksSucceeded   ResourceEventType = "health_checks_succeeded"
	EventResourceFoundAndHealthy ResourceEventType = "resource_found_and_healthy"

	// ensure_forward_dependencies_deleted / ensure_deleted
	EventForwardDependenciesAbsent  ResourceEventType = "forward_dependencies_absent"
	EventDependencyDeletionPending  ResourceEventType = "dependency_deletion_pending"
	EventDeleting                   ResourceEventType = "deleting"
	EventDeletionRequestSucceeded   ResourceEventType = "deletion_request_succeeded"
	EventDeletionRequestFailed      ResourceEventType = "deletion_request_failed"
	EventNotYetAbsent               ResourceEventType = "not_yet_absent"
	EventDeletionTerminated         ResourceEventType = "deletion_terminated"

	// ingestion
	EventHclResourceDeclared  ResourceEventType = "hcl_resource_declared"
	EventHclValidationFailed  ResourceEventType = "hcl_validation_failed"

	// engine
	EventTerminalFailure ResourceEventType = "terminal_failure"
	EventTaskErrored     ResourceEventType = "task_errored"
	EventSleeping        ResourceEventType = "sleeping"
)

// TransitionEventType labels an entry in the transition event log. The four
// projecting types map onto the status FSM; the rest are bookkeeping.
type TransitionEventType string

const (
	TransitionEventSentToBroker           TransitionEventType = "sent_to_broker"
	TransitionEventStarted                TransitionEventType = "started"
	TransitionEventSucceeded              TransitionEventType = "succeeded"
	TransitionEventTerminalFailure        TransitionEventType = "terminal_failure"
	TransitionEventRetrying               TransitionEventType = "retrying"
	TransitionEventRescheduling           TransitionEventType = "rescheduling"
	TransitionEventTimeout                TransitionEventType = "timeout"
	TransitionEventPotentialDuplicateTask TransitionEventType = "potential_duplicate_task"
)

// Event reasons shared across phases.
const (
	ReasonFoundBeforeCreation    = "found_before_creation"
	ReasonFoundAfterCreation     = "found_after_creation"
	ReasonAbsentBeforeDeletion   = "absent_before_deletion"
	ReasonAbsentAfterDeletion    = "absent_after_deletion"
	ReasonNotReady               = "not_ready"
	ReasonRetriesExhausted       = "retries_exhausted"
	ReasonTotalTimeoutExceeded   = "total_timeout_exceeded"
	ReasonHardTimeout            = "hard_timeout"
	ReasonSoftTimeout            = "soft_time_limit_exceeded"
	ReasonContextHydrationFailed = "context_hydration_failed"
	ReasonUnknownUpdateType      = "unknown_update_type"
	ReasonCycleFound             = "cycle_found"
)

// ResourceEvent drives state projection for a resource. StateDecision records
// what the projector chose, or nil when the event didn't match the table.
type ResourceEvent struct {
	ID            string            `db:"id" json:"id"`
	Type          ResourceEventType `db:"event_type" json:"event_type"`
	Reason        *string           `db:"reason" json:"reason,omitempty"`
	ExtraInfo     JSONMap           `db:"extra_info" json:"extra_info,omitempty"`
	ResourceID    string            `db:"resource_id" json:"resource_id"`
	TransitionID  *string           `db:"transition_id" json:"transition_id,omitempty"`
	StateDecision *string           `db:"state_decision" json:"state_decision,omitempty"`
	CreatedAt     time.Time         `db:"created_at" json:"created_at"`
}

// TransitionEvent drives the transition status FSM.
type TransitionEvent struct {
	ID             string              `db:"id" json:"id"`
	Type           TransitionEventType `db:"event_type" json:"event_type"`
	Reason         *string             `db:"reason" json:"reason,omitempty"`
	ExtraInfo      JSONMap             `db:"extra_info" json:"extra_info,omitempty"`
	TransitionID   string              `db:"transition_id" json:"transition_id"`
	StatusDecision *string             `db:"status_decision" json:"status_decision,omitempty"`
	CreatedAt      time.Time           `db:"created_at" json:"created_at"`
}
