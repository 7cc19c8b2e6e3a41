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

package events

import (
	"github.com/rossrochford/make-it-so/pkg/apis/core"
)

// stateRule decides the next resource state for one event shape. Empty
// phases/reasons/from match anything; a rule listing them only fires when
// they match. Rules for an event type are evaluated in order, most specific
// first: (phase, type, reason) beats (phase, type) beats bare type.
type stateRule struct {
	phases  []core.Phase
	reasons []string
	from    []core.ResourceState
	next    core.ResourceState
}

func (r stateRule) matches(phase core.Phase, current core.ResourceState, reason string) bool {
	if len(r.phases) > 0 && !containsPhase(r.phases, phase) {
		return false
	}
	if len(r.reasons) > 0 && !containsString(r.reasons, reason) {
		return false
	}
	if len(r.from) > 0 && !containsState(r.from, current) {
		return false
	}
	return true
}

var stateRules = map[core.ResourceEventType][]stateRule{
	core.EventResourceFound: {
		{
			phases:  []core.Phase{core.PhaseEnsureExists},
			reasons: []string{core.ReasonFoundBeforeCreation, core.ReasonFoundAfterCreation},
			next:    core.StateExists,
		},
		{phases: []core.Phase{core.PhaseEnsureExists}, next: core.StateExists},
	},
	core.EventResourceNotFound: {
		{
			phases:  []core.Phase{core.PhaseEnsureDeleted},
			reasons: []string{core.ReasonAbsentBeforeDeletion, core.ReasonAbsentAfterDeletion},
			next:    core.StateDeleted,
		},
		{phases: []core.Phase{core.PhaseEnsureDeleted}, next: core.StateDeleted},
	},
	core.EventHealthChecksSucceeded: {
		{phases: []core.Phase{core.PhaseEnsureHealthy}, next: core.StateHealthy},
	},
	core.EventResourceFoundAndHealthy: {
		{next: core.StateHealthy},
	},
	core.EventTerminalFailure: {
		{
			phases: []core.Phase{
				core.PhaseEnsureDependenciesReady,
				core.PhaseEnsureExists,
				core.PhaseEnsureHealthy,
				core.PhaseTest,
			},
			next: core.StateCreationTerminated,
		},
		{
			phases: []core.Phase{
				core.PhaseEnsureForwardDependenciesDeleted,
				core.PhaseEnsureDeleted,
			},
			next: core.StateDeletionTerminated,
		},
	},
	core.EventDeletionTerminated: {
		{next: core.StateDeletionTerminated},
	},
	core.EventHclResourceDeclared: {
		{next: core.StateDeclared},
	},
	core.EventHclValidationFailed: {
		{next: core.StateUnknown},
	},
	core.EventDependenciesReady: {
		{
			phases: []core.Phase{core.PhaseEnsureDependenciesReady},
			from:   []core.ResourceState{core.StateNewborn, core.StateDependenciesPending},
			next:   core.StateDeclared,
		},
	},
	core.EventDependenciesPending: {
		{
			phases: []core.Phase{core.PhaseEnsureDependenciesReady},
			next:   core.StateDependenciesPending,
		},
	},
}

// ProjectState decides what state a resource moves to on an event, or false
// when the event carries no state decision for this (phase, current, reason)
// combination.
func ProjectState(phase core.Phase, current core.ResourceState, eventType core.ResourceEventType, reason string) (core.ResourceState, bool) {
	for _, rule := range stateRules[eventType] {
		if rule.matches(phase, current, reason) {
			return rule.next, true
		}
	}
	return "", false
}

// observationEffect is the existence/health side channel an event updates
// regardless of whether it also changes state.
type observationEffect struct {
	existence *core.Existence
	health    *core.Health
}

func ptrExistence(e core.Existence) *core.Existence { return &e }
func ptrHealth(h core.Health) *core.Health          { return &h }

var observationEffects = map[core.ResourceEventType]observationEffect{
	core.EventResourceFound: {
		existence: ptrExistence(core.ExistenceExists),
	},
	core.EventResourceNotFound: {
		existence: ptrExistence(core.ExistenceDoesntExist),
		health:    ptrHealth(core.HealthUnhealthy),
	},
	core.EventHealthChecksSucceeded: {
		existence: ptrExistence(core.ExistenceExists),
		health:    ptrHealth(core.HealthHealthy),
	},
	core.EventResourceFoundAndHealthy: {
		existence: ptrExistence(core.ExistenceExists),
		health:    ptrHealth(core.HealthHealthy),
	},
	core.EventHealthCheckFailed: {
		health: ptrHealth(core.HealthUnhealthy),
	},
	core.EventHealthChecksTerminated: {
		health: ptrHealth(core.HealthUnhealthy),
	},
}

// ProjectStatus decides the transition status an event moves a transition to.
// The FSM only moves forward; the single permitted backward step is
// in_progress -> sent_to_broker when a hard-timed-out attempt is rescheduled.
// Returns false for events with no status decision or steps the FSM forbids.
func ProjectStatus(current core.TransitionStatus, eventType core.TransitionEventType) (core.TransitionStatus, bool) {
	if current.Terminal() {
		return "", false
	}
	switch eventType {
	case core.TransitionEventSentToBroker:
		if current == core.StatusPending || current == core.StatusInProgress {
			return core.StatusSentToBroker, true
		}
	case core.TransitionEventStarted:
		if current == core.StatusSentToBroker {
			return core.StatusInProgress, true
		}
	case core.TransitionEventSucceeded:
		if current == core.StatusInProgress || current == core.StatusSentToBroker {
			return core.StatusSucceeded, true
		}
	case core.TransitionEventTerminalFailure:
		return core.StatusFailed, true
	}
	return "", false
}

func containsPhase(haystack []core.Phase, needle core.Phase) bool {
	for _, p := range haystack {
		if p == needle {
			return true
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsState(haystack []core.ResourceState, needle core.ResourceState) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
