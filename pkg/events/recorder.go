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

// Package events appends to the resource and transition event logs and
// projects each event onto the corresponding state machine. The Recorder is
// the only component that writes resource.state or transition.status; phase
// handlers and controllers describe what happened and the projector decides
// what it means.
package events

import (
	"context"
	"fmt"

	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/store"
)

type Recorder struct {
	store store.Store
	clock clock.Clock
}

type Option func(*Recorder)

func WithClock(c clock.Clock) Option {
	return func(r *Recorder) { r.clock = c }
}

func NewRecorder(s store.Store, opts ...Option) *Recorder {
	r := &Recorder{store: s, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PublishResourceEvent appends the event, applies its existence/health side
// channel, and moves the resource's state when the projector has a decision
// for it. The chosen state (if any) is recorded on the event itself. Pass the
// empty phase for events raised outside a transition, e.g. during ingestion.
func (r *Recorder) PublishResourceEvent(ctx context.Context, phase core.Phase, event *core.ResourceEvent) (*core.ResourceEvent, error) {
	log := logging.FromContext(ctx)

	resource, err := r.store.GetResource(ctx, event.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("loading resource for event %s, %w", event.Type, err)
	}

	reason := ""
	if event.Reason != nil {
		reason = *event.Reason
	}
	if next, ok := ProjectState(phase, resource.State, event.Type, reason); ok {
		decision := string(next)
		event.StateDecision = &decision
	}

	if err := r.store.InsertResourceEvent(ctx, event); err != nil {
		return nil, err
	}

	if effect, ok := observationEffects[event.Type]; ok {
		obs := store.Observations{
			Existence: effect.existence,
			Health:    effect.health,
			CheckedAt: r.clock.Now(),
		}
		if err := r.store.UpdateResourceObservations(ctx, event.ResourceID, obs); err != nil {
			return nil, fmt.Errorf("applying observations for event %s, %w", event.Type, err)
		}
	}

	if event.StateDecision != nil {
		next := core.ResourceState(*event.StateDecision)
		if next != resource.State {
			if err := r.store.UpdateResourceState(ctx, event.ResourceID, next, event.ID); err != nil {
				return nil, fmt.Errorf("updating resource state for event %s, %w", event.Type, err)
			}
			log.V(1).Info("resource state changed", "resource", event.ResourceID,
				"from", resource.State, "to", next, "event", event.Type, "reason", reason)
		}
	}
	return event, nil
}

// PublishTransitionEvent appends the event and advances the transition's
// status FSM when the event projects onto it. Events the FSM forbids (e.g. a
// second terminal) are still logged, with no status decision.
func (r *Recorder) PublishTransitionEvent(ctx context.Context, event *core.TransitionEvent) (*core.TransitionEvent, error) {
	log := logging.FromContext(ctx)

	transition, err := r.store.GetTransition(ctx, event.TransitionID)
	if err != nil {
		return nil, fmt.Errorf("loading transition for event %s, %w", event.Type, err)
	}

	if next, ok := ProjectStatus(transition.Status, event.Type); ok {
		decision := string(next)
		event.StatusDecision = &decision
	}

	if err := r.store.InsertTransitionEvent(ctx, event); err != nil {
		return nil, err
	}

	if event.StatusDecision != nil {
		next := core.TransitionStatus(*event.StatusDecision)
		if next != transition.Status {
			if err := r.store.UpdateTransitionStatus(ctx, event.TransitionID, next, event.ID); err != nil {
				return nil, fmt.Errorf("updating transition status for event %s, %w", event.Type, err)
			}
			log.V(1).Info("transition status changed", "transition", event.TransitionID,
				"from", transition.Status, "to", next, "event", event.Type)
		}
	}
	return event, nil
}

// ResourceEvent is the single-call shape most phase handlers use. Pass an
// empty reason or transitionID to omit them.
func (r *Recorder) ResourceEvent(ctx context.Context, phase core.Phase, resourceID, transitionID string, eventType core.ResourceEventType, reason string, info core.JSONMap) (*core.ResourceEvent, error) {
	event := &core.ResourceEvent{
		Type:       eventType,
		ResourceID: resourceID,
		ExtraInfo:  info,
	}
	if reason != "" {
		event.Reason = &reason
	}
	if transitionID != "" {
		event.TransitionID = &transitionID
	}
	return r.PublishResourceEvent(ctx, phase, event)
}

func (r *Recorder) TransitionEvent(ctx context.Context, transitionID string, eventType core.TransitionEventType, reason string, info core.JSONMap) (*core.TransitionEvent, error) {
	event := &core.TransitionEvent{
		Type:         eventType,
		TransitionID: transitionID,
		ExtraInfo:    info,
	}
	if reason != "" {
		event.Reason = &reason
	}
	return r.PublishTransitionEvent(ctx, event)
}
