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

package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/store"
)

const dispatchBatchSize = 100

// Dispatch turns pending transitions into broker tasks: an attempt row, an
// envelope on the ready list and a sent_to_broker event that moves the
// transition out of pending. Dispatching the same transition twice is fenced
// by the status FSM: the second pass no longer sees it as pending.
type Dispatch struct {
	store    store.Store
	recorder *events.Recorder
	broker   *broker.Broker
	registry *providers.Registry
	tuning   tuning
}

func NewDispatch(s store.Store, recorder *events.Recorder, b *broker.Broker, registry *providers.Registry, opts ...Option) *Dispatch {
	return &Dispatch{
		store: s, recorder: recorder, broker: b, registry: registry,
		tuning: newTuning(12*time.Second, dispatchBatchSize, opts...),
	}
}

func (d *Dispatch) Name() string { return "dispatch" }

func (d *Dispatch) Interval() time.Duration { return d.tuning.interval }

func (d *Dispatch) Reconcile(ctx context.Context) error {
	log := logging.FromContext(ctx)

	pending, err := d.store.ListPendingTransitions(ctx, d.tuning.batch)
	if err != nil {
		return fmt.Errorf("listing pending transitions, %w", err)
	}
	for _, transition := range pending {
		if err := d.dispatch(ctx, transition); err != nil {
			return err
		}
		log.V(1).Info("dispatched transition", "transition", transition.ID, "phase", transition.Phase)
	}
	return nil
}

func (d *Dispatch) dispatch(ctx context.Context, transition *core.Transition) error {
	resource, err := d.store.GetResource(ctx, transition.ResourceID)
	if err != nil {
		return fmt.Errorf("loading resource for transition %s, %w", transition.ID, err)
	}
	params := d.retryParams(resource.Kind, transition.Phase)

	taskID := uuid.NewString()
	if err := d.store.CreateAttempt(ctx, &core.TransitionAttempt{
		TransitionID: transition.ID,
		TaskID:       taskID,
	}); err != nil {
		return fmt.Errorf("creating attempt for transition %s, %w", transition.ID, err)
	}
	if err := d.broker.Enqueue(ctx, &broker.Envelope{
		TaskID:       taskID,
		TransitionID: transition.ID,
		ResourceID:   resource.ID,
		Phase:        string(transition.Phase),
		SoftLimit:    params.SoftLimit(),
		HardLimit:    params.HardLimit(),
	}); err != nil {
		return err
	}
	if _, err := d.recorder.TransitionEvent(ctx, transition.ID,
		core.TransitionEventSentToBroker, "", core.JSONMap{"task_id": taskID}); err != nil {
		return err
	}
	return nil
}

func (d *Dispatch) retryParams(kind string, phase core.Phase) retrypolicy.Params {
	adapter, err := d.registry.Get(kind)
	if err != nil {
		return providers.NewBase().RetryParams(phase)
	}
	return adapter.RetryParams(phase)
}
