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

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/store"
)

const (
	reaperBatchSize = 100

	// ReasonAttemptReaped marks terminal failures issued by the reaper rather
	// than a worker.
	ReasonAttemptReaped = "failed_attempt_reaped"
)

// Reaper is a corrective side channel: a worker that crashed between marking
// an attempt failed and publishing the terminal events leaves a failed
// attempt on a live transition. The reaper finishes the bookkeeping.
type Reaper struct {
	store    store.Store
	recorder *events.Recorder
}

func NewReaper(s store.Store, recorder *events.Recorder) *Reaper {
	return &Reaper{store: s, recorder: recorder}
}

func (r *Reaper) Name() string { return "reaper" }

func (r *Reaper) Interval() time.Duration { return 30 * time.Second }

func (r *Reaper) Reconcile(ctx context.Context) error {
	log := logging.FromContext(ctx)

	attempts, err := r.store.ListFailedAttemptsOnLiveTransitions(ctx, reaperBatchSize)
	if err != nil {
		return fmt.Errorf("listing failed attempts, %w", err)
	}
	for _, attempt := range attempts {
		transition, err := r.store.GetTransition(ctx, attempt.TransitionID)
		if err != nil {
			return fmt.Errorf("loading transition %s, %w", attempt.TransitionID, err)
		}
		if transition.Status.Terminal() {
			continue
		}
		log.Info("reaping failed attempt", "task", attempt.TaskID, "transition", transition.ID)
		if _, err := r.recorder.ResourceEvent(ctx, transition.Phase, transition.ResourceID, transition.ID,
			core.EventTerminalFailure, ReasonAttemptReaped,
			core.JSONMap{"task_id": attempt.TaskID}); err != nil {
			return err
		}
		if _, err := r.recorder.TransitionEvent(ctx, transition.ID,
			core.TransitionEventTerminalFailure, ReasonAttemptReaped,
			core.JSONMap{"task_id": attempt.TaskID}); err != nil {
			return err
		}
	}
	return nil
}
