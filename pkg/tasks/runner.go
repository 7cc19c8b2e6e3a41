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

// Package tasks executes transition tasks claimed from the broker. The Runner
// owns every outcome a phase handler can have: success, retry scheduling with
// budget exhaustion, terminal failure, soft and hard timeouts, and the dedup
// gate for deliveries that may already be running elsewhere.
package tasks

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/gcp"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/phases"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/store"
)

const (
	// DuplicateCheckDelay is how long a suspected duplicate delivery is parked
	// before it runs. If the original worker is alive it finishes well within
	// this window and the duplicate finds a terminal transition.
	DuplicateCheckDelay = 90 * time.Second

	// RescheduleDelay spaces a hard-timed-out attempt from its replacement.
	RescheduleDelay = 60 * time.Second

	// MaxRescheduleAttemptIndex bounds hard-timeout reschedules: an attempt
	// index at or past this fails terminally instead of rescheduling.
	MaxRescheduleAttemptIndex = 2
)

// ComputeFactory yields the compute client for a project. The operator wires
// a credential-aware factory; tests pass a closure over a fake.
type ComputeFactory func(ctx context.Context, project *core.Project) (gcp.ComputeAPI, error)

type Runner struct {
	store    store.Store
	recorder *events.Recorder
	broker   *broker.Broker
	handlers *phases.Handlers
	compute  ComputeFactory
	clock    clock.Clock
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

func NewRunner(s store.Store, recorder *events.Recorder, b *broker.Broker, handlers *phases.Handlers, compute ComputeFactory, opts ...Option) *Runner {
	r := &Runner{
		store:    s,
		recorder: recorder,
		broker:   b,
		handlers: handlers,
		compute:  compute,
		clock:    clock.RealClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs one claimed task delivery through its phase handler and
// records the outcome. It acks the delivery on every handled path; an error
// return leaves the payload on the processing list.
func (r *Runner) Execute(ctx context.Context, envelope *broker.Envelope) error {
	log := logging.FromContext(ctx).WithValues(
		"task", envelope.TaskID, "transition", envelope.TransitionID, "phase", envelope.Phase)
	ctx = logging.WithLogger(ctx, log)

	transition, err := r.store.GetTransition(ctx, envelope.TransitionID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			log.Info("dropping task for unknown transition")
			return r.broker.Ack(ctx, envelope)
		}
		return err
	}
	if transition.Status.Terminal() {
		// revoked: the transition finished (or failed) under another delivery
		log.V(1).Info("dropping task for settled transition", "status", transition.Status)
		return r.broker.Ack(ctx, envelope)
	}

	// Dedup gate: a first delivery finding the transition already in_progress
	// means another worker may be running it right now. Park a marked copy and
	// let it through only if the transition still isn't settled by then.
	if transition.Status == core.StatusInProgress &&
		envelope.AttemptIndex == 0 && !envelope.IsDuplicate && !envelope.Rescheduled {
		log.Info("potential duplicate delivery, parking")
		if _, err := r.recorder.TransitionEvent(ctx, transition.ID,
			core.TransitionEventPotentialDuplicateTask, "",
			core.JSONMap{"task_id": envelope.TaskID}); err != nil {
			return err
		}
		duplicate := *envelope
		duplicate.IsDuplicate = true
		if err := r.broker.EnqueueDelayed(ctx, &duplicate, DuplicateCheckDelay); err != nil {
			return err
		}
		return r.broker.Ack(ctx, envelope)
	}

	cctx, err := r.hydrate(ctx, transition)
	if err != nil {
		var hydration *hydrationError
		if stderrors.As(err, &hydration) {
			return r.failHydration(ctx, transition, envelope, hydration)
		}
		return err
	}
	cctx.Attempt = envelope.AttemptIndex

	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptRunning); err != nil {
		return err
	}
	if transition.Status == core.StatusSentToBroker {
		if _, err := r.recorder.TransitionEvent(ctx, transition.ID,
			core.TransitionEventStarted, "", nil); err != nil {
			return err
		}
	}

	params := r.handlers.RetryParams(cctx)
	softLimit := envelope.SoftLimit
	if softLimit <= 0 {
		softLimit = params.SoftLimit()
	}
	hardLimit := envelope.HardLimit
	if hardLimit <= 0 {
		hardLimit = params.HardLimit()
	}

	softCtx, cancel := context.WithTimeout(ctx, softLimit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- r.handlers.Run(softCtx, cctx)
	}()

	var runErr error
	select {
	case runErr = <-done:
	case <-r.clock.After(hardLimit):
		// the handler goroutine is abandoned; cancel() tells it to stop but
		// the outcome below no longer depends on it
		return r.hardTimeout(ctx, cctx, envelope)
	}

	switch {
	case runErr == nil:
		return r.succeed(ctx, cctx, envelope)
	case softCtx.Err() != nil && stderrors.Is(runErr, context.DeadlineExceeded):
		return r.softTimeout(ctx, cctx, envelope, params)
	default:
		if terminal, ok := errors.AsTerminal(runErr); ok {
			return r.fail(ctx, cctx, envelope, terminal)
		}
		if retry, ok := errors.AsRetry(runErr); ok {
			return r.retry(ctx, cctx, envelope, params, retry, true)
		}
		// not a signal: transient I/O errors get another attempt, anything
		// else settles the transition
		log.Error(runErr, "task attempt errored")
		if errors.IsRetryable(runErr) {
			retry := errors.NewRetry(core.EventTaskErrored, "internal_error",
				core.JSONMap{"error": runErr.Error()})
			return r.retry(ctx, cctx, envelope, params, retry, false)
		}
		return r.fail(ctx, cctx, envelope, errors.NewTerminal(core.EventTaskErrored, "internal_error",
			core.JSONMap{"error": runErr.Error()}))
	}
}

type hydrationError struct {
	resourceID string
	cause      error
}

func (e *hydrationError) Error() string { return e.cause.Error() }

func (r *Runner) hydrate(ctx context.Context, transition *core.Transition) (*providers.Context, error) {
	resource, err := r.store.GetResource(ctx, transition.ResourceID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, &hydrationError{cause: err}
		}
		return nil, err
	}
	project, err := r.store.GetProject(ctx, resource.ProjectID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, &hydrationError{resourceID: resource.ID, cause: err}
		}
		return nil, err
	}
	compute, err := r.compute(ctx, project)
	if err != nil {
		return nil, err
	}
	return &providers.Context{
		Resource:   resource,
		Project:    project,
		Transition: transition,
		Compute:    compute,
		Store:      r.store,
		Recorder:   r.recorder,
	}, nil
}

// failHydration settles a transition whose resource or project row is gone. No
// amount of retrying conjures a missing row back.
func (r *Runner) failHydration(ctx context.Context, transition *core.Transition, envelope *broker.Envelope, hydration *hydrationError) error {
	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptFailed); err != nil {
		return err
	}
	if hydration.resourceID != "" {
		if _, err := r.recorder.ResourceEvent(ctx, transition.Phase, hydration.resourceID, transition.ID,
			core.EventTerminalFailure, core.ReasonContextHydrationFailed,
			core.JSONMap{"error": hydration.cause.Error()}); err != nil {
			return err
		}
	}
	if _, err := r.recorder.TransitionEvent(ctx, transition.ID,
		core.TransitionEventTerminalFailure, core.ReasonContextHydrationFailed,
		core.JSONMap{"error": hydration.cause.Error()}); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}

func (r *Runner) succeed(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope) error {
	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptSucceeded); err != nil {
		return err
	}
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventSucceeded, "", nil); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}

// retry records the typed resource event and either schedules the next
// attempt or, when the budget is spent, settles the transition.
func (r *Runner) retry(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope, params retrypolicy.Params, retry *errors.Retry, recordEvent bool) error {
	if recordEvent {
		if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
			retry.EventType, retry.Reason, retry.Info); err != nil {
			return err
		}
	}

	reason, exhausted := retrypolicy.Exhausted(params, envelope.AttemptIndex, envelope.Age(r.clock.Now()))
	if exhausted {
		return r.exhaust(ctx, cctx, envelope, retry, reason)
	}

	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptRetried); err != nil {
		return err
	}
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventRetrying, retry.EventTypeAndReason(),
		core.JSONMap{"attempt_index": envelope.AttemptIndex}); err != nil {
		return err
	}

	next := *envelope
	next.TaskID = uuid.NewString()
	next.AttemptIndex = envelope.AttemptIndex + 1
	next.IsDuplicate = false
	next.Rescheduled = false
	if err := r.store.CreateAttempt(ctx, &core.TransitionAttempt{
		TransitionID: cctx.Transition.ID,
		TaskID:       next.TaskID,
		AttemptIndex: next.AttemptIndex,
	}); err != nil {
		return err
	}
	if err := r.broker.EnqueueDelayed(ctx, &next, retrypolicy.Delay(params, envelope.AttemptIndex)); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}

// exhaust settles a transition whose retry budget ran out: the signal's side
// effect fires first (so e.g. health exhaustion can mark the resource
// terminated), then the terminal bookkeeping.
func (r *Runner) exhaust(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope, retry *errors.Retry, reason string) error {
	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptFailed); err != nil {
		return err
	}
	if retry.ExhaustionSideEffect != "" {
		if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
			retry.ExhaustionSideEffect, reason, nil); err != nil {
			return err
		}
	}
	if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
		core.EventTerminalFailure, reason,
		core.JSONMap{"signal": retry.EventTypeAndReason()}); err != nil {
		return err
	}
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventTerminalFailure, reason, nil); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}

func (r *Runner) fail(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope, terminal *errors.Terminal) error {
	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptFailed); err != nil {
		return err
	}
	if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
		terminal.EventType, terminal.Reason, terminal.Info); err != nil {
		return err
	}
	if terminal.EventType != core.EventTerminalFailure {
		if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
			core.EventTerminalFailure, terminal.EventTypeAndReason(), nil); err != nil {
			return err
		}
	}
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventTerminalFailure, terminal.EventTypeAndReason(), nil); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}

// softTimeout treats an attempt that overran its soft limit as a failed
// attempt: the timeout is logged on the transition and the retry budget
// decides what happens next.
func (r *Runner) softTimeout(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope, params retrypolicy.Params) error {
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventTimeout, core.ReasonSoftTimeout,
		core.JSONMap{"attempt_index": envelope.AttemptIndex}); err != nil {
		return err
	}
	retry := errors.NewRetry(core.EventSleeping, core.ReasonSoftTimeout, nil)
	return r.retry(ctx, cctx, envelope, params, retry, false)
}

// hardTimeout handles an attempt whose handler never came back. Early
// attempts are rescheduled once through the broker, the one legal backward
// step of the status FSM; later ones fail terminally.
func (r *Runner) hardTimeout(ctx context.Context, cctx *providers.Context, envelope *broker.Envelope) error {
	log := logging.FromContext(ctx)

	if envelope.AttemptIndex < MaxRescheduleAttemptIndex && !envelope.Rescheduled {
		log.Info("attempt hit hard time limit, rescheduling")
		if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptRetried); err != nil {
			return err
		}
		if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
			core.TransitionEventRescheduling, core.ReasonHardTimeout,
			core.JSONMap{"attempt_index": envelope.AttemptIndex}); err != nil {
			return err
		}
		if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
			core.TransitionEventSentToBroker, "", nil); err != nil {
			return err
		}
		rescheduled := *envelope
		rescheduled.TaskID = uuid.NewString()
		rescheduled.Rescheduled = true
		rescheduled.IsDuplicate = false
		if err := r.store.CreateAttempt(ctx, &core.TransitionAttempt{
			TransitionID: cctx.Transition.ID,
			TaskID:       rescheduled.TaskID,
			AttemptIndex: rescheduled.AttemptIndex,
			Rescheduled:  true,
		}); err != nil {
			return err
		}
		if err := r.broker.EnqueueDelayed(ctx, &rescheduled, RescheduleDelay); err != nil {
			return err
		}
		return r.broker.Ack(ctx, envelope)
	}

	log.Info("attempt hit hard time limit, failing terminally")
	if err := r.store.UpdateAttemptState(ctx, envelope.TaskID, core.AttemptFailed); err != nil {
		return err
	}
	if _, err := r.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID,
		core.EventTerminalFailure, core.ReasonHardTimeout, nil); err != nil {
		return err
	}
	if _, err := r.recorder.TransitionEvent(ctx, cctx.Transition.ID,
		core.TransitionEventTerminalFailure, core.ReasonHardTimeout, nil); err != nil {
		return err
	}
	return r.broker.Ack(ctx, envelope)
}
