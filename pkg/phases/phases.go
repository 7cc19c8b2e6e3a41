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

// Package phases implements the lifecycle phase handlers. Each handler drives
// one phase of one resource's transition and reports its outcome through
// signal errors: nil for success, errors.Retry for another attempt,
// errors.Terminal to end the transition. Handlers record progress events;
// the task runner owns retry/terminal bookkeeping.
package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/checkpoint"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/store"
)

// Config tunes the polling behavior shared by the handlers.
type Config struct {
	// FetchDelay is the pause between existence polls after a mutating call.
	FetchDelay time.Duration
	// ExistsCheckAttempts bounds how many polls one task attempt makes before
	// handing back a retry.
	ExistsCheckAttempts int
}

func DefaultConfig() Config {
	return Config{
		FetchDelay:          3 * time.Second,
		ExistsCheckAttempts: 10,
	}
}

// nextPhase chains the creation and deletion flows; phases not listed end
// their flow.
var nextPhase = map[core.Phase]core.Phase{
	core.PhaseEnsureDependenciesReady:          core.PhaseEnsureExists,
	core.PhaseEnsureExists:                     core.PhaseEnsureHealthy,
	core.PhaseEnsureForwardDependenciesDeleted: core.PhaseEnsureDeleted,
}

// UpdateFunc applies one named update type to an existing resource.
type UpdateFunc func(ctx context.Context, cctx *providers.Context) error

type Handlers struct {
	store       store.Store
	recorder    *events.Recorder
	checkpoints *checkpoint.Cache
	registry    *providers.Registry
	clock       clock.Clock
	config      Config
	updates     map[string]UpdateFunc
}

type Option func(*Handlers)

func WithClock(c clock.Clock) Option {
	return func(h *Handlers) { h.clock = c }
}

func WithConfig(config Config) Option {
	return func(h *Handlers) { h.config = config }
}

// WithUpdateFunc registers a subroutine for one ensure_updated update type.
func WithUpdateFunc(updateType string, fn UpdateFunc) Option {
	return func(h *Handlers) { h.updates[updateType] = fn }
}

func NewHandlers(s store.Store, recorder *events.Recorder, checkpoints *checkpoint.Cache, registry *providers.Registry, opts ...Option) *Handlers {
	h := &Handlers{
		store:       s,
		recorder:    recorder,
		checkpoints: checkpoints,
		registry:    registry,
		clock:       clock.RealClock{},
		config:      DefaultConfig(),
		updates:     map[string]UpdateFunc{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run executes the handler for the transition's phase.
func (h *Handlers) Run(ctx context.Context, cctx *providers.Context) error {
	switch cctx.Transition.Phase {
	case core.PhaseEnsureDependenciesReady:
		return h.EnsureDependenciesReady(ctx, cctx)
	case core.PhaseEnsureExists:
		return h.EnsureExists(ctx, cctx)
	case core.PhaseEnsureHealthy:
		return h.EnsureHealthy(ctx, cctx)
	case core.PhaseEnsureUpdated:
		return h.EnsureUpdated(ctx, cctx)
	case core.PhaseEnsureForwardDependenciesDeleted:
		return h.EnsureForwardDependenciesDeleted(ctx, cctx)
	case core.PhaseEnsureDeleted:
		return h.EnsureDeleted(ctx, cctx)
	case core.PhaseTest:
		return h.Test(ctx, cctx)
	}
	return errors.NewTerminal(core.EventTerminalFailure, fmt.Sprintf("unknown phase %q", cctx.Transition.Phase), nil)
}

// RetryParams resolves the retry budget for a transition, consulting the
// kind's adapter when one is registered.
func (h *Handlers) RetryParams(cctx *providers.Context) retrypolicy.Params {
	adapter, err := h.registry.Get(cctx.Resource.Kind)
	if err != nil {
		base := providers.NewBase()
		return base.RetryParams(cctx.Transition.Phase)
	}
	return adapter.RetryParams(cctx.Transition.Phase)
}

// chain creates the pending follow-up transition for phases that have one.
// The partial unique index makes this a no-op if a live transition already
// exists for the next phase.
func (h *Handlers) chain(ctx context.Context, cctx *providers.Context) error {
	next, ok := nextPhase[cctx.Transition.Phase]
	if !ok {
		return nil
	}
	previousID := cctx.Transition.ID
	_, _, err := h.store.EnsureTransition(ctx, &core.Transition{
		ResourceID:           cctx.Resource.ID,
		Phase:                next,
		PreviousTransitionID: &previousID,
	})
	if err != nil {
		return fmt.Errorf("chaining %s transition, %w", next, err)
	}
	return nil
}

// resourceEvent records a progress event attributed to this transition.
func (h *Handlers) resourceEvent(ctx context.Context, cctx *providers.Context, eventType core.ResourceEventType, reason string, info core.JSONMap) error {
	_, err := h.recorder.ResourceEvent(ctx, cctx.Transition.Phase, cctx.Resource.ID, cctx.Transition.ID, eventType, reason, info)
	return err
}

// refreshResource reloads the row into the context after hooks may have
// changed extra_data.
func (h *Handlers) refreshResource(ctx context.Context, cctx *providers.Context) error {
	resource, err := h.store.GetResource(ctx, cctx.Resource.ID)
	if err != nil {
		return fmt.Errorf("reloading resource, %w", err)
	}
	cctx.Resource = resource
	return nil
}

// checkExists runs the list-membership existence check.
func (h *Handlers) checkExists(ctx context.Context, cctx *providers.Context, adapter providers.Adapter) (json.RawMessage, bool, error) {
	items, err := adapter.List(ctx, cctx)
	if err != nil {
		return nil, false, err
	}
	match, found := providers.MatchBySelfLink(items, adapter.SelfLink(cctx))
	return match, found, nil
}

// sleep pauses between polls, honoring cancellation.
func (h *Handlers) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.clock.After(d):
		return nil
	}
}

func (h *Handlers) adapter(cctx *providers.Context) (providers.Adapter, error) {
	adapter, err := h.registry.Get(cctx.Resource.Kind)
	if err != nil {
		return nil, errors.NewTerminal(core.EventTerminalFailure,
			fmt.Sprintf("no adapter for kind %q", cctx.Resource.Kind), nil)
	}
	return adapter, nil
}
