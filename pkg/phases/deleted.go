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

package phases

import (
	"context"
	"encoding/json"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/providers"
)

// EnsureForwardDependenciesDeleted holds a resource's deletion until nothing
// depends on it anymore. Dependents that aren't already being deleted get
// their desired state flipped to deleted, so deletion cascades leaf-first
// through the graph.
func (h *Handlers) EnsureForwardDependenciesDeleted(ctx context.Context, cctx *providers.Context) error {
	dependents, err := h.store.ListDependents(ctx, cctx.Resource.ID)
	if err != nil {
		return err
	}

	waiting := []string{}
	for _, dependent := range dependents {
		switch dependent.State {
		case core.StateDeleted:
			continue
		case core.StateDeletionTerminated:
			return errors.NewTerminal(core.EventDeletionTerminated, "",
				core.JSONMap{"dependent": dependent.Slug})
		}
		if dependent.DesiredState != core.DesiredDeleted {
			if err := h.store.SetDesiredState(ctx, dependent.ID, core.DesiredDeleted); err != nil {
				return err
			}
		}
		waiting = append(waiting, dependent.Slug)
	}
	if len(waiting) > 0 {
		return errors.NewRetry(core.EventDependencyDeletionPending, core.ReasonNotReady,
			core.JSONMap{"waiting": waiting}).
			WithExhaustionSideEffect(core.EventDeletionTerminated)
	}

	if err := h.resourceEvent(ctx, cctx, core.EventForwardDependenciesAbsent, "", nil); err != nil {
		return err
	}
	return h.chain(ctx, cctx)
}

// EnsureDeleted makes the provider-side object go away: absent already ->
// done; otherwise issue the delete (checkpointed) and poll until the provider
// stops listing it.
func (h *Handlers) EnsureDeleted(ctx context.Context, cctx *providers.Context) error {
	adapter, err := h.adapter(cctx)
	if err != nil {
		return err
	}

	adapter.InvalidateLists()
	_, found, err := h.checkExists(ctx, cctx, adapter)
	if err != nil {
		return errors.NewRetry(core.EventDeletionRequestFailed, "list_failed",
			core.JSONMap{"error": err.Error()}).
			WithExhaustionSideEffect(core.EventDeletionTerminated)
	}
	if !found {
		return h.deleted(ctx, cctx, adapter, core.ReasonAbsentBeforeDeletion)
	}

	if err := h.resourceEvent(ctx, cctx, core.EventDeleting, "", nil); err != nil {
		return err
	}
	_, replayed, err := h.checkpoints.Do(ctx, cctx.Transition.ID, "delete",
		func(ctx context.Context) (json.RawMessage, error) {
			return adapter.Delete(ctx, cctx)
		})
	if err != nil {
		switch {
		case errors.IsNotFound(err):
			return h.deleted(ctx, cctx, adapter, core.ReasonAbsentBeforeDeletion)
		case errors.IsRetryable(err):
			return errors.NewRetry(core.EventDeletionRequestFailed, "",
				core.JSONMap{"error": err.Error()}).
				WithExhaustionSideEffect(core.EventDeletionTerminated)
		default:
			return errors.NewTerminal(core.EventDeletionRequestFailed, "",
				core.JSONMap{"error": err.Error()})
		}
	}
	if !replayed {
		if err := h.resourceEvent(ctx, cctx, core.EventDeletionRequestSucceeded, "", nil); err != nil {
			return err
		}
	}

	if err := h.sleep(ctx, h.config.FetchDelay); err != nil {
		return err
	}
	for i := 0; i < h.config.ExistsCheckAttempts; i++ {
		adapter.InvalidateLists()
		_, found, err := h.checkExists(ctx, cctx, adapter)
		if err != nil {
			return errors.NewRetry(core.EventNotYetAbsent, "list_failed",
				core.JSONMap{"error": err.Error()}).
				WithExhaustionSideEffect(core.EventDeletionTerminated)
		}
		if !found {
			return h.deleted(ctx, cctx, adapter, core.ReasonAbsentAfterDeletion)
		}
		if err := h.sleep(ctx, h.config.FetchDelay); err != nil {
			return err
		}
	}
	return errors.NewRetry(core.EventNotYetAbsent, "",
		core.JSONMap{"polls": h.config.ExistsCheckAttempts}).
		WithExhaustionSideEffect(core.EventDeletionTerminated)
}

// deleted records the absence event and runs the kind's deleted hook.
func (h *Handlers) deleted(ctx context.Context, cctx *providers.Context, adapter providers.Adapter, reason string) error {
	if err := h.resourceEvent(ctx, cctx, core.EventResourceNotFound, reason, nil); err != nil {
		return err
	}
	return adapter.DeletedHook(ctx, cctx)
}
