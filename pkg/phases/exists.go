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
	"github.com/rossrochford/make-it-so/pkg/store"
)

// EnsureExists makes the declared resource exist: found already -> done;
// otherwise issue the create (checkpointed, so a retry never re-creates) and
// poll until the provider lists it.
func (h *Handlers) EnsureExists(ctx context.Context, cctx *providers.Context) error {
	adapter, err := h.adapter(cctx)
	if err != nil {
		return err
	}

	match, found, err := h.checkExists(ctx, cctx, adapter)
	if err != nil {
		return errors.NewRetry(core.EventCreationRequestFailed, "list_failed",
			core.JSONMap{"error": err.Error()})
	}
	if found {
		if err := h.store.SaveResourceResponse(ctx, cctx.Resource.ID, store.ListResponseField, match); err != nil {
			return err
		}
		if err := h.resourceEvent(ctx, cctx, core.EventResourceFound, core.ReasonFoundBeforeCreation, nil); err != nil {
			return err
		}
		if err := adapter.ExistsHook(ctx, cctx); err != nil {
			return errors.NewRetry(core.EventCreationRequestFailed, "exists_hook_failed",
				core.JSONMap{"error": err.Error()})
		}
		if err := h.refreshResource(ctx, cctx); err != nil {
			return err
		}
		return h.chain(ctx, cctx)
	}

	if err := h.resourceEvent(ctx, cctx, core.EventCreating, "", nil); err != nil {
		return err
	}
	response, replayed, err := h.checkpoints.Do(ctx, cctx.Transition.ID, "create",
		func(ctx context.Context) (json.RawMessage, error) {
			return adapter.Create(ctx, cctx)
		})
	if err != nil {
		switch {
		case errors.IsAlreadyExists(err):
			// someone created it between the membership check and the insert;
			// fetch the existing object so its response is still captured
			adapter.InvalidateLists()
			match, found, listErr := h.checkExists(ctx, cctx, adapter)
			if listErr != nil {
				return errors.NewRetry(core.EventCreationRequestFailed, "list_failed",
					core.JSONMap{"error": listErr.Error()})
			}
			if found {
				if err := h.store.SaveResourceResponse(ctx, cctx.Resource.ID, store.ListResponseField, match); err != nil {
					return err
				}
			}
			response = nil
		case errors.IsRetryable(err):
			return errors.NewRetry(core.EventCreationRequestFailed, "",
				core.JSONMap{"error": err.Error()})
		default:
			return errors.NewTerminal(core.EventCreationRequestFailed, "",
				core.JSONMap{"error": err.Error()})
		}
	}
	if response != nil {
		if err := h.store.SaveResourceResponse(ctx, cctx.Resource.ID, store.CreationResponseField, response); err != nil {
			return err
		}
	}
	if !replayed {
		if err := h.resourceEvent(ctx, cctx, core.EventCreationRequestSucceeded, "", nil); err != nil {
			return err
		}
	}
	if err := adapter.ExistsHook(ctx, cctx); err != nil {
		return errors.NewRetry(core.EventCreationRequestFailed, "exists_hook_failed",
			core.JSONMap{"error": err.Error()})
	}
	if err := h.refreshResource(ctx, cctx); err != nil {
		return err
	}

	// give the provider a beat before the first poll
	if h.config.FetchDelay > 0 {
		if err := h.resourceEvent(ctx, cctx, core.EventSleeping, "",
			core.JSONMap{"seconds": h.config.FetchDelay.Seconds()}); err != nil {
			return err
		}
		if err := h.sleep(ctx, h.config.FetchDelay); err != nil {
			return err
		}
	}

	for i := 0; i < h.config.ExistsCheckAttempts; i++ {
		adapter.InvalidateLists()
		_, found, err := h.checkExists(ctx, cctx, adapter)
		if err != nil {
			return errors.NewRetry(core.EventResourceNotFound, "list_failed",
				core.JSONMap{"error": err.Error()})
		}
		if found {
			if err := h.resourceEvent(ctx, cctx, core.EventResourceFound, core.ReasonFoundAfterCreation, nil); err != nil {
				return err
			}
			return h.chain(ctx, cctx)
		}
		if err := h.sleep(ctx, h.config.FetchDelay); err != nil {
			return err
		}
	}
	return errors.NewRetry(core.EventResourceNotFound, "",
		core.JSONMap{"polls": h.config.ExistsCheckAttempts})
}
