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

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/providers"
)

// EnsureHealthy runs the kind's health checks. A kind with no checks beyond
// identity falls back to an existence probe. From the third attempt on, the
// resource's existence is re-verified first; a resource that vanished
// mid-checks is better reported missing than unhealthy.
func (h *Handlers) EnsureHealthy(ctx context.Context, cctx *providers.Context) error {
	adapter, err := h.adapter(cctx)
	if err != nil {
		return err
	}

	if cctx.Attempt >= 2 {
		adapter.InvalidateLists()
		_, found, err := h.checkExists(ctx, cctx, adapter)
		if err != nil {
			return errors.NewRetry(core.EventHealthCheckFailed, "list_failed",
				core.JSONMap{"error": err.Error()}).
				WithExhaustionSideEffect(core.EventHealthChecksTerminated)
		}
		if !found {
			return errors.NewRetry(core.EventResourceNotFound, "",
				nil).WithExhaustionSideEffect(core.EventHealthChecksTerminated)
		}
		if err := adapter.ExistsHook(ctx, cctx); err != nil {
			return err
		}
		if err := h.refreshResource(ctx, cctx); err != nil {
			return err
		}
	}

	checks := adapter.HealthChecks()
	if len(checks) == 0 {
		_, found, err := h.checkExists(ctx, cctx, adapter)
		if err != nil {
			return errors.NewRetry(core.EventHealthCheckFailed, "list_failed",
				core.JSONMap{"error": err.Error()}).
				WithExhaustionSideEffect(core.EventHealthChecksTerminated)
		}
		if !found {
			return errors.NewRetry(core.EventResourceNotFound, "", nil).
				WithExhaustionSideEffect(core.EventHealthChecksTerminated)
		}
		if err := h.resourceEvent(ctx, cctx, core.EventResourceFoundAndHealthy, "", nil); err != nil {
			return err
		}
		return adapter.HealthyHook(ctx, cctx)
	}

	for _, check := range checks {
		if err := check.Check(ctx, cctx); err != nil {
			if check.Terminal {
				return errors.NewTerminal(core.EventHealthChecksTerminated, check.Name,
					core.JSONMap{"error": err.Error()})
			}
			return errors.NewRetry(core.EventHealthCheckFailed, check.Name,
				core.JSONMap{"error": err.Error()}).
				WithExhaustionSideEffect(core.EventHealthChecksTerminated)
		}
	}

	if err := h.resourceEvent(ctx, cctx, core.EventHealthChecksSucceeded, "", nil); err != nil {
		return err
	}
	if err := adapter.HealthyHook(ctx, cctx); err != nil {
		return errors.NewRetry(core.EventHealthCheckFailed, "healthy_hook_failed",
			core.JSONMap{"error": err.Error()}).
			WithExhaustionSideEffect(core.EventHealthChecksTerminated)
	}
	return nil
}
