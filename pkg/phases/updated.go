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

// EnsureUpdated applies one named in-place update to an existing resource.
// Update subroutines are registered per update type at wiring time; an update
// type nothing claims is terminal, since retrying can't make a handler
// appear. After the update the resource is re-verified healthy.
func (h *Handlers) EnsureUpdated(ctx context.Context, cctx *providers.Context) error {
	if cctx.Transition.UpdateType == nil || *cctx.Transition.UpdateType == "" {
		return errors.NewTerminal(core.EventTerminalFailure, core.ReasonUnknownUpdateType,
			core.JSONMap{"update_type": ""})
	}
	updateType := *cctx.Transition.UpdateType
	update, ok := h.updates[updateType]
	if !ok {
		return errors.NewTerminal(core.EventTerminalFailure, core.ReasonUnknownUpdateType,
			core.JSONMap{"update_type": updateType})
	}

	if err := update(ctx, cctx); err != nil {
		if _, isSignal := errors.AsRetry(err); isSignal {
			return err
		}
		if _, isSignal := errors.AsTerminal(err); isSignal {
			return err
		}
		return errors.NewRetry(core.EventHealthCheckFailed, "update_failed",
			core.JSONMap{"update_type": updateType, "error": err.Error()})
	}

	adapter, err := h.adapter(cctx)
	if err != nil {
		return err
	}
	for _, check := range adapter.HealthChecks() {
		if err := check.Check(ctx, cctx); err != nil {
			return errors.NewRetry(core.EventHealthCheckFailed, check.Name,
				core.JSONMap{"error": err.Error()})
		}
	}
	return h.resourceEvent(ctx, cctx, core.EventResourceFoundAndHealthy, "", nil)
}
