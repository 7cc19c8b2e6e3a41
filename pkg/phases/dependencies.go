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

// EnsureDependenciesReady gates a resource's creation flow on its forward
// dependencies: every resource it references must be healthy before work
// starts. A dependency that terminally failed dooms this resource too.
func (h *Handlers) EnsureDependenciesReady(ctx context.Context, cctx *providers.Context) error {
	dependencies, err := h.store.ListDependencies(ctx, cctx.Resource.ID)
	if err != nil {
		return err
	}

	pending := []string{}
	for _, dependency := range dependencies {
		switch dependency.State {
		case core.StateHealthy:
			continue
		case core.StateCreationTerminated, core.StateDeletionTerminated:
			return errors.NewTerminal(core.EventDependencyFailed, "",
				core.JSONMap{"dependency": dependency.Slug, "dependency_state": string(dependency.State)})
		default:
			pending = append(pending, dependency.Slug)
		}
	}
	if len(pending) > 0 {
		return errors.NewRetry(core.EventDependenciesPending, core.ReasonNotReady,
			core.JSONMap{"pending": pending})
	}

	if err := h.resourceEvent(ctx, cctx, core.EventDependenciesReady, "", nil); err != nil {
		return err
	}
	return h.chain(ctx, cctx)
}
