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
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/store"
)

const creationBatchSize = 200

// Creation opens the entry transition for every resource whose desired state
// isn't satisfied and which has no live transition: ensure_dependencies_ready
// for resources wanted healthy, ensure_forward_dependencies_deleted for
// resources wanted gone. The partial unique index on live transitions makes
// racing creators harmless.
type Creation struct {
	store  store.Store
	tuning tuning
}

func NewCreation(s store.Store, opts ...Option) *Creation {
	return &Creation{store: s, tuning: newTuning(10*time.Second, creationBatchSize, opts...)}
}

func (c *Creation) Name() string { return "creation" }

func (c *Creation) Interval() time.Duration { return c.tuning.interval }

func (c *Creation) Reconcile(ctx context.Context) error {
	log := logging.FromContext(ctx)

	awaitingCreation, err := c.store.ListResourcesAwaitingTransition(ctx, core.DesiredHealthy,
		[]core.ResourceState{core.StateHealthy, core.StateCreationTerminated, core.StateDeletionTerminated, core.StateDeleted},
		c.tuning.batch)
	if err != nil {
		return fmt.Errorf("listing resources awaiting creation, %w", err)
	}
	for _, resource := range awaitingCreation {
		created, transition, err := c.store.EnsureTransition(ctx, &core.Transition{
			ResourceID: resource.ID,
			Phase:      core.PhaseEnsureDependenciesReady,
		})
		if err != nil {
			return fmt.Errorf("opening creation transition for %s, %w", resource.Slug, err)
		}
		if created {
			log.Info("opened transition", "resource", resource.Slug, "phase", transition.Phase)
		}
	}

	awaitingDeletion, err := c.store.ListResourcesAwaitingTransition(ctx, core.DesiredDeleted,
		[]core.ResourceState{core.StateDeleted, core.StateDeletionTerminated, core.StateNewborn},
		c.tuning.batch)
	if err != nil {
		return fmt.Errorf("listing resources awaiting deletion, %w", err)
	}
	for _, resource := range awaitingDeletion {
		created, transition, err := c.store.EnsureTransition(ctx, &core.Transition{
			ResourceID: resource.ID,
			Phase:      core.PhaseEnsureForwardDependenciesDeleted,
		})
		if err != nil {
			return fmt.Errorf("opening deletion transition for %s, %w", resource.Slug, err)
		}
		if created {
			log.Info("opened transition", "resource", resource.Slug, "phase", transition.Phase)
		}
	}
	return nil
}
