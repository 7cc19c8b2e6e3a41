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

package phases_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/googleapi"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/checkpoint"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/fake"
	"github.com/rossrochford/make-it-so/pkg/phases"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/subnetwork"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
	"github.com/rossrochford/make-it-so/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx      context.Context
	db       *fake.Store
	compute  *fake.ComputeAPI
	recorder *events.Recorder
	server   *miniredis.Miniredis
	handlers *phases.Handlers
	registry *providers.Registry
)

func TestPhases(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Phases")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	db = fake.NewStore()
	compute = fake.NewComputeAPI()
	recorder = events.NewRecorder(db)

	var err error
	server, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	checkpoints := checkpoint.New(redis.NewClient(&redis.Options{Addr: server.Addr()}))

	registry = providers.NewRegistry(vpcnetwork.NewProvider(), subnetwork.NewProvider())
	handlers = phases.NewHandlers(db, recorder, checkpoints, registry,
		phases.WithConfig(phases.Config{FetchDelay: 0, ExistsCheckAttempts: 2}))
})

var _ = AfterEach(func() {
	server.Close()
})

func seed(phase core.Phase, overrides ...core.Resource) *providers.Context {
	_, resource, err := db.EnsureResource(ctx, test.Resource(overrides...))
	Expect(err).ToNot(HaveOccurred())
	_, transition, err := db.EnsureTransition(ctx, test.Transition(core.Transition{
		ResourceID: resource.ID, Phase: phase, Status: core.StatusInProgress,
	}))
	Expect(err).ToNot(HaveOccurred())
	return &providers.Context{
		Resource:   resource,
		Project:    test.Project(core.Project{Slug: "proj"}),
		Transition: transition,
		Compute:    compute,
		Store:      db,
		Recorder:   recorder,
	}
}

func eventTypes(resourceID string) []core.ResourceEventType {
	log, err := db.ListResourceEvents(ctx, resourceID)
	Expect(err).ToNot(HaveOccurred())
	types := []core.ResourceEventType{}
	for _, event := range log {
		types = append(types, event.Type)
	}
	return types
}

func liveTransitionPhases(resourceID string) []core.Phase {
	pending, err := db.ListPendingTransitions(ctx, 100)
	Expect(err).ToNot(HaveOccurred())
	found := []core.Phase{}
	for _, transition := range pending {
		if transition.ResourceID == resourceID {
			found = append(found, transition.Phase)
		}
	}
	return found
}

func subnetworkLinks(n int) []any {
	links := make([]any, 0, n)
	for i := 0; i < n; i++ {
		links = append(links, fmt.Sprintf(
			"https://www.googleapis.com/compute/v1/projects/proj/regions/region-%d/subnetworks/default", i+1))
	}
	return links
}

// deletedHookProvider counts deleted-hook invocations on top of the stock
// vpc_network adapter.
type deletedHookProvider struct {
	*vpcnetwork.Provider
	calls int
}

func (p *deletedHookProvider) DeletedHook(context.Context, *providers.Context) error {
	p.calls++
	return nil
}

var _ = Describe("EnsureDependenciesReady", func() {
	It("should declare the resource and chain ensure_exists when all dependencies are healthy", func() {
		cctx := seed(core.PhaseEnsureDependenciesReady, core.Resource{State: core.StateNewborn})
		_, dependency, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateHealthy}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.EnsureDependency(ctx, cctx.Resource.ID, dependency.ID, "vpc_link")).To(Succeed())

		Expect(handlers.Run(ctx, cctx)).To(Succeed())

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateDeclared))
		Expect(liveTransitionPhases(cctx.Resource.ID)).To(ConsistOf(core.PhaseEnsureExists))
	})
	It("should ask for a retry while a dependency is still pending", func() {
		cctx := seed(core.PhaseEnsureDependenciesReady, core.Resource{State: core.StateNewborn})
		_, dependency, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateExists}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.EnsureDependency(ctx, cctx.Resource.ID, dependency.ID, "vpc_link")).To(Succeed())

		err = handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventDependenciesPending))
		Expect(retry.Reason).To(Equal(core.ReasonNotReady))
	})
	It("should fail terminally when a dependency terminally failed", func() {
		cctx := seed(core.PhaseEnsureDependenciesReady, core.Resource{State: core.StateNewborn})
		_, dependency, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateCreationTerminated}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.EnsureDependency(ctx, cctx.Resource.ID, dependency.ID, "vpc_link")).To(Succeed())

		err = handlers.Run(ctx, cctx)
		terminal, ok := errors.AsTerminal(err)
		Expect(ok).To(BeTrue())
		Expect(terminal.EventType).To(Equal(core.EventDependencyFailed))
	})
})

var _ = Describe("EnsureExists", func() {
	It("should adopt a resource that already exists", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":     "vpc-main",
			"selfLink": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(compute.InsertBehavior.Calls()).To(BeZero())

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateExists))
		Expect(resource.ExtraString("self_link")).ToNot(BeEmpty())
		Expect(resource.ListResponse).ToNot(BeNil())

		log, err := db.ListResourceEvents(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(log[0].Type).To(Equal(core.EventResourceFound))
		Expect(*log[0].Reason).To(Equal(core.ReasonFoundBeforeCreation))
		Expect(liveTransitionPhases(cctx.Resource.ID)).To(ConsistOf(core.PhaseEnsureHealthy))
	})
	It("should create the resource and confirm it by polling", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(compute.InsertBehavior.Calls()).To(Equal(1))

		Expect(eventTypes(cctx.Resource.ID)).To(Equal([]core.ResourceEventType{
			core.EventCreating,
			core.EventCreationRequestSucceeded,
			core.EventResourceFound,
		}))
		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateExists))
		Expect(resource.CreationResponse).ToNot(BeNil())
	})
	It("should not re-issue the create on a retried attempt", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})
		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(compute.InsertBehavior.Calls()).To(Equal(1))

		// the object vanishes provider-side; a retried attempt must not
		// create it again because the create step is checkpointed
		compute.Remove("networks", "proj", "", "vpc-main")
		adapter, err := registry.Get(vpcnetwork.Kind)
		Expect(err).ToNot(HaveOccurred())
		adapter.InvalidateLists()
		cctx.Attempt = 1

		err = handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventResourceNotFound))
		Expect(compute.InsertBehavior.Calls()).To(Equal(1))
	})
	It("should surface transient creation request failures as retryable", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})
		compute.InsertBehavior.Error.Set(&googleapi.Error{Code: http.StatusInternalServerError, Message: "backend error"})

		err := handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventCreationRequestFailed))
	})
	It("should fail terminally when the provider rejects the creation request", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})
		compute.InsertBehavior.Error.Set(&googleapi.Error{Code: http.StatusBadRequest, Message: "invalid resource spec"})

		err := handlers.Run(ctx, cctx)
		terminal, ok := errors.AsTerminal(err)
		Expect(ok).To(BeTrue())
		Expect(terminal.EventType).To(Equal(core.EventCreationRequestFailed))
	})
	It("should capture the existing object when the create conflicts", func() {
		cctx := seed(core.PhaseEnsureExists, core.Resource{Slug: "vpc-main", Kind: vpcnetwork.Kind})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":     "vpc-main",
			"selfLink": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
		})
		// the first membership check misses the object, so the insert conflicts
		compute.ListBehavior.MultiOut.Add(&fake.ListOutput{Items: []json.RawMessage{}})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(compute.InsertBehavior.Calls()).To(Equal(1))

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateExists))
		Expect(resource.ListResponse).ToNot(BeNil())
		Expect(string(resource.ListResponse)).To(ContainSubstring(`"name":"vpc-main"`))
	})
})

var _ = Describe("EnsureHealthy", func() {
	It("should pass the checks, record healthy and spawn declared children", func() {
		cctx := seed(core.PhaseEnsureHealthy, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateExists,
			ExtraData: core.JSONMap{
				"self_link": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
				"self_id":   "vpc-main",
				"subnetworks": []any{
					map[string]any{"slug": "subnet-a", "region": "europe-west2", "cidr": "10.0.0.0/16"},
				},
			},
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateHealthy))
		Expect(resource.Health).To(Equal(core.HealthHealthy))

		resources, err := db.ListResources(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(HaveLen(2))
	})
	It("should retry with an exhaustion side effect when a check fails", func() {
		cctx := seed(core.PhaseEnsureHealthy, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateExists,
		})

		err := handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventHealthCheckFailed))
		Expect(retry.ExhaustionSideEffect).To(Equal(core.EventHealthChecksTerminated))
	})
	It("should hold the healthy verdict while the network is too young", func() {
		created := time.Now().Add(-30 * time.Second)
		cctx := seed(core.PhaseEnsureHealthy, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateExists,
			ResourceCreatedAt: &created,
			ExtraData: core.JSONMap{
				"self_link": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
				"self_id":   "vpc-main",
			},
		})

		err := handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventHealthCheckFailed))
		Expect(retry.Reason).To(Equal("age_over_90s"))
	})
	It("should wait for an auto-mode network's subnetworks to roll out", func() {
		created := time.Now().Add(-2 * time.Minute)
		cctx := seed(core.PhaseEnsureHealthy, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateExists,
			ResourceCreatedAt: &created,
			ExtraData: core.JSONMap{
				"self_link":               "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
				"self_id":                 "vpc-main",
				"auto_create_subnetworks": true,
			},
		})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":        "vpc-main",
			"selfLink":    "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
			"subnetworks": subnetworkLinks(3),
		})

		err := handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.Reason).To(Equal("subnetworks_created"))
	})
	It("should ingest an auto-mode network's subnetworks as untracked children", func() {
		created := time.Now().Add(-2 * time.Minute)
		cctx := seed(core.PhaseEnsureHealthy, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateExists,
			ResourceCreatedAt: &created,
			ExtraData: core.JSONMap{
				"self_link":               "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
				"self_id":                 "vpc-main",
				"auto_create_subnetworks": true,
			},
		})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":        "vpc-main",
			"selfLink":    "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
			"subnetworks": subnetworkLinks(21),
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateHealthy))
		Expect(resource.GetterResponse).ToNot(BeNil())

		resources, err := db.ListResources(ctx, 100)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(HaveLen(22))
		for _, child := range resources {
			if child.ID == cctx.Resource.ID {
				continue
			}
			Expect(child.Kind).To(Equal(subnetwork.Kind))
			Expect(child.DesiredState).To(Equal(core.DesiredUntracked))
			Expect(child.State).To(Equal(core.StateHealthy))
			Expect(child.ExtraString("self_link")).ToNot(BeEmpty())
		}
	})
})

var _ = Describe("EnsureForwardDependenciesDeleted", func() {
	It("should flip dependents to desired deleted and wait", func() {
		cctx := seed(core.PhaseEnsureForwardDependenciesDeleted, core.Resource{State: core.StateHealthy})
		_, dependent, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateHealthy}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.EnsureDependency(ctx, dependent.ID, cctx.Resource.ID, "vpc_link")).To(Succeed())

		err = handlers.Run(ctx, cctx)
		retry, ok := errors.AsRetry(err)
		Expect(ok).To(BeTrue())
		Expect(retry.EventType).To(Equal(core.EventDependencyDeletionPending))

		flipped, err := db.GetResource(ctx, dependent.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(flipped.DesiredState).To(Equal(core.DesiredDeleted))
	})
	It("should chain ensure_deleted once every dependent is gone", func() {
		cctx := seed(core.PhaseEnsureForwardDependenciesDeleted, core.Resource{State: core.StateHealthy})
		_, dependent, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateDeleted}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.EnsureDependency(ctx, dependent.ID, cctx.Resource.ID, "vpc_link")).To(Succeed())

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(liveTransitionPhases(cctx.Resource.ID)).To(ConsistOf(core.PhaseEnsureDeleted))
	})
})

var _ = Describe("EnsureDeleted", func() {
	It("should succeed immediately when the resource is already absent", func() {
		cctx := seed(core.PhaseEnsureDeleted, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateHealthy, DesiredState: core.DesiredDeleted,
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())

		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateDeleted))
		log, err := db.ListResourceEvents(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(*log[0].Reason).To(Equal(core.ReasonAbsentBeforeDeletion))
	})
	It("should delete and confirm absence by polling", func() {
		cctx := seed(core.PhaseEnsureDeleted, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateHealthy, DesiredState: core.DesiredDeleted,
		})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":     "vpc-main",
			"selfLink": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(compute.DeleteBehavior.Calls()).To(Equal(1))

		Expect(eventTypes(cctx.Resource.ID)).To(Equal([]core.ResourceEventType{
			core.EventDeleting,
			core.EventDeletionRequestSucceeded,
			core.EventResourceNotFound,
		}))
		resource, err := db.GetResource(ctx, cctx.Resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(resource.State).To(Equal(core.StateDeleted))
		Expect(resource.Existence).To(Equal(core.ExistenceDoesntExist))
	})
	It("should run the kind's deleted hook once the object is confirmed absent", func() {
		hooked := &deletedHookProvider{Provider: vpcnetwork.NewProvider()}
		registry.Register(hooked)
		cctx := seed(core.PhaseEnsureDeleted, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateHealthy, DesiredState: core.DesiredDeleted,
		})

		Expect(handlers.Run(ctx, cctx)).To(Succeed())
		Expect(hooked.calls).To(Equal(1))
	})
	It("should fail terminally when the provider rejects the deletion request", func() {
		cctx := seed(core.PhaseEnsureDeleted, core.Resource{
			Slug: "vpc-main", Kind: vpcnetwork.Kind, State: core.StateHealthy, DesiredState: core.DesiredDeleted,
		})
		compute.Seed("networks", "proj", "", "vpc-main", map[string]any{
			"name":     "vpc-main",
			"selfLink": "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main",
		})
		compute.DeleteBehavior.Error.Set(&googleapi.Error{Code: http.StatusBadRequest, Message: "resource is in use"})

		err := handlers.Run(ctx, cctx)
		terminal, ok := errors.AsTerminal(err)
		Expect(ok).To(BeTrue())
		Expect(terminal.EventType).To(Equal(core.EventDeletionRequestFailed))
	})
})

var _ = Describe("EnsureUpdated", func() {
	It("should fail terminally on an unknown update type", func() {
		cctx := seed(core.PhaseEnsureUpdated, core.Resource{Kind: vpcnetwork.Kind, State: core.StateHealthy})
		updateType := "resize_disk"
		cctx.Transition.UpdateType = &updateType

		err := handlers.Run(ctx, cctx)
		terminal, ok := errors.AsTerminal(err)
		Expect(ok).To(BeTrue())
		Expect(terminal.Reason).To(Equal(core.ReasonUnknownUpdateType))
	})
})

var _ = Describe("Test phase", func() {
	It("should succeed by default", func() {
		cctx := seed(core.PhaseTest)
		Expect(handlers.Run(ctx, cctx)).To(Succeed())
	})
	It("should retry until the configured attempt", func() {
		cctx := seed(core.PhaseTest)
		cctx.Transition.ExtraTaskKwargs = core.JSONMap{"succeed_on_attempt": float64(2)}

		_, isRetry := errors.AsRetry(handlers.Run(ctx, cctx))
		Expect(isRetry).To(BeTrue())

		cctx.Attempt = 2
		Expect(handlers.Run(ctx, cctx)).To(Succeed())
	})
})
