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

package controllers_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/controllers"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/fake"
	"github.com/rossrochford/make-it-so/pkg/metrics"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
	"github.com/rossrochford/make-it-so/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx      context.Context
	db       *fake.Store
	recorder *events.Recorder
	server   *miniredis.Miniredis
	queue    *broker.Broker
	registry *providers.Registry
)

func TestControllers(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Controllers")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	db = fake.NewStore()
	recorder = events.NewRecorder(db)

	var err error
	server, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	queue = broker.New(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	registry = providers.NewRegistry(vpcnetwork.NewProvider())
})

var _ = AfterEach(func() {
	server.Close()
})

func transitionsFor(resourceID string) []*core.Transition {
	pending, err := db.ListPendingTransitions(ctx, 100)
	Expect(err).ToNot(HaveOccurred())
	found := []*core.Transition{}
	for _, transition := range pending {
		if transition.ResourceID == resourceID {
			found = append(found, transition)
		}
	}
	return found
}

var _ = Describe("Creation", func() {
	It("should open the entry transition for resources wanting to be healthy", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateDeclared}))
		Expect(err).ToNot(HaveOccurred())

		Expect(controllers.NewCreation(db).Reconcile(ctx)).To(Succeed())

		opened := transitionsFor(resource.ID)
		Expect(opened).To(HaveLen(1))
		Expect(opened[0].Phase).To(Equal(core.PhaseEnsureDependenciesReady))
	})
	It("should leave satisfied and live-transition resources alone", func() {
		_, satisfied, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateHealthy}))
		Expect(err).ToNot(HaveOccurred())
		_, busy, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateDeclared}))
		Expect(err).ToNot(HaveOccurred())
		_, _, err = db.EnsureTransition(ctx, test.Transition(core.Transition{
			ResourceID: busy.ID, Phase: core.PhaseEnsureExists, Status: core.StatusInProgress,
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(controllers.NewCreation(db).Reconcile(ctx)).To(Succeed())

		Expect(transitionsFor(satisfied.ID)).To(BeEmpty())
		Expect(transitionsFor(busy.ID)).To(BeEmpty())
	})
	It("should open the deletion flow for resources wanting to be gone", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource(core.Resource{
			State: core.StateHealthy, DesiredState: core.DesiredDeleted,
		}))
		Expect(err).ToNot(HaveOccurred())

		Expect(controllers.NewCreation(db).Reconcile(ctx)).To(Succeed())

		opened := transitionsFor(resource.ID)
		Expect(opened).To(HaveLen(1))
		Expect(opened[0].Phase).To(Equal(core.PhaseEnsureForwardDependenciesDeleted))
	})
})

var _ = Describe("Dispatch", func() {
	It("should enqueue pending transitions with an attempt row and limits", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource())
		Expect(err).ToNot(HaveOccurred())
		_, transition, err := db.EnsureTransition(ctx, test.Transition(core.Transition{
			ResourceID: resource.ID, Phase: core.PhaseEnsureExists,
		}))
		Expect(err).ToNot(HaveOccurred())

		dispatch := controllers.NewDispatch(db, recorder, queue, registry)
		Expect(dispatch.Reconcile(ctx)).To(Succeed())

		envelope, err := queue.Receive(ctx, time.Second)
		Expect(err).ToNot(HaveOccurred())
		Expect(envelope).ToNot(BeNil())
		Expect(envelope.TransitionID).To(Equal(transition.ID))
		Expect(envelope.ResourceID).To(Equal(resource.ID))
		Expect(envelope.AttemptIndex).To(BeZero())
		Expect(envelope.SoftLimit).To(BeNumerically(">", 0))
		Expect(envelope.HardLimit).To(BeNumerically(">", envelope.SoftLimit))

		attempt, err := db.GetAttemptByTaskID(ctx, envelope.TaskID)
		Expect(err).ToNot(HaveOccurred())
		Expect(attempt.State).To(Equal(core.AttemptQueued))

		sent, err := db.GetTransition(ctx, transition.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(sent.Status).To(Equal(core.StatusSentToBroker))
	})
	It("should not dispatch the same transition twice", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource())
		Expect(err).ToNot(HaveOccurred())
		_, _, err = db.EnsureTransition(ctx, test.Transition(core.Transition{
			ResourceID: resource.ID, Phase: core.PhaseEnsureExists,
		}))
		Expect(err).ToNot(HaveOccurred())

		dispatch := controllers.NewDispatch(db, recorder, queue, registry)
		Expect(dispatch.Reconcile(ctx)).To(Succeed())
		Expect(dispatch.Reconcile(ctx)).To(Succeed())

		ready, _, _, err := queue.Lengths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(ready).To(Equal(int64(1)))
	})
})

var _ = Describe("Reaper", func() {
	It("should settle a live transition stranded by a failed attempt", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateExists}))
		Expect(err).ToNot(HaveOccurred())
		_, transition, err := db.EnsureTransition(ctx, test.Transition(core.Transition{
			ResourceID: resource.ID, Phase: core.PhaseEnsureHealthy, Status: core.StatusInProgress,
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.CreateAttempt(ctx, &core.TransitionAttempt{
			TransitionID: transition.ID, TaskID: "task-1", State: core.AttemptFailed,
		})).To(Succeed())

		Expect(controllers.NewReaper(db, recorder).Reconcile(ctx)).To(Succeed())

		settled, err := db.GetTransition(ctx, transition.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(settled.Status).To(Equal(core.StatusFailed))

		reaped, err := db.GetResource(ctx, resource.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(reaped.State).To(Equal(core.StateCreationTerminated))
	})
	It("should ignore failed attempts on transitions that already settled", func() {
		_, resource, err := db.EnsureResource(ctx, test.Resource())
		Expect(err).ToNot(HaveOccurred())
		_, transition, err := db.EnsureTransition(ctx, test.Transition(core.Transition{
			ResourceID: resource.ID, Phase: core.PhaseEnsureExists, Status: core.StatusSucceeded,
		}))
		Expect(err).ToNot(HaveOccurred())
		Expect(db.CreateAttempt(ctx, &core.TransitionAttempt{
			TransitionID: transition.ID, TaskID: "task-1", State: core.AttemptFailed,
		})).To(Succeed())

		Expect(controllers.NewReaper(db, recorder).Reconcile(ctx)).To(Succeed())

		unchanged, err := db.GetTransition(ctx, transition.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(unchanged.Status).To(Equal(core.StatusSucceeded))
	})
})

var _ = Describe("MetricsRefresh", func() {
	It("should load gauges from the store and broker", func() {
		_, _, err := db.EnsureResource(ctx, test.Resource(core.Resource{State: core.StateHealthy, Kind: "vpc_network"}))
		Expect(err).ToNot(HaveOccurred())
		Expect(queue.Enqueue(ctx, &broker.Envelope{TaskID: "task-1"})).To(Succeed())

		refresh := controllers.NewMetricsRefresh(db, queue, "")
		Expect(refresh.Reconcile(ctx)).To(Succeed())

		Expect(testutil.ToFloat64(
			metrics.ResourcesGauge.WithLabelValues("healthy", "vpc_network"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(
			metrics.QueueDepthGauge.WithLabelValues(broker.DefaultQueue, "ready"))).To(Equal(1.0))
	})
})

type countingController struct {
	calls  int
	cancel context.CancelFunc
}

func (c *countingController) Name() string            { return "counting" }
func (c *countingController) Interval() time.Duration { return time.Millisecond }
func (c *countingController) Reconcile(context.Context) error {
	c.calls++
	if c.calls >= 3 {
		c.cancel()
	}
	return nil
}

var _ = Describe("Run", func() {
	It("should reconcile immediately and stop on cancellation", func() {
		runCtx, cancel := context.WithCancel(ctx)
		controller := &countingController{cancel: cancel}

		err := controllers.Run(runCtx, clock.RealClock{}, controller)
		Expect(err).To(MatchError(context.Canceled))
		Expect(controller.calls).To(BeNumerically(">=", 3))
	})
})
