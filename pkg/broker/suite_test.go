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

package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/rossrochford/make-it-so/pkg/broker"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx       context.Context
	server    *miniredis.Miniredis
	client    *redis.Client
	fakeClock *clocktesting.FakeClock
	queue     *broker.Broker
)

func TestBroker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Broker")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	var err error
	server, err = miniredis.Run()
	Expect(err).ToNot(HaveOccurred())
	client = redis.NewClient(&redis.Options{Addr: server.Addr()})
	fakeClock = clocktesting.NewFakeClock(time.Now())
	queue = broker.New(client, broker.WithClock(fakeClock))
})

var _ = AfterEach(func() {
	server.Close()
})

var _ = Describe("Enqueue/Receive", func() {
	It("should deliver tasks in FIFO order", func() {
		Expect(queue.Enqueue(ctx, &broker.Envelope{TaskID: "t1", TransitionID: "tr1", Phase: "ensure_exists"})).To(Succeed())
		Expect(queue.Enqueue(ctx, &broker.Envelope{TaskID: "t2", TransitionID: "tr2", Phase: "ensure_exists"})).To(Succeed())

		first, err := queue.Receive(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(first.TaskID).To(Equal("t1"))
		second, err := queue.Receive(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(second.TaskID).To(Equal("t2"))
	})
	It("should return nil when nothing is queued", func() {
		envelope, err := queue.Receive(ctx, 10*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(envelope).To(BeNil())
	})
	It("should preserve attempt bookkeeping across the wire", func() {
		Expect(queue.Enqueue(ctx, &broker.Envelope{
			TaskID: "t1", TransitionID: "tr1", ResourceID: "res1", Phase: "ensure_healthy",
			AttemptIndex: 3, Rescheduled: true,
			SoftLimit: 655 * time.Second, HardLimit: 660 * time.Second,
		})).To(Succeed())

		envelope, err := queue.Receive(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(envelope.AttemptIndex).To(Equal(3))
		Expect(envelope.Rescheduled).To(BeTrue())
		Expect(envelope.SoftLimit).To(Equal(655 * time.Second))
		Expect(envelope.HardLimit).To(Equal(660 * time.Second))
	})
	It("should stamp first_enqueued_at once and keep it on re-enqueue", func() {
		envelope := &broker.Envelope{TaskID: "t1", TransitionID: "tr1"}
		Expect(queue.Enqueue(ctx, envelope)).To(Succeed())
		first := envelope.FirstEnqueuedAt

		fakeClock.Step(time.Minute)
		Expect(queue.Enqueue(ctx, envelope)).To(Succeed())
		Expect(envelope.FirstEnqueuedAt).To(Equal(first))
		Expect(envelope.EnqueuedAt).To(Equal(first.Add(time.Minute)))
	})
})

var _ = Describe("Ack", func() {
	It("should clear the processing list", func() {
		Expect(queue.Enqueue(ctx, &broker.Envelope{TaskID: "t1", TransitionID: "tr1"})).To(Succeed())
		envelope, err := queue.Receive(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())

		_, _, processing, err := queue.Lengths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(processing).To(Equal(int64(1)))

		Expect(queue.Ack(ctx, envelope)).To(Succeed())
		_, _, processing, err = queue.Lengths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(processing).To(BeZero())
	})
})

var _ = Describe("EnqueueDelayed/PromoteDue", func() {
	It("should hold tasks back until the delay elapses", func() {
		Expect(queue.EnqueueDelayed(ctx, &broker.Envelope{TaskID: "t1", TransitionID: "tr1"}, 30*time.Second)).To(Succeed())

		promoted, err := queue.PromoteDue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(promoted).To(BeZero())

		fakeClock.Step(31 * time.Second)
		promoted, err = queue.PromoteDue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(promoted).To(Equal(1))

		envelope, err := queue.Receive(ctx, 50*time.Millisecond)
		Expect(err).ToNot(HaveOccurred())
		Expect(envelope.TaskID).To(Equal("t1"))
	})
	It("should promote only the due portion of the delayed set", func() {
		Expect(queue.EnqueueDelayed(ctx, &broker.Envelope{TaskID: "soon", TransitionID: "tr1"}, 10*time.Second)).To(Succeed())
		Expect(queue.EnqueueDelayed(ctx, &broker.Envelope{TaskID: "later", TransitionID: "tr2"}, 10*time.Minute)).To(Succeed())

		fakeClock.Step(11 * time.Second)
		promoted, err := queue.PromoteDue(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(promoted).To(Equal(1))

		ready, delayed, _, err := queue.Lengths(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(ready).To(Equal(int64(1)))
		Expect(delayed).To(Equal(int64(1)))
	})
})
