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
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/metrics"
	"github.com/rossrochford/make-it-so/pkg/tasks"
)

const (
	receiveTimeout  = 5 * time.Second
	promoteInterval = time.Second
)

// Worker runs a pool of task consumers against the broker plus the promoter
// that moves due delayed tasks onto the ready list.
type Worker struct {
	broker      *broker.Broker
	runner      *tasks.Runner
	concurrency int
}

func NewWorker(b *broker.Broker, runner *tasks.Runner, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{broker: b, runner: runner, concurrency: concurrency}
}

// Start blocks until the context is cancelled or a consumer fails
// unrecoverably.
func (w *Worker) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		group.Go(func() error { return w.consume(ctx) })
	}
	group.Go(func() error { return w.promote(ctx) })
	return group.Wait()
}

func (w *Worker) consume(ctx context.Context) error {
	log := logging.FromContext(ctx)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		envelope, err := w.broker.Receive(ctx, receiveTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error(err, "receiving task")
			continue
		}
		if envelope == nil {
			continue
		}
		metrics.TasksExecutedCounter.WithLabelValues(envelope.Phase).Inc()
		if err := w.runner.Execute(ctx, envelope); err != nil {
			// left on the processing list; the attempt either retries through
			// the dedup gate or the reaper settles it
			log.Error(err, "executing task", "task", envelope.TaskID)
		}
	}
}

func (w *Worker) promote(ctx context.Context) error {
	log := logging.FromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(promoteInterval):
		}
		if _, err := w.broker.PromoteDue(ctx); err != nil {
			log.Error(err, "promoting due tasks")
		}
	}
}
