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

// Package controllers holds the engine's background loops: transition
// creation, dispatch to the broker, the worker pool, the failed-attempt
// reaper and the metrics refresher. Each controller reconciles on a fixed
// interval; a failed pass is logged and retried on the next tick rather than
// stopping the loop.
package controllers

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/logging"
)

// Controller is one periodic reconcile loop.
type Controller interface {
	Name() string
	Interval() time.Duration
	Reconcile(ctx context.Context) error
}

// Option tunes a controller's cadence or batch bound away from its default.
type Option func(*tuning)

type tuning struct {
	interval time.Duration
	batch    int
}

func newTuning(interval time.Duration, batch int, opts ...Option) tuning {
	t := tuning{interval: interval, batch: batch}
	for _, opt := range opts {
		opt(&t)
	}
	return t
}

func WithInterval(interval time.Duration) Option {
	return func(t *tuning) {
		if interval > 0 {
			t.interval = interval
		}
	}
}

func WithBatchSize(batch int) Option {
	return func(t *tuning) {
		if batch > 0 {
			t.batch = batch
		}
	}
}

// Run drives a controller until the context is cancelled. The first reconcile
// happens immediately, not after one interval.
func Run(ctx context.Context, clk clock.Clock, controller Controller) error {
	log := logging.FromContext(ctx).WithValues("controller", controller.Name())
	ctx = logging.WithLogger(ctx, log)
	for {
		if err := controller.Reconcile(ctx); err != nil {
			log.Error(err, "reconcile failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clk.After(controller.Interval()):
		}
	}
}
