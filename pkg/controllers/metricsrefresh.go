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

	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/metrics"
	"github.com/rossrochford/make-it-so/pkg/store"
)

// MetricsRefresh reloads the resource, transition and queue-depth gauges from
// the database and broker.
type MetricsRefresh struct {
	store  store.Store
	broker *broker.Broker
	queue  string
}

func NewMetricsRefresh(s store.Store, b *broker.Broker, queue string) *MetricsRefresh {
	if queue == "" {
		queue = broker.DefaultQueue
	}
	return &MetricsRefresh{store: s, broker: b, queue: queue}
}

func (m *MetricsRefresh) Name() string { return "metrics" }

func (m *MetricsRefresh) Interval() time.Duration { return 15 * time.Second }

func (m *MetricsRefresh) Reconcile(ctx context.Context) error {
	stateCounts, err := m.store.CountResourcesByState(ctx)
	if err != nil {
		return fmt.Errorf("counting resources, %w", err)
	}
	metrics.ResourcesGauge.Reset()
	for _, count := range stateCounts {
		metrics.ResourcesGauge.WithLabelValues(string(count.State), count.Kind).Set(float64(count.Count))
	}

	statusCounts, err := m.store.CountTransitionsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("counting transitions, %w", err)
	}
	metrics.TransitionsGauge.Reset()
	for _, count := range statusCounts {
		metrics.TransitionsGauge.WithLabelValues(string(count.Status), string(count.Phase)).Set(float64(count.Count))
	}

	ready, delayed, processing, err := m.broker.Lengths(ctx)
	if err != nil {
		return fmt.Errorf("reading queue depths, %w", err)
	}
	metrics.QueueDepthGauge.WithLabelValues(m.queue, "ready").Set(float64(ready))
	metrics.QueueDepthGauge.WithLabelValues(m.queue, "delayed").Set(float64(delayed))
	metrics.QueueDepthGauge.WithLabelValues(m.queue, "processing").Set(float64(processing))
	return nil
}
