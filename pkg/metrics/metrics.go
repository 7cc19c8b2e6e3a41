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

// Package metrics defines the engine's Prometheus metrics and the registry
// the admin server exposes them from.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const Namespace = "makeitso"

var Registry = prometheus.NewRegistry()

var (
	// ResourcesGauge counts resources by state and kind, refreshed by the
	// metrics controller from the database.
	ResourcesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "resources",
		Help:      "Number of resources by lifecycle state and kind.",
	}, []string{"state", "kind"})

	// TransitionsGauge counts transitions by status and phase.
	TransitionsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "transitions",
		Help:      "Number of transitions by status and phase.",
	}, []string{"status", "phase"})

	// QueueDepthGauge reports broker list depths.
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "queue_depth",
		Help:      "Broker queue depths by queue and list (ready, delayed, processing).",
	}, []string{"queue", "list"})

	// TasksExecutedCounter counts task attempt outcomes seen by the workers.
	TasksExecutedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "tasks_executed_total",
		Help:      "Task attempts executed by the workers, by phase.",
	}, []string{"phase"})
)

func init() {
	Registry.MustRegister(
		ResourcesGauge,
		TransitionsGauge,
		QueueDepthGauge,
		TasksExecutedCounter,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
