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

package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rossrochford/make-it-so/pkg/metrics"
)

const (
	adminReadTimeout     = 10 * time.Second
	adminShutdownTimeout = 5 * time.Second
	debugResourcesLimit  = 1000
)

// serveAdmin exposes liveness, readiness, prometheus metrics and a debug dump
// of the resource table. It shuts down cleanly when the context is cancelled.
func (o *Operator) serveAdmin(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", o.handleReadyz)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	router.Get("/debug/resources", o.handleDebugResources)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", o.Options.AdminPort),
		Handler:     router,
		ReadTimeout: adminReadTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin endpoint, %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down admin endpoint, %w", err)
	}
	return ctx.Err()
}

func (o *Operator) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := o.Store.Ping(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("store: %v", err), http.StatusServiceUnavailable)
		return
	}
	if err := o.Broker.Ping(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("broker: %v", err), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type debugResource struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	Kind         string `json:"kind"`
	State        string `json:"state"`
	DesiredState string `json:"desired_state"`
}

func (o *Operator) handleDebugResources(w http.ResponseWriter, r *http.Request) {
	resources, err := o.Store.ListResources(r.Context(), debugResourcesLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	dump := make([]debugResource, 0, len(resources))
	for _, resource := range resources {
		dump = append(dump, debugResource{
			ID:           resource.ID,
			Slug:         resource.Slug,
			Kind:         resource.Kind,
			State:        string(resource.State),
			DesiredState: string(resource.DesiredState),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dump); err != nil {
		o.logger.Error(err, "writing debug resources")
	}
}
