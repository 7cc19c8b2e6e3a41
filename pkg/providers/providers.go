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

// Package providers defines the per-kind adapters the phase handlers drive.
// An adapter knows how to validate a declared resource, derive its
// provider-side identity, create/list/delete it, and check its health; the
// engine stays kind-agnostic.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/gcp"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/store"
)

// Context is the hydrated working set for one task execution: the resource
// and project rows, the transition being driven, and the handles hooks need
// to persist what they learn.
type Context struct {
	Resource   *core.Resource
	Project    *core.Project
	Transition *core.Transition

	// Attempt is the zero-based delivery attempt driving this execution.
	Attempt int

	Compute  gcp.ComputeAPI
	Store    store.Store
	Recorder *events.Recorder
}

// Region resolves the resource's region, falling back to the project default.
func (c *Context) Region() string {
	if region := c.Resource.ExtraString("region"); region != "" {
		return region
	}
	region, _ := c.Project.ProviderSpecificData["default_region"].(string)
	return region
}

// Zone resolves the resource's zone, falling back to the project default.
func (c *Context) Zone() string {
	if zone := c.Resource.ExtraString("zone"); zone != "" {
		return zone
	}
	zone, _ := c.Project.ProviderSpecificData["default_zone"].(string)
	return zone
}

// DependencyByKind returns the first dependency edge pointing at a resource
// of the given kind, for adapters that need a parent's identity (a subnet's
// network, an instance's subnetwork).
func (c *Context) DependencyByKind(ctx context.Context, kind string) (*core.Resource, error) {
	dependencies, err := c.Store.ListDependencies(ctx, c.Resource.ID)
	if err != nil {
		return nil, fmt.Errorf("listing dependencies of %s, %w", c.Resource.Slug, err)
	}
	for _, dependency := range dependencies {
		if dependency.Kind == kind {
			return dependency, nil
		}
	}
	return nil, fmt.Errorf("resource %s has no %s dependency", c.Resource.Slug, kind)
}

// HealthCheck is one named probe run by the ensure_healthy phase. A failed
// check returns an error; Terminal marks checks whose failure can never
// recover by retrying (e.g. a rejected config), ending the phase immediately.
type HealthCheck struct {
	Name     string
	Terminal bool
	Check    func(ctx context.Context, cctx *Context) error
}

// Adapter binds one resource kind to its provider API.
type Adapter interface {
	Kind() string

	// Validate checks extra_data against the kind's schema. Failures surface
	// as hcl_validation_failed at ingestion.
	Validate(resource *core.Resource) error

	// DependencyFields names the extra_data fields holding references to
	// other declared resources; ingestion turns them into dependency edges.
	DependencyFields() []string

	// SelfLink is the provider-side identity URL the resource will have once
	// created, derivable before creation.
	SelfLink(cctx *Context) string

	List(ctx context.Context, cctx *Context) ([]json.RawMessage, error)
	Create(ctx context.Context, cctx *Context) (json.RawMessage, error)
	Delete(ctx context.Context, cctx *Context) (json.RawMessage, error)

	// InvalidateLists drops cached list snapshots, forcing the next List to
	// hit the API. Phase handlers call it between existence polls.
	InvalidateLists()

	HealthChecks() []HealthCheck

	// ExistsHook runs whenever the resource is confirmed to exist; HealthyHook
	// when it is confirmed healthy; DeletedHook when the provider-side object
	// is confirmed absent at the end of deletion. All must be idempotent.
	ExistsHook(ctx context.Context, cctx *Context) error
	HealthyHook(ctx context.Context, cctx *Context) error
	DeletedHook(ctx context.Context, cctx *Context) error

	RetryParams(phase core.Phase) retrypolicy.Params
}

// Registry maps resource kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[string]Adapter{}}
	for _, adapter := range adapters {
		r.Register(adapter)
	}
	return r
}

func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
}

func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind %q", kind)
	}
	return adapter, nil
}

func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	return kinds
}
