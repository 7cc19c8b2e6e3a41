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

// Package ingest turns parsed declaration documents into resource rows:
// adapter validation, dependency edges, computed identity and the desired
// state the engine will reconcile towards. Ingestion is a one-shot pass; the
// controllers pick the rows up from there.
package ingest

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/hcl"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/store"
)

type Ingestor struct {
	store    store.Store
	recorder *events.Recorder
	registry *providers.Registry
}

func NewIngestor(s store.Store, recorder *events.Recorder, registry *providers.Registry) *Ingestor {
	return &Ingestor{store: s, recorder: recorder, registry: registry}
}

// ApplyFile parses and ingests one document, setting desired on every
// resource it mentions. The returned rows are in document topological order.
func (i *Ingestor) ApplyFile(ctx context.Context, path string, desired core.DesiredState) ([]*core.Resource, error) {
	project, document, err := i.parse(ctx, path)
	if err != nil {
		return nil, err
	}
	return i.Ingest(ctx, project, document, desired)
}

func (i *Ingestor) parse(ctx context.Context, path string) (*core.Project, *hcl.Document, error) {
	// the provider block is read twice: once plain to find the project, then
	// the full parse with identity exports wired to that project
	document, err := hcl.ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	project, err := i.store.GetProjectBySlug(ctx, document.Provider.ProjectID, core.ProviderType(document.Provider.ProviderType))
	if err != nil {
		return nil, nil, fmt.Errorf("looking up project %q, %w", document.Provider.ProjectID, err)
	}
	document, err = hcl.ParseFile(path, hcl.WithExports(i.exports(project)))
	if err != nil {
		return nil, nil, err
	}
	return project, document, nil
}

// exports adds the computed identity to each parsed resource so later
// resources can reference ${kind.name.self_link} before anything exists.
func (i *Ingestor) exports(project *core.Project) hcl.ExportsFunc {
	return func(kind, name string, attributes core.JSONMap) core.JSONMap {
		exported := core.JSONMap{}
		for key, value := range attributes {
			exported[key] = value
		}
		adapter, err := i.registry.Get(kind)
		if err != nil {
			return exported
		}
		exported["self_link"] = adapter.SelfLink(&providers.Context{
			Resource: &core.Resource{Slug: name, Kind: kind, ExtraData: attributes},
			Project:  project,
		})
		return exported
	}
}

func (i *Ingestor) Ingest(ctx context.Context, project *core.Project, document *hcl.Document, desired core.DesiredState) ([]*core.Resource, error) {
	log := logging.FromContext(ctx)

	ingested := []*core.Resource{}
	byName := map[string]*core.Resource{}
	var failures error
	for _, declared := range document.Resources {
		resource, err := i.ingestResource(ctx, project, declared, desired, byName)
		if err != nil {
			failures = multierr.Append(failures, err)
			continue
		}
		log.Info("ingested resource", "slug", resource.Slug, "kind", resource.Kind, "desired", desired)
		ingested = append(ingested, resource)
		byName[declared.Kind+"."+declared.Name] = resource
	}
	return ingested, failures
}

func (i *Ingestor) ingestResource(ctx context.Context, project *core.Project, declared *hcl.Resource, desired core.DesiredState, byName map[string]*core.Resource) (*core.Resource, error) {
	sourceSlug := declared.Kind + "." + declared.Name
	created, resource, err := i.store.EnsureResource(ctx, &core.Resource{
		Slug:       declared.Name,
		SourceSlug: sourceSlug,
		Kind:       declared.Kind,
		ProjectID:  project.ID,
		ExtraData:  declared.Attributes,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting %s, %w", sourceSlug, err)
	}
	if !created {
		resource.ExtraData = declared.Attributes
		if err := i.store.UpdateResourceSpec(ctx, resource); err != nil {
			return nil, fmt.Errorf("updating spec of %s, %w", sourceSlug, err)
		}
	}

	if err := i.validate(ctx, resource); err != nil {
		return nil, err
	}

	// computed identity, when the kind can produce one before creation
	if adapter, adapterErr := i.registry.Get(resource.Kind); adapterErr == nil {
		if resource.ExtraString("self_link") == "" {
			selfLink := adapter.SelfLink(&providers.Context{Resource: resource, Project: project})
			if selfLink != "" {
				extra := core.JSONMap{}
				for key, value := range resource.ExtraData {
					extra[key] = value
				}
				extra["self_link"] = selfLink
				resource.ExtraData = extra
				if err := i.store.UpdateResourceExtraData(ctx, resource.ID, extra); err != nil {
					return nil, fmt.Errorf("persisting identity of %s, %w", sourceSlug, err)
				}
			}
		}
	}

	for _, reference := range declared.References {
		dependency, ok := byName[reference.Kind+"."+reference.Name]
		if !ok {
			// topological order guarantees it ingested earlier unless it failed
			return nil, fmt.Errorf("%s depends on %s.%s which failed ingestion",
				sourceSlug, reference.Kind, reference.Name)
		}
		if err := i.store.EnsureDependency(ctx, resource.ID, dependency.ID, reference.Field); err != nil {
			return nil, fmt.Errorf("linking %s to %s, %w", sourceSlug, dependency.Slug, err)
		}
	}

	if created {
		if _, err := i.recorder.ResourceEvent(ctx, "", resource.ID, "",
			core.EventHclResourceDeclared, "", core.JSONMap{"source": sourceSlug}); err != nil {
			return nil, err
		}
	}
	if err := i.store.SetDesiredState(ctx, resource.ID, desired); err != nil {
		return nil, fmt.Errorf("setting desired state of %s, %w", sourceSlug, err)
	}

	return i.store.GetResource(ctx, resource.ID)
}

// validate runs the kind's schema check; a violation is recorded on the event
// log (projecting the resource to unknown) and fails the ingest.
func (i *Ingestor) validate(ctx context.Context, resource *core.Resource) error {
	adapter, err := i.registry.Get(resource.Kind)
	if err != nil {
		if _, recordErr := i.recorder.ResourceEvent(ctx, "", resource.ID, "",
			core.EventHclValidationFailed, "unknown_kind",
			core.JSONMap{"kind": resource.Kind}); recordErr != nil {
			return recordErr
		}
		return fmt.Errorf("resource %s: unknown kind %q", resource.Slug, resource.Kind)
	}
	if err := adapter.Validate(resource); err != nil {
		if _, recordErr := i.recorder.ResourceEvent(ctx, "", resource.ID, "",
			core.EventHclValidationFailed, "schema_violation",
			core.JSONMap{"error": err.Error()}); recordErr != nil {
			return recordErr
		}
		return fmt.Errorf("resource %s failed validation, %w", resource.Slug, err)
	}
	return nil
}
