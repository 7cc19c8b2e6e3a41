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

// Package test provides entity factories for tests. Each factory takes
// override structs that are merged onto sensible defaults, so tests only
// state what they care about.
package test

import (
	"fmt"
	"strings"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"
	"github.com/samber/lo"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/utils/rand"
)

// RandomSlug returns a valid lowercase slug like "silly-tesla-4a2".
func RandomSlug() string {
	name := strings.ToLower(randomdata.SillyName())
	return fmt.Sprintf("%s-%s", name, rand.String(3))
}

func Resource(overrides ...core.Resource) *core.Resource {
	options := core.Resource{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("merging resource options, %s", err))
		}
	}
	return &core.Resource{
		ID:                lo.Ternary(options.ID != "", options.ID, rand.ID()),
		Slug:              lo.Ternary(options.Slug != "", options.Slug, RandomSlug()),
		SourceSlug:        options.SourceSlug,
		Kind:              lo.Ternary(options.Kind != "", options.Kind, "vpc_network"),
		ProjectID:         lo.Ternary(options.ProjectID != "", options.ProjectID, "project-1"),
		DesiredState:      lo.Ternary(options.DesiredState != "", options.DesiredState, core.DesiredHealthy),
		State:             lo.Ternary(options.State != "", options.State, core.StateDeclared),
		Existence:         lo.Ternary(options.Existence != "", options.Existence, core.ExistenceUnknown),
		Health:            lo.Ternary(options.Health != "", options.Health, core.HealthUnknown),
		Labels:            options.Labels,
		ExtraData:         options.ExtraData,
		ResourceCreatedAt: options.ResourceCreatedAt,
	}
}

func Transition(overrides ...core.Transition) *core.Transition {
	options := core.Transition{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("merging transition options, %s", err))
		}
	}
	return &core.Transition{
		ID:                   lo.Ternary(options.ID != "", options.ID, rand.ID()),
		ResourceID:           lo.Ternary(options.ResourceID != "", options.ResourceID, rand.ID()),
		Phase:                lo.Ternary(options.Phase != "", options.Phase, core.PhaseEnsureExists),
		Status:               lo.Ternary(options.Status != "", options.Status, core.StatusPending),
		UpdateType:           options.UpdateType,
		ExtraTaskKwargs:      options.ExtraTaskKwargs,
		PreviousTransitionID: options.PreviousTransitionID,
	}
}

func Project(overrides ...core.Project) *core.Project {
	options := core.Project{}
	for _, opts := range overrides {
		if err := mergo.Merge(&options, opts, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("merging project options, %s", err))
		}
	}
	return &core.Project{
		ID:           lo.Ternary(options.ID != "", options.ID, "project-1"),
		Slug:         lo.Ternary(options.Slug != "", options.Slug, "test-project"),
		AccountID:    lo.Ternary(options.AccountID != "", options.AccountID, "account-1"),
		ProviderType: lo.Ternary(options.ProviderType != "", options.ProviderType, core.ProviderGoogle),
		ProviderSpecificData: lo.Ternary(options.ProviderSpecificData != nil,
			options.ProviderSpecificData, core.JSONMap{"default_region": "europe-west2", "default_zone": "europe-west2-a"}),
		Credentials: options.Credentials,
	}
}
