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

// Package vpcnetwork adapts GCP VPC networks. A VPC's healthy hook spawns its
// declared subnetworks as child resources, so subnets ride the same lifecycle
// as everything else instead of being created inline.
package vpcnetwork

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/store"
)

const Kind = "vpc_network"

const (
	// minCreationAge holds the healthy verdict until the network has been up
	// long enough for its initial rollout to settle.
	minCreationAge = 90 * time.Second

	// minAutoCreatedSubnetworks is how many per-region subnets an auto-mode
	// network must show before it counts as healthy.
	minAutoCreatedSubnetworks = 20
)

type spec struct {
	AutoCreateSubnetworks bool         `json:"auto_create_subnetworks"`
	Subnetworks           []subnetSpec `json:"subnetworks" validate:"dive"`
	Region                string       `json:"region"`
}

type subnetSpec struct {
	Slug   string `json:"slug" validate:"required"`
	Region string `json:"region" validate:"required"`
	Cidr   string `json:"cidr" validate:"required,cidrv4"`
}

type Provider struct {
	*providers.Base
	validate *validator.Validate
}

func NewProvider() *Provider {
	p := &Provider{
		Base:     providers.NewBase(),
		validate: validator.New(),
	}
	// a VPC with many subnets can take over an hour to settle
	p.Overrides = map[core.Phase]retrypolicy.Params{
		core.PhaseEnsureHealthy: {
			MaxRetries:   15,
			RetryBackoff: 2 * time.Second,
			TotalTimeout: 4200 * time.Second,
		},
	}
	return p
}

func (p *Provider) Kind() string { return Kind }

func (p *Provider) DependencyFields() []string { return nil }

func (p *Provider) Validate(resource *core.Resource) error {
	if err := core.ValidateSlug(resource.Slug); err != nil {
		return err
	}
	decoded, err := decodeSpec(resource)
	if err != nil {
		return err
	}
	return p.validate.Struct(decoded)
}

func decodeSpec(resource *core.Resource) (*spec, error) {
	raw, err := json.Marshal(resource.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("marshaling extra_data, %w", err)
	}
	decoded := &spec{}
	if err := json.Unmarshal(raw, decoded); err != nil {
		return nil, fmt.Errorf("decoding vpc_network spec, %w", err)
	}
	return decoded, nil
}

func (p *Provider) SelfLink(cctx *providers.Context) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/global/networks/%s",
		cctx.Project.Slug, cctx.Resource.Slug)
}

func (p *Provider) List(ctx context.Context, cctx *providers.Context) ([]json.RawMessage, error) {
	return p.CachedList(ctx, Kind, cctx.Project.Slug, "", func(ctx context.Context) ([]json.RawMessage, error) {
		return cctx.Compute.ListNetworks(ctx, cctx.Project.Slug)
	})
}

func (p *Provider) Create(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	decoded, err := decodeSpec(cctx.Resource)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"name":                  cctx.Resource.Slug,
		"autoCreateSubnetworks": decoded.AutoCreateSubnetworks,
	}
	response, err := cctx.Compute.InsertNetwork(ctx, cctx.Project.Slug, body)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) Delete(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	response, err := cctx.Compute.DeleteNetwork(ctx, cctx.Project.Slug, cctx.Resource.Slug)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) HealthChecks() []providers.HealthCheck {
	return []providers.HealthCheck{
		providers.IdentitySetCheck(),
		p.ageCheck(),
		p.subnetworksCreatedCheck(),
	}
}

// ageCheck fails while the network is younger than minCreationAge. Adopted
// networks with no recorded creation time skip it.
func (p *Provider) ageCheck() providers.HealthCheck {
	return providers.HealthCheck{
		Name: "age_over_90s",
		Check: func(_ context.Context, cctx *providers.Context) error {
			age, known := cctx.Resource.Age(time.Now())
			if !known {
				return nil
			}
			if age <= minCreationAge {
				return fmt.Errorf("network is %s old, waiting for %s",
					age.Round(time.Second), minCreationAge)
			}
			return nil
		},
	}
}

// subnetworksCreatedCheck waits for an auto-mode network's per-region subnets
// to appear; GCP rolls them out gradually after the network itself exists.
// Irrelevant for networks with declared subnetworks.
func (p *Provider) subnetworksCreatedCheck() providers.HealthCheck {
	return providers.HealthCheck{
		Name: "subnetworks_created",
		Check: func(ctx context.Context, cctx *providers.Context) error {
			decoded, err := decodeSpec(cctx.Resource)
			if err != nil {
				return err
			}
			if !decoded.AutoCreateSubnetworks {
				return nil
			}
			_, links, err := p.fetchNetwork(ctx, cctx)
			if err != nil {
				return err
			}
			if len(links) <= minAutoCreatedSubnetworks {
				return fmt.Errorf("only %d subnetworks visible", len(links))
			}
			return nil
		},
	}
}

func (p *Provider) fetchNetwork(ctx context.Context, cctx *providers.Context) (json.RawMessage, []string, error) {
	raw, err := cctx.Compute.GetNetwork(ctx, cctx.Project.Slug, cctx.Resource.Slug)
	if err != nil {
		return nil, nil, err
	}
	var fields struct {
		Subnetworks []string `json:"subnetworks"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("decoding network response, %w", err)
	}
	return raw, fields.Subnetworks, nil
}

func (p *Provider) ExistsHook(ctx context.Context, cctx *providers.Context) error {
	return p.EnsureIdentity(ctx, cctx, p.SelfLink(cctx))
}

// HealthyHook declares the VPC's subnetworks as child resources depending on
// it. Idempotent: EnsureResource is a get-or-create and redeclaring an
// existing child is a no-op. Auto-mode networks instead get their GCP-created
// subnets registered as untracked children.
func (p *Provider) HealthyHook(ctx context.Context, cctx *providers.Context) error {
	decoded, err := decodeSpec(cctx.Resource)
	if err != nil {
		return err
	}
	if decoded.AutoCreateSubnetworks {
		return p.ingestAutoCreatedSubnetworks(ctx, cctx)
	}
	for _, subnet := range decoded.Subnetworks {
		created, child, err := cctx.Store.EnsureResource(ctx, &core.Resource{
			Slug:         subnet.Slug,
			Kind:         "subnetwork",
			ProjectID:    cctx.Resource.ProjectID,
			DesiredState: core.DesiredHealthy,
			ExtraData: core.JSONMap{
				"region":   subnet.Region,
				"cidr":     subnet.Cidr,
				"vpc_link": cctx.Resource.ExtraString("self_link"),
			},
		})
		if err != nil {
			return fmt.Errorf("declaring subnetwork %s, %w", subnet.Slug, err)
		}
		if err := cctx.Store.EnsureDependency(ctx, child.ID, cctx.Resource.ID, "vpc_link"); err != nil {
			return fmt.Errorf("linking subnetwork %s, %w", subnet.Slug, err)
		}
		if created {
			if _, err := cctx.Recorder.ResourceEvent(ctx, "", child.ID, "",
				core.EventHclResourceDeclared, "", core.JSONMap{"declared_by": cctx.Resource.Slug}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ingestAutoCreatedSubnetworks registers the per-region subnets GCP created on
// the network's behalf as untracked children: they show up in listings and are
// cascade-deleted with the network, but the engine never drives them.
func (p *Provider) ingestAutoCreatedSubnetworks(ctx context.Context, cctx *providers.Context) error {
	raw, links, err := p.fetchNetwork(ctx, cctx)
	if err != nil {
		return err
	}
	if err := cctx.Store.SaveResourceResponse(ctx, cctx.Resource.ID, store.GetterResponseField, raw); err != nil {
		return err
	}
	for _, link := range links {
		region := regionFromSelfLink(link)
		if region == "" {
			continue
		}
		slug := fmt.Sprintf("%s-subnet-%s", cctx.Resource.Slug, region)
		created, child, err := cctx.Store.EnsureResource(ctx, &core.Resource{
			Slug:         slug,
			Kind:         "subnetwork",
			ProjectID:    cctx.Resource.ProjectID,
			DesiredState: core.DesiredUntracked,
			ExtraData: core.JSONMap{
				"region":    region,
				"self_link": link,
				"vpc_link":  cctx.Resource.ExtraString("self_link"),
			},
		})
		if err != nil {
			return fmt.Errorf("registering subnetwork %s, %w", slug, err)
		}
		if err := cctx.Store.EnsureDependency(ctx, child.ID, cctx.Resource.ID, "vpc_link"); err != nil {
			return fmt.Errorf("linking subnetwork %s, %w", slug, err)
		}
		if created {
			if _, err := cctx.Recorder.ResourceEvent(ctx, "", child.ID, "",
				core.EventResourceFoundAndHealthy, "", core.JSONMap{"network": cctx.Resource.Slug}); err != nil {
				return err
			}
		}
	}
	return nil
}

func regionFromSelfLink(link string) string {
	segments := strings.Split(link, "/")
	for i, segment := range segments {
		if segment == "regions" && i+1 < len(segments) {
			return segments[i+1]
		}
	}
	return ""
}
