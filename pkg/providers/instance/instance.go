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

// Package instance adapts GCP compute instances.
package instance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/subnetwork"
)

const Kind = "instance"

const defaultImage = "projects/debian-cloud/global/images/family/debian-12"

type spec struct {
	Zone           string `json:"zone"`
	MachineType    string `json:"machine_type" validate:"required"`
	Image          string `json:"image"`
	SubnetworkLink string `json:"subnetwork_link" validate:"required"`
	DiskSizeGb     int    `json:"disk_size_gb" validate:"omitempty,min=10,max=2048"`
}

type Provider struct {
	*providers.Base
	validate *validator.Validate
}

func NewProvider() *Provider {
	return &Provider{
		Base:     providers.NewBase(),
		validate: validator.New(),
	}
}

func (p *Provider) Kind() string { return Kind }

func (p *Provider) DependencyFields() []string { return []string{"subnetwork_link"} }

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
		return nil, fmt.Errorf("decoding instance spec, %w", err)
	}
	return decoded, nil
}

func (p *Provider) SelfLink(cctx *providers.Context) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/zones/%s/instances/%s",
		cctx.Project.Slug, cctx.Zone(), cctx.Resource.Slug)
}

func (p *Provider) List(ctx context.Context, cctx *providers.Context) ([]json.RawMessage, error) {
	zone := cctx.Zone()
	return p.CachedList(ctx, Kind, cctx.Project.Slug, zone, func(ctx context.Context) ([]json.RawMessage, error) {
		return cctx.Compute.ListInstances(ctx, cctx.Project.Slug, zone)
	})
}

func (p *Provider) Create(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	decoded, err := decodeSpec(cctx.Resource)
	if err != nil {
		return nil, err
	}
	subnet, err := cctx.DependencyByKind(ctx, subnetwork.Kind)
	if err != nil {
		return nil, err
	}
	subnetLink := subnet.ExtraString("self_link")
	if subnetLink == "" {
		return nil, fmt.Errorf("subnetwork %s has no recorded identity yet", subnet.Slug)
	}

	image := decoded.Image
	if image == "" {
		image = defaultImage
	}
	diskSize := decoded.DiskSizeGb
	if diskSize == 0 {
		diskSize = 10
	}
	body := map[string]any{
		"name":        cctx.Resource.Slug,
		"machineType": fmt.Sprintf("zones/%s/machineTypes/%s", cctx.Zone(), decoded.MachineType),
		"disks": []any{map[string]any{
			"boot":             true,
			"autoDelete":       true,
			"initializeParams": map[string]any{"sourceImage": image, "diskSizeGb": diskSize},
		}},
		"networkInterfaces": []any{map[string]any{
			"subnetwork": subnetLink,
		}},
	}
	response, err := cctx.Compute.InsertInstance(ctx, cctx.Project.Slug, cctx.Zone(), body)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) Delete(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	response, err := cctx.Compute.DeleteInstance(ctx, cctx.Project.Slug, cctx.Zone(), cctx.Resource.Slug)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) HealthChecks() []providers.HealthCheck {
	return []providers.HealthCheck{
		providers.IdentitySetCheck(),
		{
			Name: "instance_running",
			Check: func(ctx context.Context, cctx *providers.Context) error {
				raw, err := cctx.Compute.GetInstance(ctx, cctx.Project.Slug, cctx.Zone(), cctx.Resource.Slug)
				if err != nil {
					return err
				}
				var fields struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal(raw, &fields); err != nil {
					return fmt.Errorf("decoding instance status, %w", err)
				}
				if fields.Status != "RUNNING" {
					return fmt.Errorf("instance %s is %s", cctx.Resource.Slug, fields.Status)
				}
				return nil
			},
		},
	}
}

func (p *Provider) ExistsHook(ctx context.Context, cctx *providers.Context) error {
	return p.EnsureIdentity(ctx, cctx, p.SelfLink(cctx))
}

func (p *Provider) HealthyHook(context.Context, *providers.Context) error {
	return nil
}
