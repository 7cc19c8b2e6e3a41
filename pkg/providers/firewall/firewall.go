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

// Package firewall adapts GCP firewall rules.
package firewall

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
)

const Kind = "firewall"

type spec struct {
	VpcLink      string   `json:"vpc_link" validate:"required"`
	Direction    string   `json:"direction" validate:"omitempty,oneof=INGRESS EGRESS"`
	Protocol     string   `json:"protocol" validate:"omitempty,oneof=tcp udp icmp"`
	Ports        []string `json:"ports" validate:"dive,required"`
	SourceRanges []string `json:"source_ranges" validate:"dive,cidrv4"`
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

func (p *Provider) DependencyFields() []string { return []string{"vpc_link"} }

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
		return nil, fmt.Errorf("decoding firewall spec, %w", err)
	}
	return decoded, nil
}

func (p *Provider) SelfLink(cctx *providers.Context) string {
	return fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/global/firewalls/%s",
		cctx.Project.Slug, cctx.Resource.Slug)
}

func (p *Provider) List(ctx context.Context, cctx *providers.Context) ([]json.RawMessage, error) {
	return p.CachedList(ctx, Kind, cctx.Project.Slug, "", func(ctx context.Context) ([]json.RawMessage, error) {
		return cctx.Compute.ListFirewalls(ctx, cctx.Project.Slug)
	})
}

func (p *Provider) Create(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	decoded, err := decodeSpec(cctx.Resource)
	if err != nil {
		return nil, err
	}
	network, err := cctx.DependencyByKind(ctx, vpcnetwork.Kind)
	if err != nil {
		return nil, err
	}
	networkLink := network.ExtraString("self_link")
	if networkLink == "" {
		return nil, fmt.Errorf("network %s has no recorded identity yet", network.Slug)
	}

	direction := decoded.Direction
	if direction == "" {
		direction = "INGRESS"
	}
	protocol := decoded.Protocol
	if protocol == "" {
		protocol = "tcp"
	}
	allowed := map[string]any{"IPProtocol": protocol}
	if len(decoded.Ports) > 0 {
		allowed["ports"] = decoded.Ports
	}
	body := map[string]any{
		"name":      cctx.Resource.Slug,
		"network":   networkLink,
		"direction": direction,
		"allowed":   []any{allowed},
	}
	if len(decoded.SourceRanges) > 0 {
		body["sourceRanges"] = decoded.SourceRanges
	}
	response, err := cctx.Compute.InsertFirewall(ctx, cctx.Project.Slug, body)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) Delete(ctx context.Context, cctx *providers.Context) (json.RawMessage, error) {
	response, err := cctx.Compute.DeleteFirewall(ctx, cctx.Project.Slug, cctx.Resource.Slug)
	p.InvalidateLists()
	return response, err
}

func (p *Provider) HealthChecks() []providers.HealthCheck {
	return []providers.HealthCheck{providers.IdentitySetCheck()}
}

func (p *Provider) ExistsHook(ctx context.Context, cctx *providers.Context) error {
	return p.EnsureIdentity(ctx, cctx, p.SelfLink(cctx))
}

func (p *Provider) HealthyHook(context.Context, *providers.Context) error {
	return nil
}
