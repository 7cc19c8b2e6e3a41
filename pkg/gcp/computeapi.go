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

// Package gcp wraps the Google Compute API behind a narrow interface the
// providers consume. Responses cross the boundary as raw JSON: the engine
// stores them verbatim and the providers pick out the fields they need, so a
// new API field never requires a type change here.
package gcp

import (
	"context"
	"encoding/json"
)

// ComputeAPI is the Compute surface the resource providers use. Mutating
// calls return the operation the API started; the engine polls existence
// rather than operation status.
type ComputeAPI interface {
	ListNetworks(ctx context.Context, project string) ([]json.RawMessage, error)
	GetNetwork(ctx context.Context, project, name string) (json.RawMessage, error)
	InsertNetwork(ctx context.Context, project string, body map[string]any) (json.RawMessage, error)
	DeleteNetwork(ctx context.Context, project, name string) (json.RawMessage, error)

	ListSubnetworks(ctx context.Context, project, region string) ([]json.RawMessage, error)
	GetSubnetwork(ctx context.Context, project, region, name string) (json.RawMessage, error)
	InsertSubnetwork(ctx context.Context, project, region string, body map[string]any) (json.RawMessage, error)
	DeleteSubnetwork(ctx context.Context, project, region, name string) (json.RawMessage, error)

	ListFirewalls(ctx context.Context, project string) ([]json.RawMessage, error)
	GetFirewall(ctx context.Context, project, name string) (json.RawMessage, error)
	InsertFirewall(ctx context.Context, project string, body map[string]any) (json.RawMessage, error)
	DeleteFirewall(ctx context.Context, project, name string) (json.RawMessage, error)

	ListInstances(ctx context.Context, project, zone string) ([]json.RawMessage, error)
	GetInstance(ctx context.Context, project, zone, name string) (json.RawMessage, error)
	InsertInstance(ctx context.Context, project, zone string, body map[string]any) (json.RawMessage, error)
	DeleteInstance(ctx context.Context, project, zone, name string) (json.RawMessage, error)
}
