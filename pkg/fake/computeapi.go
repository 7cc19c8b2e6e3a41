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

package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"google.golang.org/api/googleapi"

	"github.com/rossrochford/make-it-so/pkg/gcp"
)

// Call shapes shared by every resource kind; Kind distinguishes them so a
// test can assert on exactly which API calls went out.
type (
	ListCall struct {
		Kind    string
		Project string
		Scope   string // region or zone, empty for global kinds
	}
	GetCall struct {
		Kind    string
		Project string
		Scope   string
		Name    string
	}
	InsertCall struct {
		Kind    string
		Project string
		Scope   string
		Body    map[string]any
	}
	DeleteCall struct {
		Kind    string
		Project string
		Scope   string
		Name    string
	}
	RawOutput struct {
		JSON json.RawMessage
	}
	ListOutput struct {
		Items []json.RawMessage
	}
)

// ComputeBehavior lets tests stage outputs and errors per call family.
type ComputeBehavior struct {
	ListBehavior   MockedFunction[ListCall, ListOutput]
	GetBehavior    MockedFunction[GetCall, RawOutput]
	InsertBehavior MockedFunction[InsertCall, RawOutput]
	DeleteBehavior MockedFunction[DeleteCall, RawOutput]
}

// ComputeAPI is an in-memory gcp.ComputeAPI. Inserted objects become visible
// to Get and List immediately; tests that want eventual visibility stage the
// first responses through the Behavior fields.
type ComputeAPI struct {
	ComputeBehavior

	mu      sync.Mutex
	objects map[string]map[string]json.RawMessage // kind|project|scope -> name -> object
}

var _ gcp.ComputeAPI = (*ComputeAPI)(nil)

func NewComputeAPI() *ComputeAPI {
	return &ComputeAPI{objects: map[string]map[string]json.RawMessage{}}
}

// Reset must be called between tests otherwise tests will pollute each other.
func (c *ComputeAPI) Reset() {
	c.ListBehavior.Reset()
	c.GetBehavior.Reset()
	c.InsertBehavior.Reset()
	c.DeleteBehavior.Reset()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects = map[string]map[string]json.RawMessage{}
}

func scopeKey(kind, project, scope string) string {
	return fmt.Sprintf("%s|%s|%s", kind, project, scope)
}

func notFound(name string) error {
	return &googleapi.Error{Code: http.StatusNotFound, Message: fmt.Sprintf("%s was not found", name)}
}

func alreadyExists(name string) error {
	return &googleapi.Error{Code: http.StatusConflict, Message: fmt.Sprintf("%s already exists", name)}
}

// Seed plants an object without going through Insert, for "found before
// creation" scenarios.
func (c *ComputeAPI) Seed(kind, project, scope, name string, object map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := scopeKey(kind, project, scope)
	if c.objects[key] == nil {
		c.objects[key] = map[string]json.RawMessage{}
	}
	raw, _ := json.Marshal(object)
	c.objects[key][name] = raw
}

// Remove deletes an object out from under the engine, for disappearance
// scenarios.
func (c *ComputeAPI) Remove(kind, project, scope, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects[scopeKey(kind, project, scope)], name)
}

func (c *ComputeAPI) list(kind, project, scope string) ([]json.RawMessage, error) {
	out, err := c.ListBehavior.Invoke(&ListCall{Kind: kind, Project: project, Scope: scope},
		func(*ListCall) (*ListOutput, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			items := []json.RawMessage{}
			for _, object := range c.objects[scopeKey(kind, project, scope)] {
				items = append(items, object)
			}
			return &ListOutput{Items: items}, nil
		})
	if err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *ComputeAPI) get(kind, project, scope, name string) (json.RawMessage, error) {
	out, err := c.GetBehavior.Invoke(&GetCall{Kind: kind, Project: project, Scope: scope, Name: name},
		func(*GetCall) (*RawOutput, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			object, ok := c.objects[scopeKey(kind, project, scope)][name]
			if !ok {
				return nil, notFound(name)
			}
			return &RawOutput{JSON: object}, nil
		})
	if err != nil {
		return nil, err
	}
	return out.JSON, nil
}

func (c *ComputeAPI) insert(kind, project, scope string, body map[string]any) (json.RawMessage, error) {
	out, err := c.InsertBehavior.Invoke(&InsertCall{Kind: kind, Project: project, Scope: scope, Body: body},
		func(call *InsertCall) (*RawOutput, error) {
			name, _ := call.Body["name"].(string)
			c.mu.Lock()
			defer c.mu.Unlock()
			key := scopeKey(kind, project, scope)
			if c.objects[key] == nil {
				c.objects[key] = map[string]json.RawMessage{}
			}
			if _, exists := c.objects[key][name]; exists {
				return nil, alreadyExists(name)
			}
			selfLink := fmt.Sprintf("https://www.googleapis.com/compute/v1/projects/%s/%s/%s", project, kind, name)
			object := map[string]any{}
			for k, v := range call.Body {
				object[k] = v
			}
			object["selfLink"] = selfLink
			raw, _ := json.Marshal(object)
			c.objects[key][name] = raw

			operation, _ := json.Marshal(map[string]any{
				"name":          fmt.Sprintf("operation-%s", name),
				"operationType": "insert",
				"targetLink":    selfLink,
				"status":        "RUNNING",
			})
			return &RawOutput{JSON: operation}, nil
		})
	if err != nil {
		return nil, err
	}
	return out.JSON, nil
}

func (c *ComputeAPI) delete(kind, project, scope, name string) (json.RawMessage, error) {
	out, err := c.DeleteBehavior.Invoke(&DeleteCall{Kind: kind, Project: project, Scope: scope, Name: name},
		func(*DeleteCall) (*RawOutput, error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			key := scopeKey(kind, project, scope)
			if _, ok := c.objects[key][name]; !ok {
				return nil, notFound(name)
			}
			delete(c.objects[key], name)
			operation, _ := json.Marshal(map[string]any{
				"name":          fmt.Sprintf("operation-%s", name),
				"operationType": "delete",
				"status":        "RUNNING",
			})
			return &RawOutput{JSON: operation}, nil
		})
	if err != nil {
		return nil, err
	}
	return out.JSON, nil
}

func (c *ComputeAPI) ListNetworks(_ context.Context, project string) ([]json.RawMessage, error) {
	return c.list("networks", project, "")
}

func (c *ComputeAPI) GetNetwork(_ context.Context, project, name string) (json.RawMessage, error) {
	return c.get("networks", project, "", name)
}

func (c *ComputeAPI) InsertNetwork(_ context.Context, project string, body map[string]any) (json.RawMessage, error) {
	return c.insert("networks", project, "", body)
}

func (c *ComputeAPI) DeleteNetwork(_ context.Context, project, name string) (json.RawMessage, error) {
	return c.delete("networks", project, "", name)
}

func (c *ComputeAPI) ListSubnetworks(_ context.Context, project, region string) ([]json.RawMessage, error) {
	return c.list("subnetworks", project, region)
}

func (c *ComputeAPI) GetSubnetwork(_ context.Context, project, region, name string) (json.RawMessage, error) {
	return c.get("subnetworks", project, region, name)
}

func (c *ComputeAPI) InsertSubnetwork(_ context.Context, project, region string, body map[string]any) (json.RawMessage, error) {
	return c.insert("subnetworks", project, region, body)
}

func (c *ComputeAPI) DeleteSubnetwork(_ context.Context, project, region, name string) (json.RawMessage, error) {
	return c.delete("subnetworks", project, region, name)
}

func (c *ComputeAPI) ListFirewalls(_ context.Context, project string) ([]json.RawMessage, error) {
	return c.list("firewalls", project, "")
}

func (c *ComputeAPI) GetFirewall(_ context.Context, project, name string) (json.RawMessage, error) {
	return c.get("firewalls", project, "", name)
}

func (c *ComputeAPI) InsertFirewall(_ context.Context, project string, body map[string]any) (json.RawMessage, error) {
	return c.insert("firewalls", project, "", body)
}

func (c *ComputeAPI) DeleteFirewall(_ context.Context, project, name string) (json.RawMessage, error) {
	return c.delete("firewalls", project, "", name)
}

func (c *ComputeAPI) ListInstances(_ context.Context, project, zone string) ([]json.RawMessage, error) {
	return c.list("instances", project, zone)
}

func (c *ComputeAPI) GetInstance(_ context.Context, project, zone, name string) (json.RawMessage, error) {
	return c.get("instances", project, zone, name)
}

func (c *ComputeAPI) InsertInstance(_ context.Context, project, zone string, body map[string]any) (json.RawMessage, error) {
	return c.insert("instances", project, zone, body)
}

func (c *ComputeAPI) DeleteInstance(_ context.Context, project, zone, name string) (json.RawMessage, error) {
	return c.delete("instances", project, zone, name)
}
