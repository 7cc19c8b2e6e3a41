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

package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"
	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/option"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/errors"
)

// Client implements ComputeAPI against the real Compute service. Calls pass
// through a circuit breaker shared across all methods, with a short retry for
// transient transport errors; retry budgets for real work live in the engine,
// not here.
type Client struct {
	service *compute.Service
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client from a project's stored service-account key. Pass
// nil credentials to fall back to application default credentials.
func NewClient(ctx context.Context, credentials core.JSONMap) (*Client, error) {
	opts := []option.ClientOption{}
	if len(credentials) > 0 {
		key, err := json.Marshal(credentials)
		if err != nil {
			return nil, fmt.Errorf("marshaling credentials, %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(key))
	}
	service, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating compute service, %w", err)
	}
	return &Client{
		service: service,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "compute",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// 404s and 409s are answers, not outages
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.IsRetryable(err)
			},
		}),
	}, nil
}

// execute wraps one API call with the breaker and a transient-error retry.
func execute[T any](c *Client, fn func() (T, error)) (T, error) {
	var zero T
	result, err := c.breaker.Execute(func() (any, error) {
		var out T
		err := retry.Do(func() error {
			var err error
			out, err = fn()
			return err
		},
			retry.Attempts(3),
			retry.Delay(1*time.Second),
			retry.RetryIf(errors.IsRetryable),
			retry.LastErrorOnly(true),
		)
		return out, err
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

func marshalOne(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling response, %w", err)
	}
	return raw, nil
}

func marshalList[T any](items []T, err error) ([]json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("marshaling list item, %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func decodeBody[T any](body map[string]any) (*T, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body, %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding request body, %w", err)
	}
	return &out, nil
}

// ---- networks ----

func (c *Client) ListNetworks(ctx context.Context, project string) ([]json.RawMessage, error) {
	return execute(c, func() ([]json.RawMessage, error) {
		list, err := c.service.Networks.List(project).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return marshalList(list.Items, nil)
	})
}

func (c *Client) GetNetwork(ctx context.Context, project, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Networks.Get(project, name).Context(ctx).Do())
	})
}

func (c *Client) InsertNetwork(ctx context.Context, project string, body map[string]any) (json.RawMessage, error) {
	network, err := decodeBody[compute.Network](body)
	if err != nil {
		return nil, err
	}
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Networks.Insert(project, network).Context(ctx).Do())
	})
}

func (c *Client) DeleteNetwork(ctx context.Context, project, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Networks.Delete(project, name).Context(ctx).Do())
	})
}

// ---- subnetworks ----

func (c *Client) ListSubnetworks(ctx context.Context, project, region string) ([]json.RawMessage, error) {
	return execute(c, func() ([]json.RawMessage, error) {
		list, err := c.service.Subnetworks.List(project, region).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return marshalList(list.Items, nil)
	})
}

func (c *Client) GetSubnetwork(ctx context.Context, project, region, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Subnetworks.Get(project, region, name).Context(ctx).Do())
	})
}

func (c *Client) InsertSubnetwork(ctx context.Context, project, region string, body map[string]any) (json.RawMessage, error) {
	subnetwork, err := decodeBody[compute.Subnetwork](body)
	if err != nil {
		return nil, err
	}
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Subnetworks.Insert(project, region, subnetwork).Context(ctx).Do())
	})
}

func (c *Client) DeleteSubnetwork(ctx context.Context, project, region, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Subnetworks.Delete(project, region, name).Context(ctx).Do())
	})
}

// ---- firewalls ----

func (c *Client) ListFirewalls(ctx context.Context, project string) ([]json.RawMessage, error) {
	return execute(c, func() ([]json.RawMessage, error) {
		list, err := c.service.Firewalls.List(project).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return marshalList(list.Items, nil)
	})
}

func (c *Client) GetFirewall(ctx context.Context, project, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Firewalls.Get(project, name).Context(ctx).Do())
	})
}

func (c *Client) InsertFirewall(ctx context.Context, project string, body map[string]any) (json.RawMessage, error) {
	firewall, err := decodeBody[compute.Firewall](body)
	if err != nil {
		return nil, err
	}
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Firewalls.Insert(project, firewall).Context(ctx).Do())
	})
}

func (c *Client) DeleteFirewall(ctx context.Context, project, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Firewalls.Delete(project, name).Context(ctx).Do())
	})
}

// ---- instances ----

func (c *Client) ListInstances(ctx context.Context, project, zone string) ([]json.RawMessage, error) {
	return execute(c, func() ([]json.RawMessage, error) {
		list, err := c.service.Instances.List(project, zone).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		return marshalList(list.Items, nil)
	})
}

func (c *Client) GetInstance(ctx context.Context, project, zone, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Instances.Get(project, zone, name).Context(ctx).Do())
	})
}

func (c *Client) InsertInstance(ctx context.Context, project, zone string, body map[string]any) (json.RawMessage, error) {
	instance, err := decodeBody[compute.Instance](body)
	if err != nil {
		return nil, err
	}
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Instances.Insert(project, zone, instance).Context(ctx).Do())
	})
}

func (c *Client) DeleteInstance(ctx context.Context, project, zone, name string) (json.RawMessage, error) {
	return execute(c, func() (json.RawMessage, error) {
		return marshalOne(c.service.Instances.Delete(project, zone, name).Context(ctx).Do())
	})
}
