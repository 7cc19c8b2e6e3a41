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

// Package checkpoint memoizes the side-effecting steps of a phase handler so
// that retries of a transition don't repeat work that already succeeded. A
// cloud API call that completed on attempt 0 must not be reissued on attempt 1
// just because a later step failed.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "checkpoint"
	DefaultTTL = 180 * time.Second
)

// Recoverer is an optional second-level lookup consulted when the Redis entry
// has expired. Phase handlers recover from the resource event log: an earlier
// creation_request_succeeded event proves the create step ran even if the
// cache entry is gone.
type Recoverer interface {
	RecoverCheckpoint(ctx context.Context, transitionID, step string) (json.RawMessage, bool, error)
}

// Cache is a Redis-backed write-on-success memo keyed by (transition, step).
type Cache struct {
	client    redis.UniversalClient
	ttl       time.Duration
	recoverer Recoverer
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithRecoverer(r Recoverer) Option {
	return func(c *Cache) { c.recoverer = r }
}

func New(client redis.UniversalClient, opts ...Option) *Cache {
	c := &Cache{client: client, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func key(transitionID, step string) string {
	return fmt.Sprintf("%s|%s|%s", keyPrefix, transitionID, step)
}

// KeyedStep derives a step name that varies with its inputs, so that a step
// re-run with different arguments is not satisfied by a stale checkpoint.
func KeyedStep(step string, inputs any) (string, error) {
	hash, err := hashstructure.Hash(inputs, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing checkpoint inputs for %s, %w", step, err)
	}
	return fmt.Sprintf("%s|%d", step, hash), nil
}

// Do runs fn at most once per (transition, step). When a prior attempt already
// completed the step, its recorded result is returned and fn is skipped; the
// second return reports whether the result was replayed. Results are recorded
// only when fn succeeds, so a failed step re-runs on the next attempt.
func (c *Cache) Do(ctx context.Context, transitionID, step string, fn func(ctx context.Context) (json.RawMessage, error)) (json.RawMessage, bool, error) {
	k := key(transitionID, step)

	cached, err := c.client.Get(ctx, k).Bytes()
	if err == nil {
		return cached, true, nil
	}
	if err != redis.Nil {
		return nil, false, fmt.Errorf("reading checkpoint %s, %w", k, err)
	}

	if c.recoverer != nil {
		recovered, ok, err := c.recoverer.RecoverCheckpoint(ctx, transitionID, step)
		if err != nil {
			return nil, false, fmt.Errorf("recovering checkpoint %s, %w", k, err)
		}
		if ok {
			return recovered, true, nil
		}
	}

	result, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}
	if result == nil {
		result = json.RawMessage(`{}`)
	}
	if err := c.client.Set(ctx, k, []byte(result), c.ttl).Err(); err != nil {
		return nil, false, fmt.Errorf("writing checkpoint %s, %w", k, err)
	}
	return result, false, nil
}
