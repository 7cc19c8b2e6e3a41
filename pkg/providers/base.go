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

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/imdario/mergo"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
)

const (
	listCacheTTL     = 10 * time.Second
	listCacheCleanup = time.Minute
)

// defaultRetryParams is the per-phase retry budget every kind starts from;
// adapters override per phase where the provider is slower (e.g. a VPC's
// long subnet rollout).
var defaultRetryParams = map[core.Phase]retrypolicy.Params{
	core.PhaseEnsureDependenciesReady:          {MaxRetries: 5, DefaultRetryDelay: 15 * time.Second},
	core.PhaseEnsureExists:                     {MaxRetries: 5, DefaultRetryDelay: 15 * time.Second},
	core.PhaseEnsureHealthy:                    {MaxRetries: 6, DefaultRetryDelay: 15 * time.Second},
	core.PhaseEnsureUpdated:                    {MaxRetries: 3, DefaultRetryDelay: 15 * time.Second},
	core.PhaseEnsureForwardDependenciesDeleted: {MaxRetries: 5, DefaultRetryDelay: 15 * time.Second},
	core.PhaseEnsureDeleted:                    {MaxRetries: 5, DefaultRetryDelay: 15 * time.Second},
	core.PhaseTest: {
		MaxRetries:   5,
		RetryBackoff: 2 * time.Second,
		TotalTimeout: 300 * time.Second,
	},
}

// Base carries the behavior shared by every adapter: a short-lived list
// snapshot cache, identity derivation from list/creation responses, and the
// merged retry-budget table. Kind adapters embed it.
type Base struct {
	mu        sync.RWMutex
	listCache *cache.Cache

	// Overrides replaces fields of the default retry params per phase.
	Overrides map[core.Phase]retrypolicy.Params
}

func NewBase() *Base {
	return &Base{listCache: cache.New(listCacheTTL, listCacheCleanup)}
}

type listCacheKey struct {
	Kind    string
	Project string
	Scope   string
}

// CachedList snapshots one list call per (kind, project, scope) for a few
// seconds. The ensure_exists membership check and the per-item polling both
// hit list; without the snapshot a burst of parallel tasks multiplies
// identical calls.
func (b *Base) CachedList(ctx context.Context, kind, project, scope string, list func(ctx context.Context) ([]json.RawMessage, error)) ([]json.RawMessage, error) {
	hash, err := hashstructure.Hash(listCacheKey{Kind: kind, Project: project, Scope: scope}, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hashing list cache key, %w", err)
	}
	key := fmt.Sprint(hash)

	b.mu.RLock()
	cached, ok := b.listCache.Get(key)
	b.mu.RUnlock()
	if ok {
		return cached.([]json.RawMessage), nil
	}

	items, err := list(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.listCache.SetDefault(key, items)
	b.mu.Unlock()
	return items, nil
}

// InvalidateLists drops every snapshot; called after a create or delete so
// the next existence check sees fresh data.
func (b *Base) InvalidateLists() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCache.Flush()
}

func (b *Base) RetryParams(phase core.Phase) retrypolicy.Params {
	params := defaultRetryParams[phase]
	if override, ok := b.Overrides[phase]; ok {
		if err := mergo.Merge(&params, override, mergo.WithOverride); err != nil {
			return params
		}
	}
	return params
}

// MatchBySelfLink finds the list item whose selfLink names the same object as
// the expected link, comparing the path after the API version prefix so that
// host and version differences don't matter.
func MatchBySelfLink(items []json.RawMessage, selfLink string) (json.RawMessage, bool) {
	expected := trimSelfLink(selfLink)
	for _, item := range items {
		var fields struct {
			SelfLink string `json:"selfLink"`
		}
		if err := json.Unmarshal(item, &fields); err != nil {
			continue
		}
		if trimSelfLink(fields.SelfLink) == expected {
			return item, true
		}
	}
	return nil, false
}

func trimSelfLink(link string) string {
	if i := strings.Index(link, "/projects/"); i >= 0 {
		return link[i:]
	}
	return link
}

// EnsureIdentity persists self_link and self_id into extra_data the first
// time the resource is confirmed to exist. This is the exists-hook behavior
// every kind shares; later phases address the object through these fields.
func (b *Base) EnsureIdentity(ctx context.Context, cctx *Context, selfLink string) error {
	if cctx.Resource.ExtraString("self_link") != "" {
		return nil
	}
	extra := core.JSONMap{}
	for k, v := range cctx.Resource.ExtraData {
		extra[k] = v
	}
	extra["self_link"] = selfLink
	segments := strings.Split(strings.TrimSuffix(selfLink, "/"), "/")
	extra["self_id"] = segments[len(segments)-1]

	if err := cctx.Store.UpdateResourceExtraData(ctx, cctx.Resource.ID, extra); err != nil {
		return fmt.Errorf("persisting resource identity, %w", err)
	}
	cctx.Resource.ExtraData = extra
	return nil
}

// DeletedHook is a no-op for most kinds; kinds holding derived state override
// it to release that state once the object is confirmed gone.
func (b *Base) DeletedHook(context.Context, *Context) error { return nil }

// IdentitySetCheck is the health check every kind runs first: a resource
// reported healthy must have its identity recorded.
func IdentitySetCheck() HealthCheck {
	return HealthCheck{
		Name:     "identity_set",
		Terminal: false,
		Check: func(_ context.Context, cctx *Context) error {
			if cctx.Resource.ExtraString("self_link") == "" || cctx.Resource.ExtraString("self_id") == "" {
				return fmt.Errorf("resource %s has no recorded identity", cctx.Resource.Slug)
			}
			return nil
		},
	}
}
