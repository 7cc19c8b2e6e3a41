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

package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// DesiredState is the operator-declared target for a resource.
type DesiredState string

const (
	DesiredHealthy   DesiredState = "healthy"
	DesiredDeleted   DesiredState = "deleted"
	DesiredUpdated   DesiredState = "updated"
	DesiredUntracked DesiredState = "untracked"
)

// ResourceState is the engine's current belief about a resource. It only
// advances through the event projector; any write of State pairs with a
// StateCause pointing at the event that decided it.
type ResourceState string

const (
	StateNewborn             ResourceState = "newborn"
	StateDependenciesPending ResourceState = "dependencies_pending"
	StateDeclared            ResourceState = "declared"
	StateExists              ResourceState = "exists"
	StateDoesntExist         ResourceState = "doesnt_exist"
	StateHealthy             ResourceState = "healthy"
	StateDeleted             ResourceState = "deleted"
	StateCreationTerminated  ResourceState = "creation_terminated"
	StateDeletionTerminated  ResourceState = "deletion_terminated"
	StateUnknown             ResourceState = "unknown"
)

// Existence and Health are finer-grained last-observed facts, updated
// incidentally by events so monitoring data isn't wasted.
type Existence string

const (
	ExistenceExists      Existence = "exists"
	ExistenceDoesntExist Existence = "doesnt_exist"
	ExistenceUnknown     Existence = "unknown"
)

type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// JSONMap is a jsonb column holding arbitrary keyed data.
type JSONMap map[string]any

// Value and Scan implement driver.Valuer / sql.Scanner for jsonb columns.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return fmt.Errorf("unsupported jsonb source type %T", src)
}

// Resource is one declared cloud object managed by the engine. Rows are never
// hard-deleted; StateDeleted is a terminal sink, the row remains.
type Resource struct {
	ID         string `db:"id" json:"id"`
	Slug       string `db:"slug" json:"slug"`
	SourceSlug string `db:"source_slug" json:"source_slug"`
	Kind       string `db:"kind" json:"kind"`
	ProjectID  string `db:"project_id" json:"project_id"`

	DesiredState DesiredState  `db:"desired_state" json:"desired_state"`
	State        ResourceState `db:"state" json:"state"`
	StateCause   *string       `db:"state_cause" json:"state_cause,omitempty"`

	Existence          Existence  `db:"existence" json:"existence"`
	ExistenceCheckedAt *time.Time `db:"existence_checked_at" json:"existence_checked_at,omitempty"`
	Health             Health     `db:"health" json:"health"`
	HealthCheckedAt    *time.Time `db:"health_checked_at" json:"health_checked_at,omitempty"`
	ResourceCreatedAt  *time.Time `db:"resource_created_at" json:"resource_created_at,omitempty"`

	Labels    JSONMap `db:"labels" json:"labels,omitempty"`
	ExtraData JSONMap `db:"extra_data" json:"extra_data,omitempty"`

	CreationResponse json.RawMessage `db:"creation_response" json:"creation_response,omitempty"`
	ListResponse     json.RawMessage `db:"list_response" json:"list_response,omitempty"`
	GetterResponse   json.RawMessage `db:"getter_response" json:"getter_response,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// ExtraString returns a string-valued extra_data field, or "" when unset.
func (r *Resource) ExtraString(field string) string {
	if r.ExtraData == nil {
		return ""
	}
	s, _ := r.ExtraData[field].(string)
	return s
}

// ExtraBool returns a bool-valued extra_data field, defaulting when unset.
func (r *Resource) ExtraBool(field string, def bool) bool {
	if r.ExtraData == nil {
		return def
	}
	b, ok := r.ExtraData[field].(bool)
	if !ok {
		return def
	}
	return b
}

// Age is the time since the cloud resource was first observed created.
func (r *Resource) Age(now time.Time) (time.Duration, bool) {
	if r.ResourceCreatedAt == nil {
		return 0, false
	}
	return now.Sub(*r.ResourceCreatedAt), true
}

// ResourceDependency is the edge (resource, depends_on, field_name), created
// at ingestion from foreign-reference fields in extra_data. Forward edges gate
// readiness, reverse edges gate pre-deletion.
type ResourceDependency struct {
	ID          string    `db:"id" json:"id"`
	ResourceID  string    `db:"resource_id" json:"resource_id"`
	DependsOnID string    `db:"depends_on_id" json:"depends_on_id"`
	FieldName   string    `db:"field_name" json:"field_name"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

const MaxSlugLength = 47

var slugRegex = regexp.MustCompile(`^[a-z][-a-z0-9]{0,61}[a-z0-9]$`)

// ValidateSlug enforces the DNS-label subset shared by the supported cloud
// providers, capped at 47 characters to leave headroom for derived names.
func ValidateSlug(slug string) error {
	if len(slug) > MaxSlugLength {
		return fmt.Errorf("slug length too long: %d", len(slug))
	}
	if !slugRegex.MatchString(slug) {
		return fmt.Errorf("invalid slug: %q", slug)
	}
	return nil
}
