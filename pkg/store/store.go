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

// Package store persists the engine's entities. The Postgres implementation
// is the production backend; pkg/fake carries an in-memory implementation for
// engine tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
)

// ErrNotFound is returned when a requested row doesn't exist.
var ErrNotFound = errors.New("not found")

// ResponseField selects which raw provider response column to update.
type ResponseField string

const (
	CreationResponseField ResponseField = "creation_response"
	ListResponseField     ResponseField = "list_response"
	GetterResponseField   ResponseField = "getter_response"
)

// Observations carries the incidental existence/health facts an event updates
// regardless of whether it projects a state change. Nil fields are left
// untouched.
type Observations struct {
	Existence         *core.Existence
	Health            *core.Health
	ResourceCreatedAt *time.Time
	CheckedAt         time.Time
}

// StateCount aggregates resources for the metrics controller.
type StateCount struct {
	State core.ResourceState `db:"state"`
	Kind  string             `db:"kind"`
	Count int                `db:"count"`
}

// StatusCount aggregates transitions for the metrics controller.
type StatusCount struct {
	Status core.TransitionStatus `db:"status"`
	Phase  core.Phase            `db:"phase"`
	Count  int                   `db:"count"`
}

// Store is the persistence surface the engine runs against.
type Store interface {
	// Accounts and projects.
	UpsertAccount(ctx context.Context, account *core.Account) error
	GetAccountBySlug(ctx context.Context, slug string) (*core.Account, error)
	UpsertProject(ctx context.Context, project *core.Project) error
	GetProject(ctx context.Context, id string) (*core.Project, error)
	GetProjectBySlug(ctx context.Context, slug string, provider core.ProviderType) (*core.Project, error)

	// Resources. EnsureResource is get-or-create keyed by
	// (source_slug, project) falling back to (slug, kind, project).
	GetResource(ctx context.Context, id string) (*core.Resource, error)
	EnsureResource(ctx context.Context, resource *core.Resource) (bool, *core.Resource, error)
	UpdateResourceSpec(ctx context.Context, resource *core.Resource) error
	SetDesiredState(ctx context.Context, id string, desired core.DesiredState) error
	UpdateResourceState(ctx context.Context, id string, state core.ResourceState, causeEventID string) error
	UpdateResourceObservations(ctx context.Context, id string, obs Observations) error
	UpdateResourceExtraData(ctx context.Context, id string, extra core.JSONMap) error
	SaveResourceResponse(ctx context.Context, id string, field ResponseField, response json.RawMessage) error
	ListResourcesAwaitingTransition(ctx context.Context, desired core.DesiredState, excludeStates []core.ResourceState, limit int) ([]*core.Resource, error)
	ListResources(ctx context.Context, limit int) ([]*core.Resource, error)

	// Dependency edges.
	EnsureDependency(ctx context.Context, resourceID, dependsOnID, fieldName string) error
	ListDependencies(ctx context.Context, resourceID string) ([]*core.Resource, error)
	ListDependents(ctx context.Context, resourceID string) ([]*core.Resource, error)

	// Transitions. EnsureTransition is get-or-create on the partial unique
	// index over (resource, phase) with a non-terminal status.
	EnsureTransition(ctx context.Context, transition *core.Transition) (bool, *core.Transition, error)
	GetTransition(ctx context.Context, id string) (*core.Transition, error)
	ListPendingTransitions(ctx context.Context, limit int) ([]*core.Transition, error)
	UpdateTransitionStatus(ctx context.Context, id string, status core.TransitionStatus, causeEventID string) error

	// Attempts.
	CreateAttempt(ctx context.Context, attempt *core.TransitionAttempt) error
	GetAttemptByTaskID(ctx context.Context, taskID string) (*core.TransitionAttempt, error)
	UpdateAttemptState(ctx context.Context, taskID string, state core.AttemptState) error
	ListFailedAttemptsOnLiveTransitions(ctx context.Context, limit int) ([]*core.TransitionAttempt, error)

	// Event log.
	InsertResourceEvent(ctx context.Context, event *core.ResourceEvent) error
	InsertTransitionEvent(ctx context.Context, event *core.TransitionEvent) error
	GetResourceEvent(ctx context.Context, id string) (*core.ResourceEvent, error)
	LatestResourceEvent(ctx context.Context, resourceID, transitionID string, eventType core.ResourceEventType) (*core.ResourceEvent, error)
	ListResourceEvents(ctx context.Context, resourceID string) ([]*core.ResourceEvent, error)

	// Aggregates for the metrics controller.
	CountResourcesByState(ctx context.Context) ([]StateCount, error)
	CountTransitionsByStatus(ctx context.Context) ([]StatusCount, error)

	Ping(ctx context.Context) error
}
