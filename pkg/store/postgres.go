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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	// registers the pgx stdlib driver under "pgx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/utils/rand"
)

// Postgres implements Store over a relational database via sqlx.
type Postgres struct {
	db *sqlx.DB
}

// Open connects to the database named by url (pgx driver) and returns the
// store. The caller owns Close.
func Open(url string) (*Postgres, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening database, %w", err)
	}
	return &Postgres{db: db}, nil
}

// New wraps an existing sqlx handle; used by tests with sqlmock.
func New(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// DB exposes the raw handle for migrations.
func (p *Postgres) DB() *sql.DB {
	return p.db.DB
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func withID(id string) string {
	if id != "" {
		return id
	}
	return rand.ID()
}

// ---- accounts & projects ----

func (p *Postgres) UpsertAccount(ctx context.Context, account *core.Account) error {
	account.ID = withID(account.ID)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO accounts (id, slug, name)
		VALUES (:id, :slug, :name)
		ON CONFLICT (slug) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
		account)
	if err != nil {
		return fmt.Errorf("upserting account %s, %w", account.Slug, err)
	}
	return nil
}

func (p *Postgres) GetAccountBySlug(ctx context.Context, slug string) (*core.Account, error) {
	account := &core.Account{}
	err := p.db.GetContext(ctx, account, `SELECT * FROM accounts WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return account, err
}

func (p *Postgres) UpsertProject(ctx context.Context, project *core.Project) error {
	project.ID = withID(project.ID)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO projects (id, slug, account_id, provider_type, provider_specific_data, credentials)
		VALUES (:id, :slug, :account_id, :provider_type, :provider_specific_data, :credentials)
		ON CONFLICT (slug, provider_type) DO UPDATE SET
			provider_specific_data = EXCLUDED.provider_specific_data,
			credentials = EXCLUDED.credentials,
			updated_at = now()`,
		project)
	if err != nil {
		return fmt.Errorf("upserting project %s, %w", project.Slug, err)
	}
	return nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (*core.Project, error) {
	project := &core.Project{}
	err := p.db.GetContext(ctx, project, `SELECT * FROM projects WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return project, err
}

func (p *Postgres) GetProjectBySlug(ctx context.Context, slug string, provider core.ProviderType) (*core.Project, error) {
	project := &core.Project{}
	err := p.db.GetContext(ctx, project,
		`SELECT * FROM projects WHERE slug = $1 AND provider_type = $2`, slug, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return project, err
}

// ---- resources ----

func (p *Postgres) GetResource(ctx context.Context, id string) (*core.Resource, error) {
	resource := &core.Resource{}
	err := p.db.GetContext(ctx, resource, `SELECT * FROM resources WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return resource, err
}

func (p *Postgres) EnsureResource(ctx context.Context, resource *core.Resource) (bool, *core.Resource, error) {
	existing := &core.Resource{}
	var err error
	if resource.SourceSlug != "" {
		err = p.db.GetContext(ctx, existing,
			`SELECT * FROM resources WHERE source_slug = $1 AND project_id = $2`,
			resource.SourceSlug, resource.ProjectID)
	} else {
		err = p.db.GetContext(ctx, existing,
			`SELECT * FROM resources WHERE slug = $1 AND kind = $2 AND project_id = $3`,
			resource.Slug, resource.Kind, resource.ProjectID)
	}
	if err == nil {
		return false, existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, nil, fmt.Errorf("looking up resource %s, %w", resource.Slug, err)
	}

	resource.ID = withID(resource.ID)
	if resource.State == "" {
		resource.State = core.StateNewborn
	}
	if resource.Existence == "" {
		resource.Existence = core.ExistenceUnknown
	}
	if resource.Health == "" {
		resource.Health = core.HealthUnknown
	}
	_, err = p.db.NamedExecContext(ctx, `
		INSERT INTO resources (id, slug, source_slug, kind, project_id, desired_state,
			state, existence, health, labels, extra_data)
		VALUES (:id, :slug, :source_slug, :kind, :project_id, :desired_state,
			:state, :existence, :health, :labels, :extra_data)`,
		resource)
	if err != nil {
		return false, nil, fmt.Errorf("inserting resource %s, %w", resource.Slug, err)
	}
	return true, resource, nil
}

func (p *Postgres) UpdateResourceSpec(ctx context.Context, resource *core.Resource) error {
	_, err := p.db.NamedExecContext(ctx, `
		UPDATE resources SET slug = :slug, labels = :labels, extra_data = :extra_data,
			updated_at = now()
		WHERE id = :id`,
		resource)
	if err != nil {
		return fmt.Errorf("updating resource spec %s, %w", resource.ID, err)
	}
	return nil
}

func (p *Postgres) SetDesiredState(ctx context.Context, id string, desired core.DesiredState) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE resources SET desired_state = $2, updated_at = now() WHERE id = $1`, id, desired)
	return err
}

func (p *Postgres) UpdateResourceState(ctx context.Context, id string, state core.ResourceState, causeEventID string) error {
	// last-write-wins; ordering is linearized by event timestamps
	_, err := p.db.ExecContext(ctx,
		`UPDATE resources SET state = $2, state_cause = $3, updated_at = now() WHERE id = $1`,
		id, state, causeEventID)
	return err
}

func (p *Postgres) UpdateResourceObservations(ctx context.Context, id string, obs Observations) error {
	if obs.Existence != nil {
		if _, err := p.db.ExecContext(ctx,
			`UPDATE resources SET existence = $2, existence_checked_at = $3, updated_at = now() WHERE id = $1`,
			id, *obs.Existence, obs.CheckedAt); err != nil {
			return err
		}
	}
	if obs.Health != nil {
		if _, err := p.db.ExecContext(ctx,
			`UPDATE resources SET health = $2, health_checked_at = $3, updated_at = now() WHERE id = $1`,
			id, *obs.Health, obs.CheckedAt); err != nil {
			return err
		}
	}
	if obs.ResourceCreatedAt != nil {
		if _, err := p.db.ExecContext(ctx,
			`UPDATE resources SET resource_created_at = $2, updated_at = now()
			 WHERE id = $1 AND resource_created_at IS NULL`,
			id, *obs.ResourceCreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) UpdateResourceExtraData(ctx context.Context, id string, extra core.JSONMap) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE resources SET extra_data = $2, updated_at = now() WHERE id = $1`, id, extra)
	return err
}

func (p *Postgres) SaveResourceResponse(ctx context.Context, id string, field ResponseField, response json.RawMessage) error {
	var query string
	switch field {
	case CreationResponseField:
		query = `UPDATE resources SET creation_response = $2, updated_at = now() WHERE id = $1`
	case ListResponseField:
		query = `UPDATE resources SET list_response = $2, updated_at = now() WHERE id = $1`
	case GetterResponseField:
		query = `UPDATE resources SET getter_response = $2, updated_at = now() WHERE id = $1`
	default:
		return fmt.Errorf("unknown response field %q", field)
	}
	_, err := p.db.ExecContext(ctx, query, id, []byte(response))
	return err
}

func (p *Postgres) ListResourcesAwaitingTransition(ctx context.Context, desired core.DesiredState, excludeStates []core.ResourceState, limit int) ([]*core.Resource, error) {
	query, args, err := sqlx.In(`
		SELECT * FROM resources
		WHERE desired_state = ? AND state NOT IN (?)
		  AND NOT EXISTS (
			SELECT 1 FROM transitions t
			WHERE t.resource_id = resources.id
			  AND t.status NOT IN ('succeeded', 'failed'))
		ORDER BY created_at
		LIMIT ?`, desired, excludeStates, limit)
	if err != nil {
		return nil, err
	}
	resources := []*core.Resource{}
	if err := p.db.SelectContext(ctx, &resources, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing resources awaiting transition, %w", err)
	}
	return resources, nil
}

func (p *Postgres) ListResources(ctx context.Context, limit int) ([]*core.Resource, error) {
	resources := []*core.Resource{}
	err := p.db.SelectContext(ctx, &resources,
		`SELECT * FROM resources ORDER BY created_at LIMIT $1`, limit)
	return resources, err
}

// ---- dependency edges ----

func (p *Postgres) EnsureDependency(ctx context.Context, resourceID, dependsOnID, fieldName string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resource_dependencies (id, resource_id, depends_on_id, field_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (resource_id, depends_on_id, field_name) DO NOTHING`,
		rand.ID(), resourceID, dependsOnID, fieldName)
	return err
}

func (p *Postgres) ListDependencies(ctx context.Context, resourceID string) ([]*core.Resource, error) {
	resources := []*core.Resource{}
	err := p.db.SelectContext(ctx, &resources, `
		SELECT r.* FROM resources r
		JOIN resource_dependencies d ON d.depends_on_id = r.id
		WHERE d.resource_id = $1`, resourceID)
	return resources, err
}

func (p *Postgres) ListDependents(ctx context.Context, resourceID string) ([]*core.Resource, error) {
	resources := []*core.Resource{}
	err := p.db.SelectContext(ctx, &resources, `
		SELECT r.* FROM resources r
		JOIN resource_dependencies d ON d.resource_id = r.id
		WHERE d.depends_on_id = $1`, resourceID)
	return resources, err
}

// ---- transitions ----

func (p *Postgres) EnsureTransition(ctx context.Context, transition *core.Transition) (bool, *core.Transition, error) {
	transition.ID = withID(transition.ID)
	if transition.Status == "" {
		transition.Status = core.StatusPending
	}
	res, err := p.db.NamedExecContext(ctx, `
		INSERT INTO transitions (id, resource_id, phase, status, update_type, extra_task_kwargs, previous_transition_id)
		VALUES (:id, :resource_id, :phase, :status, :update_type, :extra_task_kwargs, :previous_transition_id)
		ON CONFLICT (resource_id, phase) WHERE status NOT IN ('succeeded', 'failed') DO NOTHING`,
		transition)
	if err != nil {
		return false, nil, fmt.Errorf("inserting transition, %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, transition, nil
	}
	existing := &core.Transition{}
	err = p.db.GetContext(ctx, existing, `
		SELECT * FROM transitions
		WHERE resource_id = $1 AND phase = $2 AND status NOT IN ('succeeded', 'failed')`,
		transition.ResourceID, transition.Phase)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil, ErrNotFound
	}
	return false, existing, err
}

func (p *Postgres) GetTransition(ctx context.Context, id string) (*core.Transition, error) {
	transition := &core.Transition{}
	err := p.db.GetContext(ctx, transition, `SELECT * FROM transitions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return transition, err
}

func (p *Postgres) ListPendingTransitions(ctx context.Context, limit int) ([]*core.Transition, error) {
	transitions := []*core.Transition{}
	err := p.db.SelectContext(ctx, &transitions,
		`SELECT * FROM transitions WHERE status = 'pending' ORDER BY created_at LIMIT $1`, limit)
	return transitions, err
}

func (p *Postgres) UpdateTransitionStatus(ctx context.Context, id string, status core.TransitionStatus, causeEventID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE transitions SET status = $2, status_cause = $3, updated_at = now() WHERE id = $1`,
		id, status, causeEventID)
	return err
}

// ---- attempts ----

func (p *Postgres) CreateAttempt(ctx context.Context, attempt *core.TransitionAttempt) error {
	attempt.ID = withID(attempt.ID)
	if attempt.State == "" {
		attempt.State = core.AttemptQueued
	}
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO transition_attempts (id, transition_id, task_id, attempt_index, is_duplicate, rescheduled, state)
		VALUES (:id, :transition_id, :task_id, :attempt_index, :is_duplicate, :rescheduled, :state)`,
		attempt)
	if err != nil {
		return fmt.Errorf("inserting attempt, %w", err)
	}
	return nil
}

func (p *Postgres) GetAttemptByTaskID(ctx context.Context, taskID string) (*core.TransitionAttempt, error) {
	attempt := &core.TransitionAttempt{}
	err := p.db.GetContext(ctx, attempt, `SELECT * FROM transition_attempts WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return attempt, err
}

func (p *Postgres) UpdateAttemptState(ctx context.Context, taskID string, state core.AttemptState) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE transition_attempts SET state = $2, updated_at = now() WHERE task_id = $1`, taskID, state)
	return err
}

func (p *Postgres) ListFailedAttemptsOnLiveTransitions(ctx context.Context, limit int) ([]*core.TransitionAttempt, error) {
	attempts := []*core.TransitionAttempt{}
	err := p.db.SelectContext(ctx, &attempts, `
		SELECT a.* FROM transition_attempts a
		JOIN transitions t ON t.id = a.transition_id
		WHERE a.state = 'failed' AND t.status != 'failed'
		ORDER BY a.updated_at
		LIMIT $1`, limit)
	return attempts, err
}

// ---- event log ----

func (p *Postgres) InsertResourceEvent(ctx context.Context, event *core.ResourceEvent) error {
	event.ID = withID(event.ID)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO resource_events (id, event_type, reason, extra_info, resource_id, transition_id, state_decision)
		VALUES (:id, :event_type, :reason, :extra_info, :resource_id, :transition_id, :state_decision)`,
		event)
	if err != nil {
		return fmt.Errorf("inserting resource event %s, %w", event.Type, err)
	}
	return nil
}

func (p *Postgres) InsertTransitionEvent(ctx context.Context, event *core.TransitionEvent) error {
	event.ID = withID(event.ID)
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO transition_events (id, event_type, reason, extra_info, transition_id, status_decision)
		VALUES (:id, :event_type, :reason, :extra_info, :transition_id, :status_decision)`,
		event)
	if err != nil {
		return fmt.Errorf("inserting transition event %s, %w", event.Type, err)
	}
	return nil
}

func (p *Postgres) GetResourceEvent(ctx context.Context, id string) (*core.ResourceEvent, error) {
	event := &core.ResourceEvent{}
	err := p.db.GetContext(ctx, event, `SELECT * FROM resource_events WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

func (p *Postgres) LatestResourceEvent(ctx context.Context, resourceID, transitionID string, eventType core.ResourceEventType) (*core.ResourceEvent, error) {
	event := &core.ResourceEvent{}
	err := p.db.GetContext(ctx, event, `
		SELECT * FROM resource_events
		WHERE resource_id = $1 AND transition_id = $2 AND event_type = $3
		ORDER BY created_at DESC LIMIT 1`,
		resourceID, transitionID, eventType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

func (p *Postgres) ListResourceEvents(ctx context.Context, resourceID string) ([]*core.ResourceEvent, error) {
	events := []*core.ResourceEvent{}
	err := p.db.SelectContext(ctx, &events,
		`SELECT * FROM resource_events WHERE resource_id = $1 ORDER BY created_at`, resourceID)
	return events, err
}

// ---- aggregates ----

func (p *Postgres) CountResourcesByState(ctx context.Context) ([]StateCount, error) {
	counts := []StateCount{}
	err := p.db.SelectContext(ctx, &counts,
		`SELECT state, kind, count(*) AS count FROM resources GROUP BY state, kind`)
	return counts, err
}

func (p *Postgres) CountTransitionsByStatus(ctx context.Context) ([]StatusCount, error) {
	counts := []StatusCount{}
	err := p.db.SelectContext(ctx, &counts,
		`SELECT status, phase, count(*) AS count FROM transitions GROUP BY status, phase`)
	return counts, err
}
