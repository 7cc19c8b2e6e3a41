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
	"sort"
	"sync"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/store"
	"github.com/rossrochford/make-it-so/pkg/utils/rand"
)

// Store is an in-memory store.Store for engine tests. Rows are deep-copied on
// the way in and out so tests can't mutate shared state by accident.
type Store struct {
	mu sync.RWMutex

	accounts     map[string]*core.Account
	projects     map[string]*core.Project
	resources    map[string]*core.Resource
	dependencies []*core.ResourceDependency
	transitions  map[string]*core.Transition
	attempts     map[string]*core.TransitionAttempt

	resourceEvents   []*core.ResourceEvent
	transitionEvents []*core.TransitionEvent

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		accounts:    map[string]*core.Account{},
		projects:    map[string]*core.Project{},
		resources:   map[string]*core.Resource{},
		transitions: map[string]*core.Transition{},
		attempts:    map[string]*core.TransitionAttempt{},
		now:         time.Now,
	}
}

func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = map[string]*core.Account{}
	s.projects = map[string]*core.Project{}
	s.resources = map[string]*core.Resource{}
	s.dependencies = nil
	s.transitions = map[string]*core.Transition{}
	s.attempts = map[string]*core.TransitionAttempt{}
	s.resourceEvents = nil
	s.transitionEvents = nil
}

func (s *Store) UpsertAccount(_ context.Context, account *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.accounts {
		if existing.Slug == account.Slug {
			account.ID = existing.ID
			break
		}
	}
	if account.ID == "" {
		account.ID = rand.ID()
	}
	s.accounts[account.ID] = clone(account)
	return nil
}

func (s *Store) GetAccountBySlug(_ context.Context, slug string) (*core.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, account := range s.accounts {
		if account.Slug == slug {
			return clone(account), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpsertProject(_ context.Context, project *core.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID == "" {
		project.ID = rand.ID()
	}
	s.projects[project.ID] = clone(project)
	return nil
}

func (s *Store) GetProject(_ context.Context, id string) (*core.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(project), nil
}

func (s *Store) GetProjectBySlug(_ context.Context, slug string, provider core.ProviderType) (*core.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, project := range s.projects {
		if project.Slug == slug && project.ProviderType == provider {
			return clone(project), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetResource(_ context.Context, id string) (*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resource, ok := s.resources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(resource), nil
}

func (s *Store) EnsureResource(_ context.Context, resource *core.Resource) (bool, *core.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.resources {
		if resource.SourceSlug != "" {
			if existing.SourceSlug == resource.SourceSlug && existing.ProjectID == resource.ProjectID {
				return false, clone(existing), nil
			}
			continue
		}
		if existing.Slug == resource.Slug && existing.Kind == resource.Kind && existing.ProjectID == resource.ProjectID {
			return false, clone(existing), nil
		}
	}
	if resource.ID == "" {
		resource.ID = rand.ID()
	}
	if resource.State == "" {
		resource.State = core.StateNewborn
	}
	if resource.Existence == "" {
		resource.Existence = core.ExistenceUnknown
	}
	if resource.Health == "" {
		resource.Health = core.HealthUnknown
	}
	resource.CreatedAt = s.now()
	s.resources[resource.ID] = clone(resource)
	return true, clone(resource), nil
}

func (s *Store) UpdateResourceSpec(_ context.Context, resource *core.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.resources[resource.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Slug = resource.Slug
	existing.Labels = resource.Labels
	existing.ExtraData = resource.ExtraData
	return nil
}

func (s *Store) SetDesiredState(_ context.Context, id string, desired core.DesiredState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.resources[id]
	if !ok {
		return store.ErrNotFound
	}
	resource.DesiredState = desired
	return nil
}

func (s *Store) UpdateResourceState(_ context.Context, id string, state core.ResourceState, causeEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.resources[id]
	if !ok {
		return store.ErrNotFound
	}
	resource.State = state
	resource.StateCause = &causeEventID
	return nil
}

func (s *Store) UpdateResourceObservations(_ context.Context, id string, obs store.Observations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.resources[id]
	if !ok {
		return store.ErrNotFound
	}
	checkedAt := obs.CheckedAt
	if obs.Existence != nil {
		resource.Existence = *obs.Existence
		resource.ExistenceCheckedAt = &checkedAt
	}
	if obs.Health != nil {
		resource.Health = *obs.Health
		resource.HealthCheckedAt = &checkedAt
	}
	if obs.ResourceCreatedAt != nil && resource.ResourceCreatedAt == nil {
		resource.ResourceCreatedAt = obs.ResourceCreatedAt
	}
	return nil
}

func (s *Store) UpdateResourceExtraData(_ context.Context, id string, extra core.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.resources[id]
	if !ok {
		return store.ErrNotFound
	}
	resource.ExtraData = extra
	return nil
}

func (s *Store) SaveResourceResponse(_ context.Context, id string, field store.ResponseField, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	resource, ok := s.resources[id]
	if !ok {
		return store.ErrNotFound
	}
	switch field {
	case store.CreationResponseField:
		resource.CreationResponse = response
	case store.ListResponseField:
		resource.ListResponse = response
	case store.GetterResponseField:
		resource.GetterResponse = response
	}
	return nil
}

func (s *Store) ListResourcesAwaitingTransition(_ context.Context, desired core.DesiredState, excludeStates []core.ResourceState, limit int) ([]*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	excluded := map[core.ResourceState]bool{}
	for _, state := range excludeStates {
		excluded[state] = true
	}
	live := map[string]bool{}
	for _, transition := range s.transitions {
		if !transition.Status.Terminal() {
			live[transition.ResourceID] = true
		}
	}
	matches := []*core.Resource{}
	for _, resource := range s.resources {
		if resource.DesiredState != desired || excluded[resource.State] || live[resource.ID] {
			continue
		}
		matches = append(matches, clone(resource))
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.Before(matches[j].CreatedAt) })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) ListResources(_ context.Context, limit int) ([]*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resources := []*core.Resource{}
	for _, resource := range s.resources {
		resources = append(resources, clone(resource))
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].CreatedAt.Before(resources[j].CreatedAt) })
	if len(resources) > limit {
		resources = resources[:limit]
	}
	return resources, nil
}

func (s *Store) EnsureDependency(_ context.Context, resourceID, dependsOnID, fieldName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, edge := range s.dependencies {
		if edge.ResourceID == resourceID && edge.DependsOnID == dependsOnID && edge.FieldName == fieldName {
			return nil
		}
	}
	s.dependencies = append(s.dependencies, &core.ResourceDependency{
		ID: rand.ID(), ResourceID: resourceID, DependsOnID: dependsOnID, FieldName: fieldName,
	})
	return nil
}

func (s *Store) ListDependencies(_ context.Context, resourceID string) ([]*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resources := []*core.Resource{}
	for _, edge := range s.dependencies {
		if edge.ResourceID == resourceID {
			if resource, ok := s.resources[edge.DependsOnID]; ok {
				resources = append(resources, clone(resource))
			}
		}
	}
	return resources, nil
}

func (s *Store) ListDependents(_ context.Context, resourceID string) ([]*core.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resources := []*core.Resource{}
	for _, edge := range s.dependencies {
		if edge.DependsOnID == resourceID {
			if resource, ok := s.resources[edge.ResourceID]; ok {
				resources = append(resources, clone(resource))
			}
		}
	}
	return resources, nil
}

func (s *Store) EnsureTransition(_ context.Context, transition *core.Transition) (bool, *core.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.transitions {
		if existing.ResourceID == transition.ResourceID && existing.Phase == transition.Phase && !existing.Status.Terminal() {
			return false, clone(existing), nil
		}
	}
	if transition.ID == "" {
		transition.ID = rand.ID()
	}
	if transition.Status == "" {
		transition.Status = core.StatusPending
	}
	transition.CreatedAt = s.now()
	s.transitions[transition.ID] = clone(transition)
	return true, clone(transition), nil
}

func (s *Store) GetTransition(_ context.Context, id string) (*core.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transition, ok := s.transitions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(transition), nil
}

func (s *Store) ListPendingTransitions(_ context.Context, limit int) ([]*core.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	transitions := []*core.Transition{}
	for _, transition := range s.transitions {
		if transition.Status == core.StatusPending {
			transitions = append(transitions, clone(transition))
		}
	}
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].CreatedAt.Before(transitions[j].CreatedAt) })
	if len(transitions) > limit {
		transitions = transitions[:limit]
	}
	return transitions, nil
}

func (s *Store) UpdateTransitionStatus(_ context.Context, id string, status core.TransitionStatus, causeEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	transition, ok := s.transitions[id]
	if !ok {
		return store.ErrNotFound
	}
	transition.Status = status
	transition.StatusCause = &causeEventID
	return nil
}

func (s *Store) CreateAttempt(_ context.Context, attempt *core.TransitionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt.ID == "" {
		attempt.ID = rand.ID()
	}
	if attempt.State == "" {
		attempt.State = core.AttemptQueued
	}
	attempt.CreatedAt = s.now()
	s.attempts[attempt.TaskID] = clone(attempt)
	return nil
}

func (s *Store) GetAttemptByTaskID(_ context.Context, taskID string) (*core.TransitionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(attempt), nil
}

func (s *Store) UpdateAttemptState(_ context.Context, taskID string, state core.AttemptState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[taskID]
	if !ok {
		return store.ErrNotFound
	}
	attempt.State = state
	attempt.UpdatedAt = s.now()
	return nil
}

func (s *Store) ListFailedAttemptsOnLiveTransitions(_ context.Context, limit int) ([]*core.TransitionAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := []*core.TransitionAttempt{}
	for _, attempt := range s.attempts {
		if attempt.State != core.AttemptFailed {
			continue
		}
		transition, ok := s.transitions[attempt.TransitionID]
		if !ok || transition.Status == core.StatusFailed {
			continue
		}
		attempts = append(attempts, clone(attempt))
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].CreatedAt.Before(attempts[j].CreatedAt) })
	if len(attempts) > limit {
		attempts = attempts[:limit]
	}
	return attempts, nil
}

func (s *Store) InsertResourceEvent(_ context.Context, event *core.ResourceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = rand.ID()
	}
	event.CreatedAt = s.now()
	s.resourceEvents = append(s.resourceEvents, clone(event))
	return nil
}

func (s *Store) InsertTransitionEvent(_ context.Context, event *core.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = rand.ID()
	}
	event.CreatedAt = s.now()
	s.transitionEvents = append(s.transitionEvents, clone(event))
	return nil
}

func (s *Store) GetResourceEvent(_ context.Context, id string) (*core.ResourceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, event := range s.resourceEvents {
		if event.ID == id {
			return clone(event), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) LatestResourceEvent(_ context.Context, resourceID, transitionID string, eventType core.ResourceEventType) (*core.ResourceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.resourceEvents) - 1; i >= 0; i-- {
		event := s.resourceEvents[i]
		if event.ResourceID != resourceID || event.Type != eventType {
			continue
		}
		if event.TransitionID == nil || *event.TransitionID != transitionID {
			continue
		}
		return clone(event), nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListResourceEvents(_ context.Context, resourceID string) ([]*core.ResourceEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := []*core.ResourceEvent{}
	for _, event := range s.resourceEvents {
		if event.ResourceID == resourceID {
			events = append(events, clone(event))
		}
	}
	return events, nil
}

// ListTransitionEvents is test-only visibility into the log; the production
// store doesn't need it.
func (s *Store) ListTransitionEvents(transitionID string) []*core.TransitionEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := []*core.TransitionEvent{}
	for _, event := range s.transitionEvents {
		if event.TransitionID == transitionID {
			events = append(events, clone(event))
		}
	}
	return events
}

func (s *Store) CountResourcesByState(_ context.Context) ([]store.StateCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[[2]string]int{}
	for _, resource := range s.resources {
		counts[[2]string{string(resource.State), resource.Kind}]++
	}
	out := []store.StateCount{}
	for key, count := range counts {
		out = append(out, store.StateCount{State: core.ResourceState(key[0]), Kind: key[1], Count: count})
	}
	return out, nil
}

func (s *Store) CountTransitionsByStatus(_ context.Context) ([]store.StatusCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := map[[2]string]int{}
	for _, transition := range s.transitions {
		counts[[2]string{string(transition.Status), string(transition.Phase)}]++
	}
	out := []store.StatusCount{}
	for key, count := range counts {
		out = append(out, store.StatusCount{Status: core.TransitionStatus(key[0]), Phase: core.Phase(key[1]), Count: count})
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}
