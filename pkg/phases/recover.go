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

package phases

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/store"
)

// EventLogRecoverer answers checkpoint lookups from the event log after the
// Redis entry has expired. A creation_request_succeeded or
// deletion_request_succeeded event attributed to the transition proves the
// step already ran; the recorded provider response stands in for the cached
// result. This keeps long-delayed retries from re-issuing mutations.
type EventLogRecoverer struct {
	store store.Store
}

func NewEventLogRecoverer(s store.Store) *EventLogRecoverer {
	return &EventLogRecoverer{store: s}
}

var recoverableSteps = map[string]core.ResourceEventType{
	"create": core.EventCreationRequestSucceeded,
	"delete": core.EventDeletionRequestSucceeded,
}

func (r *EventLogRecoverer) RecoverCheckpoint(ctx context.Context, transitionID, step string) (json.RawMessage, bool, error) {
	eventType, ok := recoverableSteps[step]
	if !ok {
		return nil, false, nil
	}
	transition, err := r.store.GetTransition(ctx, transitionID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if _, err := r.store.LatestResourceEvent(ctx, transition.ResourceID, transitionID, eventType); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	resource, err := r.store.GetResource(ctx, transition.ResourceID)
	if err != nil {
		return nil, false, err
	}
	response := resource.CreationResponse
	if response == nil {
		response = json.RawMessage(`{}`)
	}
	return response, true, nil
}
