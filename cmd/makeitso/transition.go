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

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/providers"
)

// newDoTransitionCommand submits one transition to the broker by hand,
// optionally force-writing its status first. This bypasses the dispatch
// controller's pending-only selection, for unsticking or replaying a
// transition during an incident.
func newDoTransitionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "do-transition <id> [status]",
		Short: "Submit a transition to the broker, optionally forcing its status first",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			queue, err := c.openBroker(ctx)
			if err != nil {
				return err
			}

			transition, err := db.GetTransition(ctx, args[0])
			if err != nil {
				return fmt.Errorf("loading transition %s, %w", args[0], err)
			}
			if len(args) == 2 {
				status := core.TransitionStatus(args[1])
				switch status {
				case core.StatusPending, core.StatusSentToBroker, core.StatusInProgress,
					core.StatusSucceeded, core.StatusFailed:
				default:
					return fmt.Errorf("unknown transition status %q", args[1])
				}
				if err := db.UpdateTransitionStatus(ctx, transition.ID, status, ""); err != nil {
					return fmt.Errorf("forcing status of %s, %w", transition.ID, err)
				}
				transition.Status = status
			}

			resource, err := db.GetResource(ctx, transition.ResourceID)
			if err != nil {
				return fmt.Errorf("loading resource for transition %s, %w", transition.ID, err)
			}
			params := providers.NewBase().RetryParams(transition.Phase)
			if adapter, adapterErr := c.registry().Get(resource.Kind); adapterErr == nil {
				params = adapter.RetryParams(transition.Phase)
			}

			taskID := uuid.NewString()
			if err := db.CreateAttempt(ctx, &core.TransitionAttempt{
				TransitionID: transition.ID,
				TaskID:       taskID,
			}); err != nil {
				return fmt.Errorf("creating attempt, %w", err)
			}
			if err := queue.Enqueue(ctx, &broker.Envelope{
				TaskID:       taskID,
				TransitionID: transition.ID,
				ResourceID:   resource.ID,
				Phase:        string(transition.Phase),
				SoftLimit:    params.SoftLimit(),
				HardLimit:    params.HardLimit(),
			}); err != nil {
				return err
			}
			recorder := events.NewRecorder(db)
			if _, err := recorder.TransitionEvent(ctx, transition.ID,
				core.TransitionEventSentToBroker, "", core.JSONMap{"task_id": taskID}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted transition %s (%s) as task %s\n",
				transition.ID, transition.Phase, taskID)
			return nil
		},
	}
}
