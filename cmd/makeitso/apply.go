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

	"github.com/spf13/cobra"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/ingest"
)

func newApplyCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "apply <path> [healthy|deleted]",
		Short: "Ingest a declaration document and set the desired state of its resources",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired := core.DesiredHealthy
			if len(args) == 2 {
				switch args[1] {
				case "healthy":
				case "deleted":
					desired = core.DesiredDeleted
				default:
					return fmt.Errorf("desired state must be healthy or deleted, got %q", args[1])
				}
			}

			db, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			ingestor := ingest.NewIngestor(db, events.NewRecorder(db), c.registry())
			ingested, err := ingestor.ApplyFile(cmd.Context(), args[0], desired)
			for _, resource := range ingested {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s -> %s\n",
					resource.Kind, resource.Slug, resource.State, resource.DesiredState)
			}
			return err
		},
	}
}
