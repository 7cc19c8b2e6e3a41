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
	"github.com/rossrochford/make-it-so/pkg/store"
)

func newInitDBCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init-db",
		Short: "Run migrations and seed the fallback account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, err := c.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := store.Migrate(ctx, db.DB()); err != nil {
				return fmt.Errorf("migrating, %w", err)
			}
			if err := db.UpsertAccount(ctx, &core.Account{
				Slug: nobodyAccountSlug,
				Name: "Unassigned projects",
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "database initialized")
			return nil
		},
	}
}
