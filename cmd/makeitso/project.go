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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/gcp"
	"github.com/rossrochford/make-it-so/pkg/operator"
	"github.com/rossrochford/make-it-so/pkg/store"
)

func newCreateGCPProjectCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "create-gcp-project <project-id>",
		Short: "Create a GCP project via gcloud, mint operator credentials and register it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			credentials, err := gcp.NewGcloud().CreateProject(ctx, args[0])
			if err != nil {
				return err
			}
			return c.upsertGCPProject(cmd, args[0], credentials, nil)
		},
	}
}

func newImportGCPProjectCommand(c *cli) *cobra.Command {
	var credentialsFile string
	cmd := &cobra.Command{
		Use:   "import-gcp-project <project-id>",
		Short: "Register an existing GCP project, minting credentials unless a key file is given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			gcloud := gcp.NewGcloud()

			var credentials core.JSONMap
			var err error
			if credentialsFile != "" {
				credentials, err = operator.ReadCredentialsFile(credentialsFile)
			} else {
				credentials, err = gcloud.ImportProjectCredentials(ctx, args[0])
			}
			if err != nil {
				return err
			}
			described, err := gcloud.DescribeProject(ctx, args[0])
			if err != nil {
				return err
			}
			return c.upsertGCPProject(cmd, args[0], credentials, described)
		},
	}
	cmd.Flags().StringVar(&credentialsFile, "credentials", "", "A service account key file to use instead of minting one")
	return cmd
}

func (c *cli) upsertGCPProject(cmd *cobra.Command, slug string, credentials, providerData core.JSONMap) error {
	ctx := cmd.Context()
	db, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	account, err := db.GetAccountBySlug(ctx, nobodyAccountSlug)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("account %q missing, run init-db first", nobodyAccountSlug)
	}
	if err != nil {
		return err
	}
	if err := db.UpsertProject(ctx, &core.Project{
		Slug:                 slug,
		AccountID:            account.ID,
		ProviderType:         core.ProviderGoogle,
		ProviderSpecificData: providerData,
		Credentials:          credentials,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "project %s registered\n", slug)
	return nil
}
