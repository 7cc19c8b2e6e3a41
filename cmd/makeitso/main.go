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

// makeitso is the operator-facing CLI: applying declaration documents,
// bootstrapping the database and provider projects, and poking individual
// transitions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/firewall"
	"github.com/rossrochford/make-it-so/pkg/providers/instance"
	"github.com/rossrochford/make-it-so/pkg/providers/subnetwork"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
	"github.com/rossrochford/make-it-so/pkg/store"
	"github.com/rossrochford/make-it-so/pkg/utils/env"
)

// nobodyAccountSlug owns projects that haven't been assigned to a real
// account yet; init-db seeds it.
const nobodyAccountSlug = "nobody-account"

type cli struct {
	databaseURL string
	brokerURL   string
	queue       string
	logLevel    string
}

func (c *cli) openStore(ctx context.Context) (*store.Postgres, error) {
	db, err := store.Open(c.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store, %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging store, %w", err)
	}
	return db, nil
}

func (c *cli) openBroker(ctx context.Context) (*broker.Broker, error) {
	redisOpts, err := redis.ParseURL(c.brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker URL, %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging broker, %w", err)
	}
	return broker.New(client, broker.WithQueue(c.queue)), nil
}

func (c *cli) registry() *providers.Registry {
	return providers.NewRegistry(
		vpcnetwork.NewProvider(),
		subnetwork.NewProvider(),
		firewall.NewProvider(),
		instance.NewProvider(),
	)
}

func main() {
	c := &cli{}
	root := &cobra.Command{
		Use:           "makeitso",
		Short:         "Declarative cloud-resource reconciler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			ctx := logging.WithLogger(cmd.Context(), logging.NewLogger(c.logLevel))
			cmd.SetContext(ctx)
		},
	}
	root.PersistentFlags().StringVar(&c.databaseURL, "database-url",
		env.WithDefaultString("DATABASE_URL", "postgres://localhost:5432/makeitso?sslmode=disable"),
		"The postgres connection URL")
	root.PersistentFlags().StringVar(&c.brokerURL, "broker-url",
		env.WithDefaultString("BROKER_URL", "redis://localhost:6379/0"),
		"The redis connection URL for the task broker")
	root.PersistentFlags().StringVar(&c.queue, "queue",
		env.WithDefaultString("QUEUE", broker.DefaultQueue),
		"The broker queue name")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level",
		env.WithDefaultString("LOG_LEVEL", "info"),
		"Log verbosity, one of debug, info, error")

	root.AddCommand(
		newApplyCommand(c),
		newDoTransitionCommand(c),
		newInitDBCommand(c),
		newCreateGCPProjectCommand(c),
		newImportGCPProjectCommand(c),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "makeitso: %v\n", err)
		os.Exit(1)
	}
}
