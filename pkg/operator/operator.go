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

// Package operator wires the engine together: store, broker, checkpoint
// cache, provider registry, phase handlers, task runner and the controller
// loops, plus the admin HTTP surface. Everything downstream receives its
// dependencies from here.
package operator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/broker"
	"github.com/rossrochford/make-it-so/pkg/checkpoint"
	"github.com/rossrochford/make-it-so/pkg/controllers"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/gcp"
	"github.com/rossrochford/make-it-so/pkg/ingest"
	"github.com/rossrochford/make-it-so/pkg/logging"
	"github.com/rossrochford/make-it-so/pkg/operator/options"
	"github.com/rossrochford/make-it-so/pkg/phases"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/firewall"
	"github.com/rossrochford/make-it-so/pkg/providers/instance"
	"github.com/rossrochford/make-it-so/pkg/providers/subnetwork"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
	"github.com/rossrochford/make-it-so/pkg/store"
	"github.com/rossrochford/make-it-so/pkg/tasks"
)

const (
	computeClientTTL     = 30 * time.Minute
	computeClientCleanup = 10 * time.Minute
)

// Operator is the engine with all of its dependencies constructed and
// connected. It is also the dependency container for the CLI commands.
type Operator struct {
	Options  *options.Options
	Store    *store.Postgres
	Broker   *broker.Broker
	Recorder *events.Recorder
	Registry *providers.Registry
	Handlers *phases.Handlers
	Runner   *tasks.Runner
	Ingestor *ingest.Ingestor

	redis   *redis.Client
	clients *cache.Cache
	logger  logr.Logger
}

// NewOperator connects to postgres and redis, runs migrations and builds the
// full dependency graph. The returned context carries the configured logger.
func NewOperator(ctx context.Context, opts *options.Options) (context.Context, *Operator, error) {
	logger := logging.NewLogger(opts.LogLevel)
	ctx = logging.WithLogger(ctx, logger)

	db, err := store.Open(opts.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store, %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("pinging store, %w", err)
	}
	if err := store.Migrate(ctx, db.DB()); err != nil {
		return nil, nil, fmt.Errorf("migrating store, %w", err)
	}

	redisOpts, err := redis.ParseURL(opts.BrokerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing broker URL, %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("pinging broker, %w", err)
	}

	o := &Operator{
		Options: opts,
		Store:   db,
		Broker:  broker.New(client, broker.WithQueue(opts.Queue)),
		Registry: providers.NewRegistry(
			vpcnetwork.NewProvider(),
			subnetwork.NewProvider(),
			firewall.NewProvider(),
			instance.NewProvider(),
		),
		redis:   client,
		clients: cache.New(computeClientTTL, computeClientCleanup),
		logger:  logger,
	}
	o.Recorder = events.NewRecorder(db)
	checkpoints := checkpoint.New(client, checkpoint.WithRecoverer(phases.NewEventLogRecoverer(db)))
	o.Handlers = phases.NewHandlers(db, o.Recorder, checkpoints, o.Registry)
	o.Runner = tasks.NewRunner(db, o.Recorder, o.Broker, o.Handlers, o.computeFactory())
	o.Ingestor = ingest.NewIngestor(db, o.Recorder, o.Registry)
	return ctx, o, nil
}

// computeFactory builds one compute client per project and caches it; a
// project without credentials of its own falls back to the key file named by
// --credentials-file.
func (o *Operator) computeFactory() tasks.ComputeFactory {
	return func(ctx context.Context, project *core.Project) (gcp.ComputeAPI, error) {
		if cached, ok := o.clients.Get(project.ID); ok {
			return cached.(gcp.ComputeAPI), nil
		}
		credentials := project.Credentials
		if len(credentials) == 0 {
			if o.Options.CredentialsFile == "" {
				return nil, fmt.Errorf("project %s has no credentials and no --credentials-file fallback is set", project.Slug)
			}
			var err error
			if credentials, err = ReadCredentialsFile(o.Options.CredentialsFile); err != nil {
				return nil, err
			}
		}
		client, err := gcp.NewClient(ctx, credentials)
		if err != nil {
			return nil, fmt.Errorf("building compute client for project %s, %w", project.Slug, err)
		}
		o.clients.SetDefault(project.ID, client)
		return client, nil
	}
}

// ReadCredentialsFile parses a service account key file into the credentials
// shape stored on project rows.
func ReadCredentialsFile(path string) (core.JSONMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credentials file, %w", err)
	}
	credentials := core.JSONMap{}
	if err := json.Unmarshal(raw, &credentials); err != nil {
		return nil, fmt.Errorf("parsing credentials file %q, %w", path, err)
	}
	return credentials, nil
}

// Start runs the controllers, the worker pool and the admin endpoint until
// the context is cancelled. Cancellation is a clean shutdown, not an error.
func (o *Operator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	clk := clock.RealClock{}

	loops := []controllers.Controller{
		controllers.NewCreation(o.Store,
			controllers.WithInterval(o.Options.CreationInterval),
			controllers.WithBatchSize(o.Options.BatchSize)),
		controllers.NewDispatch(o.Store, o.Recorder, o.Broker, o.Registry,
			controllers.WithInterval(o.Options.DispatchInterval),
			controllers.WithBatchSize(o.Options.BatchSize)),
		controllers.NewReaper(o.Store, o.Recorder),
		controllers.NewMetricsRefresh(o.Store, o.Broker, o.Options.Queue),
	}
	for _, loop := range loops {
		group.Go(func() error { return controllers.Run(ctx, clk, loop) })
	}
	group.Go(func() error {
		return controllers.NewWorker(o.Broker, o.Runner, o.Options.WorkerConcurrency).Start(ctx)
	})
	group.Go(func() error { return o.serveAdmin(ctx) })

	o.logger.Info("operator started", "workers", o.Options.WorkerConcurrency, "admin-port", o.Options.AdminPort)
	if err := group.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *Operator) Close() error {
	redisErr := o.redis.Close()
	if err := o.Store.Close(); err != nil {
		return err
	}
	return redisErr
}
