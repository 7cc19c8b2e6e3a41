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

package options

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/rossrochford/make-it-so/pkg/utils/env"
)

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Connections
	DatabaseURL     string
	BrokerURL       string
	Queue           string
	CredentialsFile string
	// Engine
	WorkerConcurrency int
	CreationInterval  time.Duration
	DispatchInterval  time.Duration
	BatchSize         int
	// Surfaces
	AdminPort  int
	LogLevel   string
	ConfigFile string
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("makeitso", flag.ContinueOnError)
	opts.FlagSet = f

	// Connections
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", "postgres://localhost:5432/makeitso?sslmode=disable"), "The postgres connection URL for the resource and event tables")
	f.StringVar(&opts.BrokerURL, "broker-url", env.WithDefaultString("BROKER_URL", "redis://localhost:6379/0"), "The redis connection URL for the task broker and checkpoint cache")
	f.StringVar(&opts.Queue, "queue", env.WithDefaultString("QUEUE", "transitions"), "The broker queue name transition tasks are published to")
	f.StringVar(&opts.CredentialsFile, "credentials-file", env.WithDefaultString("GOOGLE_APPLICATION_CREDENTIALS", ""), "A service account key file used when a project row carries no credentials of its own")

	// Engine
	f.IntVar(&opts.WorkerConcurrency, "worker-concurrency", env.WithDefaultInt("WORKER_CONCURRENCY", 8), "The number of concurrent task consumers draining the broker")
	f.DurationVar(&opts.CreationInterval, "creation-interval", env.WithDefaultDuration("CREATION_INTERVAL", 10*time.Second), "How often the creation controller scans for resources needing a transition")
	f.DurationVar(&opts.DispatchInterval, "dispatch-interval", env.WithDefaultDuration("DISPATCH_INTERVAL", 12*time.Second), "How often pending transitions are published to the broker")
	f.IntVar(&opts.BatchSize, "batch-size", env.WithDefaultInt("BATCH_SIZE", 500), "The maximum number of rows a controller pass reads from the store")

	// Surfaces
	f.IntVar(&opts.AdminPort, "admin-port", env.WithDefaultInt("ADMIN_PORT", 8080), "The port the admin endpoint binds to for health probes, metrics and debug dumps")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log verbosity, one of debug, info, error")
	f.StringVar(&opts.ConfigFile, "config-file", env.WithDefaultString("CONFIG_FILE", ""), "An optional TOML file whose values fill in flags not set on the command line")
	return opts
}

// MustParse reads the user passed flags, environment variables, config file and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.ApplyConfigFile(); err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

// fileConfig mirrors the Options fields the TOML file may carry. Values only
// land on fields the command line left untouched.
type fileConfig struct {
	DatabaseURL       *string `toml:"database_url"`
	BrokerURL         *string `toml:"broker_url"`
	Queue             *string `toml:"queue"`
	CredentialsFile   *string `toml:"credentials_file"`
	WorkerConcurrency *int    `toml:"worker_concurrency"`
	CreationInterval  *string `toml:"creation_interval"`
	DispatchInterval  *string `toml:"dispatch_interval"`
	BatchSize         *int    `toml:"batch_size"`
	AdminPort         *int    `toml:"admin_port"`
	LogLevel          *string `toml:"log_level"`
}

// ApplyConfigFile overlays values from the TOML config file, when one was
// named, onto flags the command line left untouched.
func (o *Options) ApplyConfigFile() error {
	if o.ConfigFile == "" {
		return nil
	}
	raw, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file, %w", err)
	}
	config := fileConfig{}
	if err := toml.Unmarshal(raw, &config); err != nil {
		return fmt.Errorf("parsing config file %q, %w", o.ConfigFile, err)
	}

	passed := map[string]bool{}
	o.Visit(func(f *flag.Flag) { passed[f.Name] = true })

	setString := func(name string, target *string, value *string) {
		if value != nil && !passed[name] {
			*target = *value
		}
	}
	setInt := func(name string, target *int, value *int) {
		if value != nil && !passed[name] {
			*target = *value
		}
	}
	setDuration := func(name string, target *time.Duration, value *string) error {
		if value == nil || passed[name] {
			return nil
		}
		parsed, err := time.ParseDuration(*value)
		if err != nil {
			return fmt.Errorf("parsing %s in config file, %w", name, err)
		}
		*target = parsed
		return nil
	}

	setString("database-url", &o.DatabaseURL, config.DatabaseURL)
	setString("broker-url", &o.BrokerURL, config.BrokerURL)
	setString("queue", &o.Queue, config.Queue)
	setString("credentials-file", &o.CredentialsFile, config.CredentialsFile)
	setInt("worker-concurrency", &o.WorkerConcurrency, config.WorkerConcurrency)
	setInt("batch-size", &o.BatchSize, config.BatchSize)
	setInt("admin-port", &o.AdminPort, config.AdminPort)
	setString("log-level", &o.LogLevel, config.LogLevel)
	if err := setDuration("creation-interval", &o.CreationInterval, config.CreationInterval); err != nil {
		return err
	}
	return setDuration("dispatch-interval", &o.DispatchInterval, config.DispatchInterval)
}
