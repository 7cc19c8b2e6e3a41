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

package options_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rossrochford/make-it-so/pkg/operator/options"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var environmentVariables = []string{
	"DATABASE_URL",
	"BROKER_URL",
	"QUEUE",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"WORKER_CONCURRENCY",
	"CREATION_INTERVAL",
	"DISPATCH_INTERVAL",
	"BATCH_SIZE",
	"ADMIN_PORT",
	"LOG_LEVEL",
	"CONFIG_FILE",
}

var _ = Describe("Options", func() {
	var envState map[string]string

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			if val, ok := os.LookupEnv(ev); ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
	})
	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	It("should fill in defaults when nothing is passed", func() {
		opts := options.New()
		Expect(opts.Parse(nil)).To(Succeed())
		Expect(opts.Validate()).To(Succeed())
		Expect(opts.DatabaseURL).To(ContainSubstring("postgres://"))
		Expect(opts.BrokerURL).To(Equal("redis://localhost:6379/0"))
		Expect(opts.WorkerConcurrency).To(Equal(8))
		Expect(opts.CreationInterval).To(Equal(10 * time.Second))
		Expect(opts.DispatchInterval).To(Equal(12 * time.Second))
		Expect(opts.BatchSize).To(Equal(500))
		Expect(opts.AdminPort).To(Equal(8080))
		Expect(opts.LogLevel).To(Equal("info"))
	})
	It("should prefer CLI flags over environment variables", func() {
		os.Setenv("BROKER_URL", "redis://env-host:6379/1")
		os.Setenv("WORKER_CONCURRENCY", "2")
		opts := options.New()
		Expect(opts.Parse([]string{"--broker-url", "redis://flag-host:6379/0"})).To(Succeed())
		Expect(opts.BrokerURL).To(Equal("redis://flag-host:6379/0"))
		Expect(opts.WorkerConcurrency).To(Equal(2))
	})
	It("should fail validation on a malformed broker URL", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--broker-url", "not-a-url"})).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("BROKER_URL")))
	})
	It("should fail validation on an unknown log level", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--log-level", "verbose"})).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("log-level")))
	})
	It("should fail validation when worker concurrency is zero", func() {
		opts := options.New()
		Expect(opts.Parse([]string{"--worker-concurrency", "0"})).To(Succeed())
		Expect(opts.Validate()).To(MatchError(ContainSubstring("worker-concurrency")))
	})
})

var _ = Describe("ConfigFile", func() {
	writeConfig := func(src string) string {
		path := filepath.Join(GinkgoT().TempDir(), "makeitso.toml")
		Expect(os.WriteFile(path, []byte(src), 0o600)).To(Succeed())
		return path
	}

	It("should fill in flags the command line left untouched", func() {
		path := writeConfig(`
database_url = "postgres://config-host:5432/makeitso"
worker_concurrency = 3
dispatch_interval = "30s"
`)
		opts := options.New()
		Expect(opts.Parse([]string{"--config-file", path})).To(Succeed())
		Expect(opts.ApplyConfigFile()).To(Succeed())
		Expect(opts.DatabaseURL).To(Equal("postgres://config-host:5432/makeitso"))
		Expect(opts.WorkerConcurrency).To(Equal(3))
		Expect(opts.DispatchInterval).To(Equal(30 * time.Second))
	})
	It("should not overwrite flags passed on the command line", func() {
		path := writeConfig(`worker_concurrency = 3`)
		opts := options.New()
		Expect(opts.Parse([]string{"--config-file", path, "--worker-concurrency", "12"})).To(Succeed())
		Expect(opts.ApplyConfigFile()).To(Succeed())
		Expect(opts.WorkerConcurrency).To(Equal(12))
	})
	It("should reject a malformed duration", func() {
		path := writeConfig(`creation_interval = "soon"`)
		opts := options.New()
		Expect(opts.Parse([]string{"--config-file", path})).To(Succeed())
		Expect(opts.ApplyConfigFile()).To(MatchError(ContainSubstring("creation-interval")))
	})
})
