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
	"fmt"
	"net/url"

	"go.uber.org/multierr"
)

func (o Options) Validate() (err error) {
	err = multierr.Append(err, o.validateURL("DATABASE_URL", o.DatabaseURL, "postgres", "postgresql"))
	err = multierr.Append(err, o.validateURL("BROKER_URL", o.BrokerURL, "redis", "rediss"))
	if o.Queue == "" {
		err = multierr.Append(err, fmt.Errorf("queue may not be empty"))
	}
	if o.WorkerConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("worker-concurrency must be at least 1"))
	}
	if o.BatchSize < 1 {
		err = multierr.Append(err, fmt.Errorf("batch-size must be at least 1"))
	}
	if o.AdminPort < 1 || o.AdminPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("admin-port must be a valid port number"))
	}
	switch o.LogLevel {
	case "debug", "info", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log-level may only be either debug, info or error"))
	}
	return err
}

func (o Options) validateURL(name, value string, schemes ...string) error {
	parsed, err := url.Parse(value)
	// url.Parse() will accept a lot of input without error; make
	// sure it's a real URL
	if err != nil || !parsed.IsAbs() || parsed.Host == "" {
		return fmt.Errorf("\"%s\" not a valid %s URL", value, name)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			return nil
		}
	}
	return fmt.Errorf("\"%s\" not a valid %s URL, scheme must be one of %v", value, name, schemes)
}
