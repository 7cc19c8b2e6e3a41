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
	"fmt"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/errors"
	"github.com/rossrochford/make-it-so/pkg/providers"
)

// Test is a no-op phase for soaking the engine itself: it touches no
// provider API and behaves per its extra_task_kwargs, so retry budgets,
// timeouts and dedup can be exercised end to end against a real broker and
// store. Supported kwargs: outcome (succeed|retry|fail|error, default
// succeed), succeed_on_attempt, sleep_seconds.
func (h *Handlers) Test(ctx context.Context, cctx *providers.Context) error {
	kwargs := cctx.Transition.ExtraTaskKwargs

	if seconds, ok := kwargs["sleep_seconds"].(float64); ok && seconds > 0 {
		if err := h.resourceEvent(ctx, cctx, core.EventSleeping, "",
			core.JSONMap{"seconds": seconds}); err != nil {
			return err
		}
		if err := h.sleep(ctx, time.Duration(seconds*float64(time.Second))); err != nil {
			return err
		}
	}

	if at, ok := kwargs["succeed_on_attempt"].(float64); ok {
		if cctx.Attempt >= int(at) {
			return h.resourceEvent(ctx, cctx, core.EventResourceFoundAndHealthy, "", nil)
		}
		return errors.NewRetry(core.EventHealthCheckFailed, "test_retry", nil)
	}

	outcome, _ := kwargs["outcome"].(string)
	switch outcome {
	case "retry":
		return errors.NewRetry(core.EventHealthCheckFailed, "test_retry", nil)
	case "fail":
		return errors.NewTerminal(core.EventTerminalFailure, "test_failure", nil)
	case "error":
		// a raw error rather than a signal
		return fmt.Errorf("injected task error")
	}
	return h.resourceEvent(ctx, cctx, core.EventResourceFoundAndHealthy, "", nil)
}
