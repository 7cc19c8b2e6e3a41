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

package retrypolicy_test

import (
	"testing"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRetryPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RetryPolicy")
}

var _ = Describe("Delay", func() {
	It("should return the fixed delay when no backoff is configured", func() {
		p := retrypolicy.Params{DefaultRetryDelay: 15 * time.Second, MaxRetries: 5}
		for i := 0; i < 4; i++ {
			Expect(retrypolicy.Delay(p, i)).To(Equal(15 * time.Second))
		}
	})
	It("should fall back to the engine default delay when nothing is configured", func() {
		Expect(retrypolicy.Delay(retrypolicy.Params{}, 0)).To(Equal(45 * time.Second))
	})
	It("should double the delay on each attempt in exponential mode", func() {
		p := retrypolicy.Params{RetryBackoff: 2 * time.Second, RetryBackoffMax: 120 * time.Second}
		Expect(retrypolicy.Delay(p, 0)).To(Equal(2 * time.Second))
		Expect(retrypolicy.Delay(p, 1)).To(Equal(4 * time.Second))
		Expect(retrypolicy.Delay(p, 2)).To(Equal(8 * time.Second))
		Expect(retrypolicy.Delay(p, 5)).To(Equal(64 * time.Second))
	})
	It("should clamp exponential delays at the backoff max", func() {
		p := retrypolicy.Params{RetryBackoff: 2 * time.Second, RetryBackoffMax: 120 * time.Second}
		Expect(retrypolicy.Delay(p, 10)).To(Equal(120 * time.Second))
		Expect(retrypolicy.Delay(p, 40)).To(Equal(120 * time.Second))
	})
	It("should never return less than the minimum backoff", func() {
		p := retrypolicy.Params{RetryBackoff: 100 * time.Millisecond, RetryBackoffMax: time.Minute}
		Expect(retrypolicy.Delay(p, 0)).To(Equal(500 * time.Millisecond))
	})
	It("should keep jittered delays within [min, computed]", func() {
		p := retrypolicy.Params{RetryBackoff: 4 * time.Second, RetryBackoffMax: time.Minute, RetryJitter: true}
		for i := 0; i < 50; i++ {
			d := retrypolicy.Delay(p, 3)
			Expect(d).To(BeNumerically(">=", 500*time.Millisecond))
			Expect(d).To(BeNumerically("<=", 32*time.Second))
		}
	})
})

var _ = Describe("Exhausted", func() {
	It("should exhaust when the attempt index reaches max_retries-1", func() {
		p := retrypolicy.Params{MaxRetries: 5, DefaultRetryDelay: time.Second}
		_, exhausted := retrypolicy.Exhausted(p, 3, 0)
		Expect(exhausted).To(BeFalse())
		reason, exhausted := retrypolicy.Exhausted(p, 4, 0)
		Expect(exhausted).To(BeTrue())
		Expect(reason).To(Equal(core.ReasonRetriesExhausted))
	})
	It("should exhaust when the task age exceeds the total timeout", func() {
		p := retrypolicy.Params{MaxRetries: 15, TotalTimeout: 300 * time.Second}
		reason, exhausted := retrypolicy.Exhausted(p, 2, 301*time.Second)
		Expect(exhausted).To(BeTrue())
		Expect(reason).To(Equal(core.ReasonTotalTimeoutExceeded))
	})
	It("should ignore the total timeout when unset", func() {
		p := retrypolicy.Params{MaxRetries: 15}
		_, exhausted := retrypolicy.Exhausted(p, 2, time.Hour)
		Expect(exhausted).To(BeFalse())
	})
	It("should cap unbounded budgets at the engine maximum", func() {
		_, exhausted := retrypolicy.Exhausted(retrypolicy.Params{}, 78, 0)
		Expect(exhausted).To(BeFalse())
		reason, exhausted := retrypolicy.Exhausted(retrypolicy.Params{}, 79, 0)
		Expect(exhausted).To(BeTrue())
		Expect(reason).To(Equal(core.ReasonRetriesExhausted))
	})
})
