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

package providers_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/fake"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/retrypolicy"
	"github.com/rossrochford/make-it-so/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var ctx context.Context

func TestProviders(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Providers")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
})

var _ = Describe("CachedList", func() {
	It("should serve repeat calls from the snapshot", func() {
		base := providers.NewBase()
		calls := 0
		list := func(context.Context) ([]json.RawMessage, error) {
			calls++
			return []json.RawMessage{json.RawMessage(`{"name":"a"}`)}, nil
		}

		for i := 0; i < 3; i++ {
			items, err := base.CachedList(ctx, "vpc_network", "proj", "", list)
			Expect(err).ToNot(HaveOccurred())
			Expect(items).To(HaveLen(1))
		}
		Expect(calls).To(Equal(1))
	})
	It("should key snapshots by scope", func() {
		base := providers.NewBase()
		calls := 0
		list := func(context.Context) ([]json.RawMessage, error) {
			calls++
			return nil, nil
		}

		_, err := base.CachedList(ctx, "subnetwork", "proj", "europe-west2", list)
		Expect(err).ToNot(HaveOccurred())
		_, err = base.CachedList(ctx, "subnetwork", "proj", "us-east1", list)
		Expect(err).ToNot(HaveOccurred())
		Expect(calls).To(Equal(2))
	})
	It("should refetch after invalidation", func() {
		base := providers.NewBase()
		calls := 0
		list := func(context.Context) ([]json.RawMessage, error) {
			calls++
			return nil, nil
		}

		_, err := base.CachedList(ctx, "vpc_network", "proj", "", list)
		Expect(err).ToNot(HaveOccurred())
		base.InvalidateLists()
		_, err = base.CachedList(ctx, "vpc_network", "proj", "", list)
		Expect(err).ToNot(HaveOccurred())
		Expect(calls).To(Equal(2))
	})
})

var _ = Describe("MatchBySelfLink", func() {
	items := []json.RawMessage{
		json.RawMessage(`{"name":"other","selfLink":"https://www.googleapis.com/compute/v1/projects/proj/global/networks/other"}`),
		json.RawMessage(`{"name":"vpc-main","selfLink":"https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main"}`),
	}
	It("should find the item with the same object path", func() {
		match, found := providers.MatchBySelfLink(items,
			"https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main")
		Expect(found).To(BeTrue())
		Expect(string(match)).To(ContainSubstring(`"name":"vpc-main"`))
	})
	It("should match across API hosts and versions", func() {
		_, found := providers.MatchBySelfLink(items,
			"https://compute.googleapis.com/compute/beta/projects/proj/global/networks/vpc-main")
		Expect(found).To(BeTrue())
	})
	It("should report absence", func() {
		_, found := providers.MatchBySelfLink(items,
			"https://www.googleapis.com/compute/v1/projects/proj/global/networks/missing")
		Expect(found).To(BeFalse())
	})
})

var _ = Describe("EnsureIdentity", func() {
	It("should persist self_link and self_id once", func() {
		db := fake.NewStore()
		_, resource, err := db.EnsureResource(ctx, test.Resource())
		Expect(err).ToNot(HaveOccurred())
		cctx := &providers.Context{Resource: resource, Project: test.Project(), Store: db}

		base := providers.NewBase()
		link := "https://www.googleapis.com/compute/v1/projects/proj/global/networks/vpc-main"
		Expect(base.EnsureIdentity(ctx, cctx, link)).To(Succeed())
		Expect(cctx.Resource.ExtraString("self_link")).To(Equal(link))
		Expect(cctx.Resource.ExtraString("self_id")).To(Equal("vpc-main"))

		// second call must not clobber an already recorded identity
		Expect(base.EnsureIdentity(ctx, cctx, "https://elsewhere/projects/x/global/networks/nope")).To(Succeed())
		Expect(cctx.Resource.ExtraString("self_id")).To(Equal("vpc-main"))
	})
})

var _ = Describe("RetryParams", func() {
	It("should fall back to the shared defaults", func() {
		base := providers.NewBase()
		params := base.RetryParams(core.PhaseEnsureExists)
		Expect(params.MaxRetries).To(Equal(5))
		Expect(params.DefaultRetryDelay).To(Equal(15 * time.Second))
	})
	It("should budget five attempts for creation and deletion requests", func() {
		base := providers.NewBase()
		Expect(base.RetryParams(core.PhaseEnsureExists).MaxRetries).To(Equal(5))
		Expect(base.RetryParams(core.PhaseEnsureDeleted).MaxRetries).To(Equal(5))
		Expect(base.RetryParams(core.PhaseEnsureHealthy).MaxRetries).To(Equal(6))
	})
	It("should layer overrides onto the defaults", func() {
		base := providers.NewBase()
		base.Overrides = map[core.Phase]retrypolicy.Params{
			core.PhaseEnsureHealthy: {MaxRetries: 15, RetryBackoff: 2 * time.Second},
		}
		params := base.RetryParams(core.PhaseEnsureHealthy)
		Expect(params.MaxRetries).To(Equal(15))
		Expect(params.RetryBackoff).To(Equal(2 * time.Second))
		// fields not overridden keep their defaults
		Expect(params.DefaultRetryDelay).To(Equal(15 * time.Second))
	})
})
