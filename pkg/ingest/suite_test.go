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

package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/events"
	"github.com/rossrochford/make-it-so/pkg/fake"
	"github.com/rossrochford/make-it-so/pkg/ingest"
	"github.com/rossrochford/make-it-so/pkg/providers"
	"github.com/rossrochford/make-it-so/pkg/providers/subnetwork"
	"github.com/rossrochford/make-it-so/pkg/providers/vpcnetwork"
	"github.com/rossrochford/make-it-so/pkg/test"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx      context.Context
	db       *fake.Store
	ingestor *ingest.Ingestor
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ingest")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	db = fake.NewStore()
	registry := providers.NewRegistry(vpcnetwork.NewProvider(), subnetwork.NewProvider())
	ingestor = ingest.NewIngestor(db, events.NewRecorder(db), registry)

	Expect(db.UpsertProject(ctx, test.Project(core.Project{Slug: "acme-staging"}))).To(Succeed())
})

const document = `
provider {
  provider_type = "google"
  project_id    = "acme-staging"
}

locals {
  region = "europe-west2"
}

resource "vpc_network" "vpc-main" {
  auto_create_subnetworks = false
}

resource "subnetwork" "subnet-apps" {
  region   = "${local.region}"
  cidr     = "10.10.0.0/16"
  vpc_link = "${vpc_network.vpc-main.self_link}"
}
`

func writeDocument(src string) string {
	path := filepath.Join(GinkgoT().TempDir(), "main.hcl")
	Expect(os.WriteFile(path, []byte(src), 0o600)).To(Succeed())
	return path
}

var _ = Describe("ApplyFile", func() {
	It("should create declared rows with computed identity and desired state", func() {
		ingested, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredHealthy)
		Expect(err).ToNot(HaveOccurred())
		Expect(ingested).To(HaveLen(2))

		vpc := ingested[0]
		Expect(vpc.Kind).To(Equal("vpc_network"))
		Expect(vpc.State).To(Equal(core.StateDeclared))
		Expect(vpc.DesiredState).To(Equal(core.DesiredHealthy))
		Expect(vpc.SourceSlug).To(Equal("vpc_network.vpc-main"))
		Expect(vpc.ExtraString("self_link")).To(ContainSubstring("/global/networks/vpc-main"))
	})
	It("should resolve the subnet's vpc reference and materialize the edge", func() {
		ingested, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredHealthy)
		Expect(err).ToNot(HaveOccurred())

		subnet := ingested[1]
		Expect(subnet.ExtraString("vpc_link")).To(ContainSubstring("/global/networks/vpc-main"))

		dependencies, err := db.ListDependencies(ctx, subnet.ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(dependencies).To(HaveLen(1))
		Expect(dependencies[0].ID).To(Equal(ingested[0].ID))
	})
	It("should be idempotent and keep existing rows on re-apply", func() {
		first, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredHealthy)
		Expect(err).ToNot(HaveOccurred())
		second, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredHealthy)
		Expect(err).ToNot(HaveOccurred())

		Expect(second[0].ID).To(Equal(first[0].ID))
		resources, err := db.ListResources(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(HaveLen(2))
	})
	It("should flip desired state to deleted on a deletion apply", func() {
		_, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredHealthy)
		Expect(err).ToNot(HaveOccurred())
		ingested, err := ingestor.ApplyFile(ctx, writeDocument(document), core.DesiredDeleted)
		Expect(err).ToNot(HaveOccurred())

		Expect(ingested[0].DesiredState).To(Equal(core.DesiredDeleted))
	})
	It("should record a validation failure and report the resource unknown", func() {
		bad := `
provider {
  provider_type = "google"
  project_id    = "acme-staging"
}
resource "subnetwork" "subnet-apps" {
  region = "europe-west2"
  cidr   = "not-a-cidr"
}
`
		_, err := ingestor.ApplyFile(ctx, writeDocument(bad), core.DesiredHealthy)
		Expect(err).To(HaveOccurred())

		resources, err := db.ListResources(ctx, 10)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(HaveLen(1))
		Expect(resources[0].State).To(Equal(core.StateUnknown))

		log, err := db.ListResourceEvents(ctx, resources[0].ID)
		Expect(err).ToNot(HaveOccurred())
		Expect(log[0].Type).To(Equal(core.EventHclValidationFailed))
	})
	It("should fail when the project is not registered", func() {
		unknown := `
provider {
  provider_type = "google"
  project_id    = "nowhere"
}
`
		_, err := ingestor.ApplyFile(ctx, writeDocument(unknown), core.DesiredHealthy)
		Expect(err).To(MatchError(ContainSubstring("looking up project")))
	})
})
