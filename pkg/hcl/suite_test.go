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

package hcl_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/hcl"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestHCL(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HCL")
}

const document = `
provider {
  provider_type = "google"
  project_id    = "acme-staging"
}

locals {
  region = "europe-west2"
  cidr   = "10.10.0.0/16"
}

resource "vpc_network" "main" {
  auto_create_subnetworks = false
  region                  = "${local.region}"
}

resource "subnetwork" "apps" {
  region   = "${local.region}"
  cidr     = "${local.cidr}"
  vpc_link = "${vpc_network.main.self_link}"
}

resource "instance" "web" {
  machine_type    = "e2-small"
  subnetwork_link = "${subnetwork.apps.self_link}"
}
`

func parse(src string, opts ...hcl.Option) *hcl.Document {
	doc, err := hcl.Parse([]byte(src), "main.hcl", opts...)
	Expect(err).ToNot(HaveOccurred())
	return doc
}

// selfLinks mimics what ingestion exports for each parsed resource.
func selfLinks() hcl.Option {
	return hcl.WithExports(func(kind, name string, attributes core.JSONMap) core.JSONMap {
		exported := core.JSONMap{"self_link": "https://example/" + kind + "/" + name}
		for key, value := range attributes {
			exported[key] = value
		}
		return exported
	})
}

var _ = Describe("Parse", func() {
	It("should read the provider block and merge locals flat", func() {
		doc := parse(document, selfLinks())
		Expect(doc.Provider.ProviderType).To(Equal("google"))
		Expect(doc.Provider.ProjectID).To(Equal("acme-staging"))
		Expect(doc.Locals).To(HaveKeyWithValue("region", "europe-west2"))
	})
	It("should resolve local interpolations in resource attributes", func() {
		doc := parse(document, selfLinks())
		Expect(doc.Resources[0].Attributes).To(HaveKeyWithValue("region", "europe-west2"))
		Expect(doc.Resources[1].Attributes).To(HaveKeyWithValue("cidr", "10.10.0.0/16"))
	})
	It("should order resources so references point backwards", func() {
		doc := parse(document, selfLinks())
		kinds := []string{}
		for _, resource := range doc.Resources {
			kinds = append(kinds, resource.Kind)
		}
		Expect(kinds).To(Equal([]string{"vpc_network", "subnetwork", "instance"}))
	})
	It("should resolve cross-resource references through exports", func() {
		doc := parse(document, selfLinks())
		Expect(doc.Resources[1].Attributes).To(HaveKeyWithValue("vpc_link", "https://example/vpc_network/main"))
		Expect(doc.Resources[2].Attributes).To(HaveKeyWithValue("subnetwork_link", "https://example/subnetwork/apps"))
	})
	It("should record which field each reference landed in", func() {
		doc := parse(document, selfLinks())
		subnet := doc.Resources[1]
		Expect(subnet.References).To(HaveLen(1))
		Expect(subnet.References[0]).To(Equal(hcl.Reference{
			Kind: "vpc_network", Name: "main", Attr: "self_link", Field: "vpc_link",
		}))
	})
	It("should fail a reference cycle with cycle_found", func() {
		_, err := hcl.Parse([]byte(`
provider {
  provider_type = "google"
  project_id    = "p"
}
resource "vpc_network" "a" {
  peer = "${vpc_network.b.self_link}"
}
resource "vpc_network" "b" {
  peer = "${vpc_network.a.self_link}"
}
`), "main.hcl")
		var cycle *hcl.CycleError
		Expect(errors.As(err, &cycle)).To(BeTrue())
		Expect(cycle.Nodes).To(ConsistOf("vpc_network.a", "vpc_network.b"))
	})
	It("should reject references to resources the document does not declare", func() {
		_, err := hcl.Parse([]byte(`
provider {
  provider_type = "google"
  project_id    = "p"
}
resource "subnetwork" "apps" {
  vpc_link = "${vpc_network.missing.self_link}"
}
`), "main.hcl")
		Expect(err).To(MatchError(ContainSubstring("unknown resource vpc_network.missing")))
	})
	It("should reject a document without a provider block", func() {
		_, err := hcl.Parse([]byte(`locals { a = "b" }`), "main.hcl")
		Expect(err).To(MatchError(ContainSubstring("exactly one provider block")))
	})
	It("should reject an unsupported provider type", func() {
		_, err := hcl.Parse([]byte(`
provider {
  provider_type = "azure"
  project_id    = "p"
}
`), "main.hcl")
		Expect(err).To(MatchError(ContainSubstring("provider_type")))
	})
	It("should resolve file() relative to the document", func() {
		dir := GinkgoT().TempDir()
		Expect(os.WriteFile(filepath.Join(dir, "cidr.txt"), []byte("10.9.0.0/16\n"), 0o600)).To(Succeed())
		doc, err := hcl.ParseFile(writeDocument(dir, `
provider {
  provider_type = "google"
  project_id    = "p"
}
resource "subnetwork" "apps" {
  cidr = "${file("cidr.txt")}"
}
`))
		Expect(err).ToNot(HaveOccurred())
		Expect(doc.Resources[0].Attributes).To(HaveKeyWithValue("cidr", "10.9.0.0/16"))
	})
})

func writeDocument(dir, src string) string {
	path := filepath.Join(dir, "main.hcl")
	Expect(os.WriteFile(path, []byte(src), 0o600)).To(Succeed())
	return path
}
