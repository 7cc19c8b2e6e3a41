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

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/rossrochford/make-it-so/pkg/apis/core"
	"github.com/rossrochford/make-it-so/pkg/store"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	ctx  context.Context
	mock sqlmock.Sqlmock
	pg   *store.Postgres
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Store")
}

var _ = BeforeEach(func() {
	ctx = context.Background()
	db, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	Expect(err).ToNot(HaveOccurred())
	mock = m
	pg = store.New(sqlx.NewDb(db, "pgx"))
})

var _ = AfterEach(func() {
	Expect(mock.ExpectationsWereMet()).To(Succeed())
	mock.ExpectClose()
	Expect(pg.Close()).To(Succeed())
})

func resourceColumns() []string {
	return []string{"id", "slug", "kind", "project_id", "state", "existence", "health"}
}

var _ = Describe("EnsureResource", func() {
	It("should return the existing row without inserting", func() {
		mock.ExpectQuery(`SELECT \* FROM resources WHERE source_slug = \$1 AND project_id = \$2`).
			WithArgs("vpc-main", "proj1").
			WillReturnRows(sqlmock.NewRows(resourceColumns()).
				AddRow("res1", "vpc-main-a1b2", "vpc_network", "proj1", "declared", "unknown", "unknown"))

		created, resource, err := pg.EnsureResource(ctx, &core.Resource{
			SourceSlug: "vpc-main", Slug: "vpc-main-a1b2", Kind: "vpc_network", ProjectID: "proj1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(resource.ID).To(Equal("res1"))
		Expect(resource.State).To(Equal(core.StateDeclared))
	})
	It("should insert with newborn defaults when missing", func() {
		mock.ExpectQuery(`SELECT \* FROM resources WHERE source_slug = \$1 AND project_id = \$2`).
			WithArgs("vpc-main", "proj1").
			WillReturnRows(sqlmock.NewRows(resourceColumns()))
		mock.ExpectExec(`INSERT INTO resources`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		created, resource, err := pg.EnsureResource(ctx, &core.Resource{
			SourceSlug: "vpc-main", Slug: "vpc-main-a1b2", Kind: "vpc_network", ProjectID: "proj1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(resource.ID).ToNot(BeEmpty())
		Expect(resource.State).To(Equal(core.StateNewborn))
		Expect(resource.Existence).To(Equal(core.ExistenceUnknown))
	})
	It("should key on (slug, kind, project) when there is no source slug", func() {
		mock.ExpectQuery(`SELECT \* FROM resources WHERE slug = \$1 AND kind = \$2 AND project_id = \$3`).
			WithArgs("subnet-a", "subnetwork", "proj1").
			WillReturnRows(sqlmock.NewRows(resourceColumns()).
				AddRow("res2", "subnet-a", "subnetwork", "proj1", "newborn", "unknown", "unknown"))

		created, resource, err := pg.EnsureResource(ctx, &core.Resource{
			Slug: "subnet-a", Kind: "subnetwork", ProjectID: "proj1",
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(resource.ID).To(Equal("res2"))
	})
})

var _ = Describe("EnsureTransition", func() {
	It("should report created when the insert lands", func() {
		mock.ExpectExec(`INSERT INTO transitions`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		created, transition, err := pg.EnsureTransition(ctx, &core.Transition{
			ResourceID: "res1", Phase: core.PhaseEnsureExists,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeTrue())
		Expect(transition.Status).To(Equal(core.StatusPending))
	})
	It("should hand back the live transition when the partial index blocks the insert", func() {
		mock.ExpectExec(`INSERT INTO transitions`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(`SELECT \* FROM transitions`).
			WithArgs("res1", "ensure_exists").
			WillReturnRows(sqlmock.NewRows([]string{"id", "resource_id", "phase", "status"}).
				AddRow("tr1", "res1", "ensure_exists", "in_progress"))

		created, transition, err := pg.EnsureTransition(ctx, &core.Transition{
			ResourceID: "res1", Phase: core.PhaseEnsureExists,
		})
		Expect(err).ToNot(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(transition.ID).To(Equal("tr1"))
		Expect(transition.Status).To(Equal(core.StatusInProgress))
	})
})

var _ = Describe("GetResource", func() {
	It("should map missing rows to ErrNotFound", func() {
		mock.ExpectQuery(`SELECT \* FROM resources WHERE id = \$1`).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(resourceColumns()))

		_, err := pg.GetResource(ctx, "nope")
		Expect(err).To(MatchError(store.ErrNotFound))
	})
})

var _ = Describe("ListResourcesAwaitingTransition", func() {
	It("should exclude terminal states and resources with live transitions", func() {
		mock.ExpectQuery(`state NOT IN \(\$2, \$3\)(?s).*NOT EXISTS`).
			WithArgs("healthy", "healthy", "creation_terminated", 500).
			WillReturnRows(sqlmock.NewRows(resourceColumns()).
				AddRow("res1", "vpc-main-a1b2", "vpc_network", "proj1", "declared", "unknown", "unknown"))

		resources, err := pg.ListResourcesAwaitingTransition(ctx, core.DesiredHealthy,
			[]core.ResourceState{core.StateHealthy, core.StateCreationTerminated}, 500)
		Expect(err).ToNot(HaveOccurred())
		Expect(resources).To(HaveLen(1))
	})
})

var _ = Describe("UpdateResourceObservations", func() {
	It("should only touch the columns that were observed", func() {
		mock.ExpectExec(`UPDATE resources SET existence = \$2, existence_checked_at = \$3`).
			WithArgs("res1", "exists", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		existence := core.ExistenceExists
		err := pg.UpdateResourceObservations(ctx, "res1", store.Observations{
			Existence: &existence, CheckedAt: time.Now(),
		})
		Expect(err).ToNot(HaveOccurred())
	})
	It("should not overwrite an already recorded creation time", func() {
		mock.ExpectExec(`UPDATE resources SET resource_created_at = \$2(?s).*resource_created_at IS NULL`).
			WithArgs("res1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		createdAt := time.Now()
		err := pg.UpdateResourceObservations(ctx, "res1", store.Observations{
			ResourceCreatedAt: &createdAt, CheckedAt: time.Now(),
		})
		Expect(err).ToNot(HaveOccurred())
	})
})
