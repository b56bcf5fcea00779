//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/peritoai/periti/internal/lifecycle"
	"github.com/peritoai/periti/internal/models"
	"github.com/peritoai/periti/internal/store"
	"github.com/peritoai/periti/internal/store/postgres/pgtest"
	"github.com/peritoai/periti/internal/tenant"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// testEnv holds connections to a database owned by a role that is subject to row
// security (no SUPERUSER, no BYPASSRLS), plus a superuser pool for out-of-band work.
type testEnv struct {
	appConnString string
	app           *pgxpool.Pool // application role, plain pool
	super         *pgxpool.Pool // superuser on the application database
	db            *DB
}

var env *testEnv

func TestMain(m *testing.M) {
	ctx := context.Background()

	database, err := pgtest.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start database: %v\n", err)
		os.Exit(1)
	}

	env, err = newTestEnv(ctx, database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare database: %v\n", err)
		_ = database.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	env.db.Close()
	env.app.Close()
	env.super.Close()
	_ = database.Terminate(ctx)

	os.Exit(code)
}

func newTestEnv(ctx context.Context, database *pgtest.Database) (*testEnv, error) {
	e := &testEnv{appConnString: database.AppConnString}

	var err error
	e.app, err = NewPool(ctx, &PoolConfig{ConnString: e.appConnString, MaxConns: 4, MinConns: 1})
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, e.app); err != nil {
		return nil, err
	}

	e.super, err = pgxpool.New(ctx, database.SuperConnString)
	if err != nil {
		return nil, err
	}

	e.db, err = NewDB(ctx, &PoolConfig{ConnString: e.appConnString, MaxConns: 4, MinConns: 1})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// newSingleConnDB returns a tenant-aware pool holding at most one connection, so
// consecutive units of work observe the same physical session unless it was destroyed.
func newSingleConnDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(context.Background(), &PoolConfig{ConnString: env.appConnString, MaxConns: 1, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func createOrg(t *testing.T, name string) tenant.Scope {
	t.Helper()
	org := &models.Organization{Name: name}
	require.NoError(t, NewOrganizationStore(env.app).Create(context.Background(), org))
	return tenant.MustScope(uuid.New(), org.OrgID)
}

func createCase(t *testing.T, db *DB, scope tenant.Scope, ref string) *models.Case {
	t.Helper()
	c := &models.Case{ReferenceCode: ref, Title: "Water damage " + ref}
	err := db.WithTenant(context.Background(), scope, func(ctx context.Context, uow *UnitOfWork) error {
		return uow.Cases().Create(ctx, c)
	})
	require.NoError(t, err)
	return c
}

// sessionState reports the backend pid and the tenant the session is bound to.
func sessionState(t *testing.T, ctx context.Context, q DBTX) (uint32, uuid.NullUUID) {
	t.Helper()
	var pid uint32
	require.NoError(t, q.QueryRow(ctx, `SELECT pg_backend_pid()`).Scan(&pid))
	org, err := currentOrgID(ctx, q)
	require.NoError(t, err)
	return pid, org
}

func TestIntegration_AuditIsClean(t *testing.T) {
	ctx := context.Background()

	report, err := AuditIsolation(ctx, env.app)
	require.NoError(t, err)
	require.Equal(t, "periti", report.Role)
	require.Equal(t, len(TenantTables), report.TablesChecked)
	require.True(t, report.OK(), "findings: %v", report.Findings)
}

func TestIntegration_AuditFlagsSuperuser(t *testing.T) {
	report, err := AuditIsolation(context.Background(), env.super)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.Equal(t, FindingRoleBypassesRLS, report.Findings[0].Code)
}

func TestIntegration_AuditFlagsBrokenTable(t *testing.T) {
	ctx := context.Background()

	_, err := env.app.Exec(ctx, `
		CREATE TABLE bad_notes (
			id uuid PRIMARY KEY,
			organization_id uuid,
			case_id uuid REFERENCES cases (id),
			body text
		);
		ALTER TABLE bad_notes ENABLE ROW LEVEL SECURITY;
		CREATE POLICY bad_notes_read ON bad_notes FOR SELECT
			USING (organization_id = COALESCE(NULLIF(current_setting('app.current_org_id', true), '')::uuid, organization_id));
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = env.app.Exec(context.Background(), `DROP TABLE bad_notes`)
	})

	report, err := AuditIsolation(ctx, env.app)
	require.NoError(t, err)
	require.Equal(t, []FindingCode{FindingUnregisteredTable}, report.Codes("bad_notes"))

	facts, err := collectTableFacts(ctx, env.app, "bad_notes")
	require.NoError(t, err)
	facts.tenantTargets = map[string]bool{"cases": true}

	got := codes(evaluateTable(TenantTable{
		Name:    "bad_notes",
		Parents: []ParentRef{{Table: "cases", Column: "case_id"}},
	}, facts))
	require.ElementsMatch(t, []FindingCode{
		FindingRLSNotForced,
		FindingNullableOrganization,
		FindingMissingForAllPolicy,
		FindingExtraPermissive,
		FindingCoalesceFallback,
		FindingMissingTenantKey,
		FindingSingleColumnTenantFK,
	}, got)
}

func TestIntegration_AuditFlagsPolicyThatFiltersNothing(t *testing.T) {
	ctx := context.Background()

	_, err := env.app.Exec(ctx, `
		CREATE TABLE open_notes (
			id uuid PRIMARY KEY,
			organization_id uuid NOT NULL REFERENCES organizations (id),
			body text,
			UNIQUE (id, organization_id)
		);
		ALTER TABLE open_notes ENABLE ROW LEVEL SECURITY;
		ALTER TABLE open_notes FORCE ROW LEVEL SECURITY;
		CREATE POLICY tenant_isolation ON open_notes FOR ALL USING (true) WITH CHECK (true);
		CREATE POLICY shared_read ON open_notes FOR SELECT USING (true);
	`)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = env.app.Exec(context.Background(), `DROP TABLE open_notes`)
	})

	facts, err := collectTableFacts(ctx, env.app, "open_notes")
	require.NoError(t, err)

	got := codes(evaluateTable(TenantTable{Name: "open_notes"}, facts))
	require.ElementsMatch(t, []FindingCode{
		FindingPolicyPredicate,
		FindingPolicyPredicate,
		FindingExtraPermissive,
	}, got)
}

// An organization can neither see nor change another organization's rows.
func TestIntegration_CrossTenantIsolation(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Rossi")
	b := createOrg(t, "Periti Bianchi")

	caseA := createCase(t, env.db, a, "ROS-0001")

	err := env.db.WithTenant(ctx, b, func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.Cases().Get(ctx, caseA.CaseID)
		require.ErrorIs(t, err, store.ErrNotFound)

		_, err = uow.Cases().GetByReference(ctx, "ROS-0001")
		require.ErrorIs(t, err, store.ErrNotFound)

		cases, err := uow.Cases().List(ctx, CaseFilter{})
		require.NoError(t, err)
		require.Empty(t, cases)

		stolen := *caseA
		stolen.Title = "taken over"
		require.ErrorIs(t, uow.Cases().Update(ctx, &stolen), store.ErrNotFound)
		require.ErrorIs(t, uow.Cases().Delete(ctx, caseA.CaseID), store.ErrNotFound)

		_, err = uow.Cases().Transition(ctx, caseA.CaseID, lifecycle.Start)
		require.ErrorIs(t, err, store.ErrNotFound)

		tag, err := uow.Exec(ctx, `UPDATE cases SET title = 'x'`)
		require.NoError(t, err)
		require.Zero(t, tag.RowsAffected())

		return nil
	})
	require.NoError(t, err)

	err = env.db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
		got, err := uow.Cases().Get(ctx, caseA.CaseID)
		require.NoError(t, err)
		require.Equal(t, "Water damage ROS-0001", got.Title)
		require.Equal(t, a.OrgID(), got.OrganizationID)
		require.Equal(t, a.UserID(), got.CreatedBy)
		return nil
	})
	require.NoError(t, err)
}

// Without a tenant context every tenant table is empty and unwritable.
func TestIntegration_FailClosedWithoutContext(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Verdi")
	createCase(t, env.db, a, "VER-0001")

	err := env.db.WithoutTenant(ctx, func(ctx context.Context, q DBTX) error {
		_, org := sessionState(t, ctx, q)
		require.False(t, org.Valid)

		for _, table := range TenantTables {
			var n int
			require.NoError(t, q.QueryRow(ctx, `SELECT count(*) FROM `+table.Name).Scan(&n))
			require.Zero(t, n, table.Name)
		}

		_, err := q.Exec(ctx,
			`INSERT INTO clients (id, organization_id, name) VALUES ($1, $2, 'Generali')`,
			uuid.New(), a.OrgID())
		require.ErrorIs(t, mapPostgresError(err), store.ErrTenantMismatch)

		return nil
	})
	require.NoError(t, err)

	// A plain connection that never had context behaves the same.
	var n int
	require.NoError(t, env.app.QueryRow(ctx, `SELECT count(*) FROM cases`).Scan(&n))
	require.Zero(t, n)
}

func TestIntegration_RejectsScopelessAndNestedUnitsOfWork(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Neri")

	called := false
	err := env.db.WithTenant(ctx, tenant.Scope{}, func(ctx context.Context, uow *UnitOfWork) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, store.ErrNoTenantScope)
	require.False(t, called)

	err = env.db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
		require.True(t, InUnitOfWork(ctx))
		nested := env.db.WithTenant(ctx, a, func(context.Context, *UnitOfWork) error { return nil })
		require.ErrorIs(t, nested, store.ErrNestedUnitOfWork)
		nested = env.db.WithoutTenant(ctx, func(context.Context, DBTX) error { return nil })
		require.ErrorIs(t, nested, store.ErrNestedUnitOfWork)
		return nil
	})
	require.NoError(t, err)
}

// Context set for one unit of work is gone for the next user of the connection, however
// the first one ended.
func TestIntegration_ContextClearedOnEveryExit(t *testing.T) {
	ctx := context.Background()
	db := newSingleConnDB(t)
	a := createOrg(t, "Studio Gialli")

	var boundPID uint32
	capture := func(ctx context.Context, uow *UnitOfWork) {
		var org uuid.NullUUID
		boundPID, org = sessionState(t, ctx, uow)
		require.True(t, org.Valid)
		require.Equal(t, a.OrgID(), org.UUID)
	}

	// The next user takes the connection straight from the pool and sets nothing.
	requireCleared := func(t *testing.T) {
		t.Helper()
		conn, err := db.Pool().Acquire(ctx)
		require.NoError(t, err)
		defer conn.Release()

		pid, org := sessionState(t, ctx, conn)
		require.Equal(t, boundPID, pid, "connection should have been reused")
		require.False(t, org.Valid)

		var n int
		require.NoError(t, conn.QueryRow(ctx, `SELECT count(*) FROM cases`).Scan(&n))
		require.Zero(t, n)
	}

	createCase(t, db, a, "GIA-1")

	t.Run("success", func(t *testing.T) {
		err := db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			capture(ctx, uow)
			return nil
		})
		require.NoError(t, err)
		requireCleared(t)
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			capture(ctx, uow)
			return boom
		})
		require.ErrorIs(t, err, boom)
		requireCleared(t)
	})

	t.Run("panic", func(t *testing.T) {
		require.PanicsWithValue(t, "boom", func() {
			_ = db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
				capture(ctx, uow)
				panic("boom")
			})
		})
		requireCleared(t)
	})

	t.Run("caller cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		err := db.WithTenant(cctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			capture(ctx, uow)
			cancel()
			return ctx.Err()
		})
		require.ErrorIs(t, err, context.Canceled)
		requireCleared(t)
	})

	t.Run("committed transaction", func(t *testing.T) {
		err := db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			capture(ctx, uow)
			return uow.InTx(ctx, func(tx pgx.Tx) error {
				_, err := tx.Exec(ctx, `SELECT 1`)
				return err
			})
		})
		require.NoError(t, err)
		requireCleared(t)
	})

	require.Zero(t, db.Stats().InvalidatedConns)
	require.Zero(t, db.Stats().LeakedReleases)
}

// A connection whose context cannot be cleared is destroyed, never reused.
func TestIntegration_UnclearableConnectionIsInvalidated(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Azzurri")

	requireFreshSession := func(t *testing.T, db *DB, oldPID uint32) {
		t.Helper()
		err := db.WithoutTenant(ctx, func(ctx context.Context, q DBTX) error {
			pid, org := sessionState(t, ctx, q)
			require.NotEqual(t, oldPID, pid)
			require.False(t, org.Valid)
			return nil
		})
		require.NoError(t, err)
	}

	t.Run("transaction left open", func(t *testing.T) {
		db := newSingleConnDB(t)
		var pid uint32
		err := db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			pid, _ = sessionState(t, ctx, uow)
			tx, err := uow.Begin(ctx)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `SELECT count(*) FROM cases`)
			return err
		})
		require.NoError(t, err)
		require.Equal(t, int64(1), db.Stats().InvalidatedConns)
		requireFreshSession(t, db, pid)
	})

	t.Run("backend terminated", func(t *testing.T) {
		db := newSingleConnDB(t)
		var pid uint32
		err := db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
			pid, _ = sessionState(t, ctx, uow)
			_, err := env.super.Exec(ctx, `SELECT pg_terminate_backend($1)`, pid)
			require.NoError(t, err)
			require.Eventually(t, func() bool {
				var n int
				_ = env.super.QueryRow(ctx, `SELECT count(*) FROM pg_stat_activity WHERE pid = $1`, pid).Scan(&n)
				return n == 0
			}, 5*time.Second, 20*time.Millisecond)
			return nil
		})
		require.NoError(t, err, "a clear failure is not reported to the caller")
		require.Equal(t, int64(1), db.Stats().InvalidatedConns)
		requireFreshSession(t, db, pid)
	})
}

// Many concurrent units of work for different organizations never observe each other.
func TestIntegration_ConcurrentTenantsDoNotLeak(t *testing.T) {
	ctx := context.Background()
	db, err := NewDB(ctx, &PoolConfig{ConnString: env.appConnString, MaxConns: 2, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	scopes := []tenant.Scope{createOrg(t, "Concurrent A"), createOrg(t, "Concurrent B"), createOrg(t, "Concurrent C")}
	for i, s := range scopes {
		createCase(t, db, s, fmt.Sprintf("CON-%d", i))
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 12; w++ {
		g.Go(func() error {
			for i := 0; i < 15; i++ {
				scope := scopes[(w+i)%len(scopes)]
				err := db.WithTenant(gctx, scope, func(ctx context.Context, uow *UnitOfWork) error {
					bound, err := uow.CurrentOrgID(ctx)
					if err != nil {
						return err
					}
					if bound != scope.OrgID().String() {
						return fmt.Errorf("bound to %s, want %s", bound, scope.OrgID())
					}
					cases, err := uow.Cases().List(ctx, CaseFilter{})
					if err != nil {
						return err
					}
					for _, c := range cases {
						if c.OrganizationID != scope.OrgID() {
							return fmt.Errorf("saw case of %s while bound to %s", c.OrganizationID, scope.OrgID())
						}
					}
					if len(cases) != 1 {
						return fmt.Errorf("saw %d cases, want 1", len(cases))
					}
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Zero(t, db.Stats().InvalidatedConns)
	require.Zero(t, db.Stats().LeakedReleases)
}

// Composite keys reject cross-tenant references even for roles that bypass row security.
func TestIntegration_CompositeKeysRejectCrossTenantReferences(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Viola")
	b := createOrg(t, "Studio Arancio")
	caseA := createCase(t, env.db, a, "VIO-0001")

	_, err := env.super.Exec(ctx, `
		INSERT INTO documents (id, organization_id, case_id, filename)
		VALUES ($1, $2, $3, 'perizia.pdf')
	`, uuid.New(), b.OrgID(), caseA.CaseID)
	require.ErrorIs(t, mapPostgresError(err), store.ErrTenantMismatch)

	err = env.db.WithTenant(ctx, b, func(ctx context.Context, uow *UnitOfWork) error {
		doc := &models.Document{CaseID: caseA.CaseID, Filename: "perizia.pdf"}
		require.ErrorIs(t, uow.Documents().Create(ctx, doc), store.ErrTenantMismatch)

		party := &models.InsuredParty{CaseID: caseA.CaseID, FullName: "Mario Rossi"}
		require.ErrorIs(t, uow.InsuredParties().Create(ctx, party), store.ErrTenantMismatch)

		rv := &models.ReportVersion{CaseID: caseA.CaseID, Content: "draft"}
		require.ErrorIs(t, uow.ReportVersions().Create(ctx, rv), store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

// Writes naming another organization, or moving a row to one, are refused.
func TestIntegration_WriteChecks(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Blu")
	b := createOrg(t, "Studio Rosa")
	caseA := createCase(t, env.db, a, "BLU-0001")

	err := env.db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
		_, err := uow.Exec(ctx, `
			INSERT INTO clients (id, organization_id, name) VALUES ($1, $2, 'Allianz')
		`, uuid.New(), b.OrgID())
		require.ErrorIs(t, mapPostgresError(err), store.ErrTenantMismatch)

		_, err = uow.Exec(ctx, `UPDATE cases SET organization_id = $2 WHERE id = $1`, caseA.CaseID, b.OrgID())
		require.ErrorIs(t, mapPostgresError(err), store.ErrTenantMismatch)
		return nil
	})
	require.NoError(t, err)

	_, err = env.super.Exec(ctx, `UPDATE cases SET organization_id = $2 WHERE id = $1`, caseA.CaseID, b.OrgID())
	require.ErrorIs(t, mapPostgresError(err), store.ErrTenantMismatch)
}

func TestIntegration_CaseLifecycle(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Oro")
	c := createCase(t, env.db, a, "ORO-0001")

	err := env.db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
		got, err := uow.Cases().Transition(ctx, c.CaseID, lifecycle.Start)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusInProgress, got.Status)

		v1 := &models.ReportVersion{CaseID: c.CaseID, Content: "bozza 1"}
		require.NoError(t, uow.ReportVersions().Create(ctx, v1))
		require.Equal(t, 1, v1.Version)

		v2 := &models.ReportVersion{CaseID: c.CaseID, Content: "bozza 2"}
		require.NoError(t, uow.ReportVersions().Create(ctx, v2))
		require.Equal(t, 2, v2.Version)

		got, err = uow.Cases().Get(ctx, c.CaseID)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusReportDraft, got.Status)

		// Report driven events cannot be fired directly.
		_, err = uow.Cases().Transition(ctx, c.CaseID, lifecycle.Finalize)
		require.ErrorIs(t, err, store.ErrConflict)
		_, err = uow.Cases().Transition(ctx, c.CaseID, lifecycle.DraftReport)
		require.ErrorIs(t, err, store.ErrConflict)

		// Only the latest draft can become the final report.
		_, err = uow.ReportVersions().Finalize(ctx, v1.ReportVersionID)
		require.ErrorIs(t, err, store.ErrConflict)
		v1Again, err := uow.ReportVersions().Get(ctx, v1.ReportVersionID)
		require.NoError(t, err)
		require.False(t, v1Again.IsFinal)

		final, err := uow.ReportVersions().Finalize(ctx, v2.ReportVersionID)
		require.NoError(t, err)
		require.True(t, final.IsFinal)
		require.NotNil(t, final.FinalizedAt)

		got, err = uow.Cases().Get(ctx, c.CaseID)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusClosed, got.Status)
		require.NotNil(t, got.ClosedAt)

		// A closed case takes no new drafts.
		err = uow.ReportVersions().Create(ctx, &models.ReportVersion{CaseID: c.CaseID, Content: "late"})
		require.ErrorIs(t, err, store.ErrConflict)

		got, err = uow.Cases().Transition(ctx, c.CaseID, lifecycle.Reopen)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusInProgress, got.Status)
		require.Nil(t, got.ClosedAt)

		// The report finalized before reopening does not close the case again.
		_, err = uow.ReportVersions().Finalize(ctx, v2.ReportVersionID)
		require.ErrorIs(t, err, store.ErrConflict)
		got, err = uow.Cases().Get(ctx, c.CaseID)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusInProgress, got.Status)

		v3 := &models.ReportVersion{CaseID: c.CaseID, Content: "revisione"}
		require.NoError(t, uow.ReportVersions().Create(ctx, v3))
		require.Equal(t, 3, v3.Version)
		_, err = uow.ReportVersions().Finalize(ctx, v3.ReportVersionID)
		require.NoError(t, err)
		got, err = uow.Cases().Get(ctx, c.CaseID)
		require.NoError(t, err)
		require.Equal(t, models.CaseStatusClosed, got.Status)

		latest, err := uow.ReportVersions().Latest(ctx, c.CaseID)
		require.NoError(t, err)
		require.Equal(t, 3, latest.Version)

		versions, err := uow.ReportVersions().ListByCase(ctx, c.CaseID)
		require.NoError(t, err)
		require.Len(t, versions, 3)
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_ReferentialActions(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Argento")

	err := env.db.WithTenant(ctx, a, func(ctx context.Context, uow *UnitOfWork) error {
		client := &models.Client{Name: "Generali"}
		require.NoError(t, uow.Clients().Create(ctx, client))

		c := &models.Case{ReferenceCode: "ARG-0001", ClientID: &client.ClientID}
		require.NoError(t, uow.Cases().Create(ctx, c))

		require.ErrorIs(t, uow.Clients().Delete(ctx, client.ClientID), store.ErrConflict)

		email := &models.EmailLog{MessageID: "<abc@example.com>", Subject: "ARG-0001 documenti", CaseID: &c.CaseID}
		require.NoError(t, uow.EmailLogs().Create(ctx, email))
		require.ErrorIs(t, uow.EmailLogs().Create(ctx, &models.EmailLog{MessageID: "<abc@example.com>"}), store.ErrAlreadyExists)

		doc := &models.Document{CaseID: c.CaseID, Filename: "foto.jpg", Source: models.DocumentSourceEmail, EmailLogID: &email.EmailLogID}
		require.NoError(t, uow.Documents().Create(ctx, doc))
		require.NoError(t, uow.DocumentAnalyses().Create(ctx, &models.DocumentAnalysis{DocumentID: doc.DocumentID, Summary: "foto del danno"}))

		require.NoError(t, uow.Cases().Delete(ctx, c.CaseID))

		_, err := uow.Documents().Get(ctx, doc.DocumentID)
		require.ErrorIs(t, err, store.ErrNotFound)
		analyses, err := uow.DocumentAnalyses().ListByDocument(ctx, doc.DocumentID)
		require.NoError(t, err)
		require.Empty(t, analyses)

		kept, err := uow.EmailLogs().Get(ctx, email.EmailLogID)
		require.NoError(t, err)
		require.Nil(t, kept.CaseID)
		require.Equal(t, a.OrgID(), kept.OrganizationID)

		require.NoError(t, uow.Clients().Delete(ctx, client.ClientID))
		return nil
	})
	require.NoError(t, err)
}

func TestIntegration_OrganizationDeleteCascades(t *testing.T) {
	ctx := context.Background()
	a := createOrg(t, "Studio Effimero")
	createCase(t, env.db, a, "EFF-0001")

	require.NoError(t, NewOrganizationStore(env.app).Delete(ctx, a.OrgID()))

	var n int
	require.NoError(t, env.super.QueryRow(ctx, `SELECT count(*) FROM cases WHERE organization_id = $1`, a.OrgID()).Scan(&n))
	require.Zero(t, n)
}

func TestIntegration_OrganizationStore(t *testing.T) {
	ctx := context.Background()
	orgs := NewOrganizationStore(env.app)

	org := &models.Organization{Name: "Studio Alias", InboundAlias: " Rossi-Intake "}
	require.NoError(t, orgs.Create(ctx, org))
	require.Equal(t, "rossi-intake", org.InboundAlias)

	got, err := orgs.GetByInboundAlias(ctx, "ROSSI-INTAKE")
	require.NoError(t, err)
	require.Equal(t, org.OrgID, got.OrgID)

	require.ErrorIs(t, orgs.Create(ctx, &models.Organization{Name: "dup", InboundAlias: "rossi-intake"}), store.ErrOrganizationAlreadyExists)

	_, err = orgs.GetByInboundAlias(ctx, "")
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)
	_, err = orgs.Get(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrOrganizationNotFound)

	got.Name = "Studio Alias Srl"
	require.NoError(t, orgs.Update(ctx, got))
	require.ErrorIs(t, orgs.Update(ctx, &models.Organization{OrgID: uuid.New()}), store.ErrOrganizationNotFound)
}

func TestIntegration_TaskQueue(t *testing.T) {
	ctx := context.Background()
	tasks, err := NewTaskStore(env.app, TaskStoreConfig{LeaseSigningSecret: []byte("test-secret-key-min-32-bytes-long"), MaxAttempts: 2})
	require.NoError(t, err)

	task := &QueuedTask{Kind: "document.analyze", RequestID: "req-1", UserID: uuid.NewString(), OrgID: uuid.NewString()}
	created, err := tasks.Enqueue(ctx, task)
	require.NoError(t, err)
	require.True(t, created)

	dup := &QueuedTask{Kind: "document.analyze", RequestID: "req-1"}
	created, err = tasks.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, task.TaskID, dup.TaskID)

	claimed, err := tasks.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)

	none, err := tasks.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, none)

	require.NoError(t, tasks.Fail(ctx, claimed[0].LeaseToken, errors.New("analyzer unavailable"), false, 0))

	again, err := tasks.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, 2, again[0].Attempts)

	// The first lease was superseded by the second claim.
	require.ErrorIs(t, tasks.Complete(ctx, claimed[0].LeaseToken), store.ErrInvalidLease)

	require.NoError(t, tasks.Fail(ctx, again[0].LeaseToken, errors.New("still down"), false, 0))
	got, err := tasks.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, TaskStateFailed, got.State)
	require.Equal(t, "still down", got.LastError)
}

func TestIntegration_MigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()

	status, err := MigrationStatus(ctx, env.app)
	require.NoError(t, err)
	require.NotEmpty(t, status)
	for _, s := range status {
		require.True(t, s.Applied, s.Path)
	}

	require.NoError(t, RollbackMigration(ctx, env.app))
	status, err = MigrationStatus(ctx, env.app)
	require.NoError(t, err)
	require.False(t, status[len(status)-1].Applied)

	require.NoError(t, RunMigrations(ctx, env.app))
	report, err := AuditIsolation(ctx, env.app)
	require.NoError(t, err)
	require.True(t, report.OK(), "findings: %v", report.Findings)
}
