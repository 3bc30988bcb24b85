package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/repository"
)

func versionRows() *pgxmock.Rows {
	return pgxmock.NewRows(versionColumns)
}

func TestVersionRepository_LockRoot(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	createdAt := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(rootColumns).AddRow(
		"root-1", "SYSTEM_CONFIG", "billing.limits", "v-2", "v-1", nil, 2, createdAt, createdAt,
	)
	mock.ExpectQuery(`SELECT id, entity_type, natural_key, .* FROM governance\.version_roots WHERE id = \$1 LIMIT 1 FOR UPDATE`).
		WithArgs("root-1").
		WillReturnRows(rows)

	root, err := repo.LockRoot(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("LockRoot returned error: %v", err)
	}
	if root.EntityType != domain.EntitySystemConfig || root.NaturalKey != "billing.limits" {
		t.Fatalf("unexpected root identity: %+v", root)
	}
	if id, ok := root.CurrentVersion(); !ok || id != "v-2" {
		t.Fatalf("unexpected current pointer %q", id)
	}
	if root.HasDraft() {
		t.Fatalf("expected no draft pointer")
	}
	if root.LastVersionNumber != 2 {
		t.Fatalf("unexpected last version number %d", root.LastVersionNumber)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVersionRepository_GetRootByKeyNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	mock.ExpectQuery(`FROM governance\.version_roots WHERE entity_type = \$1 AND natural_key = \$2 LIMIT 1`).
		WithArgs("PERMISSION_GROUP", "ops").
		WillReturnError(pgx.ErrNoRows)

	_, err = repo.GetRootByKey(context.Background(), domain.CacheKey{EntityType: domain.EntityPermissionGroup, NaturalKey: "ops"})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVersionRepository_InsertVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	reason := "raise limit"
	version := domain.Version{
		ID:            "v-2",
		RootID:        "root-1",
		VersionNumber: 2,
		Payload:       domain.Payload{Name: "B", Active: true},
		Status:        domain.VersionStatusPublished,
		ChangeAction:  domain.ChangeActionUpdate,
		ChangeReason:  &reason,
		ChangedBy:     "alice",
		ChangedByName: "Alice",
		ChangedByOrg:  "HQ",
		ChangedAt:     at,
		ValidFrom:     at,
	}

	mock.ExpectExec(`INSERT INTO governance\.versions`).
		WithArgs(
			"v-2", "root-1", 2, `{"name":"B","active":true}`, "PUBLISHED", "UPDATE", reason,
			"alice", "Alice", "HQ", at, at, nil, nil, nil,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := repo.InsertVersion(context.Background(), version); err != nil {
		t.Fatalf("InsertVersion returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVersionRepository_InsertVersionUniqueViolation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	mock.ExpectExec(`INSERT INTO governance\.versions`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "versions_one_draft_per_root"})

	err = repo.InsertVersion(context.Background(), domain.Version{ID: "v-3", RootID: "root-1", VersionNumber: 3, Status: domain.VersionStatusDraft})
	if !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestVersionRepository_UpdateRootMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	mock.ExpectExec(`UPDATE governance\.version_roots SET current_version_id = \$1`).
		WithArgs("v-2", nil, nil, 2, pgxmock.AnyArg(), "root-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	current := "v-2"
	err = repo.UpdateRoot(context.Background(), domain.VersionRoot{ID: "root-1", CurrentVersionID: &current, LastVersionNumber: 2})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVersionRepository_ListCovering(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	from := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)
	at := from.Add(30 * time.Minute)

	rows := versionRows().AddRow(
		"v-1", "root-1", 1, []byte(`{"name":"A","active":true,"content":{"limit":10}}`), "HISTORICAL", "CREATE", nil,
		"alice", "Alice", "HQ", from, from, to, nil, "release-1",
	)
	mock.ExpectQuery(`FROM governance\.versions WHERE root_id = \$1 AND status <> \$2 AND valid_from <= \$3 AND \(valid_to IS NULL OR valid_to > \$4\) ORDER BY version_number ASC`).
		WithArgs("root-1", "DRAFT", at, at).
		WillReturnRows(rows)

	versions, err := repo.ListCovering(context.Background(), "root-1", at)
	if err != nil {
		t.Fatalf("ListCovering returned error: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected one version, got %d", len(versions))
	}
	v := versions[0]
	if v.Payload.Name != "A" || string(v.Payload.Content) != `{"limit":10}` {
		t.Fatalf("unexpected payload: %+v", v.Payload)
	}
	if v.ValidTo == nil || !v.ValidTo.Equal(to) || v.Tag == nil || *v.Tag != "release-1" {
		t.Fatalf("unexpected nullable columns: %+v", v)
	}
	if v.ChangeReason != nil || v.RollbackFromVersion != nil {
		t.Fatalf("expected null reason and rollback source")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVersionRepository_MaxVersionNumber(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	repo := NewVersionRepository(mock)
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version_number\), 0\) FROM governance\.versions WHERE root_id = \$1`).
		WithArgs("root-1").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(4))

	max, err := repo.MaxVersionNumber(context.Background(), "root-1")
	if err != nil {
		t.Fatalf("MaxVersionNumber returned error: %v", err)
	}
	if max != 4 {
		t.Fatalf("expected 4, got %d", max)
	}
}

func TestStore_WriteCommits(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	mock.ExpectBeginTx(writeTxOptions)
	mock.ExpectExec(`DELETE FROM governance\.versions WHERE id = \$1`).
		WithArgs("v-3").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	err = store.Write(context.Background(), func(repo port.VersionRepository) error {
		return repo.DeleteVersion(context.Background(), "v-3")
	})
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStore_ReadRollsBackOnError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	defer mock.Close()

	store := NewStore(mock)
	boom := errors.New("boom")
	mock.ExpectBeginTx(readTxOptions)
	mock.ExpectRollback()

	err = store.Read(context.Background(), func(port.VersionRepository) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
