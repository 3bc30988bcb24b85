package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/repository"
)

const (
	rootsTable    = "governance.version_roots"
	versionsTable = "governance.versions"

	uniqueViolation = "23505"
)

var rootColumns = []string{
	"id",
	"entity_type",
	"natural_key",
	"current_version_id",
	"previous_version_id",
	"next_version_id",
	"last_version_number",
	"created_at",
	"updated_at",
}

var versionColumns = []string{
	"id",
	"root_id",
	"version_number",
	"payload",
	"status",
	"change_action",
	"change_reason",
	"changed_by",
	"changed_by_name",
	"changed_by_org",
	"changed_at",
	"valid_from",
	"valid_to",
	"rollback_from_version",
	"tag",
}

// VersionRepository persists version roots and versions in PostgreSQL.
type VersionRepository struct {
	pool    *pgxpool.Pool
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewVersionRepository constructs the repository from a generic executor.
func NewVersionRepository(exec pgExecutor) *VersionRepository {
	repo := &VersionRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
	if pool, ok := exec.(*pgxpool.Pool); ok {
		repo.pool = pool
	}
	return repo
}

// WithTx binds the repository to execute statements within the supplied transaction.
func (r *VersionRepository) WithTx(tx pgx.Tx) *VersionRepository {
	if tx == nil {
		return r
	}
	return &VersionRepository{
		pool:    r.pool,
		exec:    tx,
		builder: r.builder,
	}
}

var _ port.VersionRepository = (*VersionRepository)(nil)

// CreateRoot inserts a new root row.
func (r *VersionRepository) CreateRoot(ctx context.Context, root domain.VersionRoot) error {
	stmt, args, err := r.builder.
		Insert(rootsTable).
		Columns(rootColumns...).
		Values(
			root.ID,
			string(root.EntityType),
			root.NaturalKey,
			optionalString(root.CurrentVersionID),
			optionalString(root.PreviousVersionID),
			optionalString(root.NextVersionID),
			root.LastVersionNumber,
			root.CreatedAt.UTC(),
			root.UpdatedAt.UTC(),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert root sql: %w", err)
	}
	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert root", err)
	}
	return nil
}

// LockRoot loads the root and holds its row lock until the transaction ends.
func (r *VersionRepository) LockRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error) {
	return r.selectRoot(ctx, squirrel.Eq{"id": strings.TrimSpace(rootID)}, "FOR UPDATE")
}

// GetRoot loads the root without locking it.
func (r *VersionRepository) GetRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error) {
	return r.selectRoot(ctx, squirrel.Eq{"id": strings.TrimSpace(rootID)}, "")
}

// GetRootByKey loads the root registered under the natural key.
func (r *VersionRepository) GetRootByKey(ctx context.Context, key domain.CacheKey) (*domain.VersionRoot, error) {
	return r.selectRoot(ctx, squirrel.Eq{"entity_type": string(key.EntityType), "natural_key": key.NaturalKey}, "")
}

func (r *VersionRepository) selectRoot(ctx context.Context, where squirrel.Sqlizer, suffix string) (*domain.VersionRoot, error) {
	query := r.builder.
		Select(rootColumns...).
		From(rootsTable).
		Where(where).
		Limit(1)
	if suffix != "" {
		query = query.Suffix(suffix)
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select root sql: %w", err)
	}

	root, err := scanRoot(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan root: %w", err)
	}
	return root, nil
}

// UpdateRoot persists the version pointers and counters of the root.
func (r *VersionRepository) UpdateRoot(ctx context.Context, root domain.VersionRoot) error {
	stmt, args, err := r.builder.
		Update(rootsTable).
		Set("current_version_id", optionalString(root.CurrentVersionID)).
		Set("previous_version_id", optionalString(root.PreviousVersionID)).
		Set("next_version_id", optionalString(root.NextVersionID)).
		Set("last_version_number", root.LastVersionNumber).
		Set("updated_at", root.UpdatedAt.UTC()).
		Where(squirrel.Eq{"id": root.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update root sql: %w", err)
	}
	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return mapWriteError("update root", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertVersion inserts a version row.
func (r *VersionRepository) InsertVersion(ctx context.Context, version domain.Version) error {
	payload, err := json.Marshal(version.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	stmt, args, err := r.builder.
		Insert(versionsTable).
		Columns(versionColumns...).
		Values(
			version.ID,
			version.RootID,
			version.VersionNumber,
			string(payload),
			string(version.Status),
			string(version.ChangeAction),
			optionalString(version.ChangeReason),
			version.ChangedBy,
			version.ChangedByName,
			version.ChangedByOrg,
			version.ChangedAt.UTC(),
			version.ValidFrom.UTC(),
			optionalTime(version.ValidTo),
			optionalInt(version.RollbackFromVersion),
			optionalString(version.Tag),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert version sql: %w", err)
	}
	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return mapWriteError("insert version", err)
	}
	return nil
}

// UpdateVersion rewrites the mutable columns of a version. Identity and
// number never change.
func (r *VersionRepository) UpdateVersion(ctx context.Context, version domain.Version) error {
	payload, err := json.Marshal(version.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	stmt, args, err := r.builder.
		Update(versionsTable).
		Set("payload", string(payload)).
		Set("status", string(version.Status)).
		Set("change_action", string(version.ChangeAction)).
		Set("change_reason", optionalString(version.ChangeReason)).
		Set("changed_by", version.ChangedBy).
		Set("changed_by_name", version.ChangedByName).
		Set("changed_by_org", version.ChangedByOrg).
		Set("changed_at", version.ChangedAt.UTC()).
		Set("valid_from", version.ValidFrom.UTC()).
		Set("valid_to", optionalTime(version.ValidTo)).
		Set("tag", optionalString(version.Tag)).
		Where(squirrel.Eq{"id": version.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update version sql: %w", err)
	}
	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return mapWriteError("update version", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// DeleteVersion hard deletes a version row. Only drafts are ever deleted.
func (r *VersionRepository) DeleteVersion(ctx context.Context, versionID string) error {
	stmt, args, err := r.builder.
		Delete(versionsTable).
		Where(squirrel.Eq{"id": versionID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete version sql: %w", err)
	}
	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("delete version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetVersionByID loads a version by identifier.
func (r *VersionRepository) GetVersionByID(ctx context.Context, versionID string) (*domain.Version, error) {
	return r.selectVersion(ctx, squirrel.Eq{"id": versionID})
}

// GetVersionByNumber loads a version of the root by number.
func (r *VersionRepository) GetVersionByNumber(ctx context.Context, rootID string, versionNumber int) (*domain.Version, error) {
	return r.selectVersion(ctx, squirrel.Eq{"root_id": rootID, "version_number": versionNumber})
}

func (r *VersionRepository) selectVersion(ctx context.Context, where squirrel.Sqlizer) (*domain.Version, error) {
	stmt, args, err := r.builder.
		Select(versionColumns...).
		From(versionsTable).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select version sql: %w", err)
	}
	version, err := scanVersion(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return version, nil
}

// MaxVersionNumber returns the highest stored version number of the root, or zero.
func (r *VersionRepository) MaxVersionNumber(ctx context.Context, rootID string) (int, error) {
	stmt, args, err := r.builder.
		Select("COALESCE(MAX(version_number), 0)").
		From(versionsTable).
		Where(squirrel.Eq{"root_id": rootID}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build max version sql: %w", err)
	}
	var max int
	if err := r.exec.QueryRow(ctx, stmt, args...).Scan(&max); err != nil {
		return 0, fmt.Errorf("scan max version: %w", err)
	}
	return max, nil
}

// ListByStatus returns the root's versions with status, oldest first.
func (r *VersionRepository) ListByStatus(ctx context.Context, rootID string, status domain.VersionStatus) ([]domain.Version, error) {
	return r.listVersions(ctx, "version_number ASC",
		squirrel.Eq{"root_id": rootID, "status": string(status)},
	)
}

// ListCovering returns the non-draft versions whose validity interval contains at.
func (r *VersionRepository) ListCovering(ctx context.Context, rootID string, at time.Time) ([]domain.Version, error) {
	at = at.UTC()
	return r.listVersions(ctx, "version_number ASC",
		squirrel.Eq{"root_id": rootID},
		squirrel.NotEq{"status": string(domain.VersionStatusDraft)},
		squirrel.LtOrEq{"valid_from": at},
		squirrel.Or{squirrel.Eq{"valid_to": nil}, squirrel.Gt{"valid_to": at}},
	)
}

// ListVersions returns the root's versions, newest first.
func (r *VersionRepository) ListVersions(ctx context.Context, rootID string, includeDrafts bool) ([]domain.Version, error) {
	conditions := []squirrel.Sqlizer{squirrel.Eq{"root_id": rootID}}
	if !includeDrafts {
		conditions = append(conditions, squirrel.NotEq{"status": string(domain.VersionStatusDraft)})
	}
	return r.listVersions(ctx, "version_number DESC", conditions...)
}

func (r *VersionRepository) listVersions(ctx context.Context, orderBy string, conditions ...squirrel.Sqlizer) ([]domain.Version, error) {
	query := r.builder.
		Select(versionColumns...).
		From(versionsTable).
		OrderBy(orderBy)
	for _, cond := range conditions {
		query = query.Where(cond)
	}
	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list versions sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.Version
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return versions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoot(row rowScanner) (*domain.VersionRoot, error) {
	var (
		root       domain.VersionRoot
		entityType string
		current    sql.NullString
		previous   sql.NullString
		next       sql.NullString
	)
	if err := row.Scan(
		&root.ID,
		&entityType,
		&root.NaturalKey,
		&current,
		&previous,
		&next,
		&root.LastVersionNumber,
		&root.CreatedAt,
		&root.UpdatedAt,
	); err != nil {
		return nil, err
	}
	root.EntityType = domain.EntityType(entityType)
	root.CurrentVersionID = nullableStringPtr(current)
	root.PreviousVersionID = nullableStringPtr(previous)
	root.NextVersionID = nullableStringPtr(next)
	root.CreatedAt = root.CreatedAt.UTC()
	root.UpdatedAt = root.UpdatedAt.UTC()
	return &root, nil
}

func scanVersion(row rowScanner) (*domain.Version, error) {
	var (
		version      domain.Version
		payload      []byte
		status       string
		action       string
		reason       sql.NullString
		validTo      sql.NullTime
		rollbackFrom sql.NullInt64
		tag          sql.NullString
	)
	if err := row.Scan(
		&version.ID,
		&version.RootID,
		&version.VersionNumber,
		&payload,
		&status,
		&action,
		&reason,
		&version.ChangedBy,
		&version.ChangedByName,
		&version.ChangedByOrg,
		&version.ChangedAt,
		&version.ValidFrom,
		&validTo,
		&rollbackFrom,
		&tag,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &version.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	version.Status = domain.VersionStatus(status)
	version.ChangeAction = domain.ChangeAction(action)
	version.ChangeReason = nullableStringPtr(reason)
	version.ChangedAt = version.ChangedAt.UTC()
	version.ValidFrom = version.ValidFrom.UTC()
	version.ValidTo = nullableTimePtr(validTo)
	version.Tag = nullableStringPtr(tag)
	if rollbackFrom.Valid {
		from := int(rollbackFrom.Int64)
		version.RollbackFromVersion = &from
	}
	return &version, nil
}

func mapWriteError(action string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", action, pgErr.ConstraintName, repository.ErrConflict)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func optionalString(value *string) any {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func optionalTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return (*value).UTC()
}

func optionalInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullableStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := strings.TrimSpace(value.String)
	if v == "" {
		return nil
	}
	return &v
}

func nullableTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
