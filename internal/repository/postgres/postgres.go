package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/port"
)

type pgExecutor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	pgExecutor
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

var (
	writeTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}
	readTxOptions  = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
)

// Store runs version repository work inside PostgreSQL transactions.
type Store struct {
	pool     *pgxpool.Pool
	db       txBeginner
	versions *VersionRepository
	logger   *zap.Logger
}

// NewStore constructs a new Store from a pool or any compatible executor.
func NewStore(db txBeginner) *Store {
	store := &Store{
		db:       db,
		versions: NewVersionRepository(db),
		logger:   zap.NewNop(),
	}
	if pool, ok := db.(*pgxpool.Pool); ok {
		store.pool = pool
	}
	return store
}

// WithLogger attaches a structured logger to the store.
func (s *Store) WithLogger(logger *zap.Logger) *Store {
	if logger != nil {
		s.logger = logger
	}
	return s
}

var _ port.VersionUnitOfWork = (*Store)(nil)

// Write runs fn in a read committed transaction. Root rows are serialized
// through SELECT ... FOR UPDATE in LockRoot.
func (s *Store) Write(ctx context.Context, fn func(repo port.VersionRepository) error) error {
	return s.withTx(ctx, writeTxOptions, fn)
}

// Read runs fn in a repeatable read, read-only transaction so that multi
// statement reads observe one snapshot.
func (s *Store) Read(ctx context.Context, fn func(repo port.VersionRepository) error) error {
	return s.withTx(ctx, readTxOptions, fn)
}

func (s *Store) withTx(ctx context.Context, opts pgx.TxOptions, fn func(repo port.VersionRepository) error) (err error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				s.logger.Error("rollback after panic failed", zap.Error(rbErr))
			}
			panic(p)
		}
	}()

	if err := fn(s.versions.WithTx(tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close releases resources associated with the store.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
