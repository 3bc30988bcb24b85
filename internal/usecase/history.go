package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/logger"
	"github.com/arklim/config-governance/internal/repository"
)

const (
	opListHistory             = "list history"
	opGetVersion              = "get version"
	opGetVersionAsOf          = "get version as of"
	opCompareVersions         = "compare versions"
	opCompareDraftWithCurrent = "compare draft with current"
	opGetDraft                = "get draft"
	opGetCurrent              = "get current"
)

// HistoryReader answers read-only questions about a root's timeline.
type HistoryReader struct {
	uow      port.VersionUnitOfWork
	adapters *AdapterRegistry
	logger   *zap.Logger
}

// NewHistoryReader constructs the history reader.
func NewHistoryReader(uow port.VersionUnitOfWork, adapters *AdapterRegistry) *HistoryReader {
	if adapters == nil {
		adapters = NewAdapterRegistry(DefaultAdapters()...)
	}
	return &HistoryReader{uow: uow, adapters: adapters, logger: zap.NewNop()}
}

// WithLogger attaches a structured logger to the reader.
func (r *HistoryReader) WithLogger(logger *zap.Logger) *HistoryReader {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// ListHistory returns the published and historical versions of the root, newest first.
func (r *HistoryReader) ListHistory(ctx context.Context, rootID string) ([]domain.Version, error) {
	var versions []domain.Version
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		if _, err := r.root(ctx, repo, opListHistory, rootID); err != nil {
			return err
		}
		listed, err := repo.ListVersions(ctx, rootID, false)
		if err != nil {
			return fmt.Errorf("list versions: %w", err)
		}
		versions = listed
		return nil
	})
	return versions, err
}

// GetVersion returns the version identified by number.
func (r *HistoryReader) GetVersion(ctx context.Context, rootID string, versionNumber int) (domain.Version, error) {
	var version domain.Version
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		found, err := r.version(ctx, repo, opGetVersion, rootID, versionNumber)
		if err != nil {
			return err
		}
		version = *found
		return nil
	})
	return version, err
}

// GetVersionAsOf returns the version whose validity interval covers at.
func (r *HistoryReader) GetVersionAsOf(ctx context.Context, rootID string, at time.Time) (domain.Version, error) {
	var version domain.Version
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		if _, err := r.root(ctx, repo, opGetVersionAsOf, rootID); err != nil {
			return err
		}
		covering, err := repo.ListCovering(ctx, rootID, at)
		if err != nil {
			return fmt.Errorf("list covering versions: %w", err)
		}
		switch len(covering) {
		case 0:
			return domain.NewNotFound(opGetVersionAsOf, rootID, "no version valid at %s", at.UTC().Format(time.RFC3339Nano))
		case 1:
			version = covering[0]
			return nil
		default:
			numbers := make([]int, 0, len(covering))
			for _, v := range covering {
				numbers = append(numbers, v.VersionNumber)
			}
			logger.Enrich(r.logger, ctx).Error("overlapping validity intervals",
				zap.String("root_id", rootID),
				zap.Time("at", at),
				zap.Ints("versions", numbers),
			)
			return domain.NewInvariantViolation(opGetVersionAsOf, rootID, "versions %v are all valid at %s", numbers, at.UTC().Format(time.RFC3339Nano))
		}
	})
	return version, err
}

// CompareVersions diffs version a against version b.
func (r *HistoryReader) CompareVersions(ctx context.Context, rootID string, a, b int) (domain.VersionDiff, error) {
	var diff domain.VersionDiff
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		root, err := r.root(ctx, repo, opCompareVersions, rootID)
		if err != nil {
			return err
		}
		from, err := r.version(ctx, repo, opCompareVersions, rootID, a)
		if err != nil {
			return err
		}
		to, err := r.version(ctx, repo, opCompareVersions, rootID, b)
		if err != nil {
			return err
		}
		diff, err = r.diff(*root, *from, *to)
		return err
	})
	return diff, err
}

// CompareDraftWithCurrent diffs the current version against the pending draft.
func (r *HistoryReader) CompareDraftWithCurrent(ctx context.Context, rootID string) (domain.VersionDiff, error) {
	var diff domain.VersionDiff
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		root, err := r.root(ctx, repo, opCompareDraftWithCurrent, rootID)
		if err != nil {
			return err
		}
		current, err := r.pointed(ctx, repo, opCompareDraftWithCurrent, root.ID, root.CurrentVersionID, "current version")
		if err != nil {
			return err
		}
		draft, err := r.pointed(ctx, repo, opCompareDraftWithCurrent, root.ID, root.NextVersionID, "draft")
		if err != nil {
			return err
		}
		diff, err = r.diff(*root, *current, *draft)
		return err
	})
	return diff, err
}

// GetDraft returns the root's pending draft.
func (r *HistoryReader) GetDraft(ctx context.Context, rootID string) (domain.Version, error) {
	return r.pointer(ctx, opGetDraft, rootID, "draft", func(root *domain.VersionRoot) *string { return root.NextVersionID })
}

// GetCurrent returns the root's current version.
func (r *HistoryReader) GetCurrent(ctx context.Context, rootID string) (domain.Version, error) {
	return r.pointer(ctx, opGetCurrent, rootID, "current version", func(root *domain.VersionRoot) *string { return root.CurrentVersionID })
}

func (r *HistoryReader) pointer(ctx context.Context, op, rootID, what string, pick func(*domain.VersionRoot) *string) (domain.Version, error) {
	var version domain.Version
	err := r.uow.Read(ctx, func(repo port.VersionRepository) error {
		root, err := r.root(ctx, repo, op, rootID)
		if err != nil {
			return err
		}
		found, err := r.pointed(ctx, repo, op, root.ID, pick(root), what)
		if err != nil {
			return err
		}
		version = *found
		return nil
	})
	return version, err
}

func (r *HistoryReader) root(ctx context.Context, repo port.VersionRepository, op, rootID string) (*domain.VersionRoot, error) {
	root, err := repo.GetRoot(ctx, rootID)
	if err != nil {
		return nil, mapReadErr(op, rootID, "root not found", err)
	}
	return root, nil
}

func (r *HistoryReader) version(ctx context.Context, repo port.VersionRepository, op, rootID string, number int) (*domain.Version, error) {
	version, err := repo.GetVersionByNumber(ctx, rootID, number)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			if _, rootErr := r.root(ctx, repo, op, rootID); rootErr != nil {
				return nil, rootErr
			}
			return nil, domain.NewNotFound(op, rootID, "version %d not found", number)
		}
		return nil, fmt.Errorf("load version %d: %w", number, err)
	}
	return version, nil
}

func (r *HistoryReader) pointed(ctx context.Context, repo port.VersionRepository, op, rootID string, id *string, what string) (*domain.Version, error) {
	if id == nil || *id == "" {
		return nil, domain.NewNotFound(op, rootID, "%s not found", what)
	}
	version, err := repo.GetVersionByID(ctx, *id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Enrich(r.logger, ctx).Error("root pointer is dangling", zap.String("root_id", rootID), zap.String("version_id", *id))
			return nil, domain.NewInvariantViolation(op, rootID, "%s pointer references missing version %s", what, *id)
		}
		return nil, fmt.Errorf("load %s: %w", what, err)
	}
	return version, nil
}

func (r *HistoryReader) diff(root domain.VersionRoot, from, to domain.Version) (domain.VersionDiff, error) {
	adapter, err := r.adapters.Lookup(root.EntityType)
	if err != nil {
		return domain.VersionDiff{}, err
	}
	changes, err := adapter.Diff(from.Payload, to.Payload)
	if err != nil {
		return domain.VersionDiff{}, fmt.Errorf("diff versions %d and %d: %w", from.VersionNumber, to.VersionNumber, err)
	}
	out := domain.VersionDiff{
		RootID:      root.ID,
		FromVersion: from.VersionNumber,
		ToVersion:   to.VersionNumber,
		Changes:     changes,
	}
	if len(changes) > 0 {
		patch, err := mergePatchBetween(from.Payload, to.Payload)
		if err != nil {
			return domain.VersionDiff{}, err
		}
		out.MergePatch = patch
	}
	return out, nil
}

func mergePatchBetween(from, to domain.Payload) (json.RawMessage, error) {
	original, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	modified, err := json.Marshal(to)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	patch, err := jsonpatch.CreateMergePatch(original, modified)
	if err != nil {
		return nil, fmt.Errorf("create merge patch: %w", err)
	}
	return patch, nil
}
