package port

import (
	"context"
	"time"

	"github.com/arklim/config-governance/internal/core/domain"
)

// VersionRepository persists version roots and their versions. Implementations
// are bound to one unit of work; see VersionUnitOfWork.
type VersionRepository interface {
	CreateRoot(ctx context.Context, root domain.VersionRoot) error
	// LockRoot loads the root and holds a write lock on it until the unit of work ends.
	LockRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error)
	GetRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error)
	GetRootByKey(ctx context.Context, key domain.CacheKey) (*domain.VersionRoot, error)
	UpdateRoot(ctx context.Context, root domain.VersionRoot) error

	InsertVersion(ctx context.Context, version domain.Version) error
	UpdateVersion(ctx context.Context, version domain.Version) error
	DeleteVersion(ctx context.Context, versionID string) error

	GetVersionByID(ctx context.Context, versionID string) (*domain.Version, error)
	GetVersionByNumber(ctx context.Context, rootID string, versionNumber int) (*domain.Version, error)
	MaxVersionNumber(ctx context.Context, rootID string) (int, error)
	// ListByStatus returns every version of the root in the given status, oldest first.
	ListByStatus(ctx context.Context, rootID string, status domain.VersionStatus) ([]domain.Version, error)
	// ListCovering returns the non-draft versions whose validity interval contains at.
	ListCovering(ctx context.Context, rootID string, at time.Time) ([]domain.Version, error)
	// ListVersions returns all versions of the root ordered by version number descending.
	ListVersions(ctx context.Context, rootID string, includeDrafts bool) ([]domain.Version, error)
}

// VersionUnitOfWork scopes repository access to a storage transaction.
// Write serializes against other writers of the same root once LockRoot is
// called; Read observes only committed state.
type VersionUnitOfWork interface {
	Write(ctx context.Context, fn func(repo VersionRepository) error) error
	Read(ctx context.Context, fn func(repo VersionRepository) error) error
}
