package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/repository"
)

var errReadOnly = errors.New("memory store: write attempted in read unit of work")

type state struct {
	roots    map[string]domain.VersionRoot
	keys     map[domain.CacheKey]string
	versions map[string]domain.Version
}

func newState() state {
	return state{
		roots:    make(map[string]domain.VersionRoot),
		keys:     make(map[domain.CacheKey]string),
		versions: make(map[string]domain.Version),
	}
}

func (s state) clone() state {
	out := state{
		roots:    make(map[string]domain.VersionRoot, len(s.roots)),
		keys:     make(map[domain.CacheKey]string, len(s.keys)),
		versions: make(map[string]domain.Version, len(s.versions)),
	}
	for id, root := range s.roots {
		out.roots[id] = root.Clone()
	}
	for key, id := range s.keys {
		out.keys[key] = id
	}
	for id, version := range s.versions {
		out.versions[id] = version.Clone()
	}
	return out
}

// Store is an in-process VersionUnitOfWork. Writers run against a private
// copy of the state that replaces the committed state only when fn succeeds.
type Store struct {
	mu    sync.RWMutex
	state state
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

var _ port.VersionUnitOfWork = (*Store)(nil)

// Write runs fn in a serialized, all-or-nothing unit of work.
func (s *Store) Write(ctx context.Context, fn func(repo port.VersionRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&txRepository{state: &working}); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Read runs fn against committed state.
func (s *Store) Read(ctx context.Context, fn func(repo port.VersionRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&txRepository{state: &s.state, readOnly: true})
}

type txRepository struct {
	state    *state
	readOnly bool
}

var _ port.VersionRepository = (*txRepository)(nil)

func (r *txRepository) CreateRoot(_ context.Context, root domain.VersionRoot) error {
	if r.readOnly {
		return errReadOnly
	}
	if strings.TrimSpace(root.ID) == "" {
		return fmt.Errorf("root id is required")
	}
	if _, exists := r.state.roots[root.ID]; exists {
		return repository.ErrConflict
	}
	key := root.Key()
	if _, exists := r.state.keys[key]; exists {
		return repository.ErrConflict
	}
	r.state.roots[root.ID] = root.Clone()
	r.state.keys[key] = root.ID
	return nil
}

func (r *txRepository) LockRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error) {
	if r.readOnly {
		return nil, errReadOnly
	}
	return r.GetRoot(ctx, rootID)
}

func (r *txRepository) GetRoot(_ context.Context, rootID string) (*domain.VersionRoot, error) {
	root, ok := r.state.roots[rootID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := root.Clone()
	return &out, nil
}

func (r *txRepository) GetRootByKey(ctx context.Context, key domain.CacheKey) (*domain.VersionRoot, error) {
	id, ok := r.state.keys[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetRoot(ctx, id)
}

func (r *txRepository) UpdateRoot(_ context.Context, root domain.VersionRoot) error {
	if r.readOnly {
		return errReadOnly
	}
	existing, ok := r.state.roots[root.ID]
	if !ok {
		return repository.ErrNotFound
	}
	// natural key and entity type are immutable after creation
	root.EntityType = existing.EntityType
	root.NaturalKey = existing.NaturalKey
	root.CreatedAt = existing.CreatedAt
	r.state.roots[root.ID] = root.Clone()
	return nil
}

func (r *txRepository) InsertVersion(_ context.Context, version domain.Version) error {
	if r.readOnly {
		return errReadOnly
	}
	if _, ok := r.state.roots[version.RootID]; !ok {
		return repository.ErrNotFound
	}
	if _, exists := r.state.versions[version.ID]; exists {
		return repository.ErrConflict
	}
	if err := r.checkUnique(version); err != nil {
		return err
	}
	r.state.versions[version.ID] = version.Clone()
	return nil
}

func (r *txRepository) UpdateVersion(_ context.Context, version domain.Version) error {
	if r.readOnly {
		return errReadOnly
	}
	if _, ok := r.state.versions[version.ID]; !ok {
		return repository.ErrNotFound
	}
	if err := r.checkUnique(version); err != nil {
		return err
	}
	r.state.versions[version.ID] = version.Clone()
	return nil
}

// checkUnique mirrors the unique indexes of the relational schema.
func (r *txRepository) checkUnique(candidate domain.Version) error {
	for id, existing := range r.state.versions {
		if id == candidate.ID || existing.RootID != candidate.RootID {
			continue
		}
		if existing.VersionNumber == candidate.VersionNumber {
			return repository.ErrConflict
		}
		if candidate.IsDraft() && existing.IsDraft() {
			return repository.ErrConflict
		}
		if candidate.IsCurrent() && existing.IsCurrent() {
			return repository.ErrConflict
		}
	}
	return nil
}

func (r *txRepository) DeleteVersion(_ context.Context, versionID string) error {
	if r.readOnly {
		return errReadOnly
	}
	if _, ok := r.state.versions[versionID]; !ok {
		return repository.ErrNotFound
	}
	delete(r.state.versions, versionID)
	return nil
}

func (r *txRepository) GetVersionByID(_ context.Context, versionID string) (*domain.Version, error) {
	version, ok := r.state.versions[versionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := version.Clone()
	return &out, nil
}

func (r *txRepository) GetVersionByNumber(_ context.Context, rootID string, versionNumber int) (*domain.Version, error) {
	for _, version := range r.state.versions {
		if version.RootID == rootID && version.VersionNumber == versionNumber {
			out := version.Clone()
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *txRepository) MaxVersionNumber(_ context.Context, rootID string) (int, error) {
	max := 0
	for _, version := range r.state.versions {
		if version.RootID == rootID && version.VersionNumber > max {
			max = version.VersionNumber
		}
	}
	return max, nil
}

func (r *txRepository) ListByStatus(_ context.Context, rootID string, status domain.VersionStatus) ([]domain.Version, error) {
	out := r.collect(func(v domain.Version) bool {
		return v.RootID == rootID && v.Status == status
	})
	sortAscending(out)
	return out, nil
}

func (r *txRepository) ListCovering(_ context.Context, rootID string, at time.Time) ([]domain.Version, error) {
	out := r.collect(func(v domain.Version) bool {
		return v.RootID == rootID && v.Covers(at)
	})
	sortAscending(out)
	return out, nil
}

func (r *txRepository) ListVersions(_ context.Context, rootID string, includeDrafts bool) ([]domain.Version, error) {
	out := r.collect(func(v domain.Version) bool {
		return v.RootID == rootID && (includeDrafts || !v.IsDraft())
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	return out, nil
}

func (r *txRepository) collect(match func(domain.Version) bool) []domain.Version {
	var out []domain.Version
	for _, version := range r.state.versions {
		if match(version) {
			out = append(out, version.Clone())
		}
	}
	return out
}

func sortAscending(versions []domain.Version) {
	sort.Slice(versions, func(i, j int) bool { return versions[i].VersionNumber < versions[j].VersionNumber })
}
