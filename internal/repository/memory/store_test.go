package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/repository"
)

var storeEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func seedRoot(t *testing.T, store *Store) domain.VersionRoot {
	t.Helper()
	root := domain.VersionRoot{
		ID:         "root-1",
		EntityType: domain.EntitySystemConfig,
		NaturalKey: "billing.limits",
		CreatedAt:  storeEpoch,
		UpdatedAt:  storeEpoch,
	}
	err := store.Write(context.Background(), func(repo port.VersionRepository) error {
		return repo.CreateRoot(context.Background(), root)
	})
	if err != nil {
		t.Fatalf("seed root: %v", err)
	}
	return root
}

func publishedVersion(id string, number int, from time.Time, to *time.Time) domain.Version {
	status := domain.VersionStatusPublished
	if to != nil {
		status = domain.VersionStatusHistorical
	}
	return domain.Version{
		ID:            id,
		RootID:        "root-1",
		VersionNumber: number,
		Payload:       domain.Payload{Name: id, Active: true},
		Status:        status,
		ChangeAction:  domain.ChangeActionUpdate,
		ChangedBy:     "alice",
		ChangedAt:     from,
		ValidFrom:     from,
		ValidTo:       to,
	}
}

func TestStoreWriteIsAllOrNothing(t *testing.T) {
	store := NewStore()
	seedRoot(t, store)
	boom := errors.New("boom")

	err := store.Write(context.Background(), func(repo port.VersionRepository) error {
		if err := repo.InsertVersion(context.Background(), publishedVersion("v-1", 1, storeEpoch, nil)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	err = store.Read(context.Background(), func(repo port.VersionRepository) error {
		_, err := repo.GetVersionByID(context.Background(), "v-1")
		return err
	})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected failed write to be discarded, got %v", err)
	}
}

func TestStoreReadIsReadOnly(t *testing.T) {
	store := NewStore()
	seedRoot(t, store)

	err := store.Read(context.Background(), func(repo port.VersionRepository) error {
		return repo.InsertVersion(context.Background(), publishedVersion("v-1", 1, storeEpoch, nil))
	})
	if !errors.Is(err, errReadOnly) {
		t.Fatalf("expected read-only rejection, got %v", err)
	}

	err = store.Read(context.Background(), func(repo port.VersionRepository) error {
		_, err := repo.LockRoot(context.Background(), "root-1")
		return err
	})
	if !errors.Is(err, errReadOnly) {
		t.Fatalf("expected lock to be rejected in read unit of work, got %v", err)
	}
}

func TestStoreUniqueIndexes(t *testing.T) {
	store := NewStore()
	root := seedRoot(t, store)
	ctx := context.Background()

	cases := map[string]func(repo port.VersionRepository) error{
		"duplicate natural key": func(repo port.VersionRepository) error {
			dup := root
			dup.ID = "root-2"
			return repo.CreateRoot(ctx, dup)
		},
		"duplicate version number": func(repo port.VersionRepository) error {
			closed := storeEpoch.Add(time.Hour)
			if err := repo.InsertVersion(ctx, publishedVersion("v-1", 1, storeEpoch, &closed)); err != nil {
				return err
			}
			return repo.InsertVersion(ctx, publishedVersion("v-2", 1, closed, nil))
		},
		"two open published versions": func(repo port.VersionRepository) error {
			if err := repo.InsertVersion(ctx, publishedVersion("v-1", 1, storeEpoch, nil)); err != nil {
				return err
			}
			return repo.InsertVersion(ctx, publishedVersion("v-2", 2, storeEpoch, nil))
		},
		"two drafts": func(repo port.VersionRepository) error {
			first := publishedVersion("v-1", 1, storeEpoch, nil)
			first.Status = domain.VersionStatusDraft
			second := publishedVersion("v-2", 2, storeEpoch, nil)
			second.Status = domain.VersionStatusDraft
			if err := repo.InsertVersion(ctx, first); err != nil {
				return err
			}
			return repo.InsertVersion(ctx, second)
		},
	}

	for name, write := range cases {
		if err := store.Write(ctx, write); !errors.Is(err, repository.ErrConflict) {
			t.Fatalf("%s: expected ErrConflict, got %v", name, err)
		}
	}
}

func TestStoreQueriesOrderAndCoverage(t *testing.T) {
	store := NewStore()
	seedRoot(t, store)
	ctx := context.Background()
	closed := storeEpoch.Add(time.Hour)

	err := store.Write(ctx, func(repo port.VersionRepository) error {
		draft := publishedVersion("v-3", 3, closed, nil)
		draft.Status = domain.VersionStatusDraft
		for _, v := range []domain.Version{
			publishedVersion("v-1", 1, storeEpoch, &closed),
			publishedVersion("v-2", 2, closed, nil),
			draft,
		} {
			if err := repo.InsertVersion(ctx, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed versions: %v", err)
	}

	err = store.Read(ctx, func(repo port.VersionRepository) error {
		history, err := repo.ListVersions(ctx, "root-1", false)
		if err != nil {
			return err
		}
		if len(history) != 2 || history[0].ID != "v-2" || history[1].ID != "v-1" {
			t.Fatalf("expected newest first without drafts, got %+v", history)
		}

		all, err := repo.ListVersions(ctx, "root-1", true)
		if err != nil {
			return err
		}
		if len(all) != 3 {
			t.Fatalf("expected drafts to be included on request, got %d", len(all))
		}

		covering, err := repo.ListCovering(ctx, "root-1", closed)
		if err != nil {
			return err
		}
		if len(covering) != 1 || covering[0].ID != "v-2" {
			t.Fatalf("expected half-open interval boundary to select v-2, got %+v", covering)
		}

		max, err := repo.MaxVersionNumber(ctx, "root-1")
		if err != nil {
			return err
		}
		if max != 3 {
			t.Fatalf("expected max version number 3, got %d", max)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Read returned error: %v", err)
	}
}

func TestStoreReturnsCopies(t *testing.T) {
	store := NewStore()
	seedRoot(t, store)
	ctx := context.Background()

	err := store.Write(ctx, func(repo port.VersionRepository) error {
		return repo.InsertVersion(ctx, publishedVersion("v-1", 1, storeEpoch, nil))
	})
	if err != nil {
		t.Fatalf("seed version: %v", err)
	}

	_ = store.Read(ctx, func(repo port.VersionRepository) error {
		v, err := repo.GetVersionByID(ctx, "v-1")
		if err != nil {
			t.Fatalf("GetVersionByID returned error: %v", err)
		}
		v.Payload.Name = "mutated"
		return nil
	})

	_ = store.Read(ctx, func(repo port.VersionRepository) error {
		v, _ := repo.GetVersionByID(ctx, "v-1")
		if v.Payload.Name != "v-1" {
			t.Fatalf("expected stored version to be isolated from callers, got %q", v.Payload.Name)
		}
		return nil
	})
}

func TestStoreHonoursCancelledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := store.Write(ctx, func(port.VersionRepository) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancelled write to be skipped, got %v (called=%v)", err, called)
	}
}
