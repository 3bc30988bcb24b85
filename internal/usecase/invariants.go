package usecase

import (
	"sort"

	"github.com/arklim/config-governance/internal/core/domain"
)

const opCheckInvariants = "check invariants"

// CheckInvariants verifies the structural invariants of one root and the
// complete set of its versions. It returns an ErrInvariantViolation error
// describing the first violation found.
func CheckInvariants(root domain.VersionRoot, versions []domain.Version) error {
	byID := make(map[string]domain.Version, len(versions))
	numbers := make(map[int]struct{}, len(versions))
	var (
		drafts    []domain.Version
		current   []domain.Version
		timeline  []domain.Version
		maxNumber int
	)

	for _, v := range versions {
		if v.RootID != root.ID {
			return violation(root, "version %s belongs to root %s", v.ID, v.RootID)
		}
		if v.VersionNumber <= 0 {
			return violation(root, "version %s has non-positive number %d", v.ID, v.VersionNumber)
		}
		if _, dup := numbers[v.VersionNumber]; dup {
			return violation(root, "version number %d is used twice", v.VersionNumber)
		}
		numbers[v.VersionNumber] = struct{}{}
		if v.VersionNumber > maxNumber {
			maxNumber = v.VersionNumber
		}
		byID[v.ID] = v

		switch v.Status {
		case domain.VersionStatusDraft:
			drafts = append(drafts, v)
			continue
		case domain.VersionStatusPublished:
			if v.ValidTo != nil {
				return violation(root, "published version %d is closed", v.VersionNumber)
			}
			current = append(current, v)
		case domain.VersionStatusHistorical:
			if v.ValidTo == nil {
				return violation(root, "historical version %d is open-ended", v.VersionNumber)
			}
		default:
			return violation(root, "version %d has unknown status %q", v.VersionNumber, v.Status)
		}
		if v.ValidTo != nil && v.ValidTo.Before(v.ValidFrom) {
			return violation(root, "version %d closes before it opens", v.VersionNumber)
		}
		timeline = append(timeline, v)
	}

	if len(drafts) > 1 {
		return violation(root, "%d drafts exist", len(drafts))
	}
	if len(timeline) > 0 && len(current) != 1 {
		return violation(root, "%d current versions exist", len(current))
	}
	if root.LastVersionNumber > 0 && maxNumber > root.LastVersionNumber {
		return violation(root, "version %d exceeds allocated number %d", maxNumber, root.LastVersionNumber)
	}

	sort.Slice(timeline, func(i, j int) bool { return timeline[i].VersionNumber < timeline[j].VersionNumber })
	for i := 1; i < len(timeline); i++ {
		prev, next := timeline[i-1], timeline[i]
		if prev.ValidTo == nil || !prev.ValidTo.Equal(next.ValidFrom) {
			return violation(root, "versions %d and %d are not contiguous", prev.VersionNumber, next.VersionNumber)
		}
	}

	if id, ok := root.CurrentVersion(); ok {
		v, found := byID[id]
		if !found || !v.IsCurrent() {
			return violation(root, "current pointer %s does not resolve to the open published version", id)
		}
	} else if len(current) > 0 {
		return violation(root, "current pointer is empty while version %d is current", current[0].VersionNumber)
	}

	if id, ok := root.NextVersion(); ok {
		v, found := byID[id]
		if !found || !v.IsDraft() {
			return violation(root, "next pointer %s does not resolve to a draft", id)
		}
	} else if len(drafts) > 0 {
		return violation(root, "draft %d is not attached to the root", drafts[0].VersionNumber)
	}

	if id, ok := root.PreviousVersion(); ok {
		v, found := byID[id]
		if !found || v.IsDraft() {
			return violation(root, "previous pointer %s does not resolve to a published version", id)
		}
	}

	return nil
}

func violation(root domain.VersionRoot, format string, args ...any) error {
	return domain.NewInvariantViolation(opCheckInvariants, root.ID, format, args...)
}
