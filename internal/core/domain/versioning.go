package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a family of versioned roots sharing one adapter.
type EntityType string

const (
	EntityPermissionGroup  EntityType = "PERMISSION_GROUP"
	EntitySystemConfig     EntityType = "SYSTEM_CONFIG"
	EntityApprovalTemplate EntityType = "APPROVAL_TEMPLATE"
)

// Valid reports whether the entity type is one of the built-in families.
func (t EntityType) Valid() bool {
	switch t {
	case EntityPermissionGroup, EntitySystemConfig, EntityApprovalTemplate:
		return true
	}
	return false
}

// VersionStatus enumerates the lifecycle states of a version row.
type VersionStatus string

const (
	VersionStatusDraft      VersionStatus = "DRAFT"
	VersionStatusPublished  VersionStatus = "PUBLISHED"
	VersionStatusHistorical VersionStatus = "HISTORICAL"
)

// Valid reports whether the status is one of the known values.
func (s VersionStatus) Valid() bool {
	switch s {
	case VersionStatusDraft, VersionStatusPublished, VersionStatusHistorical:
		return true
	}
	return false
}

// ChangeAction records which lifecycle operation produced a version.
type ChangeAction string

const (
	ChangeActionCreate   ChangeAction = "CREATE"
	ChangeActionUpdate   ChangeAction = "UPDATE"
	ChangeActionDelete   ChangeAction = "DELETE"
	ChangeActionRestore  ChangeAction = "RESTORE"
	ChangeActionRollback ChangeAction = "ROLLBACK"
	ChangeActionPublish  ChangeAction = "PUBLISH"
	ChangeActionDraft    ChangeAction = "DRAFT"
	ChangeActionCopy     ChangeAction = "COPY"
)

// Actor identifies who performs a change.
type Actor struct {
	Username         string
	DisplayName      string
	OrganizationCode string
}

// Name returns the display name, falling back to the username.
func (a Actor) Name() string {
	if name := strings.TrimSpace(a.DisplayName); name != "" {
		return name
	}
	return strings.TrimSpace(a.Username)
}

// CacheKey addresses the cached current version of one root.
type CacheKey struct {
	EntityType EntityType
	NaturalKey string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s", k.EntityType, k.NaturalKey)
}

// VersionRoot is the stable identity of a versioned entity. The version
// pointers are identifiers, resolved through the repository.
type VersionRoot struct {
	ID                string
	EntityType        EntityType
	NaturalKey        string
	CurrentVersionID  *string
	PreviousVersionID *string
	NextVersionID     *string
	// LastVersionNumber is the highest number ever allocated for the root,
	// including discarded drafts.
	LastVersionNumber int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CurrentVersion returns the identifier of the current version, if any.
func (r VersionRoot) CurrentVersion() (string, bool) { return deref(r.CurrentVersionID) }

// PreviousVersion returns the identifier of the version current before the last change, if any.
func (r VersionRoot) PreviousVersion() (string, bool) { return deref(r.PreviousVersionID) }

// NextVersion returns the identifier of the pending draft, if any.
func (r VersionRoot) NextVersion() (string, bool) { return deref(r.NextVersionID) }

// HasDraft reports whether a draft is attached to the root.
func (r VersionRoot) HasDraft() bool {
	_, ok := r.NextVersion()
	return ok
}

// Key returns the cache key of the root.
func (r VersionRoot) Key() CacheKey {
	return CacheKey{EntityType: r.EntityType, NaturalKey: r.NaturalKey}
}

// Version is one snapshot of a root's payload with its validity interval.
type Version struct {
	ID                  string
	RootID              string
	VersionNumber       int
	Payload             Payload
	Status              VersionStatus
	ChangeAction        ChangeAction
	ChangeReason        *string
	ChangedBy           string
	ChangedByName       string
	ChangedByOrg        string
	ChangedAt           time.Time
	ValidFrom           time.Time
	ValidTo             *time.Time
	RollbackFromVersion *int
	Tag                 *string
}

// IsCurrent reports whether the version is the open-ended published version.
func (v Version) IsCurrent() bool {
	return v.Status == VersionStatusPublished && v.ValidTo == nil
}

// IsDraft reports whether the version is still being edited.
func (v Version) IsDraft() bool {
	return v.Status == VersionStatusDraft
}

// Covers reports whether the version's validity interval contains at.
// Drafts never cover any instant.
func (v Version) Covers(at time.Time) bool {
	if v.IsDraft() {
		return false
	}
	if at.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || v.ValidTo.After(at)
}

// Clone returns a deep copy so callers cannot alias stored state.
func (v Version) Clone() Version {
	out := v
	out.Payload = v.Payload.Clone()
	out.ChangeReason = cloneString(v.ChangeReason)
	out.Tag = cloneString(v.Tag)
	if v.ValidTo != nil {
		t := *v.ValidTo
		out.ValidTo = &t
	}
	if v.RollbackFromVersion != nil {
		n := *v.RollbackFromVersion
		out.RollbackFromVersion = &n
	}
	return out
}

// Clone returns a copy of the root with independent pointer fields.
func (r VersionRoot) Clone() VersionRoot {
	out := r
	out.CurrentVersionID = cloneString(r.CurrentVersionID)
	out.PreviousVersionID = cloneString(r.PreviousVersionID)
	out.NextVersionID = cloneString(r.NextVersionID)
	return out
}

func deref(value *string) (string, bool) {
	if value == nil || *value == "" {
		return "", false
	}
	return *value, true
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
