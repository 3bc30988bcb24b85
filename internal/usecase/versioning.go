package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/arklim/config-governance/internal/core/domain"
	"github.com/arklim/config-governance/internal/core/port"
	"github.com/arklim/config-governance/internal/infra/logger"
	"github.com/arklim/config-governance/internal/repository"
)

const (
	opCreateInitialVersion = "create initial version"
	opApplyChange          = "apply change"
	opSaveDraft            = "save draft"
	opPublishDraft         = "publish draft"
	opDiscardDraft         = "discard draft"
	opRollbackToVersion    = "rollback to version"
	opCopyVersion          = "copy version"
	opTagVersion           = "tag version"
	opGetRoot              = "get root"
)

const defaultInvalidationTimeout = 2 * time.Second

var tracer = otel.Tracer("github.com/arklim/config-governance/internal/usecase")

// VersioningMetrics captures telemetry hooks for lifecycle operations.
type VersioningMetrics interface {
	IncOperation(entityType domain.EntityType, operation string)
	IncInvalidationFailure(entityType domain.EntityType)
	IncInvariantViolation(entityType domain.EntityType)
	ObserveDuration(operation string, duration time.Duration)
}

// VersioningOptions configures optional behaviours of the service.
type VersioningOptions struct {
	// VerifyInvariants re-checks every root invariant before committing a write.
	VerifyInvariants bool
	// InvalidationTimeout bounds the post-commit cache invalidation call.
	InvalidationTimeout time.Duration
}

// ChangeRequest carries the caller supplied inputs of a lifecycle operation.
type ChangeRequest struct {
	Payload domain.Payload
	Reason  string
	Actor   domain.Actor
	At      time.Time
}

// CopyRequest describes a copy of an existing root under a new natural key.
type CopyRequest struct {
	SourceRootID string
	NaturalKey   string
	// Overrides is an RFC 7386 merge patch applied to the source payload.
	Overrides json.RawMessage
	Reason    string
	Actor     domain.Actor
	At        time.Time
}

// ChangeResult reports the state committed by a lifecycle operation.
type ChangeResult struct {
	Root    domain.VersionRoot
	Version domain.Version
	// Previous is the version that stopped being current, if any.
	Previous *domain.Version
	// SupersededDraft is the pending draft removed because a newer version became current.
	SupersededDraft *domain.Version
}

type outcome struct {
	result     ChangeResult
	invalidate bool
}

// VersioningService orchestrates root and version lifecycle transitions.
type VersioningService struct {
	uow                 port.VersionUnitOfWork
	adapters            *AdapterRegistry
	invalidator         port.CacheInvalidator
	validator           port.PayloadValidator
	logger              *zap.Logger
	metrics             VersioningMetrics
	verifyInvariants    bool
	invalidationTimeout time.Duration
	newID               func() string
	clock               func() time.Time
}

// NewVersioningService constructs the versioning service.
func NewVersioningService(uow port.VersionUnitOfWork, adapters *AdapterRegistry, invalidator port.CacheInvalidator, opts VersioningOptions) *VersioningService {
	svc := &VersioningService{
		uow:                 uow,
		adapters:            adapters,
		invalidator:         invalidator,
		logger:              zap.NewNop(),
		verifyInvariants:    opts.VerifyInvariants,
		invalidationTimeout: opts.InvalidationTimeout,
		newID:               uuid.NewString,
		clock:               time.Now,
	}
	if svc.adapters == nil {
		svc.adapters = NewAdapterRegistry(DefaultAdapters()...)
	}
	if svc.invalidationTimeout <= 0 {
		svc.invalidationTimeout = defaultInvalidationTimeout
	}
	return svc
}

// WithLogger attaches a structured logger to the service.
func (s *VersioningService) WithLogger(logger *zap.Logger) *VersioningService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithMetrics wires telemetry observers for lifecycle operations.
func (s *VersioningService) WithMetrics(metrics VersioningMetrics) *VersioningService {
	if metrics != nil {
		s.metrics = metrics
	}
	return s
}

// WithValidator installs payload validation rules.
func (s *VersioningService) WithValidator(validator port.PayloadValidator) *VersioningService {
	if validator != nil {
		s.validator = validator
	}
	return s
}

// WithIDGenerator overrides identifier generation, primarily for deterministic testing.
func (s *VersioningService) WithIDGenerator(newID func() string) *VersioningService {
	if newID != nil {
		s.newID = newID
	}
	return s
}

// CreateInitialVersion creates a root identified by naturalKey together with
// its first published version.
func (s *VersioningService) CreateInitialVersion(ctx context.Context, entityType domain.EntityType, naturalKey string, req ChangeRequest) (ChangeResult, error) {
	adapter, err := s.adapters.Lookup(entityType)
	if err != nil {
		return ChangeResult{}, err
	}
	naturalKey = strings.TrimSpace(naturalKey)
	if naturalKey == "" {
		return ChangeResult{}, domain.NewValidation(opCreateInitialVersion, "natural key is required")
	}
	if err := validateRequest(opCreateInitialVersion, req.Actor, req.At, req.Payload); err != nil {
		return ChangeResult{}, err
	}
	key := adapter.CacheKey(naturalKey)
	if err := s.validatePayload(ctx, opCreateInitialVersion, key, req.Payload); err != nil {
		return ChangeResult{}, err
	}

	return s.commit(ctx, opCreateInitialVersion, "", func(repo port.VersionRepository) (outcome, error) {
		root, err := s.createRoot(ctx, repo, opCreateInitialVersion, key, req.At)
		if err != nil {
			return outcome{}, err
		}
		version := s.newVersion(root, 1, req.Payload, domain.VersionStatusPublished, domain.ChangeActionCreate, req.Reason, req.Actor, req.At)
		return s.startTimeline(ctx, repo, root, version)
	})
}

// ApplyChange appends a published version carrying payload with the given
// UPDATE, DELETE or RESTORE action.
func (s *VersioningService) ApplyChange(ctx context.Context, rootID string, action domain.ChangeAction, req ChangeRequest) (ChangeResult, error) {
	switch action {
	case domain.ChangeActionUpdate, domain.ChangeActionDelete, domain.ChangeActionRestore:
	default:
		return ChangeResult{}, domain.NewValidation(opApplyChange, "action %s is not a direct change", action)
	}
	if err := validateRequest(opApplyChange, req.Actor, req.At, req.Payload); err != nil {
		return ChangeResult{}, err
	}
	payload := req.Payload.Clone()
	return s.applyChange(ctx, rootID, action, req, func(root domain.VersionRoot, _ *domain.Version) (domain.Payload, error) {
		if action != domain.ChangeActionDelete {
			if err := s.validatePayload(ctx, opApplyChange, root.Key(), payload); err != nil {
				return domain.Payload{}, err
			}
		}
		return payload, nil
	})
}

// Update appends a published version with the supplied payload.
func (s *VersioningService) Update(ctx context.Context, rootID string, req ChangeRequest) (ChangeResult, error) {
	return s.ApplyChange(ctx, rootID, domain.ChangeActionUpdate, req)
}

// Delete appends a published version copying the current payload with the active flag cleared.
func (s *VersioningService) Delete(ctx context.Context, rootID, reason string, actor domain.Actor, at time.Time) (ChangeResult, error) {
	if err := validateRequest(opApplyChange, actor, at, domain.Payload{}); err != nil {
		return ChangeResult{}, err
	}
	req := ChangeRequest{Reason: reason, Actor: actor, At: at}
	return s.applyChange(ctx, rootID, domain.ChangeActionDelete, req, func(root domain.VersionRoot, current *domain.Version) (domain.Payload, error) {
		if current == nil {
			return domain.Payload{}, domain.NewInvalidState(opApplyChange, root.ID, "root has no current version to delete")
		}
		if !current.Payload.Active {
			return domain.Payload{}, domain.NewInvalidState(opApplyChange, root.ID, "root is already deleted")
		}
		return current.Payload.WithActive(false), nil
	})
}

// Restore appends a published version copying the current payload with the active flag set.
func (s *VersioningService) Restore(ctx context.Context, rootID, reason string, actor domain.Actor, at time.Time) (ChangeResult, error) {
	if err := validateRequest(opApplyChange, actor, at, domain.Payload{}); err != nil {
		return ChangeResult{}, err
	}
	req := ChangeRequest{Reason: reason, Actor: actor, At: at}
	return s.applyChange(ctx, rootID, domain.ChangeActionRestore, req, func(root domain.VersionRoot, current *domain.Version) (domain.Payload, error) {
		if current == nil {
			return domain.Payload{}, domain.NewInvalidState(opApplyChange, root.ID, "root has no current version to restore")
		}
		if current.Payload.Active {
			return domain.Payload{}, domain.NewInvalidState(opApplyChange, root.ID, "root is not deleted")
		}
		payload := current.Payload.WithActive(true)
		if err := s.validatePayload(ctx, opApplyChange, root.Key(), payload); err != nil {
			return domain.Payload{}, err
		}
		return payload, nil
	})
}

func (s *VersioningService) applyChange(ctx context.Context, rootID string, action domain.ChangeAction, req ChangeRequest, payloadFor func(root domain.VersionRoot, current *domain.Version) (domain.Payload, error)) (ChangeResult, error) {
	return s.commit(ctx, opApplyChange, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opApplyChange, rootID)
		if err != nil {
			return outcome{}, err
		}
		current, err := s.loadCurrent(ctx, repo, opApplyChange, *root, req.At)
		if err != nil {
			return outcome{}, err
		}
		payload, err := payloadFor(*root, current)
		if err != nil {
			return outcome{}, err
		}
		return s.appendPublished(ctx, repo, opApplyChange, root, current, func(number int) domain.Version {
			return s.newVersion(*root, number, payload, domain.VersionStatusPublished, action, req.Reason, req.Actor, req.At)
		})
	})
}

// SaveDraft stores payload as the root's draft. An existing draft is edited
// in place without consuming a version number.
func (s *VersioningService) SaveDraft(ctx context.Context, rootID string, req ChangeRequest) (ChangeResult, error) {
	if err := validateRequest(opSaveDraft, req.Actor, req.At, req.Payload); err != nil {
		return ChangeResult{}, err
	}
	payload := req.Payload.Clone()

	return s.commit(ctx, opSaveDraft, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opSaveDraft, rootID)
		if err != nil {
			return outcome{}, err
		}
		if err := s.validatePayload(ctx, opSaveDraft, root.Key(), payload); err != nil {
			return outcome{}, err
		}
		if err := s.ensureSingleDraft(ctx, repo, opSaveDraft, root.ID); err != nil {
			return outcome{}, err
		}
		at := req.At.UTC()

		if draftID, ok := root.NextVersion(); ok {
			draft, err := s.loadVersion(ctx, repo, opSaveDraft, root.ID, draftID)
			if err != nil {
				return outcome{}, err
			}
			if !draft.IsDraft() {
				return outcome{}, domain.NewInvariantViolation(opSaveDraft, root.ID, "next version %d is %s", draft.VersionNumber, draft.Status)
			}
			draft.Payload = payload
			draft.ChangeReason = normalizeReason(req.Reason)
			draft.ChangedAt = at
			draft.ValidFrom = at
			applyActor(draft, req.Actor)
			if err := repo.UpdateVersion(ctx, *draft); err != nil {
				return outcome{}, fmt.Errorf("update draft: %w", err)
			}
			root.UpdatedAt = at
			if err := repo.UpdateRoot(ctx, *root); err != nil {
				return outcome{}, fmt.Errorf("update root: %w", err)
			}
			return outcome{result: ChangeResult{Root: *root, Version: *draft}}, nil
		}

		number, err := s.allocateNumber(ctx, repo, root)
		if err != nil {
			return outcome{}, err
		}
		draft := s.newVersion(*root, number, payload, domain.VersionStatusDraft, domain.ChangeActionDraft, req.Reason, req.Actor, req.At)
		if err := repo.InsertVersion(ctx, draft); err != nil {
			return outcome{}, s.mapWriteErr(opSaveDraft, root.ID, "insert draft", err)
		}
		root.NextVersionID = stringPtr(draft.ID)
		root.UpdatedAt = at
		if err := repo.UpdateRoot(ctx, *root); err != nil {
			return outcome{}, fmt.Errorf("update root: %w", err)
		}
		return outcome{result: ChangeResult{Root: *root, Version: draft}}, nil
	})
}

// PublishDraft promotes the root's draft to the current version.
func (s *VersioningService) PublishDraft(ctx context.Context, rootID string, actor domain.Actor, at time.Time) (ChangeResult, error) {
	if err := validateRequest(opPublishDraft, actor, at, domain.Payload{}); err != nil {
		return ChangeResult{}, err
	}

	return s.commit(ctx, opPublishDraft, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opPublishDraft, rootID)
		if err != nil {
			return outcome{}, err
		}
		draftID, ok := root.NextVersion()
		if !ok {
			return outcome{}, domain.NewInvalidState(opPublishDraft, root.ID, "root has no draft to publish")
		}
		if err := s.ensureSingleDraft(ctx, repo, opPublishDraft, root.ID); err != nil {
			return outcome{}, err
		}
		draft, err := s.loadVersion(ctx, repo, opPublishDraft, root.ID, draftID)
		if err != nil {
			return outcome{}, err
		}
		if !draft.IsDraft() {
			return outcome{}, domain.NewInvalidState(opPublishDraft, root.ID, "next version %d is %s, not a draft", draft.VersionNumber, draft.Status)
		}
		current, err := s.loadCurrent(ctx, repo, opPublishDraft, *root, at)
		if err != nil {
			return outcome{}, err
		}
		if err := s.closeVersion(ctx, repo, current, at); err != nil {
			return outcome{}, err
		}

		when := at.UTC()
		draft.Status = domain.VersionStatusPublished
		draft.ChangeAction = domain.ChangeActionPublish
		draft.ValidFrom = when
		draft.ValidTo = nil
		draft.ChangedAt = when
		applyActor(draft, actor)
		if err := repo.UpdateVersion(ctx, *draft); err != nil {
			return outcome{}, s.mapWriteErr(opPublishDraft, root.ID, "publish draft", err)
		}

		root.PreviousVersionID = versionIDPtr(current)
		root.CurrentVersionID = stringPtr(draft.ID)
		root.NextVersionID = nil
		root.UpdatedAt = when
		if err := repo.UpdateRoot(ctx, *root); err != nil {
			return outcome{}, fmt.Errorf("update root: %w", err)
		}
		return outcome{
			result:     ChangeResult{Root: *root, Version: *draft, Previous: current},
			invalidate: true,
		}, nil
	})
}

// DiscardDraft removes the root's draft.
func (s *VersioningService) DiscardDraft(ctx context.Context, rootID string) (ChangeResult, error) {
	return s.commit(ctx, opDiscardDraft, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opDiscardDraft, rootID)
		if err != nil {
			return outcome{}, err
		}
		draftID, ok := root.NextVersion()
		if !ok {
			return outcome{}, domain.NewNotFound(opDiscardDraft, root.ID, "draft not found")
		}
		draft, err := s.loadVersion(ctx, repo, opDiscardDraft, root.ID, draftID)
		if err != nil {
			return outcome{}, err
		}
		if !draft.IsDraft() {
			return outcome{}, domain.NewInvalidState(opDiscardDraft, root.ID, "next version %d is %s, not a draft", draft.VersionNumber, draft.Status)
		}
		if err := repo.DeleteVersion(ctx, draft.ID); err != nil {
			return outcome{}, fmt.Errorf("delete draft: %w", err)
		}
		root.NextVersionID = nil
		if err := repo.UpdateRoot(ctx, *root); err != nil {
			return outcome{}, fmt.Errorf("update root: %w", err)
		}
		return outcome{result: ChangeResult{Root: *root, Version: *draft}}, nil
	})
}

// RollbackToVersion appends a published version copying the payload of
// targetVersion. The target itself is left untouched. A missing target is
// reported as ErrNotFound wrapping ErrInvalidState, so both match.
func (s *VersioningService) RollbackToVersion(ctx context.Context, rootID string, targetVersion int, reason string, actor domain.Actor, at time.Time) (ChangeResult, error) {
	if err := validateRequest(opRollbackToVersion, actor, at, domain.Payload{}); err != nil {
		return ChangeResult{}, err
	}

	return s.commit(ctx, opRollbackToVersion, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opRollbackToVersion, rootID)
		if err != nil {
			return outcome{}, err
		}
		target, err := repo.GetVersionByNumber(ctx, root.ID, targetVersion)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return outcome{}, &domain.VersioningError{
					Kind:   domain.ErrNotFound,
					Op:     opRollbackToVersion,
					RootID: root.ID,
					Detail: fmt.Sprintf("version %d not found", targetVersion),
					Err:    domain.ErrInvalidState,
				}
			}
			return outcome{}, fmt.Errorf("load version %d: %w", targetVersion, err)
		}
		if target.IsDraft() {
			return outcome{}, domain.NewInvalidState(opRollbackToVersion, root.ID, "version %d is an unpublished draft", targetVersion)
		}
		current, err := s.loadCurrent(ctx, repo, opRollbackToVersion, *root, at)
		if err != nil {
			return outcome{}, err
		}
		return s.appendPublished(ctx, repo, opRollbackToVersion, root, current, func(number int) domain.Version {
			version := s.newVersion(*root, number, target.Payload, domain.VersionStatusPublished, domain.ChangeActionRollback, reason, actor, at)
			from := target.VersionNumber
			version.RollbackFromVersion = &from
			return version
		})
	})
}

// CopyVersion creates a new root whose first version copies the source
// root's current payload with the overrides merged in.
func (s *VersioningService) CopyVersion(ctx context.Context, req CopyRequest) (ChangeResult, error) {
	naturalKey := strings.TrimSpace(req.NaturalKey)
	if naturalKey == "" {
		return ChangeResult{}, domain.NewValidation(opCopyVersion, "natural key is required")
	}
	if err := validateRequest(opCopyVersion, req.Actor, req.At, domain.Payload{}); err != nil {
		return ChangeResult{}, err
	}

	return s.commit(ctx, opCopyVersion, req.SourceRootID, func(repo port.VersionRepository) (outcome, error) {
		source, err := s.lockRoot(ctx, repo, opCopyVersion, req.SourceRootID)
		if err != nil {
			return outcome{}, err
		}
		currentID, ok := source.CurrentVersion()
		if !ok {
			return outcome{}, domain.NewNotFound(opCopyVersion, source.ID, "source has no current version")
		}
		current, err := s.loadVersion(ctx, repo, opCopyVersion, source.ID, currentID)
		if err != nil {
			return outcome{}, err
		}
		payload, err := mergePayload(current.Payload, req.Overrides)
		if err != nil {
			return outcome{}, err
		}

		adapter, err := s.adapters.Lookup(source.EntityType)
		if err != nil {
			return outcome{}, err
		}
		key := adapter.CacheKey(naturalKey)
		if err := s.validatePayload(ctx, opCopyVersion, key, payload); err != nil {
			return outcome{}, err
		}

		root, err := s.createRoot(ctx, repo, opCopyVersion, key, req.At)
		if err != nil {
			return outcome{}, err
		}
		version := s.newVersion(root, 1, payload, domain.VersionStatusPublished, domain.ChangeActionCopy, req.Reason, req.Actor, req.At)
		return s.startTimeline(ctx, repo, root, version)
	})
}

// TagVersion attaches an immutable tag to a published or historical version.
func (s *VersioningService) TagVersion(ctx context.Context, rootID string, versionNumber int, tag string) (domain.Version, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return domain.Version{}, domain.NewValidation(opTagVersion, "tag is required")
	}

	result, err := s.commit(ctx, opTagVersion, rootID, func(repo port.VersionRepository) (outcome, error) {
		root, err := s.lockRoot(ctx, repo, opTagVersion, rootID)
		if err != nil {
			return outcome{}, err
		}
		version, err := repo.GetVersionByNumber(ctx, root.ID, versionNumber)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return outcome{}, domain.NewNotFound(opTagVersion, root.ID, "version %d not found", versionNumber)
			}
			return outcome{}, fmt.Errorf("load version %d: %w", versionNumber, err)
		}
		if version.IsDraft() {
			return outcome{}, domain.NewInvalidState(opTagVersion, root.ID, "version %d is a draft", versionNumber)
		}
		if version.Tag != nil {
			return outcome{}, domain.NewInvalidState(opTagVersion, root.ID, "version %d is already tagged %q", versionNumber, *version.Tag)
		}
		version.Tag = &tag
		if err := repo.UpdateVersion(ctx, *version); err != nil {
			return outcome{}, fmt.Errorf("tag version: %w", err)
		}
		return outcome{result: ChangeResult{Root: *root, Version: *version}}, nil
	})
	if err != nil {
		return domain.Version{}, err
	}
	return result.Version, nil
}

// GetRoot returns the root with its version pointers.
func (s *VersioningService) GetRoot(ctx context.Context, rootID string) (domain.VersionRoot, error) {
	var root domain.VersionRoot
	err := s.uow.Read(ctx, func(repo port.VersionRepository) error {
		found, err := repo.GetRoot(ctx, rootID)
		if err != nil {
			return mapReadErr(opGetRoot, rootID, "root not found", err)
		}
		root = *found
		return nil
	})
	return root, err
}

// GetRootByKey returns the root registered under naturalKey for entityType.
func (s *VersioningService) GetRootByKey(ctx context.Context, entityType domain.EntityType, naturalKey string) (domain.VersionRoot, error) {
	adapter, err := s.adapters.Lookup(entityType)
	if err != nil {
		return domain.VersionRoot{}, err
	}
	key := adapter.CacheKey(strings.TrimSpace(naturalKey))
	var root domain.VersionRoot
	err = s.uow.Read(ctx, func(repo port.VersionRepository) error {
		found, err := repo.GetRootByKey(ctx, key)
		if err != nil {
			return mapReadErr(opGetRoot, "", fmt.Sprintf("root %s not found", key), err)
		}
		root = *found
		return nil
	})
	return root, err
}

// commit runs fn in a write unit of work, verifies invariants when enabled
// and notifies the invalidator after a successful commit.
func (s *VersioningService) commit(ctx context.Context, op, rootID string, fn func(repo port.VersionRepository) (outcome, error)) (ChangeResult, error) {
	ctx, span := tracer.Start(ctx, "versioning."+strings.ReplaceAll(op, " ", "_"))
	defer span.End()
	if rootID != "" {
		span.SetAttributes(attribute.String("versioning.root_id", rootID))
	}

	log := logger.Enrich(s.logger, ctx)
	started := s.clock()
	var (
		committed outcome
		touched   domain.EntityType
	)
	err := s.uow.Write(ctx, func(repo port.VersionRepository) error {
		tracked := &rootTracker{VersionRepository: repo}
		defer func() { touched = tracked.entityType }()
		out, err := fn(tracked)
		if err != nil {
			return err
		}
		if s.verifyInvariants {
			if err := s.verify(ctx, repo, out.result.Root); err != nil {
				return err
			}
		}
		committed = out
		return nil
	})
	if s.metrics != nil {
		s.metrics.ObserveDuration(op, s.clock().Sub(started))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrInvariantViolation) {
			log.Error("versioning invariant violated",
				zap.String("operation", op),
				zap.String("entity_type", string(touched)),
				zap.String("root_id", rootID),
				zap.Error(err),
			)
			if s.metrics != nil {
				s.metrics.IncInvariantViolation(touched)
			}
		}
		return ChangeResult{}, err
	}

	result := committed.result
	span.SetAttributes(
		attribute.String("versioning.entity_type", string(result.Root.EntityType)),
		attribute.Int("versioning.version", result.Version.VersionNumber),
	)
	log.Info("versioning change committed",
		zap.String("operation", op),
		zap.String("entity_type", string(result.Root.EntityType)),
		zap.String("natural_key", result.Root.NaturalKey),
		zap.String("root_id", result.Root.ID),
		zap.Int("version", result.Version.VersionNumber),
		zap.String("action", string(result.Version.ChangeAction)),
		zap.String("actor", result.Version.ChangedBy),
	)
	if result.SupersededDraft != nil {
		log.Info("pending draft superseded",
			zap.String("root_id", result.Root.ID),
			zap.Int("draft_version", result.SupersededDraft.VersionNumber),
		)
	}
	if s.metrics != nil {
		s.metrics.IncOperation(result.Root.EntityType, op)
	}
	if committed.invalidate {
		s.invalidate(ctx, result.Root.Key())
	}
	return result, nil
}

// rootTracker remembers the entity type of the first root a unit of work
// locks or creates, so failures can still be attributed to a family.
type rootTracker struct {
	port.VersionRepository
	entityType domain.EntityType
}

func (r *rootTracker) LockRoot(ctx context.Context, rootID string) (*domain.VersionRoot, error) {
	root, err := r.VersionRepository.LockRoot(ctx, rootID)
	if err == nil {
		r.remember(root.EntityType)
	}
	return root, err
}

func (r *rootTracker) CreateRoot(ctx context.Context, root domain.VersionRoot) error {
	r.remember(root.EntityType)
	return r.VersionRepository.CreateRoot(ctx, root)
}

func (r *rootTracker) remember(entityType domain.EntityType) {
	if r.entityType == "" {
		r.entityType = entityType
	}
}

func (s *VersioningService) verify(ctx context.Context, repo port.VersionRepository, root domain.VersionRoot) error {
	if root.ID == "" {
		return nil
	}
	versions, err := repo.ListVersions(ctx, root.ID, true)
	if err != nil {
		return fmt.Errorf("list versions for invariant check: %w", err)
	}
	return CheckInvariants(root, versions)
}

// invalidate is best effort: failures are logged and never reach the caller.
func (s *VersioningService) invalidate(ctx context.Context, key domain.CacheKey) {
	if s.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.invalidationTimeout)
	defer cancel()

	if err := s.invalidator.Invalidate(ctx, key); err != nil {
		logger.Enrich(s.logger, ctx).Warn("cache invalidation failed",
			zap.String("entity_type", string(key.EntityType)),
			zap.String("natural_key", key.NaturalKey),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.IncInvalidationFailure(key.EntityType)
		}
	}
}

func (s *VersioningService) createRoot(ctx context.Context, repo port.VersionRepository, op string, key domain.CacheKey, at time.Time) (domain.VersionRoot, error) {
	when := at.UTC()
	root := domain.VersionRoot{
		ID:                s.newID(),
		EntityType:        key.EntityType,
		NaturalKey:        key.NaturalKey,
		LastVersionNumber: 1,
		CreatedAt:         when,
		UpdatedAt:         when,
	}
	if err := repo.CreateRoot(ctx, root); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.VersionRoot{}, domain.NewConflict(op, "natural key %s already exists", key)
		}
		return domain.VersionRoot{}, fmt.Errorf("create root: %w", err)
	}
	return root, nil
}

func (s *VersioningService) startTimeline(ctx context.Context, repo port.VersionRepository, root domain.VersionRoot, version domain.Version) (outcome, error) {
	if err := repo.InsertVersion(ctx, version); err != nil {
		return outcome{}, fmt.Errorf("insert version: %w", err)
	}
	root.CurrentVersionID = stringPtr(version.ID)
	if err := repo.UpdateRoot(ctx, root); err != nil {
		return outcome{}, fmt.Errorf("update root: %w", err)
	}
	return outcome{result: ChangeResult{Root: root, Version: version}, invalidate: true}, nil
}

// appendPublished supersedes any pending draft, closes current and inserts
// the version produced by build as the new current version.
func (s *VersioningService) appendPublished(ctx context.Context, repo port.VersionRepository, op string, root *domain.VersionRoot, current *domain.Version, build func(number int) domain.Version) (outcome, error) {
	superseded, err := s.supersedeDraft(ctx, repo, op, root)
	if err != nil {
		return outcome{}, err
	}
	number, err := s.allocateNumber(ctx, repo, root)
	if err != nil {
		return outcome{}, err
	}
	version := build(number)
	if err := s.closeVersion(ctx, repo, current, version.ValidFrom); err != nil {
		return outcome{}, err
	}
	if err := repo.InsertVersion(ctx, version); err != nil {
		return outcome{}, s.mapWriteErr(op, root.ID, "insert version", err)
	}

	root.PreviousVersionID = versionIDPtr(current)
	root.CurrentVersionID = stringPtr(version.ID)
	root.NextVersionID = nil
	root.UpdatedAt = version.ValidFrom
	if err := repo.UpdateRoot(ctx, *root); err != nil {
		return outcome{}, fmt.Errorf("update root: %w", err)
	}
	return outcome{
		result: ChangeResult{
			Root:            *root,
			Version:         version,
			Previous:        current,
			SupersededDraft: superseded,
		},
		invalidate: true,
	}, nil
}

func (s *VersioningService) supersedeDraft(ctx context.Context, repo port.VersionRepository, op string, root *domain.VersionRoot) (*domain.Version, error) {
	draftID, ok := root.NextVersion()
	if !ok {
		return nil, nil
	}
	draft, err := s.loadVersion(ctx, repo, op, root.ID, draftID)
	if err != nil {
		return nil, err
	}
	if !draft.IsDraft() {
		return nil, domain.NewInvariantViolation(op, root.ID, "next version %d is %s", draft.VersionNumber, draft.Status)
	}
	if err := repo.DeleteVersion(ctx, draft.ID); err != nil {
		return nil, fmt.Errorf("delete superseded draft: %w", err)
	}
	root.NextVersionID = nil
	return draft, nil
}

// ensureSingleDraft fails when the root carries more than one draft row.
func (s *VersioningService) ensureSingleDraft(ctx context.Context, repo port.VersionRepository, op, rootID string) error {
	drafts, err := repo.ListByStatus(ctx, rootID, domain.VersionStatusDraft)
	if err != nil {
		return fmt.Errorf("list drafts: %w", err)
	}
	if len(drafts) > 1 {
		return domain.NewInvariantViolation(op, rootID, "more than one draft found (%d)", len(drafts))
	}
	return nil
}

// allocateNumber reserves the next version number of the root. Numbers of
// discarded drafts are never handed out again.
func (s *VersioningService) allocateNumber(ctx context.Context, repo port.VersionRepository, root *domain.VersionRoot) (int, error) {
	max, err := repo.MaxVersionNumber(ctx, root.ID)
	if err != nil {
		return 0, fmt.Errorf("max version number: %w", err)
	}
	if root.LastVersionNumber > max {
		max = root.LastVersionNumber
	}
	root.LastVersionNumber = max + 1
	return root.LastVersionNumber, nil
}

// loadCurrent resolves the root's current version and rejects change times
// that would close it before it opened.
func (s *VersioningService) loadCurrent(ctx context.Context, repo port.VersionRepository, op string, root domain.VersionRoot, at time.Time) (*domain.Version, error) {
	currentID, ok := root.CurrentVersion()
	if !ok {
		return nil, nil
	}
	current, err := s.loadVersion(ctx, repo, op, root.ID, currentID)
	if err != nil {
		return nil, err
	}
	if !current.IsCurrent() {
		return nil, domain.NewInvariantViolation(op, root.ID, "current pointer references %s version %d", current.Status, current.VersionNumber)
	}
	if at.Before(current.ValidFrom) {
		return nil, domain.NewInvalidState(op, root.ID, "change time %s precedes current version %d valid from %s",
			at.UTC().Format(time.RFC3339Nano), current.VersionNumber, current.ValidFrom.UTC().Format(time.RFC3339Nano))
	}
	return current, nil
}

func (s *VersioningService) closeVersion(ctx context.Context, repo port.VersionRepository, current *domain.Version, at time.Time) error {
	if current == nil {
		return nil
	}
	closedAt := at.UTC()
	closed := current.Clone()
	closed.ValidTo = &closedAt
	closed.Status = domain.VersionStatusHistorical
	if err := repo.UpdateVersion(ctx, closed); err != nil {
		return fmt.Errorf("close version %d: %w", current.VersionNumber, err)
	}
	return nil
}

func (s *VersioningService) lockRoot(ctx context.Context, repo port.VersionRepository, op, rootID string) (*domain.VersionRoot, error) {
	rootID = strings.TrimSpace(rootID)
	if rootID == "" {
		return nil, domain.NewValidation(op, "root id is required")
	}
	root, err := repo.LockRoot(ctx, rootID)
	if err != nil {
		return nil, mapReadErr(op, rootID, "root not found", err)
	}
	return root, nil
}

// loadVersion resolves a pointer held by the root. A dangling pointer is corruption.
func (s *VersioningService) loadVersion(ctx context.Context, repo port.VersionRepository, op, rootID, versionID string) (*domain.Version, error) {
	version, err := repo.GetVersionByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NewInvariantViolation(op, rootID, "pointer references missing version %s", versionID)
		}
		return nil, fmt.Errorf("load version %s: %w", versionID, err)
	}
	if version.RootID != rootID {
		return nil, domain.NewInvariantViolation(op, rootID, "pointer references version %s of root %s", versionID, version.RootID)
	}
	return version, nil
}

func (s *VersioningService) newVersion(root domain.VersionRoot, number int, payload domain.Payload, status domain.VersionStatus, action domain.ChangeAction, reason string, actor domain.Actor, at time.Time) domain.Version {
	when := at.UTC()
	version := domain.Version{
		ID:            s.newID(),
		RootID:        root.ID,
		VersionNumber: number,
		Payload:       payload.Clone(),
		Status:        status,
		ChangeAction:  action,
		ChangeReason:  normalizeReason(reason),
		ChangedAt:     when,
		ValidFrom:     when,
	}
	applyActor(&version, actor)
	return version
}

func (s *VersioningService) validatePayload(ctx context.Context, op string, key domain.CacheKey, payload domain.Payload) error {
	if s.validator == nil {
		return nil
	}
	if err := s.validator.Validate(ctx, key, payload); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return err
		}
		return &domain.VersioningError{Kind: domain.ErrValidation, Op: op, Detail: "payload rejected", Err: err}
	}
	return nil
}

// mapWriteErr translates unique index rejections into invariant violations:
// under the root lock they can only come from corrupted state.
func (s *VersioningService) mapWriteErr(op, rootID, action string, err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return &domain.VersioningError{Kind: domain.ErrInvariantViolation, Op: op, RootID: rootID, Detail: action + " rejected by unique index", Err: err}
	}
	return fmt.Errorf("%s: %w", action, err)
}

func mergePayload(base domain.Payload, overrides json.RawMessage) (domain.Payload, error) {
	if len(strings.TrimSpace(string(overrides))) == 0 {
		return base.Clone(), nil
	}
	original, err := json.Marshal(base)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("encode source payload: %w", err)
	}
	merged, err := jsonpatch.MergePatch(original, overrides)
	if err != nil {
		return domain.Payload{}, domain.NewValidation(opCopyVersion, "invalid overrides: %v", err)
	}
	var out domain.Payload
	if err := json.Unmarshal(merged, &out); err != nil {
		return domain.Payload{}, domain.NewValidation(opCopyVersion, "overrides do not produce a payload: %v", err)
	}
	if err := out.Validate(); err != nil {
		return domain.Payload{}, domain.NewValidation(opCopyVersion, "%v", err)
	}
	return out, nil
}

func validateRequest(op string, actor domain.Actor, at time.Time, payload domain.Payload) error {
	if strings.TrimSpace(actor.Username) == "" {
		return domain.NewValidation(op, "actor is required")
	}
	if at.IsZero() {
		return domain.NewValidation(op, "change time is required")
	}
	if err := payload.Validate(); err != nil {
		return domain.NewValidation(op, "%v", err)
	}
	return nil
}

func mapReadErr(op, rootID, detail string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &domain.VersioningError{Kind: domain.ErrNotFound, Op: op, RootID: rootID, Detail: detail}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func applyActor(version *domain.Version, actor domain.Actor) {
	version.ChangedBy = strings.TrimSpace(actor.Username)
	version.ChangedByName = actor.Name()
	version.ChangedByOrg = strings.TrimSpace(actor.OrganizationCode)
}

func normalizeReason(reason string) *string {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func versionIDPtr(version *domain.Version) *string {
	if version == nil {
		return nil
	}
	return stringPtr(version.ID)
}

func stringPtr(value string) *string {
	return &value
}
