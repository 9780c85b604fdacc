// Package service implements the generic record lifecycle manager. One
// engine serves every data element category; only the conflict key and
// the validation rule set vary per category.
package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/haven-hmis/recordflow/internal/audit/domain"
	"github.com/haven-hmis/recordflow/internal/clock"
	"github.com/haven-hmis/recordflow/internal/config"
	obsmetrics "github.com/haven-hmis/recordflow/internal/observability/metrics"
	"github.com/haven-hmis/recordflow/internal/record/conflict"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"github.com/haven-hmis/recordflow/internal/record/validation"
	"github.com/haven-hmis/recordflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	GenID    *snowflake.Node
	Repo     domain.Repository
	Engine   *validation.Engine
	Resolver *conflict.Resolver
	Audit    auditdomain.Sink
	Cfg      config.Config
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	repo     domain.Repository
	engine   *validation.Engine
	resolver *conflict.Resolver
	audit    auditdomain.Sink
	cfg      config.LifecycleConfig
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("record.service"),
		clock:    p.Clock,
		genID:    p.GenID,
		repo:     p.Repo,
		engine:   p.Engine,
		resolver: p.Resolver,
		audit:    p.Audit,
		cfg:      p.Cfg.Lifecycle,
		metrics:  p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRecordRequest) (*domain.Record, error) {
	if err := checkLineageKey(req.SubjectID, req.Category, req.InformationDate, req.Actor); err != nil {
		return nil, err
	}

	if replay, err := s.replay(ctx, req.IdempotencyKey, auditdomain.OpRecordCreated); replay != nil || err != nil {
		return replay, err
	}

	if err := s.validate(ctx, req.Category, req.Payload); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	record := s.newRecord(req.SubjectID, req.Category, req.InformationDate, req.Payload, req.Actor, now, req.IdempotencyKey)

	err := s.repo.Transaction(ctx, func(tx domain.Repository) error {
		infoDate := conflictDate(req.Category, req.InformationDate)
		existing, err := tx.FindActive(ctx, req.SubjectID, req.Category, infoDate)
		if err != nil {
			return err
		}
		if existing != nil {
			return domain.ErrConflict
		}
		return tx.Insert(ctx, record)
	})
	if err != nil {
		return s.recoverReplay(ctx, req.IdempotencyKey, auditdomain.OpRecordCreated, err)
	}

	s.appendAudit(ctx, auditdomain.Event{
		Operation: auditdomain.OpRecordCreated,
		RecordID:  record.ID,
		SubjectID: record.SubjectID,
		Category:  string(record.Category),
		Actor:     req.Actor,
		NewStatus: statusPtr(domain.StatusActive),
	})
	s.metrics.RecordMutation(ctx, auditdomain.OpRecordCreated, string(record.Category))
	return record, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdateRecordRequest) (*domain.Record, error) {
	if req.RecordID == 0 {
		return nil, domain.ErrNotFound
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, domain.ErrMissingActor
	}

	if replay, err := s.replay(ctx, req.IdempotencyKey, auditdomain.OpRecordUpdated); replay != nil || err != nil {
		return replay, err
	}

	var (
		result     *domain.Record
		superseded *domain.Record
	)
	err := s.repo.Transaction(ctx, func(tx domain.Repository) error {
		target, err := tx.FindByID(ctx, req.RecordID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrNotFound
		}
		if !target.IsActive() {
			return domain.ErrInvalidState
		}

		now := s.clock.Now()
		candidate := s.nextVersion(target, req.Changes, req.Actor, now, req.IdempotencyKey)
		if err := s.validate(ctx, candidate.Category, candidate.Payload); err != nil {
			return err
		}

		target.EffectiveEnd = &now
		target.Status = domain.StatusSuperseded
		target.SupersededByRecordID = &candidate.ID
		target.SupersededAt = &now
		target.UpdatedAt = now
		if err := tx.Save(ctx, target); err != nil {
			return err
		}
		if err := tx.Insert(ctx, candidate); err != nil {
			return err
		}

		result = candidate
		superseded = target
		return nil
	})
	if err != nil {
		return s.recoverReplay(ctx, req.IdempotencyKey, auditdomain.OpRecordUpdated, err)
	}

	s.appendAudit(ctx, auditdomain.Event{
		Operation:   auditdomain.OpRecordUpdated,
		RecordID:    result.ID,
		SubjectID:   result.SubjectID,
		Category:    string(result.Category),
		Actor:       req.Actor,
		PriorStatus: statusPtr(domain.StatusActive),
		NewStatus:   statusPtr(domain.StatusActive),
		Metadata: datatypes.JSONMap{
			"supersedes":     superseded.ID.String(),
			"version":        result.Version,
			"changed_fields": changedFields(req.Changes),
		},
	})
	s.metrics.RecordMutation(ctx, auditdomain.OpRecordUpdated, string(result.Category))
	return result, nil
}

func (s *Service) Correct(ctx context.Context, req domain.CorrectRecordRequest) (*domain.Record, error) {
	if req.RecordID == 0 {
		return nil, domain.ErrNotFound
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, domain.ErrMissingActor
	}
	if !req.Reason.Valid() {
		return nil, domain.ErrInvalidReason
	}

	if replay, err := s.replay(ctx, req.IdempotencyKey, auditdomain.OpRecordCorrected); replay != nil || err != nil {
		return replay, err
	}

	var (
		result      *domain.Record
		priorStatus domain.LifecycleStatus
	)
	err := s.repo.Transaction(ctx, func(tx domain.Repository) error {
		target, err := tx.FindByID(ctx, req.RecordID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrNotFound
		}
		// ACTIVE and SUPERSEDED records are correctable; a CORRECTED
		// record already has its branch and a DELETED one is terminal.
		if target.Status == domain.StatusCorrected || target.Status == domain.StatusDeleted {
			return domain.ErrInvalidState
		}
		priorStatus = target.Status

		now := s.clock.Now()
		correction := s.correctionBranch(target, req.Changes, req.Actor, now, req.IdempotencyKey)
		if err := s.validate(ctx, correction.Category, correction.Payload); err != nil {
			return err
		}

		wasActive := target.IsActive()
		target.Status = domain.StatusCorrected
		target.CorrectedAt = &now
		target.UpdatedAt = now
		if wasActive {
			// Historical targets keep their recorded window; only the
			// status flag and provenance change.
			target.EffectiveEnd = &now
		}
		if err := tx.Save(ctx, target); err != nil {
			return err
		}

		// Correcting a historical record may leave a different ACTIVE
		// record in the lineage; the correction branch supersedes it so
		// at most one ACTIVE record survives.
		if !wasActive {
			infoDate := conflictDate(target.Category, target.InformationDate)
			current, err := tx.FindActive(ctx, target.SubjectID, target.Category, infoDate)
			if err != nil {
				return err
			}
			if current != nil && current.ID != target.ID {
				current.EffectiveEnd = &now
				current.Status = domain.StatusSuperseded
				current.SupersededByRecordID = &correction.ID
				current.SupersededAt = &now
				current.UpdatedAt = now
				if err := tx.Save(ctx, current); err != nil {
					return err
				}
			}
		}

		if err := tx.Insert(ctx, correction); err != nil {
			return err
		}
		result = correction
		return nil
	})
	if err != nil {
		return s.recoverReplay(ctx, req.IdempotencyKey, auditdomain.OpRecordCorrected, err)
	}

	reason := string(req.Reason)
	s.appendAudit(ctx, auditdomain.Event{
		Operation:   auditdomain.OpRecordCorrected,
		RecordID:    result.ID,
		SubjectID:   result.SubjectID,
		Category:    string(result.Category),
		Actor:       req.Actor,
		PriorStatus: statusPtr(priorStatus),
		NewStatus:   statusPtr(domain.StatusActive),
		Reason:      &reason,
		Metadata: datatypes.JSONMap{
			"corrects":       req.RecordID.String(),
			"changed_fields": changedFields(req.Changes),
		},
	})
	s.metrics.RecordMutation(ctx, auditdomain.OpRecordCorrected, string(result.Category))
	return result, nil
}

func (s *Service) Backdate(ctx context.Context, req domain.BackdateRecordRequest) (*domain.Record, error) {
	if err := checkLineageKey(req.SubjectID, req.Category, req.InformationDate, req.Actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, domain.ErrInvalidReason
	}

	if replay, err := s.replay(ctx, req.IdempotencyKey, auditdomain.OpRecordBackdated); replay != nil || err != nil {
		return replay, err
	}

	now := s.clock.Now()
	effectiveAsOf := req.EffectiveAsOf.UTC()
	if effectiveAsOf.After(now) {
		return nil, domain.ErrPolicyViolation
	}
	window := time.Duration(s.cfg.BackdateWindowDays) * 24 * time.Hour
	if effectiveAsOf.Before(now.Add(-window)) && !req.Override {
		return nil, domain.ErrPolicyViolation
	}

	if err := s.validate(ctx, req.Category, req.Payload); err != nil {
		return nil, err
	}

	record := s.newRecord(req.SubjectID, req.Category, req.InformationDate, req.Payload, req.Actor, now, req.IdempotencyKey)
	record.EffectiveStart = effectiveAsOf
	record.IsBackdated = true

	var truncated []*domain.Record
	err := s.repo.Transaction(ctx, func(tx domain.Repository) error {
		var err error
		truncated, err = s.resolver.Resolve(ctx, tx, record, now, req.Override)
		if err != nil {
			return err
		}
		return tx.Insert(ctx, record)
	})
	if err != nil {
		return s.recoverReplay(ctx, req.IdempotencyKey, auditdomain.OpRecordBackdated, err)
	}

	reason := req.Reason
	s.appendAudit(ctx, auditdomain.Event{
		Operation: auditdomain.OpRecordBackdated,
		RecordID:  record.ID,
		SubjectID: record.SubjectID,
		Category:  string(record.Category),
		Actor:     req.Actor,
		NewStatus: statusPtr(domain.StatusActive),
		Reason:    &reason,
		Metadata: datatypes.JSONMap{
			"effective_as_of": effectiveAsOf.Format(time.RFC3339),
			"truncated":       recordIDs(truncated),
			"override":        req.Override,
		},
	})
	s.metrics.RecordMutation(ctx, auditdomain.OpRecordBackdated, string(record.Category))
	s.metrics.RecordConflictsResolved(ctx, string(record.Category), len(truncated))
	return record, nil
}

func (s *Service) Delete(ctx context.Context, req domain.DeleteRecordRequest) (*domain.Record, error) {
	if req.RecordID == 0 {
		return nil, domain.ErrNotFound
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, domain.ErrMissingActor
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, domain.ErrInvalidReason
	}

	if replay, err := s.replay(ctx, req.IdempotencyKey, auditdomain.OpRecordDeleted); replay != nil || err != nil {
		return replay, err
	}

	var result *domain.Record
	err := s.repo.Transaction(ctx, func(tx domain.Repository) error {
		target, err := tx.FindByID(ctx, req.RecordID)
		if err != nil {
			return err
		}
		if target == nil {
			return domain.ErrNotFound
		}
		if !target.IsActive() {
			return domain.ErrInvalidState
		}

		now := s.clock.Now()
		target.Status = domain.StatusDeleted
		target.EffectiveEnd = &now
		target.UpdatedAt = now
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			target.IdempotencyKey = &key
		}
		if err := tx.Save(ctx, target); err != nil {
			return err
		}
		result = target
		return nil
	})
	if err != nil {
		return s.recoverReplay(ctx, req.IdempotencyKey, auditdomain.OpRecordDeleted, err)
	}

	reason := req.Reason
	s.appendAudit(ctx, auditdomain.Event{
		Operation:   auditdomain.OpRecordDeleted,
		RecordID:    result.ID,
		SubjectID:   result.SubjectID,
		Category:    string(result.Category),
		Actor:       req.Actor,
		PriorStatus: statusPtr(domain.StatusActive),
		NewStatus:   statusPtr(domain.StatusDeleted),
		Reason:      &reason,
	})
	s.metrics.RecordMutation(ctx, auditdomain.OpRecordDeleted, string(result.Category))
	return result, nil
}

// ActiveAsOf resolves the record that was believed current at the given
// system time, regardless of later supersessions or corrections.
func (s *Service) ActiveAsOf(ctx context.Context, subjectID snowflake.ID, category domain.Category, asOf time.Time) (*domain.Record, error) {
	if subjectID == 0 {
		return nil, domain.ErrInvalidSubject
	}
	if !category.Valid() {
		return nil, domain.ErrInvalidCategory
	}

	history, err := s.repo.FindHistory(ctx, subjectID, category)
	if err != nil {
		return nil, err
	}

	asOf = asOf.UTC()
	var found *domain.Record
	for _, record := range history {
		if record.Status == domain.StatusDeleted {
			continue
		}
		if record.EffectiveStart.After(asOf) {
			continue
		}
		if record.EffectiveEnd != nil && !record.EffectiveEnd.After(asOf) {
			continue
		}
		if found == nil || record.EffectiveStart.After(found.EffectiveStart) {
			found = record
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

func (s *Service) History(ctx context.Context, subjectID snowflake.ID, category domain.Category) ([]*domain.Record, error) {
	if subjectID == 0 {
		return nil, domain.ErrInvalidSubject
	}
	if !category.Valid() {
		return nil, domain.ErrInvalidCategory
	}
	return s.repo.FindHistory(ctx, subjectID, category)
}

func (s *Service) AuditChain(ctx context.Context, recordID snowflake.ID) ([]*domain.Record, error) {
	chain, err := s.repo.FindAuditChain(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, domain.ErrNotFound
	}
	return chain, nil
}

// recoverReplay handles the race where two retries carrying the same
// idempotency key pass the pre-transaction replay check together: the
// loser's insert hits the unique index, and the stored record is
// returned as the replay result.
func (s *Service) recoverReplay(ctx context.Context, key, operation string, err error) (*domain.Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, err
	}
	raced := db.IsDuplicateKeyErr(err) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrConcurrentModification) ||
		errors.Is(err, domain.ErrInvalidState)
	if !raced {
		return nil, err
	}
	existing, findErr := s.repo.FindByIdempotencyKey(ctx, key)
	if findErr != nil || existing == nil {
		return nil, err
	}
	s.metrics.RecordIdempotentReplay(ctx, operation)
	return existing, nil
}

// replay short-circuits a retried mutation before the serialized
// section: the stored record is returned unchanged and no new audit
// event is emitted.
func (s *Service) replay(ctx context.Context, key, operation string) (*domain.Record, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	s.log.Debug("idempotent replay",
		zap.String("operation", operation),
		zap.Int64("record_id", int64(existing.ID)),
	)
	s.metrics.RecordIdempotentReplay(ctx, operation)
	return existing, nil
}

func (s *Service) validate(ctx context.Context, category domain.Category, payload datatypes.JSONMap) error {
	result := s.engine.Validate(category, payload)
	if result.Valid {
		return nil
	}
	s.metrics.RecordValidationFailure(ctx, string(category), len(result.Errors))
	return &domain.ValidationFailedError{Errors: result.Errors}
}

func (s *Service) newRecord(
	subjectID snowflake.ID,
	category domain.Category,
	informationDate time.Time,
	payload datatypes.JSONMap,
	actor string,
	now time.Time,
	idempotencyKey string,
) *domain.Record {
	record := &domain.Record{
		ID:              s.genID.Generate(),
		SubjectID:       subjectID,
		Category:        category,
		InformationDate: informationDate,
		EffectiveStart:  now,
		Status:          domain.StatusActive,
		Version:         1,
		Payload:         clonePayload(payload),
		Actor:           actor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		record.IdempotencyKey = &key
	}
	return record
}

// nextVersion builds the update candidate: same lineage, version + 1,
// fresh identity and provenance. The target is never touched until the
// candidate has validated.
func (s *Service) nextVersion(target *domain.Record, changes map[string]any, actor string, now time.Time, idempotencyKey string) *domain.Record {
	candidate := target.Clone()
	candidate.ID = s.genID.Generate()
	candidate.Version = target.Version + 1
	candidate.LockVersion = 0
	candidate.Status = domain.StatusActive
	candidate.EffectiveStart = now
	candidate.EffectiveEnd = nil
	candidate.IsCorrection = false
	candidate.CorrectsRecordID = nil
	targetID := target.ID
	candidate.SupersedesRecordID = &targetID
	candidate.SupersededByRecordID = nil
	candidate.SupersededAt = nil
	candidate.CorrectedAt = nil
	candidate.IsBackdated = false
	candidate.Actor = actor
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	candidate.IdempotencyKey = nil
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		candidate.IdempotencyKey = &key
	}
	applyChanges(candidate.Payload, changes)
	return candidate
}

// correctionBranch starts a fresh version-1 branch pointing back at the
// corrected record.
func (s *Service) correctionBranch(target *domain.Record, changes map[string]any, actor string, now time.Time, idempotencyKey string) *domain.Record {
	branch := s.nextVersion(target, changes, actor, now, idempotencyKey)
	branch.Version = 1
	branch.IsCorrection = true
	targetID := target.ID
	branch.CorrectsRecordID = &targetID
	branch.SupersedesRecordID = nil
	return branch
}

func (s *Service) appendAudit(ctx context.Context, event auditdomain.Event) {
	if err := s.audit.Append(ctx, event); err != nil {
		// The mutation is already committed; the failure is surfaced
		// through logs and the audit-failure counter so the sink can be
		// replayed out of band.
		s.log.Warn("audit append failed after commit",
			zap.String("operation", event.Operation),
			zap.Int64("record_id", int64(event.RecordID)),
			zap.Error(err),
		)
		s.metrics.RecordAuditFailure(ctx, event.Operation)
	}
}

func checkLineageKey(subjectID snowflake.ID, category domain.Category, informationDate time.Time, actor string) error {
	if subjectID == 0 {
		return domain.ErrInvalidSubject
	}
	if !category.Valid() {
		return domain.ErrInvalidCategory
	}
	if informationDate.IsZero() {
		return domain.ErrMissingInformationDate
	}
	if strings.TrimSpace(actor) == "" {
		return domain.ErrMissingActor
	}
	return nil
}

// conflictDate returns the information date only for categories whose
// conflict key is date-scoped.
func conflictDate(category domain.Category, informationDate time.Time) *time.Time {
	if !category.DateScoped() {
		return nil
	}
	date := informationDate
	return &date
}

func clonePayload(payload datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	return out
}

// applyChanges merges field changes into a payload; a nil value removes
// the field.
func applyChanges(payload datatypes.JSONMap, changes map[string]any) {
	for key, value := range changes {
		if value == nil {
			delete(payload, key)
			continue
		}
		payload[key] = value
	}
}

func changedFields(changes map[string]any) []string {
	fields := make([]string, 0, len(changes))
	for key := range changes {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	return fields
}

func statusPtr(status domain.LifecycleStatus) *string {
	s := string(status)
	return &s
}

func recordIDs(records []*domain.Record) []string {
	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID.String())
	}
	return ids
}
