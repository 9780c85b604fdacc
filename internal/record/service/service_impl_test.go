package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	auditdomain "github.com/haven-hmis/recordflow/internal/audit/domain"
	"github.com/haven-hmis/recordflow/internal/audit/memsink"
	"github.com/haven-hmis/recordflow/internal/clock"
	"github.com/haven-hmis/recordflow/internal/config"
	"github.com/haven-hmis/recordflow/internal/record/conflict"
	"github.com/haven-hmis/recordflow/internal/record/domain"
	"github.com/haven-hmis/recordflow/internal/record/memstore"
	"github.com/haven-hmis/recordflow/internal/record/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type testEnv struct {
	svc   domain.Service
	store *memstore.Store
	sink  *memsink.Sink
	clock *clock.FakeClock
	node  *snowflake.Node
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	store := memstore.New()
	sink := memsink.New()
	fake := clock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		Log:      zap.NewNop(),
		Clock:    fake,
		GenID:    node,
		Repo:     store,
		Engine:   validation.NewEngine(validation.DefaultRegistry()),
		Resolver: conflict.New(zap.NewNop()),
		Audit:    sink,
		Cfg: config.Config{
			Lifecycle: config.LifecycleConfig{BackdateWindowDays: 30},
		},
	})

	return &testEnv{svc: svc, store: store, sink: sink, clock: fake, node: node}
}

func incomePayload(total int) datatypes.JSONMap {
	payload := datatypes.JSONMap{"incomeFromAnySource": "NO"}
	if total > 0 {
		payload["incomeFromAnySource"] = "YES"
		payload["totalMonthlyIncome"] = total
	}
	return payload
}

func (e *testEnv) mustCreate(t *testing.T, subjectID snowflake.ID, category domain.Category, payload datatypes.JSONMap) *domain.Record {
	t.Helper()
	record, err := e.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        category,
		InformationDate: e.clock.Now(),
		Payload:         payload,
		Actor:           "case-worker-1",
	})
	require.NoError(t, err)
	return record
}

func TestCreateRecord(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()

	record := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	assert.Equal(t, domain.StatusActive, record.Status)
	assert.Equal(t, 1, record.Version)
	assert.Nil(t, record.EffectiveEnd)
	assert.Equal(t, env.clock.Now(), record.EffectiveStart)
	assert.False(t, record.IsCorrection)
	assert.False(t, record.IsBackdated)

	events := env.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, auditdomain.OpRecordCreated, events[0].Operation)
	assert.Equal(t, record.ID, events[0].RecordID)
}

func TestCreateRejectsSecondActive(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()

	env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	_, err := env.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: env.clock.Now(),
		Payload:         incomePayload(500),
		Actor:           "case-worker-1",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 1, env.store.Len())
}

func TestCreateDateScopedAllowsDistinctDates(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	payload := datatypes.JSONMap{"bedNumber": "A-12"}

	first, err := env.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC),
		Payload:         payload,
		Actor:           "shelter-staff",
	})
	require.NoError(t, err)

	second, err := env.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		Payload:         payload,
		Actor:           "shelter-staff",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = env.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: time.Date(2024, 2, 29, 6, 0, 0, 0, time.UTC),
		Payload:         payload,
		Actor:           "shelter-staff",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := domain.CreateRecordRequest{
		SubjectID:       env.node.Generate(),
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: env.clock.Now(),
		Payload:         incomePayload(100),
		Actor:           "case-worker-1",
	}

	missingSubject := base
	missingSubject.SubjectID = 0
	_, err := env.svc.Create(ctx, missingSubject)
	assert.ErrorIs(t, err, domain.ErrInvalidSubject)

	badCategory := base
	badCategory.Category = "unknown"
	_, err = env.svc.Create(ctx, badCategory)
	assert.ErrorIs(t, err, domain.ErrInvalidCategory)

	missingDate := base
	missingDate.InformationDate = time.Time{}
	_, err = env.svc.Create(ctx, missingDate)
	assert.ErrorIs(t, err, domain.ErrMissingInformationDate)

	missingActor := base
	missingActor.Actor = "  "
	_, err = env.svc.Create(ctx, missingActor)
	assert.ErrorIs(t, err, domain.ErrMissingActor)
}

func TestCreateValidationFailure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Create(context.Background(), domain.CreateRecordRequest{
		SubjectID:       env.node.Generate(),
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: env.clock.Now(),
		Payload:         datatypes.JSONMap{"incomeFromAnySource": "YES"},
		Actor:           "case-worker-1",
	})

	vErr, ok := domain.IsValidationFailed(err)
	require.True(t, ok)
	require.Len(t, vErr.Errors, 1)
	assert.Equal(t, "totalMonthlyIncome", vErr.Errors[0].Field)

	assert.Equal(t, 0, env.store.Len())
	assert.Empty(t, env.sink.Events())
}

func TestUpdateSupersedes(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(48 * time.Hour)
	updated, err := env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1500},
		Actor:    "case-worker-2",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, domain.StatusActive, updated.Status)
	assert.Equal(t, 1500, updated.Payload["totalMonthlyIncome"])
	require.NotNil(t, updated.SupersedesRecordID)
	assert.Equal(t, original.ID, *updated.SupersedesRecordID)
	assert.Equal(t, "case-worker-2", updated.Actor)

	stored, err := env.store.FindByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, stored.Status)
	require.NotNil(t, stored.EffectiveEnd)
	assert.Equal(t, updated.EffectiveStart, *stored.EffectiveEnd)
	require.NotNil(t, stored.SupersededByRecordID)
	assert.Equal(t, updated.ID, *stored.SupersededByRecordID)
	// The original payload is untouched history.
	assert.Equal(t, 1200, stored.Payload["totalMonthlyIncome"])
}

func TestUpdateNilChangeRemovesField(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	updated, err := env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: original.ID,
		Changes: map[string]any{
			"incomeFromAnySource": "NO",
			"totalMonthlyIncome":  nil,
		},
		Actor: "case-worker-1",
	})
	require.NoError(t, err)

	_, present := updated.Payload["totalMonthlyIncome"]
	assert.False(t, present)
}

func TestUpdateValidationKeepsTarget(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	_, err := env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 0},
		Actor:    "case-worker-1",
	})
	_, ok := domain.IsValidationFailed(err)
	require.True(t, ok)

	stored, err := env.store.FindByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Nil(t, stored.EffectiveEnd)
	assert.Equal(t, 1, env.store.Len())
}

func TestUpdateNonActiveRecord(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	_, err := env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1300},
		Actor:    "case-worker-1",
	})
	require.NoError(t, err)

	_, err = env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1400},
		Actor:    "case-worker-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: env.node.Generate(),
		Changes:  map[string]any{"totalMonthlyIncome": 1400},
		Actor:    "case-worker-1",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCorrectActiveRecord(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(time.Hour)
	correction, err := env.svc.Correct(context.Background(), domain.CorrectRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1250},
		Reason:   domain.ReasonDataEntryError,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	assert.True(t, correction.IsCorrection)
	assert.Equal(t, 1, correction.Version)
	assert.Equal(t, domain.StatusActive, correction.Status)
	require.NotNil(t, correction.CorrectsRecordID)
	assert.Equal(t, original.ID, *correction.CorrectsRecordID)
	assert.Nil(t, correction.SupersedesRecordID)

	stored, err := env.store.FindByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCorrected, stored.Status)
	require.NotNil(t, stored.CorrectedAt)
	require.NotNil(t, stored.EffectiveEnd)

	events := env.sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, auditdomain.OpRecordCorrected, events[1].Operation)
	require.NotNil(t, events[1].Reason)
	assert.Equal(t, string(domain.ReasonDataEntryError), *events[1].Reason)
}

func TestCorrectRequiresValidReason(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	_, err := env.svc.Correct(context.Background(), domain.CorrectRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1250},
		Reason:   "BECAUSE",
		Actor:    "supervisor-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestCorrectRejectsCorrectedAndDeletedTargets(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(time.Hour)
	_, err := env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1250},
		Reason:   domain.ReasonDataEntryError,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	// A corrected record already has its branch; fixing it again goes
	// through the branch, not a second correction of the same row.
	_, err = env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1300},
		Reason:   domain.ReasonAuditFinding,
		Actor:    "supervisor-2",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	history, err := env.svc.History(ctx, subjectID, domain.CategoryIncomeBenefits)
	require.NoError(t, err)
	correctors := 0
	for _, record := range history {
		if record.CorrectsRecordID != nil && *record.CorrectsRecordID == original.ID {
			correctors++
		}
	}
	assert.Equal(t, 1, correctors)

	// Deleted records are terminal.
	victim := env.mustCreate(t, env.node.Generate(), domain.CategoryIncomeBenefits, incomePayload(900))
	_, err = env.svc.Delete(ctx, domain.DeleteRecordRequest{
		RecordID: victim.ID,
		Reason:   "duplicate entry",
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	_, err = env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: victim.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 950},
		Reason:   domain.ReasonDataEntryError,
		Actor:    "supervisor-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCorrectHistoricalRecordSupersedesCurrent(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	v1 := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(24 * time.Hour)
	v2, err := env.svc.Update(context.Background(), domain.UpdateRecordRequest{
		RecordID: v1.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1300},
		Actor:    "case-worker-1",
	})
	require.NoError(t, err)

	env.clock.Advance(24 * time.Hour)
	correction, err := env.svc.Correct(context.Background(), domain.CorrectRecordRequest{
		RecordID: v1.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1100},
		Reason:   domain.ReasonAuditFinding,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	history, err := env.svc.History(context.Background(), subjectID, domain.CategoryIncomeBenefits)
	require.NoError(t, err)

	active := 0
	for _, record := range history {
		if record.IsActive() {
			active++
			assert.Equal(t, correction.ID, record.ID)
		}
	}
	assert.Equal(t, 1, active)

	storedV2, err := env.store.FindByID(context.Background(), v2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, storedV2.Status)
	require.NotNil(t, storedV2.SupersededByRecordID)
	assert.Equal(t, correction.ID, *storedV2.SupersededByRecordID)

	storedV1, err := env.store.FindByID(context.Background(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCorrected, storedV1.Status)
	// The historical window stays as recorded.
	require.NotNil(t, storedV1.EffectiveEnd)
	assert.Equal(t, v2.EffectiveStart, *storedV1.EffectiveEnd)
}

func TestBackdateWithinWindow(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	asOf := env.clock.Now().AddDate(0, 0, -10)

	record, err := env.svc.Backdate(context.Background(), domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: asOf,
		EffectiveAsOf:   asOf,
		Payload:         incomePayload(900),
		Reason:          "late paperwork from outreach team",
		Actor:           "case-worker-1",
	})
	require.NoError(t, err)

	assert.True(t, record.IsBackdated)
	assert.Equal(t, asOf, record.EffectiveStart)
	assert.Equal(t, domain.StatusActive, record.Status)
}

func TestBackdatePolicy(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()

	tooOld := env.clock.Now().AddDate(0, 0, -45)
	req := domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: tooOld,
		EffectiveAsOf:   tooOld,
		Payload:         incomePayload(900),
		Reason:          "data migration from legacy system",
		Actor:           "case-worker-1",
	}

	_, err := env.svc.Backdate(ctx, req)
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)

	req.Override = true
	record, err := env.svc.Backdate(ctx, req)
	require.NoError(t, err)
	assert.True(t, record.IsBackdated)

	future := req
	future.Override = true
	future.EffectiveAsOf = env.clock.Now().Add(time.Hour)
	_, err = env.svc.Backdate(ctx, future)
	assert.ErrorIs(t, err, domain.ErrPolicyViolation)

	noReason := req
	noReason.Reason = " "
	_, err = env.svc.Backdate(ctx, noReason)
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestBackdateTruncatesOverlap(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(5 * 24 * time.Hour)
	asOf := original.EffectiveStart.Add(2 * 24 * time.Hour)

	backdated, err := env.svc.Backdate(context.Background(), domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: asOf,
		EffectiveAsOf:   asOf,
		Payload:         incomePayload(800),
		Reason:          "income change reported late",
		Actor:           "case-worker-1",
	})
	require.NoError(t, err)

	stored, err := env.store.FindByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, stored.Status)
	require.NotNil(t, stored.EffectiveEnd)
	assert.Equal(t, backdated.EffectiveStart, *stored.EffectiveEnd)
	require.NotNil(t, stored.SupersededByRecordID)
	assert.Equal(t, backdated.ID, *stored.SupersededByRecordID)
}

func TestBackdateDateScopedKeepsOtherDates(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()
	payload := datatypes.JSONMap{"bedNumber": "A-12"}

	stayDate := time.Date(2024, 2, 27, 0, 0, 0, 0, time.UTC)
	existing, err := env.svc.Create(ctx, domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: stayDate,
		Payload:         payload,
		Actor:           "shelter-staff",
	})
	require.NoError(t, err)

	// A missed bed night for an earlier date is its own lineage; filing
	// it late must not disturb the other dates' records.
	missedDate := time.Date(2024, 2, 25, 0, 0, 0, 0, time.UTC)
	backdated, err := env.svc.Backdate(ctx, domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: missedDate,
		EffectiveAsOf:   missedDate,
		Payload:         payload,
		Reason:          "bed night missed during intake rush",
		Actor:           "shelter-staff",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, backdated.Status)

	stored, err := env.store.FindByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
	assert.Nil(t, stored.EffectiveEnd)
	assert.Nil(t, stored.SupersededByRecordID)

	// Backdating the same date does collide, and truncates only that
	// date's record.
	env.clock.Advance(time.Hour)
	replacement, err := env.svc.Backdate(ctx, domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryBedNight,
		InformationDate: missedDate,
		EffectiveAsOf:   missedDate.Add(6 * time.Hour),
		Payload:         datatypes.JSONMap{"bedNumber": "B-3"},
		Reason:          "bed reassigned after the fact",
		Actor:           "shelter-staff",
	})
	require.NoError(t, err)

	storedBackdated, err := env.store.FindByID(ctx, backdated.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, storedBackdated.Status)
	require.NotNil(t, storedBackdated.SupersededByRecordID)
	assert.Equal(t, replacement.ID, *storedBackdated.SupersededByRecordID)

	stored, err = env.store.FindByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, stored.Status)
}

func TestBackdateCorrectionPrecedence(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(24 * time.Hour)
	correction, err := env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: original.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1250},
		Reason:   domain.ReasonDataEntryError,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	env.clock.Advance(24 * time.Hour)
	asOf := env.clock.Now().AddDate(0, 0, -1)
	req := domain.BackdateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: asOf,
		EffectiveAsOf:   asOf,
		Payload:         incomePayload(700),
		Reason:          "retroactive benefit determination",
		Actor:           "case-worker-1",
	}

	_, err = env.svc.Backdate(ctx, req)
	assert.ErrorIs(t, err, domain.ErrCorrectionPrecedence)

	storedCorrection, err := env.store.FindByID(ctx, correction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, storedCorrection.Status)

	req.Override = true
	backdated, err := env.svc.Backdate(ctx, req)
	require.NoError(t, err)

	storedCorrection, err = env.store.FindByID(ctx, correction.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuperseded, storedCorrection.Status)
	require.NotNil(t, storedCorrection.SupersededByRecordID)
	assert.Equal(t, backdated.ID, *storedCorrection.SupersededByRecordID)
}

func TestIdempotentCreateReplay(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	key := uuid.NewString()

	req := domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: env.clock.Now(),
		Payload:         incomePayload(1200),
		Actor:           "case-worker-1",
		IdempotencyKey:  key,
	}

	first, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)

	second, err := env.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, env.store.Len())
	assert.Len(t, env.sink.Events(), 1)
}

func TestIdempotentCreateConcurrent(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	key := uuid.NewString()

	req := domain.CreateRecordRequest{
		SubjectID:       subjectID,
		Category:        domain.CategoryIncomeBenefits,
		InformationDate: env.clock.Now(),
		Payload:         incomePayload(1200),
		Actor:           "case-worker-1",
		IdempotencyKey:  key,
	}

	var wg sync.WaitGroup
	results := make(chan snowflake.ID, 20)
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := env.svc.Create(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			results <- record.ID
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	var first snowflake.ID
	for id := range results {
		if first == 0 {
			first = id
		}
		assert.Equal(t, first, id)
	}
	assert.Equal(t, 1, env.store.Len())
}

func TestIdempotentUpdateReplay(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))
	key := uuid.NewString()

	req := domain.UpdateRecordRequest{
		RecordID:       original.ID,
		Changes:        map[string]any{"totalMonthlyIncome": 1500},
		Actor:          "case-worker-1",
		IdempotencyKey: key,
	}

	first, err := env.svc.Update(context.Background(), req)
	require.NoError(t, err)

	// The retry would fail with ErrInvalidState without the key
	// short-circuit because the target is already superseded.
	second, err := env.svc.Update(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, env.store.Len())
	assert.Len(t, env.sink.Events(), 2)
}

func TestDeleteRecord(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))
	ctx := context.Background()

	env.clock.Advance(time.Hour)
	deleted, err := env.svc.Delete(ctx, domain.DeleteRecordRequest{
		RecordID: original.ID,
		Reason:   "entered against the wrong client",
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDeleted, deleted.Status)
	require.NotNil(t, deleted.EffectiveEnd)
	assert.Equal(t, env.clock.Now(), *deleted.EffectiveEnd)

	_, err = env.svc.Delete(ctx, domain.DeleteRecordRequest{
		RecordID: original.ID,
		Reason:   "again",
		Actor:    "supervisor-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = env.svc.Delete(ctx, domain.DeleteRecordRequest{
		RecordID: env.node.Generate(),
		Reason:   "missing",
		Actor:    "supervisor-1",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIdempotentDeleteConcurrent(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))
	key := uuid.NewString()

	req := domain.DeleteRecordRequest{
		RecordID:       original.ID,
		Reason:         "entered against the wrong client",
		Actor:          "supervisor-1",
		IdempotencyKey: key,
	}

	// Losers of the race see a record that is no longer ACTIVE; the key
	// lookup turns that into a replay instead of an error.
	var wg sync.WaitGroup
	results := make(chan snowflake.ID, 8)
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := env.svc.Delete(context.Background(), req)
			if err != nil {
				errs <- err
				return
			}
			results <- record.ID
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for id := range results {
		assert.Equal(t, original.ID, id)
	}

	stored, err := env.store.FindByID(context.Background(), original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, stored.Status)
}

func TestDeleteRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	original := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	_, err := env.svc.Delete(context.Background(), domain.DeleteRecordRequest{
		RecordID: original.ID,
		Actor:    "supervisor-1",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestActiveAsOf(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()

	v1 := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))
	t1 := env.clock.Now()

	env.clock.Advance(48 * time.Hour)
	v2, err := env.svc.Update(ctx, domain.UpdateRecordRequest{
		RecordID: v1.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1500},
		Actor:    "case-worker-1",
	})
	require.NoError(t, err)

	// As of t1 the first version was current even though it is
	// superseded now.
	got, err := env.svc.ActiveAsOf(ctx, subjectID, domain.CategoryIncomeBenefits, t1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, v1.ID, got.ID)

	got, err = env.svc.ActiveAsOf(ctx, subjectID, domain.CategoryIncomeBenefits, env.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, v2.ID, got.ID)

	_, err = env.svc.ActiveAsOf(ctx, subjectID, domain.CategoryIncomeBenefits, t1.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditChain(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()

	v1 := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	env.clock.Advance(time.Hour)
	v2, err := env.svc.Update(ctx, domain.UpdateRecordRequest{
		RecordID: v1.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1300},
		Actor:    "case-worker-1",
	})
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	correction, err := env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: v2.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1350},
		Reason:   domain.ReasonClientCorrection,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	chain, err := env.svc.AuditChain(ctx, correction.ID)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, v1.ID, chain[0].ID)
	assert.Equal(t, v2.ID, chain[1].ID)
	assert.Equal(t, correction.ID, chain[2].ID)

	// The chain is reachable from any member.
	fromRoot, err := env.svc.AuditChain(ctx, v1.ID)
	require.NoError(t, err)
	assert.Len(t, fromRoot, 3)

	_, err = env.svc.AuditChain(ctx, env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditFailureDoesNotFailMutation(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()

	env.sink.FailNext = errors.New("sink unavailable")
	record := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	assert.Equal(t, domain.StatusActive, record.Status)
	assert.Equal(t, 1, env.store.Len())
	assert.Empty(t, env.sink.Events())
}

func TestFullLifecycleScenario(t *testing.T) {
	env := newTestEnv(t)
	subjectID := env.node.Generate()
	ctx := context.Background()

	// Day 0: intake records the client's income.
	v1 := env.mustCreate(t, subjectID, domain.CategoryIncomeBenefits, incomePayload(1200))

	// Day 2: income changes.
	env.clock.Advance(2 * 24 * time.Hour)
	v2, err := env.svc.Update(ctx, domain.UpdateRecordRequest{
		RecordID: v1.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1500},
		Actor:    "case-worker-1",
	})
	require.NoError(t, err)

	// Day 5: a supervisor corrects a typo in the current record.
	env.clock.Advance(3 * 24 * time.Hour)
	v3, err := env.svc.Correct(ctx, domain.CorrectRecordRequest{
		RecordID: v2.ID,
		Changes:  map[string]any{"totalMonthlyIncome": 1550},
		Reason:   domain.ReasonDataEntryError,
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	// Day 8: the client's file is closed out.
	env.clock.Advance(3 * 24 * time.Hour)
	_, err = env.svc.Delete(ctx, domain.DeleteRecordRequest{
		RecordID: v3.ID,
		Reason:   "client exited the program",
		Actor:    "supervisor-1",
	})
	require.NoError(t, err)

	history, err := env.svc.History(ctx, subjectID, domain.CategoryIncomeBenefits)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, record := range history {
		assert.False(t, record.IsActive())
	}

	// Every superseded window ends exactly where its successor begins.
	storedV1, _ := env.store.FindByID(ctx, v1.ID)
	require.NotNil(t, storedV1.EffectiveEnd)
	assert.Equal(t, v2.EffectiveStart, *storedV1.EffectiveEnd)

	ops := make([]string, 0, 4)
	for _, event := range env.sink.Events() {
		ops = append(ops, event.Operation)
	}
	assert.Equal(t, []string{
		auditdomain.OpRecordCreated,
		auditdomain.OpRecordUpdated,
		auditdomain.OpRecordCorrected,
		auditdomain.OpRecordDeleted,
	}, ops)
}
