package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pbaille/scriptreg/internal/domain"
	"github.com/pbaille/scriptreg/internal/keylock"
)

// Registry is the part of the store the engine mutates
type Registry interface {
	GetArtifact(ctx context.Context, identity string) (*domain.Artifact, error)
	SetArtifactState(ctx context.Context, identity string, from, to domain.State) error
	InsertArchiveRecord(ctx context.Context, r domain.ArchiveRecord) error
	SetArchiveRecordStatus(ctx context.Context, id string, from, to domain.ArchiveStatus, closedAt *time.Time) error
	ActiveArchiveRecord(ctx context.Context, identity string) (*domain.ArchiveRecord, error)
}

// Engine archives and restores artifacts. Each operation applies three
// effects (content move, audit record, registry state) and undoes the
// completed ones if a later one fails.
type Engine struct {
	reg   Registry
	rel   Relocator
	locks *keylock.Set
	now   func() time.Time
	log   *zap.Logger
}

// NewEngine creates an engine. A nil logger discards output.
func NewEngine(reg Registry, rel Relocator, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		reg:   reg,
		rel:   rel,
		locks: keylock.New(),
		now:   time.Now,
		log:   log,
	}
}

// WithClock fixes the time used for archive tags and audit timestamps
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Archive moves an obsolete artifact out of the live tree. Only
// likely_obsolete and definitely_obsolete artifacts are eligible.
func (e *Engine) Archive(ctx context.Context, identity, reason, operator string) (*domain.ArchiveRecord, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("archive %s: reason is required", identity)
	}

	unlock := e.locks.Lock(identity)
	defer unlock()

	a, err := e.reg.GetArtifact(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("archive %s: %w", identity, err)
	}
	if a.State == domain.StateArchived {
		return nil, fmt.Errorf("archive %s: %w", identity, domain.ErrAlreadyArchived)
	}
	if !a.State.Archivable() {
		return nil, fmt.Errorf("archive %s (state %s): %w", identity, a.State, domain.ErrNotEligible)
	}

	at := e.now().UTC()
	rec := domain.ArchiveRecord{
		ID:               uuid.NewString(),
		Identity:         identity,
		OriginalLocation: a.Path,
		Reason:           reason,
		Operator:         operator,
		PriorState:       a.State,
		Status:           domain.ArchiveActive,
		Reversible:       true,
		ArchivedAt:       at,
	}

	// Commands registered without a file have nothing to move.
	if a.Path != "" {
		loc, err := e.rel.Stash(ctx, a.Path, at)
		if err != nil {
			return nil, fmt.Errorf("archive %s: relocate: %w", identity, err)
		}
		rec.ArchiveLocation = loc
	}

	// Compensation must run even if the caller has given up.
	undoCtx := context.WithoutCancel(ctx)

	if err := e.reg.InsertArchiveRecord(ctx, rec); err != nil {
		if rbErr := e.unstash(undoCtx, rec); rbErr != nil {
			return nil, e.rollbackFailed("archive", "write record", rec, err, rbErr)
		}
		return nil, fmt.Errorf("archive %s: write record: %w", identity, err)
	}

	if err := e.reg.SetArtifactState(ctx, identity, a.State, domain.StateArchived); err != nil {
		closed := e.now().UTC()
		rbErr := errors.Join(
			e.reg.SetArchiveRecordStatus(undoCtx, rec.ID, domain.ArchiveActive, domain.ArchiveRolledBack, &closed),
			e.unstash(undoCtx, rec),
		)
		if rbErr != nil {
			return nil, e.rollbackFailed("archive", "flip state", rec, err, rbErr)
		}
		return nil, fmt.Errorf("archive %s: flip state: %w", identity, err)
	}

	e.log.Info("archived",
		zap.String("identity", identity),
		zap.String("record", rec.ID),
		zap.String("from", rec.OriginalLocation),
		zap.String("to", rec.ArchiveLocation),
		zap.String("prior_state", string(rec.PriorState)),
		zap.String("operator", operator))
	return &rec, nil
}

// Restore brings an archived artifact back to its original location and
// the state it held when archived. The next classification run decides
// its state from there.
func (e *Engine) Restore(ctx context.Context, identity, operator string) (*domain.Artifact, error) {
	unlock := e.locks.Lock(identity)
	defer unlock()

	a, err := e.reg.GetArtifact(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", identity, err)
	}
	if a.State != domain.StateArchived {
		return nil, fmt.Errorf("restore %s (state %s): %w", identity, a.State, domain.ErrNotArchived)
	}

	rec, err := e.reg.ActiveArchiveRecord(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", identity, err)
	}
	prior := rec.PriorState
	if prior.Rank() < 0 {
		prior = domain.StateNeedsReview
	}

	if rec.ArchiveLocation != "" {
		if err := e.rel.Unstash(ctx, rec.ArchiveLocation, rec.OriginalLocation); err != nil {
			return nil, fmt.Errorf("restore %s: relocate: %w", identity, err)
		}
	}

	undoCtx := context.WithoutCancel(ctx)

	// Another process may have restored the artifact since the record was read;
	// the status check makes only one of them supersede it.
	closed := e.now().UTC()
	if err := e.reg.SetArchiveRecordStatus(ctx, rec.ID, domain.ArchiveActive, domain.ArchiveSuperseded, &closed); err != nil {
		if rbErr := e.restash(undoCtx, *rec); rbErr != nil {
			return nil, e.rollbackFailed("restore", "supersede record", *rec, err, rbErr)
		}
		return nil, fmt.Errorf("restore %s: supersede record: %w", identity, err)
	}

	if err := e.reg.SetArtifactState(ctx, identity, domain.StateArchived, prior); err != nil {
		rbErr := errors.Join(
			e.reg.SetArchiveRecordStatus(undoCtx, rec.ID, domain.ArchiveSuperseded, domain.ArchiveActive, nil),
			e.restash(undoCtx, *rec),
		)
		if rbErr != nil {
			return nil, e.rollbackFailed("restore", "flip state", *rec, err, rbErr)
		}
		return nil, fmt.Errorf("restore %s: flip state: %w", identity, err)
	}

	e.log.Info("restored",
		zap.String("identity", identity),
		zap.String("record", rec.ID),
		zap.String("to", rec.OriginalLocation),
		zap.String("state", string(prior)),
		zap.String("operator", operator))

	a.State = prior
	return a, nil
}

func (e *Engine) unstash(ctx context.Context, rec domain.ArchiveRecord) error {
	if rec.ArchiveLocation == "" {
		return nil
	}
	return e.rel.Unstash(ctx, rec.ArchiveLocation, rec.OriginalLocation)
}

func (e *Engine) restash(ctx context.Context, rec domain.ArchiveRecord) error {
	if rec.ArchiveLocation == "" {
		return nil
	}
	return e.rel.Restash(ctx, rec.OriginalLocation, rec.ArchiveLocation)
}

// rollbackFailed logs everything needed to reconcile by hand
func (e *Engine) rollbackFailed(op, step string, rec domain.ArchiveRecord, cause, rbErr error) error {
	err := &domain.RollbackError{
		Op:               op,
		Identity:         rec.Identity,
		Step:             step,
		RecordID:         rec.ID,
		OriginalLocation: rec.OriginalLocation,
		ArchiveLocation:  rec.ArchiveLocation,
		Cause:            cause,
		RollbackErr:      rbErr,
	}
	e.log.Error("rollback failed, manual reconciliation required",
		zap.String("op", op),
		zap.String("identity", rec.Identity),
		zap.String("step", step),
		zap.String("record", rec.ID),
		zap.String("original", rec.OriginalLocation),
		zap.String("archive", rec.ArchiveLocation),
		zap.NamedError("cause", cause),
		zap.NamedError("rollback", rbErr))
	return err
}
