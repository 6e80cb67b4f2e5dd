package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCollectionUnavailable means a collector had no usable input; callers treat it as no evidence
	ErrCollectionUnavailable = errors.New("collection unavailable")

	ErrNotFound            = errors.New("not found")
	ErrNotEligible         = errors.New("not eligible for archival")
	ErrAlreadyArchived     = errors.New("already archived")
	ErrNotArchived         = errors.New("not archived")
	ErrPersistenceConflict = errors.New("persistence conflict")
	ErrPipelineHasActive   = errors.New("pipeline has active artifacts")
	ErrPipelineDeprecated  = errors.New("pipeline is deprecated")

	// ErrPartialEffectRollback is fatal: an archive or restore could not be undone
	ErrPartialEffectRollback = errors.New("partial effect rollback failure")
)

// ConflictError reports a commit that lost to a newer run for the same artifact
type ConflictError struct {
	Identity  string
	RunAt     time.Time
	Competing time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("persistence conflict on %s: run at %s is older than committed run at %s",
		e.Identity, e.RunAt.Format(time.RFC3339Nano), e.Competing.Format(time.RFC3339Nano))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrPersistenceConflict
}

// RollbackError carries what an operator needs to reconcile a half-applied archive or restore
type RollbackError struct {
	Op               string
	Identity         string
	Step             string
	RecordID         string
	OriginalLocation string
	ArchiveLocation  string
	Cause            error
	RollbackErr      error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("%s %s: %s failed (%v) and rollback failed (%v); record=%s original=%s archive=%s",
		e.Op, e.Identity, e.Step, e.Cause, e.RollbackErr, e.RecordID, e.OriginalLocation, e.ArchiveLocation)
}

func (e *RollbackError) Is(target error) bool {
	return target == ErrPartialEffectRollback
}

func (e *RollbackError) Unwrap() []error {
	return []error{e.Cause, e.RollbackErr}
}

// PipelineError reports a pipeline status change that would break the deprecated invariant
type PipelineError struct {
	Pipeline string
	Active   []string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s has %d active artifact(s): %v", e.Pipeline, len(e.Active), e.Active)
}

func (e *PipelineError) Is(target error) bool {
	return target == ErrPipelineHasActive
}
