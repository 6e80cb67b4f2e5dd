package domain

import (
	"sort"
	"time"
)

// State is the registry state of an artifact
type State string

const (
	StateUnclassified       State = "unclassified"
	StateActive             State = "active"
	StateNeedsReview        State = "needs_review"
	StateLikelyObsolete     State = "likely_obsolete"
	StateDefinitelyObsolete State = "definitely_obsolete"
	StateArchived           State = "archived"
)

// LifecycleStates are the states a classification run can produce, least obsolete first.
var LifecycleStates = []State{
	StateActive,
	StateNeedsReview,
	StateLikelyObsolete,
	StateDefinitelyObsolete,
}

// Valid reports whether s is a known registry state
func (s State) Valid() bool {
	switch s {
	case StateUnclassified, StateActive, StateNeedsReview,
		StateLikelyObsolete, StateDefinitelyObsolete, StateArchived:
		return true
	}
	return false
}

// Archivable reports whether an artifact in state s may be archived
func (s State) Archivable() bool {
	return s == StateLikelyObsolete || s == StateDefinitelyObsolete
}

// Rank orders lifecycle states by obsolescence. Unknown states rank -1.
func (s State) Rank() int {
	for i, st := range LifecycleStates {
		if st == s {
			return i
		}
	}
	return -1
}

// Artifact is a script or registered command tracked by the registry
type Artifact struct {
	Identity    string     `json:"identity"`
	Name        string     `json:"name,omitempty"`
	Path        string     `json:"path,omitempty"`
	Pipeline    string     `json:"pipeline"`
	Language    string     `json:"language,omitempty"`
	Size        int64      `json:"size"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	ModifiedAt  time.Time  `json:"modified_at"`
	State       State      `json:"state"`
	Score       int        `json:"score"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// GitActivity summarizes version-control history for an artifact path
type GitActivity struct {
	Commits90d   int        `json:"commits_90d"`
	Commits365d  int        `json:"commits_365d"`
	LastCommitAt *time.Time `json:"last_commit_at,omitempty"`
}

// ReferenceUsage lists who refers to an artifact
type ReferenceUsage struct {
	ReferencedBy          []string `json:"referenced_by,omitempty"`
	ReferencedInManifests bool     `json:"referenced_in_manifests"`
}

// Referenced reports whether any reference was found
func (r ReferenceUsage) Referenced() bool {
	return len(r.ReferencedBy) > 0 || r.ReferencedInManifests
}

// ContentHeuristic holds marker counts from a bounded scan of the artifact body
type ContentHeuristic struct {
	TodoMarkers         int  `json:"todo_markers"`
	HardcodedPaths      int  `json:"hardcoded_paths"`
	DeprecatedAPIHits   int  `json:"deprecated_api_hits"`
	HasErrorHandling    bool `json:"has_error_handling"`
	ExperimentalMarkers int  `json:"experimental_markers"`
}

// Signal names, used when reporting unavailable collectors
const (
	SignalGit       = "git"
	SignalReference = "reference"
	SignalContent   = "content"
)

// Snapshot is the set of signals one run collected for one artifact.
// A nil signal means its collector was unavailable and counts as no evidence.
type Snapshot struct {
	Git         *GitActivity      `json:"git,omitempty"`
	References  *ReferenceUsage   `json:"references,omitempty"`
	Content     *ContentHeuristic `json:"content,omitempty"`
	Unavailable []string          `json:"unavailable,omitempty"`
}

// MarkUnavailable records that a signal could not be collected
func (s *Snapshot) MarkUnavailable(signal string) {
	for _, u := range s.Unavailable {
		if u == signal {
			return
		}
	}
	s.Unavailable = append(s.Unavailable, signal)
	sort.Strings(s.Unavailable)
}

// ClassificationResult is the outcome of one classification pass for one artifact
type ClassificationResult struct {
	Identity      string    `json:"identity"`
	RunID         string    `json:"run_id"`
	RunAt         time.Time `json:"run_at"`
	Score         int       `json:"score"`
	State         State     `json:"state"`
	ForcedActive  bool      `json:"forced_active"`
	Reason        string    `json:"reason,omitempty"`
	PolicyVersion int       `json:"policy_version"`
	Snapshot      Snapshot  `json:"snapshot"`
}

// ArchiveStatus tracks whether an archive record is still in effect
type ArchiveStatus string

const (
	ArchiveActive     ArchiveStatus = "active"
	ArchiveSuperseded ArchiveStatus = "superseded"
	ArchiveRolledBack ArchiveStatus = "rolled_back"
)

// ArchiveRecord is the append-only audit entry for one archive operation
type ArchiveRecord struct {
	ID               string        `json:"id"`
	Identity         string        `json:"identity"`
	OriginalLocation string        `json:"original_location"`
	ArchiveLocation  string        `json:"archive_location"`
	Reason           string        `json:"reason"`
	Operator         string        `json:"operator"`
	PriorState       State         `json:"prior_state"`
	Status           ArchiveStatus `json:"status"`
	Reversible       bool          `json:"reversible"`
	ArchivedAt       time.Time     `json:"archived_at"`
	ClosedAt         *time.Time    `json:"closed_at,omitempty"`
}

// PipelineStatus is the lifecycle status of a pipeline
type PipelineStatus string

const (
	PipelineActive     PipelineStatus = "active"
	PipelineDeprecated PipelineStatus = "deprecated"
)

// Pipeline groups artifacts under a logical category
type Pipeline struct {
	Name      string         `json:"name"`
	Status    PipelineStatus `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	Artifacts int            `json:"artifacts"`
}
