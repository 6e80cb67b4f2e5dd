package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/pbaille/scriptreg/internal/domain"
)

// Outcome is what the scorer concluded from one snapshot
type Outcome struct {
	Score        int
	ForcedActive bool
	Reason       string
}

// Score combines a snapshot into an obsolescence score.
// Recent commits and any reference short-circuit to active before heuristics are looked at.
func Score(snap domain.Snapshot, p Policy) Outcome {
	if g := snap.Git; g != nil && g.Commits90d > 0 {
		return Outcome{ForcedActive: true, Reason: fmt.Sprintf("%d commit(s) in the last 90 days", g.Commits90d)}
	}
	if r := snap.References; r != nil && r.Referenced() {
		var parts []string
		if len(r.ReferencedBy) > 0 {
			parts = append(parts, "referenced by "+strings.Join(r.ReferencedBy, ", "))
		}
		if r.ReferencedInManifests {
			parts = append(parts, "referenced in manifests")
		}
		return Outcome{ForcedActive: true, Reason: strings.Join(parts, "; ")}
	}

	c := snap.Content
	if c == nil {
		return Outcome{Reason: "no heuristic evidence"}
	}

	var score int
	var hits []string
	add := func(name string, weight int) {
		if weight == 0 {
			return
		}
		score += weight
		hits = append(hits, fmt.Sprintf("%s+%d", name, weight))
	}
	if c.TodoMarkers > 0 {
		add("todo", p.Weights.Todo)
	}
	if c.HardcodedPaths > 0 {
		add("hardcoded_path", p.Weights.HardcodedPath)
	}
	if c.DeprecatedAPIHits > 0 {
		add("deprecated_api", p.Weights.DeprecatedAPI)
	}
	if !c.HasErrorHandling {
		add("missing_error_handling", p.Weights.MissingErrorHandling)
	}
	if c.ExperimentalMarkers > 0 {
		add("experimental", p.Weights.Experimental)
	}

	if score < 0 {
		score = 0
	}
	if p.ScoreCap > 0 && score > p.ScoreCap {
		score = p.ScoreCap
	}
	if len(hits) == 0 {
		return Outcome{Reason: "no heuristic evidence"}
	}
	return Outcome{Score: score, Reason: "heuristics: " + strings.Join(hits, ", ")}
}

// StateFor maps a non-forced score to a lifecycle state.
// A zero score is never obsolete: absence of evidence only warrants review.
func StateFor(score int, p Policy) domain.State {
	switch {
	case score >= p.Thresholds.DefinitelyObsolete:
		return domain.StateDefinitelyObsolete
	case score >= p.Thresholds.LikelyObsolete:
		return domain.StateLikelyObsolete
	default:
		return domain.StateNeedsReview
	}
}

// Classify is a pure function of its inputs: the same snapshot under the same
// policy always yields the same state and score.
func Classify(identity string, snap domain.Snapshot, p Policy, runID string, runAt time.Time) domain.ClassificationResult {
	out := Score(snap, p)
	state := domain.StateActive
	if !out.ForcedActive {
		state = StateFor(out.Score, p)
	}
	return domain.ClassificationResult{
		Identity:      identity,
		RunID:         runID,
		RunAt:         runAt,
		Score:         out.Score,
		State:         state,
		ForcedActive:  out.ForcedActive,
		Reason:        out.Reason,
		PolicyVersion: p.Version,
		Snapshot:      snap,
	}
}
