// Package report renders human-readable summaries of the registry.
// It only reads; nothing here can change classification or archive state.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pbaille/scriptreg/internal/domain"
)

// Reader is the read-only view of the registry a report needs
type Reader interface {
	ListByState(ctx context.Context, state domain.State) ([]domain.Artifact, error)
	LatestClassification(ctx context.Context, identity string) (*domain.ClassificationResult, error)
	ListArchiveRecords(ctx context.Context, identity string) ([]domain.ArchiveRecord, error)
	ListPipelines(ctx context.Context) ([]domain.Pipeline, error)
}

// Row is one artifact line in a report section
type Row struct {
	Artifact domain.Artifact
	Reason   string
	RunAt    *time.Time
}

// Section groups the artifacts in one state
type Section struct {
	State domain.State
	Rows  []Row
}

// Report is a point-in-time summary of the registry
type Report struct {
	GeneratedAt time.Time
	Sections    []Section
	Archive     []domain.ArchiveRecord
	Pipelines   []domain.Pipeline
}

// reportStates lists sections in the order they are rendered
var reportStates = []domain.State{
	domain.StateDefinitelyObsolete,
	domain.StateLikelyObsolete,
	domain.StateNeedsReview,
	domain.StateActive,
	domain.StateUnclassified,
	domain.StateArchived,
}

// Build gathers a report from the registry
func Build(ctx context.Context, r Reader, now time.Time) (*Report, error) {
	rep := &Report{GeneratedAt: now.UTC()}

	for _, st := range reportStates {
		artifacts, err := r.ListByState(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", st, err)
		}
		sec := Section{State: st}
		for _, a := range artifacts {
			row := Row{Artifact: a}
			latest, err := r.LatestClassification(ctx, a.Identity)
			switch {
			case err == nil:
				row.Reason = latest.Reason
				at := latest.RunAt
				row.RunAt = &at
			case !errors.Is(err, domain.ErrNotFound):
				return nil, fmt.Errorf("classification of %s: %w", a.Identity, err)
			}
			sec.Rows = append(sec.Rows, row)
		}
		rep.Sections = append(rep.Sections, sec)
	}

	records, err := r.ListArchiveRecords(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list archive records: %w", err)
	}
	rep.Archive = records

	pipelines, err := r.ListPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	rep.Pipelines = pipelines
	return rep, nil
}

// Counts returns the number of artifacts per state
func (r *Report) Counts() map[domain.State]int {
	counts := make(map[domain.State]int, len(r.Sections))
	for _, s := range r.Sections {
		counts[s.State] = len(s.Rows)
	}
	return counts
}

// cell escapes text for a markdown table cell
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

func title(st domain.State) string {
	words := strings.Split(string(st), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// WriteMarkdown renders the report as a markdown document
func (r *Report) WriteMarkdown(w io.Writer) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# Script Lifecycle Report\n\n")
	fmt.Fprintf(&b, "Generated %s\n\n", r.GeneratedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "## Summary\n\n| State | Count |\n|---|---|\n")
	counts := r.Counts()
	total := 0
	for _, s := range r.Sections {
		fmt.Fprintf(&b, "| %s | %d |\n", s.State, counts[s.State])
		total += counts[s.State]
	}
	fmt.Fprintf(&b, "| **total** | %d |\n\n", total)

	for _, s := range r.Sections {
		if len(s.Rows) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s (%d)\n\n", title(s.State), len(s.Rows))
		fmt.Fprintf(&b, "| Artifact | Pipeline | Score | Reason |\n|---|---|---|---|\n")
		for _, row := range s.Rows {
			fmt.Fprintf(&b, "| `%s` | %s | %d | %s |\n",
				cell(row.Artifact.Identity), cell(row.Artifact.Pipeline), row.Artifact.Score, cell(row.Reason))
		}
		b.WriteString("\n")
	}

	if len(r.Pipelines) > 0 {
		fmt.Fprintf(&b, "## Pipelines\n\n| Pipeline | Status | Live artifacts |\n|---|---|---|\n")
		for _, p := range r.Pipelines {
			fmt.Fprintf(&b, "| %s | %s | %d |\n", cell(p.Name), p.Status, p.Artifacts)
		}
		b.WriteString("\n")
	}

	if len(r.Archive) > 0 {
		fmt.Fprintf(&b, "## Archive Log\n\n| Date | Artifact | Archived to | Reason | Operator | Status |\n|---|---|---|---|---|---|\n")
		for _, rec := range r.Archive {
			fmt.Fprintf(&b, "| %s | `%s` | %s | %s | %s | %s |\n",
				rec.ArchivedAt.Format("2006-01-02"), cell(rec.Identity), cell(rec.ArchiveLocation),
				cell(rec.Reason), cell(rec.Operator), rec.Status)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
