package pipeline

import (
	"strings"
	"time"
)

// Result is the outcome of one stage run: Ok(rows written, optional note)
// or Err(kind, detail). A skipped stage is Ok with zero rows and a note.
type Result struct {
	Stage       string
	RowsWritten int64
	Note        string
	Skip        bool
	Err         *StageError
	Duration    time.Duration
}

// Ok reports a successful stage run
func Ok(rows int64) Result {
	return Result{RowsWritten: rows}
}

// Skipped reports a stage that found no new upstream data
func Skipped(reason string) Result {
	return Result{Note: reason, Skip: true}
}

// Failed reports a stage failure classified from err
func Failed(detail string, err error) Result {
	return Result{Err: NewStageError(detail, err)}
}

// FailedWith reports a stage failure of a known kind
func FailedWith(kind ErrorKind, detail string, err error) Result {
	return Result{Err: &StageError{Kind: kind, Detail: detail, Err: err}}
}

// WithNote attaches a note to a successful result
func (r Result) WithNote(note string) Result {
	r.Note = note
	return r
}

// IsOk reports whether the stage succeeded (including skips)
func (r Result) IsOk() bool { return r.Err == nil }

// IsSkipped reports whether the stage exited early without writing
func (r Result) IsSkipped() bool { return r.Err == nil && r.Skip }

// Outcome is the metric label for the result
func (r Result) Outcome() string {
	switch {
	case r.Err != nil:
		return "error"
	case r.IsSkipped():
		return "skipped"
	default:
		return "ok"
	}
}

// Merge combines the results of sub-steps run by one stage. The first
// failure wins; the stage is skipped only when every step was skipped.
func Merge(results ...Result) Result {
	merged := Result{Skip: len(results) > 0}
	var notes []string
	for _, r := range results {
		if r.Err != nil {
			return r
		}
		merged.RowsWritten += r.RowsWritten
		merged.Skip = merged.Skip && r.Skip
		if r.Note != "" {
			notes = append(notes, r.Note)
		}
	}
	merged.Note = strings.Join(notes, "; ")
	return merged
}
