package reconcile

import (
	"fmt"
	"io"
	"time"
)

// Phase is the scheduler's position in a run.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSelecting  Phase = "selecting"
	PhaseFetching   Phase = "fetching"
	PhaseScoring    Phase = "scoring"
	PhaseCommitting Phase = "committing"
)

// RunSummary records the outcome of one reconciliation run.
type RunSummary struct {
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Selected      int       `json:"selected"`
	Processed     int       `json:"processed"`
	Updated       int       `json:"updated"`
	Unchanged     int       `json:"unchanged"`
	Estimated     int       `json:"estimated"`
	NotFound      int       `json:"not_found"`
	Failed        int       `json:"failed"`
	PointsAwarded int64     `json:"points_awarded"`
	Error         string    `json:"error,omitempty"`
}

func (r RunSummary) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r RunSummary) String() string {
	s := fmt.Sprintf("run %s took %s: selected=%d processed=%d updated=%d unchanged=%d estimated=%d not_found=%d failed=%d points=%d",
		r.StartedAt.UTC().Format(time.RFC3339), r.Duration(), r.Selected, r.Processed, r.Updated, r.Unchanged,
		r.Estimated, r.NotFound, r.Failed, r.PointsAwarded)
	if r.Error != "" {
		s += " error=" + r.Error
	}
	return s
}

// WriteHistory prints one line per run, oldest first.
func WriteHistory(w io.Writer, runs []RunSummary) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "no reconciliation runs recorded")
		return err
	}
	for _, r := range runs {
		if _, err := fmt.Fprintln(w, r.String()); err != nil {
			return err
		}
	}
	return nil
}
