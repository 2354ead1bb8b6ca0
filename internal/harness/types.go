package harness

import "github.com/roach88/factsync/internal/reconcile"

// PassSummary is the classification of one pass.
type PassSummary struct {
	RunID     string   `json:"run_id"`
	Table     string   `json:"table"`
	New       []string `json:"new"`
	Changed   []string `json:"changed"`
	Removed   []string `json:"removed"`
	Unchanged []string `json:"unchanged"`
	Skipped   []string `json:"skipped"` // error codes
}

func summarize(res *reconcile.Result) PassSummary {
	skipped := make([]string, len(res.Skipped))
	for i, se := range res.Skipped {
		skipped[i] = string(se.Code)
	}
	return PassSummary{
		RunID:     res.RunID,
		Table:     res.Table,
		New:       res.New,
		Changed:   res.Changed,
		Removed:   res.Removed,
		Unchanged: res.Unchanged,
		Skipped:   skipped,
	}
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Passes summarizes each reconciliation in order.
	Passes []PassSummary `json:"passes"`

	// Audit holds every audit line written, without trailing newlines.
	Audit []string `json:"audit"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Passes: []PassSummary{},
		Audit:  []string{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AuditText returns the audit output as written, one line per entry.
func (r *Result) AuditText() []byte {
	var n int
	for _, l := range r.Audit {
		n += len(l) + 1
	}
	buf := make([]byte, 0, n)
	for _, l := range r.Audit {
		buf = append(buf, l...)
		buf = append(buf, '\n')
	}
	return buf
}
