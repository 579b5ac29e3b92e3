// Package compliance implements the twelve-phase lens compliance runner.
// Phases run deterministically in registration order; each declares which
// lens classifications it applies to and is marked skipped for the rest.
package compliance

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/concordhq/substrate/pkg/lens"
)

// Status of one phase for one adapter.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Phase is one compliance check. Evaluate MUST NOT panic; failures are
// expressed via the result.
type Phase interface {
	// Name returns the stable phase identifier (e.g. "structure").
	Name() string

	// AppliesTo lists the classifications the phase evaluates.
	AppliesTo() []lens.Classification

	// Evaluate runs the check against an applicable adapter.
	Evaluate(a *lens.Adapter) PhaseResult
}

// PhaseResult is one phase's output.
type PhaseResult struct {
	Phase   string   `json:"phase"`
	Status  Status   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

// Report is the outcome of a full run over one adapter.
type Report struct {
	RunID     string        `json:"run_id"`
	LensID    string        `json:"lens_id"`
	Timestamp time.Time     `json:"timestamp"`
	Passed    bool          `json:"passed"`
	Results   []PhaseResult `json:"results"`
}

// Failures lists the reasons of every failed phase.
func (r *Report) Failures() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusFailed {
			out = append(out, res.Reasons...)
		}
	}
	return out
}

// Runner executes phases in registration order.
type Runner struct {
	phases []Phase
	logger *slog.Logger
	clock  func() time.Time
}

// NewRunner constructs a runner with the twelve standard phases.
func NewRunner() *Runner {
	r := &Runner{
		logger: slog.Default().With("component", "compliance"),
		clock:  time.Now,
	}
	for _, p := range standardPhases() {
		r.Register(p)
	}
	return r
}

// WithClock overrides the clock for deterministic testing.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Register appends a phase. Phases run in registration order.
func (r *Runner) Register(p Phase) {
	r.phases = append(r.phases, p)
}

// Run executes every phase against the adapter.
func (r *Runner) Run(a *lens.Adapter) *Report {
	report := &Report{
		RunID:     "audit_" + uuid.NewString(),
		LensID:    a.ID,
		Timestamp: r.clock(),
		Passed:    true,
	}

	for _, p := range r.phases {
		if !applies(p, a.Classification) {
			report.Results = append(report.Results, PhaseResult{
				Phase: p.Name(), Status: StatusSkipped,
			})
			continue
		}
		res := p.Evaluate(a)
		res.Phase = p.Name()
		if res.Status == "" {
			res.Status = StatusPassed
		}
		if res.Status == StatusFailed {
			report.Passed = false
		}
		report.Results = append(report.Results, res)
	}

	r.logger.Debug("compliance run complete",
		"lens_id", a.ID, "run_id", report.RunID, "passed", report.Passed)
	return report
}

// Audit adapts Run to the lens registry's Auditor interface.
func (r *Runner) Audit(a *lens.Adapter) lens.AuditOutcome {
	report := r.Run(a)
	return lens.AuditOutcome{Passed: report.Passed, Failures: report.Failures()}
}

func applies(p Phase, c lens.Classification) bool {
	for _, a := range p.AppliesTo() {
		if a == c {
			return true
		}
	}
	return false
}
