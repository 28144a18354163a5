// Package results accumulates run verdicts, manages the lifecycle of log artifacts
// and produces the final summary.
package results

// RunReport is the aggregate state of one harness invocation. It starts empty and
// is updated once per finished run.
type RunReport struct {
	Skipped  []string
	Failed   []string
	TimedOut []string
	// MaybeFailed holds passing runs that left a background worker behind, in
	// the order they were flagged
	MaybeFailed []string
	ExitCode    int

	maybe map[string]struct{}
}

func NewRunReport() *RunReport {
	return &RunReport{maybe: make(map[string]struct{})}
}

// MarkMaybeFailed flags a passing run. Flagging the same run twice has no effect.
func (r *RunReport) MarkMaybeFailed(testString string) {
	if r.maybe == nil {
		r.maybe = make(map[string]struct{})
	}
	if _, ok := r.maybe[testString]; ok {
		return
	}
	r.maybe[testString] = struct{}{}
	r.MaybeFailed = append(r.MaybeFailed, testString)
}

func (r *RunReport) clearMaybeFailed() {
	r.MaybeFailed = nil
	r.maybe = make(map[string]struct{})
}
