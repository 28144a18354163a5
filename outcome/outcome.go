// Package outcome decides how a finished run is classified.
package outcome

import (
	"fmt"

	"github.com/perfgo/kharness/executor"
	"github.com/perfgo/kharness/kmsg"
)

// Outcome is the classified result of a run.
type Outcome int

const (
	Pass Outcome = iota
	Fail
	Skip
	Timeout
)

func (o Outcome) String() string {
	switch o {
	case Pass:
		return "pass"
	case Fail:
		return "fail"
	case Skip:
		return "skip"
	case Timeout:
		return "timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Suffix is the extension a log artifact is renamed to. Passing runs keep their
// log under the base name.
func (o Outcome) Suffix() string {
	switch o {
	case Fail:
		return ".failed"
	case Skip:
		return ".skipped"
	case Timeout:
		return ".timeout"
	default:
		return ""
	}
}

// Verdict is computed once per run and never changed afterwards.
type Verdict struct {
	Outcome Outcome
	// Reason completes the sentence "Test <name> ..." for non passing runs
	Reason string
}

// Message is the line appended to the log artifact of a non passing run.
func (v Verdict) Message(testString string) string {
	return fmt.Sprintf("Test %s %s", testString, v.Reason)
}

// Classify maps the exit status of a run and the kernel log scan to a verdict.
// Rules are applied in order, so a regression in the kernel log overrides both a
// clean exit and a skip.
func Classify(status int, scan kmsg.Scan) Verdict {
	switch {
	case status == executor.StatusTimeout:
		return Verdict{Outcome: Timeout, Reason: "timed out (may not be a failure)"}
	case status == executor.StatusKilled:
		return Verdict{Outcome: Fail, Reason: "killed"}
	case status != executor.StatusPass && status != executor.StatusSkip:
		return Verdict{Outcome: Fail, Reason: fmt.Sprintf("failed with ret %d", status)}
	case scan.Regression:
		return Verdict{Outcome: Fail, Reason: "failed dmesg check"}
	case status == executor.StatusSkip:
		return Verdict{Outcome: Skip, Reason: "skipped"}
	default:
		return Verdict{Outcome: Pass}
	}
}

// Excluded is the verdict for a test the user asked not to run.
func Excluded() Verdict {
	return Verdict{Outcome: Skip, Reason: "skipped by user"}
}

// Errored is the verdict for a run the harness could not carry out.
func Errored(err error) Verdict {
	return Verdict{Outcome: Fail, Reason: fmt.Sprintf("failed: %v", err)}
}
