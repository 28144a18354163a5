package results

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/perfgo/kharness/executor"
	"github.com/perfgo/kharness/kmsg"
	"github.com/perfgo/kharness/outcome"
)

// FinalSettle is how long the final residue probe waits after the last run.
const FinalSettle = time.Second

// purgePatterns match every artifact a previous invocation may have left behind.
var purgePatterns = []string{"*.log", "*.failed", "*.skipped", "*.timeout", "*" + kmsg.CaptureSuffix}

// Aggregator records verdicts into a RunReport and writes product output to out.
type Aggregator struct {
	logger zerolog.Logger
	dir    string
	out    io.Writer
	report *RunReport
}

func NewAggregator(logger zerolog.Logger, dir string, out io.Writer, report *RunReport) *Aggregator {
	return &Aggregator{
		logger: logger,
		dir:    dir,
		out:    out,
		report: report,
	}
}

// Report returns the report the aggregator updates.
func (a *Aggregator) Report() *RunReport {
	return a.report
}

// Purge removes artifacts of previous invocations from the test directory.
func (a *Aggregator) Purge() error {
	for _, pattern := range purgePatterns {
		matches, err := filepath.Glob(filepath.Join(a.dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to match %s: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove old artifact: %w", err)
			}
			a.logger.Debug().Str("file", m).Msg("Removed old artifact")
		}
	}
	return nil
}

// Record finishes the log artifact of the run with the given key and updates the
// report. The captured output of a non passing run is echoed indented, followed by
// the verdict message, which is also appended to the log before it is renamed with
// the outcome suffix. An empty log is removed. Record returns where the log ended
// up, or "" when it was removed.
func (a *Aggregator) Record(key, testString string, v outcome.Verdict) (string, error) {
	logPath := filepath.Join(a.dir, key+executor.LogSuffix)

	if v.Outcome == outcome.Pass {
		return a.finishPassLog(logPath)
	}

	data, err := os.ReadFile(logPath)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read log: %w", err)
	}
	if len(data) > 0 {
		a.echo(data)
	}

	msg := v.Message(testString)
	fmt.Fprintln(a.out, msg)

	line := msg
	if len(data) > 0 && data[len(data)-1] != '\n' {
		line = "\n" + line
	}
	if err := appendLine(logPath, line); err != nil {
		return "", err
	}

	dest := filepath.Join(a.dir, key+v.Outcome.Suffix())
	if err := os.Rename(logPath, dest); err != nil {
		return "", fmt.Errorf("failed to rename log: %w", err)
	}

	switch v.Outcome {
	case outcome.Fail:
		a.report.Failed = append(a.report.Failed, testString)
		a.report.ExitCode = 1
	case outcome.Skip:
		a.report.Skipped = append(a.report.Skipped, testString)
	case outcome.Timeout:
		a.report.TimedOut = append(a.report.TimedOut, testString)
	}

	a.logger.Debug().
		Str("test", testString).
		Str("outcome", v.Outcome.String()).
		Str("log", dest).
		Msg("Recorded run")

	return dest, nil
}

func (a *Aggregator) finishPassLog(logPath string) (string, error) {
	info, err := os.Stat(logPath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to stat log: %w", err)
	}
	if info.Size() > 0 {
		return logPath, nil
	}
	if err := os.Remove(logPath); err != nil {
		return "", fmt.Errorf("failed to remove empty log: %w", err)
	}
	return "", nil
}

func (a *Aggregator) echo(data []byte) {
	for _, line := range strings.SplitAfter(string(data), "\n") {
		if line == "" {
			continue
		}
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		fmt.Fprint(a.out, "    "+line)
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to log: %w", err)
	}
	return f.Close()
}

// MarkMaybeFailed flags a passing run that left a background worker behind.
func (a *Aggregator) MarkMaybeFailed(testString string) {
	a.logger.Debug().Str("test", testString).Msg("Background worker present after run")
	a.report.MarkMaybeFailed(testString)
}

// Finish prints the summary and returns the exit code. Runs flagged as maybe
// failed are only reported when the background worker is still around after
// settle, and never change the exit code.
func (a *Aggregator) Finish(ctx context.Context, prober outcome.Prober, clk clock.Clock, settle time.Duration) int {
	r := a.report

	if len(r.MaybeFailed) > 0 && !outcome.ResidueCheck(ctx, a.logger, prober, clk, settle) {
		a.logger.Debug().Strs("tests", r.MaybeFailed).Msg("Background worker gone, dropping maybe failed runs")
		r.clearMaybeFailed()
	}

	if len(r.Skipped) > 0 {
		fmt.Fprintf(a.out, "Tests skipped (%d): %s\n", len(r.Skipped), formatList(r.Skipped))
	}
	if len(r.TimedOut) > 0 {
		fmt.Fprintf(a.out, "Tests timed out (%d): %s\n", len(r.TimedOut), formatList(r.TimedOut))
	}

	switch {
	case len(r.Failed) > 0:
		fmt.Fprintf(a.out, "Tests failed (%d): %s\n", len(r.Failed), formatList(r.Failed))
	case len(r.MaybeFailed) > 0:
		fmt.Fprintf(a.out, "Tests _maybe_ failed: %s\n", formatList(r.MaybeFailed))
	default:
		fmt.Fprintln(a.out, "All tests passed")
	}

	return r.ExitCode
}

func formatList(tests []string) string {
	items := make([]string, len(tests))
	for i, t := range tests {
		items[i] = "<" + t + ">"
	}
	return strings.Join(items, " ")
}
