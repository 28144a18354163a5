package cli

// This file contains the view command for displaying invocations from history.

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/kharness/history"
	"github.com/perfgo/kharness/model"
)

func removeFirstDashDash(in []string) []string {
	if len(in) > 0 && in[0] == "--" {
		return in[1:]
	}
	return in
}

// parseViewArgs splits the arguments into the ID or index of the invocation and
// the tests whose logs should be printed.
func parseViewArgs(in []string) (idArg string, tests []string) {
	if len(in) == 0 {
		return "0", nil
	}

	// If first arg is "--", use default "0" and rest are tests
	if in[0] == "--" {
		return "0", in[1:]
	}

	// A negative index is: "-" followed by only digits (e.g., "-1", "-2")
	// Anything else starting with "-" is not an ID
	if len(in[0]) > 1 && in[0][0] == '-' {
		if _, err := strconv.ParseInt(in[0], 10, 64); err != nil {
			return "0", in
		}
	}

	// First arg is the ID/index, rest are tests (with optional "--" removed)
	return in[0], removeFirstDashDash(in[1:])
}

func historyDir() (string, error) {
	dir := os.Getenv("KHARNESS_DIR")
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve test directory: %w", err)
	}
	return history.Root(dir), nil
}

func (a *App) view(ctx *cli.Context) error {
	arg, tests := parseViewArgs(ctx.Args().Slice())

	root, err := historyDir()
	if err != nil {
		return err
	}

	// Load all history entries, newest first
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	targetEntry, err := history.Find(historyEntries, arg)
	if err != nil {
		return err
	}

	if len(tests) > 0 {
		return a.displayLogs(targetEntry, tests)
	}
	return a.displayHistoryEntry(targetEntry)
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%d s", int(d/time.Second))
}

func (a *App) displayHistoryEntry(entry *history.Entry) error {
	h := entry.History

	// Print header
	shortID := h.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	fmt.Fprintf(a.out, "=== Invocation: %s ===\n", shortID)
	fmt.Fprintf(a.out, "Time: %s\n", h.Timestamp.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(a.out, "Duration: %s\n", h.Duration.Round(time.Millisecond))
	fmt.Fprintf(a.out, "Exit Code: %d\n", h.ExitCode)
	if h.WorkDir != "" {
		fmt.Fprintf(a.out, "Test Dir: %s\n", h.WorkDir)
	}
	if h.Git != nil && h.Git.Commit != "" {
		commit := h.Git.Commit
		if len(commit) > 8 {
			commit = commit[:8]
		}
		fmt.Fprintf(a.out, "Git Commit: %s", commit)
		if h.Git.Branch != "" {
			fmt.Fprintf(a.out, " (%s)", h.Git.Branch)
		}
		fmt.Fprintln(a.out)
	}
	if h.Target != nil {
		fmt.Fprintf(a.out, "Target: %s %s %s (kmsg inspected: %t)\n", h.Target.Hostname, h.Target.Kernel, h.Target.Arch, h.Target.Kmsg)
	}
	if h.Config != nil {
		fmt.Fprintf(a.out, "Timeout: %s", formatSeconds(h.Config.Timeout))
		if len(h.Config.Devices) > 0 {
			fmt.Fprintf(a.out, ", devices: %v", h.Config.Devices)
		}
		if len(h.Config.Exclude) > 0 {
			fmt.Fprintf(a.out, ", excluded: %v", h.Config.Exclude)
		}
		fmt.Fprintln(a.out)
	}
	fmt.Fprintln(a.out)

	for _, r := range h.Runs {
		fmt.Fprintf(a.out, "%-50s %-8s %6s", "Test "+r.Run().TestString(), r.Outcome, formatSeconds(r.Duration))
		if r.Reason != "" {
			fmt.Fprintf(a.out, "  %s", r.Reason)
		}
		fmt.Fprintln(a.out)
		if r.Command != "" && r.Outcome != "pass" {
			fmt.Fprintf(a.out, "    command: %s\n", r.Command)
		}
		for _, artifact := range r.Artifacts {
			fmt.Fprintf(a.out, "    %s: %s (%.1f KB)\n", artifact.Type, artifact.File, float64(artifact.Size)/1024)
		}
	}

	if len(h.MaybeFailed) > 0 {
		fmt.Fprintln(a.out)
		fmt.Fprintf(a.out, "Maybe failed: %v\n", h.MaybeFailed)
	}

	fmt.Fprintln(a.out)
	fmt.Fprintf(a.out, "History directory: %s\n", entry.FullPath)
	return nil
}

// displayLogs prints the archived log and kernel log artifacts of the runs of the
// given tests.
func (a *App) displayLogs(entry *history.Entry, tests []string) error {
	wanted := make(map[string]bool, len(tests))
	for _, t := range tests {
		wanted[t] = true
	}

	found := false
	for _, r := range entry.History.Runs {
		if !wanted[r.Test] {
			continue
		}
		found = true
		fmt.Fprintf(a.out, "=== Test %s: %s ===\n", r.Run().TestString(), r.Outcome)

		for _, artifact := range r.Artifacts {
			if artifact.Type == model.ArtifactTypeCore {
				continue
			}
			path := filepath.Join(entry.FullPath, filepath.Base(artifact.File))
			data, err := os.ReadFile(path)
			if err != nil {
				a.logger.Warn().Err(err).Str("file", path).Msg("Failed to read artifact")
				continue
			}
			fmt.Fprintf(a.out, "--- %s: %s\n", artifact.Type, path)
			fmt.Fprint(a.out, string(data))
		}
	}

	if !found {
		return fmt.Errorf("no runs of %v in invocation %s", tests, entry.History.ID)
	}
	return nil
}
