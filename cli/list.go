package cli

// This file contains the list command for displaying previous invocations.

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/perfgo/kharness/history"
	"github.com/perfgo/kharness/model"
)

// countOutcomes returns the number of runs per outcome name.
func countOutcomes(runs []model.RunRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range runs {
		counts[r.Outcome]++
	}
	return counts
}

func (a *App) list(ctx *cli.Context) error {
	limit := ctx.Int("limit")

	dir, err := filepath.Abs(ctx.String("dir"))
	if err != nil {
		return fmt.Errorf("failed to resolve test directory: %w", err)
	}
	root := history.Root(dir)

	// Load all history entries, newest first
	historyEntries, err := history.LoadEntries(a.logger, root)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	if len(historyEntries) == 0 {
		fmt.Fprintln(a.out, "No history entries found")
		fmt.Fprintf(a.out, "Invocations are saved to %s/history/<timestamp>-<id>/\n", root)
		return nil
	}

	// Apply limit
	displayRuns := historyEntries
	if limit > 0 && limit < len(displayRuns) {
		displayRuns = displayRuns[:limit]
	}

	fmt.Fprintf(a.out, "\n=== History (%d total) ===\n\n", len(historyEntries))

	for _, entry := range displayRuns {
		h := entry.History
		timestamp := h.Timestamp.Format("2006-01-02 15:04:05")

		// Format duration
		duration := h.Duration.Round(time.Millisecond)

		// Determine status indicator
		status := "✓"
		if h.ExitCode != 0 {
			status = "✗"
		}

		// Format args (skip the program name)
		args := ""
		if len(h.Args) > 1 {
			args = strings.Join(h.Args[1:], " ")
		}

		// Show short ID (first 8 chars)
		shortID := h.ID
		if len(shortID) > 8 {
			shortID = shortID[:8]
		}

		fmt.Fprintf(a.out, "%s  %s  [%s]  exit=%d  id=%s\n", status, timestamp, duration, h.ExitCode, shortID)
		if args != "" {
			fmt.Fprintf(a.out, "   Args: %s\n", args)
		}

		counts := countOutcomes(h.Runs)
		fmt.Fprintf(a.out, "   Runs: %d (pass=%d fail=%d skip=%d timeout=%d)\n",
			len(h.Runs), counts["pass"], counts["fail"], counts["skip"], counts["timeout"])
		if len(h.MaybeFailed) > 0 {
			fmt.Fprintf(a.out, "   Maybe failed: %s\n", strings.Join(h.MaybeFailed, ", "))
		}

		if h.Target != nil && h.Target.Kernel != "" {
			fmt.Fprintf(a.out, "   Kernel: %s (%s)", h.Target.Kernel, h.Target.Arch)
			if !h.Target.Kmsg {
				fmt.Fprint(a.out, " kmsg not inspected")
			}
			fmt.Fprintln(a.out)
		}
		if h.Git != nil && h.Git.Commit != "" {
			shortCommit := h.Git.Commit
			if len(shortCommit) > 8 {
				shortCommit = shortCommit[:8]
			}
			fmt.Fprintf(a.out, "   Commit: %s", shortCommit)
			if h.Git.Branch != "" {
				fmt.Fprintf(a.out, " (%s)", h.Git.Branch)
			}
			fmt.Fprintln(a.out)
		}
		fmt.Fprintf(a.out, "   %s\n", entry.FullPath)
		fmt.Fprintln(a.out)
	}

	fmt.Fprintln(a.out, "View an invocation: kharness view <ID>")

	return nil
}
