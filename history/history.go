package history

// This file contains shared history utilities for saving, loading and
// resolving invocation reports.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/kharness/model"
)

const (
	// DirName is created inside the test directory
	DirName    = ".kharness"
	ReportFile = "report.json"
)

type Entry struct {
	History  model.History
	FullPath string
}

// Root returns the history root for a test directory.
func Root(testDir string) string {
	return filepath.Join(testDir, DirName)
}

// Save writes the report to <root>/history/<timestamp>-<id>/ together with copies of
// the log and kernel log artifacts of every run. It returns the directory.
func Save(logger zerolog.Logger, root, testDir string, h *model.History) (string, error) {
	timestamp := h.Timestamp.Format("20060102-150405")
	shortID := h.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	runDir := filepath.Join(root, "history", fmt.Sprintf("%s-%s", timestamp, shortID))
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	// Archive artifacts, core dumps stay in the test directory
	for _, run := range h.Runs {
		for _, artifact := range run.Artifacts {
			if artifact.Type == model.ArtifactTypeCore {
				continue
			}
			src := filepath.Join(testDir, artifact.File)
			if err := copyFile(src, filepath.Join(runDir, filepath.Base(artifact.File))); err != nil {
				logger.Warn().Err(err).Str("file", src).Msg("Failed to archive artifact")
			}
		}
	}

	metadataPath := filepath.Join(runDir, ReportFile)
	metadataJSON, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(metadataPath, metadataJSON, 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	logger.Debug().Str("dir", runDir).Str("id", h.ID).Msg("Recorded invocation")
	return runDir, nil
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}
	return destFile.Close()
}

// LoadEntries loads all reports below root, newest first. A missing root yields no
// entries.
func LoadEntries(logger zerolog.Logger, root string) ([]Entry, error) {
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}

		if d.IsDir() {
			reportPath := filepath.Join(path, ReportFile)
			if _, err := os.Stat(reportPath); err == nil {
				h, err := parseReportJSON(reportPath)
				if err != nil {
					logger.Warn().Err(err).Str("path", reportPath).Msg("Failed to parse report.json")
					return nil
				}

				entries = append(entries, Entry{
					History:  h,
					FullPath: path,
				})
			}
		}

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to walk %s directory: %w", DirName, err)
	}

	// Sort by timestamp (newest first)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].History.Timestamp.After(entries[j].History.Timestamp)
	})

	return entries, nil
}

// parseReportJSON parses a report.json file.
func parseReportJSON(path string) (model.History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.History{}, err
	}

	var h model.History
	if err := json.Unmarshal(data, &h); err != nil {
		return model.History{}, err
	}

	return h, nil
}

// Find resolves arg against entries sorted newest first. arg is either an index
// counting back from the latest entry (0, -1, -2, ...) or a hex ID prefix.
func Find(entries []Entry, arg string) (*Entry, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("no history entries found")
	}

	if parsed, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if parsed > 0 {
			// Positive integers are not allowed
			return nil, fmt.Errorf("invalid index: %s (use 0 for last, -1 for second-to-last, -2 for third-to-last, etc.)", arg)
		}
		index := int(-parsed)
		if index >= len(entries) {
			return nil, fmt.Errorf("index %s out of range (only %d history entries)", arg, len(entries))
		}
		return &entries[index], nil
	}

	hexID := strings.ToLower(arg)
	for i := range entries {
		if strings.HasPrefix(strings.ToLower(entries[i].History.ID), hexID) {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no history entry found matching ID: %s", arg)
}

// Durations maps the run keys of a report to how long each run took.
func Durations(h model.History) map[string]time.Duration {
	durations := make(map[string]time.Duration, len(h.Runs))
	for _, run := range h.Runs {
		durations[run.Key] = run.Duration
	}
	return durations
}
