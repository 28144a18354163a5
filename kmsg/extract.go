package kmsg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Signatures are kernel log strings that indicate a regression even when the
// test itself passed. Order matters: the first match is reported.
var Signatures = []string{
	"kernel BUG at",
	"WARNING:",
	"BUG:",
	"Oops:",
	"possible recursive locking detected",
	"Internal error",
	"INFO: suspicious RCU usage",
	"INFO: possible circular locking dependency detected",
	"general protection fault:",
	"blktests failure",
}

// CaptureSuffix is appended to the run key to name the capture file.
const CaptureSuffix = ".dmesg"

// Scan is the outcome of inspecting the kernel log of one run. The zero value
// means clean.
type Scan struct {
	Regression bool
	// Signature is the first signature found
	Signature string
	// CapturePath holds the extracted log, only set for regressions
	CapturePath string
}

// Extractor correlates kernel log output with a single run.
type Extractor struct {
	logger zerolog.Logger
	stream Stream
	dir    string

	// Filter is a shell pipeline the log is passed through before scanning. It
	// sees the markers too: a filter that drops the marker line of a run leaves
	// nothing to correlate, and that run is scanned as clean.
	Filter string
	// Signatures defaults to the package level list
	Signatures []string
}

// NewExtractor returns an Extractor writing capture files to dir. A nil stream
// disables kernel log inspection: every scan is clean.
func NewExtractor(logger zerolog.Logger, stream Stream, dir string) *Extractor {
	return &Extractor{
		logger:     logger,
		stream:     stream,
		dir:        dir,
		Signatures: Signatures,
	}
}

// Enabled reports whether the kernel log is inspected.
func (e *Extractor) Enabled() bool {
	return e.stream != nil
}

// ExtractAndScan saves the kernel log from the last occurrence of marker onward to
// <dir>/<runKey>.dmesg and scans it for regression signatures. The capture file is
// removed again when nothing is found. It must only be called once the run's
// process has terminated.
func (e *Extractor) ExtractAndScan(ctx context.Context, marker, runKey string) (Scan, error) {
	if !e.Enabled() {
		return Scan{}, nil
	}

	data, err := e.stream.Snapshot()
	if err != nil {
		return Scan{}, fmt.Errorf("failed to read kernel log: %w", err)
	}

	if e.Filter != "" {
		data, err = e.filter(ctx, data)
		if err != nil {
			return Scan{}, err
		}
	}

	captured := Since(data, marker)
	if captured == nil {
		e.logger.Warn().
			Str("marker", marker).
			Msg("Marker not found in kernel log, buffer may have wrapped")
	}

	capturePath := filepath.Join(e.dir, runKey+CaptureSuffix)
	if err := os.WriteFile(capturePath, captured, 0644); err != nil {
		return Scan{}, fmt.Errorf("failed to write kernel log capture: %w", err)
	}

	sig := Match(captured, e.Signatures)
	if sig == "" {
		if err := os.Remove(capturePath); err != nil {
			e.logger.Debug().Err(err).Str("file", capturePath).Msg("Failed to remove kernel log capture")
		}
		return Scan{}, nil
	}

	e.logger.Debug().
		Str("signature", sig).
		Str("capture", capturePath).
		Msg("Regression signature found in kernel log")

	return Scan{
		Regression:  true,
		Signature:   sig,
		CapturePath: capturePath,
	}, nil
}

func (e *Extractor) filter(ctx context.Context, data []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", e.Filter)
	cmd.Stdin = bytes.NewReader(data)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		// grep style filters exit 1 when every line was dropped
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 && stderr.Len() == 0 {
			return out, nil
		}
		return nil, fmt.Errorf("kernel log filter %q failed: %w: %s", e.Filter, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out, nil
}

// Since returns data starting at the beginning of the line holding the last
// occurrence of marker, or nil when marker does not occur.
func Since(data []byte, marker string) []byte {
	idx := bytes.LastIndex(data, []byte(marker))
	if idx < 0 {
		return nil
	}
	start := bytes.LastIndexByte(data[:idx], '\n') + 1
	return data[start:]
}

// Match returns the first of signatures found in data, or "" for none.
func Match(data []byte, signatures []string) string {
	for _, sig := range signatures {
		if bytes.Contains(data, []byte(sig)) {
			return sig
		}
	}
	return ""
}
