package outcome

import (
	"context"
	"fmt"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// Prober looks for a background worker left behind by a test.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
}

// ProcessProber finds a process whose name contains Name.
type ProcessProber struct {
	Name string
}

// Probe lists all processes and reports whether one of them matches.
func (p ProcessProber) Probe(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list processes: %w", err)
	}

	for _, proc := range procs {
		name, err := proc.NameWithContext(ctx)
		if err != nil {
			// exited since listing
			continue
		}
		if strings.Contains(name, p.Name) {
			return true, nil
		}
	}
	return false, nil
}

// ResidueCheck waits for settle and then probes once. A failed probe counts as
// no residue, the check is only advisory.
func ResidueCheck(ctx context.Context, logger zerolog.Logger, prober Prober, clk clock.Clock, settle time.Duration) bool {
	if prober == nil {
		return false
	}
	if settle > 0 {
		clk.Sleep(settle)
	}

	found, err := prober.Probe(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Residue probe failed")
		return false
	}
	if found {
		logger.Debug().Msg("Background worker still present")
	}
	return found
}
