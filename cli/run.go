package cli

// This file contains the run command: it wires configuration, kernel log access
// and the run loop together and records the invocation in history.

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/perfgo/kharness/config"
	"github.com/perfgo/kharness/driver"
	"github.com/perfgo/kharness/executor"
	"github.com/perfgo/kharness/history"
	"github.com/perfgo/kharness/kmsg"
	"github.com/perfgo/kharness/model"
	"github.com/perfgo/kharness/outcome"
	"github.com/perfgo/kharness/results"
)

// flagContext returns the innermost context in which the flag name was set. The
// run flags are accepted both before and after the run command.
func flagContext(ctx *cli.Context, name string) *cli.Context {
	for _, c := range ctx.Lineage() {
		if c.IsSet(name) {
			return c
		}
	}
	return ctx
}

// loadConfig reads the configuration file and applies the flags and environment
// variables that were set explicitly.
func loadConfig(ctx *cli.Context, dir string) (*config.Config, error) {
	path := flagContext(ctx, "config").String("config")
	if path == "" {
		path = filepath.Join(dir, config.DefaultFileName)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if c := flagContext(ctx, "device"); c.IsSet("device") {
		cfg.SetDevices(c.StringSlice("device"))
	}
	if c := flagContext(ctx, "exclude"); c.IsSet("exclude") {
		cfg.SetExclude(c.StringSlice("exclude"))
	}
	if c := flagContext(ctx, "timeout"); c.IsSet("timeout") {
		if err := cfg.SetTimeout(c.Int("timeout")); err != nil {
			return nil, err
		}
	}
	if c := flagContext(ctx, "dmesg-filter"); c.IsSet("dmesg-filter") {
		cfg.DmesgFilter = c.String("dmesg-filter")
	}
	if w := flagContext(ctx, "worker").String("worker"); w != "" {
		cfg.Worker = w
	}
	return cfg, nil
}

func newInvocationID() (string, error) {
	// Generate random 16-byte ID
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate invocation ID: %w", err)
	}
	return hex.EncodeToString(idBytes), nil
}

func targetInfo(kmsgEnabled bool) *model.Target {
	target := &model.Target{
		Arch: runtime.GOARCH,
		Kmsg: kmsgEnabled,
	}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		target.Hostname = unix.ByteSliceToString(uts.Nodename[:])
		target.Kernel = unix.ByteSliceToString(uts.Release[:])
		target.Arch = unix.ByteSliceToString(uts.Machine[:])
	}
	return target
}

func (a *App) run(ctx *cli.Context) error {
	startTime := time.Now()

	tests := ctx.Args().Slice()
	if len(tests) == 0 {
		return fmt.Errorf("no tests specified: please provide the names of the test binaries to run")
	}

	dir, err := filepath.Abs(flagContext(ctx, "dir").String("dir"))
	if err != nil {
		return fmt.Errorf("failed to resolve test directory: %w", err)
	}

	cfg, err := loadConfig(ctx, dir)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	runID, err := newInvocationID()
	if err != nil {
		return err
	}

	// Reading and writing /dev/kmsg requires root
	var stream kmsg.Stream
	kmsgEnabled := !flagContext(ctx, "no-kmsg").Bool("no-kmsg") && unix.Geteuid() == 0
	if kmsgEnabled {
		stream = kmsg.NewDevice()
	} else {
		a.logger.Info().Msg("Kernel log inspection disabled, regressions that do not change the exit status go unnoticed")
	}

	a.logger.Debug().
		Str("dir", dir).
		Strs("devices", cfg.Devices).
		Strs("exclude", cfg.ExcludeList()).
		Dur("timeout", cfg.Timeout).
		Str("id", runID).
		Msg("Starting invocation")

	report := results.NewRunReport()
	aggregator := results.NewAggregator(a.logger, dir, os.Stdout, report)
	if err := aggregator.Purge(); err != nil {
		return err
	}

	runner := executor.New(a.logger, dir,
		executor.WithExclude(cfg.Excluded),
		executor.WithMarker(stream),
	)
	extractor := kmsg.NewExtractor(a.logger, stream, dir)
	extractor.Filter = cfg.DmesgFilter

	opts := []driver.Option{
		driver.WithProber(outcome.ProcessProber{Name: cfg.Worker}),
		driver.WithInvocationID(runID),
	}

	historyRoot := history.Root(dir)
	saveHistory := !flagContext(ctx, "no-history").Bool("no-history")
	if saveHistory {
		entries, err := history.LoadEntries(a.logger, historyRoot)
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to load history")
		} else if len(entries) > 0 {
			opts = append(opts, driver.WithPrevious(history.Durations(entries[0].History)))
		}
	}

	d := driver.New(a.logger, cfg, runner, extractor, aggregator, opts...)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	records := d.Run(sigCtx, tests)
	exitCode := d.Finish(sigCtx)

	if saveHistory {
		h := &model.History{
			ID:        runID,
			Timestamp: startTime,
			Args:      os.Args,
			WorkDir:   dir,
			ExitCode:  exitCode,
			Duration:  time.Since(startTime),
			Target:    targetInfo(kmsgEnabled),
			Config: &model.Config{
				Devices: cfg.Devices,
				Exclude: cfg.ExcludeList(),
				Timeout: cfg.Timeout,
				TestMap: cfg.TestMap,
			},
			Runs:        records,
			MaybeFailed: report.MaybeFailed,
		}

		// Capture git info (non-fatal if it fails)
		if commit, branch, err := a.getGitInfo(dir); err == nil {
			h.Git = &model.Git{
				Commit: commit,
				Branch: branch,
			}
		}

		if _, err := history.Save(a.logger, historyRoot, dir, h); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to record history")
		}
	}

	if exitCode != 0 {
		return cli.Exit("", exitCode)
	}
	return nil
}
