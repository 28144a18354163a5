// Package driver runs the requested tests one at a time, against every configured
// device, and feeds each finished run through classification and aggregation.
package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"

	"github.com/perfgo/kharness/config"
	"github.com/perfgo/kharness/executor"
	"github.com/perfgo/kharness/kmsg"
	"github.com/perfgo/kharness/model"
	"github.com/perfgo/kharness/outcome"
	"github.com/perfgo/kharness/results"
)

const (
	// RunSettle is how long the residue check waits after a passing device run.
	RunSettle = 100 * time.Millisecond

	// width of the "Running test" column
	columns = 50
)

// Driver owns the run loop of one harness invocation. Runs never overlap: the
// kernel log correlation relies on at most one run being in flight.
type Driver struct {
	logger     zerolog.Logger
	cfg        *config.Config
	executor   *executor.Executor
	extractor  *kmsg.Extractor
	aggregator *results.Aggregator
	keys       *model.KeyRegistry

	prober       outcome.Prober
	clock        clock.Clock
	out          io.Writer
	invocationID string
	previous     map[string]time.Duration
	settle       time.Duration
	finalSettle  time.Duration
}

// Option is a function that configures a Driver.
type Option func(*Driver)

// WithProber enables the residue check.
func WithProber(p outcome.Prober) Option {
	return func(d *Driver) {
		d.prober = p
	}
}

func WithClock(clk clock.Clock) Option {
	return func(d *Driver) {
		d.clock = clk
	}
}

// WithOutput sets where console lines are printed, stdout by default.
func WithOutput(w io.Writer) Option {
	return func(d *Driver) {
		d.out = w
	}
}

// WithInvocationID sets the ID embedded in every kernel log marker.
func WithInvocationID(id string) Option {
	return func(d *Driver) {
		d.invocationID = id
	}
}

// WithPrevious sets the run durations of the previous invocation, by run key.
func WithPrevious(durations map[string]time.Duration) Option {
	return func(d *Driver) {
		d.previous = durations
	}
}

// WithSettle overrides the residue check delays after each run and at the end.
func WithSettle(run, final time.Duration) Option {
	return func(d *Driver) {
		d.settle = run
		d.finalSettle = final
	}
}

func New(logger zerolog.Logger, cfg *config.Config, exec *executor.Executor, extractor *kmsg.Extractor, aggregator *results.Aggregator, opts ...Option) *Driver {
	d := &Driver{
		logger:      logger,
		cfg:         cfg,
		executor:    exec,
		extractor:   extractor,
		aggregator:  aggregator,
		keys:        model.NewKeyRegistry(),
		clock:       clock.NewClock(),
		out:         os.Stdout,
		settle:      RunSettle,
		finalSettle: results.FinalSettle,
	}

	// Apply options
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every test once per configured device, or once without a device
// when none is configured. A failing run never stops the loop, only cancellation
// of ctx does.
func (d *Driver) Run(ctx context.Context, tests []string) []model.RunRecord {
	devices := d.cfg.Devices
	if len(devices) == 0 {
		devices = []string{""}
	}

	var records []model.RunRecord
	for _, test := range tests {
		for _, device := range devices {
			if err := ctx.Err(); err != nil {
				d.logger.Warn().Err(err).Msg("Stopping before all tests ran")
				return records
			}
			records = append(records, d.runOne(ctx, model.Run{Test: test, Device: device}))
		}
	}
	return records
}

func (d *Driver) runOne(ctx context.Context, run model.Run) model.RunRecord {
	key := d.keys.Key(run)
	testString := run.TestString()

	fmt.Fprintf(d.out, "%-*s", columns, "Running test "+testString+":")

	spec := executor.Spec{
		Run:     run,
		Key:     key,
		Marker:  run.Marker(d.invocationID),
		Timeout: d.cfg.TimeoutFor(run.Test),
	}

	res, err := d.executor.Execute(ctx, spec)

	var v outcome.Verdict
	switch {
	case err != nil:
		d.logger.Error().Err(err).Str("test", testString).Msg("Failed to run test")
		v = outcome.Errored(err)
	case res.Excluded:
		v = outcome.Excluded()
	default:
		// the process has terminated, its kernel log output is complete
		scan, err := d.extractor.ExtractAndScan(ctx, spec.Marker, key)
		if err != nil {
			d.logger.Warn().Err(err).Str("test", testString).Msg("Kernel log inspection failed, treating as clean")
		}
		v = outcome.Classify(res.Status, scan)
	}

	d.printDuration(key, res)

	if v.Outcome == outcome.Pass && run.Device != "" {
		if outcome.ResidueCheck(ctx, d.logger, d.prober, d.clock, d.settle) {
			d.aggregator.MarkMaybeFailed(testString)
		}
	}

	logPath, err := d.aggregator.Record(key, testString, v)
	if err != nil {
		d.logger.Error().Err(err).Str("test", testString).Msg("Failed to record run")
	}

	return model.RunRecord{
		Key:        key,
		Test:       run.Test,
		Device:     run.Device,
		Outcome:    v.Outcome.String(),
		Reason:     v.Reason,
		ExitStatus: res.Status,
		Command:    res.Command,
		Duration:   res.Duration,
		Artifacts:  d.aggregator.Artifacts(key, logPath, res.CorePath),
	}
}

func (d *Driver) printDuration(key string, res executor.Result) {
	if res.Excluded {
		fmt.Fprintln(d.out)
		return
	}
	fmt.Fprintf(d.out, " %d s", int(res.Duration/time.Second))
	if last, ok := d.previous[key]; ok {
		fmt.Fprintf(d.out, " (last %d s)", int(last/time.Second))
	}
	fmt.Fprintln(d.out)
}

// Finish runs the final residue probe, prints the summary and returns the exit
// code of the invocation.
func (d *Driver) Finish(ctx context.Context) int {
	return d.aggregator.Finish(ctx, d.prober, d.clock, d.finalSettle)
}
