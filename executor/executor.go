// Package executor runs one test binary under a two stage deadline and captures
// its output to a log artifact.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"
	"code.cloudfoundry.org/clock"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/perfgo/kharness/kmsg"
	"github.com/perfgo/kharness/model"
)

// Exit statuses with a special meaning, matching timeout(1) and the shell.
const (
	StatusPass          = 0
	StatusSkip          = 255
	StatusTimeout       = 124
	StatusKilled        = 137
	StatusNotExecutable = 126
	StatusNotFound      = 127
)

// LogSuffix is appended to the run key to name the log artifact.
const LogSuffix = ".log"

// Spec describes one run to execute.
type Spec struct {
	Run model.Run
	// Key names the artifacts of the run
	Key string
	// Marker is written to the kernel log before the process starts
	Marker  string
	Timeout time.Duration
}

// Result describes how a run terminated.
type Result struct {
	// Excluded is set when the test was not launched because the user excluded it
	Excluded bool
	// Status is the shell style exit status: 128+signal for signaled processes,
	// StatusTimeout or StatusKilled when the deadline hit
	Status  int
	LogPath string
	// Command is the shell quoted command line that reproduces the run
	Command string
	// CorePath is set when the run left a core dump behind
	CorePath string
	Duration time.Duration
}

// Executor launches test binaries from a test directory, one at a time.
type Executor struct {
	logger  zerolog.Logger
	clock   clock.Clock
	dir     string
	exclude func(test string) bool
	marker  kmsg.Stream
	signal  func(cmd *exec.Cmd, sig unix.Signal) error
}

// Option is a function that configures an Executor.
type Option func(*Executor)

// WithExclude sets the predicate selecting tests that must never be launched.
func WithExclude(exclude func(test string) bool) Option {
	return func(e *Executor) {
		e.exclude = exclude
	}
}

// WithMarker enables writing run markers to the kernel log.
func WithMarker(stream kmsg.Stream) Option {
	return func(e *Executor) {
		e.marker = stream
	}
}

// WithClock replaces the clock used for deadlines.
func WithClock(clk clock.Clock) Option {
	return func(e *Executor) {
		e.clock = clk
	}
}

// New creates an Executor for the binaries in dir. Logs are written to dir too.
func New(logger zerolog.Logger, dir string, opts ...Option) *Executor {
	e := &Executor{
		logger: logger,
		clock:  clock.NewClock(),
		dir:    dir,
		signal: signalGroup,
	}

	// Apply options
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Excluded reports whether test is excluded by the user.
func (e *Executor) Excluded(test string) bool {
	return e.exclude != nil && e.exclude(test)
}

// Execute runs spec to completion. The log artifact exists afterwards, possibly
// empty. Errors are only returned when the harness itself fails, a failing test is
// reported through Result.Status.
func (e *Executor) Execute(ctx context.Context, spec Spec) (Result, error) {
	if e.Excluded(spec.Run.Test) {
		e.logger.Debug().Str("test", spec.Run.Test).Msg("Test excluded by user")
		return Result{Excluded: true}, nil
	}

	if e.marker != nil {
		if err := e.marker.WriteMarker(spec.Marker); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to write kernel log marker")
		}
	}

	logPath := filepath.Join(e.dir, spec.Key+LogSuffix)
	logFile, err := os.Create(logPath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create log file: %w", err)
	}
	defer logFile.Close()

	binary := spec.Run.Test
	if !filepath.IsAbs(binary) {
		binary = filepath.Join(e.dir, binary)
	}
	var args []string
	if spec.Run.Device != "" {
		args = append(args, spec.Run.Device)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = e.dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	command := shellescape.QuoteCommand(append([]string{binary}, args...))
	e.logger.Debug().
		Str("command", command).
		Dur("timeout", spec.Timeout).
		Str("log", logPath).
		Msg("Starting test")

	result := Result{LogPath: logPath, Command: command}
	start := e.clock.Now()

	if err := cmd.Start(); err != nil {
		result.Status = startFailureStatus(err)
		fmt.Fprintf(logFile, "%s: %v\n", spec.Run.Test, err)
		e.logger.Debug().Err(err).Int("status", result.Status).Msg("Failed to start test")
		return result, nil
	}

	status, err := e.wait(ctx, cmd, spec.Timeout)
	result.Duration = e.clock.Since(start)
	if err != nil {
		return result, err
	}
	result.Status = status

	result.CorePath = e.collectCore(spec.Key)

	e.logger.Debug().
		Int("status", result.Status).
		Dur("duration", result.Duration).
		Msg("Test finished")

	return result, nil
}

type stage int

const (
	stageRunning stage = iota
	stageInterrupted
	stageKilled
)

// wait waits for cmd to exit. When timeout expires the process group receives
// SIGINT, when it is still alive after another timeout it receives SIGKILL.
func (e *Executor) wait(ctx context.Context, cmd *exec.Cmd, timeout time.Duration) (int, error) {
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timer := e.clock.NewTimer(timeout)
	defer timer.Stop()

	st := stageRunning
	for {
		select {
		case err := <-done:
			switch st {
			case stageInterrupted:
				return StatusTimeout, nil
			case stageKilled:
				return StatusKilled, nil
			}
			return exitStatus(cmd.ProcessState, err), nil

		case <-timer.C():
			switch st {
			case stageRunning:
				e.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Timeout expired, interrupting test")
				if err := e.signal(cmd, unix.SIGINT); err != nil {
					e.logger.Debug().Err(err).Msg("Failed to interrupt test")
				}
				st = stageInterrupted
				timer.Reset(timeout)
			case stageInterrupted:
				e.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Test ignored interrupt, killing it")
				if err := e.signal(cmd, unix.SIGKILL); err != nil {
					e.logger.Debug().Err(err).Msg("Failed to kill test")
				}
				st = stageKilled
				timer.Reset(timeout)
			case stageKilled:
				// stuck in the kernel, waiting longer will not help
				e.logger.Error().Int("pid", cmd.Process.Pid).Msg("Test did not exit after SIGKILL, abandoning it")
				return StatusKilled, nil
			}

		case <-ctx.Done():
			if err := e.signal(cmd, unix.SIGKILL); err != nil {
				e.logger.Debug().Err(err).Msg("Failed to kill test")
			}
			abandon := e.clock.NewTimer(timeout)
			defer abandon.Stop()
			select {
			case <-done:
			case <-abandon.C():
				e.logger.Error().Int("pid", cmd.Process.Pid).Msg("Test did not exit after SIGKILL, abandoning it")
			}
			return 0, ctx.Err()
		}
	}
}

// exitStatus converts a process state into a shell style exit status.
func exitStatus(state *os.ProcessState, err error) int {
	if state == nil {
		return StatusNotExecutable
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := state.ExitCode(); code >= 0 {
		return code
	}
	if err != nil {
		return 1
	}
	return 0
}

func startFailureStatus(err error) int {
	if errors.Is(err, fs.ErrNotExist) {
		return StatusNotFound
	}
	return StatusNotExecutable
}

// collectCore renames a core dump left in the test directory so that the next run
// does not pick it up.
func (e *Executor) collectCore(key string) string {
	core := filepath.Join(e.dir, "core")
	if _, err := os.Stat(core); err != nil {
		return ""
	}
	dest := filepath.Join(e.dir, "core-"+key)
	if err := os.Rename(core, dest); err != nil {
		e.logger.Warn().Err(err).Str("file", core).Msg("Failed to rename core dump")
		return ""
	}
	return dest
}
