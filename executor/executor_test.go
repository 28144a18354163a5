package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/perfgo/kharness/executor"
	"github.com/perfgo/kharness/kmsg/kmsgtest"
	"github.com/perfgo/kharness/model"
)

// writeTest creates an executable shell script called name in dir.
func writeTest(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755))
}

func spec(test, device string) executor.Spec {
	run := model.Run{Test: test, Device: device}
	return executor.Spec{
		Run:     run,
		Key:     model.NewKeyRegistry().Key(run),
		Marker:  run.Marker("test"),
		Timeout: time.Minute,
	}
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestExecute_ExitStatus(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		log    string
	}{
		{name: "pass", body: "echo hello", status: executor.StatusPass, log: "hello\n"},
		{name: "fail", body: "echo broken >&2; exit 3", status: 3, log: "broken\n"},
		{name: "skip", body: "exit 255", status: executor.StatusSkip},
		{name: "signaled", body: "kill -SEGV $$", status: 128 + 11},
		{name: "silent", body: "true", status: executor.StatusPass},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTest(t, dir, tt.name, tt.body)

			e := executor.New(zerolog.Nop(), dir)
			res, err := e.Execute(context.Background(), spec(tt.name, ""))
			require.NoError(t, err)
			require.False(t, res.Excluded)
			require.Equal(t, tt.status, res.Status)
			require.Equal(t, filepath.Join(dir, tt.name+".log"), res.LogPath)
			require.Equal(t, tt.log, readLog(t, res.LogPath))
		})
	}
}

func TestExecute_Device(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "dev", `echo "arg=$1 cwd=$(pwd)"`)

	e := executor.New(zerolog.Nop(), dir)
	res, err := e.Execute(context.Background(), spec("dev", "/dev/sdb"))
	require.NoError(t, err)
	require.Equal(t, 0, res.Status)
	require.Equal(t, filepath.Join(dir, "dev.dev_sdb.log"), res.LogPath)

	realDir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, "arg=/dev/sdb cwd="+realDir+"\n", readLog(t, res.LogPath))
	require.Equal(t, filepath.Join(dir, "dev")+" /dev/sdb", res.Command)
}

func TestExecute_CommandIsQuoted(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "dev", `echo "$1"`)

	e := executor.New(zerolog.Nop(), dir)
	res, err := e.Execute(context.Background(), spec("dev", "/dev/disk by-id"))
	require.NoError(t, err)
	require.Equal(t, "/dev/disk by-id\n", readLog(t, res.LogPath))
	require.Equal(t, filepath.Join(dir, "dev")+" '/dev/disk by-id'", res.Command)
}

func TestExecute_LaunchFailure(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "noexec"), []byte("#!/bin/sh\n"), 0644))

	e := executor.New(zerolog.Nop(), dir)

	res, err := e.Execute(context.Background(), spec("missing", ""))
	require.NoError(t, err)
	require.Equal(t, executor.StatusNotFound, res.Status)
	require.Contains(t, readLog(t, res.LogPath), "missing")

	res, err = e.Execute(context.Background(), spec("noexec", ""))
	require.NoError(t, err)
	require.Equal(t, executor.StatusNotExecutable, res.Status)
}

func TestExecute_Excluded(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "skipme", "touch ran")
	buf := kmsgtest.NewBuffer()

	e := executor.New(zerolog.Nop(), dir,
		executor.WithExclude(func(test string) bool { return test == "skipme" }),
		executor.WithMarker(buf),
	)
	require.True(t, e.Excluded("skipme"))

	res, err := e.Execute(context.Background(), spec("skipme", ""))
	require.NoError(t, err)
	require.True(t, res.Excluded)
	require.Empty(t, res.LogPath)
	require.Empty(t, buf.Markers())
	require.NoFileExists(t, filepath.Join(dir, "ran"))
	require.NoFileExists(t, filepath.Join(dir, "skipme.log"))
}

func TestExecute_WritesMarkerBeforeStart(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "marked", "true")
	buf := kmsgtest.NewBuffer()

	e := executor.New(zerolog.Nop(), dir, executor.WithMarker(buf))
	s := spec("marked", "/dev/nvme0n1")
	_, err := e.Execute(context.Background(), s)
	require.NoError(t, err)
	require.Equal(t, []string{"kharness[test]: Running test marked /dev/nvme0n1:"}, buf.Markers())
}

func TestExecute_MarkerErrorIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "marked", "true")
	buf := kmsgtest.NewBuffer()
	buf.Err = kmsgtest.ErrUnavailable

	e := executor.New(zerolog.Nop(), dir, executor.WithMarker(buf))
	res, err := e.Execute(context.Background(), spec("marked", ""))
	require.NoError(t, err)
	require.Equal(t, 0, res.Status)
}

func TestExecute_CoreDump(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "crash", "echo dump > core; exit 1")

	e := executor.New(zerolog.Nop(), dir)
	res, err := e.Execute(context.Background(), spec("crash", "/dev/sda"))
	require.NoError(t, err)
	require.Equal(t, 1, res.Status)
	require.Equal(t, filepath.Join(dir, "core-crash.dev_sda"), res.CorePath)
	require.FileExists(t, res.CorePath)
	require.NoFileExists(t, filepath.Join(dir, "core"))
}

// waitForFile blocks until the test script signalled that its traps are set up.
func waitForFile(t *testing.T, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)
}

func TestExecute_TimeoutInterrupt(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "hang", "touch ready; sleep 30")

	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	e := executor.New(zerolog.Nop(), dir, executor.WithClock(fc))

	s := spec("hang", "")
	s.Timeout = 5 * time.Second

	type outcome struct {
		res executor.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(context.Background(), s)
		done <- outcome{res, err}
	}()

	waitForFile(t, filepath.Join(dir, "ready"))
	fc.WaitForWatcherAndIncrement(s.Timeout)

	select {
	case out := <-done:
		require.NoError(t, out.err)
		require.Equal(t, executor.StatusTimeout, out.res.Status)
		require.Equal(t, s.Timeout, out.res.Duration)
	case <-time.After(10 * time.Second):
		t.Fatal("test was not interrupted")
	}
}

func TestExecute_TimeoutKill(t *testing.T) {
	dir := t.TempDir()
	// the ignored disposition is inherited by sleep
	writeTest(t, dir, "stubborn", "trap '' INT; touch ready; sleep 30")

	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	e := executor.New(zerolog.Nop(), dir, executor.WithClock(fc))

	s := spec("stubborn", "")
	s.Timeout = 5 * time.Second

	done := make(chan executor.Result, 1)
	go func() {
		res, _ := e.Execute(context.Background(), s)
		done <- res
	}()

	waitForFile(t, filepath.Join(dir, "ready"))
	fc.WaitForWatcherAndIncrement(s.Timeout)

	// still alive after SIGINT
	select {
	case <-done:
		t.Fatal("test exited on SIGINT")
	case <-time.After(200 * time.Millisecond):
	}

	fc.WaitForWatcherAndIncrement(s.Timeout)

	select {
	case res := <-done:
		require.Equal(t, executor.StatusKilled, res.Status)
		require.Equal(t, 2*s.Timeout, res.Duration)
	case <-time.After(10 * time.Second):
		t.Fatal("test was not killed")
	}
}

func TestExecute_ContextCancel(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "hang", "touch ready; sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	e := executor.New(zerolog.Nop(), dir)

	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, spec("hang", ""))
		done <- err
	}()

	waitForFile(t, filepath.Join(dir, "ready"))
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("cancel did not stop the test")
	}
}

func TestExecute_ContextCancelAbandonsStuckTest(t *testing.T) {
	dir := t.TempDir()
	writeTest(t, dir, "stuck", "echo $$ > pid; touch ready; exec sleep 30")
	t.Cleanup(func() {
		data, err := os.ReadFile(filepath.Join(dir, "pid"))
		if err != nil {
			return
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			_ = unix.Kill(pid, unix.SIGKILL)
		}
	})

	fc := fakeclock.NewFakeClock(time.Unix(0, 0))
	e := executor.New(zerolog.Nop(), dir, executor.WithClock(fc))
	executor.IgnoreSignals(e)

	s := spec("stuck", "")
	s.Timeout = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.Execute(ctx, s)
		done <- err
	}()

	waitForFile(t, filepath.Join(dir, "ready"))
	cancel()

	// SIGKILL had no effect, the executor waits one more timeout
	select {
	case <-done:
		t.Fatal("returned before the test was abandoned")
	case <-time.After(200 * time.Millisecond):
	}

	// the deadline timer and the abandon timer
	fc.WaitForNWatchersAndIncrement(s.Timeout, 2)

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("stuck test was not abandoned")
	}
}
