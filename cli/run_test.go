package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/kharness/config"
	"github.com/perfgo/kharness/history"
)

func loadWithArgs(t *testing.T, dir string, args ...string) (*config.Config, error) {
	t.Helper()
	var cfg *config.Config
	app := &cli.App{
		Name:  "test",
		Flags: runFlags(),
		Action: func(ctx *cli.Context) error {
			var err error
			cfg, err = loadConfig(ctx, dir)
			return err
		},
	}
	err := app.Run(append([]string{"test"}, args...))
	return cfg, err
}

// loadWithCommand parses args with the run flags on both the app and its run
// command, like New does.
func loadWithCommand(t *testing.T, dir string, args ...string) (*config.Config, error) {
	t.Helper()
	var cfg *config.Config
	app := &cli.App{
		Name:  "test",
		Flags: runFlags(),
		Commands: []*cli.Command{
			{
				Name:  "run",
				Flags: runFlags(),
				Action: func(ctx *cli.Context) error {
					var err error
					cfg, err = loadConfig(ctx, dir)
					return err
				},
			},
		},
	}
	err := app.Run(append([]string{"test"}, args...))
	return cfg, err
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFileName), []byte(`
TEST_FILES="/dev/sda /dev/sdb"
TEST_EXCLUDE="slow"
TIMEOUT=30
`), 0644))

	// file on top of the defaults
	cfg, err := loadWithArgs(t, dir)
	require.NoError(t, err)
	require.Equal(t, []string{"/dev/sda", "/dev/sdb"}, cfg.Devices)
	require.Equal(t, []string{"slow"}, cfg.ExcludeList())
	require.Equal(t, 30*time.Second, cfg.Timeout)
	require.Equal(t, config.DefaultWorker, cfg.Worker)

	// explicit flags win over the file
	cfg, err = loadWithArgs(t, dir, "-d", "/dev/nvme0n1", "--timeout", "5", "--worker", "iou-wrk")
	require.NoError(t, err)
	require.Equal(t, []string{"/dev/nvme0n1"}, cfg.Devices)
	require.Equal(t, []string{"slow"}, cfg.ExcludeList())
	require.Equal(t, 5*time.Second, cfg.Timeout)
	require.Equal(t, "iou-wrk", cfg.Worker)
}

func TestLoadConfig_Environment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_EXCLUDE", "foo bar")
	t.Setenv("TIMEOUT", "7")
	t.Setenv("DMESG_FILTER", "grep -v floppy")

	cfg, err := loadWithArgs(t, dir)
	require.NoError(t, err)
	require.Equal(t, []string{"bar", "foo"}, cfg.ExcludeList())
	require.Equal(t, 7*time.Second, cfg.Timeout)
	require.Equal(t, "grep -v floppy", cfg.DmesgFilter)
	require.Empty(t, cfg.Devices)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := loadWithArgs(t, dir, "--timeout", "0")
	require.Error(t, err)

	_, err = loadWithArgs(t, dir, "--config", filepath.Join(dir, "broken.yaml"))
	require.NoError(t, err, "missing file falls back to defaults")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("timeout: [1"), 0644))
	_, err = loadWithArgs(t, dir, "--config", filepath.Join(dir, "broken.yaml"))
	require.Error(t, err)
}

func TestLoadConfig_RootFlagsBeforeRun(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadWithCommand(t, dir, "--timeout", "5", "-d", "/dev/sdb", "--worker", "iou-wrk", "run", "foo")
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Timeout)
	require.Equal(t, []string{"/dev/sdb"}, cfg.Devices)
	require.Equal(t, "iou-wrk", cfg.Worker)

	// flags after the command win over those before it
	cfg, err = loadWithCommand(t, dir, "--timeout", "5", "-d", "/dev/sdb", "run", "--timeout", "9", "foo")
	require.NoError(t, err)
	require.Equal(t, 9*time.Second, cfg.Timeout)
	require.Equal(t, []string{"/dev/sdb"}, cfg.Devices)

	cfg, err = loadWithCommand(t, dir, "run", "foo")
	require.NoError(t, err)
	require.Equal(t, config.DefaultTimeout, cfg.Timeout)
	require.Empty(t, cfg.Devices)
}

func TestApp_RootDirBeforeRun(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo"), []byte("#!/bin/sh\necho fine\n"), 0755))

	require.NoError(t, New().Run([]string{AppName, "--dir", dir, "--no-kmsg", "--no-history", "run", "foo"}))
	require.NoFileExists(t, filepath.Join(dir, history.DirName))
	require.FileExists(t, filepath.Join(dir, "foo.log"))
}

func TestApp_RunAndView(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo"), []byte("#!/bin/sh\necho fine\n"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.failed"), []byte("old"), 0644))

	app := New()
	require.NoError(t, app.Run([]string{AppName, "run", "--dir", dir, "--no-kmsg", "foo"}))

	// artifacts of earlier invocations are purged
	require.NoFileExists(t, filepath.Join(dir, "stale.failed"))
	require.FileExists(t, filepath.Join(dir, "foo.log"))

	entries, err := history.LoadEntries(app.logger, history.Root(dir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	h := entries[0].History
	require.Zero(t, h.ExitCode)
	require.False(t, h.Target.Kmsg)
	require.Len(t, h.Runs, 1)
	require.Equal(t, "pass", h.Runs[0].Outcome)

	var out bytes.Buffer
	app.out = &out

	t.Setenv("KHARNESS_DIR", dir)
	require.NoError(t, app.Run([]string{AppName, "view"}))
	require.Contains(t, out.String(), entries[0].FullPath)

	out.Reset()
	require.NoError(t, app.Run([]string{AppName, "view", "0", "--", "foo"}))
	require.Contains(t, out.String(), "fine")
	require.Error(t, app.Run([]string{AppName, "view", "0", "--", "bar"}))

	// list resolves the test directory like view does
	out.Reset()
	require.NoError(t, app.Run([]string{AppName, "list"}))
	require.Contains(t, out.String(), entries[0].FullPath)

	out.Reset()
	require.NoError(t, app.Run([]string{AppName, "list", "--dir", t.TempDir()}))
	require.Contains(t, out.String(), "No history entries found")
}

func TestApp_NoTests(t *testing.T) {
	require.Error(t, New().Run([]string{AppName, "run", "--no-kmsg", "--no-history"}))
}
