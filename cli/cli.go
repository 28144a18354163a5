package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/kharness/config"
)

const AppName = "kharness"

type App struct {
	logger zerolog.Logger
	out    io.Writer
	cli    *cli.App
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Directory holding the test binaries, logs are written there too",
			Value: ".",
		},
		&cli.StringFlag{
			Name:  "config",
			Usage: fmt.Sprintf("Configuration file (default: <dir>/%s)", config.DefaultFileName),
		},
		&cli.StringSliceFlag{
			Name:    "device",
			Aliases: []string{"d"},
			Usage:   "Device to run every test against, can be repeated",
			EnvVars: []string{"TEST_FILES"},
		},
		&cli.StringSliceFlag{
			Name:    "exclude",
			Aliases: []string{"x"},
			Usage:   "Test that must not be run, can be repeated",
			EnvVars: []string{"TEST_EXCLUDE"},
		},
		&cli.IntFlag{
			Name:    "timeout",
			Usage:   "Timeout per test in seconds, the test is killed after twice that",
			EnvVars: []string{"TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:  "no-kmsg",
			Usage: "Do not inspect the kernel log for regressions",
		},
		&cli.StringFlag{
			Name:    "dmesg-filter",
			Usage:   "Shell pipeline the kernel log is passed through before scanning",
			EnvVars: []string{"DMESG_FILTER"},
		},
		&cli.StringFlag{
			Name:  "worker",
			Usage: fmt.Sprintf("Background worker probed for after device runs (default: %s)", config.DefaultWorker),
		},
		&cli.BoolFlag{
			Name:  "no-history",
			Usage: "Do not save a report of this invocation",
		},
	}
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		out:    os.Stdout,
		cli: &cli.App{
			Name:      AppName,
			Usage:     "Run kernel facing test binaries and check the kernel log for regressions",
			ArgsUsage: "TEST...",
			Flags: append([]cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
			}, runFlags()...),
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}

	// Default action when no command is specified
	app.cli.Action = app.run

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "run",
		Usage:     "Run tests, once per configured device",
		ArgsUsage: "TEST...",
		Action:    app.run,
		Flags:     runFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous invocations",
		Action: app.list,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Usage:   "Test directory whose history is listed",
				Value:   ".",
				EnvVars: []string{"KHARNESS_DIR"},
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results (default: 20)",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View the results of a previous invocation",
		ArgsUsage:       "[ID|INDEX] [-- TEST...]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View the results of a previous invocation.

Arguments:
  0           View last invocation (default)
  -1          View 2nd last invocation
  -2          View 3rd last invocation
  <hex-id>    View invocation matching the hex ID prefix

Any further arguments select runs by test name, their logs are printed.

Examples:
  kharness view               # View last invocation
  kharness view -1            # View 2nd last invocation
  kharness view abc123        # View invocation with ID starting with abc123
  kharness view 0 -- foo      # Print the archived logs of test foo

The history of the test directory given by KHARNESS_DIR (default: .) is used.`,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}
