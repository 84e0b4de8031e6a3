// Command formrelay runs the outbound notification delivery service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/djlord-it/formrelay/internal/config"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// exitError carries a process exit code through cli.Command.Run.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "formrelay: %v\n", err)
		code := exitRuntimeError
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		stop()
		os.Exit(code)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "formrelay",
		Usage:   "webhook and SMS delivery for form events",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP API, worker pool and resumer",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, true)
				},
			},
			{
				Name:  "worker",
				Usage: "Start the worker pool and resumer without the HTTP API",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return run(ctx, false)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "path",
						Value: defaultMigrationsPath,
						Usage: "Migration source URL",
					},
					&cli.BoolFlag{
						Name:  "down",
						Usage: "Roll back the most recent migration instead",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					setupLogger(cfg)
					return runMigrations(cfg.DatabaseURL, cmd.String("path"), cmd.Bool("down"))
				},
			},
			{
				Name:  "validate",
				Usage: "Validate configuration (no connections made)",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if _, err := loadConfig(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.Root().Writer, "configuration valid")
					return nil
				},
			},
			{
				Name:  "config",
				Usage: "Print effective configuration as JSON (secrets masked)",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					data, err := config.Load().MaskedJSON()
					if err != nil {
						return fmt.Errorf("marshal config: %w", err)
					}
					fmt.Fprintln(cmd.Root().Writer, string(data))
					return nil
				},
			},
			{
				Name:  "version",
				Usage: "Print version information",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Fprintf(cmd.Root().Writer, "formrelay version %s (commit: %s)\n", version, commit)
					return nil
				},
			},
		},
	}
}

// loadConfig loads and validates configuration, mapping failures to exitInvalidConfig.
func loadConfig() (config.Config, error) {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		return cfg, &exitError{code: exitInvalidConfig, err: fmt.Errorf("configuration error: %w", err)}
	}
	return cfg, nil
}
