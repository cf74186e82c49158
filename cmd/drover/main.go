package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "drover",
		Usage:                 "Drive multi-agent task workflows with durable state and supervised progression",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for persistence (file://, sqlite://, postgres://, redis://)",
				Value:   "",
				Sources: cli.EnvVars("DROVER_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory for file-based persistence when no database URL is set",
				Value:   "./data",
				Sources: cli.EnvVars("DROVER_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing executor plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("DROVER_PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("DROVER_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			NewValidateCommand(),
			NewRunCommand(),
			NewResumeCommand(),
			NewStatusCommand(),
			NewCheckpointsCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("drover exited with an error", "error", err)
		os.Exit(1)
	}
}

// databaseURL resolves the storage target: an explicit URL wins, otherwise the
// file backend rooted at the data directory.
func databaseURL(command *cli.Command) string {
	if url := command.String("database-url"); url != "" {
		return url
	}

	return "file://" + command.String("data-dir")
}
