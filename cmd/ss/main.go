// Command ss indexes directories and finds files by name or content.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "ss",
		Usage:   "Sonic-Search: index directories and find files by name or content",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				Sources: cli.EnvVars("SS_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:  "index-dir",
				Usage: "Index directory (overrides index.dir)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{
			scanCommand(),
			findCommand(),
			statsCommand(),
			watchCommand(),
			historyCommand(),
			repairCommand(),
			eventsCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("ss failed", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := cmd.String("index-dir"); dir != "" {
		cfg.Index.Dir = dir
	}
	if level := cmd.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("validating logging flags: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// withEngine opens the engine for one command and closes it afterwards.
func withEngine(ctx context.Context, cmd *cli.Command, tweak func(*config.Config), fn func(*engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if tweak != nil {
		tweak(cfg)
	}
	e, err := engine.Open(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(e)
	if err := e.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
