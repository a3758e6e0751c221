package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/events"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/parser"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/kafka"
)

var stdout io.Writer = os.Stdout

func rootsArg(cmd *cli.Command) []string {
	roots := cmd.Args().Slice()
	if len(roots) == 0 {
		roots = []string{"."}
	}
	return roots
}

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:      "scan",
		Usage:     "Index one or more directories",
		ArgsUsage: "[root...]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"e"}, Usage: "Extra gitignore-style exclude pattern"},
			&cli.BoolFlag{Name: "hidden", Usage: "Include dot files and directories"},
			&cli.BoolFlag{Name: "content", Usage: "Index text file contents"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			tweak := func(cfg *config.Config) {
				if cmd.Bool("content") {
					cfg.Index.ContentIndexing = true
				}
			}
			return withEngine(ctx, cmd, tweak, func(e *engine.Engine) error {
				sum, err := e.Scan(ctx, rootsArg(cmd), walker.IgnoreConfig{
					Excludes:      cmd.StringSlice("exclude"),
					IncludeHidden: cmd.Bool("hidden"),
				})
				printSummary(stdout, sum)
				return err
			})
		},
	}
}

func findCommand() *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "Search the index",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "filename", Usage: "filename or content"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum results to print (0 prints all)"},
			&cli.BoolFlag{Name: "json", Usage: "Print one JSON object per result"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			query := strings.Join(cmd.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return errors.New("find needs a query")
			}
			mode, err := parser.ParseMode(cmd.String("mode"))
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, nil, func(e *engine.Engine) error {
				res, err := e.Query(ctx, query, mode)
				if err != nil {
					return err
				}
				if cmd.Bool("json") {
					return printResultsJSON(stdout, res, int(cmd.Int("limit")))
				}
				printResults(stdout, res, int(cmd.Int("limit")))
				return nil
			})
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show index statistics",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, nil, func(e *engine.Engine) error {
				printStats(stdout, e.Stats())
				return nil
			})
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Keep the index up to date until interrupted",
		ArgsUsage: "[root...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "scan", Value: true, Usage: "Scan the roots once watching has started"},
			&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"e"}, Usage: "Extra gitignore-style exclude pattern"},
			&cli.BoolFlag{Name: "hidden", Usage: "Include dot files and directories"},
			&cli.StringFlag{Name: "http", Usage: "Serve /search, /metrics and /healthz on this address"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, nil, func(e *engine.Engine) error {
				roots := rootsArg(cmd)
				ignore := walker.IgnoreConfig{
					Excludes:      cmd.StringSlice("exclude"),
					IncludeHidden: cmd.Bool("hidden"),
				}
				if err := e.Watch(ctx, roots, ignore); err != nil {
					return err
				}
				if cmd.Bool("scan") {
					sum, err := e.Scan(ctx, roots, ignore)
					printSummary(stdout, sum)
					if err != nil {
						return err
					}
				}
				if addr := cmd.String("http"); addr != "" {
					bound, err := e.Serve(addr)
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "Serving on http://%s\n", bound)
				}
				fmt.Fprintf(stdout, "Watching %s (Ctrl-C to stop)\n", strings.Join(roots, ", "))
				<-ctx.Done()
				return nil
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent scans from the journal",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, nil, func(e *engine.Engine) error {
				runs, err := e.History(ctx, int(cmd.Int("limit")))
				if err != nil {
					return err
				}
				printHistory(stdout, runs)
				return nil
			})
		},
	}
}

func repairCommand() *cli.Command {
	return &cli.Command{
		Name:  "repair",
		Usage: "Drop corrupt segments so the next scan rebuilds them",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, nil, func(e *engine.Engine) error {
				res, err := e.Repair(ctx)
				if err != nil {
					return err
				}
				if len(res.Segments) == 0 {
					fmt.Fprintln(stdout, "No corrupt segments.")
					return nil
				}
				fmt.Fprintf(stdout, "Dropped %d segments (%d documents): %v\n", len(res.Segments), res.Documents, res.Segments)
				fmt.Fprintln(stdout, "Run scan again to re-index the affected files.")
				return nil
			})
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Tail index commit events from Kafka",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			consumer := kafka.NewConsumer(cfg.Kafka, func(ctx context.Context, key, value []byte) error {
				ev, err := kafka.DecodeJSON[events.CommitEvent](value)
				if err != nil {
					return err
				}
				printCommit(stdout, ev)
				return nil
			})
			defer consumer.Close()
			return consumer.Start(ctx)
		},
	}
}
