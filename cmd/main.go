package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dargueta/compactvd/images"
	"github.com/dargueta/compactvd/images/journal"
	"github.com/dargueta/compactvd/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// session holds what every command needs. It's filled in by the Before hook.
type session struct {
	config  *config.Config
	logger  zerolog.Logger
	journal *journal.Journal
}

func (s *session) options(readOnly bool) images.Options {
	return images.Options{
		ReadOnly: readOnly,
		Journal:  s.journal,
		Logger:   &s.logger,
	}
}

func main() {
	s := &session{logger: newLogger(zerolog.InfoLevel)}

	app := cli.App{
		Name:  "compactvd",
		Usage: "Reclaim the space wasted in sparse virtual disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML configuration file",
				EnvVars: []string{config.EnvironmentVariable},
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "write Prometheus counters to this file on exit",
			},
		},
		Before: s.setUp,
		After:  s.writeMetrics,
		Commands: []*cli.Command{
			{
				Name:      "dump",
				Usage:     "Show how much space an image would get back, without changing it",
				ArgsUsage: "IMAGE",
				Flags:     append(optimizeFlags(), &cli.BoolFlag{Name: "csv", Usage: "print the per-region statistics as CSV"}),
				Action:    s.dump,
			},
			{
				Name:      "compact",
				Usage:     "Free unneeded blocks and shrink the image in place",
				ArgsUsage: "IMAGE",
				Flags:     optimizeFlags(),
				Action:    s.compact,
			},
			{
				Name:      "copy",
				Usage:     "Copy the data of an image into a new, optimized image",
				ArgsUsage: "IMAGE",
				Flags: append(
					optimizeFlags(),
					&cli.StringFlag{Name: "write", Aliases: []string{"o"}, Usage: "output image", Required: true},
					&cli.StringFlag{Name: "format", Usage: "output image type, defaults to the source's"},
					&cli.UintFlag{Name: "block-size", Usage: "output block size in bytes, 0 for the format's default"},
					&cli.BoolFlag{Name: "overwrite", Usage: "replace the output if it exists"},
				),
				Action: s.copy,
			},
			{
				Name:   "recover",
				Usage:  "Roll back commits interrupted by a crash",
				Action: s.recover,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		s.logger.Error().Err(err).Msg("failed")
		stop()
		os.Exit(1)
	}
}

func newLogger(level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// setUp loads the configuration and rolls back whatever a previous run left
// half-committed, before any image gets opened.
func (s *session) setUp(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if ctx.IsSet("metrics-file") {
		cfg.MetricsFile = ctx.String("metrics-file")
	}
	s.config = cfg
	s.logger = newLogger(cfg.Level())

	images.RegisterMetrics()
	journal.RegisterMetrics()

	if cfg.JournalDir == "" {
		s.logger.Warn().Msg("journaling is disabled, a crash during a commit may corrupt images")
		return nil
	}
	s.journal, err = journal.New(cfg.JournalDir, s.logger)
	if err != nil {
		return err
	}
	_, err = s.recoverJournal(ctx.Context)
	return err
}

func (s *session) recoverJournal(ctx context.Context) ([]journal.Outcome, error) {
	outcomes, err := s.journal.Recover(ctx)
	for _, outcome := range outcomes {
		event := s.logger.Info()
		if outcome.Result == journal.Restored {
			event = s.logger.Warn()
		}
		event.
			Str("image", outcome.Subject).
			Stringer("result", outcome.Result).
			Int("chunks", outcome.Chunks).
			Msg("journal record processed")
	}
	return outcomes, err
}

func (s *session) writeMetrics(ctx *cli.Context) error {
	if s.config == nil || s.config.MetricsFile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(s.config.MetricsFile, prometheus.DefaultGatherer)
}
