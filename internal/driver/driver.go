//go:build linux
// +build linux

// Package driver wires configuration, logging and metrics around a harness
// run for the example commands.
package driver

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	iouring "github.com/iceber/iouring-sqpoll"
	"github.com/iceber/iouring-sqpoll/internal/config"
	"github.com/iceber/iouring-sqpoll/internal/harness"
	"github.com/iceber/iouring-sqpoll/internal/logger"
	"github.com/iceber/iouring-sqpoll/internal/metrics"
)

// RingOptions translates the poller settings into ring options.
func RingOptions(cfg *config.Configs) []iouring.IOURingOption {
	if !cfg.SQPoll {
		return nil
	}
	return []iouring.IOURingOption{
		iouring.WithSQPoll(),
		iouring.WithSQPollThreadCPU(cfg.SQPollCPU),
		iouring.WithSQPollThreadIdle(cfg.SQPollIdle),
	}
}

// Main loads the configuration, applies adjust, runs the harness
// once and prints the outcome. It returns the process exit code.
func Main(adjust func(cfg *config.Configs)) int {
	if err := config.InitEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if adjust != nil {
		adjust(cfg)
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}

	logger.Init(cfg.AppName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("run failed")
		return 1
	}

	fmt.Println("-------------------")
	fmt.Printf("processed %d submissions\n", report.Processed)
	for _, f := range report.Failures {
		fmt.Fprintf(os.Stderr, "ERROR for part %d: %v\n", f.Tag, f.Err)
	}
	if report.Failed != 0 {
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg *config.Configs) (*harness.Report, error) {
	m, err := metrics.New(cfg.MetricsEnabled, cfg.StatsdAddr, cfg.AppName)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	ring, err := iouring.New(cfg.Entries, RingOptions(cfg)...)
	if err != nil {
		return nil, errors.WithMessage(err, "setup rings")
	}

	h, err := harness.New(ring, harness.Config{
		Workers:   cfg.Workers,
		Rounds:    cfg.Rounds,
		BlockSize: cfg.BlockSize,
		Path:      cfg.File,
		Direct:    cfg.Direct,
	}, m, log.Logger)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	report, err := h.Run(ctx)
	if err != nil {
		return nil, err
	}
	m.Count(metrics.Wakeups, int64(report.Ring.Wakeups))
	return report, nil
}
