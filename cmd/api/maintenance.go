package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bryanwahyu/automaton-review/internal/config"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one eviction sweep against the durable tier and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return sweepOnce(cmd.Context(), cfg, newLogger(cfg, os.Stderr), cmd.OutOrStdout())
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print store statistics of the durable tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return printStats(cmd.Context(), cfg, newLogger(cfg, os.Stderr), cmd.OutOrStdout())
	},
}

var errNoBackend = errors.New("store.backend is none, nothing to operate on")

func sweepOnce(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	if cfg.Store.Backend == config.BackendNone {
		return errNoBackend
	}
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background(), logger)

	report := a.eviction.Sweep(ctx)
	return printJSON(out, map[string]any{
		"evicted": report.Evicted(),
		"report":  report,
	})
}

func printStats(ctx context.Context, cfg *config.Config, logger *slog.Logger, out io.Writer) error {
	if cfg.Store.Backend == config.BackendNone {
		return errNoBackend
	}
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background(), logger)
	return printJSON(out, a.svc.Stats())
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
