// Package main implements the mincer coordinator, which listens for worker
// connections, authenticates them with the shared password and distributes
// the word count work functions.
//
// Configuration (flags override MINCER_* environment, which overrides the
// optional --config YAML file):
//   - password: Shared secret (required)
//   - host, port: Listen address (default ":11235")
//   - max-conns: Concurrent connection cap (default 64)
//   - handshake-timeout: Per-connection handshake limit (default 10s)
//   - log-level: debug, info, warn or error (default info)
//
// Example usage:
//
//	MINCER_PASSWORD=changeme ./coordinator --port 11235
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/mincer/internal/config"
	"github.com/dreamware/mincer/internal/coordinator"
	"github.com/dreamware/mincer/internal/logging"
	"github.com/dreamware/mincer/internal/storage"
	"github.com/dreamware/mincer/internal/workfn"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// defaultData is the word count input served when no datasource is wired in.
var defaultData = []string{
	"Humpty Dumpty sat on a wall",
	"Humpty Dumpty had a great fall",
	"All the King's horses and all the King's men",
	"Couldn't put Humpty together again",
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("coordinator: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath, output string

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Distribute work functions to authenticated workers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			logr, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logr.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := run(ctx, cfg, logr)
			if err != nil {
				return err
			}
			return writeSummary(cmd.OutOrStdout(), output, summary)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to YAML config file")
	f.StringVarP(&output, "output", "o", "yaml", "summary format: yaml or json")
	f.StringP("password", "p", "", "shared password")
	f.String("host", "", "listen host")
	f.IntP("port", "P", config.DefaultPort, "listen port")
	f.Int("max-conns", 64, "maximum concurrent connections")
	f.Duration("handshake-timeout", 10*time.Second, "handshake time limit, 0 disables it")
	f.Int("max-payload", 1<<20, "maximum payload size in bytes")
	f.String("log-level", "info", "log level")
	return cmd
}

// run serves the default word count job until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logr *zap.Logger) (coordinator.Summary, error) {
	srv := coordinator.New(cfg, coordinator.WithLogger(logr))
	srv.SetDatasource(storage.FromLines(defaultData))
	for _, d := range workfn.WordCount() {
		if err := srv.SetFunc(d); err != nil {
			return coordinator.Summary{}, err
		}
	}
	return srv.Run(ctx)
}

func writeSummary(w io.Writer, format string, summary coordinator.Summary) error {
	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(summary)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
