// Package main implements the mincer worker, which dials a coordinator,
// proves knowledge of the shared password, and installs the work functions
// the coordinator sends.
//
// Usage:
//
//	MINCER_PASSWORD=changeme ./worker coordinator.example.com --port 11235
//
// The positional argument is the coordinator host (default 127.0.0.1).
// On exit the installed functions are printed as YAML.
package main

import (
	"context"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/mincer/internal/config"
	"github.com/dreamware/mincer/internal/logging"
	"github.com/dreamware/mincer/internal/worker"
	"github.com/dreamware/mincer/internal/workfn"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

const defaultHost = "127.0.0.1"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logFatal("worker: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configPath string
	var eager bool

	cmd := &cobra.Command{
		Use:           "worker [host]",
		Short:         "Receive work functions from a coordinator",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.BindFlags(v, cmd); err != nil {
				return err
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			host := targetHost(cfg, args)

			logr, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logr.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []worker.Option
			opts = append(opts, worker.WithLogger(logr))
			if eager {
				opts = append(opts, worker.WithEagerChallenge())
			}
			w := worker.New(cfg, workfn.Builtins(), opts...)

			addr := net.JoinHostPort(host, strconv.Itoa(cfg.Port))
			if err := run(ctx, w, addr, logr); err != nil {
				return err
			}
			return writeInstalled(cmd.OutOrStdout(), w.Environment())
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "path to YAML config file")
	f.BoolVar(&eager, "eager", false, "send the worker challenge immediately on connect")
	f.StringP("password", "p", "", "shared password")
	f.IntP("port", "P", config.DefaultPort, "coordinator port")
	f.Duration("handshake-timeout", 10*time.Second, "handshake time limit, 0 disables it")
	f.Int("max-payload", 1<<20, "maximum payload size in bytes")
	f.String("log-level", "info", "log level")
	return cmd
}

// targetHost picks the positional host, then the configured one, then loopback.
func targetHost(cfg *config.Config, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if cfg.Host != "" {
		return cfg.Host
	}
	return defaultHost
}

func run(ctx context.Context, w *worker.Client, addr string, logr *zap.Logger) error {
	if err := w.Run(ctx, addr); err != nil {
		return err
	}
	logr.Info("coordinator disconnected", zap.Int("installed", len(w.Environment().Refs())))
	return nil
}

func writeInstalled(out io.Writer, env *workfn.Environment) error {
	enc := yaml.NewEncoder(out)
	defer enc.Close()
	return enc.Encode(struct {
		Installed []workfn.Ref `yaml:"installed"`
	}{Installed: env.Refs()})
}
