package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/internal/config"
	"github.com/fxnlabs/uma-handoff/internal/logger"
)

// state is filled by the Before hook and shared by every command.
type state struct {
	configPath  string
	verbosity   string
	metricsFile string

	cfg *config.Config
	log *zap.Logger
}

func newApp(st *state) *cli.App {
	return &cli.App{
		Name:  "umactl",
		Usage: "Hand shared buffers between CPU, GPU and NPU without copies",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Value:       "config.yaml",
				Usage:       "Path to the config file; defaults apply when it is missing",
				EnvVars:     []string{"UMACTL_CONFIG"},
				Destination: &st.configPath,
			},
			&cli.StringFlag{
				Name:        "verbosity",
				Usage:       "Log level, overrides the config file",
				Destination: &st.verbosity,
			},
			&cli.StringFlag{
				Name:        "metrics-file",
				Usage:       "Write Prometheus metrics in text format to this file on exit",
				Destination: &st.metricsFile,
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadOrDefault(st.configPath, nil)
			if err != nil {
				return err
			}
			if st.verbosity != "" {
				cfg.Logger.Verbosity = st.verbosity
			}
			zapLogger, err := logger.NewWithEncoding(cfg.Logger.Verbosity, cfg.Logger.Encoding)
			if err != nil {
				return err
			}
			st.cfg = cfg
			st.log = zapLogger.Named("umactl")
			return nil
		},
		After: func(c *cli.Context) error {
			if st.log != nil {
				_ = st.log.Sync()
			}
			if st.metricsFile == "" {
				return nil
			}
			return prometheus.WriteToTextfile(st.metricsFile, prometheus.DefaultGatherer)
		},
		Commands: []*cli.Command{
			initCommand(),
			infoCommand(st),
			unifiedCommand(st),
			gpuCommand(st),
			npuCommand(st),
			roundTripCommand(st),
			bandwidthCommand(st),
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := &state{}
	if err := newApp(st).RunContext(ctx, os.Args); err != nil {
		if st.log != nil {
			st.log.Error("umactl failed", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		stop()
		os.Exit(1)
	}
}
