package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/syphonlabs/syphon/internal/config"
	"github.com/syphonlabs/syphon/internal/job"
	"github.com/syphonlabs/syphon/internal/logging"
	"github.com/syphonlabs/syphon/internal/monitoring"
	"github.com/syphonlabs/syphon/internal/runner"
	"github.com/syphonlabs/syphon/internal/server"
	"github.com/syphonlabs/syphon/internal/storage"
)

var version = "0.3.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "syphon",
		Short: "Syphon — block pipeline runner for extractor/loader plugins",
		Long: `Syphon executes extract/load pipelines described by a manifest.

Plugins are ordinary executables chained stdout-to-stdin. Syphon owns the
plumbing around them: the run lock, incremental state, run records and
captured logs.`,
		SilenceUsage: true,
	}
	root.AddCommand(runPipelineCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	return root
}

func runPipelineCmd() *cobra.Command {
	var trigger string

	cmd := &cobra.Command{
		Use:   "run <manifest.yml>",
		Short: "Execute a pipeline from a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			m, err := loadManifest(args[0])
			if err != nil {
				return err
			}
			ident, err := m.identity()
			if err != nil {
				return err
			}

			backend, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
			r := runner.New(backend, cfg, logger, metrics)
			result, err := r.Run(ctx, runner.Pipeline{
				Identity: ident,
				Blocks:   m.blocks(),
				Trigger:  trigger,
			})
			if err != nil {
				return err
			}
			logger.Info("run complete",
				zap.String("run_id", string(result.Record.RunID)),
				zap.String("identity", string(ident)),
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&trigger, "trigger", "cli", "what initiated this run (cli, schedule, api)")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve run records, logs and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap()
			if err != nil {
				return err
			}
			defer logger.Sync()

			backend, err := storage.New(cfg.Storage)
			if err != nil {
				return err
			}

			records := job.NewStore(backend)
			logs := job.NewLogService(cfg.Jobs.LogDir, logger)
			// Serve the default gatherer: runners embedded in this process
			// register there, and the process collectors come for free.
			srv := server.New(cfg, records, logs, nil, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the syphon version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "syphon %s\n", version)
		},
	}
}

func bootstrap() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Development {
		logCfg = logging.DevelopmentConfig()
	}
	logCfg.Level = cfg.Logging.Level
	// Plugin bytes own stdout; engine logs go to stderr.
	logCfg.OutputPaths = []string{"stderr"}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}
