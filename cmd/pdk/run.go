package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-pdk/internal/monitor"
	"github.com/ajitpratap0/nebula-pdk/internal/pipeline"
	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/observability"
	"github.com/ajitpratap0/nebula-pdk/pkg/offset"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var (
		metricsAddr  string
		stopTimeout  time.Duration
		resetOffsets bool
	)
	cmd := &cobra.Command{
		Use:   "run <flow.yaml>",
		Short: "Run a replication flow",
		Long: `Run a replication flow described in YAML until its sources complete or
the process is interrupted.

Example:
  pdk run orders-sync.yaml --config pdk.yaml --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := opts.cfg
			if metricsAddr != "" {
				cfg.Observability.MetricsAddr = metricsAddr
			}
			return runFlow(cmd.Context(), cfg, args[0], resetOffsets, stopTimeout)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "Time allowed for a graceful stop")
	cmd.Flags().BoolVar(&resetOffsets, "reset-offsets", false, "Forget the stored offsets of the flow before starting")
	return cmd
}

func openStore(ctx context.Context, cfg config.OffsetsConfig) (offset.Store, error) {
	if cfg.Driver == "sqlite" {
		return offset.OpenSQLite(ctx, cfg.Path)
	}
	return offset.NewMemoryStore(), nil
}

func runFlow(parent context.Context, cfg *config.RuntimeConfig, path string, resetOffsets bool, stopTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observability.DefaultConfig()
	obs.ServiceName = cfg.Observability.ServiceName
	obs.ServiceVersion = version
	obs.EnableTracing = cfg.Observability.EnableTracing
	if err := observability.Initialize(obs); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(shutdownCtx)
	}()

	h, err := newHost(ctx, cfg)
	if err != nil {
		return err
	}
	log := h.logger
	if cfg.Observability.MetricsAddr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, cfg.Observability.MetricsAddr, log); err != nil {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}
	if cfg.Plugins.LoadAtRuntime {
		if err := h.loader.Start(ctx); err != nil {
			return err
		}
		defer h.loader.Stop()
	}

	store, err := openStore(ctx, cfg.Offsets)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "open offset store")
	}
	defer store.Close()

	g, err := pipeline.LoadFlow(path)
	if err != nil {
		return err
	}
	if resetOffsets {
		if err := store.Clear(ctx, g.ID, ""); err != nil {
			return err
		}
		log.Info("offsets reset", zap.String("flow_id", g.ID))
	}

	mon := monitor.New(log)
	rt := pipeline.NewRuntime(h.registry, store, mon, cfg.Flow, log)
	engine, err := rt.NewEngine(g)
	if err != nil {
		return err
	}
	engine.AddListener(pipeline.ListenerFuncs{
		Flow: func(flowID string, from, to pipeline.FlowState) {
			log.Info("flow state changed", zap.String("flow_id", flowID), zap.String("from", string(from)), zap.String("to", string(to)))
		},
		Source: func(flowID, nodeID string, state pipeline.SourceState) {
			log.Info("source state changed", zap.String("flow_id", flowID), zap.String("node_id", nodeID), zap.String("state", string(state)))
		},
	})

	if err := engine.Start(ctx); err != nil {
		return err
	}
	select {
	case <-engine.Done():
	case <-ctx.Done():
		log.Info("stopping flow", zap.String("flow_id", g.ID))
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := engine.Stop(stopCtx); err != nil {
			return errors.Wrap(err, errors.ErrorTypeTimeout, "flow did not stop in time")
		}
	}
	return engine.Wait()
}
