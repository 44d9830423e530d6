package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runDaemon(cmd *cobra.Command, opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	m := metrics.NewManager(cfg.MetricsConfig())
	eng, err := openEngine(cfg, true, m)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	g, gctx := errgroup.WithContext(ctx)

	if m.Enabled() {
		mc := cfg.MetricsConfig()
		g.Go(func() error {
			if err := m.StartServer(gctx, mc.Addr, mc.Path); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		fmt.Fprintf(out, "✓ Metrics available at http://%s%s\n", mc.Addr, mc.Path)
	}

	engCfg := eng.Config()
	if engCfg.RetentionSchedule != "" {
		if next, err := memory.NextSweep(engCfg.RetentionSchedule, time.Now()); err == nil {
			fmt.Fprintf(out, "✓ Retention sweeps on %q, next at %s (older than %d days)\n",
				engCfg.RetentionSchedule, next.Format(time.RFC3339), engCfg.RetentionDays)
		}
	} else {
		fmt.Fprintln(out, "Scheduled retention disabled")
	}

	if st, err := eng.GetMemoryStats(ctx); err == nil {
		logger.InfoCF("cli", "Daemon started", map[string]interface{}{
			"conversations": st.TotalConversations,
			"knowledge":     st.KnowledgeItems,
			"patterns":      st.Patterns,
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()

	fmt.Fprintln(out, "\nShutting down...")
	if err != nil && err != context.Canceled {
		return err
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
