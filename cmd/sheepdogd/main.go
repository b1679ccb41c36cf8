// Command sheepdogd is the cluster membership and coordination core's
// entrypoint: flags and a YAML config file are merged into a
// config.Configuration, which wires a core.Core and runs it. Business
// logic beyond that wiring -- the object store, the VDI layer, the
// client RPC codec -- is out of this module's scope (spec.md §1) and is
// left for a future binary to inject via core.Collaborators.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ikedaj/sheepdog/core"
	"github.com/ikedaj/sheepdog/internal/config"
	"github.com/ikedaj/sheepdog/internal/logging"
	"github.com/ikedaj/sheepdog/internal/membership"
	"github.com/ikedaj/sheepdog/internal/metrics"
	"github.com/ikedaj/sheepdog/internal/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:           "sheepdogd",
		Short:         "Cluster membership and coordination daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().String("node-name", "", "this node's name (overrides config)")
	root.PersistentFlags().String("bind-addr", "", "transport bind address")
	root.PersistentFlags().Int("bind-port", 0, "transport bind port")
	root.PersistentFlags().String("log-level", "", "log level (trace|debug|info|warn|error)")
	v.BindPFlag("node.name", root.PersistentFlags().Lookup("node-name"))
	v.BindPFlag("node.bind_addr", root.PersistentFlags().Lookup("bind-addr"))
	v.BindPFlag("node.bind_port", root.PersistentFlags().Lookup("bind-port"))
	v.BindPFlag("logging.level", root.PersistentFlags().Lookup("log-level"))
	v.SetEnvPrefix("sheepdog")
	v.AutomaticEnv()

	loadCfg := func() (*config.Configuration, error) {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
		applyViperOverrides(v, cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("sheepdogd: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(newRunCmd(loadCfg))
	root.AddCommand(newFormatCmd(loadCfg))
	return root
}

// applyViperOverrides layers flag/env values bound under v on top of cfg,
// the same flag > env > file precedence viper gives by construction.
func applyViperOverrides(v *viper.Viper, cfg *config.Configuration) {
	if name := v.GetString("node.name"); name != "" {
		cfg.Node.Name = name
	}
	if addr := v.GetString("node.bind_addr"); addr != "" {
		cfg.Node.BindAddr = addr
	}
	if port := v.GetInt("node.bind_port"); port != 0 {
		cfg.Node.BindPort = port
	}
	if level := v.GetString("logging.level"); level != "" {
		cfg.Logging.Level = level
	}
}

func buildLogger(cfg *config.Configuration) (hclog.Logger, *os.File, error) {
	if cfg.Logging.File == "" {
		return logging.New(cfg.Logging.Level, os.Stderr), nil, nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("sheepdogd: open log file %s: %w", cfg.Logging.File, err)
	}
	return logging.New(cfg.Logging.Level, f), f, nil
}

func newRunCmd(loadCfg func() (*config.Configuration, error)) *cobra.Command {
	var join string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the cluster and serve the membership/coordination core",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			logger, logFile, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}

			var reg prometheus.Registerer
			if cfg.Metrics.Enabled {
				r := prometheus.NewRegistry()
				reg = r
				go serveMetrics(cmd.Context(), logger, cfg.Metrics.Addr, r)
			}

			c, err := core.New(cfg, logger, reg, nil, core.Collaborators{})
			if err != nil {
				return fmt.Errorf("sheepdogd: %w", err)
			}

			existing := splitJoin(join)
			if err := c.Join(existing); err != nil {
				return fmt.Errorf("sheepdogd: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runErr := c.Run(ctx)

			leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer leaveCancel()
			if err := c.Leave(leaveCtx); err != nil {
				logger.Warn("graceful leave failed", "error", err)
			}
			if err := c.Shutdown(); err != nil {
				logger.Warn("driver shutdown failed", "error", err)
			}

			if runErr != nil {
				logger.Error("exiting on fatal condition", "error", runErr)
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&join, "join", "", "comma-separated addresses of existing cluster members (empty bootstraps a new cluster)")
	return cmd
}

func newFormatCmd(loadCfg func() (*config.Configuration, error)) *cobra.Command {
	var join string
	var copies uint32
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Format a freshly bootstrapped cluster (VDI make-fs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadCfg()
			if err != nil {
				return err
			}
			logger, logFile, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			if logFile != nil {
				defer logFile.Close()
			}

			c, err := core.New(cfg, logger, nil, nil, core.Collaborators{})
			if err != nil {
				return fmt.Errorf("sheepdogd: %w", err)
			}

			existing := splitJoin(join)
			if err := c.Join(existing); err != nil {
				return fmt.Errorf("sheepdogd: %w", err)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			runDone := make(chan error, 1)
			go func() { runDone <- c.Run(ctx) }()

			if err := waitForStatus(ctx, c, membership.WaitForFormat); err != nil {
				cancel()
				<-runDone
				return fmt.Errorf("sheepdogd: format: %w", err)
			}

			body := protocol.MakeFSBody{Copies: copies, Ctime: uint64(time.Now().Unix())}.Marshal()
			res, err := c.Engine().SubmitVDIOp(ctx, protocol.VDIMakeFS, body)
			cancel()
			<-runDone
			if shutdownErr := c.Shutdown(); shutdownErr != nil {
				logger.Warn("driver shutdown failed", "error", shutdownErr)
			}
			if err != nil {
				return fmt.Errorf("sheepdogd: format: %w", err)
			}
			fmt.Printf("cluster formatted: status=%s copies=%d\n", res.Status, copies)
			return nil
		},
	}
	cmd.Flags().StringVar(&join, "join", "", "comma-separated addresses of existing cluster members (empty formats a new cluster of one)")
	cmd.Flags().Uint32Var(&copies, "copies", 3, "replication factor to format with")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the bootstrap node to reach WaitForFormat")
	return cmd
}

func waitForStatus(ctx context.Context, c *core.Core, want membership.Status) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.State().Status() == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for status %s", want)
		case <-ticker.C:
		}
	}
}

func splitJoin(join string) []string {
	join = strings.TrimSpace(join)
	if join == "" {
		return nil
	}
	parts := strings.Split(join, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func serveMetrics(ctx context.Context, logger hclog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(reg))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server failed", "error", err)
	}
}
