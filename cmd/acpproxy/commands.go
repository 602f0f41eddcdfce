package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zpdzap/acpproxy/internal/config"
	"github.com/zpdzap/acpproxy/internal/metrics"
	"github.com/zpdzap/acpproxy/internal/protocol"
	"github.com/zpdzap/acpproxy/internal/proxy"
	"github.com/zpdzap/acpproxy/internal/runs"
	"github.com/zpdzap/acpproxy/internal/tui"
)

const (
	shutdownTimeout = 30 * time.Second
	localOpTimeout  = 5 * time.Minute
)

func initCmd(gf *globalFlags) *cobra.Command {
	var (
		orchestratorURL string
		force           bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config for this host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			path := gf.configPath
			if path == "" {
				path = config.Path(wd)
			}
			if config.Exists(path) && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Config already exists at %s (use --force to overwrite).\n", path)
				return nil
			}

			det := config.Detect(config.LocalHost())
			cfg := config.Starter(det, filepath.Join(filepath.Dir(path), "workspaces"))
			if orchestratorURL != "" {
				cfg.OrchestratorURL = orchestratorURL
			}
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %s\n", path)
			fmt.Fprintf(out, "  sandbox provider: %s", det.Provider)
			if det.Runtime != "" {
				fmt.Fprintf(out, " (%s)", det.Runtime)
			}
			fmt.Fprintln(out)
			fmt.Fprintf(out, "  orchestrator:     %s\n", cfg.OrchestratorURL)
			fmt.Fprintln(out, "\nEdit the config, then run `acpproxy run`.")
			return nil
		},
	}
	cmd.Flags().StringVar(&orchestratorURL, "orchestrator-url", "", "orchestrator websocket URL")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd(gf *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the orchestrator and serve runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), gf.logFormat, gf.logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(gf, true)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, metricsAddr, logger)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus /metrics on this address (e.g. :9464)")
	return cmd
}

// serve runs the proxy until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, metricsAddr string, logger *slog.Logger) error {
	agentID := cfg.Agent.ID
	if agentID == "" {
		id, err := proxy.LoadOrCreateAgentID(cfg.IdentityPath)
		if err != nil {
			return fmt.Errorf("agent identity: %w", err)
		}
		agentID = id
	}

	sb, err := newSandbox(cfg, logger)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	client := &proxy.Client{
		URL:               cfg.OrchestratorURL,
		AuthToken:         cfg.AuthToken,
		HeartbeatInterval: time.Duration(cfg.HeartbeatSeconds) * time.Second,
		Logger:            logger,
	}
	mgr := runs.NewManager(runs.Options{
		Config: runs.Config{
			AgentCommand:      cfg.AgentCommand,
			AgentEnvAllowlist: cfg.AgentEnvAllowlist,
			TerminalEnabled:   cfg.Sandbox.TerminalEnabled,
			WorkspaceMode:     cfg.Sandbox.WorkspaceMode,
			WorkspaceHostRoot: cfg.Sandbox.WorkspaceHostRoot,
			WorkspaceCheckout: cfg.Sandbox.WorkspaceCheckout,
			AuthToken:         cfg.AuthToken,
			OrchestratorURL:   cfg.OrchestratorURL,
			SandboxEnv:        cfg.Sandbox.Env,
			AuthTimeout:       time.Duration(cfg.AuthTimeoutMs) * time.Millisecond,
			Version:           version,
		},
		Sandbox: sb,
		Sender:  client,
		Metrics: m,
		Logger:  logger,
	})
	if err := mgr.Start(); err != nil {
		return err
	}
	p := proxy.New(proxy.Options{
		Runs: mgr,
		Registration: proxy.Registration{
			AgentID:         agentID,
			Name:            cfg.Agent.Name,
			MaxConcurrent:   cfg.Agent.MaxConcurrent,
			TerminalEnabled: cfg.Sandbox.TerminalEnabled,
			Image:           cfg.Sandbox.Image,
			WorkingDir:      cfg.Sandbox.WorkingDir,
			WorkspaceMode:   cfg.Sandbox.WorkspaceMode,
		},
		Metrics: m,
		Logger:  logger,
	})

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", metricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	logger.Info("acp-proxy starting",
		"agent_id", agentID,
		"orchestrator", cfg.OrchestratorURL,
		"provider", sb.Provider(),
		"workspace_mode", cfg.Sandbox.WorkspaceMode,
	)
	err = client.Run(ctx, p)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	p.Wait()
	logger.Info("acp-proxy stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func dashboardCmd(gf *globalFlags) *cobra.Command {
	var logFile string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Browse and manage the instances of the configured sandbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(gf, false)
			if err != nil {
				return err
			}
			// The dashboard owns the terminal, so logs go to a file.
			var w io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			logger, err := newLogger(w, gf.logFormat, gf.logLevel)
			if err != nil {
				return err
			}
			sb, err := newSandbox(cfg, logger)
			if err != nil {
				return fmt.Errorf("sandbox: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return tui.Run(ctx, sb, tui.Options{
				Title:             "acp-proxy " + version,
				WorkspaceMode:     cfg.Sandbox.WorkspaceMode,
				WorkspaceHostRoot: cfg.Sandbox.WorkspaceHostRoot,
				Logger:            logger,
			})
		},
	}
	cmd.Flags().StringVar(&logFile, "log-file", "", "append dashboard logs to this file")
	return cmd
}

func gcCmd(gf *globalFlags) *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Collect stopped managed instances and workspaces of gone runs",
		Long: `gc keeps every running managed instance and the workspace of its run.
Other managed instances and run-* workspaces are listed, and deleted with --apply.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), gf.logFormat, gf.logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(gf, false)
			if err != nil {
				return err
			}
			sb, err := newSandbox(cfg, logger)
			if err != nil {
				return fmt.Errorf("sandbox: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), localOpTimeout)
			defer cancel()

			in, err := proxy.KeepRunning(ctx, sb, cfg.Sandbox.WorkspaceMode, cfg.Sandbox.WorkspaceHostRoot)
			if err != nil {
				return err
			}
			plan, err := proxy.PlanGC(ctx, sb, in)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(plan.Instances) == 0 && len(plan.Workspaces) == 0 {
				fmt.Fprintln(out, "Nothing to collect.")
				return nil
			}
			for _, ref := range plan.Instances {
				fmt.Fprintf(out, "instance   %s\n", ref.InstanceName)
			}
			for _, ws := range plan.Workspaces {
				fmt.Fprintf(out, "workspace  %s\n", ws.HostPath)
			}
			if !apply {
				fmt.Fprintln(out, "\nDry run; pass --apply to delete.")
				return nil
			}
			deleted, err := proxy.ApplyGC(ctx, sb, cfg.Sandbox.WorkspaceHostRoot, plan, logger)
			fmt.Fprintf(out, "\nRemoved %d instance(s) and %d workspace(s).\n", len(deleted), len(plan.Workspaces))
			return err
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "delete what the plan lists")
	return cmd
}

// inventoryReport is what the inventory command prints.
type inventoryReport struct {
	Sandbox    protocol.SandboxInventory   `json:"sandbox"`
	Workspaces protocol.WorkspaceInventory `json:"workspaces"`
}

func inventoryCmd(gf *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Print managed instances and run workspaces as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), gf.logFormat, gf.logLevel)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(gf, false)
			if err != nil {
				return err
			}
			sb, err := newSandbox(cfg, logger)
			if err != nil {
				return fmt.Errorf("sandbox: %w", err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), localOpTimeout)
			defer cancel()

			var report inventoryReport
			if report.Sandbox, err = proxy.SandboxInventory(ctx, sb, nil); err != nil {
				return err
			}
			if report.Workspaces, err = proxy.WorkspaceInventory(ctx, sb, cfg.Sandbox.WorkspaceMode, cfg.Sandbox.WorkspaceHostRoot); err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
}
