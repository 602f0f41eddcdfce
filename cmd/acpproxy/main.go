// Command acpproxy runs the sandbox-side ACP proxy: it keeps a websocket
// link to the orchestrator, places each run in a sandbox instance and
// bridges its agent's JSON-RPC traffic.
//
//	acpproxy init               write a starter config for this host
//	acpproxy run                connect and serve
//	acpproxy dashboard          browse managed instances
//	acpproxy gc [--apply]       collect orphaned instances and workspaces
//	acpproxy inventory          print managed instances as JSON
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zpdzap/acpproxy/internal/config"
)

// Populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

type globalFlags struct {
	configPath string
	profile    string
	logFormat  string
	logLevel   string
}

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var gf globalFlags
	root := &cobra.Command{
		Use:          "acpproxy",
		Short:        "acp-proxy: run ACP agents in sandboxes on behalf of an orchestrator",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&gf.configPath, "config", "", "config file (default ./"+config.Dir+"/"+config.ConfigFile+")")
	root.PersistentFlags().StringVar(&gf.profile, "profile", "", "config profile to overlay")
	root.PersistentFlags().StringVar(&gf.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&gf.logLevel, "log-level", "info", "log level: debug, info, warn or error")

	root.AddCommand(
		initCmd(&gf),
		runCmd(&gf),
		dashboardCmd(&gf),
		gcCmd(&gf),
		inventoryCmd(&gf),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "acpproxy %s (commit %s)\n", version, commit)
		},
	}
}

// newLogger builds the process logger on w.
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (want text or json)", format)
	}
}

// loadConfig reads the config named by the flags and validates it.
func loadConfig(gf *globalFlags, forRun bool) (*config.Config, error) {
	path := gf.configPath
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		path = config.Path(wd)
	}
	if !config.Exists(path) {
		return nil, fmt.Errorf("no config at %s (run `acpproxy init` first)", path)
	}
	cfg, err := config.LoadFile(path, gf.profile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(forRun); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.Cwd != "" {
		if err := os.Chdir(cfg.Cwd); err != nil {
			return nil, fmt.Errorf("cwd: %w", err)
		}
	}
	return cfg, nil
}
