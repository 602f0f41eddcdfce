package config

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

type Detection struct {
	OS string
	// Runtimes lists container CLIs found on PATH in preference order.
	Runtimes    []string
	Bwrap       bool
	Firecracker bool
	// Provider and Runtime are the suggested sandbox settings.
	Provider sandbox.Provider
	Runtime  string
}

// Host is what Detect probes. Tests substitute it.
type Host struct {
	GOOS     string
	LookPath func(string) (string, error)
	Stat     func(string) (os.FileInfo, error)
}

// LocalHost probes the machine the proxy runs on.
func LocalHost() Host {
	return Host{GOOS: runtime.GOOS, LookPath: exec.LookPath, Stat: os.Stat}
}

// Detect inspects the host and suggests a sandbox provider: a container
// runtime when one is installed, then bubblewrap on linux, then a micro-VM
// when firecracker and /dev/kvm are usable, else plain host processes.
func Detect(h Host) Detection {
	det := Detection{OS: h.GOOS}
	for _, rt := range []string{"docker", "podman", "nerdctl"} {
		if _, err := h.LookPath(rt); err == nil {
			det.Runtimes = append(det.Runtimes, rt)
		}
	}
	if h.GOOS == "linux" {
		if _, err := h.LookPath("bwrap"); err == nil {
			det.Bwrap = true
		}
		if _, err := h.LookPath("firecracker"); err == nil {
			if _, err := h.Stat("/dev/kvm"); err == nil {
				det.Firecracker = true
			}
		}
	}

	switch {
	case len(det.Runtimes) > 0:
		det.Provider = sandbox.ProviderContainer
		det.Runtime = det.Runtimes[0]
	case det.Bwrap:
		det.Provider = sandbox.ProviderBwrap
	case det.Firecracker:
		det.Provider = sandbox.ProviderMicroVM
	default:
		det.Provider = sandbox.ProviderHost
	}
	return det
}

// Starter returns a config for det that passes Validate once
// orchestrator_url is filled in.
func Starter(det Detection, workspaceRoot string) *Config {
	cfg := &Config{
		OrchestratorURL: "ws://localhost:3000/ws/agent",
		Sandbox: Sandbox{
			Provider:          string(det.Provider),
			Runtime:           det.Runtime,
			WorkspaceHostRoot: workspaceRoot,
		},
	}
	switch det.Provider {
	case sandbox.ProviderContainer:
		cfg.Sandbox.Image = "ghcr.io/tuixiu/codex-acp:latest"
		cfg.Sandbox.WorkingDir = sandbox.WorkspaceGuestPath
	case sandbox.ProviderMicroVM:
		cfg.Sandbox.Image = "rootfs.ext4"
		cfg.Sandbox.MicroVM.KernelPath = "vmlinux"
	}
	cfg.ApplyDefaults()
	return cfg
}
