package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/zpdzap/acpproxy/internal/config"
	"github.com/zpdzap/acpproxy/internal/sandbox"
	"github.com/zpdzap/acpproxy/internal/sandbox/bwrap"
	"github.com/zpdzap/acpproxy/internal/sandbox/container"
	"github.com/zpdzap/acpproxy/internal/sandbox/hostproc"
	"github.com/zpdzap/acpproxy/internal/sandbox/microvm"
)

const firecrackerBootTimeout = 60 * time.Second

// newSandbox builds the backend cfg.Sandbox.Provider names.
func newSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	s := cfg.Sandbox
	switch sandbox.Provider(s.Provider) {
	case sandbox.ProviderContainer:
		b, err := container.New(container.Config{
			Runtime:      s.Runtime,
			Image:        s.Image,
			WorkingDir:   s.WorkingDir,
			Volumes:      s.Volumes,
			Env:          s.Env,
			CPUs:         s.CPUs,
			MemoryMiB:    s.MemoryMiB,
			ExtraRunArgs: s.ExtraRunArgs,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case sandbox.ProviderBwrap:
		b, err := bwrap.New(bwrap.Config{
			WorkspaceHostRoot: s.WorkspaceHostRoot,
			Env:               s.Env,
			Volumes:           s.Volumes,
			BwrapPath:         s.BwrapPath,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case sandbox.ProviderHost:
		b, err := hostproc.New(hostproc.Config{
			WorkspaceHostRoot: s.WorkspaceHostRoot,
			Env:               s.Env,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case sandbox.ProviderMicroVM:
		factory, err := microvm.NewFirecrackerFactory(microvm.FirecrackerConfig{
			Bin:         s.MicroVM.FirecrackerBin,
			StateDir:    s.MicroVM.StateDir,
			BootTimeout: firecrackerBootTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		mcfg := microvm.Config{
			Image:      s.Image,
			KernelPath: s.MicroVM.KernelPath,
			WorkingDir: s.WorkingDir,
			Volumes:    s.Volumes,
			Env:        s.Env,
			CPUs:       int(s.CPUs),
			MemoryMiB:  s.MemoryMiB,
			BoxName:    s.MicroVM.BoxName,
			BoxReuse:   s.MicroVM.BoxReuse,
		}
		if b := s.MicroVM.Bootstrap; b != nil {
			mcfg.Bootstrap = &microvm.Bootstrap{
				CheckCommand:   b.CheckCommand,
				InstallCommand: b.InstallCommand,
				TimeoutSeconds: b.TimeoutSeconds,
			}
		}
		b, err := microvm.New(mcfg, factory, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown sandbox provider %q", s.Provider)
}
