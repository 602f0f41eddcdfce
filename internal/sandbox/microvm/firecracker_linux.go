//go:build linux

package microvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/google/uuid"

	"github.com/zpdzap/acpproxy/internal/process"
)

const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// FirecrackerConfig locates the firecracker binary and its scratch space.
type FirecrackerConfig struct {
	// Bin defaults to "firecracker" on PATH.
	Bin string
	// StateDir holds per-VM sockets and logs. Defaults to a temp dir.
	StateDir string
	// GuestPort is the vsock port of the guest agent.
	GuestPort uint32
	// BootTimeout bounds waiting for the guest agent after boot.
	BootTimeout time.Duration
}

// FirecrackerFactory boots machines with firecracker-go-sdk.
type FirecrackerFactory struct {
	cfg    FirecrackerConfig
	logger *slog.Logger
}

var _ MachineFactory = (*FirecrackerFactory)(nil)

// NewFirecrackerFactory checks /dev/kvm and the firecracker binary.
func NewFirecrackerFactory(cfg FirecrackerConfig, logger *slog.Logger) (*FirecrackerFactory, error) {
	kvm, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("micro-VM requires a usable /dev/kvm: %w", err)
	}
	kvm.Close()
	if cfg.Bin == "" {
		cfg.Bin = "firecracker"
	}
	bin, err := exec.LookPath(cfg.Bin)
	if err != nil {
		return nil, fmt.Errorf("firecracker binary not found: %w", err)
	}
	cfg.Bin = bin
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Join(os.TempDir(), "acp-proxy-microvm")
	}
	if cfg.GuestPort == 0 {
		cfg.GuestPort = GuestAgentPort
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FirecrackerFactory{cfg: cfg, logger: logger}, nil
}

// Create boots a VM for spec and waits until its guest agent answers.
func (f *FirecrackerFactory) Create(ctx context.Context, spec MachineSpec) (Machine, error) {
	if spec.KernelPath == "" {
		return nil, errors.New("kernel path is required")
	}
	vmID := spec.Name + "-" + uuid.NewString()[:8]
	workDir := filepath.Join(f.cfg.StateDir, vmID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create VM state dir: %w", err)
	}

	drives, mountArg, err := volumeDrives(spec)
	if err != nil {
		os.RemoveAll(workDir)
		return nil, err
	}
	bootArgs := defaultBootArgs
	if mountArg != "" {
		bootArgs += " acp.mounts=" + mountArg
	}
	bootArgs += " acp.workdir=" + spec.WorkingDir

	vcpus, mem := int64(spec.CPUs), int64(spec.MemoryMiB)
	if vcpus <= 0 {
		vcpus = 1
	}
	if mem <= 0 {
		mem = 1024
	}
	socketPath := filepath.Join(workDir, "api.sock")
	vsockPath := filepath.Join(workDir, "vsock.sock")
	fcCfg := firecracker.Config{
		VMID:            vmID,
		SocketPath:      socketPath,
		LogPath:         filepath.Join(workDir, "vm.log"),
		LogLevel:        "Warning",
		KernelImagePath: spec.KernelPath,
		KernelArgs:      bootArgs,
		Drives:          drives,
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(vcpus),
			MemSizeMib: firecracker.Int64(mem),
			Smt:        firecracker.Bool(false),
		},
		VsockDevices: []firecracker.VsockDevice{{ID: "agent", Path: vsockPath, CID: 3}},
	}

	cmd := firecracker.VMCommandBuilder{}.
		WithBin(f.cfg.Bin).
		WithSocketPath(socketPath).
		Build(context.Background())
	m, err := firecracker.NewMachine(context.Background(), fcCfg, firecracker.WithProcessRunner(cmd))
	if err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	if err := m.Start(context.Background()); err != nil {
		os.RemoveAll(workDir)
		return nil, fmt.Errorf("failed to start machine: %w", err)
	}

	fm := &firecrackerMachine{
		id:        vmID,
		machine:   m,
		workDir:   workDir,
		vsockPath: vsockPath,
		port:      f.cfg.GuestPort,
		env:       spec.Env,
		logger:    f.logger.With("vm", vmID),
	}
	if err := fm.waitReady(ctx, f.cfg.BootTimeout); err != nil {
		_ = fm.Shutdown(context.Background())
		return nil, err
	}
	f.logger.Info("micro-VM ready", "vm", vmID)
	return fm, nil
}

// volumeDrives attaches image-file volumes as extra drives and returns the
// guest mount table for the kernel command line. Firecracker cannot share
// host directories.
func volumeDrives(spec MachineSpec) ([]models.Drive, string, error) {
	drives := []models.Drive{{
		DriveID:      firecracker.String("rootfs"),
		PathOnHost:   firecracker.String(spec.Image),
		IsRootDevice: firecracker.Bool(true),
		IsReadOnly:   firecracker.Bool(false),
	}}
	var mounts []string
	for i, v := range spec.Volumes {
		st, err := os.Stat(v.HostPath)
		if err != nil {
			return nil, "", fmt.Errorf("volume %s: %w", v.HostPath, err)
		}
		if st.IsDir() {
			return nil, "", fmt.Errorf("volume %s is a directory; micro-VM volumes must be filesystem images", v.HostPath)
		}
		id := fmt.Sprintf("vol%d", i)
		drives = append(drives, models.Drive{
			DriveID:      firecracker.String(id),
			PathOnHost:   firecracker.String(v.HostPath),
			IsRootDevice: firecracker.Bool(false),
			IsReadOnly:   firecracker.Bool(v.ReadOnly),
		})
		// Drives after the root device appear as vdb, vdc, ...
		entry := fmt.Sprintf("vd%c:%s", 'b'+i, v.GuestPath)
		if v.ReadOnly {
			entry += ":ro"
		}
		mounts = append(mounts, entry)
	}
	return drives, strings.Join(mounts, ","), nil
}

type firecrackerMachine struct {
	id        string
	machine   *firecracker.Machine
	workDir   string
	vsockPath string
	port      uint32
	env       map[string]string
	logger    *slog.Logger

	stopOnce sync.Once
	stopErr  error
}

func (m *firecrackerMachine) waitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var lastErr error
	for {
		conn, err := DialVsock(ctx, m.vsockPath, m.port)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest agent not ready: %w", lastErr)
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (m *firecrackerMachine) Exec(ctx context.Context, req ExecRequest) (process.Handle, error) {
	conn, err := DialVsock(ctx, m.vsockPath, m.port)
	if err != nil {
		return nil, err
	}
	req.Env = merge(m.env, req.Env)
	return startGuestProcess(conn, req, m.logger)
}

func (m *firecrackerMachine) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		if err := m.machine.Shutdown(ctx); err != nil {
			m.logger.Debug("guest shutdown failed", "err", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.machine.Wait(waitCtx); err != nil {
			if err := m.machine.StopVMM(); err != nil {
				m.stopErr = fmt.Errorf("failed to stop VMM: %w", err)
			}
		}
		if err := os.RemoveAll(m.workDir); err != nil && m.stopErr == nil {
			m.stopErr = err
		}
	})
	return m.stopErr
}
