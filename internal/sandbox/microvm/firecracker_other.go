//go:build !linux

package microvm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zpdzap/acpproxy/internal/sandbox"
)

// FirecrackerConfig locates the firecracker binary and its scratch space.
type FirecrackerConfig struct {
	Bin         string
	StateDir    string
	GuestPort   uint32
	BootTimeout time.Duration
}

// FirecrackerFactory is unavailable outside linux.
type FirecrackerFactory struct{}

// NewFirecrackerFactory always fails outside linux.
func NewFirecrackerFactory(FirecrackerConfig, *slog.Logger) (*FirecrackerFactory, error) {
	return nil, fmt.Errorf("micro-VM sandbox requires linux with /dev/kvm: %w", sandbox.ErrUnsupported)
}

func (*FirecrackerFactory) Create(context.Context, MachineSpec) (Machine, error) {
	return nil, fmt.Errorf("micro-VM: %w", sandbox.ErrUnsupported)
}
