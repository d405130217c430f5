package wrappers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/osbuild/pungi/internal/shell"
)

// Mounter mounts disk images for inspection and modification, either
// through a loop device or through guestmount when root is unavailable.
type Mounter struct {
	Runner        shell.Runner
	UseGuestmount bool
	Sleep         func(time.Duration)
	// how often to retry an unmount of a busy mount point
	UnmountRetries int
}

func NewMounter(runner shell.Runner, useGuestmount bool) *Mounter {
	return &Mounter{Runner: runner, UseGuestmount: useGuestmount, Sleep: time.Sleep, UnmountRetries: 10}
}

// Mount makes image available in a temporary directory for the duration
// of fn.
func (m *Mounter) Mount(ctx context.Context, image, logFile string, fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp("", "iso-mount-")
	if err != nil {
		return err
	}
	defer os.Remove(dir)

	cmd := shell.Command{Argv: []string{"mount", "-o", "loop", image, dir}, LogFile: logFile, ShowCmd: true}
	if m.UseGuestmount {
		cmd.Argv = []string{"guestmount", "-a", image, "-m", "/dev/sda", dir}
		// the appliance has to run without libvirt inside a build root
		cmd.Env = []shell.EnvironmentVariable{{Key: "LIBGUESTFS_BACKEND", Value: "direct"}}
	}
	if _, err := m.Runner.Run(ctx, cmd); err != nil {
		return fmt.Errorf("cannot mount %s: %w", image, err)
	}
	defer func() {
		if uerr := m.unmount(ctx, dir, logFile); uerr != nil && err == nil {
			err = uerr
		}
	}()
	return fn(dir)
}

func (m *Mounter) unmount(ctx context.Context, dir, logFile string) error {
	argv := []string{"umount", dir}
	if m.UseGuestmount {
		argv = []string{"fusermount", "-u", dir}
	}
	var lastErr error
	for attempt := 0; attempt <= m.UnmountRetries; attempt++ {
		res, err := m.Runner.Run(ctx, shell.Command{Argv: argv, LogFile: logFile, ShowCmd: true})
		if err == nil {
			return nil
		}
		lastErr = err
		if !strings.Contains(res.Output, "busy") {
			break
		}
		// let whoever keeps the mount point open know about it in the log
		_, _ = m.Runner.Run(ctx, shell.Command{Argv: []string{"fuser", "-vm", dir}, LogFile: logFile, ShowCmd: true})
		if m.Sleep != nil {
			m.Sleep(time.Duration(attempt+1) * time.Second)
		}
	}
	return fmt.Errorf("cannot unmount %s: %w", dir, lastErr)
}
