package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrNotRunning is returned by Status and Stop when the PID file is
// absent or names a process that is no longer alive.
var ErrNotRunning = errors.New("daemon: not running")

// Info describes a running daemon, read back from its PID file for the
// --status CLI command (spec §6 CLI surface).
type Info struct {
	PID     int32
	Running bool
}

// Status reads pidPath and reports whether the named process is alive.
func Status(pidPath string) (Info, error) {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return Info{}, err
	}
	alive, err := process.PidExists(pid)
	if err != nil {
		return Info{}, fmt.Errorf("daemon: check pid %d: %w", pid, err)
	}
	if !alive {
		return Info{PID: pid}, ErrNotRunning
	}
	return Info{PID: pid, Running: true}, nil
}

// Stop reads pidPath, sends SIGTERM to the named process, and waits up
// to 5s for it to exit before giving up.
func Stop(pidPath string) error {
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return err
	}
	alive, err := process.PidExists(pid)
	if err != nil {
		return fmt.Errorf("daemon: check pid %d: %w", pid, err)
	}
	if !alive {
		return ErrNotRunning
	}
	if err := syscall.Kill(int(pid), syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if alive, _ := process.PidExists(pid); !alive {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon: pid %d did not exit within 5s", pid)
}

func readPIDFile(path string) (int32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s: %w", path, err)
	}
	return int32(n), nil
}
