package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/dbreno/netwarden/internal/core"
)

// ReadPIDFile returns the PID recorded in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, core.ErrDaemonNotRunning
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", path)
	}
	return pid, nil
}

// processAlive reports whether pid names a running process. EPERM means it
// exists but belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// RunningPID returns the PID of a live daemon recorded in path, or
// core.ErrDaemonNotRunning.
func RunningPID(path string) (int, error) {
	pid, err := ReadPIDFile(path)
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		return 0, core.ErrDaemonNotRunning
	}
	return pid, nil
}

// SignalDaemon sends sig to the daemon recorded in path. It is the fallback
// when the control socket does not answer.
func SignalDaemon(path string, sig unix.Signal) error {
	pid, err := RunningPID(path)
	if err != nil {
		return err
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

// writePIDFile writes the current process ID, refusing to overwrite the file
// of another live daemon.
func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := RunningPID(path); err == nil && pid != os.Getpid() {
		return fmt.Errorf("daemon already running with pid %d (%s)", pid, path)
	}

	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// removePIDFile removes the PID file if it is ours.
func removePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}
