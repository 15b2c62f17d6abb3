package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrPIDReused is returned when a recorded PID now belongs to another process.
var ErrPIDReused = errors.New("pid belongs to a different process")

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// On Unix, kill(pid, 0) checks existence without signalling.
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// VerifyProcess checks whether the process at pid still has the OS-reported
// start time recorded when it was launched. This guards against PID reuse.
// expectedStartTime of 0 skips the check (best effort).
func VerifyProcess(pid int, expectedStartTime int64) bool {
	if !Alive(pid) {
		return false
	}
	if expectedStartTime == 0 {
		return true
	}
	actual, err := processStartTime(pid)
	if err != nil {
		return false
	}
	return actual == expectedStartTime
}

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (Unix epoch seconds on Darwin, clock ticks since boot on
// Linux) but is stable for the lifetime of the process and unique when combined
// with the PID.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}

// Terminate stops a process this invocation did not spawn, identified by a
// persisted PID. It sends SIGTERM to the process group, polls for exit, and
// falls back to SIGKILL after timeout. We are not the parent, so wait(2) is
// not available.
func Terminate(ctx context.Context, pid int, expectedStartTime int64, timeout time.Duration) error {
	if !Alive(pid) {
		return nil
	}
	if !VerifyProcess(pid, expectedStartTime) {
		return fmt.Errorf("%w: %d", ErrPIDReused, pid)
	}

	if err := killGroup(pid, unix.SIGTERM); err != nil {
		// Process already gone
		return nil
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !Alive(pid) {
				return nil
			}
		case <-deadline:
			_ = killGroup(pid, unix.SIGKILL)
			return nil
		case <-ctx.Done():
			_ = killGroup(pid, unix.SIGKILL)
			return ctx.Err()
		}
	}
}

func killGroup(pid int, sig unix.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	return unix.Kill(pid, sig)
}
