package driver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestExecForegroundPipes(t *testing.T) {
	s := NewExecSpawner()
	h, err := s.Spawn(context.Background(), SpawnRequest{Binary: "cat", Mode: Foreground})
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if h.PID() <= 0 {
		t.Errorf("expected positive PID, got %d", h.PID())
	}

	if _, err := io.WriteString(h.Stdin(), "hello world\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	line, err := bufio.NewReader(h.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if strings.TrimSpace(line) != "hello world" {
		t.Errorf("expected 'hello world', got %q", line)
	}

	h.Stdin().Close()
	code, err := h.Wait()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
}

func TestExecBackgroundHasNoPipes(t *testing.T) {
	s := NewExecSpawner()
	h, err := s.Spawn(context.Background(), SpawnRequest{Binary: "sleep", Args: []string{"60"}, Mode: Background})
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer h.Signal(syscall.SIGKILL)

	if h.Stdin() != nil || h.Stdout() != nil || h.Stderr() != nil {
		t.Error("expected nil stdio for background process")
	}
	if !Alive(h.PID()) {
		t.Error("expected background process to be alive")
	}
}

func TestExecSignalMarksKilled(t *testing.T) {
	s := NewExecSpawner()
	h, err := s.Spawn(context.Background(), SpawnRequest{Binary: "sleep", Args: []string{"60"}, Mode: Foreground})
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if h.Killed() {
		t.Fatal("expected not killed before signal")
	}
	if err := h.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !h.Killed() {
		t.Error("expected killed after signal")
	}

	done := make(chan struct{})
	go func() {
		h.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit after SIGTERM")
	}
}

func TestExecFailedProcess(t *testing.T) {
	s := NewExecSpawner()
	h, err := s.Spawn(context.Background(), SpawnRequest{Binary: "false", Mode: Background})
	if err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	code, _ := h.Wait()
	if code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}

	// Wait is safe to call again
	code, _ = h.Wait()
	if code != 1 {
		t.Errorf("expected exit code 1 on second Wait, got %d", code)
	}
}

func TestExecBinaryNotFound(t *testing.T) {
	s := NewExecSpawner()
	_, err := s.Spawn(context.Background(), SpawnRequest{Binary: "aosup-definitely-missing-binary"})
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("expected exec.ErrNotFound, got %v", err)
	}
}

func TestExecRun(t *testing.T) {
	s := NewExecSpawner()
	out, err := s.Run(context.Background(), "echo", "1.2.3")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(out) != "1.2.3" {
		t.Errorf("expected 1.2.3, got %q", out)
	}

	if _, err := s.Run(context.Background(), "false"); err == nil {
		t.Error("expected error from failing command")
	}
}

func TestExecSpawnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := NewExecSpawner().Spawn(ctx, SpawnRequest{Binary: "true"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}
