package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/aosup/internal/driver"
	"github.com/benaskins/aosup/internal/store"
	"github.com/benaskins/aosup/internal/supervisor"
)

func setupTestServer(t *testing.T, mode driver.Mode) (*supervisor.Supervisor, *driver.FakeSpawner, *Client) {
	t.Helper()

	spawner := driver.NewFakeSpawner(4242)
	sup := supervisor.New(spawner, store.NewMemoryStore(),
		supervisor.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		supervisor.WithStopTimeout(time.Second),
	)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if _, err := sup.StartProcess(ctx, t.TempDir(), nil, supervisor.StartOptions{Name: "demo", Mode: mode}); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { sup.StopProcess(context.Background()) })

	srv := NewServer(sup, ctx)

	// Use a random Unix socket
	sockPath := SocketPath(t.TempDir(), "demo")
	go srv.ListenUnix(sockPath)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	// Wait for socket to be ready
	for i := 0; i < 50; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return sup, spawner, NewClient(sockPath)
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("/home/me/.aosup", "demo")
	if got != filepath.Join("/home/me/.aosup", "run", "demo.sock") {
		t.Errorf("unexpected socket path %q", got)
	}
}

func TestClientAvailable(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Foreground)
	if !client.Available() {
		t.Error("expected server to be available")
	}

	missing := NewClient(filepath.Join(t.TempDir(), "none.sock"))
	if missing.Available() {
		t.Error("expected missing socket to be unavailable")
	}
}

func TestStateEndpoint(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Foreground)

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Name != "demo" {
		t.Errorf("expected name demo, got %q", state.Name)
	}
	if state.Status != supervisor.StatusRunning {
		t.Errorf("expected running, got %q", state.Status)
	}
	if state.PID != 4242 {
		t.Errorf("expected pid 4242, got %d", state.PID)
	}
}

func TestEvalEndpointAwaitsReply(t *testing.T) {
	_, spawner, client := setupTestServer(t, driver.Foreground)
	h := spawner.Last()

	go func() {
		line := <-h.StdinLines()
		m := regexp.MustCompile(`\["X-Reference"\] = "([^"]+)"`).FindStringSubmatch(line)
		if m == nil {
			t.Errorf("no reference in %q", line)
			return
		}
		h.WriteStdout(`{"Id":"r1","Action":"Tock","X-Reference":"` + m[1] + `"}` + "\n")
	}()

	msg, err := client.Eval(context.Background(), EvalRequest{Action: "Tick", Await: true, TimeoutMS: 1000})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if msg.ID != "r1" || msg.Action != "Tock" {
		t.Errorf("unexpected reply %+v", msg)
	}
}

func TestEvalEndpointFireAndForget(t *testing.T) {
	_, spawner, client := setupTestServer(t, driver.Foreground)

	msg, err := client.Eval(context.Background(), EvalRequest{Action: "Ping", Data: "hi"})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if msg != nil {
		t.Errorf("expected no reply, got %+v", msg)
	}

	line := <-spawner.Last().StdinLines()
	if !strings.Contains(line, `Action = "Ping"`) || !strings.Contains(line, `Data = "hi"`) {
		t.Errorf("unexpected stdin line %q", line)
	}
}

func TestEvalEndpointTimeout(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Foreground)

	_, err := client.Eval(context.Background(), EvalRequest{Action: "Tick", Await: true, TimeoutMS: 20})
	if err == nil || !strings.Contains(err.Error(), "504") {
		t.Errorf("expected 504 error, got %v", err)
	}
}

func TestEvalEndpointBackground(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Background)

	_, err := client.Eval(context.Background(), EvalRequest{Action: "Tick"})
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("expected 409 error, got %v", err)
	}
}

func TestEvalEndpointRejectsBadBody(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Foreground)

	err := client.do(context.Background(), "POST", "/v1/eval", "not an object", nil)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected 400 error, got %v", err)
	}
}

func TestLoadEndpointRejectsLineBreaks(t *testing.T) {
	_, _, client := setupTestServer(t, driver.Foreground)

	err := client.Load(context.Background(), "main.lua\nos.exit()")
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Errorf("expected 400 error, got %v", err)
	}
}

func TestLoadEndpoint(t *testing.T) {
	_, spawner, client := setupTestServer(t, driver.Foreground)

	if err := client.Load(context.Background(), "main.lua"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if line := <-spawner.Last().StdinLines(); line != ".load main.lua" {
		t.Errorf("unexpected stdin line %q", line)
	}
}

func TestLogsEndpoint(t *testing.T) {
	sup, spawner, client := setupTestServer(t, driver.Foreground)
	h := spawner.Last()

	h.WriteStdout("first\n")
	h.WriteStdout("second\n")
	h.Exit(0)
	<-sup.Done()

	lines, err := client.Logs(context.Background(), 1)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "second") {
		t.Errorf("unexpected logs %v", lines)
	}
}

func TestStopEndpoint(t *testing.T) {
	sup, _, client := setupTestServer(t, driver.Foreground)

	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if sup.IsProcessRunning() {
		t.Error("expected process to be stopped")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{supervisor.ErrNotRunning, 409},
		{supervisor.ErrNotInteractive, 409},
		{supervisor.ErrEvalTimeout, 504},
		{supervisor.ErrProcessExited, 410},
		{errors.New("other"), 400},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
