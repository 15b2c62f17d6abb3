package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/aosup/internal/driver"
)

func TestEvaluateWritesSend(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	msg, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick"})
	require.NoError(t, err)
	assert.Nil(t, msg)

	select {
	case line := <-h.StdinLines():
		assert.Equal(t, `Send({ Target = ao.id, Action = "Tick" })`, line)
	case <-time.After(time.Second):
		t.Fatal("no line written to stdin")
	}
}

var referenceRe = regexp.MustCompile(`\["X-Reference"\] = "([^"]+)"`)

// referenceOf extracts the reference tag from a Send line written to stdin.
func referenceOf(t *testing.T, line string) string {
	t.Helper()
	m := referenceRe.FindStringSubmatch(line)
	if !assert.NotNil(t, m, "no reference in %q", line) {
		return ""
	}
	return m[1]
}

func TestEvaluateAwaitReply(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	go func() {
		ref := referenceOf(t, <-h.StdinLines())
		_ = h.WriteStdout(fmt.Sprintf(`{"Id":"r1","Action":"Tock","Data":"pong","Tags":[{"name":"Round","value":"3"},{"name":"X-Reference","value":%q}]}`+"\n", ref))
	}()

	msg, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick", Await: true, Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "r1", msg.ID)
	assert.Equal(t, "Tock", msg.Action)
	assert.Equal(t, "pong", msg.Data)
	assert.Equal(t, "3", msg.Tags["Round"])
	assert.NotEmpty(t, msg.Reference())
}

func TestEvaluateIgnoresUnrelatedOutput(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	go func() {
		<-h.StdinLines()
		_ = h.WriteStdout("loaded process.lua\n")
		_ = h.WriteStdout(`{"Id":"m1","Action":"Cron-Tick"}` + "\n")
		_ = h.WriteStdout(`{"Id":"m2","Action":"Tock","X-Reference":"earlier-tick"}` + "\n")
	}()

	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick", Await: true, Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrEvalTimeout)

	require.Eventually(t, func() bool {
		return len(f.sup.ProcessState().Messages) == 3
	}, time.Second, 5*time.Millisecond)
}

func TestEvaluateDoesNotMutateTags(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})
	tags := map[string]string{"Round": "1"}

	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick", Tags: tags, Await: true, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrEvalTimeout)
	assert.Equal(t, map[string]string{"Round": "1"}, tags)
	assert.Contains(t, <-h.StdinLines(), `["Round"] = "1"`)
}

func TestEvaluateTimeout(t *testing.T) {
	f := newFixture(t)
	f.start(t, nil, StartOptions{})

	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick", Await: true, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrEvalTimeout)
}

func TestEvaluateContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.start(t, nil, StartOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.sup.Evaluate(ctx, EvalRequest{Action: "Tick", Await: true, Timeout: time.Minute})
	assert.ErrorIs(t, err, ErrEvalTimeout)
}

func TestEvaluateProcessExits(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	go func() {
		<-h.StdinLines()
		h.Exit(1)
	}()

	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick", Await: true, Timeout: time.Second})
	assert.ErrorIs(t, err, ErrProcessExited)

	<-f.sup.Done()
	_, err = f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestEvaluateNotRunning(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick"})
	assert.ErrorIs(t, err, ErrNotRunning)

	assert.ErrorIs(t, f.sup.LoadFile("main.lua"), ErrNotRunning)
}

func TestEvaluateBackground(t *testing.T) {
	f := newFixture(t)
	f.start(t, nil, StartOptions{Mode: driver.Background})

	_, err := f.sup.Evaluate(context.Background(), EvalRequest{Action: "Tick"})
	assert.ErrorIs(t, err, ErrNotInteractive)
}

func TestEvaluateRequiresAction(t *testing.T) {
	f := newFixture(t)
	f.start(t, nil, StartOptions{})
	_, err := f.sup.Evaluate(context.Background(), EvalRequest{})
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	require.NoError(t, f.sup.LoadFile("lib/util.lua"))
	assert.Equal(t, ".load lib/util.lua", <-h.StdinLines())
}

func TestLoadFileRejectsLineBreaks(t *testing.T) {
	f := newFixture(t)
	h := f.start(t, nil, StartOptions{})

	assert.Error(t, f.sup.LoadFile("main.lua\nos.exit()"))
	assert.Error(t, f.sup.LoadFile("main.lua\r"))
	assert.Error(t, f.sup.LoadFile(""))

	select {
	case line := <-h.StdinLines():
		t.Fatalf("unexpected stdin line %q", line)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSendExpr(t *testing.T) {
	tests := []struct {
		name string
		req  EvalRequest
		want string
	}{
		{
			name: "action only",
			req:  EvalRequest{Action: "Tick"},
			want: `Send({ Target = ao.id, Action = "Tick" })`,
		},
		{
			name: "data and sorted tags",
			req: EvalRequest{
				Action: "Transfer",
				Data:   "100",
				Tags:   map[string]string{"Recipient": "abc", "Quantity": "5"},
			},
			want: `Send({ Target = ao.id, Action = "Transfer", Data = "100", ["Quantity"] = "5", ["Recipient"] = "abc" })`,
		},
		{
			name: "explicit target",
			req:  EvalRequest{Action: "Ping", Target: "proc-1"},
			want: `Send({ Target = "proc-1", Action = "Ping" })`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sendExpr(tt.req))
		})
	}
}

func TestLuaQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, luaQuote("plain"))
	assert.Equal(t, `"say \"hi\"\n"`, luaQuote("say \"hi\"\n"))
	assert.Equal(t, `"a\\b"`, luaQuote(`a\b`))
}

func TestParseMessage(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("plain text", func(t *testing.T) {
		msg := parseMessage("Hello world", at)
		assert.Equal(t, "Hello world", msg.Data)
		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, at, msg.Timestamp)
	})

	t.Run("action from tags", func(t *testing.T) {
		msg := parseMessage(`{"id":"x","From":"p1","Target":"p2","Tags":{"Action":"Credit-Notice"},"Timestamp":1746057600000}`, at)
		assert.Equal(t, "x", msg.ID)
		assert.Equal(t, "Credit-Notice", msg.Action)
		assert.Equal(t, "p1", msg.From)
		assert.Equal(t, "p2", msg.Target)
		assert.Equal(t, int64(1746057600000), msg.Timestamp.UnixMilli())
	})

	t.Run("structured data kept raw", func(t *testing.T) {
		msg := parseMessage(`{"Action":"State","Data":{"count":2}}`, at)
		assert.JSONEq(t, `{"count":2}`, msg.Data)
		assert.NotEmpty(t, msg.ID)
	})

	t.Run("reference from tags or top level", func(t *testing.T) {
		msg := parseMessage(`{"Tags":[{"name":"X-Reference","value":"r-1"}]}`, at)
		assert.Equal(t, "r-1", msg.Reference())
		msg = parseMessage(`{"X-Reference":"r-2"}`, at)
		assert.Equal(t, "r-2", msg.Reference())
		assert.Empty(t, parseMessage("plain", at).Reference())
	})

	t.Run("invalid json is text", func(t *testing.T) {
		msg := parseMessage(`{not json`, at)
		assert.Equal(t, `{not json`, msg.Data)
		assert.Empty(t, msg.Action)
	})
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
