package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultEvalTimeout bounds an awaited evaluation when the request sets none.
const DefaultEvalTimeout = 30 * time.Second

// ReferenceTag carries the reference of an awaited request. msg.reply in aos
// copies it onto the reply, which is how replies are matched to requests.
const ReferenceTag = "X-Reference"

// EvalRequest is an action sent to the running process.
type EvalRequest struct {
	Action string
	Data   string
	Tags   map[string]string

	// Target defaults to the process itself (ao.id).
	Target string

	// Await waits for the reply carrying this request's reference.
	Await   bool
	Timeout time.Duration
}

// Evaluate sends req to the running process as a Send call on its REPL.
//
// Without Await it returns once the line is written. With Await the request
// is tagged with a fresh reference and Evaluate returns the first message
// that echoes it. Other output is ignored. It returns ErrEvalTimeout if no
// reply arrives within the timeout, or ErrProcessExited if the process exits
// first. Background
// processes have no stdin and yield ErrNotInteractive.
func (s *Supervisor) Evaluate(ctx context.Context, req EvalRequest) (*Message, error) {
	if req.Action == "" {
		return nil, fmt.Errorf("evaluate: action is required")
	}

	r, err := s.current()
	if err != nil {
		return nil, err
	}
	if r.stdin == nil {
		return nil, ErrNotInteractive
	}

	var reply chan Message
	if req.Await {
		ref := uuid.NewString()
		req.Tags = withTag(req.Tags, ReferenceTag, ref)
		// Register before writing so a fast reply is not missed.
		if reply, err = r.await(ref); err != nil {
			return nil, err
		}
	}

	line := sendExpr(req) + "\n"
	if err := r.writeStdin([]byte(line)); err != nil {
		if reply != nil {
			r.cancel(reply)
		}
		return nil, fmt.Errorf("evaluate %s: %w", req.Action, err)
	}
	s.logger.Debug("evaluate", "process", r.name, "action", req.Action)

	if !req.Await {
		return nil, nil
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultEvalTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, ErrProcessExited
		}
		return &msg, nil
	case <-timer.C:
		r.cancel(reply)
		return nil, fmt.Errorf("%w: %s after %s", ErrEvalTimeout, req.Action, timeout)
	case <-ctx.Done():
		r.cancel(reply)
		return nil, fmt.Errorf("%w: %s: %v", ErrEvalTimeout, req.Action, ctx.Err())
	}
}

// LoadFile asks the running process to (re)load a Lua file.
func (s *Supervisor) LoadFile(path string) error {
	if path == "" || strings.ContainsAny(path, "\r\n") {
		return fmt.Errorf("load: invalid path %q", path)
	}
	r, err := s.current()
	if err != nil {
		return err
	}
	if err := r.writeStdin([]byte(".load " + path + "\n")); err != nil {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	s.logger.Info("reloaded lua file", "process", r.name, "file", path)
	return nil
}

func (s *Supervisor) current() (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.handle.Killed() || s.run == nil {
		return nil, ErrNotRunning
	}
	return s.run, nil
}

// withTag returns a copy of tags with name set to value.
func withTag(tags map[string]string, name, value string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	out[name] = value
	return out
}

// sendExpr renders req as a single-line Lua Send call.
func sendExpr(req EvalRequest) string {
	target := "ao.id"
	if req.Target != "" {
		target = luaQuote(req.Target)
	}

	var b strings.Builder
	b.WriteString("Send({ Target = ")
	b.WriteString(target)
	b.WriteString(", Action = ")
	b.WriteString(luaQuote(req.Action))
	if req.Data != "" {
		b.WriteString(", Data = ")
		b.WriteString(luaQuote(req.Data))
	}

	names := make([]string, 0, len(req.Tags))
	for name := range req.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, ", [%s] = %s", luaQuote(name), luaQuote(req.Tags[name]))
	}
	b.WriteString(" })")
	return b.String()
}

// luaQuote returns s as a double-quoted Lua string literal.
func luaQuote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case 0:
			b.WriteString(`\0`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
