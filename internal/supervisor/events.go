package supervisor

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/benaskins/aosup/internal/driver"
	"github.com/benaskins/aosup/internal/journal"
	"github.com/benaskins/aosup/internal/logbuf"
)

const (
	eventBuffer   = 64
	maxLineLength = 1024 * 1024
)

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// event is sent from the I/O goroutines of a run to its owner goroutine.
type event struct {
	stream logbuf.Stream
	line   string
	at     time.Time

	exit     bool
	exitCode int
	exitErr  error
}

// run holds the per-process plumbing for one StartProcess call. The owner
// goroutine is the only writer of process state derived from output.
type run struct {
	name   string
	handle driver.Handle
	events chan event
	done   chan struct{}

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	mu      sync.Mutex
	waiters []waiter
	exited  bool
}

// waiter receives the first message that carries its reference.
type waiter struct {
	ref string
	ch  chan Message
}

func newRun(name string, h driver.Handle) *run {
	return &run{
		name:   name,
		handle: h,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
		stdin:  h.Stdin(),
	}
}

// await registers for the next output message whose reference is ref. The
// channel is closed without a value if the process exits first.
func (r *run) await(ref string) (chan Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		return nil, ErrProcessExited
	}
	ch := make(chan Message, 1)
	r.waiters = append(r.waiters, waiter{ref: ref, ch: ch})
	return ch, nil
}

func (r *run) cancel(ch chan Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, w := range r.waiters {
		if w.ch == ch {
			r.waiters = append(r.waiters[:i], r.waiters[i+1:]...)
			return
		}
	}
}

// deliver hands msg to the waiters it answers. Output without a matching
// reference is not a reply.
func (r *run) deliver(msg Message) {
	ref := msg.Reference()
	if ref == "" {
		return
	}
	r.mu.Lock()
	var matched []chan Message
	kept := r.waiters[:0]
	for _, w := range r.waiters {
		if w.ref == ref {
			matched = append(matched, w.ch)
		} else {
			kept = append(kept, w)
		}
	}
	r.waiters = kept
	r.mu.Unlock()
	for _, ch := range matched {
		ch <- msg
	}
}

func (r *run) markExited() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = nil
	r.exited = true
	r.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
}

func (r *run) writeStdin(p []byte) error {
	if r.stdin == nil {
		return ErrNotInteractive
	}
	r.stdinMu.Lock()
	defer r.stdinMu.Unlock()
	_, err := r.stdin.Write(p)
	return err
}

// attach starts the reader, forwarder, reaper and owner goroutines for r.
func (s *Supervisor) attach(r *run, opts StartOptions) {
	h := r.handle

	var readers sync.WaitGroup
	if out := h.Stdout(); out != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.readStream(r, logbuf.Stdout, out, opts.Stdout)
		}()
	}
	if errOut := h.Stderr(); errOut != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			s.readStream(r, logbuf.Stderr, errOut, opts.Stderr)
		}()
	}
	if r.stdin != nil && opts.Stdin != nil {
		go s.forwardStdin(r, opts.Stdin)
	}

	// Reap only after the pipes are drained; Wait closes them.
	go func() {
		readers.Wait()
		code, err := h.Wait()
		r.events <- event{exit: true, exitCode: code, exitErr: err, at: s.now()}
		close(r.events)
	}()

	go s.own(r)
}

func (s *Supervisor) readStream(r *run, stream logbuf.Stream, src io.Reader, echo io.Writer) {
	if echo != nil {
		src = io.TeeReader(src, echo)
	}
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		r.events <- event{stream: stream, line: scanner.Text(), at: s.now()}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Debug("output reader stopped", "process", r.name, "stream", string(stream), "error", err)
	}
}

func (s *Supervisor) forwardStdin(r *run, src io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := r.writeStdin(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// own applies events from r's I/O goroutines to the supervisor state.
func (s *Supervisor) own(r *run) {
	defer close(r.done)
	for ev := range r.events {
		if ev.exit {
			s.applyExit(r, ev)
			continue
		}

		line := strings.TrimRight(ansiRe.ReplaceAllString(ev.line, ""), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.logs.Add(ev.stream, line, ev.at)

		if ev.stream == logbuf.Stderr {
			s.mu.Lock()
			if s.run == r {
				s.state.Errors = append(s.state.Errors, line)
			}
			s.mu.Unlock()
			continue
		}

		msg := parseMessage(line, ev.at)
		s.mu.Lock()
		if s.run == r {
			s.state.Messages = append(s.state.Messages, msg)
		}
		s.mu.Unlock()
		r.deliver(msg)
	}
}

func (s *Supervisor) applyExit(r *run, ev event) {
	r.markExited()

	logger := s.logger.With("process", r.name, "pid", r.handle.PID())
	if ev.exitErr != nil {
		logger.Warn("process wait failed", "error", ev.exitErr)
	}

	stoppedByUs := r.handle.Killed()
	s.mu.Lock()
	if s.run == r {
		if s.handle == r.handle {
			s.handle = nil
		}
		code := ev.exitCode
		s.state.ExitCode = &code
		if s.state.EndTime == nil {
			end := ev.at
			s.state.EndTime = &end
		}
		switch {
		case s.state.Status == StatusStopped:
		case code == 0:
			s.state.Status = StatusStopped
		default:
			s.state.Status = StatusError
			if ev.exitErr != nil {
				s.state.Errors = append(s.state.Errors, ev.exitErr.Error())
			}
		}
	}
	s.mu.Unlock()

	if stoppedByUs || ev.exitCode == 0 {
		logger.Info("process exited", "exit_code", ev.exitCode)
	} else {
		logger.Warn("process exited unexpectedly", "exit_code", ev.exitCode)
	}

	// Drop the record unless another invocation has since reused the name.
	if rec, err := s.store.Get(r.name); err == nil && rec.PID == r.handle.PID() {
		if err := s.store.Delete(r.name); err != nil {
			logger.Warn("failed to remove process record", "error", err)
		}
	}

	entry := journal.Entry{
		Action:   journal.ActionProcessExit,
		Process:  r.name,
		PID:      r.handle.PID(),
		ExitCode: &ev.exitCode,
	}
	if ev.exitErr != nil {
		entry.Error = ev.exitErr.Error()
	}
	s.journal.Log(entry)
}

// parseMessage turns one stdout line into a Message. JSON objects are mapped
// field by field; anything else becomes a message whose Data is the line.
func parseMessage(line string, at time.Time) Message {
	msg := Message{Timestamp: at}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		msg.ID = uuid.NewString()
		msg.Data = line
		return msg
	}

	res := gjson.Parse(trimmed)
	msg.ID = firstNonEmpty(res.Get("Id").String(), res.Get("id").String())
	msg.Action = res.Get("Action").String()
	msg.From = res.Get("From").String()
	msg.Target = res.Get("Target").String()

	if data := res.Get("Data"); data.IsObject() || data.IsArray() {
		msg.Data = data.Raw
	} else {
		msg.Data = data.String()
	}

	tags := res.Get("Tags")
	switch {
	case tags.IsArray():
		tags.ForEach(func(_, tag gjson.Result) bool {
			name := tag.Get("name").String()
			if name != "" {
				msg.setTag(name, tag.Get("value").String())
			}
			return true
		})
	case tags.IsObject():
		tags.ForEach(func(name, value gjson.Result) bool {
			msg.setTag(name.String(), value.String())
			return true
		})
	}
	if msg.Action == "" {
		msg.Action = msg.Tags["Action"]
	}
	if ref := res.Get(ReferenceTag); ref.Exists() {
		msg.setTag(ReferenceTag, ref.String())
	}

	if ts := res.Get("Timestamp"); ts.Exists() && ts.Int() > 0 {
		msg.Timestamp = time.UnixMilli(ts.Int())
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}

// Reference returns the request reference the message answers, if any.
func (m Message) Reference() string {
	return m.Tags[ReferenceTag]
}

func (m *Message) setTag(name, value string) {
	if m.Tags == nil {
		m.Tags = make(map[string]string)
	}
	m.Tags[name] = value
}
