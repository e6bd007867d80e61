package ptyfabric

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/logger"
)

// preservedEnvKeys are retained from the caller's environment before the
// caller-supplied env is overlaid, per spec 4.C10.
var preservedEnvKeys = []string{"PATH", "TERM", "LANG", "LC_ALL", "USER", "SHELL", "HOME"}

const readBufSize = 4096

// ptyHandle abstracts the platform pseudo-terminal: creack/pty's *os.File
// on Unix, UserExistsError/conpty's *conpty.ConPty on Windows. Neither
// exposes the other's concrete type, so session.go talks to this interface
// and pty_unix.go / pty_windows.go supply the concrete handle.
type ptyHandle interface {
	io.Reader
	io.Writer
	io.Closer
	Resize(cols, rows int) error
}

// subscriber is one attached client's output feed.
type subscriber struct {
	id uuid.UUID
	ch chan Output
}

// Session is one headless PTY-backed process and its fan-out state, per
// spec section 3 and 4.C10. The three cooperating goroutines (reader,
// scrollback writer, writer) and the wait goroutine are spawned by
// start().
type Session struct {
	ID           uuid.UUID
	ProfileAlias string
	WorkingDir   string

	mu        sync.RWMutex
	state     State
	exitCode  *int
	createdAt time.Time
	pid       int
	size      Size

	handle    ptyHandle
	terminate func()
	wait      func() int

	input      chan Input
	subsMu     sync.Mutex
	subs       map[uuid.UUID]*subscriber
	scrollback *scrollback

	log *logger.Logger
}

// CreateOptions configures a new session, per spec 4.C10's create step.
type CreateOptions struct {
	ProfileAlias string
	Binary       string
	Args         []string
	WorkingDir   string
	Env          map[string]string
	Size         Size
	Sandbox      SandboxOptions
}

const subscriberCapacity = 256
const inputCapacity = 256

func newSession(opts CreateOptions, log *logger.Logger) *Session {
	return &Session{
		ID:           uuid.New(),
		ProfileAlias: opts.ProfileAlias,
		WorkingDir:   opts.WorkingDir,
		state:        StateStarting,
		createdAt:    time.Now(),
		size:         opts.Size,
		input:        make(chan Input, inputCapacity),
		subs:         map[uuid.UUID]*subscriber{},
		scrollback:   newScrollback(),
		log:          log.WithFields(zap.String("component", "pty_session")),
	}
}

// start spawns the command under the platform pseudo-terminal and launches
// the reader, writer, scrollback, and wait goroutines, per spec 4.C10.
func (s *Session) start(opts CreateOptions) error {
	env := buildEnv(opts.Env)

	binary, args, sandboxed := Wrap(opts.Sandbox, opts.Binary, opts.Args)
	if opts.Sandbox.Enabled && !sandboxed {
		s.log.Warn("sandbox tool not found, running unsandboxed")
	}

	handle, pid, terminate, wait, err := startPTY(binary, args, opts.WorkingDir, env, opts.Size)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.handle = handle
	s.pid = pid
	s.terminate = terminate
	s.wait = wait
	s.state = StateRunning
	s.mu.Unlock()

	scrollbackCh := make(chan []byte, subscriberCapacity)

	go s.readLoop(handle, scrollbackCh)
	go s.scrollbackLoop(scrollbackCh)
	go s.writeLoop(handle)
	go s.waitLoop(wait)

	return nil
}

// readLoop is the blocking reader: it reads the PTY into a 4 KiB buffer
// and, for each chunk, pushes a copy onto the scrollback channel and
// broadcasts Output::Data, per spec 4.C10.
func (s *Session) readLoop(handle ptyHandle, scrollbackCh chan<- []byte) {
	buf := make([]byte, readBufSize)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			select {
			case scrollbackCh <- chunk:
			default:
				s.log.Warn("scrollback channel full, dropping chunk")
			}

			s.broadcast(Output{Kind: OutputData, Data: chunk})
		}
		if err != nil {
			close(scrollbackCh)
			return
		}
	}
}

// scrollbackLoop drains the scrollback channel into the ring buffer.
func (s *Session) scrollbackLoop(scrollbackCh <-chan []byte) {
	for chunk := range scrollbackCh {
		s.scrollback.Append(chunk)
	}
}

// writeLoop consumes the input channel and dispatches writes/resizes/
// signals, per spec 4.C10's writer dispatch table.
func (s *Session) writeLoop(handle ptyHandle) {
	for in := range s.input {
		switch in.Kind {
		case InputData:
			_, _ = handle.Write(in.Data)
		case InputResize:
			s.mu.Lock()
			s.size = in.Size
			s.mu.Unlock()
			_ = handle.Resize(in.Size.Cols, in.Size.Rows)
		case InputSignal:
			if in.Signal == SignalWinch {
				continue // SIGWINCH is handled via Resize, never as a byte
			}
			if b, ok := controlChars[in.Signal]; ok {
				_, _ = handle.Write([]byte{b})
			} else {
				s.log.Warn("unsupported signal dropped", zap.String("signal", string(in.Signal)))
			}
		}
	}
}

// waitLoop awaits child exit, transitions state, and aborts the other
// goroutines by closing the input channel and the pty handle.
func (s *Session) waitLoop(wait func() int) {
	exitCode := wait()

	s.mu.Lock()
	s.state = StateTerminated
	s.exitCode = &exitCode
	handle := s.handle
	s.mu.Unlock()

	s.broadcast(Output{Kind: OutputTerminated, ExitCode: &exitCode})

	close(s.input)
	if handle != nil {
		_ = handle.Close()
	}

	s.subsMu.Lock()
	for _, sub := range s.subs {
		close(sub.ch)
	}
	s.subs = map[uuid.UUID]*subscriber{}
	s.subsMu.Unlock()
}

// broadcast delivers out to every currently attached subscriber, in
// source order, dropping (not blocking on) a slow one.
func (s *Session) broadcast(out Output) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.ch <- out:
		default:
			s.log.Warn("subscriber lagging, output dropped", zap.String("session_id", s.ID.String()))
		}
	}
}

// Subscribe attaches a new client: per spec 4.C10, it is sent Connected
// then the full scrollback as one chunk, then live output, with the
// replay guaranteed to precede any bytes produced after attach completes
// because scrollback is snapshotted, and both frames are queued, under the
// same subs-map lock that registers the subscriber for future broadcasts.
func (s *Session) Subscribe() (<-chan Output, func()) {
	sub := &subscriber{id: uuid.New(), ch: make(chan Output, subscriberCapacity)}

	s.subsMu.Lock()
	s.subs[sub.id] = sub
	replay := s.scrollback.Snapshot()
	sub.ch <- Output{Kind: OutputConnected}
	if len(replay) > 0 {
		sub.ch <- Output{Kind: OutputData, Data: replay}
	}
	s.subsMu.Unlock()

	unsubscribe := func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if existing, ok := s.subs[sub.id]; ok && existing == sub {
			close(sub.ch)
			delete(s.subs, sub.id)
		}
	}
	return sub.ch, unsubscribe
}

// Write sends input to the session's writer.
func (s *Session) Write(in Input) {
	s.mu.RLock()
	state := s.state
	s.mu.RUnlock()
	if state == StateTerminated {
		return
	}
	select {
	case s.input <- in:
	default:
		s.log.Warn("input channel full, dropping input")
	}
}

// Terminate asks the child process to exit, per spec 4.C10.
func (s *Session) Terminate() {
	s.mu.RLock()
	terminate := s.terminate
	s.mu.RUnlock()
	if terminate != nil {
		terminate()
	}
}

// Info returns a read-only snapshot of the session's state.
func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.subsMu.Lock()
	clientCount := len(s.subs)
	s.subsMu.Unlock()

	return Info{
		ID:           s.ID,
		ProfileAlias: s.ProfileAlias,
		WorkingDir:   s.WorkingDir,
		State:        s.state,
		ExitCode:     s.exitCode,
		CreatedAt:    s.createdAt,
		PID:          s.pid,
		Size:         s.size,
		ClientCount:  clientCount,
	}
}

func buildEnv(extra map[string]string) []string {
	built := map[string]string{
		"TERM": "xterm-256color",
	}
	for _, key := range preservedEnvKeys {
		if v, ok := os.LookupEnv(key); ok {
			built[key] = v
		}
	}
	for k, v := range extra {
		built[k] = v
	}

	out := make([]string, 0, len(built))
	for k, v := range built {
		out = append(out, k+"="+v)
	}
	return out
}
