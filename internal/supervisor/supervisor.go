// Package supervisor owns the spawn, monitor and terminate lifecycle of agent
// processes, one process per session id.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
	"unicode/utf8"

	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/clock"
	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/stream"
)

// DefaultGrace is how long a terminated process gets before it is killed.
const DefaultGrace = 5 * time.Second

// DefaultDrainTimeout bounds how long output is read after the process itself
// has exited. Descendants that inherited the pipes can otherwise hold them open
// indefinitely.
const DefaultDrainTimeout = 2 * time.Second

const readChunkSize = 32 * 1024

// ErrAlreadyRunning is returned when a session id already has a live process.
var ErrAlreadyRunning = errors.New("session already has a running process")

// SpawnError reports that the operating system refused to start the process.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Spec describes one process to start.
type Spec struct {
	ID      string
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Exit describes how a process ended.
type Exit struct {
	Code     int
	Signal   string
	Duration time.Duration
}

// Observer receives a process's lifecycle. Started is called synchronously from
// Start before any output is delivered. Message and Exited are called from the
// process's own goroutine: every Message for a process precedes its Exited.
type Observer interface {
	Started(id string, pid int)
	Message(id string, msg models.Message)
	Exited(id string, exit Exit)
}

type process struct {
	cmd        *exec.Cmd
	started    time.Time
	exited     chan struct{}
	terminated bool
	killTimer  clock.Timer
}

// Supervisor spawns and tracks agent processes.
type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*process
	clock clock.Clock
	grace time.Duration
	drain time.Duration
	log   pslog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the clock used for the termination grace period.
func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

// WithGrace overrides the termination grace period.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithDrainTimeout overrides how long output is still read once the process has
// exited.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.drain = d
		}
	}
}

// New creates a supervisor.
func New(logger pslog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	s := &Supervisor{
		procs: make(map[string]*process),
		clock: clock.New(),
		grace: DefaultGrace,
		drain: DefaultDrainTimeout,
		log:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns spec with stdin closed and stdout/stderr captured. A spawn
// failure is returned as *SpawnError and nothing is registered.
func (s *Supervisor) Start(spec Spec, obs Observer) (int, error) {
	s.mu.Lock()
	if _, ok := s.procs[spec.ID]; ok {
		s.mu.Unlock()
		return 0, ErrAlreadyRunning
	}
	s.mu.Unlock()

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	setProcAttrs(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return 0, &SpawnError{Command: spec.Command, Err: err}
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return 0, &SpawnError{Command: spec.Command, Err: err}
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()
	if err != nil {
		outR.Close()
		errR.Close()
		return 0, &SpawnError{Command: spec.Command, Err: err}
	}

	p := &process{cmd: cmd, started: s.clock.Now(), exited: make(chan struct{})}
	pid := cmd.Process.Pid

	s.mu.Lock()
	s.procs[spec.ID] = p
	s.mu.Unlock()

	log := s.log.With("session", spec.ID, "pid", pid)
	log.Info("agent process started", "command", spec.Command, "args_len", len(spec.Args), "cwd", spec.Dir)

	obs.Started(spec.ID, pid)
	go s.pump(spec.ID, p, outR, errR, obs, log)
	return pid, nil
}

// pump delivers output until both streams are drained and reaps the process
// concurrently. Output goes through one channel so the observer sees a single
// ordered sequence. Once the process has exited, the streams get at most the
// drain timeout to reach EOF before their read ends are closed.
func (s *Supervisor) pump(id string, p *process, stdout, stderr *os.File, obs Observer, log pslog.Logger) {
	msgs := make(chan models.Message, 64)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readStdout(stdout, msgs, s.clock.Now, log)
	}()
	go func() {
		defer wg.Done()
		readStderr(stderr, msgs, s.clock.Now, log)
	}()
	go func() {
		wg.Wait()
		close(msgs)
	}()

	waited := make(chan error, 1)
	go func() { waited <- p.cmd.Wait() }()

	var (
		waitErr  error
		reaped   bool
		reapedAt time.Time
		drain    <-chan time.Time
	)
	for msgs != nil || !reaped {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			obs.Message(id, msg)
		case waitErr = <-waited:
			reaped = true
			reapedAt = s.clock.Now()
			waited = nil
			if msgs != nil {
				timer := time.NewTimer(s.drain)
				defer timer.Stop()
				drain = timer.C
			}
		case <-drain:
			drain = nil
			log.Warn("agent output still open after exit, closing", "drain_ms", s.drain.Milliseconds())
			stdout.Close()
			stderr.Close()
		}
	}
	stdout.Close()
	stderr.Close()

	exit := Exit{Code: 0}
	if err := waitErr; err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exit.Code = exitErr.ExitCode()
			exit.Signal = signalName(exitErr)
		} else {
			exit.Code = -1
			log.Warn("agent process wait failed", "err", err)
		}
	}
	exit.Duration = reapedAt.Sub(p.started)

	s.mu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	delete(s.procs, id)
	s.mu.Unlock()
	close(p.exited)

	fields := []any{"exit_code", exit.Code, "duration_ms", exit.Duration.Milliseconds()}
	if exit.Signal != "" {
		fields = append(fields, "signal", exit.Signal)
	}
	log.Info("agent process exited", fields...)
	obs.Exited(id, exit)
}

// Terminate asks the process for id to stop and kills it if it is still alive
// after the grace period. It reports whether a live process was found.
func (s *Supervisor) Terminate(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return false
	}
	if p.terminated {
		return true
	}
	p.terminated = true
	log := s.log.With("session", id, "pid", p.cmd.Process.Pid)
	if err := terminate(p.cmd); err != nil {
		log.Warn("agent terminate failed", "err", err)
	}
	log.Info("agent terminate requested", "grace_ms", s.grace.Milliseconds())
	p.killTimer = s.clock.AfterFunc(s.grace, func() {
		select {
		case <-p.exited:
			return
		default:
		}
		log.Warn("agent did not exit within grace period, killing")
		if err := kill(p.cmd); err != nil {
			log.Warn("agent kill failed", "err", err)
		}
	})
	return true
}

// Running reports whether id has a live process.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[id]
	return ok
}

// Wait blocks until the process for id has exited or ctx is done. It returns
// immediately when no process is registered.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates every live process and waits for them to exit or ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Terminate(id)
	}
	for _, id := range ids {
		if err := s.Wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func readStdout(r io.Reader, out chan<- models.Message, now func() time.Time, log pslog.Logger) {
	framer := stream.NewFramer(now)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, msg := range framer.Feed(buf[:n]) {
				if msg.Kind == models.KindRaw {
					log.Trace("agent stdout not a record", "preview", previewText(msg.Text, 200))
				}
				out <- msg
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("agent stdout read ended", "err", err)
			}
			break
		}
	}
	for _, msg := range framer.Flush() {
		out <- msg
	}
}

func readStderr(r io.Reader, out chan<- models.Message, now func() time.Time, log pslog.Logger) {
	dec := stream.NewErrorDecoder(now)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if msg, ok := dec.Feed(buf[:n]); ok {
				preview := previewText(msg.Text, 200)
				log.Debug("agent stderr", "text_len", len(msg.Text), "preview", preview, "truncated", len(preview) < len(msg.Text))
				out <- msg
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug("agent stderr read ended", "err", err)
			}
			break
		}
	}
	if msg, ok := dec.Flush(); ok {
		out <- msg
	}
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(value[cut]) {
		cut--
	}
	return value[:cut]
}
