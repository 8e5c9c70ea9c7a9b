// Package sessions is the registry of agent sessions and the dispatch path
// that starts them.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/agent"
	"github.com/joescharf/prdash/internal/clock"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/jobs"
	"github.com/joescharf/prdash/internal/llm"
	"github.com/joescharf/prdash/internal/models"
	"github.com/joescharf/prdash/internal/stream"
	"github.com/joescharf/prdash/internal/supervisor"
)

// DefaultRetention is how long a finished session is kept.
const DefaultRetention = 30 * time.Minute

var (
	ErrInvalidRequest   = errors.New("invalid dispatch request")
	ErrEmptyPrompt      = errors.New("prompt is empty")
	ErrWorkdirMissing   = errors.New("working directory does not exist")
	ErrAgentUnavailable = errors.New("agent binary is not available")
	ErrSessionNotFound  = errors.New("session not found")
)

// Launcher starts and stops agent processes.
type Launcher interface {
	Start(spec supervisor.Spec, obs supervisor.Observer) (int, error)
	Terminate(id string) bool
}

// JobReporter is the part of the job registry the dispatch path drives.
type JobReporter interface {
	Report(req jobs.ReportRequest) (*models.Job, error)
	Annotate(repository string, number int, summary string) bool
}

// Summarizer writes a short summary of a finished session.
type Summarizer interface {
	SummarizeSession(ctx context.Context, d llm.Digest) (string, error)
}

// DispatchRequest asks for a new agent turn.
type DispatchRequest struct {
	WorkDir         string             `json:"cwd"`
	Prompt          string             `json:"prompt"`
	Repository      string             `json:"repository,omitempty"`
	Number          int                `json:"number,omitempty"`
	Label           string             `json:"label,omitempty"`
	Category        models.JobCategory `json:"category,omitempty"`
	ResumeSessionID string             `json:"resume_session_id,omitempty"`
}

// DispatchResult reports the new session id and whether a prior
// conversation was actually continued.
type DispatchResult struct {
	SessionID string `json:"session_id"`
	Resumed   bool   `json:"resumed"`
}

// Config holds the agent settings used for every dispatch.
type Config struct {
	Capability agent.Capability
	Invocation agent.Invocation
	Retention  time.Duration
	// ServerURL is handed to agents so they can report back through the CLI.
	ServerURL string
}

// Manager owns every session of this process.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*models.AgentSession
	entropy  io.Reader

	launcher   Launcher
	events     events.Publisher
	jobs       JobReporter
	refresher  jobs.Refresher
	summarizer Summarizer
	clock      clock.Clock
	log        pslog.Logger

	capability agent.Capability
	invocation agent.Invocation
	retention  time.Duration
	serverURL  string

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithJobs makes dispatch and completion report into the job registry.
func WithJobs(j JobReporter) Option {
	return func(m *Manager) { m.jobs = j }
}

// WithRefresher schedules a PR refresh when a correlated session completes.
func WithRefresher(r jobs.Refresher) Option {
	return func(m *Manager) { m.refresher = r }
}

// WithSummarizer attaches generated summaries to completed jobs.
func WithSummarizer(s Summarizer) Option {
	return func(m *Manager) { m.summarizer = s }
}

// WithClock overrides the manager clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager creates a session manager.
func NewManager(cfg Config, launcher Launcher, pub events.Publisher, logger pslog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:   make(map[string]*models.AgentSession),
		launcher:   launcher,
		events:     pub,
		clock:      clock.New(),
		log:        logger,
		capability: cfg.Capability,
		invocation: cfg.Invocation,
		retention:  cfg.Retention,
		serverURL:  cfg.ServerURL,
		ctx:        ctx,
		cancel:     cancel,
	}
	if m.retention <= 0 {
		m.retention = DefaultRetention
	}
	for _, opt := range opts {
		opt(m)
	}
	m.entropy = ulid.Monotonic(rand.New(rand.NewSource(m.clock.Now().UnixNano())), 0)
	return m
}

func (m *Manager) validate(req DispatchRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if req.WorkDir == "" {
		return fmt.Errorf("%w: cwd is required", ErrInvalidRequest)
	}
	info, err := os.Stat(req.WorkDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrWorkdirMissing, req.WorkDir)
	}
	if (req.Repository == "") != (req.Number <= 0) {
		return fmt.Errorf("%w: repository and number must be given together", ErrInvalidRequest)
	}
	if req.Category != "" && !req.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, req.Category)
	}
	return nil
}

// Create validates req, starts the agent and returns once the process is
// running. Nothing is registered or published when it returns an error.
func (m *Manager) Create(req DispatchRequest) (*DispatchResult, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}
	if !m.capability.Available {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnavailable, m.capability.Binary)
	}

	var handle string
	if req.ResumeSessionID != "" {
		m.mu.Lock()
		if prior, ok := m.sessions[req.ResumeSessionID]; ok {
			handle = prior.ConversationID
		}
		m.mu.Unlock()
	}

	now := m.clock.Now()
	sess := &models.AgentSession{
		ID:        m.newID(now),
		Prompt:    req.Prompt,
		WorkDir:   req.WorkDir,
		Label:     req.Label,
		Category:  req.Category,
		Messages:  []models.Message{},
		Status:    models.SessionStatusRunning,
		StartedAt: now,
	}
	if req.Repository != "" {
		sess.Correlation = &models.Correlation{Repository: req.Repository, Number: req.Number}
	}
	if handle != "" {
		sess.ResumedFrom = req.ResumeSessionID
	}

	log := m.log.With("session", sess.ID)
	if req.ResumeSessionID != "" && handle == "" {
		log.Info("resume requested without a conversation handle, starting fresh", "resume_from", req.ResumeSessionID)
	}

	spec := supervisor.Spec{
		ID:      sess.ID,
		Command: m.capability.Path,
		Args:    m.invocation.Args(req.Prompt, handle),
		Dir:     req.WorkDir,
		Env:     m.agentEnv(sess),
	}
	if spec.Command == "" {
		spec.Command = m.capability.Binary
	}
	r := &run{m: m, sess: sess, tracked: m.jobs != nil && sess.Correlation != nil && sess.Category != ""}
	if _, err := m.launcher.Start(spec, r); err != nil {
		log.Error("agent spawn failed", "err", err)
		return nil, fmt.Errorf("start agent: %w", err)
	}
	return &DispatchResult{SessionID: sess.ID, Resumed: handle != ""}, nil
}

// agentEnv is the parent environment plus the variables the agent needs to
// call back into this server.
func (m *Manager) agentEnv(sess *models.AgentSession) []string {
	env := append(os.Environ(), "PRDASH_SESSION_ID="+sess.ID)
	if m.serverURL != "" {
		env = append(env, "PRDASH_SERVER_URL="+m.serverURL)
	}
	if c := sess.Correlation; c != nil {
		env = append(env, "PRDASH_REPOSITORY="+c.Repository, "PRDASH_PR_NUMBER="+strconv.Itoa(c.Number))
	}
	return env
}

// Get returns a copy of one session including its messages.
func (m *Manager) Get(id string) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess.Clone(), nil
}

// List returns session summaries oldest first.
func (m *Manager) List() []models.SessionSummary {
	m.mu.Lock()
	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Summary())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Cancel marks a running session cancelled and asks its process to stop.
// The final timestamps are set when the process actually exits. Cancelling
// a finished session is a no-op that returns its status.
func (m *Manager) Cancel(id string) (models.SessionStatus, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if sess.Status != models.SessionStatusRunning {
		status := sess.Status
		m.mu.Unlock()
		return status, nil
	}
	sess.Status = models.SessionStatusCancelled
	m.mu.Unlock()

	m.log.Info("session cancel requested", "session", id)
	if !m.launcher.Terminate(id) {
		m.log.Debug("no live process for cancelled session", "session", id)
	}
	return models.SessionStatusCancelled, nil
}

// Sweep removes sessions that finished more than the retention window before now.
func (m *Manager) Sweep(now time.Time) int {
	cutoff := now.Add(-m.retention)
	m.mu.Lock()
	removed := 0
	for id, sess := range m.sessions {
		if sess.CompletedAt != nil && sess.CompletedAt.Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.log.Debug("expired sessions swept", "count", removed)
	}
	return removed
}

// Close cancels summaries in flight and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.pending.Wait()
}

func (m *Manager) newID(now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
}

// SessionEvent is the payload of session-created and session-completed.
type SessionEvent struct {
	models.SessionSummary
	Resumed    bool  `json:"resumed"`
	DurationMS int64 `json:"duration_ms,omitempty"`
}

// MessageEvent is the payload of stream-message.
type MessageEvent struct {
	SessionID string         `json:"session_id"`
	Index     int            `json:"index"`
	Message   models.Message `json:"message"`
}

// run is the supervisor observer for one session. A tracked run owns the
// job for its pull request and category.
type run struct {
	m       *Manager
	sess    *models.AgentSession
	tracked bool
}

func (r *run) Started(id string, pid int) {
	m := r.m
	m.mu.Lock()
	r.sess.PID = pid
	m.sessions[id] = r.sess
	summary := r.sess.Summary()
	resumed := r.sess.ResumedFrom != ""
	m.mu.Unlock()

	if r.tracked {
		report := jobs.ReportRequest{
			Repository: r.sess.Correlation.Repository,
			Number:     r.sess.Correlation.Number,
			Status:     models.JobStatusRunning,
			Category:   r.sess.Category,
		}
		if _, err := m.jobs.Report(report); err != nil {
			m.log.Warn("job report on dispatch failed", "session", id, "err", err)
		}
	}
	m.log.Info("session created", "session", id, "pid", pid, "resumed", resumed)
	m.publish(events.EventSessionCreated, SessionEvent{SessionSummary: summary, Resumed: resumed})
}

func (r *run) Message(id string, msg models.Message) {
	m := r.m
	m.mu.Lock()
	r.sess.Messages = append(r.sess.Messages, msg)
	index := len(r.sess.Messages) - 1
	if msg.Kind == models.KindInit && r.sess.ConversationID == "" {
		if handle := stream.ConversationID(msg); handle != "" {
			r.sess.ConversationID = handle
			m.log.Debug("conversation handle captured", "session", id, "conversation", handle)
		}
	}
	m.mu.Unlock()

	m.publish(events.EventStreamMessage, MessageEvent{SessionID: id, Index: index, Message: msg})
}

func (r *run) Exited(id string, exit supervisor.Exit) {
	m := r.m
	now := m.clock.Now()

	m.mu.Lock()
	sess := r.sess
	if sess.CompletedAt != nil {
		m.mu.Unlock()
		return
	}
	switch {
	case sess.Status == models.SessionStatusCancelled:
	case exit.Code == 0:
		sess.Status = models.SessionStatusComplete
	default:
		sess.Status = models.SessionStatusFailed
	}
	completed := now
	sess.CompletedAt = &completed
	code := exit.Code
	sess.ExitCode = &code
	summary := sess.Summary()
	resumed := sess.ResumedFrom != ""
	var digest llm.Digest
	if sess.Status == models.SessionStatusComplete && sess.Correlation != nil {
		digest = digestOf(sess)
	}
	m.mu.Unlock()

	m.log.Info("session completed", "session", id, "status", summary.Status, "exit_code", exit.Code, "duration_ms", exit.Duration.Milliseconds())
	m.publish(events.EventSessionCompleted, SessionEvent{SessionSummary: summary, Resumed: resumed, DurationMS: exit.Duration.Milliseconds()})

	corr := summary.Correlation
	if corr == nil || summary.Status == models.SessionStatusCancelled {
		return
	}
	if r.tracked {
		report := jobs.ReportRequest{Repository: corr.Repository, Number: corr.Number, Status: models.JobStatusComplete}
		if summary.Status == models.SessionStatusFailed {
			report.Status = models.JobStatusFailed
			msg := fmt.Sprintf("agent exited with code %d", exit.Code)
			report.Error = &msg
		}
		if _, err := m.jobs.Report(report); err != nil {
			m.log.Warn("job report on completion failed", "session", id, "err", err)
		}
	}
	if summary.Status != models.SessionStatusComplete {
		return
	}
	if m.refresher != nil {
		m.refresher.Schedule(corr.Repository, corr.Number)
	}
	if m.summarizer != nil && m.jobs != nil && len(digest.Assistant) > 0 {
		m.pending.Add(1)
		go m.summarize(id, digest)
	}
}

func (m *Manager) summarize(id string, digest llm.Digest) {
	defer m.pending.Done()
	ctx, cancel := context.WithTimeout(m.ctx, time.Minute)
	defer cancel()

	text, err := m.summarizer.SummarizeSession(ctx, digest)
	if err != nil {
		m.log.Warn("session summary failed", "session", id, "err", err)
		return
	}
	if m.jobs.Annotate(digest.Repository, digest.Number, text) {
		m.log.Debug("job summary attached", "session", id, "repo", digest.Repository, "pr", digest.Number)
	}
}

func digestOf(sess *models.AgentSession) llm.Digest {
	d := llm.Digest{
		Repository: sess.Correlation.Repository,
		Number:     sess.Correlation.Number,
		Category:   string(sess.Category),
		Prompt:     sess.Prompt,
	}
	if sess.ExitCode != nil {
		d.ExitCode = *sess.ExitCode
	}
	for _, msg := range sess.Messages {
		if msg.Kind != models.KindAssistant {
			continue
		}
		if text := stream.AssistantText(msg); text != "" {
			d.Assistant = append(d.Assistant, text)
		}
	}
	return d
}

func (m *Manager) publish(name string, payload any) {
	if m.events != nil {
		m.events.Publish(name, payload)
	}
}
