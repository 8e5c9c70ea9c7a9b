// Package correlator refreshes a pull request's external status after a fix
// attempt finishes and republishes the fresh record.
package correlator

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/clock"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/models"
)

const (
	DefaultDelay   = 5 * time.Second
	DefaultTimeout = 30 * time.Second
)

// StatusFetcher returns a best-effort snapshot of one pull request.
type StatusFetcher interface {
	FetchPR(ctx context.Context, repository string, number int) (*models.PRRecord, error)
}

type pending struct {
	timer clock.Timer
}

// Correlator runs one delayed fetch per pull request. A newer Schedule for
// the same key replaces a pending one, so a session completion and the job
// report that follows it share a single fetch.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
	stopped bool

	fetcher StatusFetcher
	events  events.Publisher
	clock   clock.Clock
	delay   time.Duration
	timeout time.Duration
	log     pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithClock overrides the clock used for delays.
func WithClock(c clock.Clock) Option {
	return func(co *Correlator) { co.clock = c }
}

// WithDelay sets the debounce delay before fetching.
func WithDelay(d time.Duration) Option {
	return func(co *Correlator) {
		if d >= 0 {
			co.delay = d
		}
	}
}

// WithTimeout bounds each fetch.
func WithTimeout(d time.Duration) Option {
	return func(co *Correlator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

// New creates a correlator.
func New(fetcher StatusFetcher, pub events.Publisher, logger pslog.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Correlator{
		pending: make(map[string]*pending),
		fetcher: fetcher,
		events:  pub,
		clock:   clock.New(),
		delay:   DefaultDelay,
		timeout: DefaultTimeout,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schedule arranges a fetch of repository#number after the delay.
func (c *Correlator) Schedule(repository string, number int) {
	if repository == "" || number <= 0 || c.fetcher == nil {
		return
	}
	key := models.JobKey(repository, number)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if prev, ok := c.pending[key]; ok {
		prev.timer.Stop()
	}
	p := &pending{}
	p.timer = c.clock.AfterFunc(c.delay, func() {
		c.mu.Lock()
		if c.pending[key] != p {
			c.mu.Unlock()
			return
		}
		delete(c.pending, key)
		c.mu.Unlock()
		c.refresh(repository, number)
	})
	c.pending[key] = p
	c.log.Debug("pr refresh scheduled", "repo", repository, "pr", number, "delay_ms", c.delay.Milliseconds())
}

// Pending returns the number of scheduled fetches that have not run.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every pending fetch and any fetch in flight.
func (c *Correlator) Stop() {
	c.mu.Lock()
	c.stopped = true
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Correlator) refresh(repository string, number int) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	log := c.log.With("repo", repository, "pr", number)
	record, err := c.fetcher.FetchPR(ctx, repository, number)
	if err != nil {
		log.Warn("pr refresh failed", "err", err)
		return
	}
	if record == nil {
		log.Debug("pr refresh returned no record")
		return
	}
	if c.events != nil {
		c.events.Publish(events.EventPRRecordUpdated, record)
	}
	log.Info("pr record refreshed", "failing_checks", record.FailingChecks, "unresolved_comments", record.UnresolvedComments)
}
