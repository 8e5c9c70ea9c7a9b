package jobs

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pkt.systems/pslog"

	"github.com/joescharf/prdash/internal/clock"
	"github.com/joescharf/prdash/internal/events"
	"github.com/joescharf/prdash/internal/models"
)

type published struct {
	name    string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(name string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{name: name, payload: payload})
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type recordingRefresher struct {
	keys []string
}

func (r *recordingRefresher) Schedule(repository string, number int) {
	r.keys = append(r.keys, models.JobKey(repository, number))
}

func strPtr(s string) *string { return &s }

func newTestRegistry(t *testing.T) (*Registry, *recordingPublisher, *recordingRefresher, *clock.Fake) {
	t.Helper()
	pub := &recordingPublisher{}
	ref := &recordingRefresher{}
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
	reg := NewRegistry(pub, logger, WithClock(clk), WithRefresher(ref), WithRetention(10*time.Minute))
	return reg, pub, ref, clk
}

func TestReport_InheritsOmittedFields(t *testing.T) {
	reg, pub, ref, clk := newTestRegistry(t)

	_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 42, Status: models.JobStatusRunning, Category: models.JobCategoryChecks})
	require.NoError(t, err)

	clk.Advance(time.Minute)
	job, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 42, Status: models.JobStatusComplete, Summary: strPtr("fixed 3 checks")})
	require.NoError(t, err)

	assert.Equal(t, models.JobCategoryChecks, job.Category)
	assert.Equal(t, "fixed 3 checks", job.Summary)
	assert.Equal(t, models.JobStatusComplete, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.Equal(t, clk.Now(), *job.CompletedAt)
	assert.Equal(t, clk.Now().Add(-time.Minute), job.StartedAt)

	assert.Equal(t, 2, pub.count())
	assert.Equal(t, []string{"acme/api#42"}, ref.keys)
	assert.Equal(t, 1, reg.Len())
}

func TestReport_ExplicitEmptyOverwrites(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 7, Status: models.JobStatusFailed, Error: strPtr("lint failed")})
	require.NoError(t, err)

	job, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 7, Status: models.JobStatusRunning, Error: strPtr("")})
	require.NoError(t, err)
	assert.Empty(t, job.Error)
	assert.Nil(t, job.CompletedAt)
}

func TestReport_EventFiresOnRepeat(t *testing.T) {
	reg, pub, _, _ := newTestRegistry(t)
	req := ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusRunning}

	for range 3 {
		_, err := reg.Report(req)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, pub.count())
	assert.Equal(t, 1, reg.Len())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	for _, ev := range pub.events {
		assert.Equal(t, events.EventJobStatusChanged, ev.name)
	}
}

func TestReport_ConcurrentEventsFollowStoredOrder(t *testing.T) {
	pub := &recordingPublisher{}
	logger := pslog.NewWithOptions(io.Discard, pslog.Options{Mode: pslog.ModeStructured, NoColor: true, MinLevel: pslog.ErrorLevel})
	reg := NewRegistry(pub, logger)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := models.JobStatusRunning
			if i%2 == 1 {
				status = models.JobStatusFailed
			}
			_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: status, Summary: strPtr(fmt.Sprintf("attempt %d", i))})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := reg.Get("acme/api", 1)
	require.NoError(t, err)
	require.Equal(t, 50, pub.count())

	pub.mu.Lock()
	last, ok := pub.events[len(pub.events)-1].payload.(*models.Job)
	pub.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, stored.Status, last.Status)
	assert.Equal(t, stored.Summary, last.Summary)
}

func TestReport_CompletionStampedOnce(t *testing.T) {
	reg, _, ref, clk := newTestRegistry(t)

	first, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusComplete})
	require.NoError(t, err)
	clk.Advance(time.Minute)
	second, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusComplete})
	require.NoError(t, err)

	assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	assert.Len(t, ref.keys, 2)
}

func TestReport_FailedDoesNotRefresh(t *testing.T) {
	reg, _, ref, _ := newTestRegistry(t)

	_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, ref.keys)
}

func TestReport_Validation(t *testing.T) {
	reg, pub, _, _ := newTestRegistry(t)

	tests := []struct {
		name string
		req  ReportRequest
	}{
		{"missing repository", ReportRequest{Number: 1, Status: models.JobStatusRunning}},
		{"zero number", ReportRequest{Repository: "acme/api", Status: models.JobStatusRunning}},
		{"unknown status", ReportRequest{Repository: "acme/api", Number: 1, Status: "done"}},
		{"unknown category", ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusRunning, Category: "style"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Report(tt.req)
			assert.ErrorIs(t, err, ErrInvalidReport)
		})
	}
	assert.Zero(t, pub.count())
	assert.Zero(t, reg.Len())
}

func TestAnnotate(t *testing.T) {
	reg, pub, _, _ := newTestRegistry(t)

	assert.False(t, reg.Annotate("acme/api", 1, "summary"), "unknown job")

	_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusComplete})
	require.NoError(t, err)
	assert.True(t, reg.Annotate("acme/api", 1, "fixed the build"))
	assert.False(t, reg.Annotate("acme/api", 1, "second summary"))

	job, err := reg.Get("acme/api", 1)
	require.NoError(t, err)
	assert.Equal(t, "fixed the build", job.Summary)
	assert.Equal(t, 2, pub.count())
}

func TestGet_NotFound(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	_, err := reg.Get("acme/api", 99)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestList_OrderAndIsolation(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)

	_, err := reg.Report(ReportRequest{Repository: "acme/web", Number: 2, Status: models.JobStatusRunning})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusRunning})
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "acme/web#2", list[0].Key())
	assert.Equal(t, "acme/api#1", list[1].Key())

	list[0].Summary = "mutated"
	job, err := reg.Get("acme/web", 2)
	require.NoError(t, err)
	assert.Empty(t, job.Summary)
}

func TestSweep_RemovesExpiredTerminalJobs(t *testing.T) {
	reg, _, _, clk := newTestRegistry(t)

	_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: 1, Status: models.JobStatusComplete})
	require.NoError(t, err)
	_, err = reg.Report(ReportRequest{Repository: "acme/api", Number: 2, Status: models.JobStatusRunning})
	require.NoError(t, err)

	assert.Zero(t, reg.Sweep(clk.Now().Add(5*time.Minute)))
	assert.Equal(t, 1, reg.Sweep(clk.Now().Add(11*time.Minute)))

	_, err = reg.Get("acme/api", 1)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = reg.Get("acme/api", 2)
	assert.NoError(t, err)
}

func TestClear(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	for n := 1; n <= 3; n++ {
		_, err := reg.Report(ReportRequest{Repository: "acme/api", Number: n, Status: models.JobStatusPending})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, reg.Clear())
	assert.Empty(t, reg.List())
}
