package submission_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/beacon/event"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/internal/clock"
	"github.com/xraph/beacon/queue"
	"github.com/xraph/beacon/ratelimit"
	"github.com/xraph/beacon/retry"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/submission"
)

// collector is a fake remote endpoint.
type collector struct {
	mu       sync.Mutex
	status   int
	batches  [][]string // event IDs per request
	received chan struct{}
}

func newCollector(status int) *collector {
	return &collector{status: status, received: make(chan struct{}, 64)}
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Events []struct {
			ID string `json:"id"`
		} `json:"events"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ids := make([]string, len(body.Events))
	for i, e := range body.Events {
		ids[i] = e.ID
	}

	c.mu.Lock()
	c.batches = append(c.batches, ids)
	status := c.status
	c.mu.Unlock()

	select {
	case c.received <- struct{}{}:
	default:
	}

	if status != http.StatusOK {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "collector unavailable")
		return
	}
	_, _ = fmt.Fprintf(w, `{"success":true,"accepted":%d,"rejected":0}`, len(ids))
}

func (c *collector) requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

type pipeline struct {
	orch    *submission.Orchestrator
	store   *memory.Store
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	clk     *clock.FakeClock
	drops   atomic.Int64
}

func newPipeline(t *testing.T, endpoint string, opts ...submission.Option) *pipeline {
	t.Helper()
	p := &pipeline{
		store: memory.New(),
		clk:   clock.Fake(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)),
	}

	rm := retry.New(retry.WithClock(p.clk))
	q, err := queue.New(p.store, rm,
		queue.WithClock(p.clk),
		queue.WithDropHandler(queue.DropHandlerFunc(func(_ context.Context, _ queue.DropReason, entries []*queue.Entry) {
			p.drops.Add(int64(len(entries)))
		})),
	)
	require.NoError(t, err)
	p.queue = q
	p.limiter = ratelimit.New(ratelimit.DefaultRatePerMinute, ratelimit.DefaultBurst, ratelimit.WithClock(p.clk))

	cfg := submission.DefaultConfig(endpoint)
	cfg.Timeout = 2 * time.Second
	client, err := submission.NewClient(cfg)
	require.NoError(t, err)

	opts = append([]submission.Option{submission.WithClock(p.clk)}, opts...)
	p.orch = submission.NewOrchestrator(q, client, p.limiter, p.store, opts...)
	return p
}

func (p *pipeline) record(t *testing.T, n int) []id.ID {
	t.Helper()
	ids := make([]id.ID, n)
	for i := range ids {
		evtID, err := p.store.SaveEvent(context.Background(), &event.Event{
			SessionID: "sess-1",
			Type:      "button.tap",
			Data:      map[string]any{"n": i},
			Timestamp: p.clk.Now(),
		})
		require.NoError(t, err)
		ids[i] = evtID
	}
	require.NoError(t, p.orch.Enqueue(context.Background(), ids))
	return ids
}

func (p *pipeline) total(t *testing.T) int64 {
	t.Helper()
	st, err := p.orch.QueueStats(context.Background())
	require.NoError(t, err)
	return st.Total
}

func TestSubmitInBatches(t *testing.T) {
	ctx := context.Background()
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	ids := p.record(t, 15)

	res, err := p.orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, 10, res.Accepted)
	assert.EqualValues(t, 5, p.total(t))

	// The bucket is empty until ten tokens have refilled.
	res, err = p.orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	p.clk.Advance(10 * time.Second)
	res, err = p.orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 5, res.Accepted)
	assert.Zero(t, p.total(t))

	require.Equal(t, 2, col.requests())
	var sent []string
	for _, b := range col.batches {
		sent = append(sent, b...)
	}
	assert.Equal(t, id.Strings(ids), sent, "events go out in queue order")
}

func TestDropAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	col := newCollector(http.StatusInternalServerError)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	p.record(t, 1)

	for cycle := 1; cycle <= retry.DefaultMaxRetries; cycle++ {
		require.EqualValues(t, 1, p.total(t), "cycle %d", cycle)

		res, err := p.orch.SubmitQueuedEvents(ctx)
		require.NoError(t, err)
		require.NotNil(t, res, "cycle %d", cycle)
		assert.False(t, res.Success)
		assert.Equal(t, 1, res.Rejected)
		assert.Equal(t, http.StatusInternalServerError, res.StatusCode)

		// Past the longest possible backoff.
		p.clk.Advance(2 * time.Hour)
	}

	assert.Zero(t, p.total(t))
	assert.EqualValues(t, 1, p.drops.Load())
	assert.Equal(t, retry.DefaultMaxRetries, col.requests())

	st, err := p.orch.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, retry.DefaultMaxRetries, st.FailureCount)
	assert.Zero(t, st.SuccessCount)
	assert.Contains(t, st.LastError, "HTTP 500")
}

func TestFailedEntryWaitsForBackoff(t *testing.T) {
	ctx := context.Background()
	col := newCollector(http.StatusServiceUnavailable)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	p.record(t, 1)

	res, err := p.orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	res, err = p.orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	assert.Nil(t, res, "entry is not eligible during backoff")

	st, err := p.orch.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Retrying)
	assert.EqualValues(t, 0, st.Pending)
}

func TestSkippedCycles(t *testing.T) {
	ctx := context.Background()
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	t.Run("empty queue", func(t *testing.T) {
		p := newPipeline(t, srv.URL)
		res, err := p.orch.SubmitQueuedEvents(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
	})

	t.Run("disabled", func(t *testing.T) {
		p := newPipeline(t, srv.URL, submission.WithEnabled(false))
		p.record(t, 3)
		res, err := p.orch.ForceSubmission(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.EqualValues(t, 3, p.total(t))

		p.orch.SetEnabled(true)
		res, err = p.orch.ForceSubmission(ctx)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Equal(t, 3, res.Accepted)
	})

	t.Run("rate limited", func(t *testing.T) {
		p := newPipeline(t, srv.URL)
		p.record(t, 3)
		require.True(t, p.limiter.Consume(5))

		res, err := p.orch.ForceSubmission(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
		assert.EqualValues(t, 3, p.total(t))
	})

	t.Run("missing dependency", func(t *testing.T) {
		orch := submission.NewOrchestrator(nil, nil, nil, nil)
		res, err := orch.SubmitQueuedEvents(ctx)
		require.NoError(t, err)
		assert.Nil(t, res)
	})
}

func TestBatchSizeCappedAtBurst(t *testing.T) {
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL, submission.WithBatchSize(50))
	assert.Equal(t, ratelimit.DefaultBurst, p.orch.BatchSize())

	p.record(t, 12)
	res, err := p.orch.ForceSubmission(context.Background())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, ratelimit.DefaultBurst, res.Accepted)
}

// partialLoader hides some events to simulate entries whose event is gone.
type partialLoader struct {
	inner  submission.EventLoader
	hidden map[string]bool
}

func (l *partialLoader) GetEventsByIDs(ctx context.Context, ids []id.ID) ([]*event.Event, error) {
	evts, err := l.inner.GetEventsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := evts[:0]
	for _, e := range evts {
		if !l.hidden[e.ID.String()] {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestOrphanedEntriesAreRemoved(t *testing.T) {
	ctx := context.Background()
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	ids := p.record(t, 3)

	client, err := submission.NewClient(submission.DefaultConfig(srv.URL))
	require.NoError(t, err)
	loader := &partialLoader{inner: p.store, hidden: map[string]bool{ids[1].String(): true}}
	orch := submission.NewOrchestrator(p.queue, client, p.limiter, loader)

	res, err := orch.ForceSubmission(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Accepted)
	assert.Zero(t, p.total(t))
	assert.EqualValues(t, 1, p.drops.Load())
}

// blockingSubmitter holds every batch until released.
type blockingSubmitter struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSubmitter) Endpoint() string { return "https://collector.test" }

func (b *blockingSubmitter) SubmitBatch(_ context.Context, events []*event.Event) *submission.Result {
	b.entered <- struct{}{}
	<-b.release
	return &submission.Result{Success: true, Accepted: len(events)}
}

func TestOverlappingCycleIsSkipped(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, "https://collector.test")
	p.record(t, 2)

	sub := &blockingSubmitter{entered: make(chan struct{}, 1), release: make(chan struct{})}
	orch := submission.NewOrchestrator(p.queue, sub, p.limiter, p.store)

	done := make(chan *submission.Result, 1)
	go func() {
		res, _ := orch.ForceSubmission(ctx)
		done <- res
	}()
	<-sub.entered

	res, err := orch.SubmitQueuedEvents(ctx)
	require.NoError(t, err)
	assert.Nil(t, res, "a cycle is already in flight")

	close(sub.release)
	first := <-done
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Accepted)
}

// panickingSubmitter panics on every call.
type panickingSubmitter struct {
	calls atomic.Int64
}

func (p *panickingSubmitter) Endpoint() string { return "https://collector.test" }

func (p *panickingSubmitter) SubmitBatch(context.Context, []*event.Event) *submission.Result {
	p.calls.Add(1)
	panic("collector exploded")
}

func TestBackgroundLoopSurvivesPanics(t *testing.T) {
	store := memory.New()
	q, err := queue.New(store, nil)
	require.NoError(t, err)
	evtID, err := store.SaveEvent(context.Background(), &event.Event{Type: "app.start", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), []id.ID{evtID}))

	sub := &panickingSubmitter{}
	orch := submission.NewOrchestrator(q, sub, ratelimit.New(0, 1), store)
	orch.Start(context.Background(), 5*time.Millisecond)
	defer func() { _ = orch.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return sub.calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	st, err := orch.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, st.LastError, "collector exploded")
	assert.EqualValues(t, 1, st.Queue.Total, "a panicking cycle never touches the queue")
}

func TestStartStop(t *testing.T) {
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	p.record(t, 1)

	ctx := context.Background()
	p.orch.Start(ctx, 5*time.Millisecond)
	p.orch.Start(ctx, 5*time.Millisecond)
	assert.True(t, p.orch.Running())

	select {
	case <-col.received:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never submitted")
	}

	require.NoError(t, p.orch.Stop(ctx))
	assert.False(t, p.orch.Running())
	require.NoError(t, p.orch.Stop(ctx), "stopping twice is harmless")

	st, err := p.orch.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.SuccessCount)
	assert.EqualValues(t, 1, st.SubmittedEvents)
	assert.NotNil(t, st.LastSuccessAt)
	assert.Empty(t, st.LastError)
}

// hangingCollector accepts a request and never answers it.
func hangingCollector(entered chan<- struct{}) http.Handler {
	return http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	})
}

func TestStopDuringSubmissionKeepsEntries(t *testing.T) {
	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(hangingCollector(entered))
	defer srv.Close()

	p := newPipeline(t, srv.URL)
	rm := retry.New(retry.WithClock(p.clk), retry.WithMaxRetries(1))
	q, err := queue.New(p.store, rm,
		queue.WithClock(p.clk),
		queue.WithDropHandler(queue.DropHandlerFunc(func(_ context.Context, _ queue.DropReason, entries []*queue.Entry) {
			p.drops.Add(int64(len(entries)))
		})),
	)
	require.NoError(t, err)
	client, err := submission.NewClient(submission.DefaultConfig(srv.URL))
	require.NoError(t, err)
	orch := submission.NewOrchestrator(q, client, p.limiter, p.store, submission.WithClock(p.clk))

	evtID, err := p.store.SaveEvent(context.Background(), &event.Event{Type: "app.start", Timestamp: p.clk.Now()})
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(context.Background(), []id.ID{evtID}))

	ctx := context.Background()
	orch.Start(ctx, 5*time.Millisecond)
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("background loop never submitted")
	}
	require.NoError(t, orch.Stop(ctx))

	assert.Zero(t, p.drops.Load())
	entries, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the entry is still queued and eligible")
	assert.Zero(t, entries[0].RetryCount)
	assert.Nil(t, entries[0].LastError)

	st, err := orch.Status(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Queue.Total)
	assert.Zero(t, st.FailureCount)
	assert.Empty(t, st.LastError)
}

// cancellableSubmitter blocks until its context ends and then reports the
// failure the way the HTTP client does.
type cancellableSubmitter struct {
	entered chan struct{}
}

func (c *cancellableSubmitter) Endpoint() string { return "https://collector.test" }

func (c *cancellableSubmitter) SubmitBatch(ctx context.Context, _ []*event.Event) *submission.Result {
	c.entered <- struct{}{}
	<-ctx.Done()
	return &submission.Result{Errors: []string{ctx.Err().Error()}}
}

func TestForceSubmissionCancelledKeepsEntries(t *testing.T) {
	p := newPipeline(t, "https://collector.test")
	p.record(t, 2)

	sub := &cancellableSubmitter{entered: make(chan struct{}, 1)}
	orch := submission.NewOrchestrator(p.queue, sub, p.limiter, p.store, submission.WithClock(p.clk))

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *submission.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := orch.ForceSubmission(ctx)
		done <- outcome{res, err}
	}()
	<-sub.entered
	cancel()

	out := <-done
	require.ErrorIs(t, out.err, context.Canceled)
	assert.Nil(t, out.res)

	entries, err := p.queue.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Zero(t, e.RetryCount)
	}
	assert.Zero(t, p.drops.Load())
}

func TestRetentionCleanup(t *testing.T) {
	col := newCollector(http.StatusOK)
	srv := httptest.NewServer(col)
	defer srv.Close()

	p := newPipeline(t, srv.URL,
		submission.WithEnabled(false),
		submission.WithRetention(24*time.Hour),
	)
	p.record(t, 2)
	p.clk.Advance(48 * time.Hour)

	p.orch.Start(context.Background(), 5*time.Millisecond)
	defer func() { _ = p.orch.Stop(context.Background()) }()

	require.Eventually(t, func() bool {
		st, err := p.store.QueueStats(context.Background(), p.clk.Now())
		return err == nil && st.Total == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, col.requests())
}
