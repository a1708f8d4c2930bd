package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

type fetchResult struct {
	dest string
	err  error
}

type fetchCall struct {
	ctx      context.Context
	url      string
	filename string
	progress download.ProgressFunc
	result   chan fetchResult
}

func (c *fetchCall) succeed() {
	c.result <- fetchResult{dest: "/downloads/" + c.filename}
}

func (c *fetchCall) fail(err error) {
	c.result <- fetchResult{err: err}
}

// fakeFetcher blocks every fetch until the test resolves it through the
// recorded call. With autoComplete set it finishes on its own instead.
type fakeFetcher struct {
	ignoreCancel bool
	autoComplete time.Duration

	mu     sync.Mutex
	calls  map[string]*fetchCall
	order  []string
	active atomic.Int32
	peak   atomic.Int32
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]*fetchCall)}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url, filename string, onProgress download.ProgressFunc) (string, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)

	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	c := &fetchCall{ctx: ctx, url: url, filename: filename, progress: onProgress, result: make(chan fetchResult, 1)}

	f.mu.Lock()
	f.calls[url] = c
	f.order = append(f.order, url)
	f.mu.Unlock()

	if f.autoComplete > 0 {
		time.Sleep(f.autoComplete)

		return "/downloads/" + filename, nil
	}

	if f.ignoreCancel {
		r := <-c.result

		return r.dest, r.err
	}

	select {
	case r := <-c.result:
		return r.dest, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeFetcher) call(url string) *fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[url]
}

func (f *fakeFetcher) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.order...)
}

func (f *fakeFetcher) waitCall(t *testing.T, url string) *fetchCall {
	t.Helper()

	var c *fetchCall

	require.Eventually(t, func() bool {
		c = f.call(url)

		return c != nil
	}, waitFor, tick, "fetch for %s never started", url)

	return c
}

type memRepo struct {
	mu      sync.Mutex
	stored  []download.Entity
	saves   int
	loadErr error
	saveErr error
}

func (r *memRepo) Save(_ context.Context, downloads []download.Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.saves++

	if r.saveErr != nil {
		return r.saveErr
	}

	r.stored = cloneAll(downloads)

	return nil
}

func (r *memRepo) Load(context.Context) ([]download.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loadErr != nil {
		return nil, r.loadErr
	}

	return cloneAll(r.stored), nil
}

func (r *memRepo) last() []download.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	return cloneAll(r.stored)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, f download.Fetcher, repo *memRepo, maxConcurrent int, opts ...Option) *Scheduler {
	t.Helper()

	var s *Scheduler
	if repo == nil {
		s = NewScheduler(context.Background(), f, nil, maxConcurrent, opts...)
	} else {
		s = NewScheduler(context.Background(), f, repo, maxConcurrent, opts...)
	}

	t.Cleanup(s.Close)

	return s
}

func requireStatus(t *testing.T, s *Scheduler, id string, want download.Status) download.Entity {
	t.Helper()

	var e download.Entity

	require.Eventually(t, func() bool {
		e, _ = s.Get(id)

		return e.Status == want
	}, waitFor, tick, "download %s never reached %s", id, want)

	return e
}

func countStatus(entities []download.Entity) map[download.Status]int {
	counts := make(map[download.Status]int)
	for _, e := range entities {
		counts[e.Status]++
	}

	return counts
}

func TestScheduler_ConcurrencyBoundUnderRacingSubmits(t *testing.T) {
	f := newFakeFetcher()
	f.autoComplete = 2 * time.Millisecond

	s := newTestScheduler(t, f, nil, 3)

	var peak atomic.Int32

	s.Subscribe(func(snapshot []download.Entity) {
		n := int32(countStatus(snapshot)[download.StatusDownloading])
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
	})

	const total = 30

	var wg sync.WaitGroup

	for i := range total {
		wg.Add(1)

		go func() {
			defer wg.Done()

			s.Submit(fmt.Sprintf("http://files/%d", i), fmt.Sprintf("%d.bin", i))
		}()
	}

	wg.Wait()

	require.Eventually(t, func() bool {
		return countStatus(s.List())[download.StatusCompleted] == total
	}, 5*time.Second, tick)

	assert.LessOrEqual(t, peak.Load(), int32(3), "snapshot showed more than 3 downloading")
	assert.LessOrEqual(t, f.peak.Load(), int32(3), "fetcher saw more than 3 concurrent calls")
	assert.Len(t, f.started(), total)
}

func TestScheduler_FIFOAdmission(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	a := s.Submit("a", "a.bin")
	b := s.Submit("b", "b.bin")
	c := s.Submit("c", "c.bin")

	ea, _ := s.Get(a)
	eb, _ := s.Get(b)
	ec, _ := s.Get(c)
	assert.Equal(t, download.StatusDownloading, ea.Status)
	assert.Equal(t, download.StatusQueued, eb.Status)
	assert.Equal(t, download.StatusQueued, ec.Status)

	f.waitCall(t, "a").succeed()
	requireStatus(t, s, b, download.StatusDownloading)

	ec, _ = s.Get(c)
	assert.Equal(t, download.StatusQueued, ec.Status)

	f.waitCall(t, "b").succeed()
	requireStatus(t, s, c, download.StatusDownloading)
	f.waitCall(t, "c").succeed()
	requireStatus(t, s, c, download.StatusCompleted)

	assert.Equal(t, []string{"a", "b", "c"}, f.started())
}

func TestScheduler_ProgressIsMonotonic(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	var (
		mu   sync.Mutex
		seen []int
	)

	s.Subscribe(func(snapshot []download.Entity) {
		for _, e := range snapshot {
			if e.ID == id && e.Status == download.StatusDownloading {
				mu.Lock()
				seen = append(seen, e.Progress)
				mu.Unlock()
			}
		}
	})

	call.progress(download.Progress{Downloaded: 10, Total: 100})
	call.progress(download.Progress{Downloaded: 30, Total: 100})
	call.progress(download.Progress{Downloaded: 20, Total: 100})
	call.progress(download.Progress{Downloaded: 55, Total: 100})

	e, _ := s.Get(id)
	assert.Equal(t, 55, e.Progress)
	assert.Equal(t, int64(55), e.Downloaded)
	assert.Equal(t, int64(100), e.Size)

	mu.Lock()
	observed := append([]int(nil), seen...)
	mu.Unlock()

	for i := 1; i < len(observed); i++ {
		assert.GreaterOrEqual(t, observed[i], observed[i-1], "progress went backwards: %v", observed)
	}

	call.succeed()

	e = requireStatus(t, s, id, download.StatusCompleted)
	assert.Equal(t, 100, e.Progress)
	assert.Equal(t, "/downloads/a.bin", e.FilePath)
	assert.Zero(t, e.Speed)
	assert.Nil(t, e.ETA)
	assert.False(t, e.EndTime.IsZero())
}

func TestScheduler_PercentFromTransportWhenSizeUnknown(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	call.progress(download.Progress{Downloaded: 10, Percent: 25})
	call.progress(download.Progress{Downloaded: 20, Percent: 15})

	e, _ := s.Get(id)
	assert.Equal(t, 25, e.Progress)
	assert.Zero(t, e.Size)
}

func TestScheduler_CancelIsIdempotent(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 2)

	id := s.Submit("a", "a.bin")
	f.waitCall(t, "a")

	s.Cancel(id)
	s.Cancel(id)

	first := requireStatus(t, s, id, download.StatusCancelled)
	assert.Empty(t, first.Error)
	assert.False(t, first.EndTime.IsZero())

	s.Cancel(id)

	again, _ := s.Get(id)
	assert.Equal(t, first, again)

	done := s.Submit("b", "b.bin")
	f.waitCall(t, "b").succeed()
	requireStatus(t, s, done, download.StatusCompleted)

	s.Cancel(done)

	e, _ := s.Get(done)
	assert.Equal(t, download.StatusCompleted, e.Status)

	s.Cancel("does-not-exist")
}

func TestScheduler_CancelWinsOverCompletion(t *testing.T) {
	f := newFakeFetcher()
	f.ignoreCancel = true

	s := newTestScheduler(t, f, nil, 1)

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	call.progress(download.Progress{Downloaded: 10, Total: 100})

	s.Cancel(id)

	// The transport keeps going and finishes after the cancel request.
	call.progress(download.Progress{Downloaded: 90, Total: 100})
	call.succeed()

	e := requireStatus(t, s, id, download.StatusCancelled)
	assert.Equal(t, int64(10), e.Downloaded, "progress after cancel must be dropped")
	assert.Equal(t, 10, e.Progress)
	assert.Empty(t, e.FilePath)
	assert.Empty(t, e.Error)
}

func TestScheduler_CancelWinsCountsAsCancelled(t *testing.T) {
	reader := sdkmetric.NewManualReader()

	tel, err := telemetry.New(context.Background(), telemetry.Config{
		Enabled:     true,
		ServiceName: "download_manager_test",
		Readers:     []sdkmetric.Reader{reader},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	f := newFakeFetcher()
	f.ignoreCancel = true

	s := newTestScheduler(t, f, nil, 1, WithTelemetry(tel))

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	s.Cancel(id)
	call.succeed()

	requireStatus(t, s, id, download.StatusCancelled)

	var finished map[string]int64

	require.Eventually(t, func() bool {
		finished = downloadsByStatus(t, reader)

		return len(finished) > 0
	}, waitFor, tick)

	assert.Equal(t, map[string]int64{"cancelled": 1}, finished)
}

func downloadsByStatus(t *testing.T, reader sdkmetric.Reader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "downloads_total" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "downloads_total is %T", m.Data)

			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value("status")
				out[status.AsString()] += dp.Value
			}
		}
	}

	return out
}

func TestScheduler_CloseWhileSubmitting(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 4)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)

	for i := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			<-start

			for j := range 25 {
				s.Submit(fmt.Sprintf("u%d-%d", i, j), "f.bin")
			}
		}()
	}

	close(start)
	s.Close()

	assert.Zero(t, f.active.Load(), "no fetch may outlive Close")

	wg.Wait()

	assert.Zero(t, f.active.Load(), "no fetch may start after Close")
	assert.Len(t, s.List(), 8*25)
}

func TestScheduler_FiveSubmitsThreeSlots(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 3)

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = s.Submit(fmt.Sprintf("u%d", i), fmt.Sprintf("f%d", i))
	}

	counts := countStatus(s.List())
	assert.Equal(t, 3, counts[download.StatusDownloading])
	assert.Equal(t, 2, counts[download.StatusQueued])

	f.waitCall(t, "u0").succeed()

	requireStatus(t, s, ids[3], download.StatusDownloading)

	counts = countStatus(s.List())
	assert.Equal(t, 1, counts[download.StatusCompleted])
	assert.Equal(t, 3, counts[download.StatusDownloading])
	assert.Equal(t, 1, counts[download.StatusQueued])

	e, _ := s.Get(ids[4])
	assert.Equal(t, download.StatusQueued, e.Status)
}

func TestScheduler_CancelWhileQueued(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	first := s.Submit("a", "a.bin")
	queued := s.Submit("b", "b.bin")

	s.Cancel(queued)

	e, _ := s.Get(queued)
	require.Equal(t, download.StatusCancelled, e.Status, "queued cancel must be synchronous")
	assert.Empty(t, e.Error)
	assert.True(t, e.StartTime.IsZero())
	assert.False(t, e.EndTime.IsZero())

	f.waitCall(t, "a").succeed()
	requireStatus(t, s, first, download.StatusCompleted)

	assert.Equal(t, []string{"a"}, f.started())

	e, _ = s.Get(queued)
	assert.Equal(t, download.StatusCancelled, e.Status)
}

func TestScheduler_FailureRecordsError(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	call.progress(download.Progress{Downloaded: 40, Total: 100})
	call.fail(&download.NetworkError{Operation: "fetch", StatusCode: 404, Message: "Not Found"})

	e := requireStatus(t, s, id, download.StatusFailed)
	assert.Equal(t, "network error during fetch (HTTP 404): Not Found", e.Error)
	assert.Equal(t, 40, e.Progress, "progress freezes on failure")
	assert.Empty(t, e.FilePath)
}

func TestScheduler_ETAUndefinedUntilSizeKnown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1, WithClock(clock.Now))

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	for i := 1; i <= 3; i++ {
		clock.Advance(time.Second)
		call.progress(download.Progress{Downloaded: int64(i) * 100})

		e, _ := s.Get(id)
		assert.Nil(t, e.ETA, "eta must be undefined while size is unknown (report %d)", i)
		assert.InDelta(t, 100.0, e.Speed, 0.001)
	}

	clock.Advance(time.Second)
	call.progress(download.Progress{Downloaded: 400, Total: 1000})

	e, _ := s.Get(id)
	require.NotNil(t, e.ETA)
	assert.InDelta(t, 6.0, *e.ETA, 0.001)
	assert.Equal(t, 40, e.Progress)
}

func TestScheduler_TransportFiguresTakePrecedence(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1, WithClock(clock.Now))

	id := s.Submit("a", "a.bin")
	call := f.waitCall(t, "a")

	clock.Advance(time.Second)
	call.progress(download.Progress{Downloaded: 100, Total: 1000, Speed: 250, ETA: 90 * time.Second})

	e, _ := s.Get(id)
	assert.InDelta(t, 250.0, e.Speed, 0.001)
	require.NotNil(t, e.ETA)
	assert.InDelta(t, 90.0, *e.ETA, 0.001)
}

func TestScheduler_ListToday(t *testing.T) {
	day := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	repo := &memRepo{stored: []download.Entity{
		{ID: "old", Status: download.StatusCompleted, Progress: 100, StartTime: day(0, 0).Add(-2 * time.Hour), EndTime: day(0, 0).Add(-time.Hour)},
		{ID: "morning", Status: download.StatusCompleted, Progress: 100, StartTime: day(8, 0), EndTime: day(9, 0)},
		{ID: "noon", Status: download.StatusFailed, StartTime: day(11, 0), EndTime: day(12, 0), Error: "boom"},
		{ID: "future", Status: download.StatusCancelled, StartTime: day(16, 0), EndTime: day(17, 0)},
	}}

	clock := &fakeClock{now: day(14, 0)}
	ids := []string{"running", "waiting"}
	next := 0

	f := newFakeFetcher()
	s := newTestScheduler(t, f, repo, 1,
		WithClock(clock.Now),
		WithIDGenerator(func() string { id := ids[next]; next++; return id }),
	)

	s.Submit("r", "r.bin")
	clock.Set(day(14, 30))
	s.Submit("w", "w.bin")
	clock.Set(day(15, 0))

	idsOf := func(entities []download.Entity) []string {
		out := make([]string, 0, len(entities))
		for _, e := range entities {
			out = append(out, e.ID)
		}

		return out
	}

	assert.Equal(t, []string{"waiting", "running", "noon", "morning"}, idsOf(s.ListToday(0)))
	assert.Equal(t, []string{"waiting", "running", "noon"}, idsOf(s.ListToday(3)))
	assert.Equal(t, []string{"waiting", "running", "noon", "morning"}, idsOf(s.ListToday(10)))
}

func TestScheduler_SubscribeDeliversImmediately(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 3)

	id := s.Submit("a", "a.bin")
	f.waitCall(t, "a")

	var calls [][]download.Entity

	unsubscribe := s.Subscribe(func(snapshot []download.Entity) {
		calls = append(calls, snapshot)
		snapshot[0].Status = download.StatusFailed
	})

	require.Len(t, calls, 1)
	require.Len(t, calls[0], 1)
	assert.Equal(t, id, calls[0][0].ID)

	e, _ := s.Get(id)
	assert.Equal(t, download.StatusDownloading, e.Status, "listeners must receive copies")

	unsubscribe()
	unsubscribe()

	s.Submit("b", "b.bin")
	f.waitCall(t, "b")

	assert.Len(t, calls, 1)
}

func TestScheduler_ListenersMayCallBack(t *testing.T) {
	f := newFakeFetcher()
	f.autoComplete = time.Millisecond

	s := newTestScheduler(t, f, nil, 1)

	var followUp atomic.Bool

	s.Subscribe(func(snapshot []download.Entity) {
		_ = s.List()

		for _, e := range snapshot {
			if e.URL == "first" && e.Status == download.StatusCompleted && followUp.CompareAndSwap(false, true) {
				s.Submit("second", "second.bin")
			}
		}
	})

	s.Submit("first", "first.bin")

	require.Eventually(t, func() bool {
		return countStatus(s.List())[download.StatusCompleted] == 2
	}, waitFor, tick)
}

func TestScheduler_ClearCompleted(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 1)

	done := s.Submit("a", "a.bin")
	running := s.Submit("b", "b.bin")
	waiting := s.Submit("c", "c.bin")

	f.waitCall(t, "a").succeed()
	requireStatus(t, s, running, download.StatusDownloading)

	s.Cancel(waiting)

	assert.Equal(t, 2, s.ClearCompleted())
	assert.Equal(t, 0, s.ClearCompleted())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, running, list[0].ID)

	_, ok := s.Get(done)
	assert.False(t, ok)
}

func TestScheduler_ClearFinishedBefore(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2026, 3, 10, h, 0, 0, 0, time.UTC) }

	repo := &memRepo{stored: []download.Entity{
		{ID: "early", Status: download.StatusCompleted, StartTime: at(1), EndTime: at(2)},
		{ID: "late", Status: download.StatusFailed, StartTime: at(5), EndTime: at(6)},
		{ID: "pending", Status: download.StatusQueued},
	}}

	f := newFakeFetcher()
	s := newTestScheduler(t, f, repo, 1)

	assert.Equal(t, 1, s.ClearFinishedBefore(at(4)))

	_, ok := s.Get("early")
	assert.False(t, ok)

	_, ok = s.Get("late")
	assert.True(t, ok)

	_, ok = s.Get("pending")
	assert.True(t, ok)
}

func TestScheduler_Rehydration(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	eta := 3.0

	repo := &memRepo{stored: []download.Entity{
		{ID: "r1", URL: "u1", Filename: "f1", Status: download.StatusDownloading, Progress: 40, Size: 100, Downloaded: 40, Speed: 10, ETA: &eta, StartTime: start},
		{ID: "r2", URL: "u2", Filename: "f2", Status: download.StatusQueued},
		{ID: "r3", URL: "u3", Filename: "f3", Status: download.StatusCompleted, Progress: 100, StartTime: start, EndTime: start.Add(time.Minute), FilePath: "/downloads/f3"},
		{ID: "r4", URL: "u4", Filename: "f4", Status: download.StatusCancelled, Progress: 12, StartTime: start, EndTime: start.Add(time.Second)},
	}}

	f := newFakeFetcher()
	s := newTestScheduler(t, f, repo, 1)

	list := s.List()
	require.Len(t, list, 4)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, []string{list[0].ID, list[1].ID, list[2].ID, list[3].ID})

	r1 := list[0]
	assert.Equal(t, download.StatusDownloading, r1.Status)
	assert.Zero(t, r1.Progress)
	assert.Zero(t, r1.Downloaded)
	assert.Zero(t, r1.Size)
	assert.Nil(t, r1.ETA)
	assert.True(t, r1.StartTime.After(start), "start time is reset on re-admission")

	assert.Equal(t, download.StatusQueued, list[1].Status)

	assert.Equal(t, start.Add(time.Minute), list[2].EndTime)
	assert.Equal(t, "/downloads/f3", list[2].FilePath)
	assert.Equal(t, 12, list[3].Progress)

	f.waitCall(t, "u1").succeed()
	requireStatus(t, s, "r2", download.StatusDownloading)
	f.waitCall(t, "u2")

	assert.Equal(t, []string{"u1", "u2"}, f.started())
}

func TestScheduler_PersistsAfterMutations(t *testing.T) {
	repo := &memRepo{}
	f := newFakeFetcher()
	s := newTestScheduler(t, f, repo, 1)

	id := s.Submit("a", "a.bin")

	stored := repo.last()
	require.Len(t, stored, 1)
	assert.Equal(t, id, stored[0].ID)
	assert.Equal(t, download.StatusDownloading, stored[0].Status)

	f.waitCall(t, "a").succeed()
	requireStatus(t, s, id, download.StatusCompleted)

	require.Eventually(t, func() bool {
		stored := repo.last()

		return len(stored) == 1 && stored[0].Status == download.StatusCompleted
	}, waitFor, tick)
}

func TestScheduler_CloseKeepsInterruptedDownloadsForRestart(t *testing.T) {
	repo := &memRepo{}
	f := newFakeFetcher()

	s := NewScheduler(context.Background(), f, repo, 1)

	id := s.Submit("a", "a.bin")
	f.waitCall(t, "a")

	s.Close()

	e, _ := s.Get(id)
	assert.Equal(t, download.StatusDownloading, e.Status)
	assert.True(t, e.EndTime.IsZero())

	stored := repo.last()
	require.Len(t, stored, 1)
	assert.Equal(t, download.StatusDownloading, stored[0].Status)

	restarted := newTestScheduler(t, f, repo, 1)

	e, ok := restarted.Get(id)
	require.True(t, ok)
	assert.Equal(t, download.StatusDownloading, e.Status)
	assert.Zero(t, e.Progress)
}

func TestScheduler_PersistenceErrorsDoNotBreakTheQueue(t *testing.T) {
	repo := &memRepo{
		loadErr: errors.New("disk on fire"),
		saveErr: errors.New("disk on fire"),
	}

	f := newFakeFetcher()
	s := newTestScheduler(t, f, repo, 1)

	id := s.Submit("a", "a.bin")
	f.waitCall(t, "a").succeed()

	requireStatus(t, s, id, download.StatusCompleted)

	repo.mu.Lock()
	saves := repo.saves
	repo.mu.Unlock()

	assert.Positive(t, saves)
}

func TestScheduler_InMemoryWithoutRepository(t *testing.T) {
	f := newFakeFetcher()
	s := newTestScheduler(t, f, nil, 0)

	for i := range 4 {
		s.Submit(fmt.Sprintf("u%d", i), "f")
	}

	assert.Equal(t, DefaultMaxConcurrent, countStatus(s.List())[download.StatusDownloading])
}
