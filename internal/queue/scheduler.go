package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/progress"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// DefaultMaxConcurrent is used when NewScheduler gets a non-positive limit.
const DefaultMaxConcurrent = 3

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithIDGenerator replaces the UUID generator used for new downloads.
func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) {
		s.newID = gen
	}
}

// WithTelemetry records download and queue metrics.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Scheduler) {
		s.tel = tel
	}
}

// Scheduler owns the download list, admits queued downloads in submission
// order while at most maxConcurrent are transferring, and runs each admitted
// download on its own goroutine.
type Scheduler struct {
	fetcher       download.Fetcher
	repo          storage.DownloadRepository
	tel           *telemetry.Telemetry
	maxConcurrent int
	now           func() time.Time
	newID         func() string

	// ctx is cancelled by Close; every fetch context derives from it.
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu              sync.Mutex
	entities        map[string]*download.Entity
	order           []string
	pending         deque.Deque[string]
	active          int
	cancels         map[string]context.CancelFunc
	cancelRequested map[string]struct{}
	estimators      map[string]*progress.Estimator
	bus             bus
}

// NewScheduler restores the persisted list from repo, if any, and starts
// admitting downloads. A nil repo keeps the queue in memory only.
func NewScheduler(
	ctx context.Context,
	fetcher download.Fetcher,
	repo storage.DownloadRepository,
	maxConcurrent int,
	opts ...Option,
) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	runCtx, stop := context.WithCancel(ctx)

	s := &Scheduler{
		fetcher:         fetcher,
		repo:            repo,
		maxConcurrent:   maxConcurrent,
		now:             time.Now,
		newID:           uuid.NewString,
		ctx:             runCtx,
		stop:            stop,
		entities:        make(map[string]*download.Entity),
		cancels:         make(map[string]context.CancelFunc),
		cancelRequested: make(map[string]struct{}),
		estimators:      make(map[string]*progress.Estimator),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.restore()

	return s
}

// Submit queues a new download and returns its id without waiting for it to start.
func (s *Scheduler) Submit(url, filename string) string {
	s.mu.Lock()

	id := s.newID()
	s.entities[id] = &download.Entity{
		ID:        id,
		URL:       url,
		Filename:  filename,
		Status:    download.StatusQueued,
		CreatedAt: s.now(),
	}
	s.order = append(s.order, id)
	s.pushPending(id)

	s.admitLocked()
	s.publishLocked(true)
	s.mu.Unlock()

	s.flush()

	logctx.LoggerFromContext(s.ctx).InfoContext(logctx.WithDownloadID(s.ctx, id), "download queued", "filename", filename)

	return id
}

// Cancel stops a download. A queued download is cancelled immediately. A
// running one has its fetch aborted and becomes cancelled once the fetch
// returns; no progress or completion is applied in between. Unknown and
// finished ids are ignored.
func (s *Scheduler) Cancel(id string) {
	logger := logctx.LoggerFromContext(s.ctx)
	ctx := logctx.WithDownloadID(s.ctx, id)

	s.mu.Lock()

	e, ok := s.entities[id]
	if !ok {
		s.mu.Unlock()

		return
	}

	switch e.Status {
	case download.StatusQueued:
		s.removePending(id)

		e.Status = download.StatusCancelled
		e.EndTime = s.now()

		s.publishLocked(true)
		s.mu.Unlock()

		s.flush()

		logger.InfoContext(ctx, "queued download cancelled")
	case download.StatusDownloading:
		if _, requested := s.cancelRequested[id]; requested {
			s.mu.Unlock()

			return
		}

		s.cancelRequested[id] = struct{}{}

		if cancel, ok := s.cancels[id]; ok {
			cancel()
		}

		s.mu.Unlock()

		logger.InfoContext(ctx, "download cancellation requested")
	default:
		s.mu.Unlock()
	}
}

// Get returns a copy of the download with the given id.
func (s *Scheduler) Get(id string) (download.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return download.Entity{}, false
	}

	return e.Clone(), true
}

// List returns a copy of every download in submission order.
func (s *Scheduler) List() []download.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

// ListToday returns the downloads whose start time (end time once finished)
// falls between local midnight and now. Unfinished downloads come first, then
// the rest newest first. A positive limit truncates the result.
func (s *Scheduler) ListToday(limit int) []download.Entity {
	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	s.mu.Lock()

	var today []download.Entity

	for _, id := range s.order {
		e := s.entities[id]

		at := e.RelevantTime()
		if at.IsZero() || at.Before(midnight) || at.After(now) {
			continue
		}

		today = append(today, e.Clone())
	}

	s.mu.Unlock()

	sort.SliceStable(today, func(i, j int) bool {
		ti, tj := today[i].Status.IsTerminal(), today[j].Status.IsTerminal()
		if ti != tj {
			return !ti
		}

		return today[i].RelevantTime().After(today[j].RelevantTime())
	})

	if limit > 0 && len(today) > limit {
		today = today[:limit]
	}

	return today
}

// ClearCompleted removes every finished download and returns how many were removed.
func (s *Scheduler) ClearCompleted() int {
	return s.removeFinished(func(download.Entity) bool { return true })
}

// ClearFinishedBefore removes finished downloads that ended before cutoff.
func (s *Scheduler) ClearFinishedBefore(cutoff time.Time) int {
	return s.removeFinished(func(e download.Entity) bool { return e.EndTime.Before(cutoff) })
}

// Close aborts running fetches and waits for their goroutines. Downloads
// interrupted this way keep their downloading status so the next start
// queues them again.
func (s *Scheduler) Close() {
	// admitLocked adds to wg under mu after checking ctx, so the cancel must
	// happen under mu too or a late Add can race Wait.
	s.mu.Lock()
	s.stop()
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) removeFinished(match func(download.Entity) bool) int {
	s.mu.Lock()

	kept := s.order[:0]
	removed := 0

	for _, id := range s.order {
		e := s.entities[id]
		if e.Status.IsTerminal() && match(*e) {
			delete(s.entities, id)

			removed++

			continue
		}

		kept = append(kept, id)
	}

	s.order = kept

	if removed == 0 {
		s.mu.Unlock()

		return 0
	}

	s.publishLocked(true)
	s.mu.Unlock()

	s.flush()

	return removed
}

// restore loads the persisted list. Unfinished downloads restart from
// scratch at the back of the queue, in their stored order.
func (s *Scheduler) restore() {
	if s.repo == nil {
		return
	}

	logger := logctx.LoggerFromContext(s.ctx)

	stored, err := s.repo.Load(context.WithoutCancel(s.ctx))
	if err != nil {
		logger.Error("failed to load downloads, continuing in memory", "err", err)
		s.tel.RecordSystemError("scheduler", "load")

		return
	}

	s.mu.Lock()

	requeued := 0

	for _, e := range stored {
		if _, dup := s.entities[e.ID]; dup || e.ID == "" {
			continue
		}

		e = e.Clone()

		switch {
		case e.Status.IsActive():
			e.Status = download.StatusQueued
			e.Progress = 0
			e.Size = 0
			e.Downloaded = 0
			e.Speed = 0
			e.ETA = nil
			e.StartTime = time.Time{}
			e.EndTime = time.Time{}
			e.FilePath = ""
			e.Error = ""

			s.pushPending(e.ID)

			requeued++
		case e.Status.IsTerminal():
		default:
			logger.Warn("skipping stored download with unknown status", "download_id", e.ID, "status", e.Status)

			continue
		}

		s.entities[e.ID] = &e
		s.order = append(s.order, e.ID)
	}

	s.admitLocked()
	s.publishLocked(true)
	s.mu.Unlock()

	s.flush()

	logger.Info("downloads restored", "total", len(stored), "requeued", requeued)
}

// admitLocked starts queued downloads while slots are free.
func (s *Scheduler) admitLocked() {
	for s.ctx.Err() == nil && s.active < s.maxConcurrent && s.pending.Len() > 0 {
		id := s.popPending()

		e, ok := s.entities[id]
		if !ok || e.Status != download.StatusQueued {
			continue
		}

		e.Status = download.StatusDownloading
		e.StartTime = s.now()
		s.active++

		ctx, cancel := context.WithCancel(logctx.WithDownloadID(s.ctx, id))
		s.cancels[id] = cancel
		s.estimators[id] = progress.NewEstimator(0, e.StartTime)

		s.wg.Add(1)

		go s.run(ctx, id, e.URL, e.Filename)
	}
}

func (s *Scheduler) run(ctx context.Context, id, url, filename string) {
	defer s.wg.Done()

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download started", "url", url)

	var dest string

	err := s.tel.InstrumentDownload(ctx, func(ctx context.Context) error {
		var err error

		dest, err = s.fetcher.Fetch(ctx, url, filename, func(p download.Progress) {
			s.applyProgress(id, p)
		})

		return err
	})

	s.finish(ctx, id, dest, err)
}

// applyProgress folds one fetcher report into the entity. Reports for
// downloads that are no longer running, or that have a pending cancel, are
// dropped.
func (s *Scheduler) applyProgress(id string, p download.Progress) {
	s.mu.Lock()

	e, ok := s.entities[id]
	est, running := s.estimators[id]

	if !ok || !running || e.Status != download.StatusDownloading {
		s.mu.Unlock()

		return
	}

	if _, requested := s.cancelRequested[id]; requested {
		s.mu.Unlock()

		return
	}

	now := s.now()

	if p.Total > 0 {
		e.Size = p.Total
	}

	if p.Downloaded > e.Downloaded {
		e.Downloaded = p.Downloaded
	}

	percent, ok := progress.Percent(e.Downloaded, e.Size)
	if !ok {
		percent = min(max(p.Percent, 0), 100)
	}

	e.Progress = max(e.Progress, percent)

	speed, ok := est.Observe(e.Downloaded, now)

	switch {
	case p.Speed > 0:
		e.Speed = p.Speed
	case ok:
		e.Speed = speed
	}

	if p.ETA > 0 {
		eta := p.ETA.Seconds()
		e.ETA = &eta
	} else if eta, ok := progress.ETA(e.Size, e.Downloaded, e.Speed); ok {
		e.ETA = &eta
	} else {
		e.ETA = nil
	}

	s.publishLocked(false)
	s.mu.Unlock()

	s.flush()
}

// finish records the outcome of a fetch and refills the freed slot. A cancel
// request always wins over the fetch result.
func (s *Scheduler) finish(ctx context.Context, id, dest string, err error) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()

	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}

	delete(s.estimators, id)

	_, cancelled := s.cancelRequested[id]
	delete(s.cancelRequested, id)

	s.active--

	e, ok := s.entities[id]
	if !ok || e.Status != download.StatusDownloading {
		s.mu.Unlock()

		return
	}

	if !cancelled && err != nil && s.ctx.Err() != nil {
		s.mu.Unlock()

		logger.InfoContext(ctx, "download interrupted by shutdown")

		return
	}

	switch {
	case cancelled:
		e.Status = download.StatusCancelled
	case err == nil:
		e.Status = download.StatusCompleted
		e.Progress = 100
		e.FilePath = dest
	default:
		e.Status = download.StatusFailed
		e.Error = err.Error()
	}

	e.EndTime = s.now()
	e.Speed = 0
	e.ETA = nil

	final := e.Clone()

	s.admitLocked()
	s.publishLocked(true)
	s.mu.Unlock()

	s.flush()

	s.tel.RecordDownload(string(final.Status), final.EndTime.Sub(final.StartTime))

	switch final.Status {
	case download.StatusCompleted:
		s.tel.RecordBytes(final.Downloaded)

		logger.InfoContext(ctx, "download completed",
			"file_path", final.FilePath,
			"size", humanize.Bytes(uint64(final.Downloaded)),
			"duration", final.EndTime.Sub(final.StartTime).String(),
		)
	case download.StatusFailed:
		if errors.Is(err, context.DeadlineExceeded) {
			s.tel.RecordSystemError("scheduler", "timeout")
		}

		logger.ErrorContext(ctx, "download failed", "err", err)
	default:
		logger.InfoContext(ctx, "download cancelled")
	}
}

func (s *Scheduler) persist(snapshot []download.Entity) {
	if s.repo == nil {
		return
	}

	if err := s.repo.Save(context.WithoutCancel(s.ctx), snapshot); err != nil {
		logctx.LoggerFromContext(s.ctx).Error("failed to save downloads", "err", err)
		s.tel.RecordSystemError("scheduler", "save")
	}
}

func (s *Scheduler) snapshotLocked() []download.Entity {
	out := make([]download.Entity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entities[id].Clone())
	}

	return out
}

func (s *Scheduler) pushPending(id string) {
	s.pending.PushBack(id)
	s.tel.AddQueued(1)
}

func (s *Scheduler) popPending() string {
	s.tel.AddQueued(-1)

	return s.pending.PopFront()
}

func (s *Scheduler) removePending(id string) {
	if i := s.pending.Index(func(v string) bool { return v == id }); i >= 0 {
		s.pending.Remove(i)
		s.tel.AddQueued(-1)
	}
}
