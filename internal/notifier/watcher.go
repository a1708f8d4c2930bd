package notifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
)

// Watcher turns download snapshots into one notification per download that
// reaches a terminal status. Downloads already finished in the first snapshot
// it sees are history and stay silent.
type Watcher struct {
	notifier Notifier
	messages chan string

	mu     sync.Mutex
	seen   map[string]download.Status
	primed bool
}

func NewWatcher(n Notifier, buffer int) *Watcher {
	return &Watcher{
		notifier: n,
		messages: make(chan string, buffer),
		seen:     make(map[string]download.Status),
	}
}

// Observe is a queue listener. It never blocks; when the buffer is full the
// message is dropped.
func (w *Watcher) Observe(snapshot []download.Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seen := make(map[string]download.Status, len(snapshot))

	for _, e := range snapshot {
		seen[e.ID] = e.Status

		if !w.primed || !e.Status.IsTerminal() {
			continue
		}

		if prev, ok := w.seen[e.ID]; ok && prev.IsTerminal() {
			continue
		}

		select {
		case w.messages <- message(e):
		default:
		}
	}

	w.seen = seen
	w.primed = true
}

// Run sends queued messages until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.messages:
			if err := w.notifier.Notify(ctx, msg); err != nil {
				logger.Error("failed to send notification", "err", err)
			}
		}
	}
}

func message(e download.Entity) string {
	switch e.Status {
	case download.StatusCompleted:
		return fmt.Sprintf("Download completed: %s (%s)", e.Filename, humanize.Bytes(uint64(e.Downloaded)))
	case download.StatusFailed:
		return fmt.Sprintf("Download failed: %s: %s", e.Filename, e.Error)
	default:
		return fmt.Sprintf("Download cancelled: %s", e.Filename)
	}
}
