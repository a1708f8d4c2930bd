package download

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition can happen from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether the download is waiting for a slot or transferring.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusDownloading
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusDownloading || next == StatusCancelled
	case StatusDownloading:
		return next.IsTerminal()
	default:
		return false
	}
}

// Entity is one requested file transfer and its current state.
type Entity struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Status   Status `json:"status"`

	// Progress is an integer percentage in the range 0..100.
	Progress int `json:"progress"`

	// Size is zero until the transport reports a total.
	Size       int64    `json:"size"`
	Downloaded int64    `json:"downloaded"`
	Speed      float64  `json:"speed"`         // bytes per second
	ETA        *float64 `json:"eta,omitempty"` // seconds remaining

	CreatedAt time.Time `json:"createdAt"`
	StartTime time.Time `json:"startTime"`
	EndTime   time.Time `json:"endTime"`

	FilePath string `json:"filePath,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MarshalJSON omits the start and end times until they are set.
func (e Entity) MarshalJSON() ([]byte, error) {
	type plain Entity

	return json.Marshal(struct {
		plain
		StartTime *time.Time `json:"startTime,omitempty"`
		EndTime   *time.Time `json:"endTime,omitempty"`
	}{plain(e), optionalTime(e.StartTime), optionalTime(e.EndTime)})
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}

// Clone returns a deep copy of e.
func (e Entity) Clone() Entity {
	if e.ETA != nil {
		eta := *e.ETA
		e.ETA = &eta
	}

	return e
}

// RelevantTime is the timestamp used to place the entity on a calendar day:
// the end time for terminal entities, otherwise the start time (or the
// submission time while still queued).
func (e Entity) RelevantTime() time.Time {
	if e.Status.IsTerminal() {
		return e.EndTime
	}

	if !e.StartTime.IsZero() {
		return e.StartTime
	}

	return e.CreatedAt
}

// Progress is a single report from a Fetcher. Zero values mean "not reported".
type Progress struct {
	Downloaded int64
	Total      int64
	Speed      float64
	ETA        time.Duration

	// Percent is only used when Total is unknown.
	Percent int
}

// ProgressFunc receives progress reports in the order they happen.
type ProgressFunc func(Progress)

// Fetcher moves the bytes of one download. Implementations must stop when ctx
// is cancelled and return the final destination on success.
type Fetcher interface {
	Fetch(ctx context.Context, url, filename string, onProgress ProgressFunc) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url, filename string, onProgress ProgressFunc) (string, error)

func (f FetcherFunc) Fetch(ctx context.Context, url, filename string, onProgress ProgressFunc) (string, error) {
	return f(ctx, url, filename, onProgress)
}
