package progress

import (
	"errors"
	"io"
	"time"
)

// Reader wraps an io.Reader and reports the cumulative bytes read via a
// callback, at most once per interval and always once when the stream ends.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	totalRead  int64
	lastReport time.Time
	interval   time.Duration
	now        func() time.Time
	done       bool
}

func NewReader(r io.Reader, total int64, interval time.Duration, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
		now:        time.Now,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		if now := pr.now(); now.Sub(pr.lastReport) >= pr.interval {
			pr.report()
			pr.lastReport = now
		}
	}

	if errors.Is(err, io.EOF) && !pr.done {
		pr.done = true
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead
}

func (pr *Reader) report() {
	if pr.OnProgress != nil {
		pr.OnProgress(pr.totalRead, pr.Total)
	}
}
