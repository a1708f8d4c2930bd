// Package fetch moves the bytes of a download from an HTTP server to disk.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/progress"
)

const (
	dirPerm         = 0755
	filePerm        = 0644
	partSuffix      = ".part"
	copyBufferSize  = 32 * 1024
	maxNameAttempts = 1000
)

// Config holds the HTTP fetcher settings.
type Config struct {
	Dir              string
	RetryMax         int
	RetryWaitMin     time.Duration
	RetryWaitMax     time.Duration
	ProgressInterval time.Duration
}

// HTTPFetcher downloads a URL into Dir. Bytes land in a private .part file
// that is renamed once the body has been read completely. A taken name gets
// a " (n)" suffix instead of being overwritten.
type HTTPFetcher struct {
	dir              string
	client           *retryablehttp.Client
	progressInterval time.Duration
}

// NewHTTPFetcher creates a fetcher whose retry logs go to the context logger.
func NewHTTPFetcher(ctx context.Context, cfg Config) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.Logger = logctx.LoggerFromContext(ctx).With("component", "fetcher")
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPFetcher{
		dir:              cfg.Dir,
		client:           client,
		progressInterval: cfg.ProgressInterval,
	}
}

// Fetch implements download.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url, filename string, onProgress download.ProgressFunc) (string, error) {
	logger := logctx.LoggerFromContext(ctx)

	name, err := sanitizeFilename(filename)
	if err != nil {
		return "", &download.WriteError{Path: filename, Err: err}
	}

	targetPath := filepath.Join(f.dir, name)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &download.NetworkError{Operation: "build_request", Message: err.Error(), Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", &download.NetworkError{Operation: "fetch", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", &download.NetworkError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	if err := ensureTargetDir(targetPath, logger); err != nil {
		return "", &download.WriteError{Path: targetPath, Err: err}
	}

	// Each transfer writes its own temp file so same-named downloads never share bytes.
	out, err := os.CreateTemp(f.dir, name+".*"+partSuffix)
	if err != nil {
		return "", &download.WriteError{Path: targetPath, Err: err}
	}

	partPath := out.Name()

	// CreateTemp uses 0600; finished downloads are meant to be shared.
	_ = out.Chmod(filePerm)

	total := max(resp.ContentLength, 0)

	if err := f.writeFile(ctx, out, resp.Body, url, targetPath, total, onProgress); err != nil {
		out.Close()
		os.Remove(partPath)

		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		return "", err
	}

	if err := out.Close(); err != nil {
		os.Remove(partPath)

		return "", &download.WriteError{Path: partPath, Err: err}
	}

	targetPath, err = moveIntoPlace(partPath, f.dir, name)
	if err != nil {
		os.Remove(partPath)

		return "", &download.WriteError{Path: filepath.Join(f.dir, name), Err: err}
	}

	logger.InfoContext(ctx, "downloaded and saved file", "target", targetPath)

	return targetPath, nil
}

func (f *HTTPFetcher) writeFile(
	ctx context.Context,
	out io.Writer,
	body io.Reader,
	url, targetPath string,
	totalBytes int64,
	onProgress download.ProgressFunc,
) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "downloading file", "file_path", targetPath, "file_size", humanize.Bytes(uint64(totalBytes)))

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}

		if onProgress != nil {
			onProgress(download.Progress{Downloaded: written, Total: total})
		}
	}

	pr := progress.NewReader(body, totalBytes, f.progressInterval, progressCb)
	buf := make([]byte, copyBufferSize)

	// Read and write errors are told apart so disk failures surface as WriteError.
	for {
		n, readErr := pr.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return &download.WriteError{Path: targetPath, Err: err}
			}
		}

		if errors.Is(readErr, io.EOF) {
			return nil
		}

		if readErr != nil {
			return &download.NetworkError{Operation: "read_body", Message: readErr.Error(), Err: readErr}
		}
	}
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

// moveIntoPlace renames the finished temp file to name inside dir, or to
// "base (n).ext" when that name is taken. Existing files are never replaced.
func moveIntoPlace(partPath, dir, name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}

		target := filepath.Join(dir, candidate)

		// The exclusive create reserves the name; the rename then replaces only our placeholder.
		placeholder, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}

		if err != nil {
			return "", fmt.Errorf("failed to reserve %s: %w", target, err)
		}

		placeholder.Close()

		if err := os.Rename(partPath, target); err != nil {
			os.Remove(target)

			return "", fmt.Errorf("failed to move download into place: %w", err)
		}

		return target, nil
	}

	return "", fmt.Errorf("no free file name for %s after %d attempts", name, maxNameAttempts)
}

// sanitizeFilename keeps only the last path element so a download can never
// escape the download directory.
func sanitizeFilename(filename string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." || name == "" {
		return "", fmt.Errorf("invalid filename %q", filename)
	}

	return name, nil
}
