package download

import "fmt"

// NetworkError represents transport failures: connection errors, timeouts and
// non-2xx responses from the file server.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch", "open_stream")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// WriteError represents failures writing the downloaded bytes to local disk.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// StorageError represents failures reading or writing the persisted queue.
// It is logged by the scheduler and never surfaced to callers.
type StorageError struct {
	Operation string // "load" or "save"
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
