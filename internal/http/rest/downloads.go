package rest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
	"github.com/italolelis/download_manager/internal/queue"
)

// Queue is the part of the scheduler exposed over HTTP.
type Queue interface {
	Submit(url, filename string) string
	Cancel(id string)
	Get(id string) (download.Entity, bool)
	List() []download.Entity
	ListToday(limit int) []download.Entity
	ClearCompleted() int
	Subscribe(fn queue.Listener) func()
}

// SubmitRequest is the body of POST /downloads.
type SubmitRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// SubmitResponse is returned by POST /downloads.
type SubmitResponse struct {
	ID string `json:"id"`
}

// ClearResponse is returned by POST /downloads/clear.
type ClearResponse struct {
	Removed int `json:"removed"`
}

type DownloadsHandler struct {
	username string
	password string
	queue    Queue
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced only
// when a username is set.
func NewDownloadsHandler(username, password string, q Queue) *DownloadsHandler {
	return &DownloadsHandler{
		username: username,
		password: password,
		queue:    q,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleSubmit)
		r.Get("/", h.HandleList)
		r.Get("/today", h.HandleListToday)
		r.Get("/events", h.HandleEvents)
		r.Post("/clear", h.HandleClear)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleCancel)
	})

	return r
}

// HandleSubmit queues a new download.
func (h *DownloadsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	filename, err := validateSubmit(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	id := h.queue.Submit(req.URL, filename)

	writeJSON(w, r, http.StatusAccepted, SubmitResponse{ID: id})
}

// HandleList returns every download.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, nonNil(h.queue.List()))
}

// HandleListToday returns today's downloads, optionally limited by ?limit=N.
func (h *DownloadsHandler) HandleListToday(w http.ResponseWriter, r *http.Request) {
	limit := 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)

			return
		}

		limit = n
	}

	writeJSON(w, r, http.StatusOK, nonNil(h.queue.ListToday(limit)))
}

// HandleGet returns a single download.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	e, ok := h.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "download not found", http.StatusNotFound)

		return
	}

	writeJSON(w, r, http.StatusOK, e)
}

// HandleCancel cancels a download. Unknown or finished ids are accepted.
func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.queue.Cancel(chi.URLParam(r, "id"))

	w.WriteHeader(http.StatusNoContent)
}

// HandleClear removes every finished download.
func (h *DownloadsHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, ClearResponse{Removed: h.queue.ClearCompleted()})
}

// HandleEvents streams one "snapshot" server-sent event per queue change,
// starting with the current state. Slow clients skip intermediate snapshots.
func (h *DownloadsHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)
	rc := http.NewResponseController(w)

	// The stream outlives the server write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		logger.Debug("could not clear write deadline for event stream", "err", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	updates := make(chan []download.Entity, 1)

	unsubscribe := h.queue.Subscribe(func(snapshot []download.Entity) {
		for {
			select {
			case updates <- snapshot:
				return
			default:
			}

			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-updates:
			data, err := json.Marshal(nonNil(snapshot))
			if err != nil {
				logger.Error("failed to marshal snapshot", "err", err)

				return
			}

			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data); err != nil {
				return
			}

			if err := rc.Flush(); err != nil {
				logger.Error("event stream does not support flushing", "err", err)

				return
			}
		}
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="download_manager"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) != 1 {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateSubmit checks the URL and derives a filename from it when none is given.
func validateSubmit(req SubmitRequest) (string, error) {
	if req.URL == "" {
		return "", fmt.Errorf("url is required")
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("url must be an absolute http(s) URL")
	}

	if req.Filename != "" {
		return req.Filename, nil
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return "", fmt.Errorf("filename is required when the url has no file name")
	}

	return name, nil
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func nonNil(entities []download.Entity) []download.Entity {
	if entities == nil {
		return []download.Entity{}
	}

	return entities
}
