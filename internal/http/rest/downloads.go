package rest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/assetfetch/internal/downloader"
	"github.com/italolelis/assetfetch/internal/downloader/progress"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/storage"
)

const maxRequestBody = 64 * 1024

// EnqueueRequest is the body of POST /downloads.
type EnqueueRequest struct {
	URL  string `json:"url"`
	Path string `json:"path"`

	Retries          *int   `json:"retries,omitempty"`
	Timeout          string `json:"timeout,omitempty"`
	ReadWriteTimeout string `json:"read_write_timeout,omitempty"`
}

// DownloadView is a live task as returned by the API.
type DownloadView struct {
	Serial   int64  `json:"serial"`
	URL      string `json:"url"`
	Path     string `json:"path"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	progress.Snapshot
}

// RecordView is a history entry as returned by the API.
type RecordView struct {
	Serial     int64  `json:"serial"`
	InstanceID string `json:"instance_id"`
	URL        string `json:"url"`
	Path       string `json:"path"`
	Status     string `json:"status"`
	Bytes      int64  `json:"bytes"`
	ErrorCode  int    `json:"error_code"`
	Attempts   int    `json:"attempts"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// ListResponse is the body of GET /downloads.
type ListResponse struct {
	Active  []DownloadView `json:"active"`
	History []RecordView   `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type DownloadsHandler struct {
	manager  *downloader.Manager
	username string
	password string
}

// NewDownloadsHandler creates the downloads API. Basic auth is enforced when
// username is not empty.
func NewDownloadsHandler(manager *downloader.Manager, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		manager:  manager,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/downloads", h.HandleEnqueue)
	r.Get("/downloads", h.HandleList)
	r.Get("/downloads/{serial}", h.HandleGet)
	r.Delete("/downloads/{serial}", h.HandleDiscard)

	return r
}

// HandleEnqueue starts a new download.
func (h *DownloadsHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req EnqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")

		return
	}

	timeout, err := parseDuration(req.Timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout")

		return
	}

	readWriteTimeout, err := parseDuration(req.ReadWriteTimeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid read_write_timeout")

		return
	}

	task, err := h.manager.Enqueue(r.Context(), downloader.Request{
		URL:              req.URL,
		Path:             req.Path,
		Retries:          req.Retries,
		Timeout:          timeout,
		ReadWriteTimeout: readWriteTimeout,
	})
	if err != nil {
		switch {
		case errors.Is(err, downloader.ErrPathOutsideRoot):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, downloader.ErrDuplicateOutputPath):
			writeError(w, http.StatusConflict, err.Error())
		default:
			logger.ErrorContext(r.Context(), "failed to enqueue download", "err", err)
			writeError(w, http.StatusBadRequest, err.Error())
		}

		return
	}

	logger.InfoContext(r.Context(), "download enqueued", "serial", task.ID(), "url", task.URL())

	writeJSON(w, http.StatusAccepted, viewOf(task))
}

// HandleList returns live tasks and the recorded history.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	resp := ListResponse{Active: []DownloadView{}, History: []RecordView{}}

	for _, task := range h.manager.Active() {
		resp.Active = append(resp.Active, viewOf(task))
	}

	records, err := h.manager.History()
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "failed to load download history", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load download history")

		return
	}

	for _, rec := range records {
		resp.History = append(resp.History, recordViewOf(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// HandleGet returns a live task, or its history record once finished.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := serialParam(w, r)
	if !ok {
		return
	}

	if task, ok := h.manager.Get(id); ok {
		writeJSON(w, http.StatusOK, viewOf(task))

		return
	}

	records, err := h.manager.History()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load download history")

		return
	}

	for _, rec := range records {
		if rec.InstanceID == h.manager.InstanceID() && rec.Serial == id {
			writeJSON(w, http.StatusOK, recordViewOf(rec))

			return
		}
	}

	writeError(w, http.StatusNotFound, "download not found")
}

// HandleDiscard cancels a live task.
func (h *DownloadsHandler) HandleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := serialParam(w, r)
	if !ok {
		return
	}

	if !h.manager.Discard(id) {
		writeError(w, http.StatusNotFound, "download not found")

		return
	}

	logctx.LoggerFromContext(r.Context()).InfoContext(r.Context(), "download discard requested", "serial", id)

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="assetfetch"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func serialParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "serial"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid serial")

		return 0, false
	}

	return id, true
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	if d < 0 {
		return 0, errors.New("negative duration")
	}

	return d, nil
}

func viewOf(task *downloader.Task) DownloadView {
	return DownloadView{
		Serial:   task.ID(),
		URL:      task.URL(),
		Path:     task.OutputPath(),
		State:    task.State().String(),
		Attempts: task.Attempts(),
		Snapshot: progress.Take(task),
	}
}

func recordViewOf(rec storage.DownloadRecord) RecordView {
	return RecordView{
		Serial:     rec.Serial,
		InstanceID: rec.InstanceID,
		URL:        rec.URL,
		Path:       rec.FilePath,
		Status:     rec.Status,
		Bytes:      rec.Bytes,
		ErrorCode:  rec.ErrorCode,
		Attempts:   rec.Attempts,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
