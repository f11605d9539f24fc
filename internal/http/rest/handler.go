package rest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/retinalab/fundus_analyzer/internal/analysis"
	"github.com/retinalab/fundus_analyzer/internal/auth"
	"github.com/retinalab/fundus_analyzer/internal/ingest"
	"github.com/retinalab/fundus_analyzer/internal/logctx"
	"github.com/retinalab/fundus_analyzer/internal/record"
	"github.com/retinalab/fundus_analyzer/internal/session"
	"github.com/retinalab/fundus_analyzer/internal/telemetry"
)

// maxUploadMemory bounds how much of a multipart upload stays in memory
// before spilling to disk.
const maxUploadMemory = 32 * 1024 * 1024

// Handler exposes the analyzer over HTTP for the local UI.
type Handler struct {
	store        *record.Store
	validator    *ingest.Validator
	orchestrator *analysis.Orchestrator
	authClient   *auth.Client
	gate         *session.Gate
	telemetry    *telemetry.Telemetry
}

// NewHandler creates a new analyzer handler.
func NewHandler(
	store *record.Store,
	validator *ingest.Validator,
	orchestrator *analysis.Orchestrator,
	authClient *auth.Client,
	gate *session.Gate,
	tel *telemetry.Telemetry,
) *Handler {
	return &Handler{
		store:        store,
		validator:    validator,
		orchestrator: orchestrator,
		authClient:   authClient,
		gate:         gate,
		telemetry:    tel,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/auth/login", h.HandleLogin)
	r.Post("/api/auth/logout", h.HandleLogout)
	r.Get("/api/session", h.HandleSession)

	r.Group(func(r chi.Router) {
		r.Use(h.sessionMiddleware)

		r.Post("/files", h.HandleUpload)
		r.Get("/files", h.HandleList)
		r.Delete("/files/{id}", h.HandleRemove)
		r.Delete("/files", h.HandleClear)
		r.Post("/analyze", h.HandleAnalyze)
	})

	return r
}

// sessionMiddleware blocks the protected surface until a login happened.
func (h *Handler) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := session.Check(h.gate.Current())
		if !decision.Allowed {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"message":    "not signed in",
				"redirectTo": decision.RedirectTo,
			})

			return
		}

		next.ServeHTTP(w, r)
	})
}

type loginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HandleLogin signs the user in and opens the session.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if payload.Username == "" || payload.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password are required")

		return
	}

	cred, err := h.authClient.Login(r.Context(), payload.Username, payload.Password)
	if err != nil {
		var authErr *auth.Error
		if errors.As(err, &authErr) {
			status := authErr.StatusCode
			if status == 0 {
				status = http.StatusBadGateway
			}

			respondError(w, status, authErr.Message)

			return
		}

		logger.ErrorContext(r.Context(), "login failed", "err", err)
		respondError(w, http.StatusBadGateway, "auth service unavailable")

		return
	}

	h.gate.Set(cred)

	respondJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"name":          cred.DisplayName,
	})
}

// HandleLogout closes the session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.authClient.Logout(r.Context()); err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "logout failed", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to clear session")

		return
	}

	h.gate.Clear()

	w.WriteHeader(http.StatusNoContent)
}

// HandleSession reports the current session state.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	state := h.gate.Current()
	decision := session.Check(state)

	body := map[string]any{"authenticated": decision.Allowed}
	if decision.Allowed {
		body["name"] = state.DisplayName
	} else {
		body["redirectTo"] = decision.RedirectTo
	}

	respondJSON(w, http.StatusOK, body)
}

// HandleUpload ingests a multipart batch of image files. Rejected files fold
// into a notice; they never fail the batch.
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart body")

		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")

		return
	}

	inputs := make([]ingest.Input, 0, len(headers))

	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("could not read %s", header.Filename))

			return
		}

		data, err := io.ReadAll(file)

		_ = file.Close()

		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("could not read %s", header.Filename))

			return
		}

		inputs = append(inputs, ingest.Input{
			Name:      header.Filename,
			MediaType: header.Header.Get("Content-Type"),
			Data:      data,
		})
	}

	report := h.validator.Ingest(r.Context(), h.store, inputs)
	h.telemetry.RecordIngest(len(report.Accepted), len(report.Rejected))

	logger.InfoContext(r.Context(), "upload processed",
		"accepted", len(report.Accepted),
		"rejected", len(report.Rejected),
	)

	views := make([]fileView, len(report.Accepted))
	for i, rec := range report.Accepted {
		views[i] = newFileView(rec)
	}

	body := map[string]any{"files": views}
	if notice := report.Notice(); notice != "" {
		body["notice"] = notice
	}

	respondJSON(w, http.StatusCreated, body)
}

// HandleList returns every record in insertion order.
func (h *Handler) HandleList(w http.ResponseWriter, _ *http.Request) {
	records := h.store.List()

	views := make([]fileView, len(records))
	for i, rec := range records {
		views[i] = newFileView(rec)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"files": views,
		"busy":  h.orchestrator.Busy(),
	})
}

// HandleRemove deletes one record. Removing a record mid-analysis is allowed;
// its in-flight request settles as a no-op.
func (h *Handler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !h.store.Remove(id) {
		respondError(w, http.StatusNotFound, "file not found")

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleClear removes every record.
func (h *Handler) HandleClear(w http.ResponseWriter, _ *http.Request) {
	h.store.Clear()

	w.WriteHeader(http.StatusNoContent)
}

// HandleAnalyze triggers an analysis run and blocks until every dispatched
// record settled. A run already in flight rejects the trigger.
func (h *Handler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.orchestrator.Busy() {
		respondError(w, http.StatusConflict, "analysis already in progress")

		return
	}

	dispatched, err := h.orchestrator.Analyze(r.Context())
	if err != nil {
		logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "analysis run failed", "err", err)
		respondError(w, http.StatusInternalServerError, "analysis run failed")

		return
	}

	records := h.store.List()

	views := make([]fileView, len(records))
	for i, rec := range records {
		views[i] = newFileView(rec)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"dispatched": dispatched,
		"files":      views,
	})
}

type fileView struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	MediaType string      `json:"mediaType"`
	Size      int64       `json:"size"`
	SizeHuman string      `json:"sizeHuman"`
	Preview   string      `json:"preview"`
	Status    string      `json:"status"`
	Error     string      `json:"error,omitempty"`
	Result    *resultView `json:"result,omitempty"`
	AddedAt   time.Time   `json:"addedAt"`
}

type resultView struct {
	Overlay        string         `json:"overlay"`
	DetectedLabels []record.Label `json:"detected_labels"`
}

func newFileView(rec record.FileRecord) fileView {
	view := fileView{
		ID:        rec.ID,
		Name:      rec.Name,
		MediaType: rec.MediaType,
		Size:      rec.Size,
		SizeHuman: humanize.Bytes(uint64(rec.Size)),
		Preview:   dataURL(rec.PreviewMediaType, rec.Preview),
		Status:    string(rec.Status),
		Error:     rec.FailureReason,
		AddedAt:   rec.AddedAt,
	}

	if rec.Result != nil {
		view.Result = &resultView{
			Overlay:        dataURL(rec.Result.OverlayMediaType, rec.Result.Overlay),
			DetectedLabels: rec.Result.DetectedLabels,
		}
	}

	return view
}

// dataURL renders binary image data the way the UI embeds it.
func dataURL(mediaType string, data []byte) string {
	if len(data) == 0 {
		return ""
	}

	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data))
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"message": message})
}
