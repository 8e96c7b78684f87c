package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/docpilot/core/pkg/assistant"
	"github.com/docpilot/core/pkg/quota"
	"github.com/docpilot/core/pkg/store"
)

// API exposes the assistant core over JSON endpoints. One instance is
// mounted per process.
type API struct {
	core   *assistant.Assistant
	ledger *quota.Ledger
	store  store.Store
}

// NewAPI creates the API surface.
func NewAPI(core *assistant.Assistant, ledger *quota.Ledger, st store.Store) *API {
	return &API{core: core, ledger: ledger, store: st}
}

// Register mounts all endpoints on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/chat", a.handleChat)
	mux.HandleFunc("POST /v1/analyze", a.handleAnalyze)
	mux.HandleFunc("POST /v1/translate", a.handleTranslate)
	mux.HandleFunc("POST /v1/summarize", a.handleSummarize)
	mux.HandleFunc("POST /v1/documents", a.handleUpload)
	mux.HandleFunc("POST /v1/documents/save", a.handleSave)
	mux.HandleFunc("GET /v1/preview", a.handlePreview)
	mux.HandleFunc("GET /v1/quota", a.handleQuotaStatus)
	mux.HandleFunc("POST /v1/admin/ban", a.handleBan)
	mux.HandleFunc("POST /v1/admin/unban", a.handleUnban)
	mux.HandleFunc("POST /v1/admin/vip", a.handleGrantVIP)
	mux.HandleFunc("DELETE /v1/admin/vip", a.handleRevokeVIP)
	mux.HandleFunc("GET /v1/admin/stats", a.handleStats)
	mux.HandleFunc("GET /v1/admin/activity", a.handleActivity)
}

type chatRequest struct {
	UserID int64  `json:"user_id"`
	Text   string `json:"text"`
}

type translateRequest struct {
	UserID     int64  `json:"user_id"`
	TargetLang string `json:"target_lang"`
}

type uploadRequest struct {
	UserID   int64  `json:"user_id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	FileType string `json:"file_type"`
}

type userRequest struct {
	UserID int64 `json:"user_id"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ResetDate string `json:"reset_date,omitempty"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !decode(w, r, &req) {
		return
	}
	reply, err := a.core.Chat(r.Context(), req.UserID, req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	todos, err := a.core.Analyze(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"todos": todos})
}

func (a *API) handleTranslate(w http.ResponseWriter, r *http.Request) {
	var req translateRequest
	if !decode(w, r, &req) {
		return
	}
	text, err := a.core.Translate(r.Context(), req.UserID, req.TargetLang)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"translation": text})
}

func (a *API) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	summary, err := a.core.Summarize(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req uploadRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := a.core.UploadDocument(r.Context(), req.UserID, req.Path, req.Name, req.FileType)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         sess.State,
		"file_name":     sess.FileName,
		"preview_pages": len(sess.PreviewPages),
	})
}

func (a *API) handleSave(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.core.SaveDocument(r.Context(), req.UserID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	page := 0
	if s := r.URL.Query().Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
		page = n
	}
	content, current, total, err := a.core.Preview(r.Context(), userID, page)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"content": content,
		"page":    current,
		"pages":   total,
	})
}

func (a *API) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := queryUserID(w, r)
	if !ok {
		return
	}
	st, err := a.ledger.GetStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleBan(w http.ResponseWriter, r *http.Request) {
	a.adminToggle(w, r, a.ledger.Ban)
}

func (a *API) handleUnban(w http.ResponseWriter, r *http.Request) {
	a.adminToggle(w, r, a.ledger.Unban)
}

func (a *API) handleGrantVIP(w http.ResponseWriter, r *http.Request) {
	a.adminToggle(w, r, a.ledger.GrantVIP)
}

func (a *API) handleRevokeVIP(w http.ResponseWriter, r *http.Request) {
	a.adminToggle(w, r, a.ledger.RevokeVIP)
}

func (a *API) adminToggle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, userID int64) (bool, error)) {
	var req userRequest
	if !decode(w, r, &req) {
		return
	}
	changed, err := op(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	userStats, err := a.ledger.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	sessionStats, err := a.store.SessionStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users":    userStats,
		"sessions": sessionStats,
	})
}

func (a *API) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := a.store.RecentActivity(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func queryUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// writeError maps core errors onto HTTP status codes. Unrecognized errors
// surface as a generic 500 so internal detail never leaks.
func writeError(w http.ResponseWriter, err error) {
	var quotaErr *assistant.QuotaExceededError
	switch {
	case errors.Is(err, assistant.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error()})
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:     quotaErr.Error(),
			ResetDate: quotaErr.ResetDate.Format("2006-01-02"),
		})
	case errors.Is(err, assistant.ErrBanned):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, assistant.ErrNoDocument):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrInvalidUserID):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		slog.Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "an error occurred, try again"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
