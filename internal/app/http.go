package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/search"
	"tradeflow/api/internal/store"
	"tradeflow/api/internal/syncer"
	"tradeflow/api/internal/workspace"
)

const defaultUserName = "Operator"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	router     chi.Router
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin}
	s.router = s.routes()
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.withMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{s.corsOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", "X-User-Name"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.service.metrics.Handler())
	r.Get("/api/search", s.handleSearch)

	r.Route("/api/trades", func(r chi.Router) {
		r.Get("/", s.handleListTrades)
		r.Post("/", s.handleCreateTrade)

		r.Route("/{tradeID}", func(r chi.Router) {
			r.Get("/", s.handleGetTrade)
			r.Delete("/", s.handleDeleteTrade)
			r.Get("/progress", s.handleProgress)
			r.Post("/navigate", s.handleNavigate)
			r.Post("/save", s.handleSave)
			r.Get("/history", s.handleHistory)
			r.Get("/history/{hash}", s.handleVersion)
			r.Get("/compare", s.handleCompare)
			r.Post("/versions", s.handleTagVersion)
			r.Get("/events", s.handleEvents)

			r.Route("/documents/{step}", func(r chi.Router) {
				r.Get("/", s.handleGetDocument)
				r.Put("/", s.handleReplaceContent)
				r.Post("/edit", s.handleEdit)
				r.Post("/select", s.handleSelect)
				r.Post("/toggle", s.handleToggle)
				r.Post("/agent-changes", s.handleAgentChanges)
				r.Post("/rows", s.handleAddRow)
				r.Get("/mapped", s.handleReviewMapped)
				r.Post("/mapped/confirm", s.handleConfirmMapped)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		started := time.Now()
		writer := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)
		writer.Header().Set("Cache-Control", "no-store")
		writer.Header().Set("Content-Type", "application/json")

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		s.service.metrics.observe(r.Method, route, status, time.Since(started))
		s.service.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), search.Query{
		Text:   strings.TrimSpace(q.Get("q")),
		Status: strings.ToUpper(strings.TrimSpace(q.Get("status"))),
		Limit:  queryInt(r, "limit", 20),
		Offset: queryInt(r, "offset", 0),
	}))
}

func (s *HTTPServer) handleListTrades(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListTrades(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": items})
}

func (s *HTTPServer) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reference string `json:"reference"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.CreateTrade(r.Context(), body.Reference, userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleDeleteTrade(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteTrade(r.Context(), chi.URLParam(r, "tradeID")); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.Progress(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *HTTPServer) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Step json.RawMessage `json:"step"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	to, err := parseStepJSON(body.Step)
	if err != nil {
		respondError(w, err)
		return
	}
	result, err := s.service.Navigate(r.Context(), chi.URLParam(r, "tradeID"), to, userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSave(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Save(r.Context(), chi.URLParam(r, "tradeID"), userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.History(r.Context(), chi.URLParam(r, "tradeID"), queryInt(r, "limit", 50))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Version(r.Context(), chi.URLParam(r, "tradeID"), chi.URLParam(r, "hash"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := s.service.Compare(r.Context(), chi.URLParam(r, "tradeID"), q.Get("from"), q.Get("to"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTagVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hash string `json:"hash"`
		Name string `json:"name"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.TagVersion(r.Context(), chi.URLParam(r, "tradeID"), body.Hash, body.Name)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.Events(r.Context(), chi.URLParam(r, "tradeID"), queryInt(r, "limit", 100))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": items})
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	result, err := s.service.GetDocument(r.Context(), chi.URLParam(r, "tradeID"), kind)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReplaceContent(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Markup      string `json:"markup"`
		Fingerprint string `json:"fingerprint"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.ReplaceContent(r.Context(), chi.URLParam(r, "tradeID"), kind, body.Markup, body.Fingerprint, userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleEdit(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Path doctree.Path `json:"path"`
		Text string       `json:"text"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.Edit(r.Context(), chi.URLParam(r, "tradeID"), kind, body.Path, body.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleSelect(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		GroupID string `json:"groupId"`
		Option  string `json:"option"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	changed, err := s.service.Select(r.Context(), chi.URLParam(r, "tradeID"), kind, body.GroupID, body.Option)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *HTTPServer) handleToggle(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Path doctree.Path `json:"path"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	changed, err := s.service.Toggle(r.Context(), chi.URLParam(r, "tradeID"), kind, body.Path)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}

func (s *HTTPServer) handleAgentChanges(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Changes []syncer.Change `json:"changes"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.ApplyAgentChanges(r.Context(), chi.URLParam(r, "tradeID"), kind, body.Changes, userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleAddRow(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Anchor doctree.Path `json:"anchor"`
	}
	if !decodeOrReject(w, r, &body) {
		return
	}
	result, err := s.service.AddRow(r.Context(), chi.URLParam(r, "tradeID"), kind, body.Anchor, userName(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleReviewMapped(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	mapped, err := s.service.ReviewMapped(r.Context(), chi.URLParam(r, "tradeID"), kind)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mapped": mapped})
}

func (s *HTTPServer) handleConfirmMapped(w http.ResponseWriter, r *http.Request) {
	kind, ok := stepParam(w, r)
	if !ok {
		return
	}
	if err := s.service.ConfirmMapped(r.Context(), chi.URLParam(r, "tradeID"), kind, userName(r)); err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func stepParam(w http.ResponseWriter, r *http.Request) (doctree.Kind, bool) {
	kind, err := doctree.ParseKind(chi.URLParam(r, "step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STEP", err.Error(), nil)
		return 0, false
	}
	return kind, true
}

// parseStepJSON accepts a step index or a document name.
func parseStepJSON(raw json.RawMessage) (doctree.Kind, error) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		var idx int
		if err := json.Unmarshal(raw, &idx); err != nil {
			return 0, domainError(http.StatusBadRequest, "INVALID_STEP", "step must be an index or a document name", nil)
		}
		value = strconv.Itoa(idx)
	}
	kind, err := doctree.ParseKind(value)
	if err != nil {
		return 0, domainError(http.StatusBadRequest, "INVALID_STEP", err.Error(), nil)
	}
	return kind, nil
}

func userName(r *http.Request) string {
	if name := strings.TrimSpace(r.Header.Get("X-User-Name")); name != "" {
		return name
	}
	return defaultUserName
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := strings.TrimSpace(r.URL.Query().Get(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func decodeOrReject(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrTradeNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, workspace.ErrUnknownKind):
		return http.StatusBadRequest, "INVALID_STEP", err.Error(), nil
	case errors.Is(err, workspace.ErrStepLocked):
		return http.StatusConflict, "STEP_LOCKED", err.Error(), nil
	case errors.Is(err, workspace.ErrStaleRevision):
		return http.StatusConflict, "STALE_REVISION", "Document changed since it was loaded", nil
	case errors.Is(err, workspace.ErrMissingDoc):
		return http.StatusUnprocessableEntity, "INCOMPLETE_TRADE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
