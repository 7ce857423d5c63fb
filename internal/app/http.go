package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"teamline/api/internal/auth"
	"teamline/api/internal/board"
	"teamline/api/internal/search"
)

// wsGateway is the piece of the websocket hub the router needs.
type wsGateway interface {
	Serve(w http.ResponseWriter, r *http.Request, userID string)
}

type HTTPServer struct {
	service    *Service
	gateway    wsGateway
	corsOrigin string
	log        *logrus.Logger
}

func NewHTTPServer(service *Service, gateway wsGateway, corsOrigin string, log *logrus.Logger) *HTTPServer {
	return &HTTPServer{service: service, gateway: gateway, corsOrigin: corsOrigin, log: log}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
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
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/session/login" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Login(r.Context(), body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
		})
		return
	}

	// Websocket upgrade; the token rides the query string because
	// browsers cannot set headers on a websocket handshake.
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.gateway.Serve(w, r, session.UserID)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 1 && parts[0] == "api" {
		parts = parts[1:]
	}

	switch {
	case len(parts) == 3 && parts[0] == "projects" && parts[2] == "tasks":
		projectID := parts[1]
		switch r.Method {
		case http.MethodGet:
			tasks, err := s.service.ListProjectTasks(r.Context(), session, projectID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
		case http.MethodPost:
			s.handleCreateTask(w, r, session, projectID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 4 && parts[0] == "projects" && parts[2] == "tasks" && parts[3] == "reorder":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		s.handleReorder(w, r, session, parts[1])
		return

	case len(parts) == 2 && parts[0] == "tasks":
		taskID := parts[1]
		switch r.Method {
		case http.MethodGet:
			task, err := s.service.GetTask(r.Context(), session, taskID)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, task)
		case http.MethodPatch:
			s.handleUpdateTask(w, r, session, taskID)
		case http.MethodDelete:
			if err := s.service.DeleteTask(r.Context(), session, taskID); err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 1 && parts[0] == "notifications" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		notifications, err := s.service.ListNotifications(r.Context(), session,
			query.Get("workspaceId"), query.Get("unread") == "true", limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
		return

	case len(parts) == 2 && parts[0] == "notifications" && parts[1] == "read-all" && r.Method == http.MethodPost:
		var body struct {
			WorkspaceID string `json:"workspaceId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.MarkAllNotificationsRead(r.Context(), session, body.WorkspaceID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
		return

	case len(parts) == 3 && parts[0] == "notifications" && parts[2] == "read" && r.Method == http.MethodPost:
		if err := s.service.MarkNotificationRead(r.Context(), session, parts[1]); err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return

	case len(parts) == 1 && parts[0] == "preferences":
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			pref, err := s.service.GetPreference(r.Context(), session, query.Get("workspaceId"), query.Get("channelId"))
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pref)
		case http.MethodPut:
			var body PreferenceInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			pref, err := s.service.PutPreference(r.Context(), session, body)
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, pref)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp, err := s.service.SearchTasks(r.Context(), session, search.Query{
			Text:        query.Get("q"),
			WorkspaceID: query.Get("workspaceId"),
			ProjectID:   query.Get("projectId"),
			Limit:       limit,
			Offset:      offset,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return

	case len(parts) == 1 && parts[0] == "activity" && r.Method == http.MethodGet:
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		activities, err := s.service.ListActivities(r.Context(), session,
			query.Get("workspaceId"), query.Get("taskId"), limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activities": activities})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	var body struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Status      string   `json:"status"`
		AssigneeID  *string  `json:"assigneeId"`
		WatcherIDs  []string `json:"watcherIds"`
		DueAt       *string  `json:"dueAt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	in := board.CreateInput{
		ProjectID:   projectID,
		Title:       strings.TrimSpace(body.Title),
		Description: body.Description,
		Status:      board.Status(body.Status),
		AssigneeID:  body.AssigneeID,
		WatcherIDs:  body.WatcherIDs,
	}
	if body.DueAt != nil {
		due, err := time.Parse(time.RFC3339, *body.DueAt)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueAt must be RFC 3339", nil)
			return
		}
		in.DueAt = &due
	}

	task, err := s.service.CreateTask(r.Context(), session, in)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// handleUpdateTask decodes a partial update. Raw messages distinguish
// an absent assigneeId/dueAt from an explicit null, which clears the
// field.
func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	var body struct {
		Title       *string         `json:"title"`
		Description *string         `json:"description"`
		Status      *string         `json:"status"`
		AssigneeID  json.RawMessage `json:"assigneeId"`
		WatcherIDs  *[]string       `json:"watcherIds"`
		DueAt       json.RawMessage `json:"dueAt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	in := board.UpdateInput{
		Title:       body.Title,
		Description: body.Description,
		WatcherIDs:  body.WatcherIDs,
	}
	if body.Status != nil {
		status := board.Status(*body.Status)
		in.Status = &status
	}
	if len(body.AssigneeID) > 0 {
		in.AssigneeSet = true
		if string(body.AssigneeID) != "null" {
			var assignee string
			if err := json.Unmarshal(body.AssigneeID, &assignee); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assigneeId must be a string or null", nil)
				return
			}
			in.AssigneeID = &assignee
		}
	}
	if len(body.DueAt) > 0 {
		in.DueAtSet = true
		if string(body.DueAt) != "null" {
			var raw string
			if err := json.Unmarshal(body.DueAt, &raw); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueAt must be a string or null", nil)
				return
			}
			due, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dueAt must be RFC 3339", nil)
				return
			}
			in.DueAt = &due
		}
	}

	task, err := s.service.UpdateTask(r.Context(), session, taskID, in)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *HTTPServer) handleReorder(w http.ResponseWriter, r *http.Request, session Session, projectID string) {
	var body struct {
		Tasks []board.ReorderItem `json:"tasks"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Tasks) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tasks is required", nil)
		return
	}

	if err := s.service.ReorderTasks(r.Context(), session, projectID, body.Tasks); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection
// through the middleware wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
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

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	switch {
	case errors.Is(err, board.ErrInvalidStatus):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, board.ErrEmptyTitle):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil
	case errors.Is(err, board.ErrNotMember):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, board.ErrTaskOutsideProject):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
