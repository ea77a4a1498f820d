package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prodg-xyz/tracksync/internal/tracksync"
)

// SyncEngine is the orchestration surface the API exposes.
type SyncEngine interface {
	SyncEntity(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.EntityMapping, error)
	ReconcileProject(ctx context.Context, projectID string) (tracksync.ReconcileSummary, error)
	ReconcileAll(ctx context.Context) (tracksync.ReconcileSummary, error)
	PullEntity(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.RemoteEntity, error)
	SyncStatus(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.StatusReport, error)
}

// ConnectionManager is the credential lifecycle surface for the operator
// connect flow.
type ConnectionManager interface {
	Connect(ctx context.Context, code, workspaceID string) (tracksync.WorkspaceCredential, error)
	Disconnect(ctx context.Context) error
	Connection(ctx context.Context) (tracksync.WorkspaceCredential, error)
	AuthorizationURL(state string) string
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	ConnectStateTTL time.Duration
}

type Server struct {
	engine      SyncEngine
	connections ConnectionManager
	events      *tracksync.EventFeed
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler

	connectStateMu sync.Mutex
	connectStates  map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine SyncEngine, connections ConnectionManager, events *tracksync.EventFeed) *Server {
	return NewServerWithConfig(engine, connections, events, ServerConfig{})
}

func NewServerWithConfig(engine SyncEngine, connections ConnectionManager, events *tracksync.EventFeed, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ConnectStateTTL <= 0 {
		cfg.ConnectStateTTL = 10 * time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:        engine,
		connections:   connections,
		events:        events,
		cfg:           cfg,
		rateLimiter:   limiter,
		metrics:       promhttp.Handler(),
		connectStates: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/healthz" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	// The provider redirects the operator's browser here; state carries
	// the proof instead of a bearer token.
	if r.URL.Path == "/v1/connection/callback" && r.Method == http.MethodGet {
		s.handleConnectionCallback(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 5 && parts[1] == "sync" && parts[2] == "entities" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_entity"
	case len(parts) == 6 && parts[1] == "sync" && parts[2] == "entities" && parts[5] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 6 && parts[1] == "sync" && parts[2] == "entities" && parts[5] == "remote" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "pull_entity"
	case len(parts) == 5 && parts[1] == "sync" && parts[2] == "projects" && parts[4] == "reconcile" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "reconcile_project"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "reconcile" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "reconcile_all"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "events_stream"
	case len(parts) == 2 && parts[1] == "connection" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "connection"
	case len(parts) == 3 && parts[1] == "connection" && parts[2] == "connect" && r.Method == http.MethodPost:
		requiredScope = "connection:manage"
		route = "connect"
	case len(parts) == 3 && parts[1] == "connection" && parts[2] == "disconnect" && r.Method == http.MethodPost:
		requiredScope = "connection:manage"
		route = "disconnect"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if r.Method == http.MethodPost {
		if r.ContentLength > s.cfg.MaxBodyBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "request_too_large", "request body exceeds limit", getCorrelationID(r))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "events_stream" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "sync_entity":
		s.handleSyncEntity(w, r, parts[3], parts[4], correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, parts[3], parts[4], correlationID)
	case "pull_entity":
		s.handlePullEntity(w, r, parts[3], parts[4], correlationID)
	case "reconcile_project":
		s.handleReconcileProject(w, r, parts[3], correlationID)
	case "reconcile_all":
		s.handleReconcileAll(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	case "events_stream":
		s.handleEventStream(w, r)
	case "connection":
		s.handleConnection(w, r, correlationID)
	case "connect":
		s.handleConnect(w, r, correlationID)
	case "disconnect":
		s.handleDisconnect(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSyncEntity(w http.ResponseWriter, r *http.Request, rawKind, localID, correlationID string) {
	kind, err := tracksync.ParseEntityKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown entity kind: "+rawKind, correlationID)
		return
	}
	mapping, err := s.engine.SyncEntity(r.Context(), localID, kind)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mapping":       mapping,
		"correlationId": correlationID,
	})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, rawKind, localID, correlationID string) {
	kind, err := tracksync.ParseEntityKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown entity kind: "+rawKind, correlationID)
		return
	}
	report, err := s.engine.SyncStatus(r.Context(), localID, kind)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePullEntity(w http.ResponseWriter, r *http.Request, rawKind, localID, correlationID string) {
	kind, err := tracksync.ParseEntityKind(rawKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown entity kind: "+rawKind, correlationID)
		return
	}
	remote, err := s.engine.PullEntity(r.Context(), localID, kind)
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, remote)
}

func (s *Server) handleReconcileProject(w http.ResponseWriter, r *http.Request, projectID, correlationID string) {
	summary, err := s.engine.ReconcileProject(r.Context(), projectID)
	if err != nil {
		// A failed project push still produced a summary worth returning.
		status := syncErrorStatus(err)
		writeJSON(w, status, map[string]any{
			"summary":       summary,
			"error":         err.Error(),
			"correlationId": correlationID,
		})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleReconcileAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	summary, err := s.engine.ReconcileAll(r.Context())
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer", correlationID)
			return
		}
		limit = parsed
	}
	events, cursor := s.events.Recent(r.URL.Query().Get("cursor"), limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"cursor": cursor,
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request, correlationID string) {
	cred, err := s.connections.Connection(r.Context())
	if err != nil {
		if errors.Is(err, tracksync.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"state": string(tracksync.StateDisconnected)})
			return
		}
		writeSyncError(w, err, correlationID)
		return
	}
	// Tokens never leave the service.
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    cred.Provider,
		"workspaceId": cred.WorkspaceID,
		"state":       string(cred.State),
		"scope":       cred.Scope,
		"expiresAt":   cred.AbsoluteExpiry,
		"updatedAt":   cred.UpdatedAt,
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	state, err := s.issueConnectState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue connect state", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authorizeUrl":  s.connections.AuthorizationURL(state),
		"state":         state,
		"correlationId": correlationID,
	})
}

func (s *Server) handleConnectionCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if providerError := query.Get("error"); providerError != "" {
		writeError(w, http.StatusBadGateway, "provider_error", providerError, "")
		return
	}
	state := query.Get("state")
	if !s.consumeConnectState(state, time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown or expired state", "")
		return
	}
	code := query.Get("code")
	if strings.TrimSpace(code) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing code parameter", "")
		return
	}
	cred, err := s.connections.Connect(r.Context(), code, query.Get("workspace_id"))
	if err != nil {
		writeError(w, http.StatusBadGateway, "connect_failed", err.Error(), "")
		return
	}
	s.events.Publish(tracksync.SyncEvent{
		Type:     tracksync.EventConnected,
		Provider: cred.Provider,
		Detail:   "workspace " + cred.WorkspaceID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"provider":    cred.Provider,
		"workspaceId": cred.WorkspaceID,
		"state":       string(cred.State),
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	cred, err := s.connections.Connection(r.Context())
	if err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	if err := s.connections.Disconnect(r.Context()); err != nil {
		writeSyncError(w, err, correlationID)
		return
	}
	s.events.Publish(tracksync.SyncEvent{
		Type:     tracksync.EventDisconnected,
		Provider: cred.Provider,
		Detail:   "workspace " + cred.WorkspaceID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"state":         string(tracksync.StateDisconnected),
		"correlationId": correlationID,
	})
}

func (s *Server) issueConnectState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	state := hex.EncodeToString(buf)
	now := time.Now().UTC()

	s.connectStateMu.Lock()
	for existing, issuedAt := range s.connectStates {
		if now.Sub(issuedAt) > s.cfg.ConnectStateTTL {
			delete(s.connectStates, existing)
		}
	}
	s.connectStates[state] = now
	s.connectStateMu.Unlock()
	return state, nil
}

func (s *Server) consumeConnectState(state string, now time.Time) bool {
	if state == "" {
		return false
	}
	s.connectStateMu.Lock()
	defer s.connectStateMu.Unlock()
	issuedAt, ok := s.connectStates[state]
	if !ok {
		return false
	}
	delete(s.connectStates, state)
	return now.Sub(issuedAt) <= s.cfg.ConnectStateTTL
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	status := syncErrorStatus(err)
	code := "internal_error"
	switch {
	case errors.Is(err, tracksync.ErrInvalidInput):
		code = "invalid_request"
	case errors.Is(err, tracksync.ErrNoActiveWorkspace):
		code = "no_active_workspace"
	case errors.Is(err, tracksync.ErrAuthExpired):
		code = "auth_expired"
	case errors.Is(err, tracksync.ErrRemoteNotFound):
		code = "remote_not_found"
	case errors.Is(err, tracksync.ErrNotFound):
		code = "not_found"
	case errors.Is(err, tracksync.ErrRateLimited):
		code = "rate_limited"
	case errors.Is(err, tracksync.ErrSyncFailed):
		code = "sync_failed"
	}
	writeError(w, status, code, err.Error(), correlationID)
}

func syncErrorStatus(err error) int {
	switch {
	case errors.Is(err, tracksync.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, tracksync.ErrNoActiveWorkspace):
		return http.StatusConflict
	case errors.Is(err, tracksync.ErrAuthExpired):
		return http.StatusUnauthorized
	case errors.Is(err, tracksync.ErrRemoteNotFound), errors.Is(err, tracksync.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracksync.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, tracksync.ErrSyncFailed), errors.Is(err, tracksync.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
