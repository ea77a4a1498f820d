package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prodg-xyz/tracksync/internal/tracksync"
)

type fakeEngine struct {
	mu          sync.Mutex
	syncCalls   []string
	syncErr     error
	mapping     tracksync.EntityMapping
	summary     tracksync.ReconcileSummary
	summaryErr  error
	remote      tracksync.RemoteEntity
	remoteErr   error
	report      tracksync.StatusReport
	reconciled  []string
	allCalls    int
	statusCalls int
}

func (f *fakeEngine) SyncEntity(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.EntityMapping, error) {
	f.mu.Lock()
	f.syncCalls = append(f.syncCalls, string(kind)+"/"+localID)
	f.mu.Unlock()
	if f.syncErr != nil {
		return tracksync.EntityMapping{}, f.syncErr
	}
	return f.mapping, nil
}

func (f *fakeEngine) ReconcileProject(ctx context.Context, projectID string) (tracksync.ReconcileSummary, error) {
	f.mu.Lock()
	f.reconciled = append(f.reconciled, projectID)
	f.mu.Unlock()
	return f.summary, f.summaryErr
}

func (f *fakeEngine) ReconcileAll(ctx context.Context) (tracksync.ReconcileSummary, error) {
	f.mu.Lock()
	f.allCalls++
	f.mu.Unlock()
	return f.summary, f.summaryErr
}

func (f *fakeEngine) PullEntity(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.RemoteEntity, error) {
	if f.remoteErr != nil {
		return tracksync.RemoteEntity{}, f.remoteErr
	}
	return f.remote, nil
}

func (f *fakeEngine) SyncStatus(ctx context.Context, localID string, kind tracksync.EntityKind) (tracksync.StatusReport, error) {
	f.mu.Lock()
	f.statusCalls++
	f.mu.Unlock()
	return f.report, nil
}

type fakeConnections struct {
	mu            sync.Mutex
	cred          tracksync.WorkspaceCredential
	credErr       error
	connected     []string
	disconnects   int
	connectErr    error
	authorizeBase string
}

func (f *fakeConnections) Connect(ctx context.Context, code, workspaceID string) (tracksync.WorkspaceCredential, error) {
	f.mu.Lock()
	f.connected = append(f.connected, code)
	f.mu.Unlock()
	if f.connectErr != nil {
		return tracksync.WorkspaceCredential{}, f.connectErr
	}
	cred := f.cred
	cred.State = tracksync.StateActive
	return cred, nil
}

func (f *fakeConnections) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeConnections) Connection(ctx context.Context) (tracksync.WorkspaceCredential, error) {
	if f.credErr != nil {
		return tracksync.WorkspaceCredential{}, f.credErr
	}
	return f.cred, nil
}

func (f *fakeConnections) AuthorizationURL(state string) string {
	base := f.authorizeBase
	if base == "" {
		base = "https://auth.example.com/authorize"
	}
	return base + "?state=" + state
}

func newTestServer(engine *fakeEngine, connections *fakeConnections) *Server {
	return NewServer(engine, connections, tracksync.NewEventFeed(0))
}

func TestAuthRequired(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	req := httptest.NewRequest(http.MethodPost, "/v1/sync/entities/task/task_1", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestScopeEnforced(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/entities/task/task_1",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for missing sync:trigger, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestWrongAudienceRejected(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	token := mustTestJWTWithAudience(t, "dev-secret", "Worker1", []string{"sync:trigger"}, "other-service", time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/entities/task/task_1",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", resp.Code)
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/entities/task/task_1",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
}

func TestPostBodyLimitEnforced(t *testing.T) {
	server := NewServerWithConfig(&fakeEngine{}, &fakeConnections{}, tracksync.NewEventFeed(0), ServerConfig{
		MaxBodyBytes: 64,
	})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/entities/task/task_1",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_big",
		},
		body: map[string]any{"padding": strings.Repeat("x", 256)},
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestSyncEntityRoute(t *testing.T) {
	engine := &fakeEngine{
		mapping: tracksync.EntityMapping{
			LocalID:    "task_1",
			Kind:       tracksync.KindTask,
			ExternalID: "10001",
			Status:     tracksync.SyncSynced,
		},
	}
	server := newTestServer(engine, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/entities/task/task_1",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_sync_1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Mapping       tracksync.EntityMapping `json:"mapping"`
		CorrelationID string                  `json:"correlationId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Mapping.ExternalID != "10001" {
		t.Fatalf("unexpected mapping %+v", payload.Mapping)
	}
	if payload.CorrelationID != "corr_sync_1" {
		t.Fatalf("expected correlation id echoed, got %q", payload.CorrelationID)
	}
	if len(engine.syncCalls) != 1 || engine.syncCalls[0] != "task/task_1" {
		t.Fatalf("unexpected engine calls %+v", engine.syncCalls)
	}
}

func TestSyncEntityRejectsUnknownKind(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/entities/epic/e_1",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_1",
		},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", resp.Code)
	}
}

func TestSyncEntityErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no workspace", tracksync.ErrNoActiveWorkspace, http.StatusConflict, "no_active_workspace"},
		{"auth expired", tracksync.ErrAuthExpired, http.StatusUnauthorized, "auth_expired"},
		{"sync failed", &tracksync.SyncError{LocalID: "task_1", Kind: tracksync.KindTask, Reason: "boom"}, http.StatusBadGateway, "sync_failed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(&fakeEngine{syncErr: tc.err}, &fakeConnections{})
			token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

			resp := doRequest(t, server, request{
				method: http.MethodPost,
				path:   "/v1/sync/entities/task/task_1",
				headers: map[string]string{
					"Authorization":    "Bearer " + token,
					"X-Correlation-Id": "corr_err",
				},
			})
			if resp.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tc.wantStatus, resp.Code, resp.Body.String())
			}
			var payload map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if payload["code"] != tc.wantCode {
				t.Fatalf("expected code %q, got %v", tc.wantCode, payload["code"])
			}
		})
	}
}

func TestReconcileProjectRoute(t *testing.T) {
	engine := &fakeEngine{
		summary: tracksync.ReconcileSummary{
			ProjectID: "proj_1",
			Pushed:    3,
			Failed:    []tracksync.FailedChild{{LocalID: "task_2", Reason: "source missing"}},
			Skipped:   1,
		},
	}
	server := newTestServer(engine, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/projects/proj_1/reconcile",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rec_1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var summary tracksync.ReconcileSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Pushed != 3 || len(summary.Failed) != 1 || summary.Skipped != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if len(engine.reconciled) != 1 || engine.reconciled[0] != "proj_1" {
		t.Fatalf("unexpected reconcile calls %+v", engine.reconciled)
	}
}

func TestSyncStatusRoute(t *testing.T) {
	engine := &fakeEngine{
		report: tracksync.StatusReport{
			Connected: true,
			Mapping:   &tracksync.EntityMapping{LocalID: "task_1", Kind: tracksync.KindTask, ExternalID: "10001"},
		},
	}
	server := newTestServer(engine, &fakeConnections{})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/sync/entities/task/task_1/status",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_status_1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var report tracksync.StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Connected || report.Mapping == nil {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestEventsRoute(t *testing.T) {
	feed := tracksync.NewEventFeed(0)
	for i := 0; i < 3; i++ {
		feed.Publish(tracksync.SyncEvent{Type: tracksync.EventEntitySynced, LocalID: fmt.Sprintf("task_%d", i)})
	}
	server := NewServer(&fakeEngine{}, &fakeConnections{}, feed)
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/events?limit=2",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_ev_1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var payload struct {
		Events []tracksync.SyncEvent `json:"events"`
		Cursor string                `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(payload.Events) != 2 || payload.Cursor == "" {
		t.Fatalf("unexpected events payload %+v", payload)
	}

	resp = doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/events?cursor=" + payload.Cursor,
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_ev_2",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode second page: %v", err)
	}
	if len(payload.Events) != 1 {
		t.Fatalf("expected remaining event, got %+v", payload.Events)
	}
}

func TestConnectFlowRoundTrip(t *testing.T) {
	connections := &fakeConnections{
		cred: tracksync.WorkspaceCredential{Provider: "tracker", WorkspaceID: "ws_1"},
	}
	server := newTestServer(&fakeEngine{}, connections)
	token := mustTestJWT(t, "dev-secret", "Admin1", []string{"connection:manage"}, time.Now().Add(time.Hour))

	connectResp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/connection/connect",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_conn_1",
		},
	})
	if connectResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on connect, got %d (%s)", connectResp.Code, connectResp.Body.String())
	}
	var connectPayload struct {
		AuthorizeURL string `json:"authorizeUrl"`
		State        string `json:"state"`
	}
	if err := json.NewDecoder(connectResp.Body).Decode(&connectPayload); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	if connectPayload.State == "" || connectPayload.AuthorizeURL == "" {
		t.Fatalf("expected authorize url and state, got %+v", connectPayload)
	}

	callbackResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/connection/callback?code=auth_code_1&state=" + connectPayload.State,
	})
	if callbackResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on callback, got %d (%s)", callbackResp.Code, callbackResp.Body.String())
	}
	if len(connections.connected) != 1 || connections.connected[0] != "auth_code_1" {
		t.Fatalf("expected exchange with the provided code, got %+v", connections.connected)
	}

	// State is single-use.
	replayResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/connection/callback?code=auth_code_2&state=" + connectPayload.State,
	})
	if replayResp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on state replay, got %d", replayResp.Code)
	}
}

func TestCallbackRejectsUnknownState(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/connection/callback?code=auth_code_1&state=forged",
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged state, got %d", resp.Code)
	}
}

func TestDisconnectRoute(t *testing.T) {
	connections := &fakeConnections{
		cred: tracksync.WorkspaceCredential{Provider: "tracker", WorkspaceID: "ws_1", State: tracksync.StateActive},
	}
	server := newTestServer(&fakeEngine{}, connections)
	token := mustTestJWT(t, "dev-secret", "Admin1", []string{"connection:manage"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/connection/disconnect",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_disc_1",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on disconnect, got %d (%s)", resp.Code, resp.Body.String())
	}
	if connections.disconnects != 1 {
		t.Fatalf("expected one disconnect call, got %d", connections.disconnects)
	}
}

func TestConnectionRouteHidesTokens(t *testing.T) {
	connections := &fakeConnections{
		cred: tracksync.WorkspaceCredential{
			Provider:    "tracker",
			WorkspaceID: "ws_1",
			AccessToken: "secret_access",
			State:       tracksync.StateActive,
		},
	}
	server := newTestServer(&fakeEngine{}, connections)
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:read"}, time.Now().Add(time.Hour))

	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/connection",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_conn_read",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if body := resp.Body.String(); bytes.Contains([]byte(body), []byte("secret_access")) {
		t.Fatalf("access token leaked in response: %s", body)
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	server := NewServerWithConfig(&fakeEngine{}, &fakeConnections{}, tracksync.NewEventFeed(0), ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "Worker1", []string{"sync:read"}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/events",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rl_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 within limit, got %d", resp.Code)
		}
	}

	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/events",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rl_over",
		},
	})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over limit, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestHealthz(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/healthz"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	server := newTestServer(&fakeEngine{}, &fakeConnections{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 from metrics endpoint, got %d", resp.Code)
	}
	if resp.Body.Len() == 0 {
		t.Fatalf("expected metrics exposition body")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, agentName string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, agentName, scopes, "tracksync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, agentName string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"agent_name": agentName,
		"scopes":     scopes,
		"exp":        exp.Unix(),
		"aud":        aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	h := base64.RawURLEncoding.EncodeToString(headerBytes)
	p := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signingInput := h + "." + p

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	jwtSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + jwtSig
}
