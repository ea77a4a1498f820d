package tracksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RemoteEntity is the external representation returned by the tracker for
// issues, projects and teams alike.
type RemoteEntity struct {
	ID        string `json:"id"`
	Key       string `json:"key,omitempty"`
	URL       string `json:"self,omitempty"`
	Status    string `json:"status,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// TrackerClient is the typed surface against the external tracker. Every
// call is parameterized by a bearer token supplied by the caller; the
// client holds no credential state.
type TrackerClient interface {
	FetchIssue(ctx context.Context, token, externalID string) (RemoteEntity, error)
	CreateIssue(ctx context.Context, token string, payload IssuePayload) (RemoteEntity, error)
	UpdateIssue(ctx context.Context, token, externalID string, payload IssuePayload) (RemoteEntity, error)

	FetchProject(ctx context.Context, token, externalID string) (RemoteEntity, error)
	CreateProject(ctx context.Context, token string, payload ProjectPayload) (RemoteEntity, error)
	UpdateProject(ctx context.Context, token, externalID string, payload ProjectPayload) (RemoteEntity, error)

	FetchTeam(ctx context.Context, token, externalID string) (RemoteEntity, error)
	CreateTeam(ctx context.Context, token string, payload TeamPayload) (RemoteEntity, error)
	UpdateTeam(ctx context.Context, token, externalID string, payload TeamPayload) (RemoteEntity, error)
}

type TrackerClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPTrackerClient struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPTrackerClient(opts TrackerClientOptions) *HTTPTrackerClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPTrackerClient{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPTrackerClient) FetchIssue(ctx context.Context, token, externalID string) (RemoteEntity, error) {
	return c.do(ctx, "fetch_issue", http.MethodGet, "/rest/api/3/issue/"+externalID, token, nil)
}

func (c *HTTPTrackerClient) CreateIssue(ctx context.Context, token string, payload IssuePayload) (RemoteEntity, error) {
	return c.do(ctx, "create_issue", http.MethodPost, "/rest/api/3/issue", token, payload)
}

func (c *HTTPTrackerClient) UpdateIssue(ctx context.Context, token, externalID string, payload IssuePayload) (RemoteEntity, error) {
	return c.do(ctx, "update_issue", http.MethodPut, "/rest/api/3/issue/"+externalID, token, payload)
}

func (c *HTTPTrackerClient) FetchProject(ctx context.Context, token, externalID string) (RemoteEntity, error) {
	return c.do(ctx, "fetch_project", http.MethodGet, "/rest/api/3/project/"+externalID, token, nil)
}

func (c *HTTPTrackerClient) CreateProject(ctx context.Context, token string, payload ProjectPayload) (RemoteEntity, error) {
	return c.do(ctx, "create_project", http.MethodPost, "/rest/api/3/project", token, payload)
}

func (c *HTTPTrackerClient) UpdateProject(ctx context.Context, token, externalID string, payload ProjectPayload) (RemoteEntity, error) {
	return c.do(ctx, "update_project", http.MethodPut, "/rest/api/3/project/"+externalID, token, payload)
}

func (c *HTTPTrackerClient) FetchTeam(ctx context.Context, token, externalID string) (RemoteEntity, error) {
	return c.do(ctx, "fetch_team", http.MethodGet, "/rest/api/3/team/"+externalID, token, nil)
}

func (c *HTTPTrackerClient) CreateTeam(ctx context.Context, token string, payload TeamPayload) (RemoteEntity, error) {
	return c.do(ctx, "create_team", http.MethodPost, "/rest/api/3/team", token, payload)
}

func (c *HTTPTrackerClient) UpdateTeam(ctx context.Context, token, externalID string, payload TeamPayload) (RemoteEntity, error) {
	return c.do(ctx, "update_team", http.MethodPut, "/rest/api/3/team/"+externalID, token, payload)
}

func (c *HTTPTrackerClient) do(ctx context.Context, operation, method, path, token string, payload any) (RemoteEntity, error) {
	if c == nil {
		return RemoteEntity{}, fmt.Errorf("tracker client is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return RemoteEntity{}, &TrackerError{Status: 401, Class: FailureUnauthorized, Message: "empty bearer token"}
	}
	var bodyBytes []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return RemoteEntity{}, err
		}
		bodyBytes = encoded
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return RemoteEntity{}, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return RemoteEntity{}, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return RemoteEntity{}, waitErr
				}
				continue
			}
			trackerRequestsTotal.WithLabelValues(operation, string(FailureUnavailable)).Inc()
			return RemoteEntity{}, &TrackerError{Status: 0, Class: FailureUnavailable, Message: err.Error()}
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		if readErr != nil {
			return RemoteEntity{}, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			trackerRequestsTotal.WithLabelValues(operation, "ok").Inc()
			var entity RemoteEntity
			if len(respBody) > 0 {
				if err := json.Unmarshal(respBody, &entity); err != nil {
					return RemoteEntity{}, fmt.Errorf("decode tracker response: %w", err)
				}
			}
			return entity, nil
		}

		class := classifyStatus(resp.StatusCode)
		if (class == FailureRateLimited || class == FailureUnavailable) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return RemoteEntity{}, waitErr
			}
			continue
		}

		trackerRequestsTotal.WithLabelValues(operation, string(class)).Inc()
		trackerErr := &TrackerError{Status: resp.StatusCode, Class: class, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			if parsed.Code != "" {
				trackerErr.Code = parsed.Code
			}
			if strings.TrimSpace(parsed.Message) != "" {
				trackerErr.Message = parsed.Message
			}
		}
		return RemoteEntity{}, trackerErr
	}
}

func (c *HTTPTrackerClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader, time.Now()); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// parseRetryAfter accepts both Retry-After forms from RFC 9110:
// delta-seconds and an HTTP-date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	when, err := http.ParseTime(header)
	if err != nil {
		return 0
	}
	delta := when.Sub(now)
	if delta < 0 {
		return 0
	}
	return delta
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
