package tracksync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LocalEntity is the sync-relevant view of a local object, resolved from
// the application side at push time. Exactly one payload variant is set,
// matching Kind.
type LocalEntity struct {
	ID        string          `json:"id"`
	Kind      EntityKind      `json:"kind"`
	ProjectID string          `json:"projectId,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt,omitempty"`
	Issue     *IssuePayload   `json:"issue,omitempty"`
	Project   *ProjectPayload `json:"project,omitempty"`
	Team      *TeamPayload    `json:"team,omitempty"`
}

// Validate checks that the variant matches the declared kind and that the
// payload passes its schema before anything crosses the API boundary.
func (e LocalEntity) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id is required: %w", ErrInvalidInput)
	}
	switch e.Kind {
	case KindTask:
		if e.Issue == nil || e.Project != nil || e.Team != nil {
			return fmt.Errorf("task entity must carry exactly an issue payload: %w", ErrInvalidInput)
		}
		return e.Issue.Validate()
	case KindProject:
		if e.Project == nil || e.Issue != nil || e.Team != nil {
			return fmt.Errorf("project entity must carry exactly a project payload: %w", ErrInvalidInput)
		}
		return e.Project.Validate()
	case KindTeam:
		if e.Team == nil || e.Issue != nil || e.Project != nil {
			return fmt.Errorf("team entity must carry exactly a team payload: %w", ErrInvalidInput)
		}
		return e.Team.Validate()
	default:
		return fmt.Errorf("unknown entity kind %q: %w", e.Kind, ErrInvalidInput)
	}
}

// EntitySource resolves local entity state. The HR application side is an
// external collaborator; the engine only reads through this interface.
type EntitySource interface {
	Entity(ctx context.Context, localID string, kind EntityKind) (LocalEntity, error)
	ProjectChildren(ctx context.Context, projectID string) ([]string, error)
}

type HTTPEntitySourceOptions struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

// HTTPEntitySource reads local entity state from the application's
// internal endpoints.
type HTTPEntitySource struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func NewHTTPEntitySource(opts HTTPEntitySourceOptions) (*HTTPEntitySource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPEntitySource{
		baseURL:    baseURL,
		authToken:  strings.TrimSpace(opts.AuthToken),
		httpClient: httpClient,
	}, nil
}

func (s *HTTPEntitySource) Entity(ctx context.Context, localID string, kind EntityKind) (LocalEntity, error) {
	path := fmt.Sprintf("/internal/entities/%s/%s", url.PathEscape(string(kind)), url.PathEscape(localID))
	var entity LocalEntity
	if err := s.getJSON(ctx, path, &entity); err != nil {
		return LocalEntity{}, err
	}
	if entity.ID == "" {
		entity.ID = localID
	}
	if entity.Kind == "" {
		entity.Kind = kind
	}
	return entity, nil
}

func (s *HTTPEntitySource) ProjectChildren(ctx context.Context, projectID string) ([]string, error) {
	path := fmt.Sprintf("/internal/projects/%s/children", url.PathEscape(projectID))
	var response struct {
		TaskIDs []string `json:"taskIds"`
	}
	if err := s.getJSON(ctx, path, &response); err != nil {
		return nil, err
	}
	return response.TaskIDs, nil
}

func (s *HTTPEntitySource) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("entity source request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("entity source failed: status=%d message=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, dst)
}
