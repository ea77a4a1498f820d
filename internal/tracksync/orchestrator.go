package tracksync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

type SyncerOptions struct {
	Provider    string
	Credentials CredentialStore
	Mappings    MappingStore
	Tokens      TokenProvider
	Tracker     TrackerClient
	Source      EntitySource
	Events      *EventFeed
	Now         func() time.Time
}

// Syncer drives reconciliation between local entities and the external
// tracker. Pushes for the same (localId, kind) are serialized; pushes for
// different entities run in parallel.
type Syncer struct {
	provider string
	creds    CredentialStore
	mappings MappingStore
	tokens   TokenProvider
	tracker  TrackerClient
	source   EntitySource
	events   *EventFeed
	now      func() time.Time

	keyMu sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Mappings == nil || opts.Tokens == nil || opts.Tracker == nil || opts.Source == nil {
		return nil, ErrInvalidInput
	}
	provider := strings.TrimSpace(opts.Provider)
	if provider == "" {
		provider = "tracker"
	}
	creds := opts.Credentials
	if creds == nil {
		creds = NewInMemoryCredentialStore()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	events := opts.Events
	if events == nil {
		events = NewEventFeed(0)
	}
	return &Syncer{
		provider: provider,
		creds:    creds,
		mappings: opts.Mappings,
		tokens:   opts.Tokens,
		tracker:  opts.Tracker,
		source:   opts.Source,
		events:   events,
		now:      now,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

func (s *Syncer) lockEntity(localID string, kind EntityKind) func() {
	key := string(kind) + "/" + localID
	s.keyMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.keyMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// checkConnection fails fast before any network call: a missing or
// disconnected credential is NoActiveWorkspace, an expired one is
// AuthExpired so the operator knows re-authorization is required.
func (s *Syncer) checkConnection(ctx context.Context) error {
	cred, err := s.creds.Credential(ctx, s.provider)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNoActiveWorkspace
		}
		return err
	}
	switch cred.State {
	case StateActive:
		return nil
	case StateExpired:
		return ErrAuthExpired
	default:
		return ErrNoActiveWorkspace
	}
}

// SyncEntity pushes the current local state of one entity to the tracker,
// creating or updating the mapped remote entity, and records the outcome
// in the mapping store.
func (s *Syncer) SyncEntity(ctx context.Context, localID string, kind EntityKind) (EntityMapping, error) {
	localID = strings.TrimSpace(localID)
	if localID == "" {
		return EntityMapping{}, ErrInvalidInput
	}
	if _, err := ParseEntityKind(string(kind)); err != nil {
		return EntityMapping{}, err
	}

	unlock := s.lockEntity(localID, kind)
	defer unlock()

	started := s.now()
	mapping, err := s.syncLocked(ctx, localID, kind)
	syncDuration.WithLabelValues(string(kind)).Observe(time.Since(started).Seconds())
	if err != nil {
		syncAttemptsTotal.WithLabelValues(string(kind), "error").Inc()
		return mapping, err
	}
	syncAttemptsTotal.WithLabelValues(string(kind), "ok").Inc()
	return mapping, nil
}

func (s *Syncer) syncLocked(ctx context.Context, localID string, kind EntityKind) (EntityMapping, error) {
	if err := s.checkConnection(ctx); err != nil {
		return EntityMapping{}, err
	}
	token, err := s.tokens.EnsureValidToken(ctx)
	if err != nil {
		return EntityMapping{}, err
	}

	entity, err := s.source.Entity(ctx, localID, kind)
	if err != nil {
		return EntityMapping{}, s.recordFailure(ctx, localID, kind, fmt.Sprintf("resolve local entity: %v", err), err)
	}
	if err := entity.Validate(); err != nil {
		return EntityMapping{}, s.recordFailure(ctx, localID, kind, err.Error(), err)
	}
	s.associateProject(ctx, &entity)

	existing, findErr := s.mappings.FindMapping(ctx, localID, kind)
	if findErr != nil && !errors.Is(findErr, ErrNotFound) {
		return EntityMapping{}, findErr
	}
	hasMapping := findErr == nil && strings.TrimSpace(existing.ExternalID) != ""

	remote, recreated, pushErr := s.push(ctx, token, entity, existing, hasMapping)
	if pushErr != nil {
		reason := pushErr.Error()
		if ctx.Err() != nil {
			// Ambiguous outcome: the call may have landed remotely. Never
			// record synced; force a retry instead.
			reason = "ambiguous: " + ctx.Err().Error()
		}
		return EntityMapping{}, s.recordFailure(ctx, localID, kind, reason, pushErr)
	}

	mapping := EntityMapping{
		LocalID:      localID,
		Kind:         kind,
		ExternalID:   remote.ID,
		ExternalKey:  remote.Key,
		Status:       SyncSynced,
		LastSyncedAt: s.now(),
	}
	saved, err := s.mappings.UpsertMapping(ctx, mapping)
	if err != nil {
		return EntityMapping{}, err
	}
	eventType := EventEntitySynced
	if recreated {
		eventType = EventEntityRecreated
	}
	s.events.Publish(SyncEvent{
		Type:     eventType,
		LocalID:  localID,
		Kind:     kind,
		Provider: s.provider,
		Detail:   "external id " + remote.ID,
	})
	return saved, nil
}

// push performs update-then-create-on-404 when a mapping exists, plain
// create otherwise, with exactly one refresh-and-retry on Unauthorized.
// The second return reports whether a deleted remote entity was
// re-created.
func (s *Syncer) push(ctx context.Context, token string, entity LocalEntity, existing EntityMapping, hasMapping bool) (RemoteEntity, bool, error) {
	attempt := func(token string) (RemoteEntity, bool, error) {
		if hasMapping {
			remote, err := s.update(ctx, token, entity, existing.ExternalID)
			if err == nil {
				return remote, false, nil
			}
			if errors.Is(err, ErrRemoteNotFound) {
				// The remote entity vanished; re-create rather than fail.
				remote, createErr := s.create(ctx, token, entity)
				return remote, createErr == nil, createErr
			}
			return RemoteEntity{}, false, err
		}
		remote, err := s.create(ctx, token, entity)
		return remote, false, err
	}

	remote, recreated, err := attempt(token)
	if err != nil && errors.Is(err, ErrUnauthorized) {
		fresh, refreshErr := s.tokens.RefreshAfterUnauthorized(ctx, token)
		if refreshErr != nil {
			return RemoteEntity{}, false, refreshErr
		}
		s.events.Publish(SyncEvent{Type: EventTokenRefreshed, Provider: s.provider})
		remote, recreated, err = attempt(fresh)
	}
	return remote, recreated, err
}

func (s *Syncer) create(ctx context.Context, token string, entity LocalEntity) (RemoteEntity, error) {
	switch entity.Kind {
	case KindTask:
		return s.tracker.CreateIssue(ctx, token, *entity.Issue)
	case KindProject:
		return s.tracker.CreateProject(ctx, token, *entity.Project)
	case KindTeam:
		return s.tracker.CreateTeam(ctx, token, *entity.Team)
	}
	return RemoteEntity{}, ErrInvalidInput
}

func (s *Syncer) update(ctx context.Context, token string, entity LocalEntity, externalID string) (RemoteEntity, error) {
	switch entity.Kind {
	case KindTask:
		return s.tracker.UpdateIssue(ctx, token, externalID, *entity.Issue)
	case KindProject:
		return s.tracker.UpdateProject(ctx, token, externalID, *entity.Project)
	case KindTeam:
		return s.tracker.UpdateTeam(ctx, token, externalID, *entity.Team)
	}
	return RemoteEntity{}, ErrInvalidInput
}

// associateProject fills the issue's remote project key from the parent
// project's mapping when the source did not set one.
func (s *Syncer) associateProject(ctx context.Context, entity *LocalEntity) {
	if entity.Kind != KindTask || entity.Issue == nil {
		return
	}
	if entity.Issue.ProjectKey != "" || entity.ProjectID == "" {
		return
	}
	parent, err := s.mappings.FindMapping(ctx, entity.ProjectID, KindProject)
	if err != nil {
		return
	}
	if parent.ExternalKey != "" {
		entity.Issue.ProjectKey = parent.ExternalKey
	}
}

func (s *Syncer) recordFailure(ctx context.Context, localID string, kind EntityKind, reason string, cause error) error {
	// The mapping row is marked in a detached context so a cancelled sync
	// still leaves its failure bookkeeping behind.
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.mappings.MarkMappingError(markCtx, localID, kind, reason); err != nil {
		reason = reason + " (mark error failed: " + err.Error() + ")"
	}
	s.events.Publish(SyncEvent{
		Type:     EventEntityFailed,
		LocalID:  localID,
		Kind:     kind,
		Provider: s.provider,
		Detail:   reason,
	})
	return &SyncError{LocalID: localID, Kind: kind, Reason: reason, Err: cause}
}

// FailedChild describes one child that could not be pushed during a
// project reconcile.
type FailedChild struct {
	LocalID string `json:"localId"`
	Reason  string `json:"reason"`
}

type ReconcileSummary struct {
	ProjectID string        `json:"projectId"`
	Pushed    int           `json:"pushed"`
	Failed    []FailedChild `json:"failed"`
	Skipped   int           `json:"skipped"`
}

// ReconcileProject pushes the project first (child issues need its
// external key), then pushes every child independently. A child failure
// is recorded and the remaining children still run. Pushed counts
// children only; the project push is a precondition, not part of the
// tally.
func (s *Syncer) ReconcileProject(ctx context.Context, projectID string) (ReconcileSummary, error) {
	summary := ReconcileSummary{ProjectID: projectID, Failed: []FailedChild{}}

	if _, err := s.SyncEntity(ctx, projectID, KindProject); err != nil {
		summary.Failed = append(summary.Failed, FailedChild{LocalID: projectID, Reason: err.Error()})
		return summary, err
	}

	childIDs, err := s.source.ProjectChildren(ctx, projectID)
	if err != nil {
		return summary, fmt.Errorf("list project children: %w", err)
	}

	for _, childID := range childIDs {
		skip, err := s.upToDate(ctx, childID, KindTask)
		if err == nil && skip {
			summary.Skipped++
			continue
		}
		if _, err := s.SyncEntity(ctx, childID, KindTask); err != nil {
			summary.Failed = append(summary.Failed, FailedChild{LocalID: childID, Reason: err.Error()})
			continue
		}
		summary.Pushed++
	}

	s.events.Publish(SyncEvent{
		Type:     EventReconcileDone,
		LocalID:  projectID,
		Kind:     KindProject,
		Provider: s.provider,
		Detail:   fmt.Sprintf("pushed=%d failed=%d skipped=%d", summary.Pushed, len(summary.Failed), summary.Skipped),
	})
	return summary, nil
}

// upToDate reports whether a child has no local changes since its last
// successful sync. Entities without a tracked UpdatedAt are always pushed.
func (s *Syncer) upToDate(ctx context.Context, localID string, kind EntityKind) (bool, error) {
	mapping, err := s.mappings.FindMapping(ctx, localID, kind)
	if err != nil {
		return false, err
	}
	if mapping.Status != SyncSynced || mapping.LastSyncedAt.IsZero() {
		return false, nil
	}
	entity, err := s.source.Entity(ctx, localID, kind)
	if err != nil {
		return false, err
	}
	if entity.UpdatedAt.IsZero() {
		return false, nil
	}
	return !entity.UpdatedAt.After(mapping.LastSyncedAt), nil
}

// ReconcileAll re-pushes every mapped entity, kind by kind. Used by the
// optional scheduled sweep.
func (s *Syncer) ReconcileAll(ctx context.Context) (ReconcileSummary, error) {
	summary := ReconcileSummary{Failed: []FailedChild{}}
	for _, kind := range []EntityKind{KindTeam, KindProject, KindTask} {
		mappings, err := s.mappings.ListMappingsByKind(ctx, kind)
		if err != nil {
			return summary, err
		}
		for _, mapping := range mappings {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			skip, err := s.upToDate(ctx, mapping.LocalID, kind)
			if err == nil && skip {
				summary.Skipped++
				continue
			}
			if _, err := s.SyncEntity(ctx, mapping.LocalID, kind); err != nil {
				summary.Failed = append(summary.Failed, FailedChild{LocalID: mapping.LocalID, Reason: err.Error()})
				continue
			}
			summary.Pushed++
		}
	}
	return summary, nil
}

// PullEntity fetches the remote counterpart of a mapped entity. A remote
// 404 marks the mapping errored but keeps its external id for operator
// inspection.
func (s *Syncer) PullEntity(ctx context.Context, localID string, kind EntityKind) (RemoteEntity, error) {
	if err := s.checkConnection(ctx); err != nil {
		return RemoteEntity{}, err
	}
	mapping, err := s.mappings.FindMapping(ctx, localID, kind)
	if err != nil {
		return RemoteEntity{}, err
	}
	if strings.TrimSpace(mapping.ExternalID) == "" {
		return RemoteEntity{}, ErrNotFound
	}
	token, err := s.tokens.EnsureValidToken(ctx)
	if err != nil {
		return RemoteEntity{}, err
	}

	fetch := func(token string) (RemoteEntity, error) {
		switch kind {
		case KindTask:
			return s.tracker.FetchIssue(ctx, token, mapping.ExternalID)
		case KindProject:
			return s.tracker.FetchProject(ctx, token, mapping.ExternalID)
		case KindTeam:
			return s.tracker.FetchTeam(ctx, token, mapping.ExternalID)
		}
		return RemoteEntity{}, ErrInvalidInput
	}

	remote, err := fetch(token)
	if err != nil && errors.Is(err, ErrUnauthorized) {
		fresh, refreshErr := s.tokens.RefreshAfterUnauthorized(ctx, token)
		if refreshErr != nil {
			return RemoteEntity{}, refreshErr
		}
		remote, err = fetch(fresh)
	}
	if err != nil {
		if errors.Is(err, ErrRemoteNotFound) {
			_ = s.mappings.MarkMappingError(ctx, localID, kind, "remote entity missing")
		}
		return RemoteEntity{}, err
	}
	return remote, nil
}

// StatusReport is the operator-facing view of one entity's sync state.
type StatusReport struct {
	Connected bool           `json:"connected"`
	Mapping   *EntityMapping `json:"mapping,omitempty"`
	LastError string         `json:"lastError,omitempty"`
}

// SyncStatus derives connectivity for one entity: connected only when a
// mapping exists, it is not errored, and the credential is active.
func (s *Syncer) SyncStatus(ctx context.Context, localID string, kind EntityKind) (StatusReport, error) {
	report := StatusReport{}

	mapping, err := s.mappings.FindMapping(ctx, localID, kind)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return report, nil
		}
		return report, err
	}
	report.Mapping = &mapping
	report.LastError = mapping.LastError

	credErr := s.checkConnection(ctx)
	report.Connected = credErr == nil && mapping.Status != SyncFailed
	return report, nil
}
