package tracksync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCredentialsTable = "tracksync_credentials"
	postgresMappingsTable    = "tracksync_mappings"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore is the durable credential and mapping store. Tables are
// bootstrapped on first use.
type PostgresStore struct {
	dsn              string
	credentialsTable string
	mappingsTable    string
	openDB           sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

var (
	_ CredentialStore = (*PostgresStore)(nil)
	_ MappingStore    = (*PostgresStore)(nil)
)

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:              dsn,
		credentialsTable: postgresCredentialsTable,
		mappingsTable:    postgresMappingsTable,
		openDB:           sql.Open,
	}, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		credentialsDDL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				provider TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_type TEXT NOT NULL DEFAULT '',
				scope TEXT NOT NULL DEFAULT '',
				issued_at TIMESTAMPTZ,
				expires_in BIGINT NOT NULL DEFAULT 0,
				absolute_expiry TIMESTAMPTZ,
				state TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.credentialsTable))
		if _, err := db.ExecContext(ctx, credentialsDDL); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		mappingsDDL := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				local_id TEXT NOT NULL,
				local_kind TEXT NOT NULL,
				external_id TEXT NOT NULL DEFAULT '',
				external_key TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL,
				last_synced_at TIMESTAMPTZ,
				last_error TEXT NOT NULL DEFAULT '',
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (local_id, local_kind)
			)`, postgresQuoteIdentifier(s.mappingsTable))
		if _, err := db.ExecContext(ctx, mappingsDDL); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Credential(ctx context.Context, provider string) (WorkspaceCredential, error) {
	provider = strings.TrimSpace(provider)
	if provider == "" {
		return WorkspaceCredential{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return WorkspaceCredential{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT provider, workspace_id, access_token, refresh_token, token_type, scope,
		       issued_at, expires_in, absolute_expiry, state, updated_at
		FROM %s WHERE provider = $1`, postgresQuoteIdentifier(s.credentialsTable))
	var (
		cred           WorkspaceCredential
		issuedAt       sql.NullTime
		absoluteExpiry sql.NullTime
		state          string
	)
	err := s.db.QueryRowContext(opCtx, query, provider).Scan(
		&cred.Provider, &cred.WorkspaceID, &cred.AccessToken, &cred.RefreshToken,
		&cred.TokenType, &cred.Scope, &issuedAt, &cred.ExpiresIn, &absoluteExpiry,
		&state, &cred.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkspaceCredential{}, ErrNotFound
	}
	if err != nil {
		return WorkspaceCredential{}, err
	}
	if issuedAt.Valid {
		cred.IssuedAt = issuedAt.Time
	}
	if absoluteExpiry.Valid {
		cred.AbsoluteExpiry = absoluteExpiry.Time
	}
	cred.State = ConnectionState(state)
	return cred, nil
}

func (s *PostgresStore) SaveCredential(ctx context.Context, cred WorkspaceCredential) error {
	if strings.TrimSpace(cred.Provider) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (provider, workspace_id, access_token, refresh_token, token_type, scope,
		                issued_at, expires_in, absolute_expiry, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			workspace_id = EXCLUDED.workspace_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			scope = EXCLUDED.scope,
			issued_at = EXCLUDED.issued_at,
			expires_in = EXCLUDED.expires_in,
			absolute_expiry = EXCLUDED.absolute_expiry,
			state = EXCLUDED.state,
			updated_at = NOW()`, postgresQuoteIdentifier(s.credentialsTable))
	_, err := s.db.ExecContext(opCtx, query,
		cred.Provider, cred.WorkspaceID, cred.AccessToken, cred.RefreshToken,
		cred.TokenType, cred.Scope, nullTime(cred.IssuedAt), cred.ExpiresIn,
		nullTime(cred.AbsoluteExpiry), string(cred.State),
	)
	return err
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, mapping EntityMapping) (EntityMapping, error) {
	if strings.TrimSpace(mapping.LocalID) == "" || mapping.Kind == "" {
		return EntityMapping{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (local_id, local_kind, external_id, external_key, status, last_synced_at, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (local_id, local_kind) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			external_key = EXCLUDED.external_key,
			status = EXCLUDED.status,
			last_synced_at = EXCLUDED.last_synced_at,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`, postgresQuoteIdentifier(s.mappingsTable))
	_, err := s.db.ExecContext(opCtx, query,
		mapping.LocalID, string(mapping.Kind), mapping.ExternalID, mapping.ExternalKey,
		string(mapping.Status), nullTime(mapping.LastSyncedAt), mapping.LastError,
	)
	if err != nil {
		return EntityMapping{}, err
	}
	mapping.UpdatedAt = time.Now().UTC()
	return mapping, nil
}

func (s *PostgresStore) FindMapping(ctx context.Context, localID string, kind EntityKind) (EntityMapping, error) {
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT local_id, local_kind, external_id, external_key, status, last_synced_at, last_error, updated_at
		FROM %s WHERE local_id = $1 AND local_kind = $2`, postgresQuoteIdentifier(s.mappingsTable))
	row := s.db.QueryRowContext(opCtx, query, localID, string(kind))
	mapping, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityMapping{}, ErrNotFound
	}
	if err != nil {
		return EntityMapping{}, err
	}
	return mapping, nil
}

// MarkMappingError records the failure without touching external_id or
// external_key, so the previous good mapping survives a failed sync.
func (s *PostgresStore) MarkMappingError(ctx context.Context, localID string, kind EntityKind, message string) error {
	if strings.TrimSpace(localID) == "" || kind == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (local_id, local_kind, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (local_id, local_kind) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = NOW()`, postgresQuoteIdentifier(s.mappingsTable))
	_, err := s.db.ExecContext(opCtx, query, localID, string(kind), string(SyncFailed), message)
	return err
}

func (s *PostgresStore) ListMappingsByKind(ctx context.Context, kind EntityKind) ([]EntityMapping, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT local_id, local_kind, external_id, external_key, status, last_synced_at, last_error, updated_at
		FROM %s WHERE local_kind = $1`, postgresQuoteIdentifier(s.mappingsTable))
	rows, err := s.db.QueryContext(opCtx, query, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := make([]EntityMapping, 0)
	for rows.Next() {
		mapping, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].LocalID < mappings[j].LocalID })
	return mappings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (EntityMapping, error) {
	var (
		mapping      EntityMapping
		kind         string
		status       string
		lastSyncedAt sql.NullTime
	)
	if err := row.Scan(&mapping.LocalID, &kind, &mapping.ExternalID, &mapping.ExternalKey,
		&status, &lastSyncedAt, &mapping.LastError, &mapping.UpdatedAt); err != nil {
		return EntityMapping{}, err
	}
	mapping.Kind = EntityKind(kind)
	mapping.Status = SyncState(status)
	if lastSyncedAt.Valid {
		mapping.LastSyncedAt = lastSyncedAt.Time
	}
	return mapping, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
