package syncbridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

// TokenSealer encrypts OAuth tokens before they reach the database.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

type plainSealer struct{}

func (plainSealer) Seal(plaintext string) (string, error) { return plaintext, nil }
func (plainSealer) Open(sealed string) (string, error)    { return sealed, nil }

type PostgresStateOptions struct {
	Sealer TokenSealer
}

type PostgresState struct {
	dsn    string
	sealer TokenSealer
	openDB func(driverName, dsn string) (*sqlx.DB, error)

	initOnce sync.Once
	initErr  error
	db       *sqlx.DB
}

func NewPostgresState(dsn string, opts PostgresStateOptions) (*PostgresState, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	sealer := opts.Sealer
	if sealer == nil {
		sealer = plainSealer{}
	}
	return &PostgresState{
		dsn:    dsn,
		sealer: sealer,
		openDB: sqlx.Open,
	}, nil
}

// NewPostgresStateFromDB wraps an already opened pool.
func NewPostgresStateFromDB(db *sql.DB, opts PostgresStateOptions) *PostgresState {
	s := &PostgresState{sealer: opts.Sealer, db: sqlx.NewDb(db, "postgres")}
	if s.sealer == nil {
		s.sealer = plainSealer{}
	}
	s.initOnce.Do(func() {})
	return s
}

func (s *PostgresState) ensureReady() error {
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
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

// DB exposes the pool for migrations.
func (s *PostgresState) DB() (*sql.DB, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	return s.db.DB, nil
}

func (s *PostgresState) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type connectionRow struct {
	ID                    string       `db:"id"`
	TenantID              string       `db:"tenant_id"`
	Provider              string       `db:"provider"`
	AccountID             string       `db:"account_id"`
	AccessToken           string       `db:"access_token"`
	RefreshToken          string       `db:"refresh_token"`
	AccessTokenExpiresAt  sql.NullTime `db:"access_token_expires_at"`
	RefreshTokenExpiresAt sql.NullTime `db:"refresh_token_expires_at"`
	Active                bool         `db:"active"`
	LastError             string       `db:"last_error"`
	SyncDirection         string       `db:"sync_direction"`
	DefaultProjectID      string       `db:"default_project_id"`
	ChangeCursor          string       `db:"change_cursor"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

const connectionColumns = `id, tenant_id, provider, account_id, access_token, refresh_token,
	access_token_expires_at, refresh_token_expires_at, active, last_error, sync_direction,
	default_project_id, change_cursor, created_at, updated_at`

func (s *PostgresState) connectionFromRow(row connectionRow) (Connection, error) {
	access, err := s.sealer.Open(row.AccessToken)
	if err != nil {
		return Connection{}, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.sealer.Open(row.RefreshToken)
	if err != nil {
		return Connection{}, fmt.Errorf("open refresh token: %w", err)
	}
	conn := Connection{
		ID:               row.ID,
		TenantID:         row.TenantID,
		Provider:         Provider(row.Provider),
		AccountID:        row.AccountID,
		AccessToken:      access,
		RefreshToken:     refresh,
		Active:           row.Active,
		LastError:        row.LastError,
		SyncDirection:    Direction(row.SyncDirection),
		DefaultProjectID: row.DefaultProjectID,
		ChangeCursor:     row.ChangeCursor,
		CreatedAt:        row.CreatedAt.UTC(),
		UpdatedAt:        row.UpdatedAt.UTC(),
	}
	if row.AccessTokenExpiresAt.Valid {
		conn.AccessTokenExpiresAt = row.AccessTokenExpiresAt.Time.UTC()
	}
	conn.RefreshTokenExpiresAt = nullTimePtr(row.RefreshTokenExpiresAt)
	return conn, nil
}

func (s *PostgresState) connectionsFromRows(rows []connectionRow) ([]Connection, error) {
	out := make([]Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := s.connectionFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, nil
}

func (s *PostgresState) GetConnection(ctx context.Context, id string) (Connection, error) {
	if err := s.ensureReady(); err != nil {
		return Connection{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row connectionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM sync_connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, err
	}
	return s.connectionFromRow(row)
}

func (s *PostgresState) ListConnections(ctx context.Context, tenantID string) ([]Connection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+connectionColumns+` FROM sync_connections
		WHERE ($1 = '' OR tenant_id = $1) ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	return s.connectionsFromRows(rows)
}

func (s *PostgresState) ListConnectionsByAccount(ctx context.Context, provider Provider, accountID string) ([]Connection, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+connectionColumns+` FROM sync_connections
		WHERE provider = $1 AND account_id = $2 AND active ORDER BY id`, string(provider), accountID)
	if err != nil {
		return nil, err
	}
	return s.connectionsFromRows(rows)
}

func (s *PostgresState) SaveConnection(ctx context.Context, conn Connection) (Connection, error) {
	if conn.TenantID == "" || conn.Provider == "" {
		return Connection{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return Connection{}, err
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	accessSealed, err := s.sealer.Seal(conn.AccessToken)
	if err != nil {
		return Connection{}, fmt.Errorf("seal access token: %w", err)
	}
	refreshSealed, err := s.sealer.Seal(conn.RefreshToken)
	if err != nil {
		return Connection{}, fmt.Errorf("seal refresh token: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return Connection{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if conn.Active {
		if _, err := tx.ExecContext(ctx, `UPDATE sync_connections
			SET active = FALSE, last_error = $5, updated_at = NOW()
			WHERE tenant_id = $1 AND provider = $2 AND account_id = $3 AND id <> $4 AND active`,
			conn.TenantID, string(conn.Provider), conn.AccountID, conn.ID, "superseded by connection "+conn.ID); err != nil {
			return Connection{}, err
		}
	}
	var row connectionRow
	err = tx.GetContext(ctx, &row, `
		INSERT INTO sync_connections (id, tenant_id, provider, account_id, access_token, refresh_token,
			access_token_expires_at, refresh_token_expires_at, active, last_error, sync_direction,
			default_project_id, change_cursor, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			access_token_expires_at = EXCLUDED.access_token_expires_at,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			active = EXCLUDED.active,
			last_error = EXCLUDED.last_error,
			sync_direction = EXCLUDED.sync_direction,
			default_project_id = EXCLUDED.default_project_id,
			change_cursor = EXCLUDED.change_cursor,
			updated_at = NOW()
		RETURNING `+connectionColumns,
		conn.ID, conn.TenantID, string(conn.Provider), conn.AccountID, accessSealed, refreshSealed,
		timeOrNull(conn.AccessTokenExpiresAt), ptrTimeOrNull(conn.RefreshTokenExpiresAt), conn.Active, conn.LastError,
		string(conn.SyncDirection), conn.DefaultProjectID, conn.ChangeCursor)
	if err != nil {
		return Connection{}, err
	}
	if err := tx.Commit(); err != nil {
		return Connection{}, err
	}
	committed = true
	return s.connectionFromRow(row)
}

type mappingRow struct {
	ID               string       `db:"id"`
	TenantID         string       `db:"tenant_id"`
	ConnectionID     string       `db:"connection_id"`
	LocalType        string       `db:"local_type"`
	LocalID          string       `db:"local_id"`
	RemoteType       string       `db:"remote_type"`
	RemoteID         string       `db:"remote_id"`
	ConcurrencyToken string       `db:"concurrency_token"`
	Status           string       `db:"status"`
	LastSyncedAt     sql.NullTime `db:"last_synced_at"`
	LastError        string       `db:"last_error"`
	LastErrorClass   string       `db:"last_error_class"`
	RetryCount       int          `db:"retry_count"`
	RemoteModifiedAt sql.NullTime `db:"remote_modified_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

const mappingColumns = `id, tenant_id, connection_id, local_type, local_id, remote_type, remote_id,
	concurrency_token, status, last_synced_at, last_error, last_error_class, retry_count,
	remote_modified_at, created_at, updated_at`

func (r mappingRow) toMapping() EntityMapping {
	return EntityMapping{
		ID:               r.ID,
		TenantID:         r.TenantID,
		ConnectionID:     r.ConnectionID,
		LocalType:        EntityType(r.LocalType),
		LocalID:          r.LocalID,
		RemoteType:       r.RemoteType,
		RemoteID:         r.RemoteID,
		ConcurrencyToken: r.ConcurrencyToken,
		Status:           MappingStatus(r.Status),
		LastSyncedAt:     nullTimePtr(r.LastSyncedAt),
		LastError:        r.LastError,
		LastErrorClass:   ErrorClass(r.LastErrorClass),
		RetryCount:       r.RetryCount,
		RemoteModifiedAt: nullTimePtr(r.RemoteModifiedAt),
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (s *PostgresState) GetMapping(ctx context.Context, connectionID string, entityType EntityType, localID string) (EntityMapping, error) {
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row mappingRow
	err := s.db.GetContext(ctx, &row, `SELECT `+mappingColumns+` FROM sync_entity_mappings
		WHERE connection_id = $1 AND local_type = $2 AND local_id = $3`, connectionID, string(entityType), localID)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityMapping{}, ErrNotFound
	}
	if err != nil {
		return EntityMapping{}, err
	}
	return row.toMapping(), nil
}

func (s *PostgresState) FindMappingByRemote(ctx context.Context, connectionID, remoteType, remoteID string) (EntityMapping, error) {
	if remoteID == "" {
		return EntityMapping{}, ErrNotFound
	}
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row mappingRow
	err := s.db.GetContext(ctx, &row, `SELECT `+mappingColumns+` FROM sync_entity_mappings
		WHERE connection_id = $1 AND lower(remote_type) = lower($2) AND remote_id = $3
		LIMIT 1`, connectionID, remoteType, remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityMapping{}, ErrNotFound
	}
	if err != nil {
		return EntityMapping{}, err
	}
	return row.toMapping(), nil
}

func (s *PostgresState) UpsertMapping(ctx context.Context, mapping EntityMapping) (EntityMapping, error) {
	if mapping.ConnectionID == "" || mapping.LocalType == "" || mapping.LocalID == "" {
		return EntityMapping{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, err
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row mappingRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO sync_entity_mappings (id, tenant_id, connection_id, local_type, local_id, remote_type,
			remote_id, concurrency_token, status, last_synced_at, last_error, last_error_class, retry_count,
			remote_modified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (tenant_id, connection_id, local_type, local_id) DO UPDATE SET
			remote_type = EXCLUDED.remote_type,
			remote_id = EXCLUDED.remote_id,
			concurrency_token = EXCLUDED.concurrency_token,
			status = EXCLUDED.status,
			last_synced_at = EXCLUDED.last_synced_at,
			last_error = EXCLUDED.last_error,
			last_error_class = EXCLUDED.last_error_class,
			retry_count = EXCLUDED.retry_count,
			remote_modified_at = EXCLUDED.remote_modified_at,
			updated_at = NOW()
		RETURNING `+mappingColumns,
		mapping.ID, mapping.TenantID, mapping.ConnectionID, string(mapping.LocalType), mapping.LocalID,
		mapping.RemoteType, mapping.RemoteID, mapping.ConcurrencyToken, string(mapping.Status),
		ptrTimeOrNull(mapping.LastSyncedAt), mapping.LastError, string(mapping.LastErrorClass),
		mapping.RetryCount, ptrTimeOrNull(mapping.RemoteModifiedAt))
	if err != nil {
		return EntityMapping{}, err
	}
	return row.toMapping(), nil
}

func (s *PostgresState) InsertMappingIfAbsent(ctx context.Context, mapping EntityMapping) (EntityMapping, bool, error) {
	if mapping.ConnectionID == "" || mapping.LocalType == "" || mapping.LocalID == "" {
		return EntityMapping{}, false, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return EntityMapping{}, false, err
	}
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row mappingRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO sync_entity_mappings (id, tenant_id, connection_id, local_type, local_id, remote_type,
			remote_id, concurrency_token, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (tenant_id, connection_id, local_type, local_id) DO NOTHING
		RETURNING `+mappingColumns,
		mapping.ID, mapping.TenantID, mapping.ConnectionID, string(mapping.LocalType), mapping.LocalID,
		mapping.RemoteType, mapping.RemoteID, mapping.ConcurrencyToken, string(mapping.Status), mapping.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return EntityMapping{}, false, nil
	}
	if err != nil {
		return EntityMapping{}, false, err
	}
	return row.toMapping(), true, nil
}

func (s *PostgresState) DeleteMapping(ctx context.Context, connectionID string, entityType EntityType, localID string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_entity_mappings
		WHERE connection_id = $1 AND local_type = $2 AND local_id = $3`, connectionID, string(entityType), localID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresState) ListMappings(ctx context.Context, connectionID string, entityType EntityType) ([]EntityMapping, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []mappingRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+mappingColumns+` FROM sync_entity_mappings
		WHERE connection_id = $1 AND ($2 = '' OR local_type = $2) ORDER BY local_id`, connectionID, string(entityType))
	if err != nil {
		return nil, err
	}
	out := make([]EntityMapping, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toMapping())
	}
	return out, nil
}

type pendingRow struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	ConnectionID string    `db:"connection_id"`
	EntityType   string    `db:"entity_type"`
	EntityID     string    `db:"entity_id"`
	Direction    string    `db:"direction"`
	Priority     int       `db:"priority"`
	ScheduledAt  time.Time `db:"scheduled_at"`
	Status       string    `db:"status"`
	LastError    string    `db:"last_error"`
	Attempts     int       `db:"attempts"`
	Requeued     bool      `db:"requeued"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

const pendingColumns = `id, tenant_id, connection_id, entity_type, entity_id, direction, priority,
	scheduled_at, status, last_error, attempts, requeued, created_at, updated_at`

func (r pendingRow) toPending() PendingSync {
	return PendingSync{
		ID:           r.ID,
		TenantID:     r.TenantID,
		ConnectionID: r.ConnectionID,
		EntityType:   EntityType(r.EntityType),
		EntityID:     r.EntityID,
		Direction:    Direction(r.Direction),
		Priority:     r.Priority,
		ScheduledAt:  r.ScheduledAt.UTC(),
		Status:       PendingStatus(r.Status),
		LastError:    r.LastError,
		Attempts:     r.Attempts,
		Requeued:     r.Requeued,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (s *PostgresState) UpsertPending(ctx context.Context, item PendingSync) (PendingSync, bool, error) {
	now := time.Now().UTC()
	item, err := normalizePendingInput(item, now)
	if err != nil {
		return PendingSync{}, false, err
	}
	if err := s.ensureReady(); err != nil {
		return PendingSync{}, false, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return PendingSync{}, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var inserted pendingRow
	err = tx.GetContext(ctx, &inserted, `
		INSERT INTO sync_pending (id, tenant_id, connection_id, entity_type, entity_id, direction, priority,
			scheduled_at, status, last_error, attempts, requeued, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', '', 0, FALSE, NOW(), NOW())
		ON CONFLICT (connection_id, entity_type, entity_id) DO NOTHING
		RETURNING `+pendingColumns,
		item.ID, item.TenantID, item.ConnectionID, string(item.EntityType), item.EntityID,
		string(item.Direction), item.Priority, item.ScheduledAt)
	switch {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return PendingSync{}, false, err
		}
		committed = true
		return inserted.toPending(), true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return PendingSync{}, false, err
	}

	var existingRow pendingRow
	if err := tx.GetContext(ctx, &existingRow, `SELECT `+pendingColumns+` FROM sync_pending
		WHERE connection_id = $1 AND entity_type = $2 AND entity_id = $3 FOR UPDATE`,
		item.ConnectionID, string(item.EntityType), item.EntityID); err != nil {
		return PendingSync{}, false, err
	}
	merged, outstanding := mergePending(existingRow.toPending(), item, now)
	if _, err := tx.ExecContext(ctx, `UPDATE sync_pending SET direction = $2, priority = $3, scheduled_at = $4,
		status = $5, last_error = $6, attempts = $7, requeued = $8, updated_at = NOW() WHERE id = $1`,
		merged.ID, string(merged.Direction), merged.Priority, merged.ScheduledAt, string(merged.Status),
		merged.LastError, merged.Attempts, merged.Requeued); err != nil {
		return PendingSync{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return PendingSync{}, false, err
	}
	committed = true
	return merged, outstanding, nil
}

func (s *PostgresState) ClaimPending(ctx context.Context, limit int, now time.Time) ([]PendingSync, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []pendingRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE sync_pending SET status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_pending
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority DESC, scheduled_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+pendingColumns, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]PendingSync, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPending())
	}
	sortPendingForClaim(out)
	return out, nil
}

func (s *PostgresState) CompletePending(ctx context.Context, id string, status PendingStatus, lastError string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_pending SET
			status = CASE WHEN requeued THEN 'pending' ELSE $2 END,
			scheduled_at = CASE WHEN requeued THEN NOW() ELSE scheduled_at END,
			requeued = FALSE,
			last_error = $3,
			updated_at = NOW()
		WHERE id = $1`, id, string(status), lastError)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *PostgresState) ReleasePending(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_pending SET status = 'pending', requeued = FALSE,
			attempts = GREATEST(attempts - 1, 0), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	return err
}

func (s *PostgresState) ListPending(ctx context.Context, connectionID string, status PendingStatus) ([]PendingSync, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []pendingRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+pendingColumns+` FROM sync_pending
		WHERE ($1 = '' OR connection_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY priority DESC, scheduled_at ASC, id ASC`, connectionID, string(status))
	if err != nil {
		return nil, err
	}
	out := make([]PendingSync, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toPending())
	}
	return out, nil
}

type logRow struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	ConnectionID string    `db:"connection_id"`
	Operation    string    `db:"operation"`
	Direction    string    `db:"direction"`
	EntityType   string    `db:"entity_type"`
	EntityID     string    `db:"entity_id"`
	Outcome      string    `db:"outcome"`
	Processed    int       `db:"processed"`
	Created      int       `db:"created"`
	Updated      int       `db:"updated"`
	Failed       int       `db:"failed"`
	Skipped      int       `db:"skipped"`
	StartedAt    time.Time `db:"started_at"`
	FinishedAt   time.Time `db:"finished_at"`
	ErrorMessage string    `db:"error_message"`
	ErrorClass   string    `db:"error_class"`
	Retryable    bool      `db:"is_retryable"`
}

func (s *PostgresState) AppendLog(ctx context.Context, entry SyncLogEntry) (SyncLogEntry, error) {
	if err := s.ensureReady(); err != nil {
		return SyncLogEntry{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_logs (id, tenant_id, connection_id, operation, direction, entity_type, entity_id,
			outcome, processed, created, updated, failed, skipped, started_at, finished_at,
			error_message, error_class, is_retryable)
		VALUES (:id, :tenant_id, :connection_id, :operation, :direction, :entity_type, :entity_id,
			:outcome, :processed, :created, :updated, :failed, :skipped, :started_at, :finished_at,
			:error_message, :error_class, :is_retryable)`, logRow{
		ID:           entry.ID,
		TenantID:     entry.TenantID,
		ConnectionID: entry.ConnectionID,
		Operation:    entry.Operation,
		Direction:    string(entry.Direction),
		EntityType:   string(entry.EntityType),
		EntityID:     entry.EntityID,
		Outcome:      entry.Outcome,
		Processed:    entry.Processed,
		Created:      entry.Created,
		Updated:      entry.Updated,
		Failed:       entry.Failed,
		Skipped:      entry.Skipped,
		StartedAt:    entry.StartedAt,
		FinishedAt:   entry.FinishedAt,
		ErrorMessage: entry.ErrorMessage,
		ErrorClass:   string(entry.ErrorClass),
		Retryable:    entry.Retryable,
	})
	if err != nil {
		return SyncLogEntry{}, err
	}
	return entry, nil
}

func (s *PostgresState) ListLogs(ctx context.Context, connectionID string, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows, `SELECT id, tenant_id, connection_id, operation, direction,
			entity_type, entity_id, outcome, processed, created, updated, failed, skipped, started_at,
			finished_at, error_message, error_class, is_retryable
		FROM sync_logs WHERE ($1 = '' OR connection_id = $1)
		ORDER BY started_at DESC, id DESC LIMIT $2`, connectionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SyncLogEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, SyncLogEntry{
			ID:           row.ID,
			TenantID:     row.TenantID,
			ConnectionID: row.ConnectionID,
			Operation:    row.Operation,
			Direction:    Direction(row.Direction),
			EntityType:   EntityType(row.EntityType),
			EntityID:     row.EntityID,
			Outcome:      row.Outcome,
			Processed:    row.Processed,
			Created:      row.Created,
			Updated:      row.Updated,
			Failed:       row.Failed,
			Skipped:      row.Skipped,
			StartedAt:    row.StartedAt.UTC(),
			FinishedAt:   row.FinishedAt.UTC(),
			ErrorMessage: row.ErrorMessage,
			ErrorClass:   ErrorClass(row.ErrorClass),
			Retryable:    row.Retryable,
		})
	}
	return out, nil
}

type entityRow struct {
	TenantID          string       `db:"tenant_id"`
	EntityType        string       `db:"entity_type"`
	ID                string       `db:"id"`
	Status            string       `db:"status"`
	Fields            []byte       `db:"fields"`
	ExternalUpdatedAt sql.NullTime `db:"external_updated_at"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

const entityColumns = `tenant_id, entity_type, id, status, fields, external_updated_at, created_at, updated_at`

func (r entityRow) toEntity() (LocalEntity, error) {
	fields := map[string]any{}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &fields); err != nil {
			return LocalEntity{}, err
		}
	}
	return LocalEntity{
		TenantID:          r.TenantID,
		Type:              EntityType(r.EntityType),
		ID:                r.ID,
		Status:            r.Status,
		Fields:            fields,
		ExternalUpdatedAt: nullTimePtr(r.ExternalUpdatedAt),
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}, nil
}

func (s *PostgresState) GetEntity(ctx context.Context, tenantID string, entityType EntityType, id string) (LocalEntity, error) {
	if err := s.ensureReady(); err != nil {
		return LocalEntity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row entityRow
	err := s.db.GetContext(ctx, &row, `SELECT `+entityColumns+` FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3`, tenantID, string(entityType), id)
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEntity{}, ErrNotFound
	}
	if err != nil {
		return LocalEntity{}, err
	}
	return row.toEntity()
}

func (s *PostgresState) ListEntityIDs(ctx context.Context, tenantID string, entityType EntityType) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT id FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 ORDER BY id`, tenantID, string(entityType))
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *PostgresState) InsertEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error) {
	if entity.TenantID == "" || entity.Type == "" {
		return LocalEntity{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return LocalEntity{}, err
	}
	if entity.ID == "" {
		entity.ID = uuid.NewString()
	}
	fields, err := marshalFields(entity.Fields)
	if err != nil {
		return LocalEntity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row entityRow
	err = s.db.GetContext(ctx, &row, `
		INSERT INTO local_entities (tenant_id, entity_type, id, status, fields, external_updated_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING `+entityColumns,
		entity.TenantID, string(entity.Type), entity.ID, entity.Status, fields, ptrTimeOrNull(entity.ExternalUpdatedAt))
	if isUniqueViolation(err) {
		return LocalEntity{}, ErrDuplicate
	}
	if err != nil {
		return LocalEntity{}, err
	}
	return row.toEntity()
}

func (s *PostgresState) UpdateEntity(ctx context.Context, entity LocalEntity) (LocalEntity, error) {
	if err := s.ensureReady(); err != nil {
		return LocalEntity{}, err
	}
	fields, err := marshalFields(entity.Fields)
	if err != nil {
		return LocalEntity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row entityRow
	err = s.db.GetContext(ctx, &row, `
		UPDATE local_entities SET status = $4, fields = $5, external_updated_at = $6, updated_at = NOW()
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3
		RETURNING `+entityColumns,
		entity.TenantID, string(entity.Type), entity.ID, entity.Status, fields, ptrTimeOrNull(entity.ExternalUpdatedAt))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEntity{}, ErrNotFound
	}
	if err != nil {
		return LocalEntity{}, err
	}
	return row.toEntity()
}

func (s *PostgresState) LatestActiveProject(ctx context.Context, tenantID string) (LocalEntity, error) {
	if err := s.ensureReady(); err != nil {
		return LocalEntity{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var row entityRow
	err := s.db.GetContext(ctx, &row, `SELECT `+entityColumns+` FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 AND status IN ('', 'active')
		ORDER BY created_at DESC LIMIT 1`, tenantID, string(EntityProjects))
	if errors.Is(err, sql.ErrNoRows) {
		return LocalEntity{}, ErrNotFound
	}
	if err != nil {
		return LocalEntity{}, err
	}
	return row.toEntity()
}

func marshalFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(fields)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func timeOrNull(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func ptrTimeOrNull(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return *value
}
