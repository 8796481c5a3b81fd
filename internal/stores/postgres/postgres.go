// Package postgres provides the durable store backends: per-source offsets
// and transactional groups, both on a shared pgx pool. Schemas are created on
// first use so a fresh database works without migrations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redbco/redb-cdc/internal/txgroup"
	"github.com/redbco/redb-cdc/pkg/cdc"
)

// Config locates the store database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DSN renders the pool connection string.
func (c Config) DSN() string {
	host := c.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
		Path:   "/" + c.Database,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	query := url.Values{}
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()
	return u.String()
}

// NewPool connects and pings a pgx pool for the store backends.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse store dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	return pool, nil
}

const offsetSchema = `
CREATE TABLE IF NOT EXISTS cdc_offsets (
	source         TEXT PRIMARY KEY,
	current_offset TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// OffsetStore persists per-source offsets in the cdc_offsets table. Writes
// are fail-closed: an error here must halt offset advancement.
type OffsetStore struct {
	pool *pgxpool.Pool
}

// NewOffsetStore ensures the offsets table exists and returns the store.
func NewOffsetStore(ctx context.Context, pool *pgxpool.Pool) (*OffsetStore, error) {
	if _, err := pool.Exec(ctx, offsetSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure cdc_offsets table: %w", err)
	}
	return &OffsetStore{pool: pool}, nil
}

// GetOffset returns the offset for a source, or "" when none is recorded.
func (s *OffsetStore) GetOffset(ctx context.Context, source string) (string, error) {
	var offset string
	err := s.pool.QueryRow(ctx,
		`SELECT current_offset FROM cdc_offsets WHERE source = $1`, source).Scan(&offset)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read offset for %s: %w", source, err)
	}
	return offset, nil
}

// SetOffset persists the offset for a source.
func (s *OffsetStore) SetOffset(ctx context.Context, source, offset string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cdc_offsets (source, current_offset, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (source) DO UPDATE
		SET current_offset = EXCLUDED.current_offset, updated_at = now()`,
		source, offset)
	if err != nil {
		return fmt.Errorf("failed to persist offset %s for %s: %w", offset, source, err)
	}
	return nil
}

// DeleteOffset removes the offset for a source.
func (s *OffsetStore) DeleteOffset(ctx context.Context, source string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM cdc_offsets WHERE source = $1`, source); err != nil {
		return fmt.Errorf("failed to delete offset for %s: %w", source, err)
	}
	return nil
}

// ListOffsets returns all source to offset mappings.
func (s *OffsetStore) ListOffsets(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT source, current_offset FROM cdc_offsets`)
	if err != nil {
		return nil, fmt.Errorf("failed to list offsets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var source, offset string
		if err := rows.Scan(&source, &offset); err != nil {
			return nil, fmt.Errorf("failed to scan offset row: %w", err)
		}
		out[source] = offset
	}
	return out, rows.Err()
}

const groupSchema = `
CREATE TABLE IF NOT EXISTS cdc_transaction_groups (
	transaction_id TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	source         TEXT NOT NULL,
	end_timestamp  TIMESTAMPTZ,
	payload        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS cdc_transaction_groups_status_idx
	ON cdc_transaction_groups (status)`

// terminalStatuses mirrors TransactionalGroup.IsTerminal for SQL filtering.
var terminalStatuses = []string{
	string(txgroup.StatusCommitted),
	string(txgroup.StatusRolledBack),
	string(txgroup.StatusFailed),
	string(txgroup.StatusTimeout),
}

// GroupStore persists transactional groups as JSONB rows, status-indexed for
// the sweeper queries.
type GroupStore struct {
	pool *pgxpool.Pool
}

// NewGroupStore ensures the groups table exists and returns the store.
func NewGroupStore(ctx context.Context, pool *pgxpool.Pool) (*GroupStore, error) {
	if _, err := pool.Exec(ctx, groupSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure cdc_transaction_groups table: %w", err)
	}
	return &GroupStore{pool: pool}, nil
}

// Get returns the group for a transaction id, or nil when absent.
func (s *GroupStore) Get(ctx context.Context, transactionID string) (*txgroup.TransactionalGroup, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM cdc_transaction_groups WHERE transaction_id = $1`, transactionID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transaction group %s: %w", transactionID, err)
	}
	var group txgroup.TransactionalGroup
	if err := json.Unmarshal(payload, &group); err != nil {
		return nil, fmt.Errorf("failed to decode transaction group %s: %w", transactionID, err)
	}
	return &group, nil
}

// Put stores or replaces a group.
func (s *GroupStore) Put(ctx context.Context, group *txgroup.TransactionalGroup) error {
	payload, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to encode transaction group %s: %w", group.TransactionID, err)
	}
	var end interface{}
	if !group.EndTimestamp.IsZero() {
		end = group.EndTimestamp
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cdc_transaction_groups (transaction_id, status, source, end_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO UPDATE
		SET status = EXCLUDED.status, source = EXCLUDED.source,
		    end_timestamp = EXCLUDED.end_timestamp, payload = EXCLUDED.payload`,
		group.TransactionID, string(group.Status), group.Source, end, payload)
	if err != nil {
		return fmt.Errorf("failed to persist transaction group %s: %w", group.TransactionID, err)
	}
	return nil
}

// Delete removes a group.
func (s *GroupStore) Delete(ctx context.Context, transactionID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM cdc_transaction_groups WHERE transaction_id = $1`, transactionID); err != nil {
		return fmt.Errorf("failed to delete transaction group %s: %w", transactionID, err)
	}
	return nil
}

// ListByStatus returns all groups with the given status.
func (s *GroupStore) ListByStatus(ctx context.Context, status txgroup.GroupStatus) ([]*txgroup.TransactionalGroup, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM cdc_transaction_groups WHERE status = $1`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list transaction groups by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*txgroup.TransactionalGroup
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan transaction group row: %w", err)
		}
		var group txgroup.TransactionalGroup
		if err := json.Unmarshal(payload, &group); err != nil {
			return nil, fmt.Errorf("failed to decode transaction group: %w", err)
		}
		out = append(out, &group)
	}
	return out, rows.Err()
}

// DeleteTerminalBefore removes terminal groups that ended before the cutoff.
func (s *GroupStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cdc_transaction_groups
		WHERE status = ANY($1) AND end_timestamp IS NOT NULL AND end_timestamp < $2`,
		terminalStatuses, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to retire transaction groups: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountActive returns the number of stored non-terminal groups.
func (s *GroupStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM cdc_transaction_groups WHERE NOT (status = ANY($1))`,
		terminalStatuses).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active transaction groups: %w", err)
	}
	return count, nil
}
