// Package mysql captures changes from MySQL. Offsets are binary-log
// coordinates (or a GTID set); change capture polls the allow-listed tables
// against their high-water timestamp columns, which keeps the adapter off
// the binlog wire protocol while still anchoring every cycle to a binlog
// position.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	defaultPollInterval = time.Second

	optionUseGTID         = "use_gtid"
	optionTimestampColumn = "timestamp_column"
	optionCreatedColumn   = "created_column"
)

func init() {
	cdc.RegisterAdapter("mysql", New)
}

// Adapter polls MySQL tables for changed rows.
type Adapter struct {
	cfg     cdc.AdapterConfig
	offsets cdc.OffsetStore
	logger  *logger.Logger
	stats   *cdc.StreamStatistics

	useGTID   bool
	tsColumn  string
	createdAt string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   string
	lastErr string

	db *sql.DB

	// highWater tracks the newest change timestamp seen per table.
	hwMu      sync.Mutex
	highWater map[string]time.Time
	warned    map[string]bool

	// columns caches per-table timestamp column presence.
	columns map[string]*string
}

// New builds a mysql adapter from configuration.
func New(cfg cdc.AdapterConfig, deps cdc.AdapterDeps) (cdc.SourceAdapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: mysql adapter requires a dsn", cdc.ErrInvalidConfiguration)
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("%w: mysql adapter requires a source id", cdc.ErrInvalidConfiguration)
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("%w: mysql adapter requires a table allow-list", cdc.ErrInvalidConfiguration)
	}
	for _, table := range cfg.Tables {
		if _, _, err := splitTable(table); err != nil {
			return nil, err
		}
	}
	return &Adapter{
		cfg:       cfg,
		offsets:   deps.Offsets,
		logger:    deps.Logger,
		stats:     cdc.NewStreamStatistics(),
		useGTID:   cfg.Option(optionUseGTID, "false") == "true",
		tsColumn:  cfg.Option(optionTimestampColumn, "updated_at"),
		createdAt: cfg.Option(optionCreatedColumn, "created_at"),
		state:     "created",
		highWater: make(map[string]time.Time),
		warned:    make(map[string]bool),
	}, nil
}

func (a *Adapter) Name() string   { return "mysql" }
func (a *Adapter) Source() string { return a.cfg.Source }

// Start opens the connection and runs the poll loop until cancelled.
func (a *Adapter) Start(ctx context.Context, onEvent cdc.EventHandler) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter for %s is already running", cdc.ErrOperationNotSupported, a.cfg.Source)
	}
	pollCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.state = "starting"
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.state = "stopped"
		a.mu.Unlock()
	}()

	db, err := sql.Open("mysql", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(pollCtx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	a.db = db

	// The first cycle only establishes the high-water marks so a fresh
	// start does not re-emit the whole table.
	if err := a.primeHighWater(pollCtx); err != nil {
		return err
	}

	a.setState("polling")
	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-pollCtx.Done():
			return nil
		case <-ticker.C:
			if err := a.pollOnce(pollCtx, onEvent, false); err != nil {
				if pollCtx.Err() != nil {
					return nil
				}
				a.setError(err)
				a.stats.RecordFailure(err)
				if !cdc.IsTransient(err) {
					return err
				}
				failures++
				if a.cfg.Retry.MaxAttempts > 0 && failures >= a.cfg.Retry.MaxAttempts {
					return fmt.Errorf("failed to poll %s after %d attempts: %w", a.cfg.Source, failures, err)
				}
				if a.logger != nil {
					a.logger.Warnf("Poll cycle for %s failed (attempt %d): %v", a.cfg.Source, failures, err)
				}
			} else {
				failures = 0
				a.clearError()
			}
		}
	}
}

// Stop cancels the poll loop.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.state = "stopping"
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *Adapter) GetCurrentOffset(ctx context.Context) (string, error) {
	return a.offsets.GetOffset(ctx, a.cfg.Source)
}

func (a *Adapter) SetOffset(ctx context.Context, offset string) error {
	if !a.useGTID {
		if _, _, err := ParseCoordinates(offset); err != nil {
			return err
		}
	}
	if err := a.offsets.SetOffset(ctx, a.cfg.Source, offset); err != nil {
		return fmt.Errorf("failed to persist offset %s: %w", offset, err)
	}
	return nil
}

// ReplayFromOffset re-reads the allow-listed tables as a snapshot. Binlog
// coordinates cannot be re-read without the binlog wire protocol, so replay
// emits the current row images tagged as replayed.
func (a *Adapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent cdc.EventHandler) error {
	db, err := sql.Open("mysql", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}

	offset, err := a.coordinates(ctx, db)
	if err != nil {
		return err
	}
	for _, table := range a.cfg.Tables {
		schema, name, _ := splitTable(table)
		rows, err := a.scanTable(ctx, db, schema, name)
		if err != nil {
			return err
		}
		for _, row := range rows {
			event := cdc.NewChangeEvent(a.cfg.Source, schema, name, cdc.OperationInsert, offset)
			event.After = row
			event.SetMetadata(cdc.MetadataReplayed, "true")
			if a.cfg.Filter != nil && !a.cfg.Filter.Matches(event) {
				continue
			}
			if err := onEvent(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Adapter) Health() cdc.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return cdc.HealthStatus{
		Healthy:    a.running && a.lastErr == "",
		State:      a.state,
		LastError:  a.lastErr,
		LagSeconds: a.stats.LagSeconds(),
	}
}

func (a *Adapter) Statistics() *cdc.StreamStatistics { return a.stats }

func (a *Adapter) setState(state string) {
	a.mu.Lock()
	a.state = state
	a.mu.Unlock()
}

func (a *Adapter) setError(err error) {
	a.mu.Lock()
	a.lastErr = err.Error()
	a.mu.Unlock()
}

func (a *Adapter) clearError() {
	a.mu.Lock()
	a.lastErr = ""
	a.mu.Unlock()
}

// coordinates reads the current binlog position or GTID set.
func (a *Adapter) coordinates(ctx context.Context, db *sql.DB) (string, error) {
	if a.useGTID {
		var gtid string
		if err := db.QueryRowContext(ctx, "SELECT @@GLOBAL.gtid_executed").Scan(&gtid); err != nil {
			return "", fmt.Errorf("failed to read gtid_executed: %w", err)
		}
		return gtid, nil
	}

	rows, err := db.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return "", fmt.Errorf("failed to read master status: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return "", fmt.Errorf("%w: binary logging is not enabled", cdc.ErrInvalidConfiguration)
	}
	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("failed to read master status columns: %w", err)
	}
	values := make([]interface{}, len(cols))
	var file string
	var pos uint64
	values[0] = &file
	values[1] = &pos
	for i := 2; i < len(cols); i++ {
		values[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(values...); err != nil {
		return "", fmt.Errorf("failed to scan master status: %w", err)
	}
	return FormatCoordinates(file, pos), nil
}

// primeHighWater records each table's current newest timestamp without
// emitting events.
func (a *Adapter) primeHighWater(ctx context.Context) error {
	for _, table := range a.cfg.Tables {
		schema, name, _ := splitTable(table)
		column, err := a.changeColumn(ctx, a.db, schema, name, a.tsColumn)
		if err != nil {
			return err
		}
		if column == "" {
			continue
		}
		var newest sql.NullTime
		query := fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(column), qualify(schema, name))
		if err := a.db.QueryRowContext(ctx, query).Scan(&newest); err != nil {
			return fmt.Errorf("failed to prime high-water mark for %s: %w", table, err)
		}
		if newest.Valid {
			a.setHighWater(table, newest.Time)
		}
	}
	return nil
}

// pollOnce runs one capture cycle across the allow-listed tables.
func (a *Adapter) pollOnce(ctx context.Context, onEvent cdc.EventHandler, replay bool) error {
	offset, err := a.coordinates(ctx, a.db)
	if err != nil {
		return err
	}

	for _, table := range a.cfg.Tables {
		schema, name, _ := splitTable(table)
		column, err := a.changeColumn(ctx, a.db, schema, name, a.tsColumn)
		if err != nil {
			return err
		}
		if column == "" {
			a.warnOnce(table, "has no %s column, change capture skipped", a.tsColumn)
			continue
		}

		since := a.getHighWater(table)
		rows, err := a.scanChangedRows(ctx, a.db, schema, name, column, since)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			continue
		}

		if err := a.emitRows(ctx, onEvent, table, schema, name, column, offset, rows, replay); err != nil {
			return err
		}
	}
	return nil
}

// emitRows turns a cycle's changed rows into events, switching to a bulk
// event when the cycle exceeds the configured threshold.
func (a *Adapter) emitRows(ctx context.Context, onEvent cdc.EventHandler, key, schema, table, column, offset string, rows []map[string]interface{}, replay bool) error {
	newest := a.getHighWater(key)

	if a.cfg.BulkThreshold > 0 && len(rows) > a.cfg.BulkThreshold {
		bulk := cdc.NewBulkOperationEvent(a.cfg.Source, schema, table, cdc.OperationBulkUpdate,
			offset, int64(len(rows)), rows, a.cfg.MaxSampleRows)
		event := bulk.ToChangeEvent()
		if replay {
			event.SetMetadata(cdc.MetadataReplayed, "true")
		}
		if a.cfg.Filter == nil || a.cfg.Filter.Matches(event) {
			started := time.Now()
			if err := onEvent(ctx, event); err != nil {
				return err
			}
			a.stats.RecordEvent(event, time.Since(started))
		}
		for _, row := range rows {
			if ts, ok := rowTime(row, column); ok && ts.After(newest) {
				newest = ts
			}
		}
		a.setHighWater(key, newest)
		return nil
	}

	for _, row := range rows {
		op := cdc.OperationUpdate
		if created, ok := rowTime(row, a.createdAt); ok && created.After(a.getHighWater(key)) {
			op = cdc.OperationInsert
		}
		event := cdc.NewChangeEvent(a.cfg.Source, schema, table, op, offset)
		event.After = row
		if replay {
			event.SetMetadata(cdc.MetadataReplayed, "true")
		}
		if a.cfg.Filter != nil && !a.cfg.Filter.Matches(event) {
			continue
		}
		started := time.Now()
		if err := onEvent(ctx, event); err != nil {
			return err
		}
		a.stats.RecordEvent(event, time.Since(started))
		if ts, ok := rowTime(row, column); ok && ts.After(newest) {
			newest = ts
		}
	}
	a.setHighWater(key, newest)
	return nil
}

func (a *Adapter) getHighWater(table string) time.Time {
	a.hwMu.Lock()
	defer a.hwMu.Unlock()
	return a.highWater[table]
}

func (a *Adapter) setHighWater(table string, ts time.Time) {
	a.hwMu.Lock()
	if ts.After(a.highWater[table]) {
		a.highWater[table] = ts
	}
	a.hwMu.Unlock()
}

func (a *Adapter) warnOnce(table, format string, args ...interface{}) {
	a.hwMu.Lock()
	seen := a.warned[table]
	a.warned[table] = true
	a.hwMu.Unlock()
	if !seen && a.logger != nil {
		a.logger.Warnf("Table %s "+format, append([]interface{}{table}, args...)...)
	}
}

// FormatCoordinates renders a binlog position as the canonical offset string.
func FormatCoordinates(file string, pos uint64) string {
	return fmt.Sprintf("%s:%d", file, pos)
}

// ParseCoordinates splits a "file:pos" offset.
func ParseCoordinates(offset string) (string, uint64, error) {
	idx := strings.LastIndex(offset, ":")
	if idx <= 0 || idx == len(offset)-1 {
		return "", 0, fmt.Errorf("%w: invalid binlog offset %q", cdc.ErrInvalidConfiguration, offset)
	}
	pos, err := strconv.ParseUint(offset[idx+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: invalid binlog position in %q", cdc.ErrInvalidConfiguration, offset)
	}
	return offset[:idx], pos, nil
}

// CompareCoordinates orders two binlog offsets. Files order lexically
// (mysql-bin.000001 < mysql-bin.000002), positions numerically within a file.
func CompareCoordinates(a, b string) (int, error) {
	fileA, posA, err := ParseCoordinates(a)
	if err != nil {
		return 0, err
	}
	fileB, posB, err := ParseCoordinates(b)
	if err != nil {
		return 0, err
	}
	if fileA != fileB {
		if fileA < fileB {
			return -1, nil
		}
		return 1, nil
	}
	switch {
	case posA < posB:
		return -1, nil
	case posA > posB:
		return 1, nil
	default:
		return 0, nil
	}
}

func splitTable(table string) (schema, name string, err error) {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 1:
		return "", parts[0], nil
	case 2:
		return parts[0], parts[1], nil
	default:
		return "", "", fmt.Errorf("%w: invalid table reference %q", cdc.ErrInvalidConfiguration, table)
	}
}

func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func qualify(schema, table string) string {
	if schema == "" {
		return quoteIdent(table)
	}
	return quoteIdent(schema) + "." + quoteIdent(table)
}

func rowTime(row map[string]interface{}, column string) (time.Time, bool) {
	raw, ok := row[column]
	if !ok {
		return time.Time{}, false
	}
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{"2006-01-02 15:04:05.999999", "2006-01-02 15:04:05", time.RFC3339} {
			if ts, err := time.Parse(layout, v); err == nil {
				return ts, true
			}
		}
	case []byte:
		return rowTime(map[string]interface{}{column: string(v)}, column)
	}
	return time.Time{}, false
}
