// Package mssql captures changes from SQL Server change tracking. The
// adapter enables CHANGE_TRACKING on the database and each allow-listed
// table, then polls CHANGETABLE(CHANGES ...) and advances a change-tracking
// version offset. CHANGETABLE cannot take the table name as a parameter, so
// every identifier that reaches a query is validated against the allow-list
// and bracket-quoted first.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	defaultPollInterval = time.Second

	optionRetentionDays  = "retention_days"
	optionEnableTracking = "enable_tracking"
)

func init() {
	cdc.RegisterAdapter("mssql", New)
}

// trackedTable is one validated allow-list entry.
type trackedTable struct {
	schema string
	name   string
}

func (t trackedTable) qualified() string {
	return quoteIdent(t.schema) + "." + quoteIdent(t.name)
}

func (t trackedTable) String() string {
	return t.schema + "." + t.name
}

// Adapter polls SQL Server change tracking for one source.
type Adapter struct {
	cfg     cdc.AdapterConfig
	offsets cdc.OffsetStore
	logger  *logger.Logger
	stats   *cdc.StreamStatistics

	tables []trackedTable

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   string
	lastErr string

	db *sql.DB

	// keyColumns caches each table's primary key columns for the
	// CHANGETABLE join.
	keyMu      sync.Mutex
	keyColumns map[string][]string
}

// New builds an mssql adapter from configuration. A non-empty table
// allow-list is required.
func New(cfg cdc.AdapterConfig, deps cdc.AdapterDeps) (cdc.SourceAdapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: mssql adapter requires a dsn", cdc.ErrInvalidConfiguration)
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("%w: mssql adapter requires a source id", cdc.ErrInvalidConfiguration)
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("%w: mssql adapter requires a table allow-list", cdc.ErrInvalidConfiguration)
	}
	tables := make([]trackedTable, 0, len(cfg.Tables))
	for _, entry := range cfg.Tables {
		table, err := parseTableRef(entry)
		if err != nil {
			return nil, err
		}
		tables = append(tables, table)
	}
	return &Adapter{
		cfg:        cfg,
		offsets:    deps.Offsets,
		logger:     deps.Logger,
		stats:      cdc.NewStreamStatistics(),
		tables:     tables,
		state:      "created",
		keyColumns: make(map[string][]string),
	}, nil
}

func (a *Adapter) Name() string   { return "mssql" }
func (a *Adapter) Source() string { return a.cfg.Source }

// Start enables change tracking and runs the poll loop.
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

	db, err := sql.Open("sqlserver", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(pollCtx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	a.db = db

	if err := a.ensureChangeTracking(pollCtx); err != nil {
		return err
	}

	since, err := a.resolveStartVersion(pollCtx)
	if err != nil {
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
			next, err := a.pollOnce(pollCtx, since, onEvent, false)
			if err != nil {
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
				continue
			}
			failures = 0
			a.clearError()
			since = next
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
	if _, err := ParseVersion(offset); err != nil {
		return err
	}
	if err := a.offsets.SetOffset(ctx, a.cfg.Source, offset); err != nil {
		return fmt.Errorf("failed to persist offset %s: %w", offset, err)
	}
	return nil
}

// ReplayFromOffset re-reads changes at and after a historical version on a
// dedicated connection, without touching the persisted offset.
func (a *Adapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent cdc.EventHandler) error {
	since, err := ParseVersion(fromOffset)
	if err != nil {
		return err
	}
	db, err := sql.Open("sqlserver", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}

	replayAdapter := &Adapter{
		cfg: a.cfg, offsets: a.offsets, logger: a.logger, stats: a.stats,
		tables: a.tables, db: db, keyColumns: make(map[string][]string),
	}
	_, err = replayAdapter.pollOnce(ctx, since, onEvent, true)
	return err
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

// ensureChangeTracking turns change tracking on for the database and every
// allow-listed table.
func (a *Adapter) ensureChangeTracking(ctx context.Context) error {
	if a.cfg.Option(optionEnableTracking, "true") != "true" {
		return nil
	}
	retention := a.cfg.Option(optionRetentionDays, "2")
	if _, err := strconv.Atoi(retention); err != nil {
		return fmt.Errorf("%w: retention_days must be an integer, got %q", cdc.ErrInvalidConfiguration, retention)
	}

	var dbTracked int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sys.change_tracking_databases
		WHERE database_id = DB_ID()`).Scan(&dbTracked)
	if err != nil {
		return fmt.Errorf("failed to check database change tracking: %w", err)
	}
	if dbTracked == 0 {
		stmt := fmt.Sprintf(`ALTER DATABASE CURRENT SET CHANGE_TRACKING = ON
			(CHANGE_RETENTION = %s DAYS, AUTO_CLEANUP = ON)`, retention)
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to enable database change tracking: %w", err)
		}
		if a.logger != nil {
			a.logger.Infof("Enabled change tracking on database for source %s", a.cfg.Source)
		}
	}

	for _, table := range a.tables {
		var tableTracked int
		err := a.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM sys.change_tracking_tables
			WHERE object_id = OBJECT_ID(@p1)`, table.String()).Scan(&tableTracked)
		if err != nil {
			return fmt.Errorf("failed to check change tracking on %s: %w", table, err)
		}
		if tableTracked > 0 {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ENABLE CHANGE_TRACKING WITH (TRACK_COLUMNS_UPDATED = OFF)", table.qualified())
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to enable change tracking on %s: %w", table, err)
		}
		if a.logger != nil {
			a.logger.Infof("Enabled change tracking on %s for source %s", table, a.cfg.Source)
		}
	}
	return nil
}

func (a *Adapter) resolveStartVersion(ctx context.Context) (int64, error) {
	offset, err := a.offsets.GetOffset(ctx, a.cfg.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to read persisted offset: %w", err)
	}
	if offset != "" {
		return ParseVersion(offset)
	}
	return a.currentVersion(ctx)
}

func (a *Adapter) currentVersion(ctx context.Context) (int64, error) {
	var version sql.NullInt64
	if err := a.db.QueryRowContext(ctx, "SELECT CHANGE_TRACKING_CURRENT_VERSION()").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read change tracking version: %w", err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("%w: change tracking is not enabled on this database", cdc.ErrInvalidConfiguration)
	}
	return version.Int64, nil
}

// pollOnce reads one CHANGETABLE window per table and returns the highest
// version seen.
func (a *Adapter) pollOnce(ctx context.Context, since int64, onEvent cdc.EventHandler, replay bool) (int64, error) {
	maxVersion := since
	for _, table := range a.tables {
		version, err := a.pollTable(ctx, table, since, onEvent, replay)
		if err != nil {
			return since, err
		}
		if version > maxVersion {
			maxVersion = version
		}
	}
	return maxVersion, nil
}

func (a *Adapter) pollTable(ctx context.Context, table trackedTable, since int64, onEvent cdc.EventHandler, replay bool) (int64, error) {
	keys, err := a.primaryKeyColumns(ctx, table)
	if err != nil {
		return since, err
	}
	if len(keys) == 0 {
		return since, fmt.Errorf("%w: table %s has no primary key, change tracking requires one", cdc.ErrInvalidConfiguration, table)
	}

	joins := make([]string, 0, len(keys))
	for _, key := range keys {
		joins = append(joins, fmt.Sprintf("ct.%s = t.%s", quoteIdent(key), quoteIdent(key)))
	}
	query := fmt.Sprintf(`
		SELECT ct.SYS_CHANGE_VERSION, ct.SYS_CHANGE_OPERATION, t.*
		FROM CHANGETABLE(CHANGES %s, %d) AS ct
		LEFT OUTER JOIN %s AS t ON %s
		ORDER BY ct.SYS_CHANGE_VERSION`,
		table.qualified(), since, table.qualified(), strings.Join(joins, " AND "))

	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return since, fmt.Errorf("failed to read changes of %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return since, fmt.Errorf("failed to read change columns of %s: %w", table, err)
	}

	maxVersion := since
	for rows.Next() {
		values := make([]interface{}, len(cols))
		for i := range values {
			values[i] = new(interface{})
		}
		if err := rows.Scan(values...); err != nil {
			return maxVersion, fmt.Errorf("failed to scan change row of %s: %w", table, err)
		}

		var version int64
		var operation string
		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			v := *(values[i].(*interface{}))
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			switch col {
			case "SYS_CHANGE_VERSION":
				version = toInt64(v)
			case "SYS_CHANGE_OPERATION":
				operation = fmt.Sprintf("%v", v)
			default:
				row[col] = v
			}
		}

		event := a.buildEvent(table, operation, version, row, keys, replay)
		if event == nil {
			continue
		}
		if a.cfg.Filter != nil && !a.cfg.Filter.Matches(event) {
			continue
		}
		started := time.Now()
		if err := onEvent(ctx, event); err != nil {
			a.stats.RecordFailure(err)
			return maxVersion, err
		}
		a.stats.RecordEvent(event, time.Since(started))
		if version > maxVersion {
			maxVersion = version
		}
	}
	return maxVersion, rows.Err()
}

// buildEvent maps a change-tracking row to an event. Deleted rows no longer
// exist in the base table, so only their key columns survive as the before
// image.
func (a *Adapter) buildEvent(table trackedTable, operation string, version int64, row map[string]interface{}, keys []string, replay bool) *cdc.ChangeEvent {
	var op cdc.Operation
	switch operation {
	case "I":
		op = cdc.OperationInsert
	case "U":
		op = cdc.OperationUpdate
	case "D":
		op = cdc.OperationDelete
	default:
		return nil
	}

	event := cdc.NewChangeEvent(a.cfg.Source, table.schema, table.name, op, FormatVersion(version))
	if op == cdc.OperationDelete {
		before := make(map[string]interface{}, len(keys))
		for _, key := range keys {
			before[key] = row[key]
		}
		event.Before = before
	} else {
		event.After = row
	}
	if replay {
		event.SetMetadata(cdc.MetadataReplayed, "true")
	}
	return event
}

// primaryKeyColumns resolves and caches a table's primary key columns.
func (a *Adapter) primaryKeyColumns(ctx context.Context, table trackedTable) ([]string, error) {
	a.keyMu.Lock()
	cached, ok := a.keyColumns[table.String()]
	a.keyMu.Unlock()
	if ok {
		return cached, nil
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT c.name
		FROM sys.index_columns ic
		JOIN sys.indexes i ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON c.object_id = ic.object_id AND c.column_id = ic.column_id
		WHERE i.is_primary_key = 1 AND i.object_id = OBJECT_ID(@p1)
		ORDER BY ic.key_ordinal`, table.String())
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan key column of %s: %w", table, err)
		}
		keys = append(keys, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	a.keyMu.Lock()
	a.keyColumns[table.String()] = keys
	a.keyMu.Unlock()
	return keys, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		parsed, _ := strconv.ParseInt(n, 10, 64)
		return parsed
	default:
		return 0
	}
}

// FormatVersion renders a change-tracking version as the offset string.
func FormatVersion(version int64) string {
	return strconv.FormatInt(version, 10)
}

// ParseVersion parses a decimal change-tracking version offset.
func ParseVersion(offset string) (int64, error) {
	version, err := strconv.ParseInt(offset, 10, 64)
	if err != nil || version < 0 {
		return 0, fmt.Errorf("%w: invalid change tracking version %q", cdc.ErrInvalidConfiguration, offset)
	}
	return version, nil
}

// parseTableRef validates a "schema.table" or bare "table" allow-list entry.
// Identifiers must be plain names; anything else is rejected before it can
// reach query text.
func parseTableRef(entry string) (trackedTable, error) {
	parts := strings.Split(entry, ".")
	table := trackedTable{schema: "dbo"}
	switch len(parts) {
	case 1:
		table.name = parts[0]
	case 2:
		table.schema = parts[0]
		table.name = parts[1]
	default:
		return trackedTable{}, fmt.Errorf("%w: invalid table reference %q", cdc.ErrInvalidConfiguration, entry)
	}
	for _, ident := range []string{table.schema, table.name} {
		if !validIdent(ident) {
			return trackedTable{}, fmt.Errorf("%w: invalid identifier %q in table reference", cdc.ErrInvalidConfiguration, ident)
		}
	}
	return table, nil
}

func validIdent(ident string) bool {
	if ident == "" {
		return false
	}
	for i, r := range ident {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// quoteIdent bracket-quotes an identifier, escaping closing brackets.
func quoteIdent(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}
