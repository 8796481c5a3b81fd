// Package oracle captures changes from Oracle via LogMiner. Each cycle mines
// an SCN window with DBMS_LOGMNR, reads V$LOGMNR_CONTENTS for the allow-listed
// owners and tables, reconstructs row images from the redo and undo SQL, and
// advances the SCN offset.
package oracle

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/godror/godror"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	defaultPollInterval = 2 * time.Second

	// scnWindowSize bounds one mining session.
	scnWindowSize = 100000
)

func init() {
	cdc.RegisterAdapter("oracle", New)
}

// Adapter mines the Oracle redo stream for one source.
type Adapter struct {
	cfg     cdc.AdapterConfig
	offsets cdc.OffsetStore
	logger  *logger.Logger
	stats   *cdc.StreamStatistics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   string
	lastErr string

	db *sql.DB
}

// New builds an oracle adapter from configuration.
func New(cfg cdc.AdapterConfig, deps cdc.AdapterDeps) (cdc.SourceAdapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: oracle adapter requires a dsn", cdc.ErrInvalidConfiguration)
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("%w: oracle adapter requires a source id", cdc.ErrInvalidConfiguration)
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("%w: oracle adapter requires a table allow-list (OWNER.TABLE)", cdc.ErrInvalidConfiguration)
	}
	for _, table := range cfg.Tables {
		if _, _, err := splitOwnerTable(table); err != nil {
			return nil, err
		}
	}
	return &Adapter{
		cfg:     cfg,
		offsets: deps.Offsets,
		logger:  deps.Logger,
		stats:   cdc.NewStreamStatistics(),
		state:   "created",
	}, nil
}

func (a *Adapter) Name() string   { return "oracle" }
func (a *Adapter) Source() string { return a.cfg.Source }

// Start verifies supplemental logging and runs the mining loop.
func (a *Adapter) Start(ctx context.Context, onEvent cdc.EventHandler) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter for %s is already running", cdc.ErrOperationNotSupported, a.cfg.Source)
	}
	mineCtx, cancel := context.WithCancel(ctx)
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

	db, err := sql.Open("godror", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(mineCtx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	a.db = db

	if err := a.checkSupplementalLogging(mineCtx); err != nil {
		return err
	}

	startSCN, err := a.resolveStartSCN(mineCtx)
	if err != nil {
		return err
	}

	a.setState("mining")
	interval := a.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	currentSCN := startSCN
	failures := 0
	for {
		select {
		case <-mineCtx.Done():
			return nil
		case <-ticker.C:
			nextSCN, err := a.mineWindow(mineCtx, currentSCN, onEvent, false)
			if err != nil {
				if mineCtx.Err() != nil {
					return nil
				}
				a.setError(err)
				a.stats.RecordFailure(err)
				if !cdc.IsTransient(err) {
					return err
				}
				failures++
				if a.cfg.Retry.MaxAttempts > 0 && failures >= a.cfg.Retry.MaxAttempts {
					return fmt.Errorf("failed to mine %s after %d attempts: %w", a.cfg.Source, failures, err)
				}
				if a.logger != nil {
					a.logger.Warnf("Mining cycle for %s failed (attempt %d): %v", a.cfg.Source, failures, err)
				}
				continue
			}
			failures = 0
			a.clearError()
			currentSCN = nextSCN
		}
	}
}

// Stop cancels the mining loop. The LogMiner session is ended by the cycle's
// own defer.
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
	if _, err := ParseSCN(offset); err != nil {
		return err
	}
	if err := a.offsets.SetOffset(ctx, a.cfg.Source, offset); err != nil {
		return fmt.Errorf("failed to persist offset %s: %w", offset, err)
	}
	return nil
}

// ReplayFromOffset mines from a historical SCN to the current SCN on a
// dedicated connection without touching the persisted offset.
func (a *Adapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent cdc.EventHandler) error {
	startSCN, err := ParseSCN(fromOffset)
	if err != nil {
		return err
	}
	db, err := sql.Open("godror", a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}

	target, err := currentSCN(ctx, db)
	if err != nil {
		return err
	}
	replayAdapter := &Adapter{cfg: a.cfg, offsets: a.offsets, logger: a.logger, stats: a.stats, db: db}
	scn := startSCN
	for scn < target {
		next, err := replayAdapter.mineWindow(ctx, scn, onEvent, true)
		if err != nil {
			return err
		}
		if next == scn {
			return nil
		}
		scn = next
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

// checkSupplementalLogging verifies minimal supplemental logging is on;
// without it the redo SQL lacks the column data LogMiner reconstruction
// needs.
func (a *Adapter) checkSupplementalLogging(ctx context.Context) error {
	var enabled string
	err := a.db.QueryRowContext(ctx,
		"SELECT SUPPLEMENTAL_LOG_DATA_MIN FROM V$DATABASE").Scan(&enabled)
	if err != nil {
		return fmt.Errorf("failed to read supplemental logging state: %w", err)
	}
	if enabled != "YES" && enabled != "IMPLICIT" {
		return fmt.Errorf("%w: supplemental logging is %s, run ALTER DATABASE ADD SUPPLEMENTAL LOG DATA", cdc.ErrInvalidConfiguration, enabled)
	}
	return nil
}

func (a *Adapter) resolveStartSCN(ctx context.Context) (uint64, error) {
	offset, err := a.offsets.GetOffset(ctx, a.cfg.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to read persisted offset: %w", err)
	}
	if offset != "" {
		return ParseSCN(offset)
	}
	return currentSCN(ctx, a.db)
}

func currentSCN(ctx context.Context, db *sql.DB) (uint64, error) {
	var scn uint64
	if err := db.QueryRowContext(ctx, "SELECT CURRENT_SCN FROM V$DATABASE").Scan(&scn); err != nil {
		return 0, fmt.Errorf("failed to read current SCN: %w", err)
	}
	return scn, nil
}

// mineWindow runs one LogMiner session over [startSCN, startSCN+window] and
// returns the SCN to resume from. The session is always ended, even on error.
func (a *Adapter) mineWindow(ctx context.Context, startSCN uint64, onEvent cdc.EventHandler, replay bool) (uint64, error) {
	endSCN, err := currentSCN(ctx, a.db)
	if err != nil {
		return startSCN, err
	}
	if endSCN <= startSCN {
		return startSCN, nil
	}
	if endSCN > startSCN+scnWindowSize {
		endSCN = startSCN + scnWindowSize
	}

	_, err = a.db.ExecContext(ctx, `
		BEGIN
			DBMS_LOGMNR.START_LOGMNR(
				STARTSCN => :1,
				ENDSCN   => :2,
				OPTIONS  => DBMS_LOGMNR.DICT_FROM_ONLINE_CATALOG +
				            DBMS_LOGMNR.CONTINUOUS_MINE +
				            DBMS_LOGMNR.NO_ROWID_IN_STMT);
		END;`, startSCN, endSCN)
	if err != nil {
		return startSCN, fmt.Errorf("failed to start LogMiner at SCN %d: %w", startSCN, err)
	}
	defer func() {
		_, endErr := a.db.ExecContext(context.Background(), "BEGIN DBMS_LOGMNR.END_LOGMNR; END;")
		if endErr != nil && a.logger != nil {
			a.logger.Warnf("Ending LogMiner session: %v", endErr)
		}
	}()

	maxSCN, err := a.readContents(ctx, startSCN, endSCN, onEvent, replay)
	if err != nil {
		return startSCN, err
	}
	if maxSCN < endSCN {
		maxSCN = endSCN
	}
	return maxSCN, nil
}

// readContents queries the mined window for DML on the allow-listed tables.
func (a *Adapter) readContents(ctx context.Context, startSCN, endSCN uint64, onEvent cdc.EventHandler, replay bool) (uint64, error) {
	owners, tables := a.allowListBinds()
	query := fmt.Sprintf(`
		SELECT SCN, OPERATION, SEG_OWNER, TABLE_NAME, SQL_REDO, SQL_UNDO, TIMESTAMP, XID
		FROM V$LOGMNR_CONTENTS
		WHERE OPERATION IN ('INSERT', 'UPDATE', 'DELETE')
		  AND SCN > :1 AND SCN <= :2
		  AND SEG_OWNER IN (%s) AND TABLE_NAME IN (%s)
		ORDER BY SCN`, owners, tables)

	rows, err := a.db.QueryContext(ctx, query, startSCN, endSCN)
	if err != nil {
		return 0, fmt.Errorf("failed to read LogMiner contents: %w", err)
	}
	defer rows.Close()

	var maxSCN uint64
	for rows.Next() {
		var (
			scn       uint64
			operation string
			owner     string
			table     string
			sqlRedo   sql.NullString
			sqlUndo   sql.NullString
			ts        time.Time
			xid       []byte
		)
		if err := rows.Scan(&scn, &operation, &owner, &table, &sqlRedo, &sqlUndo, &ts, &xid); err != nil {
			return maxSCN, fmt.Errorf("failed to scan LogMiner row: %w", err)
		}

		event, err := a.buildEvent(scn, operation, owner, table, sqlRedo.String, sqlUndo.String, ts, xid, replay)
		if err != nil {
			if a.logger != nil {
				a.logger.Warnf("Skipping unparseable redo at SCN %d: %v", scn, err)
			}
			continue
		}
		if event == nil {
			continue
		}
		started := time.Now()
		if err := onEvent(ctx, event); err != nil {
			a.stats.RecordFailure(err)
			return maxSCN, err
		}
		a.stats.RecordEvent(event, time.Since(started))
		if scn > maxSCN {
			maxSCN = scn
		}
	}
	return maxSCN, rows.Err()
}

func (a *Adapter) buildEvent(scn uint64, operation, owner, table, sqlRedo, sqlUndo string, ts time.Time, xid []byte, replay bool) (*cdc.ChangeEvent, error) {
	var op cdc.Operation
	var before, after map[string]interface{}
	var err error
	switch operation {
	case "INSERT":
		op = cdc.OperationInsert
		after, err = parseInsertSQL(sqlRedo)
	case "UPDATE":
		op = cdc.OperationUpdate
		after, before, err = parseUpdateSQL(sqlRedo)
		if err == nil && len(before) == 0 && sqlUndo != "" {
			// The undo statement restores the old values.
			before, _, err = parseUpdateSQL(sqlUndo)
		}
	case "DELETE":
		op = cdc.OperationDelete
		before, err = parseDeleteSQL(sqlRedo)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	event := cdc.NewChangeEvent(a.cfg.Source, owner, table, op, FormatSCN(scn))
	if !ts.IsZero() {
		event.TimestampUTC = ts.UTC()
	}
	event.Before = before
	event.After = after
	if len(xid) > 0 {
		event.SetMetadata(cdc.MetadataTransactionID, fmt.Sprintf("%x", xid))
	}
	if replay {
		event.SetMetadata(cdc.MetadataReplayed, "true")
	}
	if a.cfg.Filter != nil && !a.cfg.Filter.Matches(event) {
		return nil, nil
	}
	return event, nil
}

// allowListBinds renders the owner and table IN lists. Names come from
// validated configuration, uppercased and quoted as string literals.
func (a *Adapter) allowListBinds() (owners, tables string) {
	ownerSet := make(map[string]bool)
	tableSet := make(map[string]bool)
	for _, entry := range a.cfg.Tables {
		owner, table, _ := splitOwnerTable(entry)
		ownerSet[owner] = true
		tableSet[table] = true
	}
	return quoteLiterals(ownerSet), quoteLiterals(tableSet)
}

func quoteLiterals(set map[string]bool) string {
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, "'"+strings.ReplaceAll(name, "'", "''")+"'")
	}
	// Deterministic order keeps the query text cache-friendly.
	sortStrings(out)
	return strings.Join(out, ", ")
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// splitOwnerTable validates an OWNER.TABLE allow-list entry.
func splitOwnerTable(entry string) (owner, table string, err error) {
	parts := strings.Split(entry, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: oracle table reference %q must be OWNER.TABLE", cdc.ErrInvalidConfiguration, entry)
	}
	return strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), nil
}

// FormatSCN renders an SCN as the canonical decimal offset string.
func FormatSCN(scn uint64) string {
	return strconv.FormatUint(scn, 10)
}

// ParseSCN parses a decimal SCN offset.
func ParseSCN(offset string) (uint64, error) {
	scn, err := strconv.ParseUint(offset, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid SCN offset %q", cdc.ErrInvalidConfiguration, offset)
	}
	return scn, nil
}
