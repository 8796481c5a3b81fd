// Package postgres captures changes from PostgreSQL logical replication. It
// tails a pgoutput slot over a replication connection, decodes the protocol
// messages into change events and acknowledges consumed WAL with standby
// status updates.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"

	"github.com/redbco/redb-cdc/pkg/cdc"
	"github.com/redbco/redb-cdc/pkg/logger"
)

const (
	// standbyUpdateInterval is how often consumed WAL is acknowledged.
	standbyUpdateInterval = 10 * time.Second

	optionSlot        = "slot"
	optionPublication = "publication"
	optionCreateSlot  = "create_slot"
)

func init() {
	cdc.RegisterAdapter("postgres", New)
}

// Adapter streams logical replication changes for one source.
type Adapter struct {
	cfg     cdc.AdapterConfig
	offsets cdc.OffsetStore
	logger  *logger.Logger
	stats   *cdc.StreamStatistics

	slot        string
	publication string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	state   string
	lastErr string

	// flushLSN is the highest offset the pipeline confirmed; it is what
	// standby status updates report back to the server.
	flushMu  sync.Mutex
	flushLSN pglogrepl.LSN

	relations *relationCache
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// New builds a postgres adapter from configuration.
func New(cfg cdc.AdapterConfig, deps cdc.AdapterDeps) (cdc.SourceAdapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: postgres adapter requires a dsn", cdc.ErrInvalidConfiguration)
	}
	if cfg.Source == "" {
		return nil, fmt.Errorf("%w: postgres adapter requires a source id", cdc.ErrInvalidConfiguration)
	}
	slot := cfg.Option(optionSlot, "redb_cdc_"+sanitizeIdent(cfg.Source))
	publication := cfg.Option(optionPublication, "redb_cdc_pub_"+sanitizeIdent(cfg.Source))
	if !identPattern.MatchString(slot) {
		return nil, fmt.Errorf("%w: invalid slot name %q", cdc.ErrInvalidConfiguration, slot)
	}
	if !identPattern.MatchString(publication) {
		return nil, fmt.Errorf("%w: invalid publication name %q", cdc.ErrInvalidConfiguration, publication)
	}
	return &Adapter{
		cfg:         cfg,
		offsets:     deps.Offsets,
		logger:      deps.Logger,
		stats:       cdc.NewStreamStatistics(),
		slot:        slot,
		publication: publication,
		state:       "created",
		relations:   newRelationCache(),
	}, nil
}

func (a *Adapter) Name() string   { return "postgres" }
func (a *Adapter) Source() string { return a.cfg.Source }

// Start streams until ctx is cancelled, Stop is called or a fatal error
// occurs. Transient session errors are retried per the configured policy.
func (a *Adapter) Start(ctx context.Context, onEvent cdc.EventHandler) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("%w: adapter for %s is already running", cdc.ErrOperationNotSupported, a.cfg.Source)
	}
	streamCtx, cancel := context.WithCancel(ctx)
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

	attempt := 0
	for {
		err := a.streamSession(streamCtx, onEvent)
		if streamCtx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		a.setError(err)
		if !cdc.IsTransient(err) {
			return err
		}
		attempt++
		if attempt >= a.cfg.Retry.MaxAttempts {
			return fmt.Errorf("failed to stream from %s after %d attempts: %w", a.cfg.Source, attempt, err)
		}
		if a.logger != nil {
			a.logger.Warnf("Replication session for %s failed (attempt %d): %v", a.cfg.Source, attempt, err)
		}
		if waitErr := a.cfg.Retry.Wait(streamCtx, attempt); waitErr != nil {
			return nil
		}
	}
}

// Stop cancels the stream. The session goroutine sends a final standby
// status update before closing its connection.
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

// GetCurrentOffset reads the persisted LSN for the source.
func (a *Adapter) GetCurrentOffset(ctx context.Context) (string, error) {
	return a.offsets.GetOffset(ctx, a.cfg.Source)
}

// SetOffset persists a confirmed offset and moves the standby flush position.
// The in-memory position advances even when the store write fails so the
// stream keeps its place; the error is still surfaced for the fail-closed
// pipeline path.
func (a *Adapter) SetOffset(ctx context.Context, offset string) error {
	lsn, err := pglogrepl.ParseLSN(offset)
	if err != nil {
		return fmt.Errorf("%w: invalid LSN offset %q: %v", cdc.ErrInvalidConfiguration, offset, err)
	}
	a.flushMu.Lock()
	if lsn > a.flushLSN {
		a.flushLSN = lsn
	}
	a.flushMu.Unlock()

	if err := a.offsets.SetOffset(ctx, a.cfg.Source, offset); err != nil {
		return fmt.Errorf("failed to persist offset %s: %w", offset, err)
	}
	return nil
}

// ReplayFromOffset re-streams from an LSN until caught up with the server's
// current WAL position. Replayed events do not advance the persisted offset.
func (a *Adapter) ReplayFromOffset(ctx context.Context, fromOffset string, onEvent cdc.EventHandler) error {
	startLSN, err := pglogrepl.ParseLSN(fromOffset)
	if err != nil {
		return fmt.Errorf("%w: invalid replay offset %q: %v", cdc.ErrInvalidConfiguration, fromOffset, err)
	}
	return a.replaySession(ctx, startLSN, onEvent)
}

// Health reports the adapter's live condition.
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

// checkPrerequisites verifies the server can host a logical slot.
func (a *Adapter) checkPrerequisites(ctx context.Context, conn *pgx.Conn) error {
	var walLevel string
	if err := conn.QueryRow(ctx, "SHOW wal_level").Scan(&walLevel); err != nil {
		return fmt.Errorf("failed to read wal_level: %w", err)
	}
	if walLevel != "logical" {
		return fmt.Errorf("%w: wal_level is %q, logical replication requires 'logical'", cdc.ErrInvalidConfiguration, walLevel)
	}
	var maxSlots int
	if err := conn.QueryRow(ctx, "SHOW max_replication_slots").Scan(&maxSlots); err != nil {
		return fmt.Errorf("failed to read max_replication_slots: %w", err)
	}
	if maxSlots < 1 {
		return fmt.Errorf("%w: max_replication_slots must be at least 1", cdc.ErrInvalidConfiguration)
	}
	return nil
}

// ensureSlot creates the logical slot when missing.
func (a *Adapter) ensureSlot(ctx context.Context, conn *pgx.Conn) error {
	if a.cfg.Option(optionCreateSlot, "true") != "true" {
		return nil
	}
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", a.slot).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check replication slot %s: %w", a.slot, err)
	}
	if exists {
		return nil
	}
	if _, err := conn.Exec(ctx,
		"SELECT pg_create_logical_replication_slot($1, 'pgoutput')", a.slot); err != nil {
		if isDuplicateObject(err) {
			return nil
		}
		return fmt.Errorf("failed to create replication slot %s: %w", a.slot, err)
	}
	if a.logger != nil {
		a.logger.Infof("Created logical replication slot %s for source %s", a.slot, a.cfg.Source)
	}
	return nil
}

// ensurePublication creates the publication covering the configured tables,
// or all tables when none are listed.
func (a *Adapter) ensurePublication(ctx context.Context, conn *pgx.Conn) error {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_publication WHERE pubname = $1)", a.publication).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check publication %s: %w", a.publication, err)
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf("CREATE PUBLICATION %s FOR ALL TABLES", quoteIdent(a.publication))
	if len(a.cfg.Tables) > 0 {
		quoted := make([]string, 0, len(a.cfg.Tables))
		for _, table := range a.cfg.Tables {
			qualified, err := quoteQualified(table)
			if err != nil {
				return err
			}
			quoted = append(quoted, qualified)
		}
		stmt = fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s", quoteIdent(a.publication), strings.Join(quoted, ", "))
	}
	if _, err := conn.Exec(ctx, stmt); err != nil {
		if isDuplicateObject(err) {
			return nil
		}
		return fmt.Errorf("failed to create publication %s: %w", a.publication, err)
	}
	if a.logger != nil {
		a.logger.Infof("Created publication %s for source %s", a.publication, a.cfg.Source)
	}
	return nil
}

// sanitizeIdent folds a source id into a legal postgres identifier.
func sanitizeIdent(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "s" + out
	}
	return out
}

// quoteIdent double-quotes a single identifier.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// quoteQualified quotes a "schema.table" or bare "table" reference.
func quoteQualified(table string) (string, error) {
	parts := strings.Split(table, ".")
	switch len(parts) {
	case 1:
		return quoteIdent(parts[0]), nil
	case 2:
		return quoteIdent(parts[0]) + "." + quoteIdent(parts[1]), nil
	default:
		return "", fmt.Errorf("%w: invalid table reference %q", cdc.ErrInvalidConfiguration, table)
	}
}
