package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/redbco/redb-cdc/pkg/cdc"
)

// streamSession runs one replication session: prerequisites, slot and
// publication setup, then the receive loop until ctx cancellation or error.
func (a *Adapter) streamSession(ctx context.Context, onEvent cdc.EventHandler) error {
	if err := a.prepare(ctx); err != nil {
		return err
	}

	replConn, err := a.connectReplication(ctx)
	if err != nil {
		return err
	}
	defer replConn.Close(context.Background())

	startLSN, err := a.resolveStartLSN(ctx, replConn)
	if err != nil {
		return err
	}
	a.flushMu.Lock()
	if a.flushLSN < startLSN {
		a.flushLSN = startLSN
	}
	a.flushMu.Unlock()

	if err := a.startReplication(ctx, replConn, startLSN); err != nil {
		return err
	}
	a.setState("streaming")
	a.clearError()
	if a.logger != nil {
		a.logger.Infof("Streaming source %s from %s (slot=%s publication=%s)",
			a.cfg.Source, startLSN, a.slot, a.publication)
	}

	defer a.sendStandbyUpdate(context.Background(), replConn)
	return a.receiveLoop(ctx, replConn, session{emit: onEvent})
}

// prepare runs the SQL-session half of startup on a regular connection.
func (a *Adapter) prepare(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, a.cfg.DSN)
	if err != nil {
		return fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	defer conn.Close(context.Background())

	if err := a.checkPrerequisites(ctx, conn); err != nil {
		return err
	}
	if err := a.ensureSlot(ctx, conn); err != nil {
		return err
	}
	return a.ensurePublication(ctx, conn)
}

// connectReplication opens the replication-mode connection.
func (a *Adapter) connectReplication(ctx context.Context) (*pgconn.PgConn, error) {
	connCfg, err := pgconn.ParseConfig(a.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cdc.ErrInvalidConfiguration, err)
	}
	connCfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cdc.ErrConnectionFailed, err)
	}
	return conn, nil
}

// resolveStartLSN picks up where the persisted offset left off, or at the
// server's current position for a fresh source.
func (a *Adapter) resolveStartLSN(ctx context.Context, conn *pgconn.PgConn) (pglogrepl.LSN, error) {
	offset, err := a.offsets.GetOffset(ctx, a.cfg.Source)
	if err != nil {
		return 0, fmt.Errorf("failed to read persisted offset: %w", err)
	}
	if offset != "" {
		lsn, err := pglogrepl.ParseLSN(offset)
		if err != nil {
			return 0, fmt.Errorf("%w: persisted offset %q is not an LSN: %v", cdc.ErrInvalidConfiguration, offset, err)
		}
		return lsn, nil
	}
	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return 0, fmt.Errorf("failed to identify system: %w", err)
	}
	return ident.XLogPos, nil
}

func (a *Adapter) startReplication(ctx context.Context, conn *pgconn.PgConn, startLSN pglogrepl.LSN) error {
	err := pglogrepl.StartReplication(ctx, conn, a.slot, startLSN, pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", a.publication),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start replication on slot %s: %w", a.slot, err)
	}
	return nil
}

// session carries per-session decode state: the transaction currently open
// on the wire.
type session struct {
	emit       cdc.EventHandler
	currentXid uint32
	commitTime time.Time
	replay     bool
}

// receiveLoop consumes CopyData until ctx is done, acknowledging WAL every
// standbyUpdateInterval and whenever the server requests a reply.
func (a *Adapter) receiveLoop(ctx context.Context, conn *pgconn.PgConn, sess session) error {
	nextStandby := time.Now().Add(standbyUpdateInterval)
	for {
		if time.Now().After(nextStandby) {
			if err := a.sendStandbyUpdate(ctx, conn); err != nil {
				return err
			}
			nextStandby = time.Now().Add(standbyUpdateInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: receive failed: %v", cdc.ErrConnectionFailed, err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("%w: server error %s: %s", cdc.ErrConnectionFailed, msg.Code, msg.Message)
		case *pgproto3.CopyData:
			if err := a.handleCopyData(ctx, conn, msg.Data, &sess); err != nil {
				return err
			}
		}
	}
}

func (a *Adapter) handleCopyData(ctx context.Context, conn *pgconn.PgConn, data []byte, sess *session) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse keepalive: %w", err)
		}
		if keepalive.ReplyRequested {
			return a.sendStandbyUpdate(ctx, conn)
		}
		return nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return fmt.Errorf("failed to parse xlog data: %w", err)
		}
		return a.handleWALMessage(ctx, xld, sess)
	default:
		return nil
	}
}

// handleWALMessage decodes one pgoutput message and emits change events.
func (a *Adapter) handleWALMessage(ctx context.Context, xld pglogrepl.XLogData, sess *session) error {
	logical, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("failed to parse pgoutput message: %w", err)
	}

	switch msg := logical.(type) {
	case *pglogrepl.RelationMessage:
		a.relations.put(msg)
	case *pglogrepl.BeginMessage:
		sess.currentXid = msg.Xid
		sess.commitTime = msg.CommitTime
	case *pglogrepl.CommitMessage:
		sess.currentXid = 0
	case *pglogrepl.InsertMessage:
		return a.emitChange(ctx, sess, xld.WALStart, msg.RelationID, cdc.OperationInsert, nil, msg.Tuple)
	case *pglogrepl.UpdateMessage:
		return a.emitChange(ctx, sess, xld.WALStart, msg.RelationID, cdc.OperationUpdate, msg.OldTuple, msg.NewTuple)
	case *pglogrepl.DeleteMessage:
		return a.emitChange(ctx, sess, xld.WALStart, msg.RelationID, cdc.OperationDelete, msg.OldTuple, nil)
	}
	return nil
}

func (a *Adapter) emitChange(ctx context.Context, sess *session, walStart pglogrepl.LSN, relationID uint32, op cdc.Operation, before, after *pglogrepl.TupleData) error {
	rel, ok := a.relations.get(relationID)
	if !ok {
		return fmt.Errorf("no relation message cached for id %d", relationID)
	}

	event := cdc.NewChangeEvent(a.cfg.Source, rel.Namespace, rel.RelationName, op, walStart.String())
	if !sess.commitTime.IsZero() {
		event.TimestampUTC = sess.commitTime.UTC()
	}
	event.Before = tupleToMap(rel, before)
	event.After = tupleToMap(rel, after)
	if sess.currentXid != 0 {
		event.SetMetadata(cdc.MetadataTransactionID, fmt.Sprintf("%d", sess.currentXid))
	}
	if sess.replay {
		event.SetMetadata(cdc.MetadataReplayed, "true")
	}

	if a.cfg.Filter != nil && !a.cfg.Filter.Matches(event) {
		return nil
	}

	started := time.Now()
	if err := sess.emit(ctx, event); err != nil {
		a.stats.RecordFailure(err)
		return err
	}
	a.stats.RecordEvent(event, time.Since(started))
	return nil
}

// sendStandbyUpdate acknowledges the confirmed flush position.
func (a *Adapter) sendStandbyUpdate(ctx context.Context, conn *pgconn.PgConn) error {
	a.flushMu.Lock()
	flushLSN := a.flushLSN
	a.flushMu.Unlock()
	if flushLSN == 0 {
		return nil
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: flushLSN,
		WALFlushPosition: flushLSN,
		WALApplyPosition: flushLSN,
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("%w: standby status update failed: %v", cdc.ErrConnectionFailed, err)
	}
	return nil
}

// replaySession streams from a historical LSN until caught up with the
// server's flush position. The slot's confirmed position is not advanced.
func (a *Adapter) replaySession(ctx context.Context, startLSN pglogrepl.LSN, onEvent cdc.EventHandler) error {
	replConn, err := a.connectReplication(ctx)
	if err != nil {
		return err
	}
	defer replConn.Close(context.Background())

	ident, err := pglogrepl.IdentifySystem(ctx, replConn)
	if err != nil {
		return fmt.Errorf("failed to identify system: %w", err)
	}
	target := ident.XLogPos

	if err := a.startReplication(ctx, replConn, startLSN); err != nil {
		return err
	}

	sess := session{emit: onEvent, replay: true}
	for {
		recvCtx, cancel := context.WithTimeout(ctx, standbyUpdateInterval)
		rawMsg, err := replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: replay receive failed: %v", cdc.ErrConnectionFailed, err)
		}
		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		if len(copyData.Data) == 0 {
			continue
		}
		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("failed to parse keepalive: %w", err)
			}
			if keepalive.ServerWALEnd >= target {
				return nil
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("failed to parse xlog data: %w", err)
			}
			if err := a.handleWALMessage(ctx, xld, &sess); err != nil {
				return err
			}
			if xld.WALStart >= target {
				return nil
			}
		}
	}
}

// isDuplicateObject reports whether an error is "already exists".
func isDuplicateObject(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// duplicate_object, duplicate_database/table style states
		return pgErr.Code == "42710" || pgErr.Code == "42P04" || pgErr.Code == "42P07"
	}
	return false
}
