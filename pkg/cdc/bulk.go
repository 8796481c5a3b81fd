package cdc

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxSampleRows bounds the sample rows carried by a bulk event when
// the adapter does not configure its own limit.
const DefaultMaxSampleRows = 10

// BulkOperationEvent summarizes a single source statement that changed many
// rows. It carries a bounded sample of the affected rows rather than the
// full set.
type BulkOperationEvent struct {
	Source              string                   `json:"source"`
	Schema              string                   `json:"schema"`
	Table               string                   `json:"table"`
	Operation           Operation                `json:"operation"`
	TimestampUTC        time.Time                `json:"timestamp_utc"`
	Offset              string                   `json:"offset"`
	AffectedRowCount    int64                    `json:"affected_row_count"`
	BatchID             string                   `json:"batch_id"`
	TransactionID       string                   `json:"transaction_id,omitempty"`
	ExecutionDurationMs int64                    `json:"execution_duration_ms"`
	SampleData          []map[string]interface{} `json:"sample_data,omitempty"`
}

// NewBulkOperationEvent creates a bulk event with a fresh batch id, keeping
// at most maxSampleRows of the supplied rows.
func NewBulkOperationEvent(source, schema, table string, op Operation, offset string, affected int64, rows []map[string]interface{}, maxSampleRows int) *BulkOperationEvent {
	if maxSampleRows <= 0 {
		maxSampleRows = DefaultMaxSampleRows
	}
	sample := rows
	if len(sample) > maxSampleRows {
		sample = sample[:maxSampleRows]
	}
	return &BulkOperationEvent{
		Source:           source,
		Schema:           schema,
		Table:            table,
		Operation:        op,
		TimestampUTC:     time.Now().UTC(),
		Offset:           offset,
		AffectedRowCount: affected,
		BatchID:          uuid.New().String(),
		SampleData:       sample,
	}
}

// ToChangeEvent converts the bulk summary into a canonical ChangeEvent whose
// after image carries the summary fields.
func (b *BulkOperationEvent) ToChangeEvent() *ChangeEvent {
	event := NewChangeEvent(b.Source, b.Schema, b.Table, b.Operation, b.Offset)
	event.TimestampUTC = b.TimestampUTC

	after := map[string]interface{}{
		"affected_row_count":    b.AffectedRowCount,
		"batch_id":              b.BatchID,
		"execution_duration_ms": b.ExecutionDurationMs,
	}
	if len(b.SampleData) > 0 {
		after["sample_data"] = b.SampleData
	}
	event.After = after

	event.SetMetadata(MetadataAffectedRowCount, strconv.FormatInt(b.AffectedRowCount, 10))
	event.SetMetadata(MetadataBatchID, b.BatchID)
	if b.TransactionID != "" {
		event.SetMetadata(MetadataTransactionID, b.TransactionID)
	}
	return event
}
