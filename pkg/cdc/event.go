package cdc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Operation represents the type of change captured from a source.
type Operation string

const (
	OperationInsert     Operation = "INSERT"
	OperationUpdate     Operation = "UPDATE"
	OperationDelete     Operation = "DELETE"
	OperationBulkInsert Operation = "BULK_INSERT"
	OperationBulkUpdate Operation = "BULK_UPDATE"
	OperationBulkDelete Operation = "BULK_DELETE"
)

// IsValid returns true for a known operation type.
func (o Operation) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete,
		OperationBulkInsert, OperationBulkUpdate, OperationBulkDelete:
		return true
	}
	return false
}

// IsBulk returns true for bulk operation types.
func (o Operation) IsBulk() bool {
	switch o {
	case OperationBulkInsert, OperationBulkUpdate, OperationBulkDelete:
		return true
	}
	return false
}

// Metadata keys written by the core pipeline. Adapters and publishers may
// add their own keys; these are the ones the core reads back.
const (
	MetadataTransactionID    = "transaction_id"
	MetadataTenantID         = "tenant_id"
	MetadataAffectedRowCount = "affected_row_count"
	MetadataBatchID          = "batch_id"
	MetadataTraceID          = "trace_id"
	MetadataReplayed         = "replayed"
	MetadataDeadLetterReason = "dead_letter_reason"
	MetadataOriginPublisher  = "original_publisher"
	MetadataFailedAttempts   = "failed_attempts"
)

// ChangeEvent is the canonical normalized change record produced by source
// adapters and consumed by the dispatch pipeline. Events are immutable once
// created; mutating paths must work on a Clone.
type ChangeEvent struct {
	ID           string                 `json:"id"`
	Source       string                 `json:"source"`
	Schema       string                 `json:"schema"`
	Table        string                 `json:"table"`
	Operation    Operation              `json:"operation"`
	TimestampUTC time.Time              `json:"timestamp_utc"`
	Offset       string                 `json:"offset"`
	Before       map[string]interface{} `json:"before,omitempty"`
	After        map[string]interface{} `json:"after,omitempty"`
	Metadata     map[string]string      `json:"metadata,omitempty"`
}

// NewChangeEvent creates a ChangeEvent with a fresh ID and UTC timestamp.
func NewChangeEvent(source, schema, table string, op Operation, offset string) *ChangeEvent {
	return &ChangeEvent{
		ID:           uuid.New().String(),
		Source:       source,
		Schema:       schema,
		Table:        table,
		Operation:    op,
		TimestampUTC: time.Now().UTC(),
		Offset:       offset,
		Metadata:     make(map[string]string),
	}
}

// Validate checks that the event satisfies the core invariants.
func (e *ChangeEvent) Validate() error {
	if e.Source == "" {
		return fmt.Errorf("change event validation failed: source is required")
	}
	if e.Offset == "" {
		return fmt.Errorf("change event validation failed: offset is required")
	}
	if !e.Operation.IsValid() {
		return fmt.Errorf("change event validation failed: unknown operation %q", e.Operation)
	}
	if e.Operation == OperationInsert && e.Before != nil {
		return fmt.Errorf("change event validation failed: INSERT must not carry a before image")
	}
	if e.Operation == OperationDelete && e.After != nil {
		return fmt.Errorf("change event validation failed: DELETE must not carry an after image")
	}
	return nil
}

// AffectedColumns returns the sorted names of columns whose values differ
// between the before and after images. Columns present in only one image
// count as affected.
func (e *ChangeEvent) AffectedColumns() []string {
	if e.Before == nil && e.After == nil {
		return nil
	}

	seen := make(map[string]struct{})
	var affected []string

	add := func(col string) {
		if _, ok := seen[col]; ok {
			return
		}
		seen[col] = struct{}{}
		affected = append(affected, col)
	}

	for col, beforeVal := range e.Before {
		afterVal, ok := e.After[col]
		if !ok || !reflect.DeepEqual(beforeVal, afterVal) {
			add(col)
		}
	}
	for col := range e.After {
		if _, ok := e.Before[col]; !ok {
			add(col)
		}
	}

	sort.Strings(affected)
	return affected
}

// Fingerprint returns the hex SHA-256 digest of the event content (before,
// after, metadata). Map keys serialize in sorted order, so identical content
// always yields the same digest.
func (e *ChangeEvent) Fingerprint() string {
	payload := struct {
		Before   map[string]interface{} `json:"before"`
		After    map[string]interface{} `json:"after"`
		Metadata map[string]string      `json:"metadata"`
	}{e.Before, e.After, e.Metadata}

	data, err := json.Marshal(payload)
	if err != nil {
		// Map of JSON-safe values cannot fail to marshal; fall back to the
		// identifying fields so the digest is still stable.
		data = []byte(e.Source + e.Schema + e.Table + string(e.Operation) + e.Offset)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the event.
func (e *ChangeEvent) Clone() *ChangeEvent {
	clone := *e
	clone.Before = cloneRow(e.Before)
	clone.After = cloneRow(e.After)
	if e.Metadata != nil {
		clone.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// SetMetadata assigns a metadata key, allocating the map when needed.
func (e *ChangeEvent) SetMetadata(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// TransactionID returns the transaction id metadata, if any.
func (e *ChangeEvent) TransactionID() string {
	return e.Metadata[MetadataTransactionID]
}

// TenantID returns the tenant id metadata, if any.
func (e *ChangeEvent) TenantID() string {
	return e.Metadata[MetadataTenantID]
}

func cloneRow(row map[string]interface{}) map[string]interface{} {
	if row == nil {
		return nil
	}
	clone := make(map[string]interface{}, len(row))
	for k, v := range row {
		clone[k] = cloneValue(v)
	}
	return clone
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneRow(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
