package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeEventValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*ChangeEvent)
		expectError bool
	}{
		{
			name:        "valid insert",
			mutate:      func(e *ChangeEvent) { e.After = map[string]interface{}{"id": 1} },
			expectError: false,
		},
		{
			name:        "missing source",
			mutate:      func(e *ChangeEvent) { e.Source = "" },
			expectError: true,
		},
		{
			name:        "missing offset",
			mutate:      func(e *ChangeEvent) { e.Offset = "" },
			expectError: true,
		},
		{
			name:        "unknown operation",
			mutate:      func(e *ChangeEvent) { e.Operation = Operation("UPSERT") },
			expectError: true,
		},
		{
			name:        "insert with before image",
			mutate:      func(e *ChangeEvent) { e.Before = map[string]interface{}{"id": 1} },
			expectError: true,
		},
		{
			name: "delete with after image",
			mutate: func(e *ChangeEvent) {
				e.Operation = OperationDelete
				e.After = map[string]interface{}{"id": 1}
			},
			expectError: true,
		},
		{
			name: "delete with before image only",
			mutate: func(e *ChangeEvent) {
				e.Operation = OperationDelete
				e.Before = map[string]interface{}{"id": 1}
			},
			expectError: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			event := NewChangeEvent("src-A", "public", "users", OperationInsert, "1")
			test.mutate(event)

			err := event.Validate()
			if test.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAffectedColumns(t *testing.T) {
	event := NewChangeEvent("src-A", "public", "users", OperationUpdate, "2")
	event.Before = map[string]interface{}{"id": 1, "name": "Bob"}
	event.After = map[string]interface{}{"id": 1, "name": "Robert"}

	assert.Equal(t, []string{"name"}, event.AffectedColumns())
}

func TestAffectedColumnsAddedAndRemoved(t *testing.T) {
	event := NewChangeEvent("src-A", "public", "users", OperationUpdate, "3")
	event.Before = map[string]interface{}{"id": 1, "email": "a@b.c"}
	event.After = map[string]interface{}{"id": 1, "name": "Alice"}

	assert.Equal(t, []string{"email", "name"}, event.AffectedColumns())
}

func TestFingerprintStable(t *testing.T) {
	a := NewChangeEvent("src-A", "public", "users", OperationInsert, "1")
	a.After = map[string]interface{}{"id": 1, "name": "Alice"}
	a.SetMetadata(MetadataTransactionID, "tx-1")

	b := a.Clone()
	// IDs and timestamps differ between the two events; content does not.
	b.ID = "other"

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.After["name"] = "Bob"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestCloneIsDeep(t *testing.T) {
	event := NewChangeEvent("src-A", "public", "users", OperationUpdate, "4")
	event.Before = map[string]interface{}{"tags": []interface{}{"x"}}
	event.After = map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}
	event.SetMetadata("k", "v")

	clone := event.Clone()
	require.NotSame(t, event, clone)

	clone.After["nested"].(map[string]interface{})["k"] = "changed"
	clone.Before["tags"].([]interface{})[0] = "y"
	clone.Metadata["k"] = "changed"

	assert.Equal(t, "v", event.After["nested"].(map[string]interface{})["k"])
	assert.Equal(t, "x", event.Before["tags"].([]interface{})[0])
	assert.Equal(t, "v", event.Metadata["k"])
}

func TestBulkOperationEventToChangeEvent(t *testing.T) {
	rows := []map[string]interface{}{
		{"id": 1}, {"id": 2}, {"id": 3},
	}
	bulk := NewBulkOperationEvent("src-A", "public", "orders", OperationBulkInsert, "77", 2500, rows, 2)
	bulk.ExecutionDurationMs = 125
	bulk.TransactionID = "tx-9"

	assert.Len(t, bulk.SampleData, 2)

	event := bulk.ToChangeEvent()
	require.NoError(t, event.Validate())
	assert.Equal(t, OperationBulkInsert, event.Operation)
	assert.True(t, event.Operation.IsBulk())
	assert.Equal(t, int64(2500), event.After["affected_row_count"])
	assert.Equal(t, bulk.BatchID, event.After["batch_id"])
	assert.Equal(t, "2500", event.Metadata[MetadataAffectedRowCount])
	assert.Equal(t, "tx-9", event.TransactionID())
}
