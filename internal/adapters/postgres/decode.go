package postgres

import (
	"sync"

	"github.com/jackc/pglogrepl"
)

// relationCache holds the RelationMessages the server sent for this session.
// pgoutput describes each relation once per connection; tuples reference it
// by id afterwards.
type relationCache struct {
	mu        sync.RWMutex
	relations map[uint32]*pglogrepl.RelationMessage
}

func newRelationCache() *relationCache {
	return &relationCache{relations: make(map[uint32]*pglogrepl.RelationMessage)}
}

func (c *relationCache) put(rel *pglogrepl.RelationMessage) {
	c.mu.Lock()
	c.relations[rel.RelationID] = rel
	c.mu.Unlock()
}

func (c *relationCache) get(id uint32) (*pglogrepl.RelationMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[id]
	return rel, ok
}

// tupleToMap decodes a pgoutput tuple into a column map. Null columns map to
// nil, unchanged TOAST columns are omitted, text columns carry their wire
// representation as strings.
func tupleToMap(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]interface{} {
	if tuple == nil {
		return nil
	}
	row := make(map[string]interface{}, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			row[name] = nil
		case pglogrepl.TupleDataTypeToast:
			// unchanged TOAST value, not present on the wire
		case pglogrepl.TupleDataTypeText:
			row[name] = string(col.Data)
		}
	}
	return row
}
