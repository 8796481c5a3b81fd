package cdc

import "strings"

// EventFilter defines filtering criteria for change events. An empty include
// list admits everything; exclusion always wins over inclusion. Table names
// match either "table" or "schema.table", case-insensitively.
type EventFilter struct {
	// Table filtering
	IncludeTables []string `json:"include_tables,omitempty" yaml:"include_tables,omitempty"`
	ExcludeTables []string `json:"exclude_tables,omitempty" yaml:"exclude_tables,omitempty"`

	// Operation filtering
	IncludeOperations []Operation `json:"include_operations,omitempty" yaml:"include_operations,omitempty"`
	ExcludeOperations []Operation `json:"exclude_operations,omitempty" yaml:"exclude_operations,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f *EventFilter) Matches(event *ChangeEvent) bool {
	if f == nil {
		return true
	}

	if matchesTable(f.ExcludeTables, event.Schema, event.Table) {
		return false
	}
	if len(f.IncludeTables) > 0 && !matchesTable(f.IncludeTables, event.Schema, event.Table) {
		return false
	}

	for _, op := range f.ExcludeOperations {
		if op == event.Operation {
			return false
		}
	}
	if len(f.IncludeOperations) > 0 {
		for _, op := range f.IncludeOperations {
			if op == event.Operation {
				return true
			}
		}
		return false
	}

	return true
}

// MatchesTable reports whether the schema-qualified table passes the table
// lists alone. Adapters use this to skip tables before building events.
func (f *EventFilter) MatchesTable(schema, table string) bool {
	if f == nil {
		return true
	}
	if matchesTable(f.ExcludeTables, schema, table) {
		return false
	}
	if len(f.IncludeTables) > 0 && !matchesTable(f.IncludeTables, schema, table) {
		return false
	}
	return true
}

func matchesTable(list []string, schema, table string) bool {
	if len(list) == 0 {
		return false
	}
	qualified := table
	if schema != "" {
		qualified = schema + "." + table
	}
	for _, entry := range list {
		if strings.EqualFold(entry, table) || strings.EqualFold(entry, qualified) {
			return true
		}
	}
	return false
}
