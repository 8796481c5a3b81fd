package cdc

import "testing"

func TestEventFilterMatches(t *testing.T) {
	tests := []struct {
		name     string
		filter   *EventFilter
		schema   string
		table    string
		op       Operation
		expected bool
	}{
		{
			name:     "nil filter admits all",
			filter:   nil,
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: true,
		},
		{
			name:     "empty filter admits all",
			filter:   &EventFilter{},
			schema:   "public",
			table:    "users",
			op:       OperationDelete,
			expected: true,
		},
		{
			name:     "include by bare table name",
			filter:   &EventFilter{IncludeTables: []string{"users"}},
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: true,
		},
		{
			name:     "include by qualified name",
			filter:   &EventFilter{IncludeTables: []string{"public.users"}},
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: true,
		},
		{
			name:     "include list misses table",
			filter:   &EventFilter{IncludeTables: []string{"orders"}},
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: false,
		},
		{
			name: "exclude wins over include",
			filter: &EventFilter{
				IncludeTables: []string{"users"},
				ExcludeTables: []string{"public.users"},
			},
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: false,
		},
		{
			name:     "case insensitive match",
			filter:   &EventFilter{IncludeTables: []string{"PUBLIC.Users"}},
			schema:   "public",
			table:    "users",
			op:       OperationInsert,
			expected: true,
		},
		{
			name:     "operation include",
			filter:   &EventFilter{IncludeOperations: []Operation{OperationInsert, OperationUpdate}},
			schema:   "public",
			table:    "users",
			op:       OperationDelete,
			expected: false,
		},
		{
			name:     "operation exclude",
			filter:   &EventFilter{ExcludeOperations: []Operation{OperationDelete}},
			schema:   "public",
			table:    "users",
			op:       OperationDelete,
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			event := NewChangeEvent("src-A", test.schema, test.table, test.op, "1")
			result := test.filter.Matches(event)
			if result != test.expected {
				t.Errorf("Matches(%s.%s %s) = %v, expected %v", test.schema, test.table, test.op, result, test.expected)
			}
		})
	}
}

func TestMatchesTable(t *testing.T) {
	filter := &EventFilter{
		IncludeTables: []string{"public.users", "inventory"},
		ExcludeTables: []string{"public.audit_log"},
	}

	if !filter.MatchesTable("public", "users") {
		t.Error("expected public.users to match")
	}
	if !filter.MatchesTable("warehouse", "inventory") {
		t.Error("expected bare table name to match any schema")
	}
	if filter.MatchesTable("public", "audit_log") {
		t.Error("expected excluded table to be rejected")
	}
	if filter.MatchesTable("public", "orders") {
		t.Error("expected table outside include list to be rejected")
	}
}
