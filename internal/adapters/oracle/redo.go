package oracle

import (
	"fmt"
	"strings"
)

// The redo and undo statements LogMiner emits are well-formed single-row DML
// with every identifier double-quoted and every string literal
// single-quoted. The scanners below split on that structure only; they are
// not general SQL parsers.

// parseInsertSQL extracts the column map from an INSERT redo statement.
func parseInsertSQL(stmt string) (map[string]interface{}, error) {
	open := strings.Index(stmt, "(")
	if open < 0 {
		return nil, fmt.Errorf("insert redo has no column list")
	}
	columns, rest, err := scanIdentList(stmt[open:])
	if err != nil {
		return nil, err
	}
	valuesIdx := strings.Index(strings.ToLower(rest), "values")
	if valuesIdx < 0 {
		return nil, fmt.Errorf("insert redo has no values clause")
	}
	rest = rest[valuesIdx+len("values"):]
	open = strings.Index(rest, "(")
	if open < 0 {
		return nil, fmt.Errorf("insert redo has no value list")
	}
	values, err := scanValueList(rest[open:])
	if err != nil {
		return nil, err
	}
	if len(values) != len(columns) {
		return nil, fmt.Errorf("insert redo has %d columns but %d values", len(columns), len(values))
	}
	row := make(map[string]interface{}, len(columns))
	for i, col := range columns {
		row[col] = values[i]
	}
	return row, nil
}

// parseUpdateSQL extracts the SET assignments (new values) and WHERE
// conditions (old values) from an UPDATE redo statement.
func parseUpdateSQL(stmt string) (set map[string]interface{}, where map[string]interface{}, err error) {
	lower := strings.ToLower(stmt)
	setIdx := indexOfKeyword(lower, "set")
	if setIdx < 0 {
		return nil, nil, fmt.Errorf("update redo has no set clause")
	}
	whereIdx := indexOfKeyword(lower, "where")

	setClause := stmt[setIdx+len("set"):]
	whereClause := ""
	if whereIdx > setIdx {
		setClause = stmt[setIdx+len("set") : whereIdx]
		whereClause = stmt[whereIdx+len("where"):]
	}

	set, err = parsePairs(setClause, ",")
	if err != nil {
		return nil, nil, err
	}
	if whereClause != "" {
		where, err = parseConditions(whereClause)
		if err != nil {
			return nil, nil, err
		}
	}
	return set, where, nil
}

// parseDeleteSQL extracts the WHERE conditions (the deleted row's values)
// from a DELETE redo statement.
func parseDeleteSQL(stmt string) (map[string]interface{}, error) {
	lower := strings.ToLower(stmt)
	whereIdx := indexOfKeyword(lower, "where")
	if whereIdx < 0 {
		return nil, fmt.Errorf("delete redo has no where clause")
	}
	return parseConditions(stmt[whereIdx+len("where"):])
}

// indexOfKeyword finds a keyword at statement depth, outside quotes.
func indexOfKeyword(lower, keyword string) int {
	depth := 0
	inString := false
	inIdent := false
	for i := 0; i+len(keyword) <= len(lower); i++ {
		c := lower[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
		case inIdent:
			if c == '"' {
				inIdent = false
			}
		case c == '\'':
			inString = true
		case c == '"':
			inIdent = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(lower[i:], keyword):
			boundedLeft := i == 0 || lower[i-1] == ' ' || lower[i-1] == ')'
			after := i + len(keyword)
			boundedRight := after == len(lower) || lower[after] == ' ' || lower[after] == '('
			if boundedLeft && boundedRight {
				return i
			}
		}
	}
	return -1
}

// scanIdentList reads a parenthesized list of quoted identifiers and returns
// the identifiers plus the remainder of the statement.
func scanIdentList(s string) ([]string, string, error) {
	if len(s) == 0 || s[0] != '(' {
		return nil, "", fmt.Errorf("expected identifier list")
	}
	var idents []string
	i := 1
	for i < len(s) {
		switch s[i] {
		case '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, "", fmt.Errorf("unterminated identifier")
			}
			idents = append(idents, s[i+1:i+1+end])
			i += end + 2
		case ')':
			return idents, s[i+1:], nil
		default:
			i++
		}
	}
	return nil, "", fmt.Errorf("unterminated identifier list")
}

// scanValueList reads a parenthesized, comma-separated value list.
func scanValueList(s string) ([]interface{}, error) {
	if len(s) == 0 || s[0] != '(' {
		return nil, fmt.Errorf("expected value list")
	}
	var values []interface{}
	var current strings.Builder
	depth := 1
	inString := false
	flush := func() {
		values = append(values, literalValue(current.String()))
		current.Reset()
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			current.WriteByte(c)
			if c == '\'' {
				// Doubled quotes stay inside the literal.
				if i+1 < len(s) && s[i+1] == '\'' {
					current.WriteByte('\'')
					i++
				} else {
					inString = false
				}
			}
		case c == '\'':
			inString = true
			current.WriteByte(c)
		case c == '(':
			depth++
			current.WriteByte(c)
		case c == ')':
			depth--
			if depth == 0 {
				flush()
				return values, nil
			}
			current.WriteByte(c)
		case c == ',' && depth == 1:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	return nil, fmt.Errorf("unterminated value list")
}

// parsePairs reads `"IDENT" = value` assignments separated by sep.
func parsePairs(clause, sep string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, part := range splitTopLevel(clause, sep) {
		ident, value, err := splitAssignment(part)
		if err != nil {
			return nil, err
		}
		out[ident] = value
	}
	return out, nil
}

// parseConditions reads `"IDENT" = value` and `"IDENT" IS NULL` conditions
// joined with and.
func parseConditions(clause string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, part := range splitTopLevel(clause, " and ") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(trimmed), "is null") {
			ident, err := unquoteIdent(strings.TrimSpace(trimmed[:len(trimmed)-len("is null")]))
			if err != nil {
				return nil, err
			}
			out[ident] = nil
			continue
		}
		ident, value, err := splitAssignment(trimmed)
		if err != nil {
			return nil, err
		}
		out[ident] = value
	}
	return out, nil
}

// splitTopLevel splits outside parens, string literals and quoted
// identifiers. The separator match is case-insensitive.
func splitTopLevel(s, sep string) []string {
	lowerSep := strings.ToLower(sep)
	var parts []string
	var current strings.Builder
	depth := 0
	inString := false
	inIdent := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inString:
			current.WriteByte(c)
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					current.WriteByte('\'')
					i++
				} else {
					inString = false
				}
			}
			continue
		case inIdent:
			current.WriteByte(c)
			if c == '"' {
				inIdent = false
			}
			continue
		case c == '\'':
			inString = true
		case c == '"':
			inIdent = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		}
		if depth == 0 && !inString && !inIdent &&
			len(s)-i >= len(sep) && strings.ToLower(s[i:i+len(sep)]) == lowerSep {
			parts = append(parts, current.String())
			current.Reset()
			i += len(sep) - 1
			continue
		}
		current.WriteByte(c)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}

func splitAssignment(part string) (string, interface{}, error) {
	eq := strings.IndexByte(part, '=')
	if eq < 0 {
		return "", nil, fmt.Errorf("condition %q has no assignment", strings.TrimSpace(part))
	}
	ident, err := unquoteIdent(strings.TrimSpace(part[:eq]))
	if err != nil {
		return "", nil, err
	}
	return ident, literalValue(strings.TrimSpace(part[eq+1:])), nil
}

func unquoteIdent(s string) (string, error) {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1], nil
	}
	return "", fmt.Errorf("expected quoted identifier, got %q", s)
}

// literalValue converts a redo literal: string literals lose their quotes,
// NULL maps to nil, everything else (numbers, TO_DATE calls) stays verbatim.
func literalValue(raw string) interface{} {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "NULL") {
		return nil
	}
	if len(trimmed) >= 2 && trimmed[0] == '\'' && trimmed[len(trimmed)-1] == '\'' {
		return strings.ReplaceAll(trimmed[1:len(trimmed)-1], "''", "'")
	}
	return trimmed
}
