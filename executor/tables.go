package executor

import (
	"sort"
	"strings"

	"github.com/INLOpen/nexuslocal/core"
)

// Table-reference extraction for dirty tracking. The scan is deliberately
// conservative: it may over-approximate the touched set (cost: a spurious
// recomputation) but must never miss a referenced table. A statement the
// scanner cannot narrow degrades to the wildcard, which matches every
// subscription.

// ExtractTables returns the lowercased table names referenced by a SQL
// statement, or the wildcard when none could be identified.
func ExtractTables(query string) []string {
	tokens := tokenize(query)

	seen := make(map[string]struct{})
	expectName := false
	for _, tok := range tokens {
		upper := strings.ToUpper(tok)
		switch upper {
		case "FROM", "JOIN", "INTO", "UPDATE", "TABLE":
			expectName = true
			continue
		case "OR", "REPLACE", "IF", "NOT", "EXISTS":
			// Keywords that may sit between INTO/TABLE and the name
			// (INSERT OR REPLACE INTO, CREATE TABLE IF NOT EXISTS).
			if expectName {
				continue
			}
		}
		if !expectName {
			continue
		}
		expectName = false
		if tok == "(" {
			// Subquery or values list, not a table name.
			continue
		}
		if name := normalizeTableName(tok); name != "" {
			seen[name] = struct{}{}
		}
	}

	if len(seen) == 0 {
		return []string{core.WildcardTable}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// touchedTables unions the extraction over every statement of a transaction.
func touchedTables(stmts []core.Statement) []string {
	seen := make(map[string]struct{})
	for _, stmt := range stmts {
		for _, table := range ExtractTables(stmt.SQL) {
			seen[table] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TablesOverlap reports whether a statement's table set intersects a commit
// notice's touched set. The wildcard on either side matches everything.
func TablesOverlap(stmtTables, noticeTables []string) bool {
	for _, t := range stmtTables {
		if t == core.WildcardTable {
			return true
		}
	}
	set := make(map[string]struct{}, len(stmtTables))
	for _, t := range stmtTables {
		set[t] = struct{}{}
	}
	for _, t := range noticeTables {
		if t == core.WildcardTable {
			return true
		}
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// tokenize splits a SQL string into identifier and punctuation tokens,
// skipping string literals so their contents cannot be mistaken for names.
func tokenize(query string) []string {
	var tokens []string
	var current strings.Builder
	inString := false

	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}

	for _, r := range query {
		if inString {
			if r == '\'' {
				inString = false
			}
			continue
		}
		switch {
		case r == '\'':
			flush()
			inString = true
		case r == '_' || r == '.' || r == '"' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			current.WriteRune(r)
		case r == '(' || r == ')':
			flush()
			tokens = append(tokens, string(r))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func normalizeTableName(tok string) string {
	name := strings.Trim(tok, `"`)
	// Keep the unqualified name: dirty tracking keys on the table itself.
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.ToLower(name)
	if name == "" || name == "select" {
		return ""
	}
	return name
}
