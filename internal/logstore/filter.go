package logstore

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"tracelog/pkg/tracelog"
)

// ErrInvalidPropertyKey is returned for property keys that cannot be used in a JSON path.
var ErrInvalidPropertyKey = errors.New("invalid property key")

// Filter narrows the rows a query considers. Zero values mean "no constraint".
type Filter struct {
	Level          tracelog.Level
	Type           string
	From           *time.Time
	To             *time.Time
	Search         string
	PropertyKey    string
	PropertyValue  string
	HasProperty    string
	PropertySearch string
	RequestID      string
	Controller     string
	Method         string
}

// Page selects a 1-based page of results.
type Page struct {
	Page    int
	PerPage int
}

// Offset returns the number of results skipped before the page.
func (p Page) Offset() int {
	if p.Page < 1 {
		return 0
	}
	return (p.Page - 1) * p.PerPage
}

// limit returns the SQL LIMIT for the page; -1 means unbounded.
func (p Page) limit() int {
	if p.PerPage <= 0 {
		return -1
	}
	return p.PerPage
}

// LastPage returns the number of the last page for total results, at least 1.
func (p Page) LastPage(total int) int {
	if p.PerPage <= 0 || total <= 0 {
		return 1
	}
	return (total + p.PerPage - 1) / p.PerPage
}

// jsonPath builds the SQLite JSON path of a top-level key.
func jsonPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "\"\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPropertyKey, key)
	}
	return `$."` + key + `"`, nil
}

// containsLike escapes s for use in a LIKE pattern matching any substring.
func containsLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// jsonContains matches rows whose JSON column holds value at path, either as
// the scalar itself or as an element of an array.
func jsonContains(column string) string {
	return `(json_valid(` + column + `) AND EXISTS (SELECT 1 FROM json_each(` + column + `, ?) AS je
		WHERE CAST(je.value AS TEXT) = ?))`
}

// where builds the WHERE clause and arguments for f.
func (f Filter) where() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)

	if f.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.Controller != "" {
		clauses = append(clauses, "controller = ?")
		args = append(args, f.Controller)
	}
	if f.Method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, f.Method)
	}
	if f.Type != "" {
		clauses = append(clauses, jsonContains("context"))
		args = append(args, "$.type", f.Type)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if f.Search != "" {
		columns := []string{"message", "context", "properties", "request_id", "controller", "method", "url", "ip_address"}
		parts := make([]string, len(columns))
		pattern := containsLike(f.Search)
		for i, c := range columns {
			parts[i] = c + ` LIKE ? ESCAPE '\'`
			args = append(args, pattern)
		}
		clauses = append(clauses, "("+strings.Join(parts, " OR ")+")")
	}
	if f.PropertyKey != "" && f.PropertyValue != "" {
		path, err := jsonPath(f.PropertyKey)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, jsonContains("properties"))
		args = append(args, path, f.PropertyValue)
	}
	if f.HasProperty != "" {
		path, err := jsonPath(f.HasProperty)
		if err != nil {
			return "", nil, err
		}
		clauses = append(clauses, "(json_valid(properties) AND json_extract(properties, ?) IS NOT NULL)")
		args = append(args, path)
	}
	if f.PropertySearch != "" {
		clauses = append(clauses, `properties LIKE ? ESCAPE '\'`)
		args = append(args, containsLike(f.PropertySearch))
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}
