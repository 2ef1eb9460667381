package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tracelog/internal/logstore"
	"tracelog/pkg/tracelog"
)

const maxPerPage = 500

// parsePage reads page and per_page from query parameters.
func parsePage(r *http.Request, defaultPerPage int) (logstore.Page, error) {
	p := logstore.Page{Page: 1, PerPage: defaultPerPage}
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page: must be a positive integer")
		}
		p.Page = n
	}
	if v := q.Get("per_page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("per_page: must be a positive integer")
		}
		if n > maxPerPage {
			return p, fmt.Errorf("per_page: must be <= %d", maxPerPage)
		}
		p.PerPage = n
	}
	return p, nil
}

// parseFilter reads the row filters from query parameters.
func parseFilter(r *http.Request) (logstore.Filter, error) {
	q := r.URL.Query()
	f := logstore.Filter{
		Type:           strings.TrimSpace(q.Get("type")),
		Search:         strings.TrimSpace(q.Get("search")),
		PropertyKey:    strings.TrimSpace(q.Get("property_key")),
		PropertyValue:  q.Get("property_value"),
		HasProperty:    strings.TrimSpace(q.Get("has_property")),
		PropertySearch: strings.TrimSpace(q.Get("property_search")),
		RequestID:      strings.TrimSpace(q.Get("request_id")),
		Controller:     strings.TrimSpace(q.Get("controller")),
		Method:         strings.TrimSpace(q.Get("method")),
	}

	if v := q.Get("level"); v != "" {
		level, err := tracelog.ParseLevel(v)
		if err != nil {
			return f, err
		}
		f.Level = level
	}
	if v := q.Get("date_from"); v != "" {
		t, err := parseDate(v, false)
		if err != nil {
			return f, fmt.Errorf("date_from: %w", err)
		}
		f.From = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := parseDate(v, true)
		if err != nil {
			return f, fmt.Errorf("date_to: %w", err)
		}
		f.To = &t
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return f, fmt.Errorf("date_from must not be after date_to")
	}
	return f, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain date used as
// an upper bound covers the whole day.
func parseDate(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Microsecond)
	}
	return t, nil
}

// parseLimit reads a positive limit, falling back to def and capping at max.
func parseLimit(r *http.Request, def, max int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit: must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}
