// Package sanitize masks credentials in captured query text before it is
// persisted. Role management statements carry passwords as string
// literals; a trace reader must never see them.
package sanitize

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Mask replaces every redacted literal.
const Mask = "'*******'"

// Redactor rewrites credential literals in query text.
type Redactor struct {
	mu       sync.RWMutex
	patterns []*compiledPattern
	logger   *slog.Logger
}

type compiledPattern struct {
	Name  string
	Regex *regexp.Regexp
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor(logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redactor{
		logger: logger.With("component", "sanitize.Redactor"),
	}
	r.loadDefaultPatterns()
	return r
}

// Redact returns query with credential literals masked, and whether
// anything was replaced.
func (r *Redactor) Redact(query string) (string, bool) {
	if query == "" {
		return query, false
	}

	r.mu.RLock()
	patterns := r.patterns
	r.mu.RUnlock()

	out := query
	for _, p := range patterns {
		out = p.Regex.ReplaceAllString(out, "${1}"+Mask)
	}
	return out, out != query
}

// RedactParameters masks query texts in a persisted parameter map in place
// and returns how many values changed. Only the query keys are touched.
func (r *Redactor) RedactParameters(params map[string]string) int {
	n := 0
	for k, v := range params {
		if k != "query" && !strings.HasPrefix(k, "query[") {
			continue
		}
		if masked, ok := r.Redact(v); ok {
			params[k] = masked
			n++
		}
	}
	return n
}

func (r *Redactor) loadDefaultPatterns() {
	// Each pattern keeps group 1 and masks the quoted literal that follows.
	// A quote inside a literal is escaped by doubling it.
	rawPatterns := []struct {
		name    string
		pattern string
	}{
		// CREATE/ALTER ROLE r WITH PASSWORD = 'x', CREATE USER u WITH PASSWORD 'x'
		{"password_clause", `(?i)(\b(?:hashed\s+)?password(?:\s*=\s*|\s+))'(?:[^']|'')*'`},
		// Option maps: {'password': 'x'} and {'hashed_password': 'x'}
		{"password_option", `(?i)('(?:hashed_)?password'\s*:\s*)'(?:[^']|'')*'`},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rp := range rawPatterns {
		re, err := regexp.Compile(rp.pattern)
		if err != nil {
			r.logger.Warn("failed to compile redaction pattern", "name", rp.name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &compiledPattern{Name: rp.name, Regex: re})
	}
}
