package logging

import (
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Redacted replaces the value of a sensitive header.
const Redacted = "[REDACTED]"

// DefaultRedactedHeaders are the header names redacted when no list is configured.
var DefaultRedactedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Api-Key", "Proxy-Authorization"}

var (
	redactMu  sync.RWMutex
	redactSet = headerSet(DefaultRedactedHeaders)
)

// SetRedactedHeaders replaces the set of redacted header names.
func SetRedactedHeaders(names []string) {
	set := headerSet(names)
	redactMu.Lock()
	redactSet = set
	redactMu.Unlock()
}

// IsRedacted reports whether the named header is redacted.
func IsRedacted(name string) bool {
	redactMu.RLock()
	defer redactMu.RUnlock()
	_, ok := redactSet[http.CanonicalHeaderKey(name)]
	return ok
}

// RedactHeaders returns a copy of h with sensitive values replaced.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if IsRedacted(name) {
			out[name] = []string{Redacted}
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// Headers returns a log attribute holding the redacted headers as a group,
// sorted by name.
func Headers(key string, h http.Header) slog.Attr {
	redacted := RedactHeaders(h)
	names := make([]string, 0, len(redacted))
	for name := range redacted {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.String(name, strings.Join(redacted[name], ", ")))
	}
	return slog.Group(key, attrs...)
}

func headerSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(strings.TrimSpace(n))] = struct{}{}
	}
	return set
}
