package routing

import (
	"net/http"
	"net/url"
	"strings"
)

// Request is the inbound request as seen by the routing core. It is built by
// the HTTP layer and never refers back to the *http.Request it came from.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values

	// Body is the buffered request body, nil when the request has none.
	Body []byte

	// User is the authenticated user id supplied by upstream middleware.
	User string

	// FeatureFlags are the flags enabled for this caller.
	FeatureFlags map[string]bool
}

// FromHTTP copies the routing-relevant parts of an *http.Request. The body is
// passed separately because the caller owns reading it.
func FromHTTP(r *http.Request, body []byte) *Request {
	return &Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Body:    body,
	}
}

// Clone returns a deep copy so transformations never touch the caller's request.
func (r *Request) Clone() *Request {
	out := &Request{
		Method:  r.Method,
		Path:    r.Path,
		Headers: r.Headers.Clone(),
		User:    r.User,
	}
	if out.Headers == nil {
		out.Headers = make(http.Header)
	}
	out.Query = make(url.Values, len(r.Query))
	for k, v := range r.Query {
		out.Query[k] = append([]string(nil), v...)
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	if r.FeatureFlags != nil {
		out.FeatureFlags = make(map[string]bool, len(r.FeatureFlags))
		for k, v := range r.FeatureFlags {
			out.FeatureFlags[k] = v
		}
	}
	return out
}

// Cookie returns the value of the cookie with exactly this name.
func (r *Request) Cookie(name string) (string, bool) {
	if name == "" || len(r.Headers.Values("Cookie")) == 0 {
		return "", false
	}
	hr := http.Request{Header: http.Header{"Cookie": r.Headers.Values("Cookie")}}
	c, err := hr.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

// normalizePath makes sure the path is rooted and has no trailing slash.
func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}
