package loadbalancer

import (
	"mercator-hq/meridian/pkg/routing"
)

// UserIDSessionKey is the session key that also matches the authenticated user.
const UserIDSessionKey = "userId"

// SessionID extracts the session identifier named key from the request,
// looking in order at the header, the cookie (exact name), the query
// parameter and, for key "userId", the authenticated user.
func SessionID(key string, req *routing.Request) string {
	if key == "" || req == nil {
		return ""
	}
	if v := req.Headers.Get(key); v != "" {
		return v
	}
	if v, ok := req.Cookie(key); ok && v != "" {
		return v
	}
	if v := req.Query.Get(key); v != "" {
		return v
	}
	if key == UserIDSessionKey && req.User != "" {
		return req.User
	}
	return ""
}
