package routing

import (
	"errors"
	"fmt"
	"strings"
)

// WildcardParam is the path parameter holding the remainder matched by a
// trailing "*" segment.
const WildcardParam = "*"

type segmentKind uint8

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

type segment struct {
	kind  segmentKind
	value string
}

// pathPattern is a compiled rule pattern such as "/orders/:id/items/*".
type pathPattern struct {
	raw      string
	segments []segment
}

func compilePattern(raw string) (*pathPattern, error) {
	if raw == "" {
		return nil, errors.New("pattern cannot be empty")
	}
	if !strings.HasPrefix(raw, "/") {
		return nil, fmt.Errorf("pattern %q must start with /", raw)
	}

	p := &pathPattern{raw: raw}
	parts := splitPath(normalizePath(raw))
	seen := make(map[string]bool)
	for i, part := range parts {
		switch {
		case part == "*":
			if i != len(parts)-1 {
				return nil, fmt.Errorf("pattern %q: wildcard must be the last segment", raw)
			}
			p.segments = append(p.segments, segment{kind: segmentWildcard})
		case strings.HasPrefix(part, ":"):
			name := part[1:]
			if name == "" {
				return nil, fmt.Errorf("pattern %q: empty parameter name", raw)
			}
			if seen[name] {
				return nil, fmt.Errorf("pattern %q: duplicate parameter %q", raw, name)
			}
			seen[name] = true
			p.segments = append(p.segments, segment{kind: segmentParam, value: name})
		default:
			p.segments = append(p.segments, segment{kind: segmentLiteral, value: part})
		}
	}
	return p, nil
}

// match reports whether path matches and returns the captured parameters.
func (p *pathPattern) match(path string) (map[string]string, bool) {
	parts := splitPath(path)
	var params map[string]string

	for i, seg := range p.segments {
		if seg.kind == segmentWildcard {
			if params == nil {
				params = make(map[string]string)
			}
			params[WildcardParam] = strings.Join(parts[i:], "/")
			return params, true
		}
		if i >= len(parts) {
			return nil, false
		}
		switch seg.kind {
		case segmentLiteral:
			if parts[i] != seg.value {
				return nil, false
			}
		case segmentParam:
			if params == nil {
				params = make(map[string]string)
			}
			params[seg.value] = parts[i]
		}
	}

	if len(parts) != len(p.segments) {
		return nil, false
	}
	return params, true
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
