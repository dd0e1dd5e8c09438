package routing

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

type compiledTransform struct {
	t  RequestTransformation
	re *regexp.Regexp
}

func compileTransform(t RequestTransformation) (*compiledTransform, error) {
	if _, ok := transformTypeNames[t.Type]; !ok {
		return nil, fmt.Errorf("unknown transformation type %d", uint8(t.Type))
	}
	if _, ok := transformActionNames[t.Action]; !ok {
		return nil, fmt.Errorf("unknown transformation action %d", uint8(t.Action))
	}
	needsField := t.Type == TransformHeader || t.Type == TransformQuery ||
		(t.Type == TransformBody && t.Action != ActionRewrite)
	if needsField && t.Field == "" {
		return nil, fmt.Errorf("%s %s transformation requires a field", t.Type, t.Action)
	}

	ct := &compiledTransform{t: t}
	if t.Action == ActionRewrite {
		if t.Pattern == "" {
			return nil, errors.New("rewrite transformation requires a pattern")
		}
		re, err := regexp.Compile(t.Pattern)
		if err != nil {
			return nil, err
		}
		ct.re = re
	}
	return ct, nil
}

// apply edits req in place and returns the new forwarded path.
func (ct *compiledTransform) apply(req *Request, path string) (string, error) {
	t := ct.t
	switch t.Type {
	case TransformHeader:
		switch t.Action {
		case ActionAdd:
			req.Headers.Add(t.Field, t.Value)
		case ActionRemove:
			req.Headers.Del(t.Field)
		case ActionReplace:
			req.Headers.Set(t.Field, t.Value)
		case ActionRewrite:
			values := req.Headers.Values(t.Field)
			for i, v := range values {
				values[i] = ct.re.ReplaceAllString(v, t.Replacement)
			}
		}
	case TransformQuery:
		switch t.Action {
		case ActionAdd:
			req.Query.Add(t.Field, t.Value)
		case ActionRemove:
			req.Query.Del(t.Field)
		case ActionReplace:
			req.Query.Set(t.Field, t.Value)
		case ActionRewrite:
			for i, v := range req.Query[t.Field] {
				req.Query[t.Field][i] = ct.re.ReplaceAllString(v, t.Replacement)
			}
		}
	case TransformPath:
		switch t.Action {
		case ActionAdd:
			path = strings.TrimRight(t.Value, "/") + path
		case ActionRemove:
			path = strings.TrimPrefix(path, t.Value)
		case ActionReplace:
			path = t.Value
		case ActionRewrite:
			path = ct.re.ReplaceAllString(path, t.Replacement)
		}
		path = normalizePath(path)
	case TransformBody:
		body, err := ct.applyBody(req.Body)
		if err != nil {
			return path, err
		}
		req.Body = body
	}
	return path, nil
}

func (ct *compiledTransform) applyBody(body []byte) ([]byte, error) {
	t := ct.t
	if t.Action == ActionRewrite {
		return ct.re.ReplaceAll(body, []byte(t.Replacement)), nil
	}

	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("body %s transformation requires a JSON object body", t.Action)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	switch t.Action {
	case ActionAdd:
		if _, exists := doc[t.Field]; exists {
			return body, nil
		}
		doc[t.Field] = bodyValue(t.Value)
	case ActionReplace:
		doc[t.Field] = bodyValue(t.Value)
	case ActionRemove:
		delete(doc, t.Field)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	return out, nil
}

// bodyValue keeps values that are already valid JSON (numbers, booleans,
// objects) and quotes everything else as a string.
func bodyValue(v string) json.RawMessage {
	if v != "" && gjson.Valid(v) {
		return json.RawMessage(v)
	}
	quoted, _ := json.Marshal(v)
	return quoted
}
