package routing

import (
	"fmt"
	"strings"
)

// ConditionType names the part of the request a condition reads.
type ConditionType uint8

const (
	ConditionHeader ConditionType = iota + 1
	ConditionQuery
	ConditionBody
	ConditionUser
	ConditionFeatureFlag
)

var conditionTypeNames = map[ConditionType]string{
	ConditionHeader:      "header",
	ConditionQuery:       "query",
	ConditionBody:        "body",
	ConditionUser:        "user",
	ConditionFeatureFlag: "feature_flag",
}

// String returns the configuration name of the condition type.
func (t ConditionType) String() string {
	if s, ok := conditionTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ConditionType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t ConditionType) MarshalText() ([]byte, error) {
	if _, ok := conditionTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown condition type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ConditionType) UnmarshalText(b []byte) error {
	v, err := ParseConditionType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseConditionType parses "header", "query", "body", "user" or "feature_flag".
func ParseConditionType(s string) (ConditionType, error) {
	for t, name := range conditionTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown condition type %q", s)
}

// Operator is the comparison a condition applies.
type Operator uint8

const (
	OperatorEquals Operator = iota + 1
	OperatorContains
	OperatorRegex
	OperatorExists
)

var operatorNames = map[Operator]string{
	OperatorEquals:   "equals",
	OperatorContains: "contains",
	OperatorRegex:    "regex",
	OperatorExists:   "exists",
}

// String returns the configuration name of the operator.
func (o Operator) String() string {
	if s, ok := operatorNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Operator(%d)", uint8(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Operator) MarshalText() ([]byte, error) {
	if _, ok := operatorNames[o]; !ok {
		return nil, fmt.Errorf("unknown operator %d", uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Operator) UnmarshalText(b []byte) error {
	v, err := ParseOperator(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseOperator parses "equals", "contains", "regex" or "exists".
func ParseOperator(s string) (Operator, error) {
	for o, name := range operatorNames {
		if strings.EqualFold(s, name) {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

// TransformType names the part of the forwarded request a transformation edits.
type TransformType uint8

const (
	TransformHeader TransformType = iota + 1
	TransformQuery
	TransformPath
	TransformBody
)

var transformTypeNames = map[TransformType]string{
	TransformHeader: "header",
	TransformQuery:  "query",
	TransformPath:   "path",
	TransformBody:   "body",
}

func (t TransformType) String() string {
	if s, ok := transformTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TransformType(%d)", uint8(t))
}

// MarshalText implements encoding.TextMarshaler.
func (t TransformType) MarshalText() ([]byte, error) {
	if _, ok := transformTypeNames[t]; !ok {
		return nil, fmt.Errorf("unknown transformation type %d", uint8(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *TransformType) UnmarshalText(b []byte) error {
	v, err := ParseTransformType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseTransformType parses "header", "query", "path" or "body".
func ParseTransformType(s string) (TransformType, error) {
	for t, name := range transformTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transformation type %q", s)
}

// TransformAction is what a transformation does to its target.
type TransformAction uint8

const (
	ActionAdd TransformAction = iota + 1
	ActionRemove
	ActionReplace
	ActionRewrite
)

var transformActionNames = map[TransformAction]string{
	ActionAdd:     "add",
	ActionRemove:  "remove",
	ActionReplace: "replace",
	ActionRewrite: "rewrite",
}

func (a TransformAction) String() string {
	if s, ok := transformActionNames[a]; ok {
		return s
	}
	return fmt.Sprintf("TransformAction(%d)", uint8(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a TransformAction) MarshalText() ([]byte, error) {
	if _, ok := transformActionNames[a]; !ok {
		return nil, fmt.Errorf("unknown transformation action %d", uint8(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *TransformAction) UnmarshalText(b []byte) error {
	v, err := ParseTransformAction(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseTransformAction parses "add", "remove", "replace" or "rewrite".
func ParseTransformAction(s string) (TransformAction, error) {
	for a, name := range transformActionNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown transformation action %q", s)
}

// RoutingCondition is a predicate over the live request.
type RoutingCondition struct {
	Type     ConditionType `json:"type"`
	Field    string        `json:"field"`
	Operator Operator      `json:"operator"`
	Value    string        `json:"value,omitempty"`

	// Negate inverts the result of the operator.
	Negate bool `json:"negate,omitempty"`
}

// RequestTransformation edits the forwarded request.
//
// Semantics per type:
//   - header, query: add appends Value to Field, remove deletes Field, replace
//     sets Field to Value, rewrite applies Pattern/Replacement to Field's values.
//   - path: add prepends Value, remove strips the Value prefix, replace sets
//     the path to Value, rewrite applies Pattern/Replacement.
//   - body: add and replace set the top-level JSON Field to Value, remove
//     deletes it, rewrite applies Pattern/Replacement to the raw body.
type RequestTransformation struct {
	Type        TransformType   `json:"type"`
	Action      TransformAction `json:"action"`
	Field       string          `json:"field,omitempty"`
	Value       string          `json:"value,omitempty"`
	Pattern     string          `json:"pattern,omitempty"`
	Replacement string          `json:"replacement,omitempty"`
}

// RoutingRule binds a path pattern and optional conditions to a service.
type RoutingRule struct {
	ID string `json:"id"`

	// Pattern is a path pattern with optional ":param" segments and an
	// optional trailing "*" wildcard.
	Pattern string `json:"pattern"`

	// Methods lists the allowed HTTP methods. Empty allows every method.
	Methods []string `json:"methods,omitempty"`

	ServiceID string `json:"service_id"`

	// Priority orders candidate rules; higher wins. Rules with equal priority
	// keep the order they were registered in and the first one wins.
	Priority int `json:"priority"`

	// Conditions must all hold for the rule to match.
	Conditions []RoutingCondition `json:"conditions,omitempty"`

	// Transformations are applied in list order.
	Transformations []RequestTransformation `json:"transformations,omitempty"`
}

func (r RoutingRule) clone() RoutingRule {
	r.Methods = append([]string(nil), r.Methods...)
	r.Conditions = append([]RoutingCondition(nil), r.Conditions...)
	r.Transformations = append([]RequestTransformation(nil), r.Transformations...)
	return r
}
