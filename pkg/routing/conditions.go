package routing

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// compiledCondition is a condition with its operator resolved to an evaluator.
type compiledCondition struct {
	cond RoutingCondition
	eval func(actual string, present bool) bool
}

func compileCondition(c RoutingCondition) (*compiledCondition, error) {
	if _, ok := conditionTypeNames[c.Type]; !ok {
		return nil, fmt.Errorf("unknown condition type %d", uint8(c.Type))
	}
	if c.Field == "" && c.Type != ConditionUser {
		return nil, errors.New("condition field cannot be empty")
	}

	cc := &compiledCondition{cond: c}
	switch c.Operator {
	case OperatorEquals:
		cc.eval = equalsEvaluator(c.Value)
	case OperatorContains:
		cc.eval = containsEvaluator(c.Value)
	case OperatorRegex:
		re, err := regexp.Compile(c.Value)
		if err != nil {
			return nil, err
		}
		cc.eval = regexEvaluator(re)
	case OperatorExists:
		cc.eval = existsEvaluator
	default:
		return nil, fmt.Errorf("unknown operator %d", uint8(c.Operator))
	}
	return cc, nil
}

func equalsEvaluator(want string) func(string, bool) bool {
	return func(actual string, present bool) bool {
		return present && actual == want
	}
}

func containsEvaluator(want string) func(string, bool) bool {
	return func(actual string, present bool) bool {
		return present && strings.Contains(actual, want)
	}
}

func regexEvaluator(re *regexp.Regexp) func(string, bool) bool {
	return func(actual string, present bool) bool {
		return present && re.MatchString(actual)
	}
}

func existsEvaluator(_ string, present bool) bool {
	return present
}

// matches evaluates the condition against the request. It has no side effects.
func (c *compiledCondition) matches(req *Request) bool {
	actual, present := extractField(req, c.cond.Type, c.cond.Field)
	return c.eval(actual, present) != c.cond.Negate
}

func extractField(req *Request, t ConditionType, field string) (string, bool) {
	switch t {
	case ConditionHeader:
		values := req.Headers.Values(field)
		if len(values) == 0 {
			return "", false
		}
		return strings.Join(values, ","), true
	case ConditionQuery:
		values, ok := req.Query[field]
		if !ok {
			return "", false
		}
		return strings.Join(values, ","), true
	case ConditionBody:
		if len(req.Body) == 0 || !gjson.ValidBytes(req.Body) {
			return "", false
		}
		res := gjson.GetBytes(req.Body, field)
		if !res.Exists() {
			return "", false
		}
		return res.String(), true
	case ConditionUser:
		return req.User, req.User != ""
	case ConditionFeatureFlag:
		enabled, ok := req.FeatureFlags[field]
		if !ok {
			return "", false
		}
		return strconv.FormatBool(enabled), true
	}
	return "", false
}
