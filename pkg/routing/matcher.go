package routing

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"mercator-hq/meridian/pkg/registry"
)

// ServiceLookup resolves the configuration a rule targets. *registry.Registry
// implements it.
type ServiceLookup interface {
	Service(serviceID string) (*registry.ServiceConfig, error)
}

// RouteMatch is the resolved binding of one request to a service, version and
// forwarded path. It is built per request and never shared.
type RouteMatch struct {
	Service *registry.ServiceConfig
	Rule    RoutingRule

	// PathParams holds ":param" captures and the "*" remainder.
	PathParams map[string]string

	// TransformedPath is the path forwarded upstream after prefix rewriting,
	// path rewrite rules and path transformations.
	TransformedPath string

	// Version is the resolved service version, empty for unversioned services.
	Version string

	// VersionConfig is set when the service has versioning enabled.
	VersionConfig *registry.ServiceVersionConfig

	// Request is the forwarded request with all transformations applied.
	Request *Request
}

type compiledRule struct {
	rule       RoutingRule
	order      int
	pattern    *pathPattern
	methods    map[string]bool
	conditions []*compiledCondition
	transforms []*compiledTransform
}

// Matcher maps requests to services using an ordered rule set.
//
// Rules are evaluated by descending priority. Rules with the same priority are
// evaluated in the order they were passed to SetRules and the first matching
// one wins.
type Matcher struct {
	mu    sync.RWMutex
	rules []*compiledRule
	byID  map[string]*compiledRule

	services ServiceLookup

	// rewrites caches compiled service path rewrite patterns.
	rewrites sync.Map // map[string]*regexp.Regexp

	logger *slog.Logger
}

// NewMatcher compiles rules and returns a matcher resolving services through
// services.
func NewMatcher(rules []RoutingRule, services ServiceLookup, logger *slog.Logger) (*Matcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Matcher{
		services: services,
		byID:     make(map[string]*compiledRule),
		logger:   logger.With("component", "routing"),
	}
	if err := m.SetRules(rules); err != nil {
		return nil, err
	}
	return m, nil
}

// SetRules atomically replaces the rule set. On error the previous rules stay
// in effect.
func (m *Matcher) SetRules(rules []RoutingRule) error {
	compiled := make([]*compiledRule, 0, len(rules))
	byID := make(map[string]*compiledRule, len(rules))

	for i, rule := range rules {
		cr, err := compileRule(rule, i)
		if err != nil {
			return err
		}
		if _, dup := byID[cr.rule.ID]; dup {
			return &InvalidRuleError{RuleID: cr.rule.ID, Field: "id", Err: fmt.Errorf("duplicate rule id")}
		}
		byID[cr.rule.ID] = cr
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	m.mu.Lock()
	m.rules = compiled
	m.byID = byID
	m.mu.Unlock()

	m.logger.Info("routing rules loaded", "rules", len(compiled))
	return nil
}

// Rules returns the active rules in evaluation order.
func (m *Matcher) Rules() []RoutingRule {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]RoutingRule, len(m.rules))
	for i, cr := range m.rules {
		out[i] = cr.rule.clone()
	}
	return out
}

func compileRule(rule RoutingRule, order int) (*compiledRule, error) {
	if rule.ID == "" {
		rule.ID = fmt.Sprintf("rule-%d", order)
	}
	if rule.ServiceID == "" {
		return nil, &InvalidRuleError{RuleID: rule.ID, Field: "service_id", Err: fmt.Errorf("cannot be empty")}
	}
	pattern, err := compilePattern(rule.Pattern)
	if err != nil {
		return nil, &InvalidRuleError{RuleID: rule.ID, Field: "pattern", Err: err}
	}

	cr := &compiledRule{rule: rule.clone(), order: order, pattern: pattern}
	if len(rule.Methods) > 0 {
		cr.methods = make(map[string]bool, len(rule.Methods))
		for _, method := range rule.Methods {
			cr.methods[strings.ToUpper(method)] = true
		}
	}
	for i, c := range rule.Conditions {
		cc, err := compileCondition(c)
		if err != nil {
			return nil, &InvalidRuleError{RuleID: rule.ID, Field: fmt.Sprintf("conditions[%d]", i), Err: err}
		}
		cr.conditions = append(cr.conditions, cc)
	}
	for i, t := range rule.Transformations {
		ct, err := compileTransform(t)
		if err != nil {
			return nil, &InvalidRuleError{RuleID: rule.ID, Field: fmt.Sprintf("transformations[%d]", i), Err: err}
		}
		cr.transforms = append(cr.transforms, ct)
	}
	return cr, nil
}

// matches evaluates method, pattern and conditions. Conditions are only
// evaluated once method and path match.
func (cr *compiledRule) matches(req *Request, path string) (map[string]string, bool) {
	if cr.methods != nil && !cr.methods[strings.ToUpper(req.Method)] {
		return nil, false
	}
	params, ok := cr.pattern.match(path)
	if !ok {
		return nil, false
	}
	for _, c := range cr.conditions {
		if !c.matches(req) {
			return nil, false
		}
	}
	return params, true
}

// Match resolves the request to a RouteMatch. It performs no I/O and does not
// modify req.
func (m *Matcher) Match(req *Request) (*RouteMatch, error) {
	path := normalizePath(req.Path)

	m.mu.RLock()
	rules := m.rules
	byID := m.byID
	m.mu.RUnlock()

	services := make(map[string]*registry.ServiceConfig)
	lookup := func(cr *compiledRule) (*registry.ServiceConfig, error) {
		if svc, ok := services[cr.rule.ServiceID]; ok {
			return svc, nil
		}
		svc, err := m.services.Service(cr.rule.ServiceID)
		if err != nil {
			return nil, &UnknownServiceError{RuleID: cr.rule.ID, ServiceID: cr.rule.ServiceID, Cause: err}
		}
		services[cr.rule.ServiceID] = svc
		return svc, nil
	}

	var (
		winner   *compiledRule
		svc      *registry.ServiceConfig
		params   map[string]string
		matchOn  string
		versionQ string
	)
	for _, cr := range rules {
		s, err := lookup(cr)
		if err != nil {
			// Only a rule that would otherwise match surfaces the error.
			if _, ok := cr.matches(req, path); ok {
				return nil, err
			}
			continue
		}
		requested, effective := path, path
		if s.Versioning.Enabled {
			requested, effective = requestedVersion(s.Versioning, req, path)
		} else {
			requested = ""
		}
		p, ok := cr.matches(req, effective)
		if !ok {
			continue
		}
		winner, svc, params, matchOn, versionQ = cr, s, p, effective, requested
		break
	}
	if winner == nil {
		return nil, &NoMatchError{Method: req.Method, Path: path}
	}

	match := &RouteMatch{Service: svc, PathParams: params}

	if svc.Versioning.Enabled {
		v, ok := resolveVersion(svc, versionQ)
		if !ok {
			return nil, &VersionNotFoundError{ServiceID: svc.ID, Requested: versionQ}
		}
		match.Version = v.Version
		match.VersionConfig = &v

		if override := m.versionRule(v, byID, svc.ID, req, matchOn); override != nil {
			winner = override.rule
			match.PathParams = override.params
		}
	} else {
		match.Version = svc.Version
	}
	match.Rule = winner.rule.clone()

	forwarded := m.forwardPath(svc, matchOn)
	out := req.Clone()
	for _, ct := range winner.transforms {
		var err error
		forwarded, err = ct.apply(out, forwarded)
		if err != nil {
			m.logger.Warn("transformation skipped",
				"rule_id", winner.rule.ID,
				"type", ct.t.Type.String(),
				"action", ct.t.Action.String(),
				"error", err,
			)
		}
	}
	out.Path = forwarded
	match.TransformedPath = forwarded
	match.Request = out

	m.logger.Debug("route matched",
		"rule_id", winner.rule.ID,
		"service_id", svc.ID,
		"version", match.Version,
		"path", path,
		"forwarded_path", forwarded,
	)
	return match, nil
}

// Retarget binds an already matched request to another service, keeping the
// matched rule and the transformed request. The target's version is resolved
// from the forwarded request using the target's own versioning settings.
func (m *Matcher) Retarget(match *RouteMatch, serviceID string) (*RouteMatch, error) {
	svc, err := m.services.Service(serviceID)
	if err != nil {
		return nil, &UnknownServiceError{RuleID: match.Rule.ID, ServiceID: serviceID, Cause: err}
	}

	out := &RouteMatch{
		Service:         svc,
		Rule:            match.Rule.clone(),
		PathParams:      make(map[string]string, len(match.PathParams)),
		TransformedPath: match.TransformedPath,
		Request:         match.Request.Clone(),
	}
	for k, v := range match.PathParams {
		out.PathParams[k] = v
	}

	if svc.Versioning.Enabled {
		requested, path := requestedVersion(svc.Versioning, out.Request, out.TransformedPath)
		v, ok := resolveVersion(svc, requested)
		if !ok {
			return nil, &VersionNotFoundError{ServiceID: svc.ID, Requested: requested}
		}
		out.Version = v.Version
		out.VersionConfig = &v
		out.TransformedPath = path
		out.Request.Path = path
	} else {
		out.Version = svc.Version
	}
	return out, nil
}

type ruleOverride struct {
	rule   *compiledRule
	params map[string]string
}

// versionRule returns the best version-specific rule matching the request, if
// the resolved version declares any.
func (m *Matcher) versionRule(v registry.ServiceVersionConfig, byID map[string]*compiledRule, serviceID string, req *Request, path string) *ruleOverride {
	var best *ruleOverride
	for _, id := range v.RoutingRules {
		cr, ok := byID[id]
		if !ok || cr.rule.ServiceID != serviceID {
			continue
		}
		params, ok := cr.matches(req, path)
		if !ok {
			continue
		}
		if best == nil || cr.rule.Priority > best.rule.rule.Priority ||
			(cr.rule.Priority == best.rule.rule.Priority && cr.order < best.rule.order) {
			best = &ruleOverride{rule: cr, params: params}
		}
	}
	return best
}

// forwardPath strips the service prefix, prepends the rewrite prefix and then
// applies the service's path rewrite rules in declared order.
func (m *Matcher) forwardPath(svc *registry.ServiceConfig, path string) string {
	if prefix := strings.TrimRight(svc.Prefix, "/"); prefix != "" && hasPathPrefix(path, prefix) {
		rest := path[len(prefix):]
		path = normalizePath(strings.TrimRight(svc.RewritePrefix, "/") + normalizePath(rest))
	}

	for _, rule := range svc.PathRewriteRules {
		re, err := m.rewritePattern(rule.Pattern)
		if err != nil {
			m.logger.Warn("invalid path rewrite rule",
				"service_id", svc.ID,
				"rule_id", rule.ID,
				"error", err,
			)
			continue
		}
		path = re.ReplaceAllString(path, rule.Replacement)
	}
	return normalizePath(path)
}

func (m *Matcher) rewritePattern(pattern string) (*regexp.Regexp, error) {
	if v, ok := m.rewrites.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	m.rewrites.Store(pattern, re)
	return re, nil
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
