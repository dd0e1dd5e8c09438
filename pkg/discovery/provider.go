// Package discovery feeds the registry with endpoints from external service
// catalogs.
//
// A Provider answers one question: which endpoints currently serve a service.
// The Poller asks it on every service's ServiceDiscoveryConfig.Interval and
// hands the answer to the registry. Failures are reported to the registry
// as discovery_error events and the last known endpoints stay in place.
//
// Shipped providers:
//
//   - "static": endpoints from configuration, useful for tests and fixed fleets
//   - "consul": passing entries of the Consul health catalog
//   - "etcd":   JSON endpoint documents under /<namespace>/<service>/
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"mercator-hq/meridian/pkg/registry"
)

var (
	// ErrUnknownProvider is reported when a service names a provider that is
	// not configured.
	ErrUnknownProvider = errors.New("unknown discovery provider")

	// ErrNoEndpoints is reported when a provider answers with an empty set.
	// The registry keeps the previous endpoints in that case.
	ErrNoEndpoints = errors.New("no endpoints discovered")
)

// Query identifies the endpoints to look up.
type Query struct {
	// Service is the catalog name of the service.
	Service string

	// Namespace scopes the lookup. Its meaning is provider specific.
	Namespace string

	// Tags must all be carried by a returned endpoint.
	Tags []string
}

// Provider looks up the endpoints of a service.
type Provider interface {
	// Name is the value used in ServiceDiscoveryConfig.Provider.
	Name() string

	// Discover returns the current endpoints for q.
	Discover(ctx context.Context, q Query) ([]registry.ServiceEndpoint, error)
}

// ProviderError wraps a failed lookup with the provider and service involved.
type ProviderError struct {
	Provider string
	Service  string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("discovery via %s for %q: %v", e.Provider, e.Service, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// hasTags reports whether have contains every tag in want.
func hasTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// sortEndpoints orders endpoints by URL so repeated lookups compare equal.
func sortEndpoints(eps []registry.ServiceEndpoint) {
	sort.Slice(eps, func(i, j int) bool {
		return strings.Compare(eps[i].URL, eps[j].URL) < 0
	})
}
