package discovery

import (
	"context"
	"strings"
	"sync"

	"mercator-hq/meridian/pkg/registry"
)

// StaticProvider serves endpoints held in memory. Set can replace them at
// any time, e.g. after a configuration reload.
type StaticProvider struct {
	mu        sync.RWMutex
	endpoints map[string][]registry.ServiceEndpoint
}

// NewStaticProvider creates a provider over endpoints keyed by service name.
func NewStaticProvider(endpoints map[string][]registry.ServiceEndpoint) *StaticProvider {
	p := &StaticProvider{endpoints: make(map[string][]registry.ServiceEndpoint)}
	p.Replace(endpoints)
	return p
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return "static" }

// Set replaces the endpoints of one service.
func (p *StaticProvider) Set(service string, endpoints []registry.ServiceEndpoint) {
	cp := append([]registry.ServiceEndpoint(nil), endpoints...)
	p.mu.Lock()
	p.endpoints[service] = cp
	p.mu.Unlock()
}

// Replace swaps the whole endpoint table.
func (p *StaticProvider) Replace(endpoints map[string][]registry.ServiceEndpoint) {
	table := make(map[string][]registry.ServiceEndpoint, len(endpoints))
	for svc, eps := range endpoints {
		table[svc] = append([]registry.ServiceEndpoint(nil), eps...)
	}
	p.mu.Lock()
	p.endpoints = table
	p.mu.Unlock()
}

// Discover implements Provider. Tags are matched against the comma separated
// "tags" metadata entry.
func (p *StaticProvider) Discover(_ context.Context, q Query) ([]registry.ServiceEndpoint, error) {
	p.mu.RLock()
	eps := p.endpoints[q.Service]
	p.mu.RUnlock()

	out := make([]registry.ServiceEndpoint, 0, len(eps))
	for _, ep := range eps {
		if !hasTags(splitTags(ep.Metadata["tags"]), q.Tags) {
			continue
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Service: q.Service, Err: ErrNoEndpoints}
	}
	sortEndpoints(out)
	return out, nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
