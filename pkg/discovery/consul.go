package discovery

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"

	"mercator-hq/meridian/pkg/registry"
)

// ConsulConfig configures a ConsulProvider.
type ConsulConfig struct {
	// Address is host:port of the Consul agent.
	Address    string
	Scheme     string
	Datacenter string
	Token      string

	// HTTPClient overrides the client used to talk to Consul.
	HTTPClient *http.Client
}

// ConsulProvider reads passing instances from the Consul health catalog.
//
// The endpoint weight is the catalog's passing weight unless the instance
// carries a "weight" meta entry. A "scheme" meta entry switches the URL
// scheme (default http).
type ConsulProvider struct {
	client *consulapi.Client
	dc     string
}

// NewConsulProvider creates a provider talking to the agent at cfg.Address.
func NewConsulProvider(cfg ConsulConfig) (*ConsulProvider, error) {
	cc := consulapi.DefaultConfig()
	if cfg.Address != "" {
		cc.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		cc.Scheme = cfg.Scheme
	}
	if cfg.Token != "" {
		cc.Token = cfg.Token
	}
	cc.Datacenter = cfg.Datacenter
	if cfg.HTTPClient != nil {
		cc.HttpClient = cfg.HTTPClient
	}

	client, err := consulapi.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &ConsulProvider{client: client, dc: cfg.Datacenter}, nil
}

// Name implements Provider.
func (p *ConsulProvider) Name() string { return "consul" }

// Discover implements Provider. Namespace maps to the Consul namespace.
func (p *ConsulProvider) Discover(ctx context.Context, q Query) ([]registry.ServiceEndpoint, error) {
	opts := (&consulapi.QueryOptions{
		Datacenter: p.dc,
		Namespace:  q.Namespace,
	}).WithContext(ctx)

	entries, _, err := p.client.Health().ServiceMultipleTags(q.Service, q.Tags, true, opts)
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Service: q.Service, Err: err}
	}

	// Most recently modified first, so duplicate addresses keep the newest meta.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Service.ModifyIndex > entries[j].Service.ModifyIndex
	})

	seen := make(map[string]bool, len(entries))
	eps := make([]registry.ServiceEndpoint, 0, len(entries))
	for _, e := range entries {
		ep, ok := consulEndpoint(e)
		if !ok || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Service: q.Service, Err: ErrNoEndpoints}
	}
	sortEndpoints(eps)
	return eps, nil
}

func consulEndpoint(e *consulapi.ServiceEntry) (registry.ServiceEndpoint, bool) {
	if e == nil || e.Service == nil {
		return registry.ServiceEndpoint{}, false
	}
	addr := e.Service.Address
	if addr == "" && e.Node != nil {
		addr = e.Node.Address
	}
	if addr == "" || e.Service.Port == 0 {
		return registry.ServiceEndpoint{}, false
	}

	scheme := "http"
	if s := e.Service.Meta["scheme"]; s == "https" {
		scheme = s
	}

	weight := e.Service.Weights.Passing
	if weight <= 0 {
		weight = 1
	}
	if w, err := strconv.Atoi(e.Service.Meta["weight"]); err == nil && w >= 0 {
		weight = w
	}

	meta := make(map[string]string, len(e.Service.Meta)+2)
	for k, v := range e.Service.Meta {
		meta[k] = v
	}
	meta["id"] = e.Service.ID
	if e.Node != nil {
		meta["node"] = e.Node.Node
	}

	return registry.ServiceEndpoint{
		URL:      scheme + "://" + net.JoinHostPort(addr, strconv.Itoa(e.Service.Port)),
		Weight:   weight,
		Metadata: meta,
	}, true
}
