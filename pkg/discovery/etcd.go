package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	clientv3 "go.etcd.io/etcd/client/v3"

	"mercator-hq/meridian/pkg/registry"
)

// DefaultEtcdNamespace is the key prefix used when a query has no namespace.
const DefaultEtcdNamespace = "meridian"

// EtcdConfig configures an EtcdProvider.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Username    string
	Password    string
	Logger      *slog.Logger
}

// EtcdProvider reads endpoint documents stored under
// /<namespace>/<service>/<instance>. Each value is a JSON object:
//
//	{"url": "http://10.0.0.7:8080", "weight": 2, "tags": ["blue"], "metadata": {"zone": "a"}}
//
// "url" may be replaced by "address" and "port" (plus optional "scheme").
// Malformed documents are skipped.
type EtcdProvider struct {
	kv     clientv3.KV
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdProvider connects to the etcd cluster at cfg.Endpoints.
func NewEtcdProvider(cfg EtcdConfig) (*EtcdProvider, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	p := NewEtcdProviderFromKV(client, cfg.Logger)
	p.client = client
	return p, nil
}

// NewEtcdProviderFromKV creates a provider over an existing KV client.
func NewEtcdProviderFromKV(kv clientv3.KV, logger *slog.Logger) *EtcdProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdProvider{kv: kv, logger: logger.With("component", "discovery.etcd")}
}

// Name implements Provider.
func (p *EtcdProvider) Name() string { return "etcd" }

// Close releases the etcd connection when the provider owns it.
func (p *EtcdProvider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

// Discover implements Provider.
func (p *EtcdProvider) Discover(ctx context.Context, q Query) ([]registry.ServiceEndpoint, error) {
	ns := q.Namespace
	if ns == "" {
		ns = DefaultEtcdNamespace
	}
	prefix := path.Join("/", ns, q.Service) + "/"

	resp, err := p.kv.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, &ProviderError{Provider: p.Name(), Service: q.Service, Err: err}
	}

	eps := make([]registry.ServiceEndpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		ep, tags, err := parseEtcdEndpoint(kv.Value)
		if err != nil {
			p.logger.Warn("skipping malformed endpoint", "key", key, "error", err)
			continue
		}
		if !hasTags(tags, q.Tags) {
			continue
		}
		if ep.Metadata["id"] == "" {
			ep.Metadata["id"] = strings.TrimPrefix(key, prefix)
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		return nil, &ProviderError{Provider: p.Name(), Service: q.Service, Err: ErrNoEndpoints}
	}
	sortEndpoints(eps)
	return eps, nil
}

func parseEtcdEndpoint(value []byte) (registry.ServiceEndpoint, []string, error) {
	if !gjson.ValidBytes(value) {
		return registry.ServiceEndpoint{}, nil, fmt.Errorf("invalid JSON")
	}
	doc := gjson.ParseBytes(value)
	if !doc.IsObject() {
		return registry.ServiceEndpoint{}, nil, fmt.Errorf("not an object")
	}

	rawURL := doc.Get("url").String()
	if rawURL == "" {
		host := doc.Get("address").String()
		port := doc.Get("port").Int()
		if host == "" || port <= 0 {
			return registry.ServiceEndpoint{}, nil, fmt.Errorf("missing url or address/port")
		}
		scheme := doc.Get("scheme").String()
		if scheme == "" {
			scheme = "http"
		}
		rawURL = scheme + "://" + net.JoinHostPort(host, strconv.FormatInt(port, 10))
	}

	weight := 1
	if w := doc.Get("weight"); w.Exists() {
		weight = int(w.Int())
	}

	meta := make(map[string]string)
	doc.Get("metadata").ForEach(func(k, v gjson.Result) bool {
		meta[k.String()] = v.String()
		return true
	})

	var tags []string
	for _, t := range doc.Get("tags").Array() {
		tags = append(tags, t.String())
	}

	return registry.ServiceEndpoint{URL: rawURL, Weight: weight, Metadata: meta}, tags, nil
}
