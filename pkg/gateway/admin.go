package gateway

import (
	"net/http"
	"sort"
	"strings"

	"mercator-hq/meridian/pkg/loadbalancer"
	"mercator-hq/meridian/pkg/registry"
	"mercator-hq/meridian/pkg/telemetry/metrics"
)

// AdminOptions configures the admin handler.
type AdminOptions struct {
	Readiness *Readiness
	Metrics   *metrics.Collector

	// MetricsPath is where the Prometheus endpoint is mounted. Default: /metrics
	MetricsPath string

	Balancer *loadbalancer.LoadBalancer
}

// ServiceView is the /services representation of one service.
type ServiceView struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Version   string                     `json:"version,omitempty"`
	Prefix    string                     `json:"prefix,omitempty"`
	Algorithm string                     `json:"algorithm"`
	Instances []registry.ServiceInstance `json:"instances"`
	Healthy   int                        `json:"healthy"`
	Discovery string                     `json:"discovery_error,omitempty"`
}

// NewAdminHandler returns the admin mux:
//
//	GET /health            liveness
//	GET /ready             readiness
//	GET /metrics           Prometheus exposition
//	GET /services          registered services and their instances
//	GET /services/{id}     one service
//	GET /balancer          load balancer counters
func NewAdminHandler(reg *registry.Registry, opts AdminOptions) http.Handler {
	if opts.Readiness == nil {
		opts.Readiness = NewReadiness(0)
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if !strings.HasPrefix(opts.MetricsPath, "/") {
		opts.MetricsPath = "/" + opts.MetricsPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", opts.Readiness.LivenessHandler())
	mux.HandleFunc("/ready", opts.Readiness.ReadinessHandler())
	if opts.Metrics != nil {
		mux.Handle("GET "+opts.MetricsPath, opts.Metrics.Handler())
	}

	mux.HandleFunc("GET /services", func(w http.ResponseWriter, r *http.Request) {
		services := reg.Services()
		sort.Slice(services, func(i, j int) bool { return services[i].ID < services[j].ID })
		views := make([]ServiceView, 0, len(services))
		for _, svc := range services {
			views = append(views, serviceView(reg, svc))
		}
		writeJSON(w, r, http.StatusOK, views)
	})
	mux.HandleFunc("GET /services/{id}", func(w http.ResponseWriter, r *http.Request) {
		svc, err := reg.Service(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusNotFound, "service_not_found", err.Error(), "")
			return
		}
		writeJSON(w, r, http.StatusOK, serviceView(reg, svc))
	})
	if opts.Balancer != nil {
		mux.HandleFunc("GET /balancer", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, r, http.StatusOK, opts.Balancer.Stats())
		})
	}
	return mux
}

func serviceView(reg *registry.Registry, svc *registry.ServiceConfig) ServiceView {
	view := ServiceView{
		ID:        svc.ID,
		Name:      svc.Name,
		Version:   svc.Version,
		Prefix:    svc.Prefix,
		Algorithm: algorithmLabel(svc.LoadBalancing),
	}
	instances, _ := reg.Instances(svc.ID)
	if instances == nil {
		instances = []registry.ServiceInstance{}
	}
	view.Instances = instances
	for _, inst := range instances {
		if inst.IsHealthy {
			view.Healthy++
		}
	}
	if err := reg.LastDiscoveryError(svc.ID); err != nil {
		view.Discovery = err.Error()
	}
	return view
}
