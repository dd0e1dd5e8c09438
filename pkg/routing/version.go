package routing

import (
	"strings"

	"mercator-hq/meridian/pkg/registry"
)

const (
	defaultVersionHeader = "Accept-Version"
	defaultVersionQuery  = "version"
	defaultVersionPrefix = "/v"
)

// requestedVersion reads the version asked for by the request. For the path
// strategy the version segment is also stripped from the returned path.
func requestedVersion(v registry.VersioningConfig, req *Request, path string) (string, string) {
	switch v.Strategy {
	case registry.VersionFromHeader:
		name := v.HeaderName
		if name == "" {
			name = defaultVersionHeader
		}
		return strings.TrimSpace(req.Headers.Get(name)), path
	case registry.VersionFromQuery:
		name := v.QueryParam
		if name == "" {
			name = defaultVersionQuery
		}
		return strings.TrimSpace(req.Query.Get(name)), path
	case registry.VersionFromPath:
		return versionFromPath(v.PathPrefix, path)
	}
	return "", path
}

// versionFromPath extracts "2" from "/v2/orders" for prefix "/v" and returns
// the remaining "/orders". The version must start with a digit so "/videos"
// is not read as version "ideos".
func versionFromPath(prefix, path string) (string, string) {
	if prefix == "" {
		prefix = defaultVersionPrefix
	}
	if !strings.HasPrefix(path, prefix) {
		return "", path
	}
	rest := path[len(prefix):]
	end := strings.IndexByte(rest, '/')
	if end < 0 {
		end = len(rest)
	}
	version := rest[:end]
	if version == "" || version[0] < '0' || version[0] > '9' {
		return "", path
	}
	return version, normalizePath(rest[end:])
}

// resolveVersion picks the service version serving this request. It returns
// ok=false when versioning is enabled but nothing resolves.
func resolveVersion(svc *registry.ServiceConfig, requested string) (registry.ServiceVersionConfig, bool) {
	if requested != "" {
		if v, ok := svc.FindVersion(requested); ok && v.IsActive {
			return v, true
		}
		if len(svc.Versions) == 0 && requested == svc.Version {
			return registry.ServiceVersionConfig{Version: svc.Version, IsDefault: true, IsActive: true}, true
		}
	}
	if v, ok := svc.DefaultVersion(); ok {
		return v, true
	}
	if len(svc.Versions) == 0 && svc.Version != "" {
		return registry.ServiceVersionConfig{Version: svc.Version, IsDefault: true, IsActive: true}, true
	}
	return registry.ServiceVersionConfig{}, false
}
