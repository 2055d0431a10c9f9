package ledger

import (
	"fmt"
	"net"
	"strings"

	"github.com/zane-ops/zane/pkg/types"
)

// validateState checks the intra-service invariants of a merged state.
func validateState(s *types.Service) error {
	seenKeys := map[string]bool{}
	for _, v := range s.EnvVariables {
		key := strings.TrimSpace(v.Key)
		if key == "" {
			return types.InvalidChangef("env variable key cannot be empty")
		}
		if seenKeys[key] {
			return types.InvalidChangef("duplicate env variable %q", key)
		}
		seenKeys[key] = true
	}

	seenPaths := map[string]bool{}
	for _, v := range s.Volumes {
		if v.ContainerPath == "" {
			return types.InvalidChangef("volume container path cannot be empty")
		}
		if seenPaths[v.ContainerPath] {
			return types.InvalidChangef("two volumes mounted at %q", v.ContainerPath)
		}
		seenPaths[v.ContainerPath] = true
	}
	for _, c := range s.Configs {
		if c.MountPath == "" {
			return types.InvalidChangef("config mount path cannot be empty")
		}
		if seenPaths[c.MountPath] {
			return types.InvalidChangef("config and volume both mounted at %q", c.MountPath)
		}
		seenPaths[c.MountPath] = true
	}

	seenRoutes := map[string]bool{}
	for _, u := range s.URLs {
		if u.Domain == "" {
			return types.InvalidChangef("url domain cannot be empty")
		}
		key := u.Domain + u.BasePath
		if seenRoutes[key] {
			return types.InvalidChangef("duplicate route %s%s", u.Domain, u.BasePath)
		}
		seenRoutes[key] = true
		if !u.IsRedirect() && u.AssociatedPort <= 0 {
			return types.InvalidChangef("route %s%s has no associated port", u.Domain, u.BasePath)
		}
	}

	seenHostPorts := map[int]bool{}
	seenForwarded := map[int]bool{}
	for _, p := range s.Ports {
		if p.Forwarded <= 0 {
			return types.InvalidChangef("forwarded port must be positive")
		}
		if seenForwarded[p.Forwarded] {
			return types.InvalidChangef("port %d forwarded twice", p.Forwarded)
		}
		seenForwarded[p.Forwarded] = true
		if p.HostPort != nil {
			if seenHostPorts[*p.HostPort] {
				return types.InvalidChangef("host port %d mapped twice", *p.HostPort)
			}
			seenHostPorts[*p.HostPort] = true
		}
	}

	if hc := s.Healthcheck; hc != nil && hc.Type == types.HealthcheckHTTPPath {
		if !strings.HasPrefix(hc.Value, "/") {
			return types.InvalidChangef("http healthcheck path must start with /")
		}
		hasProxyURL := false
		for _, u := range s.URLs {
			if !u.IsRedirect() {
				hasProxyURL = true
				break
			}
		}
		hasHTTPPort := false
		for _, p := range s.Ports {
			if p.HostPort == nil {
				hasHTTPPort = true
				break
			}
		}
		if !hasProxyURL && !hasHTTPPort {
			return types.InvalidChangef(
				"an http healthcheck requires at least one url or a forwarded http port")
		}
	}

	return nil
}

// validateGlobal checks routes and host ports of the merged state against
// every other service in the system.
func (l *Ledger) validateGlobal(merged *types.Service) error {
	others, err := l.store.ListAllServices()
	if err != nil {
		return fmt.Errorf("failed to list services: %w", err)
	}

	for _, u := range merged.URLs {
		if l.cfg.IsDomainReserved(u.Domain) {
			return types.InvalidChangef("domain %q is reserved", u.Domain)
		}
		for _, other := range others {
			if other.ID == merged.ID {
				continue
			}
			for _, ou := range other.URLs {
				if ou.Domain == u.Domain && ou.BasePath == u.BasePath {
					return types.InvalidChangef("route %s%s already belongs to service %s",
						u.Domain, u.BasePath, other.Slug)
				}
				if domainsOverlap(u.Domain, ou.Domain) {
					return types.InvalidChangef("domain %s overlaps %s on service %s",
						u.Domain, ou.Domain, other.Slug)
				}
			}
		}
	}

	for _, p := range merged.Ports {
		if p.HostPort == nil {
			continue
		}
		for _, other := range others {
			if other.ID == merged.ID {
				continue
			}
			for _, op := range other.Ports {
				if op.HostPort != nil && *op.HostPort == *p.HostPort {
					return types.InvalidChangef("host port %d already belongs to service %s",
						*p.HostPort, other.Slug)
				}
			}
		}
		if !l.ownsHostPort(merged, *p.HostPort) {
			if err := l.probePort(*p.HostPort); err != nil {
				return types.InvalidChangef("host port %d is already bound: %s", *p.HostPort, err)
			}
		}
	}

	return nil
}

// ownsHostPort reports whether the applied service already publishes the
// port; re-binding an owned port must not trip the liveness probe.
func (l *Ledger) ownsHostPort(merged *types.Service, port int) bool {
	applied, err := l.store.GetService(merged.ID)
	if err != nil {
		return false
	}
	for _, p := range applied.Ports {
		if p.HostPort != nil && *p.HostPort == port {
			return true
		}
	}
	return false
}

// domainsOverlap reports whether one domain is a wildcard covering the
// other. Exact equality is handled by the (domain, base_path) check.
func domainsOverlap(a, b string) bool {
	return wildcardCovers(a, b) || wildcardCovers(b, a)
}

func wildcardCovers(pattern, domain string) bool {
	if !strings.HasPrefix(pattern, "*.") {
		return false
	}
	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(domain, suffix) {
		return false
	}
	// "*.example.com" covers "foo.example.com" but not "example.com" and
	// not another wildcard's literal form.
	return domain != suffix[1:]
}

// defaultProbePort tests whether a host port is free by briefly binding it.
func defaultProbePort(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return ln.Close()
}
