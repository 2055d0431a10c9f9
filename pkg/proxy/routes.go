// Package proxy mutates the live reverse-proxy configuration through its
// admin API, using optimistic concurrency on the routes document.
package proxy

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/zane-ops/zane/pkg/types"
)

// RootRoutesID addresses the ordered routes array in the proxy config.
const RootRoutesID = "zane-url-root/routes"

// Well-known trailing routes. They always sort after user routes so the
// catch-alls never shadow a service.
const (
	RouteIDAPICatchAll   = "zane-api-catchall"
	RouteIDFrontCatchAll = "zane-front-catchall"
	RouteID404           = "zane-global-404"
)

// Route is a proxy route object addressed by opaque @id.
type Route struct {
	ID       string    `json:"@id,omitempty"`
	Match    []Match   `json:"match,omitempty"`
	Handle   []Handler `json:"handle,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
}

// Match selects requests by host and path.
type Match struct {
	Host []string `json:"host,omitempty"`
	Path []string `json:"path,omitempty"`
}

// Handler is a proxy handler object. Kept schemaless: the proxy validates.
type Handler map[string]any

// ServiceURLID derives the route id of a service URL:
// <service_id>-<domain>-<normalised_base_path>.
func ServiceURLID(serviceID, domain, basePath string) string {
	return fmt.Sprintf("%s-%s-%s", serviceID, domain, normalisePath(basePath))
}

// DeploymentURLID derives the route id of a per-deployment preview URL.
func DeploymentURLID(deploymentHash, domain string) string {
	return fmt.Sprintf("%s-%s", deploymentHash, domain)
}

// RegistryURLID derives the route id of a build-registry URL.
func RegistryURLID(registryAlias string) string {
	return registryAlias
}

// StackServiceURLID derives the route id of a compose stack service URL.
func StackServiceURLID(stackID, serviceName, domain, basePath string) string {
	return fmt.Sprintf("%s-%s-%s-%s", stackID, serviceName, domain, normalisePath(basePath))
}

// normalisePath flattens a base path into an id segment; the empty or root
// path becomes "*".
func normalisePath(basePath string) string {
	p := strings.Trim(basePath, "/")
	if p == "" {
		return "*"
	}
	return strings.ReplaceAll(p, "/", ".")
}

// RouteOptions carries everything handler synthesis needs beyond the URL.
type RouteOptions struct {
	// Upstream is <network_alias>:<port> for proxy routes.
	Upstream string

	DeploymentHash string
	DeploymentSlot types.DeploymentSlot

	// Preview protection: basic-auth credentials of a preview environment.
	PreviewAuth *types.BasicAuth

	// ForwardAuthURL guards per-deployment routes behind the front end's
	// token check. Empty disables the wrapper.
	ForwardAuthURL string
}

// BuildRoute synthesises the proxy route for a URL.
func BuildRoute(id string, url types.URL, opts RouteOptions) (Route, error) {
	route := Route{
		ID: id,
		Match: []Match{{
			Host: []string{url.Domain},
			Path: []string{matchPath(url.BasePath)},
		}},
		Terminal: true,
	}

	var handlers []Handler

	// Response marker headers are always stamped.
	handlers = append(handlers, Handler{
		"handler": "headers",
		"response": map[string]any{
			"set": map[string][]string{
				"X-Zane-Request-Id": {"{http.request.uuid}"},
				"X-Zane-Dpl-Hash":   {opts.DeploymentHash},
				"X-Zane-Dpl-Slot":   {string(opts.DeploymentSlot)},
			},
		},
	})

	if opts.PreviewAuth != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.PreviewAuth.Password), bcrypt.DefaultCost)
		if err != nil {
			return Route{}, fmt.Errorf("failed to hash preview credentials: %w", err)
		}
		handlers = append(handlers, Handler{
			"handler": "authentication",
			"providers": map[string]any{
				"http_basic": map[string]any{
					"accounts": []map[string]string{{
						"username": opts.PreviewAuth.Username,
						"password": string(hash),
					}},
				},
			},
		})
	}

	if url.StripPrefix && strings.Trim(url.BasePath, "/") != "" {
		handlers = append(handlers, Handler{
			"handler":           "rewrite",
			"strip_path_prefix": "/" + strings.Trim(url.BasePath, "/"),
		})
	}

	if url.IsRedirect() {
		code := 307
		if url.RedirectTo.Permanent {
			code = 308
		}
		handlers = append(handlers, Handler{
			"handler":     "static_response",
			"status_code": fmt.Sprintf("%d", code),
			"headers": map[string][]string{
				"Location": {url.RedirectTo.URL + "{http.request.uri}"},
			},
		})
		route.Handle = handlers
		return route, nil
	}

	reverseProxy := Handler{
		"handler":        "reverse_proxy",
		"flush_interval": -1,
		"upstreams":      []map[string]string{{"dial": opts.Upstream}},
	}

	if opts.ForwardAuthURL != "" {
		// Per-deployment preview routes only forward when the front end
		// accepts the caller's token.
		handlers = append(handlers, forwardAuthHandler(opts.ForwardAuthURL, reverseProxy))
	} else {
		handlers = append(handlers, Handler{
			"handler":   "encode",
			"encodings": map[string]any{"gzip": map[string]any{}},
		}, reverseProxy)
	}

	route.Handle = handlers
	return route, nil
}

// forwardAuthHandler wraps the upstream handler in a subrequest to the auth
// endpoint; only a 2xx reply lets the request through.
func forwardAuthHandler(authURL string, upstream Handler) Handler {
	return Handler{
		"handler": "subroute",
		"routes": []map[string]any{
			{
				"handle": []any{
					Handler{
						"handler": "reverse_proxy",
						"upstreams": []map[string]string{
							{"dial": authURL},
						},
						"handle_response": []map[string]any{{
							"match": map[string]any{
								"status_code": []int{2},
							},
							"routes": []map[string]any{{
								"handle": []any{upstream},
							}},
						}},
					},
				},
			},
		},
	}
}

func matchPath(basePath string) string {
	p := strings.Trim(basePath, "/")
	if p == "" {
		return "/*"
	}
	return "/" + p + "/*"
}

// SortRoutes orders routes the way the proxy's own directive sort would, so
// the resulting behaviour is independent of write order. Primary key is
// path specificity, secondary is host, tertiary pushes the well-known
// catch-alls to the end.
func SortRoutes(routes []Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		return compareRoutes(routes[i], routes[j]) < 0
	})
}

func compareRoutes(a, b Route) int {
	if c := comparePaths(firstPath(a), firstPath(b)); c != 0 {
		return c
	}
	if c := strings.Compare(firstHost(a), firstHost(b)); c != 0 {
		return c
	}
	return customOrder(a.ID) - customOrder(b.ID)
}

// comparePaths returns <0 when a is more specific than b.
func comparePaths(a, b string) int {
	aPrefix := len(nonWildcardPrefix(a))
	bPrefix := len(nonWildcardPrefix(b))
	if aPrefix != bPrefix {
		return bPrefix - aPrefix // longer non-wildcard prefix first
	}

	aWild := strings.Contains(a, "*")
	bWild := strings.Contains(b, "*")
	if aWild != bWild {
		if aWild {
			return 1 // non-wildcard before wildcard
		}
		return -1
	}

	return len(b) - len(a) // longer total path first
}

func nonWildcardPrefix(path string) string {
	if i := strings.IndexByte(path, '*'); i >= 0 {
		return path[:i]
	}
	return path
}

func customOrder(id string) int {
	switch id {
	case RouteIDAPICatchAll:
		return 1
	case RouteIDFrontCatchAll:
		return 2
	case RouteID404:
		return 3
	default:
		return 0
	}
}

func firstPath(r Route) string {
	if len(r.Match) > 0 && len(r.Match[0].Path) > 0 {
		return r.Match[0].Path[0]
	}
	return "*"
}

func firstHost(r Route) string {
	if len(r.Match) > 0 && len(r.Match[0].Host) > 0 {
		return r.Match[0].Host[0]
	}
	return ""
}
