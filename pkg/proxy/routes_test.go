package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/types"
)

func route(id, host, path string) Route {
	return Route{
		ID:    id,
		Match: []Match{{Host: []string{host}, Path: []string{path}}},
	}
}

func TestRouteIDs(t *testing.T) {
	assert.Equal(t, "svc1-app.example-*", ServiceURLID("svc1", "app.example", "/"))
	assert.Equal(t, "svc1-app.example-api.v1", ServiceURLID("svc1", "app.example", "/api/v1/"))
	assert.Equal(t, "dpl_abc-preview.example", DeploymentURLID("dpl_abc", "preview.example"))
	assert.Equal(t, "st1-web-app.example-*", StackServiceURLID("st1", "web", "app.example", ""))
}

func TestSortRoutesBySpecificity(t *testing.T) {
	routes := []Route{
		route("catch", "a.example", "/*"),
		route("deep", "a.example", "/api/v1/users/*"),
		route("api", "a.example", "/api/*"),
	}
	SortRoutes(routes)

	ids := []string{routes[0].ID, routes[1].ID, routes[2].ID}
	assert.Equal(t, []string{"deep", "api", "catch"}, ids)
}

func TestSortRoutesGroupsHosts(t *testing.T) {
	routes := []Route{
		route("b", "b.example", "/*"),
		route("a", "a.example", "/*"),
		route("c", "c.example", "/*"),
	}
	SortRoutes(routes)

	assert.Equal(t, "a", routes[0].ID)
	assert.Equal(t, "b", routes[1].ID)
	assert.Equal(t, "c", routes[2].ID)
}

func TestSortRoutesPushesCatchAllsLast(t *testing.T) {
	routes := []Route{
		route(RouteID404, "", "/*"),
		route(RouteIDFrontCatchAll, "", "/*"),
		route("user", "zz.example", "/*"),
		route(RouteIDAPICatchAll, "", "/*"),
	}
	SortRoutes(routes)

	assert.Equal(t, RouteIDAPICatchAll, routes[1].ID)
	assert.Equal(t, RouteIDFrontCatchAll, routes[2].ID)
	assert.Equal(t, RouteID404, routes[3].ID)
}

func TestSortRoutesIsIdempotent(t *testing.T) {
	routes := []Route{
		route("c", "c.example", "/api/*"),
		route("a", "a.example", "/*"),
		route("b", "b.example", "/api/v2/*"),
		route(RouteID404, "", "/*"),
	}
	SortRoutes(routes)
	first := make([]string, len(routes))
	for i, r := range routes {
		first[i] = r.ID
	}

	SortRoutes(routes)
	second := make([]string, len(routes))
	for i, r := range routes {
		second[i] = r.ID
	}
	assert.Equal(t, first, second)
}

func TestBuildRouteReverseProxy(t *testing.T) {
	url := types.URL{
		Domain:         "app.example",
		BasePath:       "/",
		StripPrefix:    true,
		AssociatedPort: 80,
	}
	r, err := BuildRoute("svc1-app.example-*", url, RouteOptions{
		Upstream:       "my-app:80",
		DeploymentHash: "dpl_abc",
		DeploymentSlot: types.SlotBlue,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"app.example"}, r.Match[0].Host)
	assert.Equal(t, []string{"/*"}, r.Match[0].Path)
	assert.True(t, r.Terminal)

	// headers handler first, then encode, then reverse_proxy
	require.Len(t, r.Handle, 3)
	assert.Equal(t, "headers", r.Handle[0]["handler"])
	assert.Equal(t, "encode", r.Handle[1]["handler"])
	assert.Equal(t, "reverse_proxy", r.Handle[2]["handler"])
	assert.Equal(t, -1, r.Handle[2]["flush_interval"])
}

func TestBuildRouteStripPrefix(t *testing.T) {
	url := types.URL{
		Domain:         "app.example",
		BasePath:       "/api",
		StripPrefix:    true,
		AssociatedPort: 8080,
	}
	r, err := BuildRoute("id", url, RouteOptions{Upstream: "my-app:8080"})
	require.NoError(t, err)

	var rewrite Handler
	for _, h := range r.Handle {
		if h["handler"] == "rewrite" {
			rewrite = h
		}
	}
	require.NotNil(t, rewrite)
	assert.Equal(t, "/api", rewrite["strip_path_prefix"])
}

func TestBuildRouteRedirect(t *testing.T) {
	url := types.URL{
		Domain:   "old.example",
		BasePath: "/",
		RedirectTo: &types.Redirect{
			URL:       "https://new.example",
			Permanent: true,
		},
	}
	r, err := BuildRoute("id", url, RouteOptions{})
	require.NoError(t, err)

	last := r.Handle[len(r.Handle)-1]
	assert.Equal(t, "static_response", last["handler"])
	assert.Equal(t, "308", last["status_code"])

	temp := url
	temp.RedirectTo = &types.Redirect{URL: "https://new.example"}
	r, err = BuildRoute("id", temp, RouteOptions{})
	require.NoError(t, err)
	last = r.Handle[len(r.Handle)-1]
	assert.Equal(t, "307", last["status_code"])
}

func TestBuildRoutePreviewAuth(t *testing.T) {
	url := types.URL{Domain: "pr-42.example", BasePath: "/", AssociatedPort: 80}
	r, err := BuildRoute("id", url, RouteOptions{
		Upstream:    "my-app:80",
		PreviewAuth: &types.BasicAuth{Username: "zane", Password: "secret"},
	})
	require.NoError(t, err)

	assert.Equal(t, "authentication", r.Handle[1]["handler"])
}

func TestBuildRouteForwardAuth(t *testing.T) {
	url := types.URL{Domain: "dpl-abc.example", BasePath: "/", AssociatedPort: 80}
	r, err := BuildRoute("id", url, RouteOptions{
		Upstream:       "blue-my-app:80",
		ForwardAuthURL: "zane.front:3000",
	})
	require.NoError(t, err)

	last := r.Handle[len(r.Handle)-1]
	assert.Equal(t, "subroute", last["handler"])
}
