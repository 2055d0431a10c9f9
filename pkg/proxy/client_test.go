package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane-ops/zane/pkg/types"
)

// fakeAdmin simulates the proxy admin API's ETag-conditional routes
// document.
type fakeAdmin struct {
	mu       sync.Mutex
	routes   []Route
	revision int
	// conflicts injects N 412 responses before accepting a PATCH.
	conflicts int
	patches   int
}

func (f *fakeAdmin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/id/"+RootRoutesID, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.Method {
		case http.MethodGet:
			w.Header().Set("Etag", fmt.Sprintf("%q", fmt.Sprint(f.revision)))
			json.NewEncoder(w).Encode(f.routes)
		case http.MethodPatch:
			f.patches++
			if f.conflicts > 0 {
				f.conflicts--
				f.revision++
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			want := fmt.Sprintf("%q", fmt.Sprint(f.revision))
			if got := r.Header.Get("If-Match"); got != want {
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			var routes []Route
			if err := json.NewDecoder(r.Body).Decode(&routes); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.routes = routes
			f.revision++
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	return mux
}

func newFakeAdmin(t *testing.T) (*fakeAdmin, *Client) {
	admin := &fakeAdmin{}
	srv := httptest.NewServer(admin.handler())
	t.Cleanup(srv.Close)
	return admin, NewClient(srv.URL)
}

func TestUpsertRouteInsertsSorted(t *testing.T) {
	admin, client := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertRoute(ctx, route("b", "b.example", "/*")))
	require.NoError(t, client.UpsertRoute(ctx, route("deep", "b.example", "/api/*")))

	assert.Equal(t, "deep", admin.routes[0].ID)
	assert.Equal(t, "b", admin.routes[1].ID)
}

func TestUpsertRouteIsIdempotent(t *testing.T) {
	admin, client := newFakeAdmin(t)
	ctx := context.Background()

	r := route("svc1-a.example-*", "a.example", "/*")
	require.NoError(t, client.UpsertRoute(ctx, r))
	patchesAfterFirst := admin.patches

	// Same payload again: document untouched, no write issued.
	require.NoError(t, client.UpsertRoute(ctx, r))
	assert.Equal(t, patchesAfterFirst, admin.patches)
	assert.Len(t, admin.routes, 1)
}

func TestUpsertRouteReplacesByID(t *testing.T) {
	admin, client := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertRoute(ctx, route("id1", "a.example", "/*")))
	updated := route("id1", "a.example", "/*")
	updated.Handle = []Handler{{"handler": "reverse_proxy"}}
	require.NoError(t, client.UpsertRoute(ctx, updated))

	require.Len(t, admin.routes, 1)
	assert.Len(t, admin.routes[0].Handle, 1)
}

func TestRemoveRoute(t *testing.T) {
	admin, client := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertRoute(ctx, route("id1", "a.example", "/*")))
	require.NoError(t, client.RemoveRoute(ctx, "id1"))
	assert.Empty(t, admin.routes)

	// Absent id is a no-op, not an error.
	require.NoError(t, client.RemoveRoute(ctx, "id1"))
}

func TestRemoveRoutesByPrefix(t *testing.T) {
	admin, client := newFakeAdmin(t)
	ctx := context.Background()

	require.NoError(t, client.UpsertRoute(ctx, route("dpl_abc-a.example", "a.example", "/*")))
	require.NoError(t, client.UpsertRoute(ctx, route("dpl_abc-b.example", "b.example", "/*")))
	require.NoError(t, client.UpsertRoute(ctx, route("svc1-a.example-*", "a.example", "/*")))

	require.NoError(t, client.RemoveRoutesByPrefix(ctx, "dpl_abc"))
	require.Len(t, admin.routes, 1)
	assert.Equal(t, "svc1-a.example-*", admin.routes[0].ID)
}

func TestETagConflictRetries(t *testing.T) {
	admin, client := newFakeAdmin(t)
	admin.conflicts = 2 // two 412s, then success

	err := client.UpsertRoute(context.Background(), route("id1", "a.example", "/*"))
	require.NoError(t, err)
	assert.Len(t, admin.routes, 1)
}

func TestETagConflictExhausted(t *testing.T) {
	admin, client := newFakeAdmin(t)
	admin.conflicts = 10

	err := client.UpsertRoute(context.Background(), route("id1", "a.example", "/*"))
	assert.ErrorIs(t, err, types.ErrETagConflict)
}
