package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/types"
)

const etagRetries = 3

// Configurator is the surface the orchestrator and archiver use to mutate
// proxy routes.
type Configurator interface {
	UpsertRoute(ctx context.Context, route Route) error
	RemoveRoute(ctx context.Context, id string) error
	RemoveRoutesByPrefix(ctx context.Context, prefix string) error
	GetRoutes(ctx context.Context) ([]Route, error)
}

// Client talks to the proxy admin API. All writes read the current routes
// document with its ETag and PATCH it back conditionally; a 412 means a
// concurrent writer won and the operation retries from a fresh read.
type Client struct {
	adminURL string
	http     *http.Client
	logger   zerolog.Logger
}

// NewClient creates a configurator for the admin API at adminURL.
func NewClient(adminURL string) *Client {
	return &Client{
		adminURL: strings.TrimRight(adminURL, "/"),
		http:     &http.Client{Timeout: 5 * time.Second},
		logger:   log.WithComponent("proxy"),
	}
}

// GetRoutes fetches the current routes document.
func (c *Client) GetRoutes(ctx context.Context) ([]Route, error) {
	routes, _, err := c.fetch(ctx)
	return routes, err
}

// UpsertRoute inserts or replaces the route with the same @id, keeping the
// document sorted.
func (c *Client) UpsertRoute(ctx context.Context, route Route) error {
	return c.mutate(ctx, func(routes []Route) ([]Route, bool) {
		for i, existing := range routes {
			if existing.ID == route.ID {
				if routesEqual(existing, route) {
					return routes, false
				}
				routes[i] = route
				return routes, true
			}
		}
		return append(routes, route), true
	})
}

// RemoveRoute deletes the route with the given id. Removing a route that is
// already absent is a no-op.
func (c *Client) RemoveRoute(ctx context.Context, id string) error {
	return c.mutate(ctx, func(routes []Route) ([]Route, bool) {
		for i, existing := range routes {
			if existing.ID == id {
				return append(routes[:i], routes[i+1:]...), true
			}
		}
		return routes, false
	})
}

// RemoveRoutesByPrefix deletes every route whose id starts with prefix.
// Used to clear a deployment's preview routes by hash.
func (c *Client) RemoveRoutesByPrefix(ctx context.Context, prefix string) error {
	return c.mutate(ctx, func(routes []Route) ([]Route, bool) {
		kept := routes[:0]
		changed := false
		for _, existing := range routes {
			if strings.HasPrefix(existing.ID, prefix) {
				changed = true
				continue
			}
			kept = append(kept, existing)
		}
		return kept, changed
	})
}

// mutate runs the read-modify-write loop with ETag preconditions.
func (c *Client) mutate(ctx context.Context, fn func([]Route) ([]Route, bool)) error {
	for attempt := 0; attempt < etagRetries; attempt++ {
		routes, etag, err := c.fetch(ctx)
		if err != nil {
			return err
		}

		updated, changed := fn(routes)
		if !changed {
			return nil
		}
		SortRoutes(updated)

		conflict, err := c.patch(ctx, updated, etag)
		if err != nil {
			return err
		}
		if !conflict {
			return nil
		}
		c.logger.Debug().
			Int("attempt", attempt+1).
			Msg("etag precondition failed, retrying")
	}
	return fmt.Errorf("%w: proxy routes document changed %d times concurrently",
		types.ErrETagConflict, etagRetries)
}

func (c *Client) fetch(ctx context.Context) ([]Route, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.adminURL+"/id/"+RootRoutesID, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read proxy routes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("proxy admin returned %d: %s", resp.StatusCode, body)
	}

	var routes []Route
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		return nil, "", fmt.Errorf("failed to decode proxy routes: %w", err)
	}
	return routes, resp.Header.Get("Etag"), nil
}

// patch writes the document back; reports whether the precondition failed.
func (c *Client) patch(ctx context.Context, routes []Route, etag string) (bool, error) {
	body, err := json.Marshal(routes)
	if err != nil {
		return false, fmt.Errorf("failed to encode proxy routes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.adminURL+"/id/"+RootRoutesID, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to write proxy routes: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPreconditionFailed:
		return true, nil
	case resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("proxy admin returned %d: %s", resp.StatusCode, respBody)
	}
	return false, nil
}

func routesEqual(a, b Route) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
