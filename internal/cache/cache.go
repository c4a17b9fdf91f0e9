// Package cache keeps the responses observed for each route and decides
// when a stored response is replayed instead of contacting the upstream.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/devproxy/devproxy/internal/fingerprint"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

// Cache is the response cache. Every read-modify-write of a route record
// holds that route's mutex, so concurrent requests on one route never lose
// a hit or an appended response.
type Cache struct {
	routes store.RouteStore
	locks  *keyedMutex
	logger *util.Logger
	now    func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// Option configures a Cache
type Option func(*Cache)

// WithRandSource makes replay selection deterministic
func WithRandSource(src rand.Source) Option {
	return func(c *Cache) { c.rnd = rand.New(src) }
}

// WithClock overrides the time source used for timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache over a route store
func New(routes store.RouteStore, logger *util.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	c := &Cache{
		routes: routes,
		locks:  newKeyedMutex(),
		logger: logger.WithScope("cache"),
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RouteID is the fingerprint identifying a route
func RouteID(method, resolvedPath, hostname string) string {
	return fingerprint.Of(strings.ToUpper(method), resolvedPath, hostname)
}

// ResponseID is the content fingerprint of a captured response
func ResponseID(resp *models.Response) string {
	return fingerprint.Of(resp.Body, resp.Status, resp.Headers)
}

// GetOrCreateRoute returns the route for the triple, creating it with one
// hit when it does not exist yet. The boolean reports creation.
func (c *Cache) GetOrCreateRoute(ctx context.Context, method, resolvedPath, hostname string) (*models.Route, bool, error) {
	id := RouteID(method, resolvedPath, hostname)
	unlock := c.locks.Lock(id)
	defer unlock()

	route, err := c.routes.GetRoute(ctx, id)
	if err == nil {
		return route, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	now := c.now()
	route = &models.Route{
		ID:        id,
		Method:    strings.ToUpper(method),
		Path:      resolvedPath,
		Hostname:  hostname,
		Responses: []*models.Response{},
		Hits:      1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.routes.CreateRoute(ctx, route); err != nil {
		return nil, false, err
	}
	c.logger.Debugf("Created route %s %s%s (%s)", route.Method, hostname, resolvedPath, id)
	return route, true, nil
}

// FindLockedResponse picks a random locked response, or nil
func (c *Cache) FindLockedResponse(route *models.Route) *models.Response {
	locked := make([]*models.Response, 0, len(route.Responses))
	for _, resp := range route.Responses {
		if resp.IsLocked {
			locked = append(locked, resp)
		}
	}
	return c.pick(locked)
}

// FindRandomResponse picks a random response, or nil
func (c *Cache) FindRandomResponse(route *models.Route) *models.Response {
	return c.pick(route.Responses)
}

// Lookup is the cache decision: a random locked response if any exists,
// otherwise a random response when the route itself is locked, otherwise
// nil and the request goes upstream.
func (c *Cache) Lookup(route *models.Route) *models.Response {
	if resp := c.FindLockedResponse(route); resp != nil {
		return resp
	}
	if route.IsLocked {
		return c.FindRandomResponse(route)
	}
	return nil
}

func (c *Cache) pick(responses []*models.Response) *models.Response {
	if len(responses) == 0 {
		return nil
	}
	c.rndMu.Lock()
	i := c.rnd.Intn(len(responses))
	c.rndMu.Unlock()
	return responses[i]
}

// RecordResponse appends a captured response to the route, counts the hit
// and recomputes the lock flag. Identical responses are appended again
// rather than merged. The stored route is returned.
func (c *Cache) RecordResponse(ctx context.Context, route *models.Route, resp *models.Response) (*models.Route, error) {
	if resp.ResponseID == "" {
		resp.ResponseID = ResponseID(resp)
	}
	if resp.Count == 0 {
		resp.Count = 1
	}
	if resp.CapturedAt.IsZero() {
		resp.CapturedAt = c.now()
	}

	return c.update(ctx, route, func(current *models.Route) error {
		current.Responses = append(current.Responses, resp)
		current.Hits++
		return nil
	})
}

// Hit counts a request served from the cache
func (c *Cache) Hit(ctx context.Context, route *models.Route) (*models.Route, error) {
	return c.update(ctx, route, func(current *models.Route) error {
		current.Hits++
		return nil
	})
}

// update re-reads the route under its lock, applies fn and writes it back.
// A route deleted in the meantime is recreated from the caller's copy.
func (c *Cache) update(ctx context.Context, route *models.Route, fn func(*models.Route) error) (*models.Route, error) {
	unlock := c.locks.Lock(route.ID)
	defer unlock()

	current, err := c.routes.GetRoute(ctx, route.ID)
	if errors.Is(err, store.ErrNotFound) {
		current = route
	} else if err != nil {
		return nil, err
	}

	if err := fn(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = c.now()
	current.RecomputeLock()

	if err := c.routes.SaveRoute(ctx, current); err != nil {
		return nil, err
	}
	return current, nil
}

// ToggleResponseLock flips the lock on one response. When the response
// becomes locked, lockedBody (if not nil) is served instead of its body;
// unlocking clears the override.
func (c *Cache) ToggleResponseLock(ctx context.Context, routeID, responseID string, lockedBody interface{}) (*models.Route, error) {
	route, err := c.Route(ctx, routeID)
	if err != nil {
		return nil, err
	}
	return c.update(ctx, route, func(current *models.Route) error {
		resp := current.FindResponse(responseID)
		if resp == nil {
			return fmt.Errorf("response %s: %w", responseID, store.ErrNotFound)
		}
		resp.IsLocked = !resp.IsLocked
		if resp.IsLocked {
			resp.LockedBody = lockedBody
		} else {
			resp.LockedBody = nil
		}
		c.logger.Infof("Response %s on route %s locked=%t", responseID, routeID, resp.IsLocked)
		return nil
	})
}

// ToggleRouteLock flips the explicit lock flag of a route
func (c *Cache) ToggleRouteLock(ctx context.Context, routeID string) (*models.Route, error) {
	route, err := c.Route(ctx, routeID)
	if err != nil {
		return nil, err
	}
	return c.update(ctx, route, func(current *models.Route) error {
		current.ForceLocked = !current.ForceLocked
		c.logger.Infof("Route %s forceLocked=%t", routeID, current.ForceLocked)
		return nil
	})
}

// Routes lists every cached route
func (c *Cache) Routes(ctx context.Context) ([]*models.Route, error) {
	return c.routes.ListRoutes(ctx)
}

// Route returns one route, or an error wrapping store.ErrNotFound
func (c *Cache) Route(ctx context.Context, id string) (*models.Route, error) {
	return c.routes.GetRoute(ctx, id)
}

// DeleteRoute drops a route and its responses
func (c *Cache) DeleteRoute(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.routes.DeleteRoute(ctx, id)
}
