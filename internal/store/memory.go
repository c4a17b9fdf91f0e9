package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// Memory keeps rules and routes in process memory. Values are copied on the
// way in and out so callers never share a record with the store.
type Memory struct {
	mu     sync.RWMutex
	routes map[string]*models.Route
	rules  ruleList
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		routes: make(map[string]*models.Route),
	}
}

// GetRoute returns a copy of the route, or ErrNotFound
func (m *Memory) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	route, exists := m.routes[id]
	if !exists {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return cloneRoute(route)
}

// CreateRoute stores a new route
func (m *Memory) CreateRoute(ctx context.Context, route *models.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.routes[route.ID]; exists {
		return util.NewValidationError(fmt.Sprintf("route %s already exists", route.ID), route.ID)
	}
	c, err := cloneRoute(route)
	if err != nil {
		return err
	}
	m.routes[route.ID] = c
	return nil
}

// SaveRoute replaces a route record
func (m *Memory) SaveRoute(ctx context.Context, route *models.Route) error {
	c, err := cloneRoute(route)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.routes[route.ID] = c
	return nil
}

// ListRoutes returns every route, oldest first
func (m *Memory) ListRoutes(ctx context.Context) ([]*models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	routes := make([]*models.Route, 0, len(m.routes))
	for _, route := range m.routes {
		c, err := cloneRoute(route)
		if err != nil {
			return nil, err
		}
		routes = append(routes, c)
	}
	sortRoutes(routes)
	return routes, nil
}

// DeleteRoute removes a route
func (m *Memory) DeleteRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.routes[id]; !exists {
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	delete(m.routes, id)
	return nil
}

func (m *Memory) ListActiveRulesOrdered(ctx context.Context) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.activeOrdered()
}

func (m *Memory) ListRules(ctx context.Context) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.all()
}

func (m *Memory) GetRule(ctx context.Context, id string) (models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules.get(id)
}

func (m *Memory) AddRule(ctx context.Context, rule models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules.add(rule)
}

func (m *Memory) UpdateRule(ctx context.Context, rule models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules.update(rule)
}

func (m *Memory) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules.delete(id)
}

func (m *Memory) ReorderRules(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules.reorder(ids)
}

// Close is a no-op
func (m *Memory) Close() error { return nil }

func sortRoutes(routes []*models.Route) {
	sort.SliceStable(routes, func(i, j int) bool {
		if routes[i].CreatedAt.Equal(routes[j].CreatedAt) {
			return routes[i].ID < routes[j].ID
		}
		return routes[i].CreatedAt.Before(routes[j].CreatedAt)
	})
}
