// Package store persists rules and cached routes.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// ErrNotFound is returned when a route or rule does not exist
var ErrNotFound = errors.New("not found")

// RouteStore holds the cache state: one record per route
type RouteStore interface {
	GetRoute(ctx context.Context, id string) (*models.Route, error)
	CreateRoute(ctx context.Context, route *models.Route) error
	SaveRoute(ctx context.Context, route *models.Route) error
	ListRoutes(ctx context.Context) ([]*models.Route, error)
	DeleteRoute(ctx context.Context, id string) error
}

// RuleStore holds the ordered rule set
type RuleStore interface {
	// ListActiveRulesOrdered returns active rules sorted by order, ties in
	// insertion order.
	ListActiveRulesOrdered(ctx context.Context) ([]models.Rule, error)
	ListRules(ctx context.Context) ([]models.Rule, error)
	GetRule(ctx context.Context, id string) (models.Rule, error)
	AddRule(ctx context.Context, rule models.Rule) error
	UpdateRule(ctx context.Context, rule models.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ReorderRules(ctx context.Context, ids []string) error
}

// Store is a complete backend
type Store interface {
	RouteStore
	RuleStore
	Close() error
}

// Options selects and configures a backend
type Options struct {
	Driver string // memory, file or redis
	Dir    string
	Redis  RedisOptions
}

// New creates the backend named by opts.Driver
func New(opts Options, logger *util.Logger) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return NewFile(opts.Dir, logger)
	case "redis":
		return NewRedis(opts.Redis, logger)
	default:
		return nil, util.NewConfigurationError(fmt.Sprintf("unknown store driver %q", opts.Driver), opts.Driver, nil)
	}
}

// Seed adds rules to an empty rule store. Existing rules are left alone.
func Seed(ctx context.Context, rules RuleStore, seed []models.Rule) error {
	existing, err := rules.ListRules(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, rule := range seed {
		if err := rules.AddRule(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

func cloneRoute(route *models.Route) (*models.Route, error) {
	var out models.Route
	if err := util.Clone(route, &out); err != nil {
		return nil, fmt.Errorf("copy route %s: %w", route.ID, err)
	}
	return &out, nil
}
