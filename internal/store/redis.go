package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// RedisOptions configures the redis backend
type RedisOptions struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// Redis stores each route as a JSON string under <prefix>route:<id>, the set
// of route ids under <prefix>routes, and the rule list under <prefix>rules.
type Redis struct {
	client *redis.Client
	prefix string
	logger *util.Logger

	// rule edits are read-modify-write on a single key
	rulesMu sync.Mutex
}

// NewRedis connects to redis and verifies the connection
func NewRedis(opts RedisOptions, logger *util.Logger) (*Redis, error) {
	if opts.Addr == "" {
		return nil, util.NewConfigurationError("redis store needs an address", opts.Addr, nil)
	}
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "devproxy:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}

	return &Redis{client: client, prefix: prefix, logger: logger.WithScope("store")}, nil
}

func (s *Redis) routeKey(id string) string { return s.prefix + "route:" + id }
func (s *Redis) routesKey() string         { return s.prefix + "routes" }
func (s *Redis) rulesKey() string          { return s.prefix + "rules" }

// GetRoute fetches a route, or returns ErrNotFound
func (s *Redis) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	val, err := s.client.Get(ctx, s.routeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
	} else if err != nil {
		return nil, err
	}

	var route models.Route
	if err := util.UnmarshalJSON(val, &route); err != nil {
		return nil, fmt.Errorf("parse route %s: %w", id, err)
	}
	return &route, nil
}

// CreateRoute stores a route only if its key is free
func (s *Redis) CreateRoute(ctx context.Context, route *models.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.routeKey(route.ID), data, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return util.NewValidationError(fmt.Sprintf("route %s already exists", route.ID), route.ID)
	}
	return s.client.SAdd(ctx, s.routesKey(), route.ID).Err()
}

// SaveRoute overwrites a route
func (s *Redis) SaveRoute(ctx context.Context, route *models.Route) error {
	data, err := json.Marshal(route)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.routeKey(route.ID), data, 0)
		pipe.SAdd(ctx, s.routesKey(), route.ID)
		return nil
	})
	return err
}

// ListRoutes returns every route, oldest first
func (s *Redis) ListRoutes(ctx context.Context) ([]*models.Route, error) {
	ids, err := s.client.SMembers(ctx, s.routesKey()).Result()
	if err != nil {
		return nil, err
	}

	routes := make([]*models.Route, 0, len(ids))
	for _, id := range ids {
		route, err := s.GetRoute(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Errorf("Failed to read route %s: %v", id, err)
			continue
		}
		routes = append(routes, route)
	}
	sortRoutes(routes)
	return routes, nil
}

// DeleteRoute removes a route
func (s *Redis) DeleteRoute(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, s.routeKey(id)).Result()
	if err != nil {
		return err
	}
	s.client.SRem(ctx, s.routesKey(), id)
	if n == 0 {
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Redis) loadRules(ctx context.Context) (*ruleList, error) {
	val, err := s.client.Get(ctx, s.rulesKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return &ruleList{}, nil
	} else if err != nil {
		return nil, err
	}

	var rules models.RuleList
	if err := json.Unmarshal(val, &rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	return &ruleList{rules: rules}, nil
}

func (s *Redis) mutateRules(ctx context.Context, fn func(*ruleList) error) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()

	list, err := s.loadRules(ctx)
	if err != nil {
		return err
	}
	if err := fn(list); err != nil {
		return err
	}
	data, err := json.Marshal(models.RuleList(list.rules))
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.rulesKey(), data, 0).Err()
}

func (s *Redis) ListActiveRulesOrdered(ctx context.Context) ([]models.Rule, error) {
	list, err := s.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	return list.activeOrdered()
}

func (s *Redis) ListRules(ctx context.Context) ([]models.Rule, error) {
	list, err := s.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	return list.all()
}

func (s *Redis) GetRule(ctx context.Context, id string) (models.Rule, error) {
	list, err := s.loadRules(ctx)
	if err != nil {
		return nil, err
	}
	return list.get(id)
}

func (s *Redis) AddRule(ctx context.Context, rule models.Rule) error {
	return s.mutateRules(ctx, func(l *ruleList) error { return l.add(rule) })
}

func (s *Redis) UpdateRule(ctx context.Context, rule models.Rule) error {
	return s.mutateRules(ctx, func(l *ruleList) error { return l.update(rule) })
}

func (s *Redis) DeleteRule(ctx context.Context, id string) error {
	return s.mutateRules(ctx, func(l *ruleList) error { return l.delete(id) })
}

func (s *Redis) ReorderRules(ctx context.Context, ids []string) error {
	return s.mutateRules(ctx, func(l *ruleList) error { return l.reorder(ids) })
}

// Close closes the redis client
func (s *Redis) Close() error {
	return s.client.Close()
}
