package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

const rulesFile = "rules.json"

// File persists rules and routes as JSON documents under a directory:
// rules.json holds the rule list and routes/<id>.json one route each.
type File struct {
	dir    string
	logger *util.Logger

	mu    sync.RWMutex
	rules ruleList
}

// NewFile opens (or creates) a file store rooted at dir
func NewFile(dir string, logger *util.Logger) (*File, error) {
	if dir == "" {
		return nil, util.NewConfigurationError("file store needs a directory", dir, nil)
	}
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	if err := os.MkdirAll(filepath.Join(dir, "routes"), 0755); err != nil {
		return nil, err
	}

	s := &File{dir: dir, logger: logger.WithScope("store")}
	if err := s.loadRules(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *File) routePath(id string) string {
	return filepath.Join(s.dir, "routes", id+".json")
}

// GetRoute reads a route from disk, or returns ErrNotFound
func (s *File) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readRoute(s.routePath(id), id)
}

func (s *File) readRoute(filename, id string) (*models.Route, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var route models.Route
	if err := util.UnmarshalJSON(data, &route); err != nil {
		return nil, fmt.Errorf("parse route file %s: %w", filename, err)
	}
	return &route, nil
}

// CreateRoute writes a new route file
func (s *File) CreateRoute(ctx context.Context, route *models.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.routePath(route.ID)); err == nil {
		return util.NewValidationError(fmt.Sprintf("route %s already exists", route.ID), route.ID)
	}
	return s.writeJSON(s.routePath(route.ID), route)
}

// SaveRoute overwrites a route file
func (s *File) SaveRoute(ctx context.Context, route *models.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.routePath(route.ID), route)
}

// ListRoutes reads every route file. Unreadable files are logged and skipped.
func (s *File) ListRoutes(ctx context.Context) ([]*models.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := os.ReadDir(filepath.Join(s.dir, "routes"))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Route{}, nil
		}
		return nil, err
	}

	routes := make([]*models.Route, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		filename := filepath.Join(s.dir, "routes", file.Name())
		route, err := s.readRoute(filename, file.Name())
		if err != nil {
			s.logger.Errorf("Failed to read route file %s: %v", filename, err)
			continue
		}
		routes = append(routes, route)
	}
	sortRoutes(routes)
	return routes, nil
}

// DeleteRoute removes a route file
func (s *File) DeleteRoute(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.routePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("route %s: %w", id, ErrNotFound)
		}
		return err
	}
	return nil
}

func (s *File) ListActiveRulesOrdered(ctx context.Context) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.activeOrdered()
}

func (s *File) ListRules(ctx context.Context) ([]models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.all()
}

func (s *File) GetRule(ctx context.Context, id string) (models.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules.get(id)
}

func (s *File) AddRule(ctx context.Context, rule models.Rule) error {
	return s.mutateRules(func(l *ruleList) error { return l.add(rule) })
}

func (s *File) UpdateRule(ctx context.Context, rule models.Rule) error {
	return s.mutateRules(func(l *ruleList) error { return l.update(rule) })
}

func (s *File) DeleteRule(ctx context.Context, id string) error {
	return s.mutateRules(func(l *ruleList) error { return l.delete(id) })
}

func (s *File) ReorderRules(ctx context.Context, ids []string) error {
	return s.mutateRules(func(l *ruleList) error { return l.reorder(ids) })
}

// Close is a no-op; every write is flushed immediately
func (s *File) Close() error { return nil }

func (s *File) mutateRules(fn func(*ruleList) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(&s.rules); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(s.dir, rulesFile), models.RuleList(s.rules.rules))
}

func (s *File) loadRules() error {
	filename := filepath.Join(s.dir, rulesFile)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var rules models.RuleList
	if err := json.Unmarshal(data, &rules); err != nil {
		return util.NewConfigurationError("cannot parse "+filename, filename, err)
	}
	s.rules.rules = rules
	s.logger.Infof("Loaded %d rules from %s", len(rules), filename)
	return nil
}

// writeJSON writes through a temporary file so readers never see a partial document
func (s *File) writeJSON(filename string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filename)
}
