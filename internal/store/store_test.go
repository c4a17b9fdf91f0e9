package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	file, err := NewFile(t.TempDir(), util.NewDiscardLogger())
	require.NoError(t, err)

	out := map[string]Store{
		"memory": NewMemory(),
		"file":   file,
	}

	if addr := os.Getenv("DEVPROXY_REDIS_ADDR"); addr != "" {
		r, err := NewRedis(RedisOptions{Addr: addr, Prefix: "devproxy-test:" + uuid.NewString() + ":"}, nil)
		require.NoError(t, err)
		out["redis"] = r
	}

	t.Cleanup(func() {
		for _, s := range out {
			s.Close()
		}
	})
	return out
}

func rule(id string, order int, active bool) models.Rule {
	return &models.ForwardingRule{
		RuleMeta: models.RuleMeta{
			ID:          id,
			Order:       order,
			IsActive:    active,
			PathPattern: "/" + id + "/(.*)",
		},
		TargetURL: "https://" + id + ".test/$1",
	}
}

func ids(rules []models.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Meta().ID)
	}
	return out
}

func TestRouteLifecycle(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetRoute(ctx, "missing")
			assert.True(t, errors.Is(err, ErrNotFound))

			route := &models.Route{ID: "r1", Method: "GET", Path: "/users", Hostname: "api.test", Hits: 1, CreatedAt: time.Now()}
			require.NoError(t, s.CreateRoute(ctx, route))
			assert.Error(t, s.CreateRoute(ctx, route))

			got, err := s.GetRoute(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "/users", got.Path)

			got.Hits = 7
			got.Responses = append(got.Responses, &models.Response{ResponseID: "x", Status: 200, Count: 1})
			require.NoError(t, s.SaveRoute(ctx, got))

			again, err := s.GetRoute(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 7, again.Hits)
			require.Len(t, again.Responses, 1)

			routes, err := s.ListRoutes(ctx)
			require.NoError(t, err)
			assert.Len(t, routes, 1)

			require.NoError(t, s.DeleteRoute(ctx, "r1"))
			assert.True(t, errors.Is(s.DeleteRoute(ctx, "r1"), ErrNotFound))
		})
	}
}

func TestRoutesKeepNumbersAndHeaderValues(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			route := &models.Route{ID: "big", Method: "GET", Path: "/orders", Hostname: "api.test", Hits: 1}
			route.Responses = []*models.Response{{
				ResponseID: "r",
				Status:     200,
				Headers:    map[string][]string{"set-cookie": {"a=1", "b=2"}},
				Body:       map[string]interface{}{"id": json.Number("12345678901234567891")},
			}}
			require.NoError(t, s.CreateRoute(ctx, route))

			got, err := s.GetRoute(ctx, "big")
			require.NoError(t, err)
			body, err := json.Marshal(got.Responses[0].Body)
			require.NoError(t, err)
			assert.Equal(t, `{"id":12345678901234567891}`, string(body))
			assert.Equal(t, []string{"a=1", "b=2"}, got.Responses[0].Headers["set-cookie"])
		})
	}
}

func TestReturnedRoutesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateRoute(ctx, &models.Route{ID: "r", Hits: 1}))
	got, err := s.GetRoute(ctx, "r")
	require.NoError(t, err)
	got.Hits = 99

	again, err := s.GetRoute(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Hits)
}

func TestRuleOrderingAndActivity(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.AddRule(ctx, rule("c", 3, true)))
			require.NoError(t, s.AddRule(ctx, rule("a", 1, true)))
			require.NoError(t, s.AddRule(ctx, rule("off", 2, false)))
			require.NoError(t, s.AddRule(ctx, rule("tie", 1, true)))

			active, err := s.ListActiveRulesOrdered(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "tie", "c"}, ids(active))

			all, err := s.ListRules(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 4)

			require.NoError(t, s.ReorderRules(ctx, []string{"c", "tie"}))
			active, err = s.ListActiveRulesOrdered(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"c", "tie", "a"}, ids(active))

			assert.True(t, errors.Is(s.ReorderRules(ctx, []string{"nope"}), ErrNotFound))
		})
	}
}

func TestRuleCrud(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			fresh := &models.StaticResponseRule{RuleMeta: models.RuleMeta{IsActive: true, PathPattern: "/ping"}, Status: 204}
			require.NoError(t, s.AddRule(ctx, fresh))
			require.NotEmpty(t, fresh.ID)
			assert.Equal(t, 1, fresh.Order)

			got, err := s.GetRule(ctx, fresh.ID)
			require.NoError(t, err)
			static, ok := got.(*models.StaticResponseRule)
			require.True(t, ok)
			assert.Equal(t, 204, static.Status)

			static.Status = 202
			require.NoError(t, s.UpdateRule(ctx, static))
			got, err = s.GetRule(ctx, fresh.ID)
			require.NoError(t, err)
			assert.Equal(t, 202, got.(*models.StaticResponseRule).Status)

			assert.Error(t, s.AddRule(ctx, static))

			require.NoError(t, s.DeleteRule(ctx, fresh.ID))
			_, err = s.GetRule(ctx, fresh.ID)
			assert.True(t, errors.Is(err, ErrNotFound))
			assert.True(t, errors.Is(s.UpdateRule(ctx, static), ErrNotFound))
		})
	}
}

func TestFileStoreReloadsRules(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFile(dir, nil)
	require.NoError(t, err)
	require.NoError(t, first.AddRule(ctx, rule("kept", 1, true)))

	second, err := NewFile(dir, nil)
	require.NoError(t, err)
	rules, err := second.ListRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, ids(rules))
}

func TestSeedOnlyFillsEmptyStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, Seed(ctx, s, []models.Rule{rule("one", 1, true)}))
	require.NoError(t, Seed(ctx, s, []models.Rule{rule("two", 1, true)}))

	rules, err := s.ListRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"one"}, ids(rules))
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(Options{Driver: "etcd"}, nil)
	assert.True(t, util.IsType(err, util.ConfigurationError))
}
