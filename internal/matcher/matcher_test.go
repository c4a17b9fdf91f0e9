package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/devproxy/internal/models"
)

func forward(id string, order int, pattern, target string, terminating bool) *models.ForwardingRule {
	return &models.ForwardingRule{
		RuleMeta: models.RuleMeta{
			ID:            id,
			Order:         order,
			IsActive:      true,
			IsTerminating: terminating,
			Method:        models.Methods{"*"},
			PathPattern:   pattern,
		},
		TargetURL: target,
	}
}

func TestResolveCaptureSubstitution(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{forward("a", 1, "/api/(.*)", "https://api.example.com/$1", true)}

	res := r.Resolve(rules, "GET", "/api/users")

	assert.Equal(t, "https://api.example.com/users", res.TargetURL)
	assert.Equal(t, "api.example.com", res.Hostname)
	assert.Equal(t, "/users", res.ResolvedPath)
	assert.True(t, res.Found())
	assert.Equal(t, "https://api.example.com/users", res.ForwardURL(""))
	assert.Equal(t, "https://api.example.com/users?page=2", res.ForwardURL("page=2"))
}

func TestResolveDomainInPathRule(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{forward("b", 1, "/([a-zA-Z0-9.-]+)(.*)", "https://$1$2", true)}

	res := r.Resolve(rules, "GET", "/api.example.com/users")

	assert.Equal(t, "https://api.example.com/users", res.TargetURL)
	assert.Equal(t, "api.example.com", res.Hostname)
	assert.Equal(t, "/users", res.ResolvedPath)
}

func TestResolveDomainFallback(t *testing.T) {
	r := NewResolver(nil)

	res := r.Resolve(nil, "GET", "/api.example.com/users")

	assert.Equal(t, "https://api.example.com", res.TargetURL)
	assert.Equal(t, "api.example.com", res.Hostname)
	assert.Equal(t, "/users", res.ResolvedPath)
	assert.True(t, res.Fallback)
	assert.Equal(t, "https://api.example.com/users?q=1", res.ForwardURL("q=1"))

	bare := r.Resolve(nil, "GET", "/api.example.com")
	assert.Equal(t, "/", bare.ResolvedPath)
}

func TestResolveNoRoute(t *testing.T) {
	r := NewResolver(nil)

	res := r.Resolve(nil, "GET", "/just/a/path")

	assert.Empty(t, res.TargetURL)
	assert.Empty(t, res.Hostname)
	assert.False(t, res.Found())
}

func TestTerminatingRuleIgnoresLaterRules(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("late", 5, "/api/(.*)", "https://late.test/$1", true),
		forward("first", 1, "/api/(.*)", "https://first.test/$1", true),
		forward("later", 9, "/api/.*", "https://later.test", false),
	}

	res := r.Resolve(rules, "GET", "/api/items")

	assert.Equal(t, "first", res.RuleID)
	assert.Equal(t, "https://first.test/items", res.TargetURL)
}

func TestLastNonTerminatingMatchWins(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("one", 1, "/api/.*", "https://one.test", false),
		forward("two", 2, "/api/.*", "https://two.test", false),
		forward("miss", 3, "/other/.*", "https://miss.test", true),
	}

	res := r.Resolve(rules, "GET", "/api/items")

	assert.Equal(t, "two", res.RuleID)
	assert.Equal(t, "two.test", res.Hostname)
	assert.Equal(t, "/api/items", res.ResolvedPath)
	assert.Equal(t, "https://two.test/api/items", res.ForwardURL(""))
}

func TestEqualOrderKeepsInsertionOrder(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("a", 1, "/x", "https://a.test", true),
		forward("b", 1, "/x", "https://b.test", true),
	}

	assert.Equal(t, "a", r.Resolve(rules, "GET", "/x").RuleID)
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("one", 1, "/svc/(.*)", "https://svc.test/$1", false),
		forward("two", 2, "/svc/v2/(.*)", "https://v2.test/$1", true),
	}

	first := r.Resolve(rules, "POST", "/svc/v2/orders")
	second := r.Resolve(rules, "POST", "/svc/v2/orders")

	assert.Equal(t, first, second)
	assert.Equal(t, "https://v2.test/orders", first.TargetURL)
}

func TestInactiveAndNonForwardingRulesAreSkipped(t *testing.T) {
	r := NewResolver(nil)
	inactive := forward("off", 1, "/api/(.*)", "https://off.test/$1", true)
	inactive.IsActive = false
	static := &models.StaticResponseRule{
		RuleMeta: models.RuleMeta{ID: "static", Order: 0, IsActive: true, IsTerminating: true, PathPattern: "/api/.*"},
		Status:   200,
	}
	rules := []models.Rule{inactive, static, forward("on", 2, "/api/(.*)", "https://on.test/$1", true)}

	res := r.Resolve(rules, "GET", "/api/a")

	assert.Equal(t, "on", res.RuleID)
}

func TestMethodConstraint(t *testing.T) {
	r := NewResolver(nil)
	getOnly := forward("get", 1, "/api/(.*)", "https://get.test/$1", true)
	getOnly.Method = models.Methods{"GET", "HEAD"}
	rules := []models.Rule{getOnly}

	assert.True(t, r.Resolve(rules, "head", "/api/a").Found())
	assert.False(t, r.Resolve(rules, "DELETE", "/api/a").Found())
}

func TestInvalidPatternIsSkipped(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("bad", 1, "/api/(unclosed", "https://bad.test", true),
		forward("good", 2, "/api/(.*)", "https://good.test/$1", true),
	}

	var res Resolution
	require.NotPanics(t, func() { res = r.Resolve(rules, "GET", "/api/x") })
	assert.Equal(t, "good", res.RuleID)
}

func TestInvalidTargetLeavesHostnameUnset(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{forward("bad", 1, "/api/(.*)", "not a url/$1", true)}

	res := r.Resolve(rules, "GET", "/api/x")

	assert.Equal(t, "bad", res.RuleID)
	assert.Empty(t, res.Hostname)
	assert.False(t, res.Found())
}

func TestTerminatingRuleWithInvalidTargetEndsResolution(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{
		forward("bad", 1, "/api/(.*)", "not a url/$1", true),
		forward("good", 2, "/api/(.*)", "https://api.example.com/$1", true),
	}

	res := r.Resolve(rules, "GET", "/api/x")

	assert.Equal(t, "bad", res.RuleID)
	assert.False(t, res.Found())

	rules[0] = forward("bad", 1, "/api/(.*)", "not a url/$1", false)
	res = r.Resolve(rules, "GET", "/api/x")

	assert.Equal(t, "good", res.RuleID)
	assert.Equal(t, "api.example.com", res.Hostname)
}

func TestGlobFallbackSubstitutesCaptures(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{forward("glob", 1, "/files/*/raw", "https://cdn.test/$1", true)}

	res := r.Resolve(rules, "GET", "/files/report.txt/raw")

	assert.Equal(t, "https://cdn.test/report.txt", res.TargetURL)
	assert.Equal(t, "/files/report.txt/raw", res.ResolvedPath)
}

func TestGlobWithoutPlaceholderAppendsPath(t *testing.T) {
	r := NewResolver(nil)
	rules := []models.Rule{forward("glob", 1, "/static/*", "https://cdn.test/", true)}

	res := r.Resolve(rules, "GET", "/static/app.js")

	assert.False(t, res.Substituted)
	assert.Equal(t, "https://cdn.test/static/app.js", res.ForwardURL(""))
}

func TestMatches(t *testing.T) {
	r := NewResolver(nil)
	rule := &models.StaticResponseRule{
		RuleMeta: models.RuleMeta{Method: models.Methods{"POST"}, PathPattern: "/login"},
	}

	assert.True(t, r.Matches(rule, "POST", "/login"))
	assert.False(t, r.Matches(rule, "GET", "/login"))
	assert.False(t, r.Matches(rule, "POST", "/logout"))
}
