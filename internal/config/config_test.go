package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devproxy/devproxy/internal/models"
)

const sample = `
proxy:
  listen: ":9000"
admin:
  listen: "127.0.0.1:9001"
  localOnly: true
store:
  driver: file
  dir: data
upstream:
  timeout: 5s
logging:
  level: debug
  format: json
rules:
  - type: forwarding
    id: api
    order: 1
    isActive: true
    method: "*"
    pathPattern: /api/(.*)
    targetUrl: https://api.example.com/$1
  - type: static
    id: health
    order: 2
    isActive: true
    method: [GET, HEAD]
    pathPattern: /health
    status: 200
    body:
      ok: true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeFile(t, "devproxy.yaml", sample)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":9000", cfg.Proxy.Listen)
	assert.Equal(t, "127.0.0.1:9001", cfg.Admin.Listen)
	assert.True(t, cfg.Admin.LocalOnly)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 64, cfg.Events.BufferSize)
	assert.Equal(t, 500, cfg.Events.HistorySize)

	opts := cfg.StoreOptions()
	assert.Equal(t, "file", opts.Driver)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), opts.Dir)
}

func TestSeedRulesDecodesEveryKind(t *testing.T) {
	cfg, err := Load(writeFile(t, "devproxy.yaml", sample))
	require.NoError(t, err)

	rules, err := cfg.SeedRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)

	fwd, ok := rules[0].(*models.ForwardingRule)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.com/$1", fwd.TargetURL)

	static, ok := rules[1].(*models.StaticResponseRule)
	require.True(t, ok)
	assert.Equal(t, models.Methods{"GET", "HEAD"}, static.Method)
	assert.Equal(t, map[string]interface{}{"ok": true}, static.Body)
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.Proxy.Listen = "nope"
	cfg.Store.Driver = "redis"
	cfg.Upstream.Timeout = 0
	cfg.Logging.Format = "xml"
	cfg.Rules = []map[string]interface{}{
		{"type": "forwarding", "id": "a", "pathPattern": "/(", "targetUrl": "ftp://x"},
		{"type": "mystery", "id": "b"},
	}

	err := cfg.Validate()

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Problems, "store.redis.addr required when store.driver is redis")
	assert.Contains(t, verr.Problems, "upstream.timeout must be > 0")
	assert.Contains(t, verr.Problems, "logging.format must be text|json")
	assert.GreaterOrEqual(t, len(verr.Problems), 5)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestSaveRoundTripsRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.yaml")
	rules := []models.Rule{
		&models.ForwardingRule{
			RuleMeta:  models.RuleMeta{ID: "api", Order: 1, IsActive: true, PathPattern: "/api/(.*)"},
			TargetURL: "https://api.example.com/$1",
		},
		&models.ResponseModifierRule{
			RuleMeta: models.RuleMeta{ID: "slow", Order: 2, IsActive: true, PathPattern: "/api/.*"},
			DelayMs:  250,
		},
	}

	require.NoError(t, Save(path, Default(), rules))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)

	loaded, err := cfg.SeedRules()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, models.KindForwarding, loaded[0].Kind())
	assert.Equal(t, 250, loaded[1].(*models.ResponseModifierRule).DelayMs)
}

func TestParseRCFile(t *testing.T) {
	path := writeFile(t, RCFileName, `
# defaults for this checkout
--port 9000
log-level debug
localOnly
`)

	values, err := ParseRCFile(path)
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"port":      "9000",
		"log-level": "debug",
		"localOnly": "true",
	}, values)
}
