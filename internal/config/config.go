package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/store"
)

// Config represents the structure of the configuration file
type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy" json:"proxy"`
	Admin    AdminConfig    `yaml:"admin" json:"admin"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Events   EventsConfig   `yaml:"events" json:"events"`

	// Rules seed an empty rule store, in the JSON rule shape
	Rules []map[string]interface{} `yaml:"rules,omitempty" json:"rules,omitempty"`

	baseDir string
}

type ProxyConfig struct {
	Listen string    `yaml:"listen" json:"listen"`
	TLS    TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSConfig serves the proxy listener over HTTPS when both files are set
type TLSConfig struct {
	CertFile string `yaml:"certFile,omitempty" json:"certFile,omitempty"`
	KeyFile  string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`
}

// Enabled reports whether a certificate is configured
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

type AdminConfig struct {
	Listen      string   `yaml:"listen" json:"listen"`
	Origins     []string `yaml:"origins,omitempty" json:"origins,omitempty"`
	IPWhitelist []string `yaml:"ipWhitelist,omitempty" json:"ipWhitelist,omitempty"`
	LocalOnly   bool     `yaml:"localOnly,omitempty" json:"localOnly,omitempty"`
}

type StoreConfig struct {
	Driver string             `yaml:"driver" json:"driver"`
	Dir    string             `yaml:"dir,omitempty" json:"dir,omitempty"`
	Redis  store.RedisOptions `yaml:"redis,omitempty" json:"redis,omitempty"`
}

type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

type EventsConfig struct {
	BufferSize  int `yaml:"bufferSize" json:"bufferSize"`
	HistorySize int `yaml:"historySize" json:"historySize"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{Listen: ":8080"},
		Admin: AdminConfig{Listen: ":8081"},
		Store: StoreConfig{Driver: "memory", Dir: ".devproxy"},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Events:  EventsConfig{BufferSize: 64, HistorySize: 500},
	}
}

// Load reads a YAML configuration file over the defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(absPath)

	return cfg, nil
}

// Save writes the configuration, with rules replacing cfg.Rules, as YAML
func Save(path string, cfg *Config, rules []models.Rule) error {
	out := *cfg
	out.Rules = nil
	for _, rule := range rules {
		data, err := models.EncodeRule(rule)
		if err != nil {
			return err
		}
		var fields map[string]interface{}
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("encode rule %s: %w", rule.Meta().ID, err)
		}
		out.Rules = append(out.Rules, fields)
	}

	data, err := yaml.Marshal(&out)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SeedRules decodes the configured rules
func (c *Config) SeedRules() ([]models.Rule, error) {
	rules := make([]models.Rule, 0, len(c.Rules))
	for i, fields := range c.Rules {
		rule, err := decodeRule(i, fields)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeRule(i int, fields map[string]interface{}) (models.Rule, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("rules[%d]: %w", i, err)
	}
	rule, err := models.DecodeRule(data)
	if err != nil {
		return nil, fmt.Errorf("rules[%d]: %w", i, err)
	}
	return rule, nil
}

// StoreOptions maps the store section onto backend options
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Driver: c.Store.Driver,
		Dir:    c.resolvePath(c.Store.Dir),
		Redis:  c.Store.Redis,
	}
}

// TLSFiles returns the proxy certificate and key paths resolved against
// the configuration file directory
func (c *Config) TLSFiles() (string, string) {
	return c.resolvePath(c.Proxy.TLS.CertFile), c.resolvePath(c.Proxy.TLS.KeyFile)
}

func (c *Config) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	base := c.baseDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, p)
}
