package config

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/devproxy/devproxy/internal/models"
)

// ValidationError collects every problem found in a configuration
type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

func (c *Config) Validate() error {
	v := &ValidationError{}

	if err := validateListen(c.Proxy.Listen); err != nil {
		v.Add("proxy.listen invalid: %v", err)
	}
	if err := validateListen(c.Admin.Listen); err != nil {
		v.Add("admin.listen invalid: %v", err)
	}
	if c.Proxy.TLS.Enabled() {
		if c.Proxy.TLS.CertFile == "" {
			v.Add("proxy.tls.certFile required when proxy.tls.keyFile is set")
		}
		if c.Proxy.TLS.KeyFile == "" {
			v.Add("proxy.tls.keyFile required when proxy.tls.certFile is set")
		}
	}
	if c.Proxy.Listen != "" && c.Proxy.Listen == c.Admin.Listen {
		v.Add("proxy.listen and admin.listen must differ")
	}

	switch c.Store.Driver {
	case "memory":
	case "file":
		if c.Store.Dir == "" {
			v.Add("store.dir required when store.driver is file")
		}
	case "redis":
		if c.Store.Redis.Addr == "" {
			v.Add("store.redis.addr required when store.driver is redis")
		}
	default:
		v.Add("store.driver must be memory|file|redis")
	}

	if c.Upstream.Timeout <= 0 {
		v.Add("upstream.timeout must be > 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		v.Add("logging.level must be debug|info|warn|error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		v.Add("logging.format must be text|json")
	}

	if c.Events.BufferSize <= 0 {
		v.Add("events.bufferSize must be > 0")
	}
	if c.Events.HistorySize <= 0 {
		v.Add("events.historySize must be > 0")
	}

	for i, fields := range c.Rules {
		rule, err := decodeRule(i, fields)
		if err != nil {
			v.Add("%v", err)
			continue
		}
		validateRule(v, i, rule)
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func validateRule(v *ValidationError, i int, rule models.Rule) {
	meta := rule.Meta()
	if meta.PathPattern == "" {
		v.Add("rules[%d].pathPattern is required", i)
	} else if _, err := regexp.Compile("^" + meta.PathPattern + "$"); err != nil {
		v.Add("rules[%d].pathPattern invalid: %v", i, err)
	}

	switch r := rule.(type) {
	case *models.ForwardingRule:
		if err := validateURL(r.TargetURL); err != nil {
			v.Add("rules[%d].targetUrl invalid: %v", i, err)
		}
	case *models.PluginRule:
		if strings.TrimSpace(r.Script) == "" {
			v.Add("rules[%d].script is required", i)
		}
	case *models.StaticResponseRule:
		if r.Status != 0 && (r.Status < 100 || r.Status > 999) {
			v.Add("rules[%d].status must be a valid HTTP status", i)
		}
	case *models.ResponseModifierRule:
		if r.DelayMs < 0 {
			v.Add("rules[%d].delayMs must be >= 0", i)
		}
	}
}

func validateListen(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	return nil
}

// validateURL accepts targets with $n placeholders in the path
func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
