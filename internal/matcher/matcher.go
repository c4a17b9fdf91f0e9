// Package matcher turns an inbound request into a forwarding target.
//
// Rules are evaluated in ascending order. A matching terminating rule wins
// immediately; otherwise the last matching non-terminating rule wins. When no
// rule matches and the first path segment looks like a domain, the request is
// routed to https://<segment>.
package matcher

import (
	"errors"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

var (
	placeholder = regexp.MustCompile(`\$(\d+)`)
	restOfPath  = regexp.MustCompile(`\(\.\*[^()]*\)\$?$`)
	domainShape = regexp.MustCompile(`^[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)+$`)

	errMissingHost = errors.New("missing host")
)

// Resolution is the outcome of target resolution
type Resolution struct {
	TargetURL    string `json:"targetUrl"`
	Hostname     string `json:"hostname,omitempty"`
	ResolvedPath string `json:"resolvedPath"`
	RuleID       string `json:"ruleId,omitempty"`
	Fallback     bool   `json:"fallback,omitempty"`
	Substituted  bool   `json:"substituted,omitempty"`
}

// Found reports whether the resolution names an upstream host
func (r Resolution) Found() bool {
	return r.Hostname != ""
}

// ForwardURL builds the upstream URL for the request. A target that had
// capture groups substituted already carries the path; any other target
// gets the resolved path appended.
func (r Resolution) ForwardURL(rawQuery string) string {
	target := r.TargetURL
	if !r.Substituted {
		target = strings.TrimRight(target, "/") + r.ResolvedPath
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Resolver evaluates rules against requests. It is safe for concurrent use.
type Resolver struct {
	logger  *util.Logger
	regexps sync.Map // expression -> compiled
}

type compiled struct {
	re  *regexp.Regexp
	err error
}

// NewResolver creates a resolver that logs rule configuration errors
func NewResolver(logger *util.Logger) *Resolver {
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	return &Resolver{logger: logger.WithScope("matcher")}
}

// Ordered returns the active rules stable-sorted by ascending order
func Ordered(rules []models.Rule) []models.Rule {
	active := make([]models.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.Meta().IsActive {
			active = append(active, rule)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Meta().Order < active[j].Meta().Order
	})
	return active
}

// Resolve produces the forwarding decision for a request. It never fails:
// a Resolution without a hostname means there is no route.
func (r *Resolver) Resolve(rules []models.Rule, method, path string) Resolution {
	var candidate *Resolution

	for _, rule := range Ordered(rules) {
		router, ok := rule.(models.Router)
		if !ok {
			continue
		}
		meta := rule.Meta()

		captures, rest, ok := r.match(meta, method, path)
		if !ok {
			continue
		}

		res := r.build(router, path, captures, rest)
		if meta.IsTerminating {
			return res
		}
		candidate = &res
	}

	if candidate != nil {
		return *candidate
	}

	if res, ok := domainFallback(path); ok {
		return res
	}
	return Resolution{ResolvedPath: path}
}

// Matches reports whether a rule's method and path pattern accept the request
func (r *Resolver) Matches(rule models.Rule, method, path string) bool {
	_, _, ok := r.match(rule.Meta(), method, path)
	return ok
}

// match tests a rule against the request. It returns the capture groups and
// whether the last capture is the rest of the path.
func (r *Resolver) match(meta *models.RuleMeta, method, path string) ([]string, bool, bool) {
	if !meta.Method.Allows(method) {
		return nil, false, false
	}

	re, err := r.compile("^" + meta.PathPattern + "$")
	if err != nil {
		r.logger.Warnf("Skipping rule %s: %v",
			meta.ID, util.NewConfigurationError("invalid path pattern", meta.PathPattern, err))
		return nil, false, false
	}

	if m := re.FindStringSubmatch(path); m != nil {
		captures := m[1:]
		return captures, len(captures) > 0 && restOfPath.MatchString(meta.PathPattern), true
	}

	if !strings.Contains(meta.PathPattern, "*") {
		return nil, false, false
	}
	glob, err := r.compile(globExpr(meta.PathPattern))
	if err != nil {
		return nil, false, false
	}
	if m := glob.FindStringSubmatch(path); m != nil {
		return m[1:], false, true
	}
	return nil, false, false
}

func (r *Resolver) build(router models.Router, path string, captures []string, rest bool) Resolution {
	meta := router.Meta()
	target, substituted := substitute(router.Target(), captures)

	res := Resolution{
		TargetURL:    target,
		ResolvedPath: path,
		RuleID:       meta.ID,
		Substituted:  substituted,
	}

	if rest {
		last := captures[len(captures)-1]
		if !strings.HasPrefix(last, "/") {
			last = "/" + last
		}
		res.ResolvedPath = last
	}

	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		if err == nil {
			err = errMissingHost
		}
		r.logger.Warnf("Rule %s: %v",
			meta.ID, util.NewConfigurationError("invalid target url", target, err))
		return res
	}
	res.Hostname = u.Hostname()
	return res
}

func (r *Resolver) compile(expr string) (*regexp.Regexp, error) {
	if v, ok := r.regexps.Load(expr); ok {
		c := v.(compiled)
		return c.re, c.err
	}
	re, err := regexp.Compile(expr)
	r.regexps.Store(expr, compiled{re: re, err: err})
	return re, err
}

// globExpr turns a glob into an anchored regex where each * is a capture group
func globExpr(pattern string) string {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, "(.*)") + "$"
}

// substitute replaces $n placeholders with the matching capture group.
// Placeholders without a matching group are left as they are.
func substitute(target string, captures []string) (string, bool) {
	substituted := false
	out := placeholder.ReplaceAllStringFunc(target, func(ph string) string {
		n, err := strconv.Atoi(ph[1:])
		if err != nil || n < 1 || n > len(captures) {
			return ph
		}
		substituted = true
		return captures[n-1]
	})
	return out, substituted
}

func domainFallback(path string) (Resolution, bool) {
	trimmed := strings.TrimPrefix(path, "/")
	segment, remainder := trimmed, ""
	if i := strings.Index(trimmed, "/"); i >= 0 {
		segment, remainder = trimmed[:i], trimmed[i:]
	}
	if !domainShape.MatchString(segment) {
		return Resolution{}, false
	}
	if remainder == "" {
		remainder = "/"
	}
	return Resolution{
		TargetURL:    "https://" + segment,
		Hostname:     segment,
		ResolvedPath: remainder,
		Fallback:     true,
	}, true
}
