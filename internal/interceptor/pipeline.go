// Package interceptor decides, per request, whether to answer from a rule,
// replay a cached response or forward to the upstream and record what
// comes back.
package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/devproxy/devproxy/internal/cache"
	"github.com/devproxy/devproxy/internal/fingerprint"
	"github.com/devproxy/devproxy/internal/matcher"
	"github.com/devproxy/devproxy/internal/metrics"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/plugins"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

// DefaultUpstreamTimeout bounds one upstream round trip
const DefaultUpstreamTimeout = 30 * time.Second

// EventSink receives one event per completed decision
type EventSink interface {
	Broadcast(event models.ProxyEvent)
}

// SchemaRecorder learns an API description from forwarded traffic
type SchemaRecorder interface {
	RecordRequest(hostname string, req *models.CapturedRequest, resp *models.CapturedResponse, start time.Time)
	Spec() json.RawMessage
}

// Options wires a Pipeline. Rules and Cache are required.
type Options struct {
	Rules     store.RuleStore
	Cache     *cache.Cache
	Resolver  *matcher.Resolver
	Plugins   *plugins.Runner
	Events    EventSink
	Schema    SchemaRecorder
	Metrics   *metrics.Metrics
	Logger    *util.Logger
	Transport http.RoundTripper
	Timeout   time.Duration
}

// Pipeline is the interception engine. It is an http.Handler.
type Pipeline struct {
	rules    store.RuleStore
	cache    *cache.Cache
	resolver *matcher.Resolver
	plugins  *plugins.Runner
	events   EventSink
	schema   SchemaRecorder
	metrics  *metrics.Metrics
	logger   *util.Logger
	client   *http.Client
	timeout  time.Duration
	now      func() time.Time
}

// Outcome describes how a request was answered
type Outcome struct {
	Kind       string // one of the metrics.Outcome* values
	Response   *models.CapturedResponse
	Resolution matcher.Resolution
	RouteID    string
	Event      models.ProxyEvent
}

// New creates a pipeline
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = util.NewDiscardLogger()
	}
	if opts.Resolver == nil {
		opts.Resolver = matcher.NewResolver(opts.Logger)
	}
	if opts.Plugins == nil {
		opts.Plugins = plugins.NewRunner(opts.Logger, 0)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUpstreamTimeout
	}
	if opts.Transport == nil {
		opts.Transport = newTransport(opts.Timeout)
	}

	return &Pipeline{
		rules:    opts.Rules,
		cache:    opts.Cache,
		resolver: opts.Resolver,
		plugins:  opts.Plugins,
		events:   opts.Events,
		schema:   opts.Schema,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithScope("proxy"),
		timeout:  opts.Timeout,
		now:      time.Now,
		client: &http.Client{
			Transport: opts.Transport,
			// redirects are passed back to the client untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Intercept runs the decision for one request. It returns an error wrapping
// util.ErrNoRoute when nothing routes the request, and an upstream
// ProxyError when forwarding fails; no event is emitted in either case.
func (p *Pipeline) Intercept(ctx context.Context, req *models.CapturedRequest) (*Outcome, error) {
	start := p.now()
	if req.Received.IsZero() {
		req.Received = start
	}

	rules, err := p.rules.ListActiveRulesOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules = matcher.Ordered(rules)

	if outcome := p.respond(ctx, rules, req, start); outcome != nil {
		return outcome, nil
	}

	res := p.resolver.Resolve(rules, req.Method, req.Path)
	if !res.Found() {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, util.ErrNoRoute)
	}

	route, _, err := p.cache.GetOrCreateRoute(ctx, req.Method, res.ResolvedPath, res.Hostname)
	if err != nil {
		return nil, fmt.Errorf("load route: %w", err)
	}

	if cached := p.cache.Lookup(route); cached != nil {
		return p.replay(ctx, req, res, route, cached, start)
	}
	return p.forward(ctx, rules, req, res, route, start)
}

// respond gives static and plugin rules the first chance at a request
func (p *Pipeline) respond(ctx context.Context, rules []models.Rule, req *models.CapturedRequest, start time.Time) *Outcome {
	for _, rule := range rules {
		var (
			resp *models.CapturedResponse
			kind string
			err  error
		)

		switch r := rule.(type) {
		case *models.StaticResponseRule:
			if !p.resolver.Matches(r, req.Method, req.Path) {
				continue
			}
			resp, err = plugins.Static(r)
			kind = metrics.OutcomeStatic
		case *models.PluginRule:
			if !p.resolver.Matches(r, req.Method, req.Path) {
				continue
			}
			resp, err = p.plugins.Run(ctx, r.Script, req)
			kind = metrics.OutcomePlugin
		default:
			continue
		}

		if err != nil {
			p.logger.Warnf("Skipping %s rule %s: %v", rule.Kind(), rule.Meta().ID, err)
			continue
		}

		setContentLength(resp)
		target := models.TargetStatic
		if kind == metrics.OutcomePlugin {
			target = models.TargetPlugin
		}
		event := p.event(req, "", target, "", resp, start, nil)
		p.emit(event)
		return &Outcome{Kind: kind, Response: resp, Event: event}
	}
	return nil
}

// replay serves a stored response without contacting the upstream
func (p *Pipeline) replay(ctx context.Context, req *models.CapturedRequest, res matcher.Resolution, route *models.Route, cached *models.Response, start time.Time) (*Outcome, error) {
	body, encoding := cached.ReplayBody()
	data, err := util.EncodeBody(body, encoding)
	if err != nil {
		return nil, fmt.Errorf("replay response %s: %w", cached.ResponseID, err)
	}

	headers := make(http.Header, len(cached.Headers))
	for k, values := range cached.Headers {
		for _, v := range values {
			headers.Add(k, v)
		}
	}
	resp := &models.CapturedResponse{Status: cached.Status, Headers: headers, Body: data}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	setContentLength(resp)

	if _, err := p.cache.Hit(ctx, route); err != nil {
		p.logger.Errorf("Failed to count hit on route %s: %v", route.ID, err)
	}

	event := p.event(req, res.Hostname, models.TargetCache, route.ID, resp, start, nil)
	p.emit(event)
	return &Outcome{Kind: metrics.OutcomeCache, Response: resp, Resolution: res, RouteID: route.ID, Event: event}, nil
}

// forward sends the request upstream, records the response and applies
// response modifiers to what the client sees
func (p *Pipeline) forward(ctx context.Context, rules []models.Rule, req *models.CapturedRequest, res matcher.Resolution, route *models.Route, start time.Time) (*Outcome, error) {
	target := res.ForwardURL(req.RawQuery)

	headers := cloneHeader(req.Headers)
	removeHopByHopHeaders(headers)
	headers.Del("Accept-Encoding")
	headers.Del("Content-Length")
	headers.Del("Host")

	body := req.Body
	for _, rule := range rules {
		mod, ok := rule.(*models.RequestModifierRule)
		if !ok || !p.resolver.Matches(mod, req.Method, req.Path) {
			continue
		}
		edited, err := plugins.ModifyRequest(mod, headers, body)
		if err != nil {
			p.logger.Warnf("Skipping request modifier %s: %v", mod.ID, err)
			continue
		}
		body = edited
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, util.NewUpstreamError("cannot build upstream request", target, err)
	}
	outReq.Header = headers
	outReq.ContentLength = int64(len(body))

	sent := time.Now()
	upstream, err := p.client.Do(outReq)
	p.metrics.Upstream(time.Since(sent))
	if err != nil {
		return nil, util.NewUpstreamError("upstream request failed", target, err)
	}
	defer upstream.Body.Close()

	data, err := io.ReadAll(upstream.Body)
	if err != nil {
		return nil, util.NewUpstreamError("reading upstream response failed", target, err)
	}

	respHeaders := cloneHeader(upstream.Header)
	removeHopByHopHeaders(respHeaders)
	respHeaders.Del("Content-Length")

	stored := &models.Response{
		Headers: util.HeaderValues(respHeaders),
		Status:  upstream.StatusCode,
	}
	stored.Body, stored.BodyEncoding = util.DecodeBody(data)
	if _, err := p.cache.RecordResponse(ctx, route, stored); err != nil {
		p.logger.Errorf("Failed to record response for route %s: %v", route.ID, err)
	}

	resp := &models.CapturedResponse{Status: upstream.StatusCode, Headers: respHeaders, Body: data}
	for _, rule := range rules {
		mod, ok := rule.(*models.ResponseModifierRule)
		if !ok || !p.resolver.Matches(mod, req.Method, req.Path) {
			continue
		}
		if err := plugins.ModifyResponse(ctx, mod, resp); err != nil {
			p.logger.Warnf("Skipping response modifier %s: %v", mod.ID, err)
		}
	}
	setContentLength(resp)

	var spec json.RawMessage
	if p.schema != nil {
		// documented relative to the upstream host
		upstreamReq := *req
		upstreamReq.Path = res.ResolvedPath
		p.schema.RecordRequest(res.Hostname, &upstreamReq, resp, start)
		spec = p.schema.Spec()
	}

	event := p.event(req, res.Hostname, target, route.ID, resp, start, spec)
	p.emit(event)
	return &Outcome{Kind: metrics.OutcomeForward, Response: resp, Resolution: res, RouteID: route.ID, Event: event}, nil
}

func (p *Pipeline) event(req *models.CapturedRequest, hostname, target, routeID string, resp *models.CapturedResponse, start time.Time, spec json.RawMessage) models.ProxyEvent {
	requestBody, _ := util.DecodeBody(req.Body)
	responseBody, _ := util.DecodeBody(resp.Body)

	return models.ProxyEvent{
		ID:              fingerprint.Of(req.Path, start.UnixNano()),
		Hostname:        hostname,
		Method:          req.Method,
		Path:            req.Path,
		TargetURL:       target,
		RouteID:         routeID,
		RequestHeaders:  util.FlattenHeaders(req.Headers),
		RequestBody:     requestBody,
		ResponseHeaders: util.FlattenHeaders(resp.Headers),
		ResponseBody:    responseBody,
		Status:          resp.Status,
		Duration:        p.now().Sub(start).Milliseconds(),
		Timestamp:       start,
		OpenAPI:         spec,
	}
}

func (p *Pipeline) emit(event models.ProxyEvent) {
	if p.events != nil {
		p.events.Broadcast(event)
	}
}

// setContentLength recomputes Content-Length from the body actually sent
func setContentLength(resp *models.CapturedResponse) {
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	resp.Headers.Del("Transfer-Encoding")
	resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
}
