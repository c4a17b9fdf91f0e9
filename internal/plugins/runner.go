// Package plugins produces responses for responder rules and applies
// modifier rules on the forward path.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// DefaultTimeout bounds a single plugin invocation
const DefaultTimeout = 2 * time.Second

// Runner executes plugin scripts. A script is a JavaScript function that
// receives config ({request, state, logger}) and returns
// {status, headers, body}. State is shared by every invocation: each run
// works on its own copy and the keys it changed are written back.
type Runner struct {
	logger  *util.Logger
	timeout time.Duration

	mu    sync.Mutex
	state map[string]interface{}
}

// NewRunner creates a plugin runner
func NewRunner(logger *util.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = util.NewDiscardLogger()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		logger:  logger.WithScope("plugin"),
		timeout: timeout,
		state:   make(map[string]interface{}),
	}
}

// Run executes script against the request
func (r *Runner) Run(ctx context.Context, script string, req *models.CapturedRequest) (*models.CapturedResponse, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	logger := map[string]interface{}{
		"debug": func(msg string) { r.logger.Debug(msg) },
		"info":  func(msg string) { r.logger.Info(msg) },
		"warn":  func(msg string) { r.logger.Warn(msg) },
		"error": func(msg string) { r.logger.Error(msg) },
	}
	vm.Set("console", r.console(vm))

	query := map[string]interface{}{}
	if values, err := url.ParseQuery(req.RawQuery); err == nil {
		for key, vals := range values {
			if len(vals) == 1 {
				query[key] = vals[0]
			} else {
				query[key] = vals
			}
		}
	}
	headers := make(map[string]interface{}, len(req.Headers))
	for k, v := range util.FlattenHeaders(req.Headers) {
		headers[k] = v
	}

	r.mu.Lock()
	before := copyValue(r.state).(map[string]interface{})
	r.mu.Unlock()
	state := copyValue(before).(map[string]interface{})

	vm.Set("config", map[string]interface{}{
		"request": map[string]interface{}{
			"method":  req.Method,
			"path":    req.Path,
			"query":   query,
			"headers": headers,
			"body":    string(req.Body),
		},
		"state":  state,
		"logger": logger,
	})

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { vm.Interrupt("plugin timed out") })
	defer stop()

	script = fmt.Sprintf(`
		(function() {
			var fn = %s;
			if (typeof fn !== 'function') {
				throw new Error("plugin must evaluate to a function");
			}
			return fn(config);
		})()
	`, script)

	val, err := vm.RunString(script)
	if err != nil {
		return nil, util.NewConfigurationError("plugin execution failed", nil, err)
	}
	r.saveState(before, state)
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, util.NewConfigurationError("plugin returned no response", nil, nil)
	}

	exported, ok := val.Export().(map[string]interface{})
	if !ok {
		return nil, util.NewConfigurationError("plugin must return an object", nil, nil)
	}
	return toResponse(exported)
}

// saveState writes back the keys a run added, changed or deleted
func (r *Runner) saveState(before, after map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, value := range after {
		if old, ok := before[key]; !ok || !reflect.DeepEqual(old, value) {
			r.state[key] = value
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			delete(r.state, key)
		}
	}
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = copyValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	default:
		return v
	}
}

func (r *Runner) console(vm *goja.Runtime) *goja.Object {
	logAt := func(log func(...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				args = append(args, arg.Export())
			}
			log(fmt.Sprint(args...))
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	console.Set("log", logAt(r.logger.Info))
	console.Set("info", logAt(r.logger.Info))
	console.Set("warn", logAt(r.logger.Warn))
	console.Set("error", logAt(r.logger.Error))
	return console
}

func toResponse(result map[string]interface{}) (*models.CapturedResponse, error) {
	resp := &models.CapturedResponse{
		Status:  200,
		Headers: http.Header{},
	}

	for _, key := range []string{"status", "statusCode"} {
		if v, ok := result[key]; ok {
			switch n := v.(type) {
			case int64:
				resp.Status = int(n)
			case float64:
				resp.Status = int(n)
			default:
				return nil, util.NewConfigurationError(fmt.Sprintf("plugin %s must be a number", key), v, nil)
			}
			break
		}
	}

	if h, ok := result["headers"].(map[string]interface{}); ok {
		for k, v := range h {
			resp.Headers.Set(k, fmt.Sprint(v))
		}
	}

	body, err := renderBody(result["body"], resp.Headers)
	if err != nil {
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

// renderBody serializes a configured body. Strings are sent as they are;
// any other value is JSON encoded and gets a JSON content type if none is set.
func renderBody(body interface{}, headers http.Header) ([]byte, error) {
	switch v := body.(type) {
	case nil:
		return []byte{}, nil
	case string:
		return []byte(v), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, util.NewConfigurationError("cannot encode body", v, err)
		}
		if headers.Get("Content-Type") == "" {
			headers.Set("Content-Type", "application/json")
		}
		return data, nil
	}
}
