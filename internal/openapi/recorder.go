// Package openapi infers an OpenAPI document from observed traffic.
package openapi

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/tidwall/gjson"

	"github.com/devproxy/devproxy/internal/models"
)

// Recorder accumulates one operation per (path, method) with a response
// entry per observed status. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	doc      *openapi3.T
	servers  map[string]bool
	snapshot json.RawMessage
}

// NewRecorder creates an empty recorder
func NewRecorder(title, version string) *Recorder {
	return &Recorder{
		doc: &openapi3.T{
			OpenAPI: "3.0.3",
			Info:    &openapi3.Info{Title: title, Version: version},
			Paths:   openapi3.NewPaths(),
		},
		servers: map[string]bool{},
	}
}

// RecordRequest merges one exchange into the document. hostname, when set,
// is added to the server list.
func (r *Recorder) RecordRequest(hostname string, req *models.CapturedRequest, resp *models.CapturedResponse, start time.Time) {
	path := req.Path
	if path == "" {
		path = "/"
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if hostname != "" && !r.servers[hostname] {
		r.servers[hostname] = true
		r.doc.Servers = append(r.doc.Servers, &openapi3.Server{URL: "https://" + hostname})
	}

	item := r.doc.Paths.Value(path)
	if item == nil {
		item = &openapi3.PathItem{}
		r.doc.Paths.Set(path, item)
	}

	method := strings.ToUpper(req.Method)
	op := item.GetOperation(method)
	if op == nil {
		op = openapi3.NewOperation()
		op.Responses = openapi3.NewResponsesWithCapacity(1)
		item.SetOperation(method, op)
	}
	op.Extensions = map[string]interface{}{"x-last-seen": start.UTC().Format(time.RFC3339)}

	if values, err := url.ParseQuery(req.RawQuery); err == nil {
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if op.Parameters.GetByInAndName(openapi3.ParameterInQuery, name) == nil {
				op.AddParameter(openapi3.NewQueryParameter(name).WithSchema(openapi3.NewStringSchema()))
			}
		}
	}

	if op.RequestBody == nil && gjson.ValidBytes(req.Body) && len(req.Body) > 0 {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().WithJSONSchema(Infer(gjson.ParseBytes(req.Body))),
		}
	}

	if op.Responses.Value(strconv.Itoa(resp.Status)) == nil {
		response := openapi3.NewResponse().WithDescription(describe(resp.Status))
		if len(resp.Body) > 0 && gjson.ValidBytes(resp.Body) {
			response = response.WithJSONSchema(Infer(gjson.ParseBytes(resp.Body)))
		}
		op.AddResponse(resp.Status, response)
	}

	r.snapshot = nil
}

// Spec returns a JSON snapshot of the current document. The returned bytes
// are never modified afterwards.
func (r *Recorder) Spec() json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.snapshot == nil {
		data, err := json.Marshal(r.doc)
		if err != nil {
			return nil
		}
		r.snapshot = data
	}
	return r.snapshot
}

// Document returns a deep copy of the current document
func (r *Recorder) Document() (*openapi3.T, error) {
	data := r.Spec()
	loader := openapi3.NewLoader()
	return loader.LoadFromData(data)
}

// Reset forgets everything recorded
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.doc.Paths = openapi3.NewPaths()
	r.doc.Servers = nil
	r.servers = map[string]bool{}
	r.snapshot = nil
}

func describe(status int) string {
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "Status " + strconv.Itoa(status)
}

// Infer derives a schema from a JSON value. Arrays take the schema of their
// first element.
func Infer(v gjson.Result) *openapi3.Schema {
	switch {
	case v.IsObject():
		schema := openapi3.NewObjectSchema()
		v.ForEach(func(key, value gjson.Result) bool {
			schema.WithProperty(key.String(), Infer(value))
			return true
		})
		return schema
	case v.IsArray():
		items := v.Array()
		if len(items) == 0 {
			return openapi3.NewArraySchema().WithItems(openapi3.NewSchema())
		}
		return openapi3.NewArraySchema().WithItems(Infer(items[0]))
	}

	switch v.Type {
	case gjson.String:
		return openapi3.NewStringSchema()
	case gjson.Number:
		if strings.ContainsAny(v.Raw, ".eE") {
			return openapi3.NewFloat64Schema()
		}
		return openapi3.NewInt64Schema()
	case gjson.True, gjson.False:
		return openapi3.NewBoolSchema()
	default:
		return openapi3.NewSchema().WithNullable()
	}
}
