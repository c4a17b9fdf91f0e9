package models

import (
	"encoding/json"
	"net/http"
	"time"
)

// Event target markers for responses that did not come from a live upstream
const (
	TargetCache  = "cache"
	TargetStatic = "static"
	TargetPlugin = "plugin"
)

// CapturedRequest is a protocol-agnostic view of an inbound proxy request
type CapturedRequest struct {
	Method   string      `json:"method"`
	Path     string      `json:"path"`
	RawQuery string      `json:"query,omitempty"`
	Headers  http.Header `json:"headers,omitempty"`
	Body     []byte      `json:"-"`
	IP       string      `json:"ip,omitempty"`
	Received time.Time   `json:"timestamp"`
}

// CapturedResponse is the response the pipeline hands back to the client
type CapturedResponse struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"-"`
}

// ProxyEvent is an immutable snapshot of one completed proxy decision
type ProxyEvent struct {
	ID              string            `json:"id"`
	Hostname        string            `json:"hostname"`
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	TargetURL       string            `json:"targetUrl"`
	RouteID         string            `json:"routeId,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	RequestBody     interface{}       `json:"requestBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody    interface{}       `json:"responseBody,omitempty"`
	Status          int               `json:"status"`
	Duration        int64             `json:"duration"`
	Timestamp       time.Time         `json:"timestamp"`
	OpenAPI         json.RawMessage   `json:"openapi,omitempty"`
}
