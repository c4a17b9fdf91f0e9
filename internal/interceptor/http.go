package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/devproxy/devproxy/internal/metrics"
	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// ServeHTTP adapts net/http to Intercept and maps failures to status codes:
// no route is 404, an upstream failure 502 (504 on timeout), anything else 500.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := 0
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Errorf("Panic serving %s %s: %v\n%s", r.Method, r.URL.Path, rec, debug.Stack())
			p.metrics.Request(metrics.OutcomeFailed)
			writeError(w, http.StatusInternalServerError, "internal error", "internal error")
			status = http.StatusInternalServerError
		}
		duration := time.Since(start)
		msg := fmt.Sprintf("%s %s -> %d took %v", r.Method, r.URL.RequestURI(), status, duration)
		if duration > time.Second {
			msg += " (SLOW)"
		}
		p.logger.Info(msg)
	}()

	req, err := captureRequest(r)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, string(util.ValidationError), err.Error())
		return
	}

	outcome, err := p.Intercept(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, util.ErrNoRoute):
		p.metrics.Request(metrics.OutcomeNoRoute)
		status = http.StatusNotFound
		writeError(w, status, "no route", err.Error())
		return
	case util.IsType(err, util.UpstreamError):
		p.logger.Errorf("Upstream failure for %s %s: %v", r.Method, r.URL.RequestURI(), err)
		p.metrics.Request(metrics.OutcomeUpstream)
		status = http.StatusBadGateway
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, string(util.UpstreamError), err.Error())
		return
	default:
		p.logger.Errorf("Error handling %s %s: %v", r.Method, r.URL.RequestURI(), err)
		p.metrics.Request(metrics.OutcomeFailed)
		status = http.StatusInternalServerError
		writeError(w, status, "internal error", err.Error())
		return
	}

	p.metrics.Request(outcome.Kind)
	status = outcome.Response.Status
	writeResponse(w, outcome.Response)
}

// captureRequest reads the inbound request into its captured form
func captureRequest(r *http.Request) (*models.CapturedRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	defer r.Body.Close()

	return &models.CapturedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Headers:  cloneHeader(r.Header),
		Body:     body,
		IP:       r.RemoteAddr,
		Received: time.Now(),
	}, nil
}

func writeResponse(w http.ResponseWriter, resp *models.CapturedResponse) {
	copyHeaders(w.Header(), resp.Headers)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"errors": []map[string]string{{"code": code, "message": message}},
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func newTransport(timeout time.Duration) *http.Transport {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// removeHopByHopHeaders removes headers that apply to a single connection
func removeHopByHopHeaders(h http.Header) {
	hopByHopHeaders := []string{
		"Connection",
		"Keep-Alive",
		"Proxy-Authenticate",
		"Proxy-Authorization",
		"Proxy-Connection",
		"TE",
		"Trailers",
		"Transfer-Encoding",
		"Upgrade",
	}

	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
