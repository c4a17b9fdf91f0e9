package plugins

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/util"
)

// ModifyRequest applies a request modifier to an outbound request's headers
// and body and returns the new body.
func ModifyRequest(rule *models.RequestModifierRule, headers http.Header, body []byte) ([]byte, error) {
	for _, name := range rule.RemoveHeaders {
		headers.Del(name)
	}
	for name, value := range rule.SetHeaders {
		headers.Set(name, value)
	}
	return editJSON(body, rule.SetBody)
}

// ModifyResponse applies a response modifier to the client-facing response.
// The optional delay honours ctx cancellation.
func ModifyResponse(ctx context.Context, rule *models.ResponseModifierRule, resp *models.CapturedResponse) error {
	if rule.Status > 0 {
		resp.Status = rule.Status
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	for _, name := range rule.RemoveHeaders {
		resp.Headers.Del(name)
	}
	for name, value := range rule.SetHeaders {
		resp.Headers.Set(name, value)
	}

	body, err := editJSON(resp.Body, rule.SetBody)
	if err != nil {
		return err
	}
	resp.Body = body

	if rule.DelayMs > 0 {
		timer := time.NewTimer(time.Duration(rule.DelayMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// editJSON sets (or, for nil values, deletes) each gjson path in a JSON body.
// Paths are applied in sorted order.
func editJSON(body []byte, edits map[string]interface{}) ([]byte, error) {
	if len(edits) == 0 {
		return body, nil
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return body, util.NewConfigurationError("body edits need a JSON body", nil, nil)
	}

	paths := make([]string, 0, len(edits))
	for path := range edits {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var err error
	for _, path := range paths {
		value := edits[path]
		if value == nil {
			body, err = sjson.DeleteBytes(body, path)
		} else {
			body, err = sjson.SetBytes(body, path, value)
		}
		if err != nil {
			return body, util.NewConfigurationError("cannot edit body at "+path, path, err)
		}
	}
	return body, nil
}
