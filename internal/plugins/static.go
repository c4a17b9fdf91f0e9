package plugins

import (
	"net/http"

	"github.com/devproxy/devproxy/internal/models"
)

// Static renders the response configured on a static rule
func Static(rule *models.StaticResponseRule) (*models.CapturedResponse, error) {
	status := rule.Status
	if status == 0 {
		status = 200
	}

	headers := make(http.Header, len(rule.Headers))
	for k, v := range rule.Headers {
		headers.Set(k, v)
	}

	body, err := renderBody(rule.Body, headers)
	if err != nil {
		return nil, err
	}
	return &models.CapturedResponse{Status: status, Headers: headers, Body: body}, nil
}
