package controllers

import (
	"net/http"
	"strconv"

	"github.com/devproxy/devproxy/internal/broadcast"
	"github.com/devproxy/devproxy/internal/openapi"
	"github.com/devproxy/devproxy/internal/util"
)

// EventsController serves recent proxy events and the learned API description
type EventsController struct {
	history *broadcast.History
	schema  *openapi.Recorder
	logger  *util.Logger
}

// NewEventsController creates a new events controller
func NewEventsController(history *broadcast.History, schema *openapi.Recorder, logger *util.Logger) *EventsController {
	return &EventsController{
		history: history,
		schema:  schema,
		logger:  logger,
	}
}

// History handles GET /api/history?limit=n
func (ec *EventsController) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val < 0 {
			writeError(w, util.NewValidationError("limit must be a non-negative integer", raw))
			return
		}
		limit = val
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": ec.history.List(limit)})
}

// ClearHistory handles DELETE /api/history
func (ec *EventsController) ClearHistory(w http.ResponseWriter, r *http.Request) {
	ec.history.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// OpenAPI handles GET /api/openapi
func (ec *EventsController) OpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(ec.schema.Spec())
}

// ResetOpenAPI handles DELETE /api/openapi
func (ec *EventsController) ResetOpenAPI(w http.ResponseWriter, r *http.Request) {
	ec.schema.Reset()
	ec.logger.Info("OpenAPI description reset")
	w.WriteHeader(http.StatusNoContent)
}
