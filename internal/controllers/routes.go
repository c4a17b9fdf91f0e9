package controllers

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/devproxy/devproxy/internal/cache"
	"github.com/devproxy/devproxy/internal/util"
)

// RoutesController handles cached route endpoints
type RoutesController struct {
	cache  *cache.Cache
	logger *util.Logger
}

// NewRoutesController creates a new routes controller
func NewRoutesController(c *cache.Cache, logger *util.Logger) *RoutesController {
	return &RoutesController{
		cache:  c,
		logger: logger,
	}
}

// List handles GET /api/routes
func (rc *RoutesController) List(w http.ResponseWriter, r *http.Request) {
	routes, err := rc.cache.Routes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

// Get handles GET /api/routes/{id}
func (rc *RoutesController) Get(w http.ResponseWriter, r *http.Request) {
	route, err := rc.cache.Route(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// Delete handles DELETE /api/routes/{id}
func (rc *RoutesController) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := rc.cache.DeleteRoute(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	rc.logger.Infof("Deleted route %s", id)
	w.WriteHeader(http.StatusNoContent)
}

// ToggleLock handles POST /api/routes/{id}/lock
func (rc *RoutesController) ToggleLock(w http.ResponseWriter, r *http.Request) {
	route, err := rc.cache.ToggleRouteLock(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

// ToggleResponseLock handles POST /api/routes/{id}/responses/{responseId}/lock.
// An optional {"lockedBody": ...} replaces the body served while locked.
func (rc *RoutesController) ToggleResponseLock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	var lockedBody interface{}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, util.NewValidationError("cannot read request body", nil))
		return
	}
	if len(body) > 0 {
		if !gjson.ValidBytes(body) {
			writeError(w, util.NewValidationError("body must be JSON", nil))
			return
		}
		if v := gjson.GetBytes(body, "lockedBody"); v.Exists() {
			lockedBody = v.Value()
		}
	}

	route, err := rc.cache.ToggleResponseLock(r.Context(), vars["id"], vars["responseId"], lockedBody)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}
