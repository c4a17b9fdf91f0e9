package controllers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the admin API error shape
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal error"

	var pe *util.ProxyError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
		code = string(util.MissingResourceError)
	case errors.As(err, &pe):
		code = string(pe.Type)
		switch pe.Type {
		case util.ValidationError, util.ConfigurationError:
			status = http.StatusBadRequest
		case util.MissingResourceError:
			status = http.StatusNotFound
		case util.InsufficientAccessError:
			status = http.StatusForbidden
		case util.UpstreamError:
			status = http.StatusBadGateway
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"errors": []map[string]string{{"code": code, "message": err.Error()}},
	})
}
