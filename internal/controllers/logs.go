package controllers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/devproxy/devproxy/internal/util"
)

// LogsController serves the in-memory log buffer
type LogsController struct {
	logger *util.Logger
}

// NewLogsController creates a new logs controller
func NewLogsController(logger *util.Logger) *LogsController {
	return &LogsController{
		logger: logger,
	}
}

// Get handles GET /logs?startIndex=&endIndex=&level=
func (lc *LogsController) Get(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	startIndex := intParam(query.Get("startIndex"), 0)
	endIndex := intParam(query.Get("endIndex"), -1)

	entries := lc.logger.GetEntries(startIndex, endIndex)

	if level := query.Get("level"); level != "" {
		filtered := make([]util.LogEntry, 0, len(entries))
		for _, entry := range entries {
			if strings.EqualFold(entry.Level, level) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": entries})
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return val
}
