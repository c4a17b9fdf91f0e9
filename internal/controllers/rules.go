package controllers

import (
	"fmt"
	"io"
	"net/http"
	"regexp"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"

	"github.com/devproxy/devproxy/internal/models"
	"github.com/devproxy/devproxy/internal/store"
	"github.com/devproxy/devproxy/internal/util"
)

// RulesController handles rule management endpoints
type RulesController struct {
	rules  store.RuleStore
	logger *util.Logger
}

// NewRulesController creates a new rules controller
func NewRulesController(rules store.RuleStore, logger *util.Logger) *RulesController {
	return &RulesController{
		rules:  rules,
		logger: logger,
	}
}

// List handles GET /api/rules
func (rc *RulesController) List(w http.ResponseWriter, r *http.Request) {
	rules, err := rc.rules.ListRules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": models.RuleList(rules)})
}

// Post handles POST /api/rules
func (rc *RulesController) Post(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := rc.rules.AddRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	rc.logger.Infof("Added %s rule %s (%s)", rule.Kind(), rule.Meta().ID, rule.Meta().PathPattern)
	rc.writeRule(w, http.StatusCreated, rule)
}

// Get handles GET /api/rules/{id}
func (rc *RulesController) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := rc.rules.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	rc.writeRule(w, http.StatusOK, rule)
}

// Put handles PUT /api/rules/{id}
func (rc *RulesController) Put(w http.ResponseWriter, r *http.Request) {
	rule, err := decodeRule(r)
	if err != nil {
		writeError(w, err)
		return
	}

	id := mux.Vars(r)["id"]
	if rule.Meta().ID == "" {
		rule.Meta().ID = id
	} else if rule.Meta().ID != id {
		writeError(w, util.NewValidationError("rule id does not match the URL", rule.Meta().ID))
		return
	}

	if err := rc.rules.UpdateRule(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}

	rc.logger.Infof("Updated rule %s", id)
	rc.writeRule(w, http.StatusOK, rule)
}

// Delete handles DELETE /api/rules/{id}
func (rc *RulesController) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := rc.rules.DeleteRule(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	rc.logger.Infof("Deleted rule %s", id)
	w.WriteHeader(http.StatusNoContent)
}

// Reorder handles PUT /api/rules/order with a body of rule ids, either a
// bare array or {"ids": [...]}
func (rc *RulesController) Reorder(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, util.NewValidationError("cannot read request body", nil))
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(w, util.NewValidationError("body must be JSON", nil))
		return
	}

	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("ids")
	}
	if !list.IsArray() {
		writeError(w, util.NewValidationError("expected an array of rule ids", nil))
		return
	}

	var ids []string
	for _, id := range list.Array() {
		ids = append(ids, id.String())
	}

	if err := rc.rules.ReorderRules(r.Context(), ids); err != nil {
		writeError(w, err)
		return
	}

	rc.logger.Infof("Reordered %d rules", len(ids))
	rc.List(w, r)
}

func (rc *RulesController) writeRule(w http.ResponseWriter, status int, rule models.Rule) {
	data, err := models.EncodeRule(rule)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// decodeRule reads and checks a rule from the request body
func decodeRule(r *http.Request) (models.Rule, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, util.NewValidationError("cannot read request body", nil)
	}

	rule, err := models.DecodeRule(body)
	if err != nil {
		return nil, util.NewValidationError(err.Error(), nil)
	}

	meta := rule.Meta()
	if meta.PathPattern == "" {
		return nil, util.NewValidationError("pathPattern is required", meta.ID)
	}
	if _, err := regexp.Compile("^" + meta.PathPattern + "$"); err != nil {
		return nil, util.NewValidationError(fmt.Sprintf("pathPattern invalid: %v", err), meta.PathPattern)
	}
	if fwd, ok := rule.(*models.ForwardingRule); ok && fwd.TargetURL == "" {
		return nil, util.NewValidationError("targetUrl is required", meta.ID)
	}
	return rule, nil
}
