package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RuleKind is the discriminant of the Rule sum type
type RuleKind string

const (
	KindForwarding       RuleKind = "forwarding"
	KindStaticResponse   RuleKind = "static"
	KindPlugin           RuleKind = "plugin"
	KindRequestModifier  RuleKind = "request-modifier"
	KindResponseModifier RuleKind = "response-modifier"
)

// Methods is a rule's method constraint. It decodes from a single verb,
// "*", or a list of verbs. An empty set matches every method.
type Methods []string

// UnmarshalJSON accepts either a string or an array of strings
func (m *Methods) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*m = nil
			return nil
		}
		*m = Methods{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("method must be a string or a list of strings: %w", err)
	}
	*m = Methods(many)
	return nil
}

// MarshalJSON writes a single verb as a string and sets as an array
func (m Methods) MarshalJSON() ([]byte, error) {
	switch len(m) {
	case 0:
		return json.Marshal("*")
	case 1:
		return json.Marshal(m[0])
	default:
		return json.Marshal([]string(m))
	}
}

// Allows reports whether the request method passes the constraint
func (m Methods) Allows(method string) bool {
	if len(m) == 0 {
		return true
	}
	for _, allowed := range m {
		if allowed == "*" || strings.EqualFold(allowed, method) {
			return true
		}
	}
	return false
}

// RuleMeta holds the fields shared by every rule variant
type RuleMeta struct {
	ID            string  `json:"id"`
	Name          string  `json:"name,omitempty"`
	Order         int     `json:"order"`
	IsActive      bool    `json:"isActive"`
	IsTerminating bool    `json:"isTerminating"`
	Method        Methods `json:"method"`
	PathPattern   string  `json:"pathPattern"`
	Description   string  `json:"description,omitempty"`
}

// Rule is a configured matching condition plus an action
type Rule interface {
	Meta() *RuleMeta
	Kind() RuleKind
}

// Router is implemented by rules that take part in target resolution
type Router interface {
	Rule
	Target() string
}

// Responder is implemented by rules that answer a request without an upstream
type Responder interface {
	Rule
	responder()
}

// ForwardingRule routes matching requests to TargetURL, which may
// reference capture groups of PathPattern as $1, $2, ...
type ForwardingRule struct {
	RuleMeta
	TargetURL string `json:"targetUrl"`
}

// StaticResponseRule answers matching requests with a fixed response
type StaticResponseRule struct {
	RuleMeta
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    interface{}       `json:"body,omitempty"`
}

// PluginRule answers matching requests with the result of a script
type PluginRule struct {
	RuleMeta
	Script string `json:"script"`
}

// RequestModifierRule edits the outbound request on the forward path
type RequestModifierRule struct {
	RuleMeta
	SetHeaders    map[string]string      `json:"setHeaders,omitempty"`
	RemoveHeaders []string               `json:"removeHeaders,omitempty"`
	SetBody       map[string]interface{} `json:"setBody,omitempty"`
}

// ResponseModifierRule edits the client-facing response on the forward path
type ResponseModifierRule struct {
	RuleMeta
	Status        int                    `json:"status,omitempty"`
	SetHeaders    map[string]string      `json:"setHeaders,omitempty"`
	RemoveHeaders []string               `json:"removeHeaders,omitempty"`
	SetBody       map[string]interface{} `json:"setBody,omitempty"`
	DelayMs       int                    `json:"delayMs,omitempty"`
}

func (r *ForwardingRule) Meta() *RuleMeta       { return &r.RuleMeta }
func (r *StaticResponseRule) Meta() *RuleMeta   { return &r.RuleMeta }
func (r *PluginRule) Meta() *RuleMeta           { return &r.RuleMeta }
func (r *RequestModifierRule) Meta() *RuleMeta  { return &r.RuleMeta }
func (r *ResponseModifierRule) Meta() *RuleMeta { return &r.RuleMeta }

func (r *ForwardingRule) Kind() RuleKind       { return KindForwarding }
func (r *StaticResponseRule) Kind() RuleKind   { return KindStaticResponse }
func (r *PluginRule) Kind() RuleKind           { return KindPlugin }
func (r *RequestModifierRule) Kind() RuleKind  { return KindRequestModifier }
func (r *ResponseModifierRule) Kind() RuleKind { return KindResponseModifier }

// Target returns the forwarding target template
func (r *ForwardingRule) Target() string { return r.TargetURL }

func (r *StaticResponseRule) responder() {}
func (r *PluginRule) responder()         {}

// DecodeRule decodes a rule from its JSON form, dispatching on "type"
func DecodeRule(data []byte) (Rule, error) {
	var head struct {
		Type RuleKind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode rule: %w", err)
	}

	var rule Rule
	switch head.Type {
	case KindForwarding:
		rule = &ForwardingRule{}
	case KindStaticResponse:
		rule = &StaticResponseRule{}
	case KindPlugin:
		rule = &PluginRule{}
	case KindRequestModifier:
		rule = &RequestModifierRule{}
	case KindResponseModifier:
		rule = &ResponseModifierRule{}
	case "":
		return nil, fmt.Errorf("decode rule: missing type")
	default:
		return nil, fmt.Errorf("decode rule: unknown type %q", head.Type)
	}

	if err := json.Unmarshal(data, rule); err != nil {
		return nil, fmt.Errorf("decode %s rule: %w", head.Type, err)
	}
	return rule, nil
}

// EncodeRule encodes a rule with its "type" discriminant
func EncodeRule(rule Rule) ([]byte, error) {
	body, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, _ := json.Marshal(rule.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// RuleList is an ordered list of rules with a polymorphic JSON form
type RuleList []Rule

// MarshalJSON encodes each rule with its discriminant
func (l RuleList) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(l))
	for _, rule := range l {
		data, err := EncodeRule(rule)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes each element through DecodeRule
func (l *RuleList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rules := make(RuleList, 0, len(raw))
	for i, item := range raw {
		rule, err := DecodeRule(item)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	*l = rules
	return nil
}

// CloneRule returns a deep copy of a rule
func CloneRule(rule Rule) (Rule, error) {
	data, err := EncodeRule(rule)
	if err != nil {
		return nil, err
	}
	return DecodeRule(data)
}
