package models

import "time"

// Response is an upstream response captured for a route
type Response struct {
	ResponseID   string              `json:"responseId"`
	Headers      map[string][]string `json:"headers,omitempty"`
	Body         interface{}         `json:"body,omitempty"`
	BodyEncoding string              `json:"bodyEncoding,omitempty"`
	Status       int                 `json:"status"`
	Count        int                 `json:"count"`
	IsLocked     bool                `json:"isLocked"`
	LockedBody   interface{}         `json:"lockedBody,omitempty"`
	CapturedAt   time.Time           `json:"capturedAt"`
}

// ReplayBody returns the body served for a replay: LockedBody while the
// response is locked and an override is set, Body otherwise.
func (r *Response) ReplayBody() (interface{}, string) {
	if r.IsLocked && r.LockedBody != nil {
		return r.LockedBody, ""
	}
	return r.Body, r.BodyEncoding
}

// Route is the cache record for a (method, resolved path, hostname) triple
type Route struct {
	ID          string      `json:"id"`
	Method      string      `json:"method"`
	Path        string      `json:"path"`
	Hostname    string      `json:"hostname"`
	Responses   []*Response `json:"responses"`
	IsLocked    bool        `json:"isLocked"`
	ForceLocked bool        `json:"forceLocked"`
	Hits        int         `json:"hits"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// RecomputeLock derives IsLocked from ForceLocked and the response flags
func (r *Route) RecomputeLock() {
	if r.ForceLocked {
		r.IsLocked = true
		return
	}
	for _, resp := range r.Responses {
		if resp.IsLocked {
			r.IsLocked = true
			return
		}
	}
	r.IsLocked = false
}

// FindResponse returns the response with the given id, or nil
func (r *Route) FindResponse(responseID string) *Response {
	for _, resp := range r.Responses {
		if resp.ResponseID == responseID {
			return resp
		}
	}
	return nil
}
