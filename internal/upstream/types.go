// Package upstream is the monitor's HTTP+SSE client for a single agent
// instance server, implementing the "observed, not defined here" contract
// in spec §6.
package upstream

import "encoding/json"

// RawEvent is one decoded SSE event from /event/subscribe: {type,
// properties:{...}}.
type RawEvent struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionTimes is the "time" sub-object shared by GET /session and
// GET /session/{id}: epoch-millisecond creation and last-update instants as
// reported by the instance itself.
type SessionTimes struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// SessionListEntry is one element of GET /session.
type SessionListEntry struct {
	ID        string       `json:"id"`
	ParentID  string       `json:"parentID"`
	Title     string       `json:"title"`
	Status    string       `json:"status"`
	Directory string       `json:"directory"`
	Time      SessionTimes `json:"time"`
}

// SessionEnvelope is the body of GET /session/{id}.
type SessionEnvelope struct {
	ID        string       `json:"id"`
	ParentID  string       `json:"parentID"`
	Title     string       `json:"title"`
	Status    string       `json:"status"`
	Directory string       `json:"directory"`
	Time      SessionTimes `json:"time"`
}

// MessageInfo is the "info" portion of one element of
// GET /session/{id}/messages.
type MessageInfo struct {
	Role  string `json:"role"`
	Cost  float64 `json:"cost"`
	Tokens *struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
}

// MessagePart is one element of a message's "parts" array. Content shape
// varies by part type; Text is populated for type=="text".
type MessagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Message is one element of GET /session/{id}/messages.
type Message struct {
	Info  MessageInfo   `json:"info"`
	Parts []MessagePart `json:"parts"`
}

// Stats is the body of the optional GET /session/{id}/stats.
type Stats struct {
	Cost   float64 `json:"cost"`
	Tokens struct {
		Input  int `json:"input"`
		Output int `json:"output"`
	} `json:"tokens"`
	Model string `json:"model"`
}

// StatusEventPayload matches session.status / session.idle "properties".
// Status may be a bare string or {"type": "..."}: UnmarshalJSON handles
// both.
type StatusEventPayload struct {
	SessionID string `json:"sessionID"`
	Status    string `json:"-"`
}

func (p *StatusEventPayload) UnmarshalJSON(data []byte) error {
	type alias struct {
		SessionID string          `json:"sessionID"`
		Status    json.RawMessage `json:"status"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	p.SessionID = a.SessionID
	if len(a.Status) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(a.Status, &s); err == nil {
		p.Status = s
		return nil
	}
	var typed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(a.Status, &typed); err == nil {
		p.Status = typed.Type
	}
	return nil
}

// UpdatedEventPayload matches session.updated "properties".
type UpdatedEventPayload struct {
	SessionID string `json:"sessionID"`
	Title     string `json:"title"`
	ParentID  string `json:"parentID"`
	Directory string `json:"directory"`
}

// DeletedEventPayload matches session.deleted "properties".
type DeletedEventPayload struct {
	SessionID string `json:"sessionID"`
}

// PermissionUpdatedPayload matches permission.updated "properties".
type PermissionUpdatedPayload struct {
	SessionID    string         `json:"sessionID"`
	PermissionID string         `json:"permissionID"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	Message      string         `json:"message"`
}

// PermissionRepliedPayload matches permission.replied "properties".
type PermissionRepliedPayload struct {
	SessionID    string `json:"sessionID"`
	PermissionID string `json:"permissionID"`
}
