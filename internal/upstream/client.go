package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client makes REST calls to one agent instance's HTTP API (spec §6
// "Upstream HTTP"). One Client is created per discovered server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient targets the given base URL (e.g. "http://127.0.0.1:51234").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// ListSessions fetches GET /session, used for the Connection Supervisor's
// initial full fetch (spec §4.4(a)).
func (c *Client) ListSessions(ctx context.Context) ([]SessionListEntry, error) {
	var out []SessionListEntry
	if err := c.get(ctx, "/session", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches GET /session/status, a cheap liveness probe the
// Connection Supervisor uses before committing to an SSE subscription.
func (c *Client) Status(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.get(ctx, "/session/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches GET /session/{id}.
func (c *Client) GetSession(ctx context.Context, id string) (*SessionEnvelope, error) {
	var out SessionEnvelope
	if err := c.get(ctx, "/session/"+id, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Children fetches GET /session/{id}/children.
func (c *Client) Children(ctx context.Context, id string) ([]SessionListEntry, error) {
	var out []SessionListEntry
	if err := c.get(ctx, "/session/"+id+"/children", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches GET /session/{id}/messages, used by the Session View
// Driver to populate the focused transcript (spec §4.7).
func (c *Client) Messages(ctx context.Context, id string) ([]Message, error) {
	var out []Message
	if err := c.get(ctx, "/session/"+id+"/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches the optional GET /session/{id}/stats. A 404 is reported
// as a non-error nil; callers then leave the session's usage unchanged.
func (c *Client) Stats(ctx context.Context, id string) (*Stats, error) {
	var out Stats
	err := c.get(ctx, "/session/"+id+"/stats", &out)
	if herr, ok := err.(*HTTPError); ok && herr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Abort sends POST /session/{id}/abort.
func (c *Client) Abort(ctx context.Context, id string) error {
	return c.post(ctx, "/session/"+id+"/abort", nil, nil)
}

// promptPart mirrors the one shape of POST /session/{id}/prompt's
// parts[] the monitor ever sends (spec §6).
type promptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Prompt sends POST /session/{id}/prompt with the given text wrapped in the
// upstream's {parts:[{type:"text",text}]} envelope (spec §6).
func (c *Client) Prompt(ctx context.Context, id, text string) error {
	body := struct {
		Parts []promptPart `json:"parts"`
	}{Parts: []promptPart{{Type: "text", Text: text}}}
	return c.post(ctx, "/session/"+id+"/prompt", body, nil)
}

// RespondPermission sends POST /session/{id}/permissions/{permId} with
// {response:"allow"|"deny", remember:bool} (spec §6, §8 scenario 4).
func (c *Client) RespondPermission(ctx context.Context, id, permID string, allow, remember bool) error {
	response := "deny"
	if allow {
		response = "allow"
	}
	body := struct {
		Response string `json:"response"`
		Remember bool   `json:"remember"`
	}{Response: response, Remember: remember}
	return c.post(ctx, "/session/"+id+"/permissions/"+permID, body, nil)
}

// HTTPError wraps a non-2xx upstream HTTP response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream: %d: %s", e.StatusCode, e.Body)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
