package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Subscription is a single live connection to /event/subscribe. Events
// arrive on the returned channel until the context is cancelled or the
// upstream connection drops, at which point the channel is closed.
type Subscription struct {
	ch     chan RawEvent
	cancel context.CancelFunc
}

// Events returns the channel of decoded events.
func (s *Subscription) Events() <-chan RawEvent {
	return s.ch
}

// Close tears down the underlying HTTP connection.
func (s *Subscription) Close() {
	s.cancel()
}

// Subscribe opens a streaming GET /event/subscribe connection. One
// Subscription exists per server; the Connection Supervisor (C3) owns
// its lifecycle and reconnects by calling Subscribe again after the
// channel closes (spec §4.4).
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(subCtx, http.MethodGet, c.baseURL+"/event/subscribe", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode}
	}

	sub := &Subscription{ch: make(chan RawEvent, 32), cancel: cancel}
	go sub.pump(resp.Body)
	return sub, nil
}

// pump reads the text/event-stream body line by line, accumulating
// "data: " lines into one event per blank-line boundary, per the SSE
// wire format. It exits (closing body and ch) when the stream ends or
// ctx is cancelled.
func (s *Subscription) pump(body io.ReadCloser) {
	defer close(s.ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()

			var evt RawEvent
			if err := json.Unmarshal([]byte(payload), &evt); err != nil {
				continue
			}
			s.ch <- evt

		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))

		default:
			// "event:", "id:", "retry:", and comment lines: this stream
			// only ever carries a JSON envelope in "data:".
		}
	}
}
