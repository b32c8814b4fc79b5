package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ParsesDataLinesIntoEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		w.Write([]byte("data: {\"type\":\"session.status\",\"properties\":{\"sessionID\":\"s1\"}}\n\n"))
		flusher.Flush()

		// A multi-line data payload (split across two "data:" lines) must
		// be joined with a newline before decoding, per the SSE wire
		// format.
		w.Write([]byte("data: {\"type\":\"message.updated\",\n"))
		w.Write([]byte("data: \"properties\":{\"sessionID\":\"s2\"}}\n\n"))
		flusher.Flush()

		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := c.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	var got []RawEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatal("event channel closed before any event arrived")
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatal("timed out waiting for an SSE event")
		}
	}

	assert.Equal(t, "session.status", got[0].Type)
	assert.Equal(t, "message.updated", got[1].Type)
}

func TestSubscribe_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Subscribe(context.Background())
	require.Error(t, err)

	herr, ok := err.(*HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, herr.StatusCode)
}

func TestSubscribe_ChannelClosesWhenContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := c.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok, "channel should close, not deliver a spurious event")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close after context cancellation")
	}
}
