package introspect

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocfleet/monitor/internal/clock"
	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/projection"
)

func TestCheckLoopbackOrigin(t *testing.T) {
	cases := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://127.0.0.1:51234", true},
		{"http://localhost:51234", true},
		{"http://[::1]:51234", true},
		{"http://evil.example.com", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, checkLoopbackOrigin(req), "origin %q", tc.origin)
	}
}

func TestHandleHealthz(t *testing.T) {
	s := New("127.0.0.1:0", nil)
	w := httptest.NewRecorder()
	s.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleSnapshot_EncodesProjectionSnapshot(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	proj := projection.New(registry, store, clock.Real{}, 2*time.Minute, 10*time.Minute)
	store.UpsertFromStatus("s1", "srv", fleet.StatusBusy, time.Now(), time.Minute, time.Time{})

	s := New("127.0.0.1:0", proj)
	w := httptest.NewRecorder()
	s.handleSnapshot(w, httptest.NewRequest(http.MethodGet, "/snapshot", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snap projection.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, "s1", snap.Sessions[0].ID)
}
