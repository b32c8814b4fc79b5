package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocfleet/monitor/internal/fleet"
)

func newTestListener(t *testing.T) (*Listener, *fleet.Registry, net.Addr) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	registry := fleet.NewRegistry(func(string) {}, func(string) {})
	l := New(conn, registry, false)
	return l, registry, conn.LocalAddr()
}

// TestHandle_UsesReceiveTimeNotSenderTimestamp guards against the clock mix
// spec §8 scenario 1 would otherwise hit: a packet's sender-supplied "ts" of
// 1000ms (1970) must never become the server's LastAnnounceAt, since
// SweepStale compares LastAnnounceAt against the monitor's own time.Now().
func TestHandle_UsesReceiveTimeNotSenderTimestamp(t *testing.T) {
	l, registry, _ := newTestListener(t)

	before := time.Now()
	l.handle([]byte(`{"type":"oc.announce","serverUrl":"http://localhost:4096","instanceId":"i1","project":"p","ts":1000}`))
	after := time.Now()

	srv, ok := registry.Get("http://127.0.0.1:4096")
	require.True(t, ok)
	assert.False(t, srv.LastAnnounceAt.Before(before), "LastAnnounceAt must be receive time, not the sender's 1970 timestamp")
	assert.False(t, srv.LastAnnounceAt.After(after))

	stale := registry.SweepStale(after, 180*time.Second)
	assert.Empty(t, stale, "a just-announced server must survive an immediate sweep")
}

func TestHandle_MalformedDatagramCountsDropped(t *testing.T) {
	l, _, _ := newTestListener(t)
	l.handle([]byte(`not json`))
	received, dropped := l.Stats()
	assert.Equal(t, uint64(0), received)
	assert.Equal(t, uint64(1), dropped)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	l, _, _ := newTestListener(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
