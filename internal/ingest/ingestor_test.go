package ingest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/upstream"
)

type fakeNotifier struct {
	mu     sync.Mutex
	events []fleet.TransitionEvent
}

func (f *fakeNotifier) Notify(evt fleet.TransitionEvent, server *fleet.Server) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func rawEvent(t *testing.T, typ string, properties any) upstream.RawEvent {
	t.Helper()
	data, err := json.Marshal(properties)
	require.NoError(t, err)
	return upstream.RawEvent{Type: typ, Properties: data}
}

func TestDispatch_SessionStatus_AppliesAndDetectsNew(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.idle", upstream.DeletedEventPayload{SessionID: "s1"}))

	sess, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, fleet.StatusIdle, sess.RawStatus)
}

func TestDispatch_SessionStatus_FiresTransitionOnFlip(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	notifier := &fakeNotifier{}
	ig := New(store, registry, notifier, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.status", map[string]string{"sessionID": "s1", "status": "busy"}))
	assert.Equal(t, 0, notifier.count(), "no prior state to transition out of on a cold start")

	ig.Dispatch("srv", rawEvent(t, "session.status", map[string]string{"sessionID": "s1", "status": "idle"}))
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, fleet.EffectiveBusy, notifier.events[0].OldEffective)
	assert.Equal(t, fleet.EffectiveIdle, notifier.events[0].NewEffective)
}

func TestDispatch_SessionUpdated_MergesFields(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.updated", upstream.UpdatedEventPayload{SessionID: "s1", Title: "fix bug", Directory: "/repo"}))

	sess, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "fix bug", sess.Title)
	assert.Equal(t, "/repo", sess.Directory)
}

func TestDispatch_SessionDeleted_RemovesSession(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.updated", upstream.UpdatedEventPayload{SessionID: "s1", Title: "x"}))
	ig.Dispatch("srv", rawEvent(t, "session.deleted", upstream.DeletedEventPayload{SessionID: "s1"}))

	_, ok := store.Get("s1")
	assert.False(t, ok)
}

func TestDispatch_PermissionUpdated_SetsPendingAndNotifies(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	notifier := &fakeNotifier{}
	ig := New(store, registry, notifier, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.updated", upstream.UpdatedEventPayload{SessionID: "s1", Title: "x"}))
	ig.Dispatch("srv", rawEvent(t, "permission.updated", upstream.PermissionUpdatedPayload{SessionID: "s1", PermissionID: "p1", Tool: "write", Message: "allow?"}))

	sess, ok := store.Get("s1")
	require.True(t, ok)
	require.NotNil(t, sess.PendingPerm)
	assert.Equal(t, "p1", sess.PendingPerm.ID)

	require.Equal(t, 1, notifier.count())
	assert.True(t, notifier.events[0].IsPermission)
}

func TestDispatch_PermissionReplied_ClearsPending(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	ig.Dispatch("srv", rawEvent(t, "session.updated", upstream.UpdatedEventPayload{SessionID: "s1", Title: "x"}))
	ig.Dispatch("srv", rawEvent(t, "permission.updated", upstream.PermissionUpdatedPayload{SessionID: "s1", PermissionID: "p1"}))
	ig.Dispatch("srv", rawEvent(t, "permission.replied", upstream.PermissionRepliedPayload{SessionID: "s1", PermissionID: "p1"}))

	sess, ok := store.Get("s1")
	require.True(t, ok)
	assert.Nil(t, sess.PendingPerm)
}

func TestDispatch_UnknownTypeIsIgnoredNotFatal(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	assert.NotPanics(t, func() {
		ig.Dispatch("srv", upstream.RawEvent{Type: "oc.bogus", Properties: []byte(`{}`)})
	})
}

func TestDispatch_MalformedPropertiesIsIgnoredNotFatal(t *testing.T) {
	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	assert.NotPanics(t, func() {
		ig.Dispatch("srv", upstream.RawEvent{Type: "session.status", Properties: []byte(`not json`)})
	})
}

func TestDispatch_NewSessionMaterializesDetailsFromUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/s1":
			json.NewEncoder(w).Encode(upstream.SessionEnvelope{ID: "s1", Title: "materialized title", Directory: "/work"})
		case "/session/s1/stats":
			json.NewEncoder(w).Encode(upstream.Stats{Cost: 1.5, Model: "gpt-x"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	store := fleet.NewStore()
	registry := fleet.NewRegistry(nil, nil)
	ig := New(store, registry, &fakeNotifier{}, time.Minute)

	ig.Dispatch(srv.URL, rawEvent(t, "session.status", map[string]string{"sessionID": "s1", "status": "busy"}))

	sess, ok := store.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "materialized title", sess.Title)
	assert.Equal(t, "/work", sess.Directory)
	assert.Equal(t, "gpt-x", sess.Model)
	assert.Equal(t, 1.5, sess.Cost)
}
