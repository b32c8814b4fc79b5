package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deadlockTimeout = 2 * time.Second

// mustCompleteWithin runs f in a goroutine and fails the test if f does not
// return within the given timeout. A timeout means the goroutine is
// permanently blocked -- the classic symptom of RWMutex re-entrancy in a
// callback invoked while the lock is held.
func mustCompleteWithin(t *testing.T, timeout time.Duration, desc string, f func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Errorf("DEADLOCK: %s did not complete within %v (goroutine is permanently blocked)", desc, timeout)
	}
}

func TestStore_OnChangeCallbackMustNotDeadlock(t *testing.T) {
	s := NewStore()
	var fired int
	s.SetOnChange(func() { fired++ })

	now := time.Now()
	s.UpsertFromStatus("s1", "http://127.0.0.1:1", StatusBusy, now, time.Minute, time.Time{})
	assert.Equal(t, 1, fired)

	mustCompleteWithin(t, deadlockTimeout, "Get after UpsertFromStatus", func() {
		_, _ = s.Get("s1")
	})
	mustCompleteWithin(t, deadlockTimeout, "GetAll after UpsertFromStatus", func() {
		_ = s.GetAll()
	})
}

func TestStore_UpsertFromStatus_TransitionEvents(t *testing.T) {
	s := NewStore()
	now := time.Now()
	staleHorizon := time.Minute

	_, isNew, transition := s.UpsertFromStatus("s1", "srv", StatusIdle, now, staleHorizon, time.Time{})
	assert.True(t, isNew)
	assert.Nil(t, transition, "no transition on first creation (existed=false)")

	_, isNew, transition = s.UpsertFromStatus("s1", "srv", StatusBusy, now, staleHorizon, time.Time{})
	assert.False(t, isNew)
	require.NotNil(t, transition)
	assert.Equal(t, EffectiveIdle, transition.OldEffective)
	assert.Equal(t, EffectiveBusy, transition.NewEffective)

	_, _, transition = s.UpsertFromStatus("s1", "srv", StatusRunning, now, staleHorizon, time.Time{})
	assert.Nil(t, transition, "busy -> running stays effective busy, no transition")

	_, _, transition = s.UpsertFromStatus("s1", "srv", StatusIdle, now, staleHorizon, time.Time{})
	require.NotNil(t, transition)
	assert.Equal(t, EffectiveBusy, transition.OldEffective)
	assert.Equal(t, EffectiveIdle, transition.NewEffective)
}

func TestStore_CycleRejection(t *testing.T) {
	s := NewStore()
	now := time.Now()

	s.UpsertFromUpdate("a", "srv", "A", "", "", now, time.Time{})
	s.UpsertFromUpdate("b", "srv", "B", "a", "", now, time.Time{})
	s.UpsertFromUpdate("c", "srv", "C", "b", "", now, time.Time{})

	// c -> b -> a; now try to make a a child of c, which would cycle.
	sess, _ := s.UpsertFromUpdate("a", "srv", "A", "c", "", now, time.Time{})
	assert.Equal(t, "", sess.ParentID, "cyclic parent link is dropped, node stays a root")

	// non-cyclic relationships remain intact.
	b, _ := s.Get("b")
	assert.Equal(t, "a", b.ParentID)
}

// TestStore_CreatedAtWinsOverLocalObservationTime guards against the
// non-determinism spec §4.7/§8.6 warns about: DiscoveredAt must reflect the
// upstream-reported creation instant whenever the caller has it, not the
// local time the Store first happened to materialize the session.
func TestStore_CreatedAtWinsOverLocalObservationTime(t *testing.T) {
	s := NewStore()
	now := time.Now()
	created := now.Add(-time.Hour)

	sess, isNew := s.UpsertFromUpdate("s1", "srv", "t", "", "/", now, created)
	require.True(t, isNew)
	assert.True(t, sess.DiscoveredAt.Equal(created), "known upstream creation time must be used instead of now")

	// A later refresh that again reports the same creation time must not
	// drift DiscoveredAt forward.
	sess, isNew = s.UpsertFromUpdate("s1", "srv", "t2", "", "/", now.Add(time.Minute), created)
	assert.False(t, isNew)
	assert.True(t, sess.DiscoveredAt.Equal(created))

	// An unrelated update with no known creation time (e.g. a bare SSE
	// session.updated event) must not clobber the previously learned value.
	sess, _ = s.UpsertFromUpdate("s1", "srv", "t3", "", "/", now.Add(2*time.Minute), time.Time{})
	assert.True(t, sess.DiscoveredAt.Equal(created))
}

func TestStore_BusySinceInvariantAcrossUpserts(t *testing.T) {
	s := NewStore()
	t0 := time.Now()

	sess, _, _ := s.UpsertFromStatus("s1", "srv", StatusBusy, t0, time.Minute, time.Time{})
	assert.Equal(t, t0, sess.BusySince)

	t1 := t0.Add(30 * time.Second)
	sess, _, _ = s.UpsertFromStatus("s1", "srv", StatusRunning, t1, time.Minute, time.Time{})
	assert.Equal(t, t0, sess.BusySince, "busySince must not move while staying active")

	t2 := t1.Add(30 * time.Second)
	sess, _, _ = s.UpsertFromStatus("s1", "srv", StatusIdle, t2, time.Minute, time.Time{})
	assert.True(t, sess.BusySince.IsZero(), "busySince cleared on transition out of active")
}

func TestStore_DeleteByServer(t *testing.T) {
	s := NewStore()
	now := time.Now()
	s.UpsertFromStatus("s1", "srv-a", StatusIdle, now, time.Minute, time.Time{})
	s.UpsertFromStatus("s2", "srv-a", StatusIdle, now, time.Minute, time.Time{})
	s.UpsertFromStatus("s3", "srv-b", StatusIdle, now, time.Minute, time.Time{})

	removed := s.DeleteByServer("srv-a")
	assert.ElementsMatch(t, []string{"s1", "s2"}, removed)
	assert.Equal(t, 1, s.Count())
}

func TestStore_BurnRate(t *testing.T) {
	s := NewStore()
	t0 := time.Now()
	s.UpsertFromStatus("s1", "srv", StatusBusy, t0, time.Minute, time.Time{})

	assert.Equal(t, 0.0, s.BurnRate("s1"), "no rate with fewer than two snapshots")

	s.RecordStats("s1", 100, 0, 0, "m", t0)
	t1 := t0.Add(30 * time.Second)
	s.RecordStats("s1", 1100, 0, 0, "m", t1)

	assert.Equal(t, 2000.0, s.BurnRate("s1"), "1000 tokens over 30s is 2000 tokens/minute")
}
