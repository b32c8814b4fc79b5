package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSession_Effective(t *testing.T) {
	now := time.Now()
	staleHorizon := 120 * time.Second

	t.Run("shutdown is always stale", func(t *testing.T) {
		s := &Session{RawStatus: StatusShutdown, LastHeartbeat: now}
		assert.Equal(t, EffectiveStale, s.Effective(now, staleHorizon))
	})

	t.Run("heartbeat past horizon is stale even if busy", func(t *testing.T) {
		s := &Session{RawStatus: StatusBusy, LastHeartbeat: now.Add(-200 * time.Second)}
		assert.Equal(t, EffectiveStale, s.Effective(now, staleHorizon))
	})

	t.Run("active raw statuses are busy", func(t *testing.T) {
		for _, rs := range []RawStatus{StatusBusy, StatusRunning, StatusPending} {
			s := &Session{RawStatus: rs, LastHeartbeat: now}
			assert.Equal(t, EffectiveBusy, s.Effective(now, staleHorizon), rs.String())
		}
	})

	t.Run("idle is idle", func(t *testing.T) {
		s := &Session{RawStatus: StatusIdle, LastHeartbeat: now}
		assert.Equal(t, EffectiveIdle, s.Effective(now, staleHorizon))
	})
}

func TestApplyBusySince(t *testing.T) {
	now := time.Now()

	t.Run("set exactly on transition into active", func(t *testing.T) {
		prev := &Session{RawStatus: StatusIdle}
		next := &Session{RawStatus: StatusBusy}
		applyBusySince(prev, next, now)
		assert.Equal(t, now, next.BusySince)
	})

	t.Run("cleared exactly on transition out of active", func(t *testing.T) {
		prev := &Session{RawStatus: StatusBusy, BusySince: now.Add(-time.Minute)}
		next := &Session{RawStatus: StatusIdle}
		applyBusySince(prev, next, now)
		assert.True(t, next.BusySince.IsZero())
	})

	t.Run("untouched while staying active", func(t *testing.T) {
		started := now.Add(-5 * time.Minute)
		prev := &Session{RawStatus: StatusBusy, BusySince: started}
		next := &Session{RawStatus: StatusRunning}
		applyBusySince(prev, next, now)
		assert.Equal(t, started, next.BusySince)
	})

	t.Run("untouched while staying inactive", func(t *testing.T) {
		prev := &Session{RawStatus: StatusIdle}
		next := &Session{RawStatus: StatusIdle}
		applyBusySince(prev, next, now)
		assert.True(t, next.BusySince.IsZero())
	})

	t.Run("new session starting active is set", func(t *testing.T) {
		next := &Session{RawStatus: StatusBusy}
		applyBusySince(nil, next, now)
		assert.Equal(t, now, next.BusySince)
	})
}

func TestSessionClone_DeepCopiesPermission(t *testing.T) {
	s := &Session{
		ID:          "s1",
		PendingPerm: &Permission{ID: "p1", Args: map[string]any{"path": "/tmp"}},
	}
	c := s.Clone()
	c.PendingPerm.Args["path"] = "/other"
	assert.Equal(t, "/tmp", s.PendingPerm.Args["path"])
}
