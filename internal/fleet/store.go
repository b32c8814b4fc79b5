package fleet

import (
	"sync"
	"time"
)

// tokenSnapshot records a token total at a point in time, used for the
// burn-rate telemetry described in SPEC_FULL.md "Supplemented features" #4.
type tokenSnapshot struct {
	total int
	at    time.Time
}

const (
	burnRateWindow    = 60 * time.Second
	maxTokenSnapshots = 120
)

// Store is the authoritative in-memory map of live sessions (C4). Every
// mutator runs under a single mutex so observers always see a coherent
// snapshot (spec §5). Mutators replace the stored value wholesale rather
// than mutating fields in place (spec §4.4(b)), so a *Session handed to a
// caller via Get/GetAll is safe to retain.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	burn     map[string][]tokenSnapshot

	// onChange is invoked (outside the lock) after every mutation, so the
	// Engine can mark the Projection dirty (spec §4.8) without the Store
	// knowing anything about projections.
	onChange func()
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		burn:     make(map[string][]tokenSnapshot),
	}
}

// SetOnChange registers the dirty-notification hook. Must be called before
// any mutator, typically once during Engine wiring.
func (s *Store) SetOnChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) touch() {
	if s.onChange != nil {
		s.onChange()
	}
}

func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (s *Store) GetAll() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// GetByServer returns all sessions currently owned by serverURL.
func (s *Store) GetByServer(serverURL string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.OwningServerURL == serverURL {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// Children returns the direct children of id. Callers sort by DiscoveredAt
// (the upstream creation instant when known) for the Session View Driver's
// tree traversal, spec §4.7.
func (s *Store) Children(id string) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.ParentID == id {
			out = append(out, sess.Clone())
		}
	}
	return out
}

// wouldCycleLocked reports whether setting child's parent to parentID would
// create a cycle, by walking parentID's ancestor chain looking for child.
// Caller must hold s.mu.
func (s *Store) wouldCycleLocked(child, parentID string) bool {
	seen := map[string]bool{child: true}
	cur := parentID
	for cur != "" {
		if seen[cur] {
			return true
		}
		seen[cur] = true
		parent, ok := s.sessions[cur]
		if !ok {
			return false
		}
		cur = parent.ParentID
	}
	return false
}

// upsertLocked inserts or replaces a session, applying the busySince rule
// (spec §4.4(c)) and the cycle-rejection invariant (spec §3 invariant 4:
// drop the offending parent link, keep the node as a root). createdAt, when
// non-zero, is the upstream-reported creation instant (spec §4.7/§8.6
// "children sorted by creation time") and always wins over any prior or
// placeholder DiscoveredAt, so a relevant-set refetch converges on the true
// value instead of the first materialization's local clock reading. Caller
// must hold s.mu.
func (s *Store) upsertLocked(next *Session, now, createdAt time.Time) (sess *Session, isNew bool) {
	prev, existed := s.sessions[next.ID]

	if next.ParentID != "" && s.wouldCycleLocked(next.ID, next.ParentID) {
		next.ParentID = ""
	}

	applyBusySince(prev, next, now)

	switch {
	case !createdAt.IsZero():
		next.DiscoveredAt = createdAt
	case existed:
		if next.DiscoveredAt.IsZero() {
			next.DiscoveredAt = prev.DiscoveredAt
		}
	default:
		if next.DiscoveredAt.IsZero() {
			next.DiscoveredAt = now
		}
	}

	stored := next.Clone()
	s.sessions[next.ID] = stored
	return stored.Clone(), !existed
}

// UpsertFromStatus applies a session.status / session.idle event (spec
// §4.5). status is the raw status string from the event. createdAt is the
// upstream-reported creation instant when the caller knows it (from a
// session-list fetch), or the zero Time when it doesn't (plain SSE status
// events carry no creation timestamp); see upsertLocked. Returns the
// resulting session, whether it was newly created, and a TransitionEvent
// when the effective status flipped (nil otherwise); staleHorizon is used
// to compute effective status before and after for the transition check.
func (s *Store) UpsertFromStatus(id, serverURL string, status RawStatus, now time.Time, staleHorizon time.Duration, createdAt time.Time) (sess *Session, isNew bool, transition *TransitionEvent) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.sessions[id]
	var oldEff EffectiveStatus
	if existed {
		oldEff = prev.Effective(now, staleHorizon)
	} else {
		oldEff = EffectiveIdle
	}

	var next Session
	if existed {
		next = *prev
	} else {
		next = Session{ID: id, OwningServerURL: serverURL}
	}
	next.RawStatus = status
	next.LastHeartbeat = now

	stored, isNew := s.upsertLocked(&next, now, createdAt)

	newEff := stored.Effective(now, staleHorizon)
	if existed && oldEff != newEff {
		transition = &TransitionEvent{
			SessionID:    id,
			OldEffective: oldEff,
			NewEffective: newEff,
			Timestamp:    now,
			TitleHint:    stored.Title,
		}
	}
	return stored, isNew, transition
}

// UpsertFromUpdate applies a session.updated event's title/parentId/
// directory merge (spec §4.5). Empty fields are treated as "no new
// information" and leave the existing value untouched. createdAt carries the
// upstream creation instant when the caller has it (see upsertLocked); pass
// the zero Time when it isn't known.
func (s *Store) UpsertFromUpdate(id, serverURL, title, parentID, directory string, now, createdAt time.Time) (sess *Session, isNew bool) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.sessions[id]
	var next Session
	if existed {
		next = *prev
	} else {
		next = Session{ID: id, OwningServerURL: serverURL, RawStatus: StatusUnknown}
	}
	if title != "" {
		next.Title = title
	}
	if parentID != "" {
		next.ParentID = parentID
	}
	if directory != "" {
		next.Directory = directory
	}
	next.LastHeartbeat = now

	return s.upsertLocked(&next, now, createdAt)
}

// RecordStats merges token/cost/model data (from /session/{id}/stats or a
// usage record in a message) and updates the burn-rate window.
func (s *Store) RecordStats(id string, tokensIn, tokensOut int, cost float64, model string, now time.Time) (*Session, bool) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.sessions[id]
	if !existed {
		return nil, false
	}
	next := *prev
	next.TokensIn = tokensIn
	next.TokensOut = tokensOut
	next.TokensTotal = tokensIn + tokensOut
	next.Cost = cost
	if model != "" {
		next.Model = model
	}
	next.StatsUpdatedAt = now

	s.recordBurnLocked(id, next.TokensTotal, now)

	stored := next.Clone()
	s.sessions[id] = stored
	return stored.Clone(), true
}

func (s *Store) recordBurnLocked(id string, total int, now time.Time) {
	snaps := append(s.burn[id], tokenSnapshot{total: total, at: now})
	cutoff := now.Add(-burnRateWindow)
	start := 0
	for i, snap := range snaps {
		if snap.at.After(cutoff) {
			start = i
			break
		}
		start = i + 1
	}
	if start > 0 {
		snaps = snaps[start:]
	}
	if len(snaps) > maxTokenSnapshots {
		snaps = append([]tokenSnapshot(nil), snaps[len(snaps)-maxTokenSnapshots:]...)
	}
	s.burn[id] = snaps
}

// BurnRate returns tokens-per-minute over the rolling window, or 0 when
// insufficient data has accumulated.
func (s *Store) BurnRate(id string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps := s.burn[id]
	if len(snaps) < 2 {
		return 0
	}
	oldest, latest := snaps[0], snaps[len(snaps)-1]
	tokenDelta := latest.total - oldest.total
	timeDelta := latest.at.Sub(oldest.at)
	if timeDelta.Seconds() < 5 || tokenDelta <= 0 {
		return 0
	}
	return float64(tokenDelta) / timeDelta.Minutes()
}

// SetPermission sets a pending permission on a session (permission.updated).
func (s *Store) SetPermission(id string, perm Permission, now time.Time) (*Session, bool) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.sessions[id]
	if !existed {
		return nil, false
	}
	next := *prev
	p := perm
	next.PendingPerm = &p
	next.LastHeartbeat = now
	stored := next.Clone()
	s.sessions[id] = stored
	return stored.Clone(), true
}

// ClearPermission clears the pending permission (permission.replied).
func (s *Store) ClearPermission(id string) (*Session, bool) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, existed := s.sessions[id]
	if !existed {
		return nil, false
	}
	next := *prev
	next.PendingPerm = nil
	stored := next.Clone()
	s.sessions[id] = stored
	return stored.Clone(), true
}

// Delete removes a single session (session.deleted).
func (s *Store) Delete(id string) {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.burn, id)
}

// DeleteByServer removes every session owned by serverURL atomically and
// returns their ids, implementing spec §3 invariant 2 (removing a server
// deletes its sessions atomically).
func (s *Store) DeleteByServer(serverURL string) []string {
	defer s.touch()
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, sess := range s.sessions {
		if sess.OwningServerURL == serverURL {
			removed = append(removed, id)
			delete(s.sessions, id)
			delete(s.burn, id)
		}
	}
	return removed
}

// Count returns the number of tracked sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
