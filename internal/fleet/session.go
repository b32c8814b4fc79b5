package fleet

import "time"

// RawStatus is the status string an instance reports for a session, taken
// verbatim from session.status / session.idle events.
type RawStatus int

const (
	StatusIdle RawStatus = iota
	StatusRunning
	StatusPending
	StatusBusy
	StatusShutdown
	StatusUnknown
)

var rawStatusNames = map[RawStatus]string{
	StatusIdle:     "idle",
	StatusRunning:  "running",
	StatusPending:  "pending",
	StatusBusy:     "busy",
	StatusShutdown: "shutdown",
	StatusUnknown:  "unknown",
}

var rawStatusFromName = map[string]RawStatus{
	"idle":     StatusIdle,
	"running":  StatusRunning,
	"pending":  StatusPending,
	"busy":     StatusBusy,
	"shutdown": StatusShutdown,
}

func (s RawStatus) String() string {
	if n, ok := rawStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

// ParseRawStatus converts a status string (as reported by an instance) into
// a RawStatus. Unrecognized values become StatusUnknown rather than an
// error -- the Event Ingestor never rejects a session.status event for an
// unfamiliar status string.
func ParseRawStatus(s string) RawStatus {
	if v, ok := rawStatusFromName[s]; ok {
		return v
	}
	return StatusUnknown
}

// EffectiveStatus is the derived, not stored, status used by presenters.
type EffectiveStatus int

const (
	EffectiveIdle EffectiveStatus = iota
	EffectiveBusy
	EffectiveStale
)

func (e EffectiveStatus) String() string {
	switch e {
	case EffectiveBusy:
		return "busy"
	case EffectiveStale:
		return "stale"
	default:
		return "idle"
	}
}

// isActiveRaw reports whether a raw status counts as "active" for the
// busySince bookkeeping rule in spec §4.4(c) / §3 invariant 3.
func isActiveRaw(s RawStatus) bool {
	return s == StatusBusy || s == StatusRunning || s == StatusPending
}

// Permission is a single outstanding tool-use approval request.
type Permission struct {
	ID      string
	Tool    string
	Args    map[string]any
	Message string
}

// Session is the authoritative record of one logical agent conversation,
// owned by exactly one Server. Mutators in Store replace the whole value
// (see spec §4.4(b)) rather than mutating fields in place, so callers that
// retain a *Session from a snapshot never see it change underneath them.
type Session struct {
	ID               string
	OwningServerURL  string
	ParentID         string // empty means root
	Title            string
	RawStatus        RawStatus
	Directory        string
	BusySince        time.Time // zero means not busy
	Cost             float64
	TokensIn         int
	TokensOut        int
	TokensTotal      int
	Model            string
	PendingPerm      *Permission
	DiscoveredAt     time.Time // upstream creation time when known, else first local observation
	StatsUpdatedAt   time.Time
	LastHeartbeat    time.Time // last time this session produced any signal
}

// Clone returns a deep copy safe to hand to a caller that must not observe
// later mutation of the original.
func (s *Session) Clone() *Session {
	c := *s
	if s.PendingPerm != nil {
		p := *s.PendingPerm
		if s.PendingPerm.Args != nil {
			p.Args = make(map[string]any, len(s.PendingPerm.Args))
			for k, v := range s.PendingPerm.Args {
				p.Args[k] = v
			}
		}
		c.PendingPerm = &p
	}
	return &c
}

// Effective computes the derived status described in spec §3: stale beats
// busy beats idle. now and staleHorizon are supplied by the caller (the
// Clock & Scheduler component owns "now"; this function is pure).
func (s *Session) Effective(now time.Time, staleHorizon time.Duration) EffectiveStatus {
	if s.RawStatus == StatusShutdown {
		return EffectiveStale
	}
	if staleHorizon > 0 && !s.LastHeartbeat.IsZero() && now.Sub(s.LastHeartbeat) > staleHorizon {
		return EffectiveStale
	}
	if isActiveRaw(s.RawStatus) {
		return EffectiveBusy
	}
	return EffectiveIdle
}

// applyBusySince enforces invariant 3: busySince is set exactly on the
// transition into an active raw status, and cleared exactly on the
// transition out. It must never be touched while the session stays active
// or stays inactive.
func applyBusySince(prev, next *Session, now time.Time) {
	wasActive := prev != nil && isActiveRaw(prev.RawStatus)
	isActive := isActiveRaw(next.RawStatus)
	switch {
	case !wasActive && isActive:
		next.BusySince = now
	case wasActive && !isActive:
		next.BusySince = time.Time{}
	case wasActive && isActive:
		if prev != nil {
			next.BusySince = prev.BusySince
		}
	}
}
