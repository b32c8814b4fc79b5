package fleet

import "time"

// TransitionEvent is the ephemeral record described in spec §3, produced by
// the Event Ingestor (C5) and consumed by the Notifier (C6).
type TransitionEvent struct {
	SessionID     string
	OldEffective  EffectiveStatus
	NewEffective  EffectiveStatus
	Timestamp     time.Time
	TitleHint     string
	ServerLabel   string
	IsPermission  bool // true when this represents a newly requested permission rather than a status flip
	PermissionID  string
	PermissionMsg string
}
