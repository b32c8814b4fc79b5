// Package projection implements Projection & Throttle (C8): a coalesced,
// deep-immutable snapshot of servers and sessions, published at most every
// 100ms, alongside a pull API for on-demand reads (spec §4.8).
package projection

import (
	"sort"
	"sync"
	"time"

	"github.com/ocfleet/monitor/internal/clock"
	"github.com/ocfleet/monitor/internal/fleet"
)

const publishInterval = 100 * time.Millisecond

// ServerView is a value-typed, immutable-from-the-consumer's-perspective
// projection of a Server.
type ServerView struct {
	URL              string
	InstanceID       string
	Project          string
	Directory        string
	Branch           string
	ConnState        fleet.ConnState
	ReconnectAttempt int
	Health           fleet.HealthStatus
	LocalPID         int32
	LocalProcessName string
}

// SessionView is a value-typed projection of a Session, with Effective
// pre-computed so presenters never need a Clock of their own.
type SessionView struct {
	ID              string
	OwningServerURL string
	ParentID        string
	Title           string
	RawStatus       fleet.RawStatus
	Effective       fleet.EffectiveStatus
	Directory       string
	BusySince       time.Time
	Cost            float64
	TokensIn        int
	TokensOut       int
	TokensTotal     int
	Model           string
	BurnRate        float64
	HasPermission   bool
	PermissionID    string
	PermissionTool  string
	LongRunning     bool
}

// Snapshot is the published unit: every field is a value or a slice of
// values, never a pointer into live Store/Registry state.
type Snapshot struct {
	Servers     []ServerView
	Sessions    []SessionView
	GeneratedAt time.Time
}

// Projection owns the coalescing timer and subscriber fan-out.
type Projection struct {
	registry     *fleet.Registry
	store        *fleet.Store
	clock        clock.Clock
	staleHorizon time.Duration
	longRunning  time.Duration

	mu        sync.Mutex
	dirty     bool
	timer     clock.Timer
	subs      map[chan Snapshot]struct{}
	lastBuilt Snapshot
	filter    *fleet.PrivacyFilter
}

func New(registry *fleet.Registry, store *fleet.Store, c clock.Clock, staleHorizon, longRunning time.Duration) *Projection {
	if c == nil {
		c = clock.Real{}
	}
	return &Projection{
		registry:     registry,
		store:        store,
		clock:        c,
		staleHorizon: staleHorizon,
		longRunning:  longRunning,
		subs:         make(map[chan Snapshot]struct{}),
	}
}

// SetHorizons updates the staleness and long-running thresholds at
// runtime, so a SIGHUP/config-file reload can apply OC_SESSION_TIMEOUT /
// OC_SESSION_LONG_RUNNING-equivalent changes without restarting the daemon.
func (p *Projection) SetHorizons(staleHorizon, longRunning time.Duration) {
	p.mu.Lock()
	p.staleHorizon = staleHorizon
	p.longRunning = longRunning
	p.mu.Unlock()
	p.Touch()
}

// SetPrivacyFilter installs the masking/allow-block policy applied to
// every server and session before a Snapshot is built (SPEC_FULL.md
// "Supplemented features" #2: masking must happen "before sessions leave
// the process boundary", i.e. here, the single point both the TUI and the
// introspection server read from). A nil or no-op filter disables
// filtering entirely. Safe to call at runtime for a config reload.
func (p *Projection) SetPrivacyFilter(f *fleet.PrivacyFilter) {
	p.mu.Lock()
	if f == nil || f.IsNoop() {
		p.filter = nil
	} else {
		p.filter = f
	}
	p.mu.Unlock()
	p.Touch()
}

// Touch marks the projection dirty. Call it after any Registry/Store
// mutation. The first Touch since the last publish schedules a publish
// publishInterval later; subsequent Touches within the window are
// coalesced into that same publish.
func (p *Projection) Touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	if p.timer == nil {
		p.timer = p.clock.AfterFunc(publishInterval, p.publish)
	}
}

func (p *Projection) publish() {
	p.mu.Lock()
	if !p.dirty {
		p.timer = nil
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.timer = nil
	snap := p.build()
	p.lastBuilt = snap
	subs := make([]chan Snapshot, 0, len(p.subs))
	for ch := range p.subs {
		subs = append(subs, ch)
	}
	p.mu.Unlock()

	for _, ch := range subs {
		// Drop-oldest-on-overflow: a slow consumer only ever sees the
		// latest snapshot (spec §9 Design Notes).
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Snapshot is the pull API: reads are always live, never blocked by the
// publish timer (spec §4.8).
func (p *Projection) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.build()
}

// Subscribe registers a push subscriber. The returned channel receives the
// coalesced snapshot at most every 100ms; call the returned function to
// unsubscribe.
func (p *Projection) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	return ch, func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
}

func (p *Projection) build() Snapshot {
	now := p.clock.Now()
	servers := p.registry.GetAll()
	sessions := p.store.GetAll()

	if p.filter != nil {
		servers = p.filter.FilterServers(servers)
		sessions = p.filter.FilterSessions(sessions)
	}

	serverViews := make([]ServerView, 0, len(servers))
	for _, s := range servers {
		serverViews = append(serverViews, ServerView{
			URL:              s.URL,
			InstanceID:       s.InstanceID,
			Project:          s.Project,
			Directory:        s.Directory,
			Branch:           s.Branch,
			ConnState:        s.ConnState,
			ReconnectAttempt: s.ReconnectAttempt,
			Health:           s.Health,
			LocalPID:         s.LocalPID,
			LocalProcessName: s.LocalProcessName,
		})
	}
	sort.Slice(serverViews, func(i, j int) bool { return serverViews[i].URL < serverViews[j].URL })

	sessionViews := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		v := SessionView{
			ID:              s.ID,
			OwningServerURL: s.OwningServerURL,
			ParentID:        s.ParentID,
			Title:           s.Title,
			RawStatus:       s.RawStatus,
			Effective:       s.Effective(now, p.staleHorizon),
			Directory:       s.Directory,
			BusySince:       s.BusySince,
			Cost:            s.Cost,
			TokensIn:        s.TokensIn,
			TokensOut:       s.TokensOut,
			TokensTotal:     s.TokensTotal,
			Model:           s.Model,
			BurnRate:        p.store.BurnRate(s.ID),
		}
		if s.PendingPerm != nil {
			v.HasPermission = true
			v.PermissionID = s.PendingPerm.ID
			v.PermissionTool = s.PendingPerm.Tool
		}
		if !s.BusySince.IsZero() && p.longRunning > 0 && now.Sub(s.BusySince) >= p.longRunning {
			v.LongRunning = true
		}
		sessionViews = append(sessionViews, v)
	}
	sort.Slice(sessionViews, func(i, j int) bool { return sessionViews[i].ID < sessionViews[j].ID })

	return Snapshot{Servers: serverViews, Sessions: sessionViews, GeneratedAt: now}
}
