package fleet

import (
	"sync"
	"time"
)

// AnnouncePacket is the parsed form of an oc.announce UDP datagram (spec §6).
type AnnouncePacket struct {
	ServerURL  string
	Project    string
	Directory  string
	Branch     string
	InstanceID string
	Timestamp  time.Time
}

// Registry owns the map of known servers, keyed by normalized URL (C2).
// It never performs I/O itself -- connecting and disconnecting is
// delegated to the hooks supplied at construction, which the Engine wires
// to the Connection Supervisor and Session Store.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server

	// onConnect is invoked (outside the lock) whenever a server should
	// open a fresh connection: on first announce and on instanceId-change
	// restarts.
	onConnect func(url string)

	// onRemove is invoked (outside the lock) whenever a server is removed,
	// so the caller can cancel its connection and cascade-delete its
	// sessions from the Session Store.
	onRemove func(url string)

	// onChange is invoked (outside the lock) after every mutation, so the
	// Engine can mark the Projection dirty (spec §4.8).
	onChange func()
}

func NewRegistry(onConnect, onRemove func(url string)) *Registry {
	return &Registry{
		servers:   make(map[string]*Server),
		onConnect: onConnect,
		onRemove:  onRemove,
	}
}

// SetOnChange registers the dirty-notification hook.
func (r *Registry) SetOnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

func (r *Registry) touch() {
	if r.onChange != nil {
		r.onChange()
	}
}

func (r *Registry) Get(url string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[url]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

func (r *Registry) GetAll() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s.Clone())
	}
	return out
}

func (r *Registry) findByInstanceID(instanceID string) (*Server, bool) {
	for _, s := range r.servers {
		if s.InstanceID == instanceID {
			return s, true
		}
	}
	return nil, false
}

// HandleAnnounce implements spec §4.2. It returns the (possibly restarted)
// server's normalized URL, and whether a fresh connection was spawned.
func (r *Registry) HandleAnnounce(pkt AnnouncePacket, now time.Time) (url string, spawned bool) {
	url, err := NormalizeURL(pkt.ServerURL)
	if err != nil {
		return "", false
	}
	defer r.touch()

	r.mu.Lock()
	existing, ok := r.servers[url]

	switch {
	case !ok:
		r.servers[url] = &Server{
			URL:            url,
			InstanceID:     pkt.InstanceID,
			Project:        pkt.Project,
			Directory:      pkt.Directory,
			Branch:         pkt.Branch,
			LastAnnounceAt: now,
			ConnState:      Connecting,
		}
		r.mu.Unlock()
		if r.onConnect != nil {
			r.onConnect(url)
		}
		return url, true

	case existing.InstanceID != pkt.InstanceID:
		// Restart: destroy + create, per spec §3 Lifecycles.
		r.mu.Unlock()
		r.removeInternal(url)

		r.mu.Lock()
		r.servers[url] = &Server{
			URL:            url,
			InstanceID:     pkt.InstanceID,
			Project:        pkt.Project,
			Directory:      pkt.Directory,
			Branch:         pkt.Branch,
			LastAnnounceAt: now,
			ConnState:      Connecting,
		}
		r.mu.Unlock()
		if r.onConnect != nil {
			r.onConnect(url)
		}
		return url, true

	default:
		// Same instance: last-write-wins on scalar fields, no reconnect.
		next := *existing
		next.LastAnnounceAt = now
		next.Project = pkt.Project
		next.Branch = pkt.Branch
		next.Directory = pkt.Directory
		r.servers[url] = &next
		r.mu.Unlock()
		return url, false
	}
}

// HandleShutdown implements spec §4.2: find by instanceId and remove. A
// shutdown for an unknown instanceId is a no-op.
func (r *Registry) HandleShutdown(instanceID string) {
	r.mu.RLock()
	s, ok := r.findByInstanceID(instanceID)
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.Remove(s.URL)
}

// Remove is idempotent: removing an unknown or already-removed URL is a
// no-op. Cancellation and session cascade-delete happen via onRemove.
func (r *Registry) Remove(url string) {
	r.removeInternal(url)
}

func (r *Registry) removeInternal(url string) {
	r.mu.Lock()
	_, ok := r.servers[url]
	if ok {
		delete(r.servers, url)
	}
	r.mu.Unlock()
	if ok {
		r.touch()
		if r.onRemove != nil {
			r.onRemove(url)
		}
	}
}

// SetConnState updates a server's connection-state fields. Called by the
// Connection Supervisor as it moves through its state machine.
func (r *Registry) SetConnState(url string, state ConnState, reconnectAttempt int, now time.Time) {
	defer r.touch()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[url]
	if !ok {
		return
	}
	next := *s
	next.ConnState = state
	next.ReconnectAttempt = reconnectAttempt
	if state == Disconnected {
		next.DisconnectedAt = now
	} else {
		next.DisconnectedAt = time.Time{}
	}
	r.servers[url] = &next
}

// SetHealth updates a server's additive health status.
func (r *Registry) SetHealth(url string, h HealthStatus) {
	defer r.touch()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[url]
	if !ok {
		return
	}
	next := *s
	next.Health = h
	r.servers[url] = &next
}

// SetLocalProcess attaches the loopback PID enrichment (SPEC_FULL.md
// "Supplemented features" #5).
func (r *Registry) SetLocalProcess(url string, pid int32, name string) {
	defer r.touch()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[url]
	if !ok {
		return
	}
	next := *s
	next.LocalPID = pid
	next.LocalProcessName = name
	r.servers[url] = &next
}

// SweepStale implements spec §4.2: remove any server whose LastAnnounceAt
// is older than staleHorizon. Returns the removed URLs.
func (r *Registry) SweepStale(now time.Time, staleHorizon time.Duration) []string {
	r.mu.RLock()
	var stale []string
	for url, s := range r.servers {
		if now.Sub(s.LastAnnounceAt) > staleHorizon {
			stale = append(stale, url)
		}
	}
	r.mu.RUnlock()

	for _, url := range stale {
		r.Remove(url)
	}
	return stale
}
