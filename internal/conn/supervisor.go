// Package conn implements the Connection Supervisor (C3): one connection
// per server, taking it through connecting/connected/disconnected with
// exponential backoff (spec §4.3).
package conn

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/upstream"
)

// Dispatcher receives decoded SSE events for further processing by the
// Event Ingestor (C5). serverURL identifies which server the event came
// from.
type Dispatcher interface {
	Dispatch(serverURL string, evt upstream.RawEvent)
}

// Config holds the Supervisor's tunables, all with spec-mandated defaults.
type Config struct {
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	RecentIdleWindow time.Duration
	StaleHorizon     time.Duration
}

// DefaultConfig matches spec §4.3 and §6 defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		RecentIdleWindow: 10 * time.Minute,
		StaleHorizon:     120 * time.Second,
	}
}

// Supervisor owns one task per server, spawned/cancelled via the Registry's
// onConnect/onRemove hooks (see NewRegistry in internal/fleet).
type Supervisor struct {
	mu         sync.Mutex
	tasks      map[string]*task
	registry   *fleet.Registry
	store      *fleet.Store
	dispatcher Dispatcher
	cfg        Config
	newClient  func(baseURL string) *upstream.Client
}

type task struct {
	serverURL string
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewSupervisor(registry *fleet.Registry, store *fleet.Store, dispatcher Dispatcher, cfg Config) *Supervisor {
	return &Supervisor{
		tasks:      make(map[string]*task),
		registry:   registry,
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		newClient:  upstream.NewClient,
	}
}

// Start spawns (or restarts) the connection task for url. Safe to call from
// Registry.HandleAnnounce's onConnect hook.
func (sv *Supervisor) Start(url string) {
	sv.mu.Lock()
	if existing, ok := sv.tasks[url]; ok {
		sv.mu.Unlock()
		existing.cancel()
		<-existing.done
		sv.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{serverURL: url, cancel: cancel, done: make(chan struct{})}
	sv.tasks[url] = t
	sv.mu.Unlock()

	go sv.run(ctx, t)
}

// Stop cancels and awaits the task for url, bounded by a grace period per
// spec §4.3's cooperative cancellation. Safe to call from Registry.Remove's
// onRemove hook.
func (sv *Supervisor) Stop(url string) {
	sv.mu.Lock()
	t, ok := sv.tasks[url]
	if ok {
		delete(sv.tasks, url)
	}
	sv.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		log.Printf("conn: %s did not exit within grace period, abandoning", url)
	}
}

// RefreshAll re-invokes the relevant-set fetch (spec §4.4(a)) for every
// server currently in the connected state, per the C9 global periodic
// refresh (spec §4.9): this recovers from missed SSE events and from
// upstream pruning of idle sessions. Disconnected/connecting servers are
// skipped; their own reconnect path will run initialFetch when they land.
func (sv *Supervisor) RefreshAll(ctx context.Context) {
	sv.mu.Lock()
	tasks := make([]*task, 0, len(sv.tasks))
	for _, t := range sv.tasks {
		tasks = append(tasks, t)
	}
	sv.mu.Unlock()

	for _, t := range tasks {
		server, ok := sv.registry.Get(t.serverURL)
		if !ok || server.ConnState != fleet.Connected {
			continue
		}
		client := sv.newClient(t.serverURL)
		if err := sv.initialFetch(ctx, t, client, server); err != nil {
			log.Printf("conn: %s periodic refresh failed: %v", t.serverURL, err)
		}
	}
}

func (sv *Supervisor) run(ctx context.Context, t *task) {
	defer close(t.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sv.registry.SetConnState(t.serverURL, fleet.Connecting, attempt, time.Now())

		sub, err := sv.connectOnce(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			sv.registry.SetConnState(t.serverURL, fleet.Disconnected, attempt, time.Now())
			sv.registry.SetHealth(t.serverURL, fleet.HealthDegraded)
			delay := backoff(attempt, sv.cfg)
			log.Printf("conn: %s connect failed: %v (retry in %v)", t.serverURL, err, delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		attempt = 0
		sv.registry.SetConnState(t.serverURL, fleet.Connected, 0, time.Now())
		sv.registry.SetHealth(t.serverURL, fleet.HealthHealthy)

		sv.pump(t, sub)
		sub.Close()

		if ctx.Err() != nil {
			return
		}
		sv.registry.SetConnState(t.serverURL, fleet.Disconnected, attempt, time.Now())
	}
}

// backoff implements spec §4.3: min(maxDelay, baseDelay * 2^(attempt-1)).
func backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		return cfg.BaseDelay
	}
	d := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return d
}

func (sv *Supervisor) connectOnce(ctx context.Context, t *task) (*upstream.Subscription, error) {
	server, ok := sv.registry.Get(t.serverURL)
	if !ok {
		return nil, errNotFound{t.serverURL}
	}
	client := sv.newClient(t.serverURL)

	if err := sv.initialFetch(ctx, t, client, server); err != nil {
		return nil, err
	}
	return client.Subscribe(ctx)
}

func (sv *Supervisor) pump(t *task, sub *upstream.Subscription) {
	for evt := range sub.Events() {
		sv.dispatcher.Dispatch(t.serverURL, evt)
	}
}

type errNotFound struct{ url string }

func (e errNotFound) Error() string { return "conn: server " + e.url + " no longer registered" }

// initialFetch implements spec §4.4(a): pull the active-status map and the
// session list, compute the relevant set, then materialize each member.
func (sv *Supervisor) initialFetch(ctx context.Context, t *task, client *upstream.Client, server *fleet.Server) error {
	type statusResult struct {
		m   map[string]string
		err error
	}
	type listResult struct {
		l   []upstream.SessionListEntry
		err error
	}
	statusCh := make(chan statusResult, 1)
	listCh := make(chan listResult, 1)

	go func() {
		m, err := client.Status(ctx)
		statusCh <- statusResult{m, err}
	}()
	go func() {
		l, err := client.ListSessions(ctx)
		listCh <- listResult{l, err}
	}()

	sr := <-statusCh
	if sr.err != nil {
		return sr.err
	}
	lr := <-listCh
	if lr.err != nil {
		return lr.err
	}

	byID := make(map[string]upstream.SessionListEntry, len(lr.l))
	for _, e := range lr.l {
		byID[e.ID] = e
	}

	relevant := make(map[string]bool)
	for id := range sr.m {
		markAncestors(relevant, byID, id)
	}

	announcedDir := strings.TrimRight(server.Directory, "/")
	var bestRoot *upstream.SessionListEntry
	for i := range lr.l {
		e := &lr.l[i]
		if e.ParentID != "" || strings.TrimRight(e.Directory, "/") != announcedDir {
			continue
		}
		if bestRoot == nil || e.Time.Updated > bestRoot.Time.Updated {
			bestRoot = e
		}
	}
	if bestRoot != nil {
		relevant[bestRoot.ID] = true
	}

	recentCutoffMs := time.Now().Add(-sv.cfg.RecentIdleWindow).UnixMilli()
	for {
		added := false
		for _, e := range lr.l {
			if relevant[e.ID] || e.ParentID == "" || !relevant[e.ParentID] {
				continue
			}
			_, active := sr.m[e.ID]
			if active || e.Time.Updated >= recentCutoffMs {
				relevant[e.ID] = true
				added = true
			}
		}
		if !added {
			break
		}
	}

	for id := range relevant {
		sv.materialize(ctx, t, client, id, byID[id], sr.m)
	}
	return nil
}

func markAncestors(relevant map[string]bool, byID map[string]upstream.SessionListEntry, id string) {
	for id != "" && !relevant[id] {
		relevant[id] = true
		id = byID[id].ParentID
	}
}

// createdAtFromMs converts an upstream epoch-millisecond creation timestamp
// to a time.Time, or the zero Time when the instance didn't report one, so
// sibling ordering (spec §4.7/§8.6) reflects true upstream creation order
// instead of local materialization order.
func createdAtFromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (sv *Supervisor) materialize(ctx context.Context, t *task, client *upstream.Client, id string, entry upstream.SessionListEntry, statusMap map[string]string) {
	now := time.Now()
	status := fleet.ParseRawStatus(entry.Status)
	if raw, ok := statusMap[id]; ok {
		status = fleet.ParseRawStatus(raw)
	}
	createdAt := createdAtFromMs(entry.Time.Created)
	sv.store.UpsertFromStatus(id, t.serverURL, status, now, sv.cfg.StaleHorizon, createdAt)
	sv.store.UpsertFromUpdate(id, t.serverURL, entry.Title, entry.ParentID, entry.Directory, now, createdAt)

	stats, err := client.Stats(ctx, id)
	if err == nil && stats != nil {
		sv.store.RecordStats(id, stats.Tokens.Input, stats.Tokens.Output, stats.Cost, stats.Model, now)
	}
}
