// Package engine wires C1-C9 into a single owned value, replacing the
// teacher's global mutable bindings with one struct created by the process
// entry point and injected into presenters (spec §9 Design Notes, "Global
// mutable maps").
package engine

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ocfleet/monitor/internal/clock"
	"github.com/ocfleet/monitor/internal/config"
	"github.com/ocfleet/monitor/internal/conn"
	"github.com/ocfleet/monitor/internal/discovery"
	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/ingest"
	"github.com/ocfleet/monitor/internal/notify"
	"github.com/ocfleet/monitor/internal/procinfo"
	"github.com/ocfleet/monitor/internal/projection"
	"github.com/ocfleet/monitor/internal/view"
)

// Engine owns every core component and is the single value tests
// instantiate fresh; the TUI and the headless daemon are thin consumers
// of it (spec §9, "Daemon vs TUI division").
type Engine struct {
	cfgMu      sync.Mutex
	cfg        *config.Config
	Registry   *fleet.Registry
	Store      *fleet.Store
	Supervisor *conn.Supervisor
	Ingestor   *ingest.Ingestor
	Notifier   *notify.Notifier
	Projection *projection.Projection
	View       *view.Driver
	listener   *discovery.Listener
	clock      clock.Clock
	scheduler  *clock.Scheduler
	debug      bool
}

// SetDebug enables --debug mode's raw discovery packet dump. It must be
// called before Run.
func (e *Engine) SetDebug(v bool) {
	e.debug = v
}

// New builds an Engine with every component wired: Registry's connect/
// remove hooks drive the Connection Supervisor, Store/Registry mutations
// mark the Projection dirty, and removed servers clear the View Driver's
// focus (spec §3 invariant 5).
func New(cfg *config.Config) *Engine {
	return NewWithClock(cfg, clock.Real{})
}

// NewWithClock is New with an injectable Clock, so tests can drive the
// staleness sweep and global refresh loops (spec §4.9's "cancellable and
// mockable" requirement) without real timers.
func NewWithClock(cfg *config.Config, c clock.Clock) *Engine {
	if c == nil {
		c = clock.Real{}
	}
	e := &Engine{cfg: cfg, clock: c, scheduler: clock.New(c)}

	e.Store = fleet.NewStore()
	e.Notifier = notify.New(cfg.Notify.Enabled)
	e.Registry = fleet.NewRegistry(e.onServerConnect, e.onServerRemove)
	e.Ingestor = ingest.New(e.Store, e.Registry, e.Notifier, cfg.Discovery.InstanceStaleAfter)

	supCfg := conn.DefaultConfig()
	supCfg.StaleHorizon = cfg.Discovery.InstanceStaleAfter
	e.Supervisor = conn.NewSupervisor(e.Registry, e.Store, e.Ingestor, supCfg)

	e.Projection = projection.New(e.Registry, e.Store, e.clock, cfg.Discovery.InstanceStaleAfter, cfg.View.LongRunningAfter)
	e.Projection.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())
	e.Store.SetOnChange(e.Projection.Touch)
	e.Registry.SetOnChange(e.Projection.Touch)

	e.View = view.New(e.Store, e.Registry, e.clock)

	return e
}

func (e *Engine) onServerConnect(url string) {
	e.Supervisor.Start(url)
	if server, ok := e.Registry.Get(url); ok {
		if pid, name, ok := procinfo.ResolveLoopback(server.URL); ok {
			e.Registry.SetLocalProcess(url, pid, name)
		}
	}
}

func (e *Engine) onServerRemove(url string) {
	e.Supervisor.Stop(url)
	e.Store.DeleteByServer(url)
	e.View.OnServerRemoved(url)
}

// Run binds the UDP socket and drives the staleness sweep and refresh
// timers until ctx is cancelled. It returns the listener bind error, if
// any, immediately -- per spec §7, that failure is fatal at startup.
func (e *Engine) Run(ctx context.Context) error {
	packetConn, err := net.ListenPacket("udp", ":"+strconv.Itoa(e.cfg.Discovery.Port))
	if err != nil {
		return err
	}
	e.listener = discovery.New(packetConn, e.Registry, e.debug)

	go e.sweepLoop(ctx)
	go e.refreshLoop(ctx)

	return e.listener.Run(ctx)
}

func (e *Engine) sweepLoop(ctx context.Context) {
	e.scheduler.Every(e.cfg.Discovery.SweepInterval, ctx.Done(), func(now time.Time) {
		removed := e.Registry.SweepStale(now, e.cfg.Discovery.ServerStaleAfter)
		for _, url := range removed {
			log.Printf("engine: swept stale server %s", url)
		}
	})
}

// refreshLoop implements the C9 global periodic refresh (spec §4.9): on a
// fixed cadence it re-runs the relevant-set fetch for every connected
// server (recovering from missed SSE events and upstream pruning) and
// forces a Projection publish so presenters also pick up purely
// time-derived state (long-running flags, burn-rate decay, staleness)
// between mutations. Driven through the Scheduler so both cadences are
// injectable and mockable in tests, per spec §4.9.
func (e *Engine) refreshLoop(ctx context.Context) {
	e.scheduler.Every(e.cfg.Discovery.RefreshInterval, ctx.Done(), func(now time.Time) {
		e.Supervisor.RefreshAll(ctx)
		e.Projection.Touch()
	})
}

// ApplyConfig applies the live-reloadable subset of cfg: the notification
// toggle, the privacy filter, the long-running threshold, and the
// Projection's instance stale horizon. The rest of Discovery (port, server
// stale horizon, sweep/refresh intervals) and the Ingestor's and
// Supervisor's stale horizons keep their startup values until a restart;
// config.Diff marks only the port change "(requires restart)".
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.cfgMu.Lock()
	e.cfg.Notify = cfg.Notify
	e.cfg.Privacy = cfg.Privacy
	e.cfg.View = cfg.View
	e.cfgMu.Unlock()

	e.Notifier.SetEnabled(cfg.Notify.Enabled)
	e.Projection.SetHorizons(cfg.Discovery.InstanceStaleAfter, cfg.View.LongRunningAfter)
	e.Projection.SetPrivacyFilter(cfg.Privacy.NewPrivacyFilter())
}

// Config returns a copy of the engine's current configuration, safe to
// read concurrently with ApplyConfig (e.g. for a reload's diff log line).
func (e *Engine) Config() *config.Config {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	cp := *e.cfg
	return &cp
}

// ListenerStats exposes diagnostic counters for --debug mode.
func (e *Engine) ListenerStats() (received, dropped uint64) {
	if e.listener == nil {
		return 0, 0
	}
	return e.listener.Stats()
}
