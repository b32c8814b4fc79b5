// Package discovery implements the UDP Discovery Listener (C1): it owns no
// state of its own beyond a socket and diagnostic counters, forwarding
// every recognized datagram to the Server Registry (spec §4.1).
package discovery

import (
	"context"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/wire"
)

const maxDatagramSize = 64 * 1024

// Listener receives announce/shutdown datagrams and forwards them to a
// Registry. It never does I/O beyond UDP receive -- all effects happen via
// calls into the Registry (spec §4.1).
type Listener struct {
	conn     net.PacketConn
	registry *fleet.Registry
	debug    bool

	dropped  atomic.Uint64
	received atomic.Uint64
}

// New wraps an already-bound PacketConn. Binding is the caller's
// responsibility (Engine.Run binds it with net.ListenPacket in every
// mode, the daemon included) so that bind
// failure surfaces at startup as described in spec §4.1, before any
// goroutine is spawned. debug enables the --debug CLI mode's raw packet
// dump (spec §6).
func New(conn net.PacketConn, registry *fleet.Registry, debug bool) *Listener {
	return &Listener{conn: conn, registry: registry, debug: debug}
}

// Run reads datagrams until ctx is cancelled or the socket errors. It is
// meant to run in its own goroutine.
func (l *Listener) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.received.Add(1)
		l.handle(buf[:n])
	}
}

func (l *Listener) handle(data []byte) {
	announce, shutdown, err := wire.Decode(data)
	if err != nil {
		l.dropped.Add(1)
		log.Printf("discovery: dropped datagram: %v", err)
		return
	}

	switch {
	case announce != nil:
		if l.debug {
			log.Printf("discovery: announce instance=%s server=%s project=%s sender_ts=%s", announce.InstanceID, announce.ServerURL, announce.Project, announce.Timestamp)
		}
		// LastAnnounceAt must be the monitor's own receive time, not the
		// sender-supplied ts: SweepStale compares against time.Now(), and
		// mixing clocks would mis-fire staleness under any sender clock
		// skew (spec §8 scenario 1 uses ts:1000, i.e. 1970, as a sentinel
		// value that must never itself evict the server). The packet's ts
		// is kept only for the debug log above.
		l.registry.HandleAnnounce(*announce, time.Now())
	case shutdown != nil:
		if l.debug {
			log.Printf("discovery: shutdown instance=%s", shutdown.InstanceID)
		}
		l.registry.HandleShutdown(shutdown.InstanceID)
	}
}

// Stats returns diagnostic counters for the §4.1 "counted for diagnostics"
// requirement on dropped packets.
func (l *Listener) Stats() (received, dropped uint64) {
	return l.received.Load(), l.dropped.Load()
}
