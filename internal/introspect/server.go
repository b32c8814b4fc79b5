// Package introspect serves a read-only mirror of the fleet Projection
// over local HTTP and WebSocket, for external tooling (SPEC_FULL.md
// "Optional local introspection server"). cmd starts it only in TUI mode,
// when debug.introspect_enabled is set; --debug does not start it. It never accepts a command
// that mutates fleet state -- every session action still goes through the
// TUI's Session View Driver.
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ocfleet/monitor/internal/projection"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 8)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Server hosts the introspection endpoints. Bind addr defaults to
// 127.0.0.1 per spec §6; it is the caller's responsibility not to widen
// that without the user opting in.
type Server struct {
	addr string
	proj *projection.Projection

	mu      sync.RWMutex
	clients map[*client]bool

	httpSrv *http.Server
}

func New(addr string, proj *projection.Projection) *Server {
	return &Server{
		addr:    addr,
		proj:    proj,
		clients: make(map[*client]bool),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	router.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sub, unsubscribe := s.proj.Subscribe()
	defer unsubscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.ListenAndServe() }()

	log.Printf("introspect: listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.proj.Snapshot()); err != nil {
		log.Printf("introspect: encode snapshot: %v", err)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: checkLoopbackOrigin}

// checkLoopbackOrigin only admits connections from browsers/tools running
// on the same machine, matching this server's loopback-only bind intent
// even if the Origin header is present.
func checkLoopbackOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.Contains(origin, "127.0.0.1") ||
		strings.Contains(origin, "localhost") ||
		strings.Contains(origin, "[::1]")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("introspect: ws upgrade: %v", err)
		return
	}

	c := newClient(conn)
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	if data, err := json.Marshal(s.proj.Snapshot()); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go func() {
		defer s.removeClient(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		c.close()
	}
	s.mu.Unlock()
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan projection.Snapshot) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				log.Printf("introspect: marshal snapshot: %v", err)
				continue
			}
			s.mu.RLock()
			clients := make([]*client, 0, len(s.clients))
			for c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.RUnlock()
			for _, c := range clients {
				select {
				case c.send <- data:
				default:
					s.removeClient(c)
				}
			}
		}
	}
}
