// Package ingest implements the Event Ingestor (C5): it applies decoded SSE
// events to the Session Store and raises transition events for the
// Notifier, per spec §4.5.
package ingest

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/upstream"
)

// Notifier receives TransitionEvents as they are produced. Implemented by
// internal/notify.
type Notifier interface {
	Notify(evt fleet.TransitionEvent, server *fleet.Server)
}

// Ingestor implements conn.Dispatcher.
type Ingestor struct {
	store        *fleet.Store
	registry     *fleet.Registry
	notifier     Notifier
	newClient    func(baseURL string) *upstream.Client
	staleHorizon time.Duration
}

func New(store *fleet.Store, registry *fleet.Registry, notifier Notifier, staleHorizon time.Duration) *Ingestor {
	return &Ingestor{
		store:        store,
		registry:     registry,
		notifier:     notifier,
		newClient:    upstream.NewClient,
		staleHorizon: staleHorizon,
	}
}

// Dispatch routes one event by type per the table in spec §4.5. Unknown
// types and malformed payloads are logged and otherwise ignored; the
// connection is never torn down over a bad event.
func (ig *Ingestor) Dispatch(serverURL string, evt upstream.RawEvent) {
	switch evt.Type {
	case "server.connected":
		log.Printf("ingest: %s: server.connected", serverURL)

	case "session.status":
		var p upstream.StatusEventPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed session.status: %v", err)
			return
		}
		ig.applyStatus(serverURL, p.SessionID, p.Status)

	case "session.idle":
		var p upstream.StatusEventPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed session.idle: %v", err)
			return
		}
		ig.applyStatus(serverURL, p.SessionID, "idle")

	case "session.updated":
		var p upstream.UpdatedEventPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed session.updated: %v", err)
			return
		}
		ig.applyUpdate(serverURL, p)

	case "session.deleted":
		var p upstream.DeletedEventPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed session.deleted: %v", err)
			return
		}
		if p.SessionID != "" {
			ig.store.Delete(p.SessionID)
		}

	case "permission.updated":
		var p upstream.PermissionUpdatedPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed permission.updated: %v", err)
			return
		}
		ig.applyPermission(serverURL, p)

	case "permission.replied":
		var p upstream.PermissionRepliedPayload
		if err := json.Unmarshal(evt.Properties, &p); err != nil {
			log.Printf("ingest: malformed permission.replied: %v", err)
			return
		}
		if p.SessionID != "" {
			ig.store.ClearPermission(p.SessionID)
		}

	default:
		log.Printf("ingest: %s: ignoring unknown event type %q", serverURL, evt.Type)
	}
}

func (ig *Ingestor) applyStatus(serverURL, sessionID, status string) {
	if sessionID == "" {
		return
	}
	now := time.Now()
	raw := fleet.ParseRawStatus(status)
	sess, isNew, transition := ig.store.UpsertFromStatus(sessionID, serverURL, raw, now, ig.staleHorizon, time.Time{})

	if isNew && raw != fleet.StatusIdle {
		ig.materialize(serverURL, sessionID)
	}
	if transition != nil {
		server, _ := ig.registry.Get(serverURL)
		transition.TitleHint = sess.Title
		transition.ServerLabel = serverLabel(server)
		if ig.notifier != nil {
			ig.notifier.Notify(*transition, server)
		}
	}
}

func (ig *Ingestor) applyUpdate(serverURL string, p upstream.UpdatedEventPayload) {
	if p.SessionID == "" {
		return
	}
	_, isNew := ig.store.UpsertFromUpdate(p.SessionID, serverURL, p.Title, p.ParentID, p.Directory, time.Now(), time.Time{})
	if isNew {
		ig.materialize(serverURL, p.SessionID)
	}
}

func (ig *Ingestor) applyPermission(serverURL string, p upstream.PermissionUpdatedPayload) {
	if p.SessionID == "" {
		return
	}
	perm := fleet.Permission{ID: p.PermissionID, Tool: p.Tool, Args: p.Args, Message: p.Message}
	sess, ok := ig.store.SetPermission(p.SessionID, perm, time.Now())
	if !ok {
		return
	}
	server, _ := ig.registry.Get(serverURL)
	evt := fleet.TransitionEvent{
		SessionID:     p.SessionID,
		Timestamp:     time.Now(),
		TitleHint:     sess.Title,
		ServerLabel:   serverLabel(server),
		IsPermission:  true,
		PermissionID:  p.PermissionID,
		PermissionMsg: p.Message,
	}
	if ig.notifier != nil {
		ig.notifier.Notify(evt, server)
	}
}

// materialize fetches a session's details when an event references an id
// the Store has not seen full details for yet (spec §4.5 "if new-to-us,
// fetch details").
func (ig *Ingestor) materialize(serverURL, sessionID string) {
	client := ig.newClient(serverURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	env, err := client.GetSession(ctx, sessionID)
	if err != nil {
		log.Printf("ingest: materialize %s/%s failed: %v", serverURL, sessionID, err)
		return
	}
	ig.store.UpsertFromUpdate(sessionID, serverURL, env.Title, env.ParentID, env.Directory, time.Now(), createdAtFromMs(env.Time.Created))

	stats, err := client.Stats(ctx, sessionID)
	if err == nil && stats != nil {
		ig.store.RecordStats(sessionID, stats.Tokens.Input, stats.Tokens.Output, stats.Cost, stats.Model, time.Now())
	}
}

// createdAtFromMs converts an upstream epoch-millisecond creation timestamp
// to a time.Time, or the zero Time when the instance didn't report one
// (mirrors internal/conn's helper of the same name; see spec §4.7/§8.6).
func createdAtFromMs(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func serverLabel(s *fleet.Server) string {
	if s == nil {
		return ""
	}
	return s.Project + ":" + s.Branch
}
