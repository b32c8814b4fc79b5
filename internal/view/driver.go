// Package view implements the Session View Driver (C7): the focused
// session subscription the presenter binds to, including tree traversal,
// message refresh, and command forwarding (spec §4.7).
package view

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ocfleet/monitor/internal/clock"
	"github.com/ocfleet/monitor/internal/fleet"
	"github.com/ocfleet/monitor/internal/upstream"
)

const messageRefreshDebounce = 250 * time.Millisecond

// TreeNode is one row of a pre-order, depth-annotated session tree.
type TreeNode struct {
	SessionID string
	Depth     int
}

// TranscriptEntry is one flattened message for display.
type TranscriptEntry struct {
	Role string
	Text string
	Cost float64
}

// State is the value the Driver publishes after every change. It is safe
// to retain: Driver never mutates a published State.
type State struct {
	ServerURL string
	Tree      []TreeNode
	Focus     int // index into Tree, or -1 when nothing is focused
	Messages  []TranscriptEntry
	Err       string
}

// Driver owns at most one focused session subscription at a time.
type Driver struct {
	store     *fleet.Store
	registry  *fleet.Registry
	newClient func(baseURL string) *upstream.Client
	clk       clock.Clock

	mu           sync.Mutex
	serverURL    string
	sessionID    string
	client       *upstream.Client
	sub          *upstream.Subscription
	cancel       context.CancelFunc
	tree         []TreeNode
	focusIdx     int
	messages     []TranscriptEntry
	lastErr      error
	refreshTimer clock.Timer
	pendingRef   bool

	subscribers map[chan State]struct{}
}

func New(store *fleet.Store, registry *fleet.Registry, c clock.Clock) *Driver {
	if c == nil {
		c = clock.Real{}
	}
	return &Driver{
		store:       store,
		registry:    registry,
		newClient:   upstream.NewClient,
		clk:         c,
		focusIdx:    -1,
		subscribers: make(map[chan State]struct{}),
	}
}

// Updates returns a channel of published States; unsubscribe with the
// returned function.
func (d *Driver) Updates() (<-chan State, func()) {
	ch := make(chan State, 1)
	d.mu.Lock()
	d.subscribers[ch] = struct{}{}
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		delete(d.subscribers, ch)
		d.mu.Unlock()
	}
}

// Enter implements spec §4.7 "enter": resolve the root, build the
// pre-order tree, fetch messages, and open a session-scoped SSE
// subscription (the upstream API has no server-side scoping, so the
// Driver opens its own connection and filters client-side by sessionID).
func (d *Driver) Enter(ctx context.Context, serverURL, sessionID string) {
	d.exitLocked()

	d.mu.Lock()
	d.serverURL = serverURL
	d.sessionID = sessionID
	d.client = d.newClient(serverURL)
	subCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	client := d.client
	d.mu.Unlock()

	d.rebuildTree()
	d.refreshMessagesNow(ctx)

	sub, err := client.Subscribe(subCtx)
	if err != nil {
		d.setErr(err)
		return
	}
	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	go d.pump(sub)
}

// Switch moves focus within the tree with wrap-around (spec §4.7
// "switch"). delta is +1 (next) or -1 (prev).
func (d *Driver) Switch(ctx context.Context, delta int) {
	d.mu.Lock()
	if len(d.tree) == 0 {
		d.mu.Unlock()
		return
	}
	next := (d.focusIdx + delta) % len(d.tree)
	if next < 0 {
		next += len(d.tree)
	}
	d.focusIdx = next
	d.sessionID = d.tree[next].SessionID
	d.mu.Unlock()

	d.refreshMessagesNow(ctx)
	d.publish()
}

// Abort implements spec §4.7 "abort": POST abort to the owning server; on
// success mark the focused session idle locally (the event will confirm).
func (d *Driver) Abort(ctx context.Context) {
	d.mu.Lock()
	client, sessionID := d.client, d.sessionID
	d.mu.Unlock()
	if client == nil || sessionID == "" {
		return
	}
	if err := client.Abort(ctx, sessionID); err != nil {
		d.setErr(err)
		return
	}
	now := time.Now()
	d.store.UpsertFromStatus(sessionID, d.currentServerURL(), fleet.StatusIdle, now, 0, time.Time{})
	d.clearErr()
}

// SendPrompt implements spec §4.7 "sendPrompt": trim, no-op on empty,
// optimistic local busy mark, then POST.
func (d *Driver) SendPrompt(ctx context.Context, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	d.mu.Lock()
	client, sessionID, serverURL := d.client, d.sessionID, d.serverURL
	d.mu.Unlock()
	if client == nil || sessionID == "" {
		return
	}

	now := time.Now()
	d.store.UpsertFromStatus(sessionID, serverURL, fleet.StatusBusy, now, 0, time.Time{})
	d.publish()

	if err := client.Prompt(ctx, sessionID, text); err != nil {
		d.setErr(err)
		return
	}
	d.clearErr()
}

// RespondPermission implements spec §4.7 "respondPermission(permId,
// allow|deny, remember)".
func (d *Driver) RespondPermission(ctx context.Context, permID string, allow, remember bool) {
	d.mu.Lock()
	client, sessionID := d.client, d.sessionID
	d.mu.Unlock()
	if client == nil || sessionID == "" {
		return
	}
	if err := client.RespondPermission(ctx, sessionID, permID, allow, remember); err != nil {
		d.setErr(err)
		return
	}
	d.store.ClearPermission(sessionID)
	d.clearErr()
}

// Exit implements spec §4.7 "exit": cancel the subscription and drop
// focus.
func (d *Driver) Exit() {
	d.exitLocked()
	d.publish()
}

func (d *Driver) exitLocked() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.sub = nil
	d.client = nil
	d.serverURL = ""
	d.sessionID = ""
	d.tree = nil
	d.focusIdx = -1
	d.messages = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnServerRemoved implements spec §3 invariant 5: clear focus if its
// server was removed.
func (d *Driver) OnServerRemoved(serverURL string) {
	d.mu.Lock()
	match := d.serverURL == serverURL
	d.mu.Unlock()
	if match {
		d.Exit()
	}
}

func (d *Driver) currentServerURL() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serverURL
}

func (d *Driver) pump(sub *upstream.Subscription) {
	for evt := range sub.Events() {
		sid, ok := extractSessionID(evt)
		if !ok || sid != d.currentSessionID() {
			continue
		}
		if evt.Type == "message.updated" || evt.Type == "message.part.updated" {
			d.scheduleRefresh()
		}
	}
}

func (d *Driver) currentSessionID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID
}

func extractSessionID(evt upstream.RawEvent) (string, bool) {
	var p struct {
		SessionID string `json:"sessionID"`
	}
	if err := json.Unmarshal(evt.Properties, &p); err != nil || p.SessionID == "" {
		return "", false
	}
	return p.SessionID, true
}

// scheduleRefresh implements the 250ms debounce from spec §4.7: at most
// one refresh per window, additional triggers during the window coalesce
// into the next one.
func (d *Driver) scheduleRefresh() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pendingRef {
		return
	}
	d.pendingRef = true
	d.refreshTimer = d.clk.AfterFunc(messageRefreshDebounce, func() {
		d.mu.Lock()
		d.pendingRef = false
		d.mu.Unlock()
		d.refreshMessagesNow(context.Background())
	})
}

func (d *Driver) refreshMessagesNow(ctx context.Context) {
	d.mu.Lock()
	client, sessionID := d.client, d.sessionID
	d.mu.Unlock()
	if client == nil || sessionID == "" {
		return
	}
	msgs, err := client.Messages(ctx, sessionID)
	if err != nil {
		d.setErr(err)
		return
	}
	entries := make([]TranscriptEntry, 0, len(msgs))
	for _, m := range msgs {
		var text strings.Builder
		for _, part := range m.Parts {
			if part.Type == "text" {
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(part.Text)
			}
		}
		entries = append(entries, TranscriptEntry{Role: m.Info.Role, Text: text.String(), Cost: m.Info.Cost})
	}
	d.mu.Lock()
	d.messages = entries
	d.lastErr = nil
	d.mu.Unlock()
	d.publish()
}

// rebuildTree implements spec §4.7 "enter": resolve the root by chasing
// parentId, then pre-order traverse children sorted by creation time.
func (d *Driver) rebuildTree() {
	d.mu.Lock()
	sessionID := d.sessionID
	d.mu.Unlock()

	sess, ok := d.store.Get(sessionID)
	if !ok {
		d.setErr(errSessionGone{sessionID})
		return
	}
	root := sess
	for root.ParentID != "" {
		parent, ok := d.store.Get(root.ParentID)
		if !ok {
			break
		}
		root = parent
	}

	var tree []TreeNode
	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		tree = append(tree, TreeNode{SessionID: id, Depth: depth})
		children := d.store.Children(id)
		sort.Slice(children, func(i, j int) bool {
			return children[i].DiscoveredAt.Before(children[j].DiscoveredAt)
		})
		for _, c := range children {
			walk(c.ID, depth+1)
		}
	}
	walk(root.ID, 0)

	idx := -1
	for i, n := range tree {
		if n.SessionID == sessionID {
			idx = i
			break
		}
	}

	d.mu.Lock()
	d.tree = tree
	d.focusIdx = idx
	d.mu.Unlock()
	d.publish()
}

type errSessionGone struct{ id string }

func (e errSessionGone) Error() string { return "view: session " + e.id + " no longer exists" }

func (d *Driver) setErr(err error) {
	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()
	log.Printf("view: %v", err)
	d.publish()
}

func (d *Driver) clearErr() {
	d.mu.Lock()
	d.lastErr = nil
	d.mu.Unlock()
	d.publish()
}

func (d *Driver) publish() {
	d.mu.Lock()
	st := State{
		ServerURL: d.serverURL,
		Tree:      append([]TreeNode(nil), d.tree...),
		Focus:     d.focusIdx,
		Messages:  append([]TranscriptEntry(nil), d.messages...),
	}
	if d.lastErr != nil {
		st.Err = d.lastErr.Error()
	}
	subs := make([]chan State, 0, len(d.subscribers))
	for ch := range d.subscribers {
		subs = append(subs, ch)
	}
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
