// Package notify implements the Notifier (C6): it consumes TransitionEvents
// and raises OS-native desktop notifications, per spec §4.6.
package notify

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/ocfleet/monitor/internal/fleet"
)

// Notifier dispatches one OS notification per qualifying TransitionEvent.
// It implements ingest.Notifier. Dispatch is queued through a bounded
// channel so a slow `osascript`/`notify-send` invocation never stalls the
// SSE ingestion loop that calls Notify -- per spec §9 Design Notes, the
// transition stream blocks briefly under back-pressure rather than
// dropping.
type Notifier struct {
	mu      sync.RWMutex
	enabled bool
	runner  func(script string) error
	jobs    chan notifyJob
}

type notifyJob struct {
	server *fleet.Server
	body   string
}

// New builds a Notifier and starts its dispatch worker. enabled mirrors
// the config toggle (spec §4.6 "suppress when disabled by config"); when
// false, Notify is a no-op.
func New(enabled bool) *Notifier {
	n := &Notifier{
		enabled: enabled,
		runner:  runShell,
		jobs:    make(chan notifyJob, 32),
	}
	go n.worker()
	return n
}

// SetEnabled updates the config toggle at runtime, so a SIGHUP/config-file
// reload can flip notifications on or off without restarting the daemon.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	n.enabled = enabled
	n.mu.Unlock()
}

func (n *Notifier) worker() {
	for job := range n.jobs {
		n.fire(job.server, job.body)
	}
}

// Notify implements the rules in spec §4.6 and invariant 6: notifications
// fire only on active->inactive transitions or a newly requested
// permission, never on cold start (oldEffective not active means there was
// no prior active state to transition out of).
func (n *Notifier) Notify(evt fleet.TransitionEvent, server *fleet.Server) {
	n.mu.RLock()
	enabled := n.enabled
	n.mu.RUnlock()
	if !enabled {
		return
	}

	switch {
	case evt.IsPermission:
		n.jobs <- notifyJob{server, permissionBody(evt)}
	case evt.OldEffective == fleet.EffectiveBusy && evt.NewEffective != fleet.EffectiveBusy:
		n.jobs <- notifyJob{server, statusBody(evt)}
	}
}

func permissionBody(evt fleet.TransitionEvent) string {
	if evt.PermissionMsg != "" {
		return evt.PermissionMsg
	}
	return "Permission requested"
}

func statusBody(evt fleet.TransitionEvent) string {
	if evt.TitleHint != "" {
		return evt.TitleHint
	}
	return "Session is idle"
}

func (n *Notifier) fire(server *fleet.Server, body string) {
	subtitle := "unknown:unknown"
	if server != nil {
		subtitle = fmt.Sprintf("%s:%s", server.Project, server.Branch)
	}
	script := buildScript(runtime.GOOS, "OpenCode", subtitle, body)
	if script == "" {
		return
	}
	if err := n.runner(script); err != nil {
		// Best-effort per spec §4.6: exec errors are swallowed, never
		// propagated.
		log.Printf("notify: dispatch failed: %v", err)
	}
}

func buildScript(goos, title, subtitle, body string) string {
	switch goos {
	case "darwin":
		appleScript := fmt.Sprintf(
			`display notification %s with title %s subtitle %s`,
			appleQuote(body), appleQuote(title), appleQuote(subtitle))
		return fmt.Sprintf("osascript -e %s", shellQuote(appleScript))
	case "linux":
		return fmt.Sprintf("notify-send %s %s", shellQuote(fmt.Sprintf("%s: %s", title, subtitle)), shellQuote(body))
	default:
		return ""
	}
}

// shellQuote wraps s in single quotes for a POSIX shell, escaping embedded
// single quotes by closing the quote, emitting an escaped quote, and
// reopening it (spec §4.6: "doubling single-quote closure").
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// appleQuote escapes a string for embedding in an AppleScript string
// literal passed through osascript -e.
func appleQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func runShell(script string) error {
	path, err := exec.LookPath("sh")
	if err != nil {
		return err
	}
	return exec.Command(path, "-c", script).Run()
}
