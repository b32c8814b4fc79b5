// Package daemon runs the fleet engine headless, outside a TUI, per
// spec §6's --daemon mode. It owns the PID file, the diagnostic log file,
// and the SIGHUP/config-file reload path; the engine's UDP discovery
// socket itself is plain net.ListenPacket, not handed off across restarts
// (see the package doc below on tableflip's scope here).
//
// tableflip's signature feature is passing an already-bound listener's
// file descriptor to a freshly exec'd copy of the binary so a restart
// never drops a connection. That mechanism targets stream listeners
// (tableflip.Upgrader.Listen wraps net.Listen, which only knows "tcp" and
// "unix"); discovery's socket is a UDP net.PacketConn, which tableflip has
// no handoff path for. This package still adopts tableflip for the part
// of its lifecycle that does apply to a packet-oriented service -- PID
// file management and readiness/exit signaling for a process supervisor
// -- and treats SIGHUP as an in-place config reload rather than a
// re-exec upgrade.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/fsnotify/fsnotify"

	"github.com/ocfleet/monitor/internal/config"
	"github.com/ocfleet/monitor/internal/engine"
)

// Options configures a daemon run.
type Options struct {
	ConfigPath string
	PIDPath    string
	LogPath    string
}

// Run blocks until ctx is cancelled or the engine's listener fails to
// bind. It writes a PID file for the duration of the run and redirects
// the standard logger to LogPath, appending across restarts.
func Run(ctx context.Context, eng *engine.Engine, opts Options) error {
	logFile, err := openLogFile(opts.LogPath)
	if err != nil {
		return fmt.Errorf("daemon: open log file: %w", err)
	}
	defer logFile.Close()
	log.SetOutput(io.MultiWriter(logFile, os.Stderr))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := os.MkdirAll(filepath.Dir(opts.PIDPath), 0o755); err != nil {
		return fmt.Errorf("daemon: create pid dir: %w", err)
	}

	upg, err := tableflip.New(tableflip.Options{PIDFile: opts.PIDPath})
	if err != nil {
		return fmt.Errorf("daemon: tableflip: %w", err)
	}
	defer upg.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				reloadConfig(opts.ConfigPath, eng)
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("daemon: received %s, shutting down", sig)
				cancel()
				return
			}
		}
	}()

	if opts.ConfigPath != "" {
		watcher, err := newConfigWatcher(opts.ConfigPath, eng)
		if err != nil {
			log.Printf("daemon: config watch disabled: %v", err)
		} else {
			defer watcher.Close()
			go watcher.run(ctx)
		}
	}

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("daemon: tableflip ready: %w", err)
	}
	log.Printf("daemon: ready, pid=%d pidfile=%s", os.Getpid(), opts.PIDPath)

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	select {
	case <-ctx.Done():
		return nil
	case <-upg.Exit():
		log.Printf("daemon: tableflip exit requested")
		cancel()
		return nil
	case err := <-errCh:
		return err
	}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// reloadConfig re-reads ConfigPath and applies the live-reloadable subset
// to eng, logging what changed (spec §9 Design Notes treats config reload
// as an operational log event, not a silent no-op).
func reloadConfig(path string, eng *engine.Engine) {
	if path == "" {
		log.Printf("daemon: reload requested but no config file in use")
		return
	}
	next, err := config.LoadOrDefault(path)
	if err != nil {
		log.Printf("daemon: reload failed: %v", err)
		return
	}
	changes := config.Diff(eng.Config(), next)
	if len(changes) == 0 {
		log.Printf("daemon: reload: no changes")
	} else {
		for _, c := range changes {
			log.Printf("daemon: reload: %s", c)
		}
	}
	eng.ApplyConfig(next)
}

const configDebounce = 300 * time.Millisecond

// configWatcher triggers reloadConfig whenever the config file is written
// or replaced. Editors and config managers often replace a file via
// rename rather than an in-place write, so the parent directory is
// watched and events are filtered by base name; a short debounce
// collapses the burst of events a single save can generate, and
// chmod-only events are ignored entirely to avoid reload loops (adapted
// from the pack's fsnotify-based binary watcher debounce pattern).
type configWatcher struct {
	path    string
	base    string
	eng     *engine.Engine
	watcher *fsnotify.Watcher
	timer   *time.Timer
}

func newConfigWatcher(path string, eng *engine.Engine) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &configWatcher{path: path, base: filepath.Base(path), eng: eng, watcher: w}, nil
}

func (cw *configWatcher) Close() error {
	if cw.timer != nil {
		cw.timer.Stop()
	}
	return cw.watcher.Close()
}

func (cw *configWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("daemon: config watch error: %v", err)
		}
	}
}

func (cw *configWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Base(event.Name) != cw.base {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	if cw.timer != nil {
		cw.timer.Stop()
	}
	cw.timer = time.AfterFunc(configDebounce, func() {
		reloadConfig(cw.path, cw.eng)
	})
}
