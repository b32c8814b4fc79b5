package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ocfleet/monitor/internal/daemon"
	"github.com/ocfleet/monitor/internal/engine"
	"github.com/ocfleet/monitor/internal/introspect"
	"github.com/ocfleet/monitor/internal/tui"
)

// runRoot dispatches on the mode flags per spec §6's CLI surface table.
// --status and --stop never construct an Engine; they only read/signal an
// already-running daemon's PID file.
func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case flagStatus:
		return runStatus()
	case flagStop:
		return runStop()
	case flagDaemon:
		return runDaemon()
	case flagDebug:
		return runDebug()
	default:
		return runTUI()
	}
}

func runTUI() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ocfleetmon: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	eng := engine.New(cfg)

	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "ocfleetmon: discovery listener: %v\n", err)
			cancel()
		}
	}()

	if cfg.Debug.IntrospectEnabled {
		go func() {
			srv := introspect.New(cfg.Debug.IntrospectAddr, eng.Projection)
			if err := srv.Run(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "ocfleetmon: introspection server: %v\n", err)
			}
		}()
	}

	if err := tui.Run(ctx, eng); err != nil {
		cancel()
		return fmt.Errorf("ocfleetmon: %w", err)
	}
	return nil
}

// runDebug runs the engine in the foreground with raw packet logging
// enabled, per spec §6's --debug mode, without the TUI attached.
func runDebug() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ocfleetmon: load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	eng := engine.New(cfg)
	eng.SetDebug(true)
	return eng.Run(ctx)
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ocfleetmon: load config: %w", err)
	}

	if os.Getenv("OCFLEETMON_DAEMON_CHILD") == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("ocfleetmon: detach: %w", err)
		}
		child := exec.Command(exe, os.Args[1:]...)
		child.Env = append(os.Environ(), "OCFLEETMON_DAEMON_CHILD=1")
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := child.Start(); err != nil {
			return fmt.Errorf("ocfleetmon: detach: %w", err)
		}
		fmt.Printf("started (pid %d)\n", child.Process.Pid)
		return nil
	}

	eng := engine.New(cfg)
	opts := daemon.Options{
		ConfigPath: configPathForDaemon(),
		PIDPath:    cfg.Debug.PIDFile,
		LogPath:    cfg.Debug.LogFile,
	}
	return daemon.Run(context.Background(), eng, opts)
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ocfleetmon: load config: %w", err)
	}
	info, err := daemon.Status(cfg.Debug.PIDFile)
	if err != nil {
		fmt.Println("not running")
		return nil
	}
	fmt.Printf("running (pid %d)\n", info.PID)
	return nil
}

func runStop() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("ocfleetmon: load config: %w", err)
	}
	if err := daemon.Stop(cfg.Debug.PIDFile); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("not running")
			return nil
		}
		return fmt.Errorf("ocfleetmon: stop: %w", err)
	}
	os.Remove(cfg.Debug.PIDFile)
	fmt.Println("stopped")
	return nil
}
