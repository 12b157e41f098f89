// Command go-tmux is the headless control-mode server: it owns a host
// mux, binds the control-mode transport (§6), and serves tmux-cc-shim
// clients until terminated.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"myT-x/internal/ccserver"
	"myT-x/internal/config"
	"myT-x/internal/hostmux"
	"myT-x/internal/sessionlog"
)

func main() {
	shell := flag.String("shell", "", "shell to spawn in new panes (defaults to $SHELL / platform default)")
	workspaceName := flag.String("session", "main", "name of the initial workspace")
	runtimeDir := flag.String("runtime-dir", defaultRuntimeDir(), "directory for the control-mode socket (POSIX only)")
	cacheDir := flag.String("cache-dir", defaultCacheDir(), "directory for id-map persistence, empty disables it")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	mux := hostmux.NewManager(*shell)
	ws, _, _, err := mux.CreateWorkspace(*workspaceName, hostmux.PaneSpawn{Columns: 80, Rows: 24})
	if err != nil {
		slog.Error("[go-tmux] create initial workspace failed", "error", err)
		os.Exit(1)
	}

	idmap := ccserver.LoadIDMap(*cacheDir, ws.Name,
		func(paneID int) bool { _, ok := mux.Pane(paneID); return ok },
		func(tabID int) bool { _, ok := mux.Tab(tabID); return ok },
		mux.HasWorkspace,
	)

	server := ccserver.NewServer(mux, idmap, *shell, *runtimeDir, *cacheDir)
	defer server.Close()

	if *cacheDir != "" {
		if err := os.MkdirAll(*cacheDir, 0o755); err == nil {
			auditPath := filepath.Join(*cacheDir, "tmux-command-log.db")
			if audit, err := sessionlog.NewAuditStore(auditPath); err != nil {
				slog.Warn("[go-tmux] command log disabled", "error", err)
			} else {
				server.Audit = audit
				defer audit.Close()
			}
		}
	}

	ctx := &ccserver.CommandContext{Server: server}

	listener, err := ccserver.NewListener(ctx, *runtimeDir, os.Getpid())
	if err != nil {
		slog.Error("[go-tmux] bind control-mode transport failed", "error", err)
		os.Exit(1)
	}
	defer listener.Close()

	addr := listener.Address()
	os.Setenv("WEZTERM_TMUX_CC", addr)
	os.Setenv("TMUX", fmt.Sprintf("%s,%d,0", addr, os.Getpid()))
	slog.Info("[go-tmux] control-mode server listening", "address", addr, "session", ws.Name)

	configPath := config.DefaultPath()
	if cfg, err := config.EnsureFile(configPath); err == nil && cfg.Shell != "" {
		mux.SetDefaultShell(cfg.Shell)
		ccserver.SetDefaultShellOption(cfg.Shell)
	}
	if watcher, err := config.WatchConfig(configPath, func(cfg config.Config) {
		mux.SetDefaultShell(cfg.Shell)
		ccserver.SetDefaultShellOption(cfg.Shell)
		slog.Info("[go-tmux] config reloaded", "shell", cfg.Shell)
	}); err != nil {
		slog.Warn("[go-tmux] config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	go listener.Serve()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	slog.Info("[go-tmux] shutdown started", "time", time.Now().Format(time.RFC3339))
	if err := idmap.Save(); err != nil {
		slog.Warn("[go-tmux] failed to persist id map", "error", err)
	}
}

func defaultRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

func defaultCacheDir() string {
	path := config.DefaultPath()
	return filepath.Dir(path)
}
