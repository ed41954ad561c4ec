package main

import (
	"errors"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/previewd/previewd/internal/config"
	"github.com/previewd/previewd/internal/connection"
	"github.com/previewd/previewd/internal/event"
	"github.com/previewd/previewd/internal/logger"
	"github.com/previewd/previewd/internal/pidfile"
	"github.com/previewd/previewd/internal/server"
	"github.com/previewd/previewd/internal/socketserver"
	"github.com/previewd/previewd/internal/status"
	"github.com/previewd/previewd/internal/uri"
	"github.com/previewd/previewd/internal/watch"
	"github.com/previewd/previewd/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		flagRoot      = flag.String("root", ".", "workspace directory to serve")
		flagPort      = flag.Int("port", 0, "preferred port (overrides config)")
		flagHost      = flag.String("host", "", "host to bind (overrides config)")
		flagConfig    = flag.String("config", "", "path to the config file")
		flagNoBrowser = flag.Bool("no-browser", false, "do not open a browser once serving")
		flagLogLevel  = flag.String("log-level", "", "debug, info, warn, error, or none (overrides config)")
	)
	flag.Parse()

	configPath := *flagConfig
	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *flagHost != "" {
		cfg.Host = *flagHost
	}
	if *flagPort > 0 {
		cfg.PreferredPort = *flagPort
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagNoBrowser {
		cfg.OpenBrowser = false
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("fatal: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	root, err := filepath.Abs(*flagRoot)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("workspace root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace root %s is not a directory", root)
	}

	workspace := &connection.Workspace{Root: root, Name: filepath.Base(root)}

	pf := pidfile.New(pidPath(root))
	if pf.Alive() {
		return fmt.Errorf("another previewd is already serving %s (pidfile %s)", root, pf.Path())
	}
	if err := pf.Write(); err != nil {
		return err
	}
	defer func() {
		if removeErr := pf.Remove(); removeErr != nil {
			logger.Warn("failed to remove pidfile: %v", removeErr)
		}
	}()

	store := config.NewStore(configPath, cfg)
	bus := event.NewBus()
	defer bus.Close()

	conn := connection.New(workspace, store, bus, uri.Identity{})
	defer conn.Dispose()

	servingRoot := filepath.FromSlash(conn.AppendedURI(""))
	httpSvc := web.NewServer(servingRoot)
	wsSvc := socketserver.NewServer()
	notifier := status.NewNotifier(store, bus)

	orch := server.NewOrchestrator(conn, httpSvc, wsSvc, notifier, bus)
	defer orch.Dispose()

	policy := watch.NewPolicy(cfg.AutoRefreshMode, httpSvc.HasServedFile, wsSvc)
	offMode := store.OnChange(func(updated *config.Config) {
		policy.SetMode(updated.AutoRefreshMode)
	})
	defer offMode()

	source, err := watch.NewSource(root, cfg.IgnoreGlobs, func(ch watch.Change) {
		policy.Handle(ch)
	})
	if err != nil {
		return fmt.Errorf("failed to watch workspace: %w", err)
	}
	if err := source.Start(); err != nil {
		return fmt.Errorf("failed to start workspace watcher: %w", err)
	}
	defer source.Close()

	bus.Subscribe(event.ConnectionReady, func(e event.Event) {
		ci := e.Data.(connection.ConnectionInfo)
		logger.Info("preview available at %s", ci.HTTPURI)
		if cfg.OpenBrowser {
			if err := openBrowser(ci.HTTPURI); err != nil {
				logger.Warn("failed to open browser: %v", err)
			}
		}
	})

	if !orch.OpenServer(cfg.PreferredPort) {
		return errors.New("no workspace to serve")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	orch.CloseServer()
	return nil
}

// pidPath derives a per-workspace pidfile location.
func pidPath(root string) string {
	h := fnv.New32a()
	h.Write([]byte(root))
	return filepath.Join(os.TempDir(), "previewd", fmt.Sprintf("%08x.pid", h.Sum32()))
}

// openBrowser opens the default browser at url.
func openBrowser(url string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	return cmd.Start()
}
