// Command ensembled is the daemon entrypoint: it loads configuration,
// wires every component together, and runs the C12 server until an OS
// signal or an IPC/HTTP shutdown request arrives, grounded on the
// teacher's cmd/agentctl/main.go load/construct/listen/signal/shutdown
// idiom.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/ensemble-dev/ensemble/internal/common/config"
	"github.com/ensemble-dev/ensemble/internal/common/logger"
	"github.com/ensemble-dev/ensemble/internal/daemon"
	"github.com/ensemble-dev/ensemble/internal/detector"
	"github.com/ensemble-dev/ensemble/internal/eventbus"
	"github.com/ensemble-dev/ensemble/internal/execengine"
	"github.com/ensemble-dev/ensemble/internal/keychain"
	"github.com/ensemble-dev/ensemble/internal/manifest"
	"github.com/ensemble-dev/ensemble/internal/paths"
	"github.com/ensemble-dev/ensemble/internal/pricing"
	"github.com/ensemble-dev/ensemble/internal/profile"
	"github.com/ensemble-dev/ensemble/internal/proxy"
	"github.com/ensemble-dev/ensemble/internal/ptyfabric"
	"github.com/ensemble-dev/ensemble/internal/registrysync"
	"github.com/ensemble-dev/ensemble/internal/router"
	"github.com/ensemble-dev/ensemble/internal/scriptengine"
	"github.com/ensemble-dev/ensemble/internal/telemetry"
	"github.com/ensemble-dev/ensemble/internal/usagewatcher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ensembled:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger.SetDefault(log)

	dirs, err := resolveDirs(cfg)
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	layout := paths.NewLayout(dirs)
	if err := layout.EnsureDirs(); err != nil {
		return fmt.Errorf("ensure dirs: %w", err)
	}

	manifests, err := manifest.Load(layout.AgentsDir, layout.ProvidersDir, log)
	if err != nil {
		return fmt.Errorf("load manifests: %w", err)
	}
	if err := manifests.Watch(); err != nil {
		log.Warn("manifest watch unavailable (non-fatal)", zap.Error(err))
	}
	defer manifests.Close()

	creds, err := keychain.Open(filepath.Join(layout.Data, "credentials"))
	if err != nil {
		return fmt.Errorf("open keychain: %w", err)
	}

	profiles, err := profile.NewStore(layout.ProfilesDir, creds, log)
	if err != nil {
		return fmt.Errorf("open profile store: %w", err)
	}

	det := detector.New(filepath.Join(layout.Cache, "detector-cache.json"), log)
	scripts := scriptengine.NewLoader(layout.ScriptsDir)
	sessions := telemetry.NewRecorder(layout.SessionsFile, layout.AggregatesFile, log)
	exec := execengine.New(profiles, manifests, scripts, sessions, log)

	bus, err := newBus(cfg, log)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}

	sup := proxy.NewSupervisor(cfg.Proxy.BinaryName, bus, log)
	sup.StartHealthLoop()
	defer sup.Close()

	pty := ptyfabric.NewManager(log)

	usage := usagewatcher.New(usagewatcher.DefaultRoots(), bus, log)

	var registry *registrysync.Syncer
	if cfg.Registry.Owner != "" {
		registry = registrysync.New(registrysync.Config{
			Owner:       cfg.Registry.Owner,
			Repo:        cfg.Registry.Repo,
			Channel:     cfg.Registry.Channel,
			LockPath:    layout.RegistryLock,
			CommitsDir:  layout.RegistryCommits,
			PricingPath: layout.PricingFile,
		}, log)
	}

	r := router.New(log)
	r.Manifests = manifests
	r.Detector = det
	r.Profiles = profiles
	r.Exec = exec
	r.Telemetry = sessions
	r.Proxy = sup
	r.PTY = pty
	r.Bus = bus
	r.Registry = registry
	r.Layout = layout
	r.Pricing = pricing.NewLoader(layout.PricingFile)

	srv := daemon.New(layout, cfg, log, r, bus, pty, usage, registry)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	srv.Wait(ctx)

	return nil
}

// resolveDirs honors cfg.Paths overrides over the platform defaults.
func resolveDirs(cfg *config.Config) (paths.Dirs, error) {
	dirs, err := paths.Default()
	if err != nil {
		return paths.Dirs{}, err
	}
	if cfg.Paths.ConfigDir != "" {
		dirs.Config = cfg.Paths.ConfigDir
	}
	if cfg.Paths.DataDir != "" {
		dirs.Data = cfg.Paths.DataDir
	}
	if cfg.Paths.StateDir != "" {
		dirs.Cache = cfg.Paths.StateDir
	}
	return dirs, nil
}

// newBus backs the event bus with NATS core pub/sub when configured,
// falling back to the in-process bus otherwise, per spec 4.C9.
func newBus(cfg *config.Config, log *logger.Logger) (eventbus.EventBus, error) {
	if cfg.Events.NATSURL == "" {
		return eventbus.NewBus(log), nil
	}
	bus, err := eventbus.DialNATS(cfg.Events.NATSURL, log)
	if err != nil {
		log.Warn("nats dial failed, falling back to in-process bus", zap.Error(err))
		return eventbus.NewBus(log), nil
	}
	return bus, nil
}
