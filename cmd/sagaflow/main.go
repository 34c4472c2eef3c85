package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goclaw/sagaflow/config"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/telemetry/tracing"
	"github.com/goclaw/sagaflow/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName       = flag.String("app-name", "", "Override app name")
	serverPort    = flag.Int("port", 0, "Override operator API port")
	logLevel      = flag.String("log-level", "", "Override log level")
	storageType   = flag.String("storage", "", "Override storage backend (memory, badger, redis, postgres)")
	transportType = flag.String("transport", "", "Override message bus (memory, redis, kafka, nats)")
	participants  = flag.Bool("participants", false, "Run the simulated participant services in-process")
	debugMode     = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}

	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	overrides := buildOverrides()
	cfg, err := loader.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	log := logger.New(logCfg)
	logger.SetGlobal(log)
	defer log.Close()

	log.Info("starting sagaflow",
		"version", version.Version,
		"buildTime", version.BuildTime,
		"gitCommit", version.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	})
	if err != nil {
		log.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize sagaflow", "error", err)
		os.Exit(1)
	}

	if *configPath != "" {
		watcher, err := watchConfig(ctx, *configPath, overrides, a)
		if err != nil {
			log.Warn("config hot reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	if err := a.run(ctx); err != nil {
		log.Error("sagaflow stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("sagaflow stopped gracefully")
}

// watchConfig reloads log level and reconcile settings when the config file
// changes. Other settings need a restart.
func watchConfig(ctx context.Context, path string, overrides map[string]any, a *app) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(path, config.NewLoader(),
		config.WithOverrides(overrides),
		config.WithErrorHandler(func(err error) {
			a.log.Warn("config reload failed", "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	current := config.ExtractHotReloadable(a.cfg)
	updates := make(chan config.HotReloadableConfig, 1)
	watcher.OnChange(func(cfg *config.Config) {
		select {
		case updates <- config.ExtractHotReloadable(cfg):
		default:
		}
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case hot := <-updates:
				if !current.Changed(hot) {
					continue
				}
				current = hot
				a.applyHotReload(hot)
			}
		}
	}()

	go func() {
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("config watcher stopped", "error", err)
		}
	}()
	return watcher, nil
}

func buildOverrides() map[string]any {
	overrides := make(map[string]any)

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *storageType != "" {
		overrides["storage.type"] = *storageType
	}
	if *transportType != "" {
		overrides["transport.type"] = *transportType
	}
	if *participants {
		overrides["participants.enabled"] = true
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	fmt.Printf("%s\n", version.String())
}

func printHelp() {
	fmt.Printf("sagaflow - saga orchestrator for multi-service order workflows\n\n")
	fmt.Printf("Usage: sagaflow [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagaflow                                   # Run with default config\n")
	fmt.Printf("  sagaflow -config config.yaml               # Use specific config file\n")
	fmt.Printf("  sagaflow -storage postgres -transport kafka\n")
	fmt.Printf("  sagaflow -participants -log-level debug    # Local demo with simulated services\n")
	fmt.Printf("  sagaflow -version                          # Print version info\n")
}
