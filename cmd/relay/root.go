package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nejdetkadir/relay/internal/config"
	"github.com/nejdetkadir/relay/internal/docker"
	"github.com/nejdetkadir/relay/internal/health"
	"github.com/nejdetkadir/relay/internal/meta"
	"github.com/nejdetkadir/relay/internal/notify"
	"github.com/nejdetkadir/relay/internal/registry"
	"github.com/nejdetkadir/relay/internal/scheduler"
	"github.com/nejdetkadir/relay/internal/updater"
	"github.com/nejdetkadir/relay/pkg/api"
)

var (
	cfg         *config.Config
	client      docker.Client
	credentials *registry.CredentialStore
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Automatic container updates with staged, health-gated replacement",
	Long: `
Relay watches containers opted in via the relay.enable label and
replaces them when a newer image is published, preserving their full
configuration. Updates follow the per-container relay.update strategy
(digest, patch, minor, major) and, with rolling updates enabled (the
default), go through a staging container that must prove healthy
before the original is ever touched.
`,
	Run:    run,
	PreRun: preRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Relay %s\n", meta.Version)
		fmt.Printf("  Commit: %s\n", meta.Commit)
		fmt.Printf("  Built:  %s\n", meta.BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	config.RegisterFlags(rootCmd)
}

// Execute is the main entry point for the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func preRun(cmd *cobra.Command, args []string) {
	var err error

	cfg, err = config.Load(cmd)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setupLogging(cfg)

	credentials = registry.NewCredentialStore(cfg.EngineConfigPath)

	client, err = docker.NewClient(docker.ClientOptions{
		Host:        cfg.EngineHost,
		Timeout:     cfg.EngineTimeout,
		Credentials: credentials.Lookup,
	})
	if err != nil {
		log.Fatalf("Failed to create engine client: %v", err)
	}

	log.Infof("Relay %s starting...", meta.Version)
}

func run(cmd *cobra.Command, args []string) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notifier *notify.Notifier
	if cfg.NotificationURL != "" {
		notifier = notify.New(cfg.NotificationURL)
	}

	tags := registry.NewClient(credentials.Lookup)

	upd := updater.New(client, tags, cfg, notifier)

	// One cycle at a time, whether the scheduler or the API asks.
	var cycleMu sync.Mutex
	runCycle := func() {
		cycleMu.Lock()
		defer cycleMu.Unlock()
		upd.RunCycle(ctx)
	}

	var watcher *health.Watcher
	if cfg.HealthWatch {
		watcher = health.NewWatcher(client, cfg, notifier)
		go watcher.Start()
	}

	if cfg.APIEnabled {
		server := api.NewServer(cfg, client, upd, watcher)
		server.TriggerCycle = runCycle
		go func() {
			if err := server.Start(); err != nil {
				log.Errorf("API server error: %v", err)
			}
		}()
	}

	if cfg.RunOnce {
		log.Info("Running one cycle and exiting...")
		runCycle()
		return
	}

	sched := scheduler.New(cfg)
	sched.Start(runCycle)

	sig := <-sigChan
	log.Infof("Received signal %v, shutting down...", sig)

	cancel()
	sched.Stop()
	if watcher != nil {
		watcher.Stop()
	}

	log.Info("Relay stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	default:
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}
