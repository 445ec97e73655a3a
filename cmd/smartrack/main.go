package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"smartrack/internal/background"
	"smartrack/internal/backend"
	"smartrack/internal/bot"
	"smartrack/internal/bridge"
	"smartrack/internal/config"
	"smartrack/internal/contentscript"
	"smartrack/internal/notify"
	"smartrack/internal/scraper"
	"smartrack/internal/storage"
)

// version is reported to the dashboard during the token handshake.
// Overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// --- Configuration Loading ---
	flags := config.Flags()
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(2)
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Setup ---
	log := logrus.New()
	log.SetOutput(os.Stdout)
	if cfg.Log.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"storage_driver":  cfg.Storage.Driver,
		"dashboard_hosts": cfg.Bridge.DashboardHosts,
		"backend":         cfg.Backend.BaseURL != "",
		"version":         version,
	}).Info("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	log.Info("Initializing components...")

	// Storage
	store := storage.Open(ctx, storage.Options{
		Driver:     cfg.Storage.Driver,
		BadgerPath: cfg.Storage.BadgerPath,
		SQLitePath: cfg.Storage.SQLitePath,
	}, log)
	defer func() {
		log.Info("Closing store...")
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Error closing store")
		}
	}()
	// Settings live in the same store under their own keys.
	settings := storage.NewSettings(store)
	if err := settings.SetString(ctx, storage.KeyExtensionVersion, version); err != nil {
		log.WithError(err).Warn("Could not record version")
	}
	// A fresh store means a first run; note it once.
	if first, err := settings.Bool(ctx, storage.KeyFirstLoad, true); err == nil && first {
		log.Info("First run, no saved links or settings yet")
		if err := settings.SetBool(ctx, storage.KeyFirstLoad, false); err != nil {
			log.WithError(err).Warn("Could not record first run")
		}
	}

	// Backend API
	// The bearer token is read on every request so a later dashboard sync takes effect.
	client, err := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, func(ctx context.Context) string {
		token, err := settings.String(ctx, storage.KeyAuthToken)
		if err != nil {
			log.WithError(err).Debug("No auth token available")
		}
		return token
	}, log)
	if err != nil {
		log.Fatalf("Failed to initialize backend client: %v", err)
	}
	// Click beacons only make sense with a backend to receive them.
	var beacon *backend.Beacon
	if client.Configured() {
		beacon = backend.NewBeacon(client, cfg.Backend.BeaconQueue, cfg.Backend.BeaconRate, cfg.Backend.Timeout, log)
		beacon.Start(ctx)
		defer beacon.Stop()
	}
	clicks := backend.NewClickTracker(store, beacon, client, log)

	// Notifications
	publisher := notify.New(notify.Config{
		URL:        cfg.Notify.AMQPURL,
		Exchange:   cfg.Notify.Exchange,
		RoutingKey: cfg.Notify.RoutingKey,
	}, log)
	defer func() {
		if err := publisher.Close(); err != nil {
			log.WithError(err).Error("Error closing publisher")
		}
	}()

	// Background context
	bus := bridge.NewRuntimeBus(log)
	removeBackground := background.NewService(store, settings, client, publisher, log).Register(bus)
	defer removeBackground()

	// Page loading and content scripts
	// Pages go through headless Chrome first; plain HTTP covers hosts without a browser.
	loader := scraper.FallbackLoader{
		Primary:   scraper.NewRodLoader(cfg.Bridge.LoadTimeout, log).WithProfile(cfg.Bridge.BrowserProfile),
		Secondary: scraper.NewHTTPLoader(cfg.Bridge.LoadTimeout, log),
		Log:       log.WithField("component", "loader"),
	}
	defer func() {
		if err := loader.Close(); err != nil {
			log.WithError(err).Error("Error closing page loader")
		}
	}()
	tabs := contentscript.NewTabs(loader, log)
	injector := contentscript.NewInjector(tabs, contentscript.Deps{
		Bus:              bus,
		Settings:         settings,
		Policy:           bridge.NewOriginPolicy(cfg.Bridge.DashboardHosts, cfg.Bridge.ExtensionOrigin),
		ExtensionVersion: version,
		TextMax:          cfg.Bridge.PageTextMax,
		RetryDelay:       cfg.Bridge.RetryDelay,
		AuthTimeout:      cfg.Bridge.AuthTimeout,
		Logger:           log,
	})

	// Pull the dashboard's auth token so backend calls are authenticated.
	// Runs in the background since it loads a full page.
	if cfg.Bridge.DashboardURL != "" {
		go func() {
			if err := injector.SyncToken(ctx, cfg.Bridge.DashboardURL); err != nil {
				log.WithError(err).Warn("Dashboard token sync failed")
			}
		}()
	}

	// Popup-side requester
	// The bot plays the popup: it asks the tab first and falls back to the background.
	popup := bridge.NewRequester(bus, bridge.EndpointPopup, injector, cfg.Bridge.RetryDelay, log)

	// --- Application Startup ---
	log.Info("Starting SmarTrack...")

	if cfg.Telegram.BotToken == "" {
		log.Warn("No Telegram bot token configured, running without a chat surface")
	} else {
		botHandler, err := bot.NewHandler(cfg.Telegram.BotToken, bot.Deps{
			Tabs:     tabs,
			CloseTab: injector.Remove,
			Bridge:   popup,
			Store:    store,
			Links:    store,
			Clicks:   clicks,
			Settings: settings,
			Dismiss:  cfg.Capture.SuccessDismiss,
		}, log)
		if err != nil {
			log.Fatalf("Failed to initialize Telegram bot handler: %v", err)
		}
		go botHandler.Start(ctx)
	}

	log.Info("SmarTrack is running. Press Ctrl+C to exit.")

	// --- Wait for Shutdown Signal ---
	<-ctx.Done()

	log.Info("Shutting down SmarTrack...")
	stop()
}
