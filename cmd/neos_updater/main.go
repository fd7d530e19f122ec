package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/neos_updater/internal/config"
	"github.com/italolelis/neos_updater/internal/diskspace"
	"github.com/italolelis/neos_updater/internal/fetch"
	"github.com/italolelis/neos_updater/internal/flash"
	"github.com/italolelis/neos_updater/internal/integrity"
	"github.com/italolelis/neos_updater/internal/logctx"
	"github.com/italolelis/neos_updater/internal/manifest"
	"github.com/italolelis/neos_updater/internal/platform"
	"github.com/italolelis/neos_updater/internal/power"
	"github.com/italolelis/neos_updater/internal/storage"
	"github.com/italolelis/neos_updater/internal/storage/sqlite"
	"github.com/italolelis/neos_updater/internal/telemetry"
	"github.com/italolelis/neos_updater/internal/ui"
	"github.com/italolelis/neos_updater/internal/ui/httpfront"
	"github.com/italolelis/neos_updater/internal/updater"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	manifestURL, bgcache := resolveMode(cfg, os.Args[1:])

	slog.Info("neos updater starting...", "log_level", cfg.LogLevel, "manifest_url", manifestURL, "bgcache", bgcache)

	if err := run(logctx.WithLogger(ctx, logger), cfg, manifestURL, bgcache); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

// resolveMode maps the positional arguments onto a manifest source and the
// background-cache flag. "local" and "staging" select the preset channels,
// "bgcache <url>" caches without a frontend, anything else is a manifest URL.
func resolveMode(cfg *config.Config, args []string) (string, bool) {
	if len(args) == 0 {
		return cfg.ManifestURL, false
	}

	switch args[0] {
	case "local":
		return cfg.LocalManifestURL, false
	case "staging":
		return cfg.StagingManifestURL, false
	case "bgcache":
		url := cfg.ManifestURL
		if len(args) > 1 {
			url = args[1]
		}

		return url, true
	}

	return args[0], false
}

func run(ctx context.Context, cfg *config.Config, manifestURL string, bgcache bool) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	// =========================================================================
	// Start Attempt Journal
	var journal storage.AttemptJournal

	database, err := sqlite.InitDB(cfg.JournalPath)
	if err != nil {
		// The journal is diagnostics, not pipeline state.
		logger.Warn("journal unavailable, attempts will not be recorded", "path", cfg.JournalPath, "err", err)
	} else {
		defer database.Close()

		journal = sqlite.NewAttemptRepository(database)
	}

	// =========================================================================
	// Start Update Pipeline
	verifier := integrity.NewVerifier(cfg.DigestChunkBytes)

	status := updater.NewStatus()

	flasher := flash.NewFlasher(cfg.FlashChunkBytes, verifier)
	flasher.OnVerify = func() { status.SetProgress("Verifying flash...") }

	gate := power.NewGate(&power.SysfsSource{
		CapacityPath: cfg.Battery.CapacityPath,
		CurrentPath:  cfg.Battery.CurrentPath,
		OverridePath: cfg.Battery.OverridePath,
	}, cfg.Battery.CapacityFloor, cfg.Battery.ChargingFloor, cfg.Battery.PollInterval)

	plat := platform.Android{}

	upd := updater.New(updater.Opts{
		Status:         status,
		Fetcher:        manifest.NewFetcher(nil, cfg.UserAgent),
		Engine:         fetch.NewEngine(nil, cfg.UserAgent, cfg.DownloadRetries, journal, tel),
		Verifier:       verifier,
		Space:          diskspace.NewGuard(cfg.SpaceFloorBytes),
		Gate:           gate,
		Flasher:        flasher,
		Platform:       plat,
		Tel:            tel,
		ManifestURL:    manifestURL,
		UpdateDir:      cfg.UpdateDir,
		RecoveryDevice: cfg.RecoveryDevice,
		CommandFile:    cfg.RecoveryCommandFile,
		SpacePath:      cfg.SpacePath,
	})

	if bgcache {
		if !upd.DownloadStage(ctx, false) {
			return errors.New("background cache failed")
		}

		logger.Info("background cache complete", "dir", cfg.UpdateDir)

		return nil
	}

	upd.Bootstrap(ctx)

	// =========================================================================
	// Start API Service
	front := httpfront.New()

	server := &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      front.Routes(tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	// =========================================================================
	// Start Main Loop
	loop := ui.NewLoop(upd, front, plat, cfg.TickInterval)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	group.Go(func() error {
		defer shutdownServer(ctx, server, cfg)

		return loop.Run(gctx)
	})

	if err := group.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shutdown requested")

			return nil
		}

		return err
	}

	// The loop only returns cleanly after the user acknowledged a terminal
	// error; the worker is already finished, so Join is a formality.
	upd.Join()

	logger.Info("restarting device after acknowledged error")

	if err := plat.RequestReboot(platform.RebootNormal); err != nil {
		logger.Error("reboot request failed", "err", err)
	}

	return nil
}

func shutdownServer(ctx context.Context, server *http.Server, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	// Give outstanding requests a deadline for completion.
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(sctx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			logger.Error("could not stop server", "err", err)
		}
	}
}
