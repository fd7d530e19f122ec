package updater

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/italolelis/neos_updater/internal/diskspace"
	"github.com/italolelis/neos_updater/internal/fetch"
	"github.com/italolelis/neos_updater/internal/flash"
	"github.com/italolelis/neos_updater/internal/integrity"
	"github.com/italolelis/neos_updater/internal/logctx"
	"github.com/italolelis/neos_updater/internal/manifest"
	"github.com/italolelis/neos_updater/internal/platform"
	"github.com/italolelis/neos_updater/internal/power"
	"github.com/italolelis/neos_updater/internal/telemetry"
)

// Flasher writes a verified image onto the recovery partition.
type Flasher interface {
	Flash(ctx context.Context, imagePath, devicePath, expectedHash string, expectedLen int64) error
}

// Opts wires the orchestrator's collaborators and paths.
type Opts struct {
	Status   *Status
	Fetcher  *manifest.Fetcher
	Engine   *fetch.Engine
	Verifier integrity.Verifier
	Space    *diskspace.Guard
	Gate     *power.Gate
	Flasher  Flasher
	Platform platform.Platform
	Tel      *telemetry.Telemetry

	ManifestURL    string
	UpdateDir      string
	RecoveryDevice string
	CommandFile    string
	SpacePath      string

	// Park replaces the indefinite post-reboot block in tests.
	Park func()
}

// Updater sequences the whole update pipeline: space check, manifest fetch,
// image acquisition, battery gate, recovery flash, install trigger. It is the
// only component the interface surface touches concurrently.
type Updater struct {
	status   *Status
	fetcher  *manifest.Fetcher
	engine   *fetch.Engine
	verifier integrity.Verifier
	space    *diskspace.Guard
	gate     *power.Gate
	flasher  Flasher
	platform platform.Platform
	tel      *telemetry.Telemetry

	manifestURL    string
	updateDir      string
	recoveryDevice string
	commandFile    string
	spacePath      string

	park func()

	mu      sync.Mutex
	started bool
	done    chan struct{}

	// Written by the download stage, read by the install stage. Both run on
	// the worker goroutine; Bootstrap's dry run happens before the worker is
	// spawned.
	recoveryPath string
	recoveryHash string
	recoveryLen  int64
	otaPath      string
}

func New(o Opts) *Updater {
	u := &Updater{
		status:         o.Status,
		fetcher:        o.Fetcher,
		engine:         o.Engine,
		verifier:       o.Verifier,
		space:          o.Space,
		gate:           o.Gate,
		flasher:        o.Flasher,
		platform:       o.Platform,
		tel:            o.Tel,
		manifestURL:    o.ManifestURL,
		updateDir:      o.UpdateDir,
		recoveryDevice: o.RecoveryDevice,
		commandFile:    o.CommandFile,
		spacePath:      o.SpacePath,
		park:           o.Park,
	}

	if u.tel == nil {
		u.tel = &telemetry.Telemetry{}
	}

	if u.park == nil {
		u.park = func() { select {} }
	}

	return u
}

// Snapshot returns a copy of the shared status.
func (u *Updater) Snapshot() Snapshot {
	return u.status.Snapshot()
}

// Bootstrap decides the initial stage: when a dry run shows every manifest
// target already satisfied locally, the pipeline starts without confirmation.
func (u *Updater) Bootstrap(ctx context.Context) {
	if u.DownloadStage(ctx, true) {
		u.StartWorker(ctx)
	}
}

// StartWorker spawns the pipeline worker. It is single-shot: the worker runs
// at most once per process lifetime, later calls report false.
func (u *Updater) StartWorker(ctx context.Context) bool {
	u.mu.Lock()

	if u.started {
		u.mu.Unlock()

		return false
	}

	u.started = true
	u.done = make(chan struct{})
	u.mu.Unlock()

	u.setRunning()

	go func() {
		defer close(u.done)
		u.runStages(ctx)
	}()

	return true
}

// Join blocks until the worker finishes, if one was ever spawned. Process
// exit must not happen with a worker mid-write to the recovery device.
func (u *Updater) Join() {
	u.mu.Lock()
	done := u.done
	u.mu.Unlock()

	if done != nil {
		<-done
	}
}

// DownloadStage runs the non-destructive front of the pipeline: space check,
// manifest fetch and image acquisition. In dry-run mode nothing touches the
// network past the manifest and no error state is published; the return value
// only says whether the cache already satisfies the manifest.
func (u *Updater) DownloadStage(ctx context.Context, dryRun bool) bool {
	logger := logctx.LoggerFromContext(ctx)

	if !u.space.HasFreeSpace(u.spacePath) {
		if !dryRun {
			u.fail("2GB of free space required to update")
		}

		logger.Error("not enough free space", "path", u.spacePath)

		return false
	}

	if err := os.MkdirAll(u.updateDir, 0o777); err != nil {
		logger.Warn("failed to create update dir", "dir", u.updateDir, "err", err)
	}

	u.status.SetProgress("Finding latest version...")

	m, err := u.fetcher.Fetch(ctx, u.manifestURL)
	if err != nil {
		u.tel.RecordManifestFetch("failure")
		logger.Error("manifest fetch failed", "url", u.manifestURL, "err", err)

		if !dryRun {
			var merr *manifest.Error
			if errors.As(err, &merr) && merr.Reason == manifest.Incomplete {
				u.fail("invalid update manifest")
			} else {
				u.fail("failed to load update manifest")
			}
		}

		return false
	}

	u.tel.RecordManifestFetch("success")

	u.recoveryHash = m.RecoveryHash
	u.recoveryLen = m.RecoveryLen
	u.recoveryPath = ""

	if !m.HasRecovery() {
		u.status.SetProgress("Skipping recovery flash...")
	} else {
		u.status.SetProgress("Checking recovery...")

		// Only fetch the recovery image when the partition differs from it.
		existing := u.verifier.DigestFile(u.recoveryDevice, m.RecoveryLen)
		logger.Info("existing recovery hash", "digest", existing)

		if existing != m.RecoveryHash {
			fn, ok := u.acquire(ctx, m.RecoveryURL, m.RecoveryHash, "recovery", dryRun)
			if !ok {
				return false
			}

			u.recoveryPath = fn
		}
	}

	fn, ok := u.acquire(ctx, m.OTAURL, m.OTAHash, "update", dryRun)
	if !ok {
		return false
	}

	u.otaPath = fn

	return true
}

// acquire resolves a download target to a locally verified file. The digest
// of the bytes on disk is the only satisfaction signal; a corrupt or partial
// file is deleted before failure surfaces so it can never be mistaken for
// valid later.
func (u *Updater) acquire(ctx context.Context, rawurl, hash, name string, dryRun bool) (string, bool) {
	logger := logctx.LoggerFromContext(ctx)
	dest := filepath.Join(u.updateDir, remoteBaseName(rawurl))

	cur := u.verifier.DigestFile(dest, 0)
	if dryRun {
		return dest, cur == hash
	}

	if cur != hash {
		u.status.SetProgress("Downloading " + name + "...")

		if err := u.engine.Download(ctx, rawurl, dest, u.status.SetProgressFrac); err != nil {
			logger.Error("download failed", "name", name, "url", rawurl, "err", err)
			u.fail("failed to download " + name)
			os.Remove(dest)

			return "", false
		}

		cur = u.verifier.DigestFile(dest, 0)
	}

	u.status.SetProgress("Verifying " + name + "...")

	if cur != hash {
		ierr := &integrity.Error{Name: name, Expected: hash, Actual: cur}
		logger.Error("payload corrupt", "err", ierr)
		u.fail(name + " was corrupt")
		os.Remove(dest)

		return "", false
	}

	logger.Info("target satisfied", "name", name, "path", dest)

	return dest, true
}

// runStages is the worker: it drives the pipeline end to end and publishes
// every fatal condition through the shared status.
func (u *Updater) runStages(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("update worker starting", "manifest_url", u.manifestURL)

	if !u.DownloadStage(ctx, false) {
		return
	}

	// Admission gate before anything destructive happens.
	if !u.gate.CanProceed() {
		u.setLowBattery()

		u.gate.Wait(ctx, func(capacityPct int) {
			u.status.SetBatteryText(strconv.Itoa(capacityPct))
			u.tel.SetBatteryCapacity(capacityPct)
		})

		if ctx.Err() != nil {
			return
		}

		u.setRunning()
	}

	if u.recoveryPath != "" {
		u.status.SetProgress("Flashing recovery...")

		if err := u.flasher.Flash(ctx, u.recoveryPath, u.recoveryDevice, u.recoveryHash, u.recoveryLen); err != nil {
			logger.Error("recovery flash failed", "device", u.recoveryDevice, "err", err)

			var ierr *integrity.Error

			var derr *flash.DeviceWriteError

			switch {
			case errors.As(err, &ierr):
				u.tel.RecordFlash("corrupted")
				u.fail("recovery flash corrupted")
			case errors.As(err, &derr):
				u.tel.RecordFlash("write_failed")
				u.fail("failed to flash recovery: write failed")
			default:
				u.tel.RecordFlash("failure")
				u.fail("failed to flash recovery")
			}

			return
		}

		u.tel.RecordFlash("success")
	}

	if err := u.writeInstallCommand(); err != nil {
		logger.Error("failed to persist install command", "file", u.commandFile, "err", err)
		u.fail("failed to reboot into recovery")

		return
	}

	u.status.SetProgress("Rebooting")

	if err := u.platform.RequestReboot(platform.RebootRecovery); err != nil {
		logger.Error("reboot request failed", "err", err)
	}

	// The process expects to be terminated by the reboot, not to return.
	u.park()
}

// writeInstallCommand persists the directive the bootloader consumes on next
// boot into recovery.
func (u *Updater) writeInstallCommand() error {
	f, err := os.OpenFile(u.commandFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open recovery command file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "--update_package=%s\n", u.otaPath); err != nil {
		f.Close()

		return fmt.Errorf("failed to write recovery command: %w", err)
	}

	return f.Close()
}

func (u *Updater) fail(text string) {
	u.status.SetError(text)
	u.tel.RecordStage(StageError.String())
}

func (u *Updater) setRunning() {
	u.status.SetRunning()
	u.tel.RecordStage(StageRunning.String())
}

func (u *Updater) setLowBattery() {
	u.status.SetLowBattery()
	u.tel.RecordStage(StageLowBattery.String())
}

// remoteBaseName derives the cache file name from the final path segment of
// the source URL.
func remoteBaseName(rawurl string) string {
	if parsed, err := url.Parse(rawurl); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}

	return path.Base(rawurl)
}
