// Package ui runs the interface-surface loop. Rendering and input capture
// live behind the Frontend interface; the loop only moves snapshots out and
// discrete user intents in.
package ui

import (
	"context"
	"time"

	"github.com/italolelis/neos_updater/internal/logctx"
	"github.com/italolelis/neos_updater/internal/platform"
	"github.com/italolelis/neos_updater/internal/updater"
)

// WifiSettingsScreen is the settings sub-screen offered from the
// confirmation screen.
const WifiSettingsScreen = "Settings$WifiSettingsActivity"

// Event is a discrete user intent raised by the frontend.
type Event int

const (
	// EventNone means no input arrived this tick.
	EventNone Event = iota
	// EventContinue confirms the update and starts the worker.
	EventContinue
	// EventSecondary is the alternate action: open network settings during
	// confirmation, acknowledge and exit during error.
	EventSecondary
)

// Frontend is the display/interaction surface. Render receives a status
// snapshot each tick; PollEvent must not block and returns at most one event.
type Frontend interface {
	Render(s updater.Snapshot)
	PollEvent() Event
}

// Loop drives the frontend on a fixed tick and routes user intents into the
// orchestrator. Events are only interpreted in the confirmation and error
// stages; everywhere else the pipeline is in charge.
type Loop struct {
	upd      *updater.Updater
	frontend Frontend
	platform platform.Platform
	tick     time.Duration
}

func NewLoop(upd *updater.Updater, frontend Frontend, plat platform.Platform, tick time.Duration) *Loop {
	return &Loop{
		upd:      upd,
		frontend: frontend,
		platform: plat,
		tick:     tick,
	}
}

// Run ticks until the user acknowledges an error (returns nil) or the
// context is cancelled (returns the context error).
func (l *Loop) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap := l.upd.Snapshot()
			l.frontend.Render(snap)

			ev := l.frontend.PollEvent()
			if ev == EventNone {
				continue
			}

			if snap.Stage != updater.StageConfirmation && snap.Stage != updater.StageError {
				continue
			}

			// Input belongs to the settings app while it holds focus.
			if l.platform.SettingsActive() {
				continue
			}

			switch {
			case snap.Stage == updater.StageConfirmation && ev == EventContinue:
				l.upd.StartWorker(ctx)
			case snap.Stage == updater.StageConfirmation && ev == EventSecondary:
				if err := l.platform.OpenSettings(WifiSettingsScreen); err != nil {
					logger.Error("failed to open settings", "err", err)
				}
			case snap.Stage == updater.StageError && ev == EventSecondary:
				logger.Info("error acknowledged, exiting")

				return nil
			}
		}
	}
}
