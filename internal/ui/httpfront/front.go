// Package httpfront is a loopback HTTP frontend: it serves the latest status
// snapshot, accepts the two discrete user actions, and exposes the metrics
// scrape endpoint.
package httpfront

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/neos_updater/internal/telemetry"
	"github.com/italolelis/neos_updater/internal/ui"
	"github.com/italolelis/neos_updater/internal/updater"
)

const (
	confirmationTitle   = "An update to NEOS is required."
	confirmationMessage = "Your device will now be reset and upgraded. " +
		"You may want to connect to wifi as download is around 1 GB. " +
		"Existing data on device should not be lost."
)

// Front buffers the latest snapshot for readers and queues user actions for
// the interface loop to poll, one per tick.
type Front struct {
	mu     sync.Mutex
	snap   updater.Snapshot
	events chan ui.Event
}

func New() *Front {
	return &Front{events: make(chan ui.Event, 16)}
}

// Render stores the snapshot for the next status read.
func (f *Front) Render(s updater.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.snap = s
}

// PollEvent pops at most one queued user action without blocking.
func (f *Front) PollEvent() ui.Event {
	select {
	case ev := <-f.events:
		return ev
	default:
		return ui.EventNone
	}
}

type statusResponse struct {
	Stage        string  `json:"stage"`
	ProgressText string  `json:"progress_text"`
	ProgressFrac float64 `json:"progress_frac"`
	ProgressPct  string  `json:"progress_pct"`
	ErrorText    string  `json:"error_text,omitempty"`
	BatteryPct   string  `json:"battery_pct,omitempty"`
	Title        string  `json:"title,omitempty"`
	Message      string  `json:"message,omitempty"`
}

type eventRequest struct {
	Action string `json:"action"`
}

// Routes builds the frontend router.
func (f *Front) Routes(tel *telemetry.Telemetry) chi.Router {
	r := chi.NewRouter()

	if tel != nil {
		r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)
		r.Method(http.MethodGet, "/metrics", tel.Handler())
	}

	r.Get("/status", f.handleStatus)
	r.Post("/events", f.handleEvent)

	return r
}

func (f *Front) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	snap := f.snap
	f.mu.Unlock()

	resp := statusResponse{
		Stage:        snap.Stage.String(),
		ProgressText: snap.ProgressText,
		ProgressFrac: snap.ProgressFrac,
		ProgressPct:  humanize.FtoaWithDigits(snap.ProgressFrac*100, 1) + "%",
		ErrorText:    snap.ErrorText,
		BatteryPct:   snap.BatteryText,
	}

	if snap.Stage == updater.StageConfirmation {
		resp.Title = confirmationTitle
		resp.Message = confirmationMessage
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(resp)
}

func (f *Front) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid event payload", http.StatusBadRequest)

		return
	}

	var ev ui.Event

	switch req.Action {
	case "continue":
		ev = ui.EventContinue
	case "secondary":
		ev = ui.EventSecondary
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)

		return
	}

	select {
	case f.events <- ev:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "event queue full", http.StatusTooManyRequests)
	}
}
