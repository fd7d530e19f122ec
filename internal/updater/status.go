package updater

import "sync"

// Stage is the updater's user-visible state.
type Stage int

const (
	// StageConfirmation awaits one discrete user go-ahead.
	StageConfirmation Stage = iota
	// StageLowBattery blocks until the battery admits the update.
	StageLowBattery
	// StageRunning means the pipeline is executing.
	StageRunning
	// StageError is terminal; the only exit is user acknowledgment.
	StageError
)

func (s Stage) String() string {
	switch s {
	case StageConfirmation:
		return "confirmation"
	case StageLowBattery:
		return "low_battery"
	case StageRunning:
		return "running"
	case StageError:
		return "error"
	default:
		return "unknown"
	}
}

// Status is the shared pipeline status. The worker and the download engine
// write it, the interface surface reads it; one mutex serializes everything
// and is never held across blocking I/O.
type Status struct {
	mu           sync.Mutex
	stage        Stage
	progressText string
	progressFrac float64
	errorText    string
	batteryText  string
}

// Snapshot is an immutable copy of the status, safe to hand across the
// thread boundary.
type Snapshot struct {
	Stage        Stage
	ProgressText string
	ProgressFrac float64
	ErrorText    string
	BatteryText  string
}

func NewStatus() *Status {
	return &Status{stage: StageConfirmation}
}

func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Stage:        s.stage,
		ProgressText: s.progressText,
		ProgressFrac: s.progressFrac,
		ErrorText:    s.errorText,
		BatteryText:  s.batteryText,
	}
}

func (s *Status) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stage
}

func (s *Status) SetProgress(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progressText = text
}

func (s *Status) SetProgressFrac(frac float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.progressFrac = frac
}

func (s *Status) SetBatteryText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batteryText = text
}

func (s *Status) SetError(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errorText = text
	s.stage = StageError
}

func (s *Status) SetLowBattery() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stage = StageLowBattery
}

func (s *Status) SetRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stage = StageRunning
}
