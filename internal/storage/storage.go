package storage

import (
	"time"

	"github.com/google/uuid"
)

// Attempt outcomes recorded by the download engine. The journal is pure
// observability; the content digest remains the only satisfaction signal.
const (
	OutcomeCompleted   = "completed"
	OutcomeAlreadyDone = "already_complete"
	OutcomeFailed      = "failed"
	OutcomeExhausted   = "retries_exhausted"
)

// Attempt is one download attempt against a source URL.
type Attempt struct {
	SessionID    string
	URL          string
	ResumeOffset int64
	Outcome      string
	StartedAt    time.Time
}

// AttemptJournal records download attempts for later inspection.
type AttemptJournal interface {
	RecordAttempt(a Attempt) error
}

// NewSessionID returns a fresh identifier grouping the attempts of one
// Download call.
func NewSessionID() string {
	return uuid.NewString()
}
