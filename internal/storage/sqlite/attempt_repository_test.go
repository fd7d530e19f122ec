package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/neos_updater/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRepository_RoundTrip(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)

	defer db.Close()

	repo := NewAttemptRepository(db)
	session := storage.NewSessionID()

	require.NoError(t, repo.RecordAttempt(storage.Attempt{
		SessionID:    session,
		URL:          "http://example.com/ota.zip",
		ResumeOffset: 0,
		Outcome:      storage.OutcomeFailed,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}))
	require.NoError(t, repo.RecordAttempt(storage.Attempt{
		SessionID:    session,
		URL:          "http://example.com/ota.zip",
		ResumeOffset: 4096,
		Outcome:      storage.OutcomeCompleted,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}))

	attempts, err := repo.RecentAttempts(10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	// Newest first.
	assert.Equal(t, storage.OutcomeCompleted, attempts[0].Outcome)
	assert.Equal(t, int64(4096), attempts[0].ResumeOffset)
	assert.Equal(t, storage.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, session, attempts[1].SessionID)
}
