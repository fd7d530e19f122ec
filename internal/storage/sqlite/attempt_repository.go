package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/neos_updater/internal/storage"
)

type AttemptRepository struct {
	db *sql.DB
}

func NewAttemptRepository(dbConn *sql.DB) *AttemptRepository {
	return &AttemptRepository{db: dbConn}
}

// RecordAttempt appends one download attempt row to the journal.
func (r *AttemptRepository) RecordAttempt(a storage.Attempt) error {
	_, err := r.db.Exec(`
		INSERT INTO attempts (session_id, url, resume_offset, outcome, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, a.SessionID, a.URL, a.ResumeOffset, a.Outcome, a.StartedAt.Format(time.RFC3339))

	return err
}

// RecentAttempts returns up to limit attempts, newest first.
func (r *AttemptRepository) RecentAttempts(limit int) ([]storage.Attempt, error) {
	rows, err := r.db.Query(`
		SELECT session_id, url, resume_offset, outcome, started_at
		FROM attempts ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var attempts []storage.Attempt

	for rows.Next() {
		var a storage.Attempt

		var startedAt string

		if err := rows.Scan(&a.SessionID, &a.URL, &a.ResumeOffset, &a.Outcome, &startedAt); err != nil {
			return nil, err
		}

		a.StartedAt, _ = time.Parse(time.RFC3339, startedAt)

		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}
