package sqlite

import (
	"database/sql"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite journal at path and creates the attempts table if
// it doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY,
		session_id TEXT,
		url TEXT,
		resume_offset INTEGER,
		outcome TEXT,
		started_at DATETIME
	)`)

	if err != nil {
		return nil, err
	}

	return db, nil
}
