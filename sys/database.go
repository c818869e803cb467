package sys

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var DB *sql.DB

// InitDatabase opens the sqlite database and prepares the schema.
// Safe to call once at startup; later calls replace the handle.
func InitDatabase(path string) error {
	// ===========================
	// PHASE 1: OPEN CONNECTION
	// ===========================
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	// ===========================
	// PHASE 2: PRAGMAS
	// ===========================
	pragmas := map[string]string{
		"journal_mode": "WAL",
		"synchronous":  "NORMAL",
		"foreign_keys": "ON",
		"busy_timeout": "5000",
	}
	for name, value := range pragmas {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA %s = %s;", name, value)); err != nil {
			db.Close()
			return fmt.Errorf(MsgDatabasePragmaError, name, err)
		}
	}

	// ===========================
	// PHASE 3: SCHEMA
	// ===========================
	tables := []string{
		`CREATE TABLE IF NOT EXISTS play_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			track_id TEXT NOT NULL,
			title TEXT NOT NULL,
			channel TEXT,
			source TEXT NOT NULL,
			duration_secs INTEGER NOT NULL DEFAULT 0,
			played_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS track_stats (
			track_id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			play_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_played TIMESTAMP,
			last_failure TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_track ON play_history(track_id);`,
		`CREATE INDEX IF NOT EXISTS idx_play_history_time ON play_history(played_at);`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	DB = db
	LogDatabase(MsgDatabaseInitSuccess)
	return nil
}

// RecordPlay appends a history row and bumps the track's stats.
func RecordPlay(trackID, title, channel, source string, duration time.Duration) error {
	if DB == nil {
		return nil
	}
	tx, err := DB.Begin()
	if err != nil {
		return fmt.Errorf("begin play record: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO play_history (track_id, title, channel, source, duration_secs) VALUES (?, ?, ?, ?, ?)`,
		trackID, title, channel, source, int(duration.Seconds()),
	); err != nil {
		return fmt.Errorf("insert play history: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO track_stats (track_id, title, play_count, last_played)
		 VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(track_id) DO UPDATE SET
			play_count = play_count + 1,
			title = excluded.title,
			last_played = CURRENT_TIMESTAMP`,
		trackID, title,
	); err != nil {
		return fmt.Errorf("update track stats: %w", err)
	}

	return tx.Commit()
}

// RecordFailure bumps the failure counter for a track.
func RecordFailure(trackID, title string) error {
	if DB == nil {
		return nil
	}
	_, err := DB.Exec(
		`INSERT INTO track_stats (track_id, title, failure_count, last_failure)
		 VALUES (?, ?, 1, CURRENT_TIMESTAMP)
		 ON CONFLICT(track_id) DO UPDATE SET
			failure_count = failure_count + 1,
			last_failure = CURRENT_TIMESTAMP`,
		trackID, title,
	)
	if err != nil {
		return fmt.Errorf("update failure stats: %w", err)
	}
	return nil
}

// TrackStat is one row of aggregated play statistics.
type TrackStat struct {
	TrackID      string
	Title        string
	PlayCount    int
	FailureCount int
}

// TopTracks returns the most-played tracks, highest play count first.
func TopTracks(limit int) ([]TrackStat, error) {
	if DB == nil {
		return nil, nil
	}
	rows, err := DB.Query(
		`SELECT track_id, title, play_count, failure_count
		 FROM track_stats ORDER BY play_count DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackStat
	for rows.Next() {
		var s TrackStat
		if err := rows.Scan(&s.TrackID, &s.Title, &s.PlayCount, &s.FailureCount); err != nil {
			return nil, fmt.Errorf("scan track stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PlayRecord is one row of the play history log.
type PlayRecord struct {
	TrackID  string
	Title    string
	Channel  string
	Source   string
	PlayedAt string
}

// RecentPlays returns the newest history rows, most recent first.
func RecentPlays(limit int) ([]PlayRecord, error) {
	if DB == nil {
		return nil, nil
	}
	rows, err := DB.Query(
		`SELECT track_id, title, COALESCE(channel, ''), source, played_at
		 FROM play_history ORDER BY played_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent plays: %w", err)
	}
	defer rows.Close()

	var out []PlayRecord
	for rows.Next() {
		var r PlayRecord
		if err := rows.Scan(&r.TrackID, &r.Title, &r.Channel, &r.Source, &r.PlayedAt); err != nil {
			return nil, fmt.Errorf("scan play history: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CloseDatabase flushes and closes the handle.
func CloseDatabase() {
	if DB != nil {
		_ = DB.Close()
		DB = nil
	}
}
