package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Database is the room journal: an audit trail of room lifetimes. It is never
// read back into live state.
type Database struct {
	db *sql.DB
}

// RoomSession is one lifetime of a room id, from creation to purge.
type RoomSession struct {
	ID           int64      `json:"id"`
	RoomID       string     `json:"room_id"`
	CreatedAt    time.Time  `json:"created_at"`
	PurgedAt     *time.Time `json:"purged_at,omitempty"`
	PeakMembers  int        `json:"peak_members"`
	MessageCount int        `json:"message_count"`
	UpdateCount  int64      `json:"update_count"`
}

// RoomEvent is a host or lock change inside a room session.
type RoomEvent struct {
	ID           int64     `json:"id"`
	RoomID       string    `json:"room_id"`
	Kind         string    `json:"kind"`
	ConnectionID string    `json:"connection_id"`
	Locked       bool      `json:"locked"`
	Members      int       `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
}

type Stats struct {
	Sessions     int   `json:"sessions"`
	OpenSessions int   `json:"open_sessions"`
	Events       int   `json:"events"`
	Messages     int64 `json:"messages"`
	Updates      int64 `json:"updates"`
}

func New(dbPath string, log *zap.Logger) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Info("journal initialized", zap.String("path", dbPath))
	return &Database{db: db}, nil
}

// Timestamps are stored as unix milliseconds.
func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS room_sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		purged_at INTEGER,
		peak_members INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		update_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_room_sessions_room_id ON room_sessions(room_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS room_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		members INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_room_events_room_id ON room_events(room_id, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session operations

// Opens a new session row for a room id
func (d *Database) RecordCreated(roomID string, at time.Time) (int64, error) {
	result, err := d.db.Exec(
		"INSERT INTO room_sessions (room_id, created_at) VALUES (?, ?)",
		roomID, at.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Closes the newest open session of a room id. A purge with no open session
// (the journal was enabled mid-life) opens and closes one in place.
func (d *Database) RecordPurged(roomID string, at time.Time, peakMembers, messages int, updates int64) error {
	result, err := d.db.Exec(`
		UPDATE room_sessions
		SET purged_at = ?, peak_members = ?, message_count = ?, update_count = ?
		WHERE id = (
			SELECT id FROM room_sessions
			WHERE room_id = ? AND purged_at IS NULL
			ORDER BY id DESC
			LIMIT 1
		)
	`, at.UnixMilli(), peakMembers, messages, updates, roomID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err != nil || n > 0 {
		return err
	}

	_, err = d.db.Exec(`
		INSERT INTO room_sessions (room_id, created_at, purged_at, peak_members, message_count, update_count)
		VALUES (?, ?, ?, ?, ?, ?)
	`, roomID, at.UnixMilli(), at.UnixMilli(), peakMembers, messages, updates)
	return err
}

func (d *Database) GetSession(id int64) (*RoomSession, error) {
	row := d.db.QueryRow(`
		SELECT id, room_id, created_at, purged_at, peak_members, message_count, update_count
		FROM room_sessions WHERE id = ?
	`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Returns sessions newest first
func (d *Database) ListSessions(limit, offset int) ([]RoomSession, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, created_at, purged_at, peak_members, message_count, update_count
		FROM room_sessions
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Returns every session of one room id, newest first
func (d *Database) RoomHistory(roomID string) ([]RoomSession, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, created_at, purged_at, peak_members, message_count, update_count
		FROM room_sessions
		WHERE room_id = ?
		ORDER BY id DESC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

// Event operations

func (d *Database) RecordEvent(e RoomEvent) error {
	_, err := d.db.Exec(`
		INSERT INTO room_events (room_id, kind, connection_id, locked, members, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.RoomID, e.Kind, e.ConnectionID, e.Locked, e.Members, e.CreatedAt.UnixMilli())
	return err
}

// Returns the most recent events of a room, oldest first
func (d *Database) ListEvents(roomID string, limit int) ([]RoomEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, room_id, kind, connection_id, locked, members, created_at FROM (
			SELECT * FROM room_events WHERE room_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []RoomEvent
	for rows.Next() {
		var e RoomEvent
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Kind, &e.ConnectionID, &e.Locked, &e.Members, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Stats

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	err := d.db.QueryRow(`
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN purged_at IS NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(message_count), 0),
			COALESCE(SUM(update_count), 0)
		FROM room_sessions
	`).Scan(&s.Sessions, &s.OpenSessions, &s.Messages, &s.Updates)
	if err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_events").Scan(&s.Events); err != nil {
		return Stats{}, err
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*RoomSession, error) {
	var s RoomSession
	var createdAt int64
	var purgedAt sql.NullInt64
	if err := row.Scan(&s.ID, &s.RoomID, &createdAt, &purgedAt, &s.PeakMembers, &s.MessageCount, &s.UpdateCount); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt).UTC()
	if purgedAt.Valid {
		t := time.UnixMilli(purgedAt.Int64).UTC()
		s.PurgedAt = &t
	}
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]RoomSession, error) {
	var sessions []RoomSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
