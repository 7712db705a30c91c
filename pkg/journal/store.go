// Package journal records reconstruction sessions in a SQLite database:
// one row per initialized geometry, per scan settings change and per
// engine upload.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Session is one Initialize of the reconstructor.
type Session struct {
	SessionID   string
	Beam        string
	Rows        int
	Cols        int
	ProjCount   int
	Mode        string
	GroupSize   int
	StartedAtNs int64
}

// ScanSettings is one recorded scan settings change. SessionID is empty
// when the change arrived before the first session.
type ScanSettings struct {
	SessionID     string
	Darks         int
	Flats         int
	AlreadyLinear bool
	RecordedAtNs  int64
}

// Upload is one engine upload of a projection range.
type Upload struct {
	SessionID    string
	Slot         int
	ProjBegin    int
	ProjEnd      int
	RecordedAtNs int64
}

// Store provides persistence for journal records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal database at path. ":memory:" gives a
// private in-memory journal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// a single connection keeps in-memory databases shared and serializes writers
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id     TEXT PRIMARY KEY,
			beam           TEXT NOT NULL,
			det_rows       INTEGER NOT NULL,
			det_cols       INTEGER NOT NULL,
			proj_count     INTEGER NOT NULL,
			mode           TEXT NOT NULL,
			group_size     INTEGER NOT NULL,
			started_at_ns  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scan_settings (
			session_id      TEXT,
			darks           INTEGER NOT NULL,
			flats           INTEGER NOT NULL,
			already_linear  INTEGER NOT NULL,
			recorded_at_ns  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS uploads (
			session_id      TEXT NOT NULL,
			slot            INTEGER NOT NULL,
			proj_begin      INTEGER NOT NULL,
			proj_end        INTEGER NOT NULL,
			recorded_at_ns  INTEGER NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_uploads_session ON uploads(session_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertSession stores a session. An empty SessionID is replaced by a new
// UUID and a zero start time by the current time.
func (s *Store) InsertSession(session *Session) error {
	if session.SessionID == "" {
		session.SessionID = uuid.New().String()
	}
	if session.StartedAtNs == 0 {
		session.StartedAtNs = time.Now().UnixNano()
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (
			session_id, beam, det_rows, det_cols, proj_count, mode, group_size, started_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.Beam, session.Rows, session.Cols,
		session.ProjCount, session.Mode, session.GroupSize, session.StartedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// InsertScanSettings stores a scan settings change.
func (s *Store) InsertScanSettings(rec *ScanSettings) error {
	if rec.RecordedAtNs == 0 {
		rec.RecordedAtNs = time.Now().UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_settings (session_id, darks, flats, already_linear, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		nullString(rec.SessionID), rec.Darks, rec.Flats, rec.AlreadyLinear, rec.RecordedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert scan settings: %w", err)
	}
	return nil
}

// InsertUpload stores an upload.
func (s *Store) InsertUpload(rec *Upload) error {
	if rec.RecordedAtNs == 0 {
		rec.RecordedAtNs = time.Now().UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO uploads (session_id, slot, proj_begin, proj_end, recorded_at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Slot, rec.ProjBegin, rec.ProjEnd, rec.RecordedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert upload: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var session Session
	err := s.db.QueryRow(`
		SELECT session_id, beam, det_rows, det_cols, proj_count, mode, group_size, started_at_ns
		FROM sessions
		WHERE session_id = ?`, sessionID,
	).Scan(
		&session.SessionID, &session.Beam, &session.Rows, &session.Cols,
		&session.ProjCount, &session.Mode, &session.GroupSize, &session.StartedAtNs,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

// ListSessions returns all sessions, oldest first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, beam, det_rows, det_cols, proj_count, mode, group_size, started_at_ns
		FROM sessions
		ORDER BY started_at_ns, rowid`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var session Session
		if err := rows.Scan(
			&session.SessionID, &session.Beam, &session.Rows, &session.Cols,
			&session.ProjCount, &session.Mode, &session.GroupSize, &session.StartedAtNs,
		); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, rows.Err()
}

// ListScanSettings returns every recorded scan settings change in order.
func (s *Store) ListScanSettings() ([]*ScanSettings, error) {
	rows, err := s.db.Query(`
		SELECT session_id, darks, flats, already_linear, recorded_at_ns
		FROM scan_settings
		ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list scan settings: %w", err)
	}
	defer rows.Close()

	var out []*ScanSettings
	for rows.Next() {
		var rec ScanSettings
		var sessionID sql.NullString
		if err := rows.Scan(&sessionID, &rec.Darks, &rec.Flats, &rec.AlreadyLinear, &rec.RecordedAtNs); err != nil {
			return nil, fmt.Errorf("scan scan settings: %w", err)
		}
		if sessionID.Valid {
			rec.SessionID = sessionID.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListUploads returns the uploads of a session in order.
func (s *Store) ListUploads(sessionID string) ([]*Upload, error) {
	rows, err := s.db.Query(`
		SELECT session_id, slot, proj_begin, proj_end, recorded_at_ns
		FROM uploads
		WHERE session_id = ?
		ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var out []*Upload
	for rows.Next() {
		var rec Upload
		if err := rows.Scan(&rec.SessionID, &rec.Slot, &rec.ProjBegin, &rec.ProjEnd, &rec.RecordedAtNs); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
