// Package store implements the durable, append-only position store on
// SQLite. It is the sole writer of persisted state; the acquisition
// controller and the sync engine go through it for every mutation.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bfabiszewski/ulogger-go/pkg"
	"github.com/bfabiszewski/ulogger-go/pkg/logx"
)

// Store is a reference-counted SQLite position store. The database handle
// is acquired on the first Open and released on the last Close, so multiple
// collaborators can hold it with scoped acquire-use-release.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	refs     int
	path     string
	imageDir string
	logger   *logx.Logger
}

// New creates a Store for the database at path. Images referenced by
// positions are considered locally owned, and deleted on sync, only when
// they live under imageDir; externally supplied references are left alone.
func New(path, imageDir string, logger *logx.Logger) *Store {
	return &Store{path: path, imageDir: imageDir, logger: logger}
}

// Open acquires a reference. The underlying database is opened and the
// schema ensured on the first reference only.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs++
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := initializeSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	s.db = db
	s.refs = 1
	s.logger.Info("position_store_opened", "path", s.path)
	return nil
}

// Close releases a reference, closing the database when the count drops to
// zero. Closing an unopened store is an error.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return pkg.ErrStoreClosed
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	s.logger.Info("position_store_closed", "path", s.path)
	return err
}

func initializeSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS track (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		remote_id INTEGER,
		name TEXT NOT NULL,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS positions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude REAL,
		speed REAL,
		bearing REAL,
		accuracy REAL,
		provider TEXT NOT NULL,
		comment TEXT,
		image_ref TEXT,
		synced BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE INDEX IF NOT EXISTS idx_positions_time ON positions(time);
	CREATE INDEX IF NOT EXISTS idx_positions_synced ON positions(synced);
	`

	_, err := db.Exec(schema)
	return err
}

// handle returns the database, failing after the last Close.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, pkg.ErrStoreClosed
	}
	return s.db, nil
}

// Append inserts an unsynced position and returns its id. It never touches
// the network and fails only when the underlying storage does.
func (s *Store) Append(p *pkg.Position) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	res, err := db.Exec(`
		INSERT INTO positions (
			time, latitude, longitude, altitude, speed, bearing, accuracy,
			provider, comment, image_ref, synced
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)`,
		p.Time.Unix(), p.Latitude, p.Longitude,
		nullFloat(p.Altitude), nullFloat(p.Speed), nullFloat(p.Bearing), nullFloat(p.Accuracy),
		p.Provider, nullString(p.Comment), nullString(p.ImageRef),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append position: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read inserted id: %w", err)
	}
	p.ID = id
	return id, nil
}

// UnsyncedBatch returns all unsynced positions ordered by time ascending
// (insertion order). Each call re-queries current state; it is restartable,
// not a snapshot.
func (s *Store) UnsyncedBatch() ([]pkg.Position, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(`
		SELECT id, time, latitude, longitude, altitude, speed, bearing,
		       accuracy, provider, comment, image_ref, synced
		FROM positions WHERE synced = FALSE ORDER BY time ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsynced positions: %w", err)
	}
	defer rows.Close()

	var batch []pkg.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		batch = append(batch, p)
	}
	return batch, rows.Err()
}

// UnsyncedCount returns the number of positions not yet delivered.
func (s *Store) UnsyncedCount() (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM positions WHERE synced = FALSE`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unsynced positions: %w", err)
	}
	return n, nil
}

// MarkSynced flags a position as delivered. If the record references an
// image under the store's managed image directory the local copy is removed;
// external references are the caller's to manage.
func (s *Store) MarkSynced(id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	var imageRef sql.NullString
	err = db.QueryRow(`SELECT image_ref FROM positions WHERE id = ?`, id).Scan(&imageRef)
	if err != nil {
		return fmt.Errorf("failed to load position %d: %w", id, err)
	}

	if _, err := db.Exec(`UPDATE positions SET synced = TRUE WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark position %d synced: %w", id, err)
	}

	if imageRef.Valid && s.ownsImage(imageRef.String) {
		if err := os.Remove(imageRef.String); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove synced image", "image_ref", imageRef.String, "error", err)
		}
	}
	return nil
}

// ownsImage reports whether ref lives under the managed image directory.
func (s *Store) ownsImage(ref string) bool {
	if s.imageDir == "" || ref == "" {
		return false
	}
	rel, err := filepath.Rel(s.imageDir, ref)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// SetError stores the current track's error message, overwriting the slot.
func (s *Store) SetError(message string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE track SET error = ? WHERE id = 1`, message)
	if err != nil {
		return fmt.Errorf("failed to set track error: %w", err)
	}
	return nil
}

// ClearError empties the current track's error slot.
func (s *Store) ClearError() error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE track SET error = NULL WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to clear track error: %w", err)
	}
	return nil
}

// CurrentTrack returns the active track, or nil when none was started.
func (s *Store) CurrentTrack() (*pkg.Track, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var (
		remoteID sql.NullInt64
		name     string
		lastErr  sql.NullString
	)
	err = db.QueryRow(`SELECT remote_id, name, error FROM track WHERE id = 1`).
		Scan(&remoteID, &name, &lastErr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load track: %w", err)
	}

	return &pkg.Track{
		RemoteID:  remoteID.Int64,
		Name:      name,
		LastError: lastErr.String,
	}, nil
}

// StartTrack begins a new recording session: all prior positions are
// truncated and the track row is replaced with a fresh one without a remote
// id or error. An empty name gets an auto-generated label.
func (s *Store) StartTrack(name string) (*pkg.Track, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = AutoName(time.Now())
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin track reset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM positions`); err != nil {
		return nil, fmt.Errorf("failed to truncate positions: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO track (id, remote_id, name, error) VALUES (1, NULL, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET remote_id = NULL, name = excluded.name, error = NULL`,
		name); err != nil {
		return nil, fmt.Errorf("failed to reset track: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit track reset: %w", err)
	}

	s.logger.Info("track_started", "name", name)
	return &pkg.Track{Name: name}, nil
}

// SetTrackID records the remote id obtained from the server.
func (s *Store) SetTrackID(id int64) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.Exec(`UPDATE track SET remote_id = ? WHERE id = 1`, id)
	if err != nil {
		return fmt.Errorf("failed to set track id: %w", err)
	}
	return nil
}

// AutoName generates a track label from the given time, matching the
// Auto_YYYY.MM.DD_HH.MM.SS convention.
func AutoName(t time.Time) string {
	return "Auto_" + t.Format("2006.01.02_15.04.05")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (pkg.Position, error) {
	var (
		p        pkg.Position
		ts       int64
		altitude sql.NullFloat64
		speed    sql.NullFloat64
		bearing  sql.NullFloat64
		accuracy sql.NullFloat64
		comment  sql.NullString
		imageRef sql.NullString
	)
	err := row.Scan(&p.ID, &ts, &p.Latitude, &p.Longitude,
		&altitude, &speed, &bearing, &accuracy,
		&p.Provider, &comment, &imageRef, &p.Synced)
	if err != nil {
		return p, fmt.Errorf("failed to scan position: %w", err)
	}

	p.Time = time.Unix(ts, 0).UTC()
	p.Altitude = floatPtr(altitude)
	p.Speed = floatPtr(speed)
	p.Bearing = floatPtr(bearing)
	p.Accuracy = floatPtr(accuracy)
	p.Comment = comment.String
	p.ImageRef = imageRef.String
	return p, nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
