// Package recorder persists streamed samples to SQLite.
package recorder

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/mwstream/internal/device"

	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial.sql
var migration001 string

// migrations is an ordered list of migration SQL statements.
var migrations = []struct {
	version int
	sql     string
}{
	{1, migration001},
}

// DefaultBatchSize is the number of samples written per transaction.
const DefaultBatchSize = 64

// DefaultFlushInterval bounds how long a partial batch waits.
const DefaultFlushInterval = 250 * time.Millisecond

// Recorder wraps the SQLite database holding recorded sessions.
type Recorder struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
}

// SessionInfo describes a recorded session.
type SessionInfo struct {
	ID          string
	Address     device.Address
	Scenario    string
	StartedAt   time.Time
	EndedAt     *time.Time
	SampleCount int64
	Dropped     uint64
}

// Open opens (or creates) the database at path and applies pending migrations.
func Open(path string, logger *logrus.Logger) (*Recorder, error) {
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps the pragmas below in effect
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Debug("Recorder database opened")
	return &Recorder{db: db, path: path, logger: logger}, nil
}

// Path returns the database file path.
func (r *Recorder) Path() string {
	return r.path
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// CurrentVersion returns the current schema version.
func (r *Recorder) CurrentVersion() (int, error) {
	return schemaVersion(r.db)
}

// Begin starts a new session for the board at address.
func (r *Recorder) Begin(address device.Address, scenario string) (*Session, error) {
	id := uuid.New().String()
	startedAt := time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO sessions (session_id, address, scenario, started_at)
		VALUES (?, ?, ?, ?)
	`, id, address.String(), scenario, startedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"address":  address,
		"session":  id,
		"scenario": scenario,
	}).Info("Recording session started")

	return &Session{
		rec:           r,
		id:            id,
		address:       address,
		BatchSize:     DefaultBatchSize,
		FlushInterval: DefaultFlushInterval,
	}, nil
}

// Sessions lists recorded sessions, oldest first.
func (r *Recorder) Sessions() ([]SessionInfo, error) {
	rows, err := r.db.Query(`
		SELECT session_id, address, scenario, started_at, ended_at, sample_count, dropped
		FROM sessions
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var (
			s          SessionInfo
			addr       string
			startedAt  string
			endedAtStr sql.NullString
		)
		if err := rows.Scan(&s.ID, &addr, &s.Scenario, &startedAt, &endedAtStr, &s.SampleCount, &s.Dropped); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if s.Address, err = device.ParseAddress(addr); err != nil {
			return nil, err
		}
		if s.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, fmt.Errorf("failed to parse start time: %w", err)
		}
		if endedAtStr.Valid {
			t, err := time.Parse(time.RFC3339Nano, endedAtStr.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse end time: %w", err)
			}
			s.EndedAt = &t
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Samples returns the samples of a session in arrival order.
func (r *Recorder) Samples(sessionID string) ([]device.Sample, error) {
	var addrStr string
	err := r.db.QueryRow("SELECT address FROM sessions WHERE session_id = ?", sessionID).Scan(&addrStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	addr, err := device.ParseAddress(addrStr)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(`
		SELECT module, ts_ns, ax, ay, az, qw, qx, qy, qz
		FROM samples
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var out []device.Sample
	for rows.Next() {
		var (
			module         int
			ts             int64
			ax, ay, az     sql.NullFloat64
			qw, qx, qy, qz sql.NullFloat64
		)
		if err := rows.Scan(&module, &ts, &ax, &ay, &az, &qw, &qx, &qy, &qz); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}

		s := device.Sample{Address: addr, Module: device.ModuleKind(module), Timestamp: time.Unix(0, ts)}
		if ax.Valid {
			s.Acceleration = &device.Acceleration{X: float32(ax.Float64), Y: float32(ay.Float64), Z: float32(az.Float64)}
		}
		if qw.Valid {
			s.Quaternion = &device.Quaternion{W: float32(qw.Float64), X: float32(qx.Float64), Y: float32(qy.Float64), Z: float32(qz.Float64)}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func schemaVersion(db *sql.DB) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema version table: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// applyMigrations applies all pending migrations.
func applyMigrations(db *sql.DB) error {
	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := db.Exec(m.sql); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.version, err)
		}
	}
	return nil
}
