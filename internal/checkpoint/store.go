// Package checkpoint persists versioned snapshots of in-flight runs so
// an interrupted run can be resumed from its last recorded turn.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Trigger describes what caused a checkpoint to be written.
type Trigger string

const (
	TriggerPeriodic    Trigger = "periodic"    // every N turns
	TriggerFailure     Trigger = "failure"     // immediately on an unrecoverable failure
	TriggerInterrupted Trigger = "interrupted" // user cancellation
	TriggerShutdown    Trigger = "shutdown"    // graceful process shutdown
)

// Checkpoint is one immutable snapshot of a run. Later snapshots of
// the same run supersede earlier ones by sequence number; nothing is
// ever rewritten in place.
type Checkpoint struct {
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Status    string    `json:"status"`
	TurnCount int       `json:"turn_count"`
	ByteSize  int64     `json:"byte_size"`

	stateGz []byte
}

// ErrNotFound is returned when a run has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists checkpoints in SQLite. Each run writes only its own
// keyed stream, so concurrent runs do not contend beyond the driver's
// own locking.
type Store struct {
	db *sql.DB
}

// Open creates a Store backed by the SQLite database at path,
// creating the schema if needed.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStore wraps an existing database handle, creating the schema if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			"trigger" TEXT NOT NULL,
			status TEXT NOT NULL,
			turn_count INTEGER NOT NULL,
			state_gz BLOB NOT NULL,
			byte_size INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_created
			ON checkpoints(created_at DESC);
	`)
	return err
}

// Save serializes state, compresses it, and appends it as the next
// sequence number for the run. The state value is opaque to the store;
// callers marshal whatever they need to reconstruct the run.
func (s *Store) Save(runID string, trigger Trigger, status string, turnCount int, state any) (*Checkpoint, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	compressed := buf.Bytes()
	now := time.Now().UTC()

	// Allocate the next sequence number inside a transaction so
	// concurrent writers for the same run never collide.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM checkpoints WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO checkpoints (run_id, seq, created_at, "trigger", status, turn_count, state_gz, byte_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, seq, now.Format(time.RFC3339Nano), string(trigger), status, turnCount, compressed, len(compressed)); err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Checkpoint{
		RunID:     runID,
		Seq:       seq,
		CreatedAt: now,
		Trigger:   trigger,
		Status:    status,
		TurnCount: turnCount,
		ByteSize:  int64(len(compressed)),
		stateGz:   compressed,
	}, nil
}

// Latest returns the highest-sequence checkpoint for the run,
// including its state blob. Returns ErrNotFound if the run has none.
func (s *Store) Latest(runID string) (*Checkpoint, error) {
	row := s.db.QueryRow(`
		SELECT run_id, seq, created_at, "trigger", status, turn_count, state_gz, byte_size
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT 1
	`, runID)

	cp, err := scanCheckpoint(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cp, err
}

// Count returns how many checkpoints exist for the run.
func (s *Store) Count(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// List returns checkpoint metadata for the run, newest first, without
// state blobs.
func (s *Store) List(runID string, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT run_id, seq, created_at, "trigger", status, turn_count, byte_size
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var createdStr, triggerStr string
		if err := rows.Scan(&cp.RunID, &cp.Seq, &createdStr, &triggerStr, &cp.Status, &cp.TurnCount, &cp.ByteSize); err != nil {
			return nil, err
		}
		cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		cp.Trigger = Trigger(triggerStr)
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// Runs returns the distinct run IDs with checkpoints, newest first.
func (s *Store) Runs(limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT run_id, MAX(created_at) AS latest
		FROM checkpoints
		GROUP BY run_id
		ORDER BY latest DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id, latest string
		if err := rows.Scan(&id, &latest); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Prune removes checkpoints older than the given duration, always
// keeping the newest minKeep per run so no run loses its resume point.
func (s *Store) Prune(olderThan time.Duration, minKeep int) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	result, err := s.db.Exec(`
		DELETE FROM checkpoints
		WHERE created_at < ?
		AND seq NOT IN (
			SELECT seq FROM checkpoints AS c2
			WHERE c2.run_id = checkpoints.run_id
			ORDER BY seq DESC
			LIMIT ?
		)
	`, cutoff.Format(time.RFC3339Nano), minKeep)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return int(deleted), nil
}

// Decode unmarshals the checkpoint's state blob into v.
func (c *Checkpoint) Decode(v any) error {
	if c.stateGz == nil {
		return fmt.Errorf("checkpoint %s/%d has no state loaded", c.RunID, c.Seq)
	}
	gr, err := gzip.NewReader(bytes.NewReader(c.stateGz))
	if err != nil {
		return fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if err := json.Unmarshal(stateJSON, v); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	return nil
}

// scanCheckpoint reads one full row. withState controls whether the
// query included the state_gz column.
func scanCheckpoint(row *sql.Row, withState bool) (*Checkpoint, error) {
	var cp Checkpoint
	var createdStr, triggerStr string

	var err error
	if withState {
		err = row.Scan(&cp.RunID, &cp.Seq, &createdStr, &triggerStr, &cp.Status, &cp.TurnCount, &cp.stateGz, &cp.ByteSize)
	} else {
		err = row.Scan(&cp.RunID, &cp.Seq, &createdStr, &triggerStr, &cp.Status, &cp.TurnCount, &cp.ByteSize)
	}
	if err != nil {
		return nil, err
	}

	cp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	cp.Trigger = Trigger(triggerStr)
	return &cp, nil
}
