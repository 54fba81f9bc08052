// Package audit keeps a SQLite journal of every call the daemon dispatched.
//
// Arguments are never stored. Each row carries a keyed BLAKE3 digest of the
// redacted arguments so repeated calls can be correlated without keeping
// paths, hostnames or secrets on disk.
package audit

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	_ "modernc.org/sqlite"
)

// argsDomainKey separates argument digests from any other BLAKE3 use.
var argsDomainKey = [32]byte{
	'p', 'r', 'i', 'v', 'd', '.', 'a', 'u', 'd', 'i', 't', '.',
	'a', 'r', 'g', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Outcomes recorded in the journal.
const (
	OutcomeSuccess  = "success"
	OutcomeFault    = "fault"
	OutcomeRejected = "rejected"
)

// Entry is one dispatched call.
type Entry struct {
	ID         string
	RequestID  string
	Operation  string
	PeerUID    uint32
	RunAsUser  string
	Outcome    string
	FaultKind  string
	ArgsDigest string
	StartedAt  time.Time
	Duration   time.Duration
}

// Journal is the audit database.
type Journal struct {
	db *sql.DB
}

// Open opens or creates the journal at path and runs migrations.
func Open(path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restrict audit db permissions: %w", err)
	}
	return j, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		request_id TEXT,
		operation TEXT NOT NULL,
		peer_uid INTEGER NOT NULL,
		run_as_user TEXT,
		outcome TEXT NOT NULL,
		fault_kind TEXT,
		args_digest TEXT,
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at);
	CREATE INDEX IF NOT EXISTS idx_calls_operation ON calls(operation);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record inserts e. A missing ID is generated; RequestID is whatever the
// caller sent and is not trusted to be unique.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO calls (id, request_id, operation, peer_uid, run_as_user, outcome, fault_kind, args_digest, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.Operation, int64(e.PeerUID), e.RunAsUser, e.Outcome, e.FaultKind, e.ArgsDigest,
		e.StartedAt.UTC(), e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, request_id, operation, peer_uid, run_as_user, outcome, fault_kind, args_digest, started_at, duration_ms
		 FROM calls ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var peer, durationMS int64
		var requestID, runAs, kind, digest sql.NullString
		if err := rows.Scan(&e.ID, &requestID, &e.Operation, &peer, &runAs, &e.Outcome, &kind, &digest, &e.StartedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.PeerUID = uint32(peer)
		e.RequestID = requestID.String
		e.RunAsUser = runAs.String
		e.FaultKind = kind.String
		e.ArgsDigest = digest.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// DigestArgs returns the hex BLAKE3 keyed digest of the JSON encoding of
// args. Callers pass arguments with secrets already redacted.
func DigestArgs(args map[string]any) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	h, err := blake3.NewKeyed(argsDomainKey[:])
	if err != nil {
		return ""
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
