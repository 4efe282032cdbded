// Package audit persists the pipeline's entity records and the
// append-only lifecycle trail. Events are never updated or deleted and
// are strictly ordered per request; the store is safe for concurrent
// writers keyed by request id.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"crucible/internal/artifact"
)

// SchemaVersion tracks the store layout.
// v1: requests, artifacts, assessments, sandbox_results, decisions, audit_events
const SchemaVersion = 1

// Store is a SQLite-backed audit and entity store.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// Open initializes the store at path, creating the schema if needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		description TEXT NOT NULL,
		requirements TEXT NOT NULL DEFAULT '{}',
		state TEXT NOT NULL,
		submitted_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		source_text TEXT NOT NULL,
		language_tag TEXT NOT NULL,
		generated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS assessments (
		artifact_id TEXT PRIMARY KEY REFERENCES artifacts(id),
		static_score REAL NOT NULL,
		forbidden_capabilities TEXT NOT NULL DEFAULT '[]',
		complexity_score REAL NOT NULL,
		cognitive_verdict TEXT NOT NULL,
		cognitive_notes TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS sandbox_results (
		artifact_id TEXT PRIMARY KEY REFERENCES artifacts(id),
		exit_status TEXT NOT NULL,
		duration_ns INTEGER NOT NULL DEFAULT 0,
		peak_memory INTEGER NOT NULL DEFAULT 0,
		peak_cpu_fraction REAL NOT NULL DEFAULT 0,
		stdout_excerpt TEXT NOT NULL DEFAULT '',
		stderr_excerpt TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS decisions (
		request_id TEXT PRIMARY KEY REFERENCES requests(id),
		level TEXT NOT NULL,
		decided_by TEXT NOT NULL,
		decided_at DATETIME NOT NULL,
		applied INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS audit_events (
		request_id TEXT NOT NULL REFERENCES requests(id),
		seq INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		stage TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (request_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_time ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// SaveRequest persists a new request with its initial state.
func (s *Store) SaveRequest(req *artifact.EvolutionRequest, state artifact.State) error {
	reqs, err := json.Marshal(req.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT INTO requests (id, description, requirements, state, submitted_at) VALUES (?, ?, ?, ?, ?)",
		req.ID, req.Description, string(reqs), state.String(), req.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to save request %s: %w", req.ID, err)
	}
	return nil
}

// UpdateState records a request's new lifecycle state.
func (s *Store) UpdateState(requestID string, state artifact.State) error {
	res, err := s.db.Exec("UPDATE requests SET state = ? WHERE id = ?", state.String(), requestID)
	if err != nil {
		return fmt.Errorf("failed to update state for %s: %w", requestID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("request %s not found", requestID)
	}
	return nil
}

// GetRequest loads a request and its current state.
func (s *Store) GetRequest(requestID string) (*artifact.EvolutionRequest, artifact.State, error) {
	var req artifact.EvolutionRequest
	var reqsJSON, stateStr string
	err := s.db.QueryRow(
		"SELECT id, description, requirements, state, submitted_at FROM requests WHERE id = ?",
		requestID).Scan(&req.ID, &req.Description, &reqsJSON, &stateStr, &req.SubmittedAt)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("request %s not found", requestID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load request %s: %w", requestID, err)
	}
	if err := json.Unmarshal([]byte(reqsJSON), &req.Requirements); err != nil {
		return nil, 0, fmt.Errorf("corrupt requirements for %s: %w", requestID, err)
	}
	state, err := artifact.ParseState(stateStr)
	if err != nil {
		return nil, 0, err
	}
	return &req, state, nil
}

// SaveArtifact persists a generated artifact.
func (s *Store) SaveArtifact(art *artifact.GeneratedArtifact) error {
	_, err := s.db.Exec(
		"INSERT INTO artifacts (id, request_id, source_text, language_tag, generated_at) VALUES (?, ?, ?, ?, ?)",
		art.ID, art.RequestID, art.SourceText, art.LanguageTag, art.GeneratedAt)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s: %w", art.ID, err)
	}
	return nil
}

// ArtifactForRequest loads the most recently generated artifact for a
// request, or nil if synthesis never produced one.
func (s *Store) ArtifactForRequest(requestID string) (*artifact.GeneratedArtifact, error) {
	var art artifact.GeneratedArtifact
	err := s.db.QueryRow(
		`SELECT id, request_id, source_text, language_tag, generated_at FROM artifacts
		 WHERE request_id = ? ORDER BY generated_at DESC LIMIT 1`,
		requestID).Scan(&art.ID, &art.RequestID, &art.SourceText, &art.LanguageTag, &art.GeneratedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load artifact for request %s: %w", requestID, err)
	}
	return &art, nil
}

// SandboxResultFor loads the sandbox result for an artifact, or nil if
// the artifact never reached the sandbox stage.
func (s *Store) SandboxResultFor(artifactID string) (*artifact.SandboxResult, error) {
	var r artifact.SandboxResult
	var statusStr string
	var durationNS int64
	err := s.db.QueryRow(
		`SELECT artifact_id, exit_status, duration_ns, peak_memory, peak_cpu_fraction, stdout_excerpt, stderr_excerpt
		 FROM sandbox_results WHERE artifact_id = ?`,
		artifactID).Scan(&r.ArtifactID, &statusStr, &durationNS, &r.PeakMemory, &r.PeakCPUFraction, &r.StdoutExcerpt, &r.StderrExcerpt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sandbox result for %s: %w", artifactID, err)
	}
	status, err := artifact.ParseExitStatus(statusStr)
	if err != nil {
		return nil, err
	}
	r.ExitStatus = status
	r.Duration = time.Duration(durationNS)
	return &r, nil
}

// SaveAssessment persists a security assessment.
func (s *Store) SaveAssessment(a *artifact.SecurityAssessment) error {
	caps, err := json.Marshal(a.ForbiddenCapabilities)
	if err != nil {
		return fmt.Errorf("failed to encode capabilities: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO assessments (artifact_id, static_score, forbidden_capabilities, complexity_score, cognitive_verdict, cognitive_notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.StaticScore, string(caps), a.ComplexityScore, a.CognitiveVerdict.String(), a.CognitiveNotes)
	if err != nil {
		return fmt.Errorf("failed to save assessment for artifact %s: %w", a.ArtifactID, err)
	}
	return nil
}

// SaveSandboxResult persists a sandbox result.
func (s *Store) SaveSandboxResult(r *artifact.SandboxResult) error {
	_, err := s.db.Exec(
		`INSERT INTO sandbox_results (artifact_id, exit_status, duration_ns, peak_memory, peak_cpu_fraction, stdout_excerpt, stderr_excerpt)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ArtifactID, r.ExitStatus.String(), r.Duration.Nanoseconds(), r.PeakMemory, r.PeakCPUFraction, r.StdoutExcerpt, r.StderrExcerpt)
	if err != nil {
		return fmt.Errorf("failed to save sandbox result for artifact %s: %w", r.ArtifactID, err)
	}
	return nil
}

// SaveDecision persists the approval decision for a request, replacing a
// pending system decision when a human resolves it.
func (s *Store) SaveDecision(d *artifact.ApprovalDecision) error {
	applied := 0
	if d.Applied {
		applied = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO decisions (request_id, level, decided_by, decided_at, applied, reason)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		   level = excluded.level, decided_by = excluded.decided_by,
		   decided_at = excluded.decided_at, applied = excluded.applied,
		   reason = excluded.reason`,
		d.RequestID, d.Level.String(), d.DecidedBy.String(), d.DecidedAt, applied, d.Reason)
	if err != nil {
		return fmt.Errorf("failed to save decision for %s: %w", d.RequestID, err)
	}
	return nil
}

// GetDecision loads the decision for a request, if any.
func (s *Store) GetDecision(requestID string) (*artifact.ApprovalDecision, error) {
	var d artifact.ApprovalDecision
	var levelStr, byStr string
	var applied int
	err := s.db.QueryRow(
		"SELECT request_id, level, decided_by, decided_at, applied, reason FROM decisions WHERE request_id = ?",
		requestID).Scan(&d.RequestID, &levelStr, &byStr, &d.DecidedAt, &applied, &d.Reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision for %s: %w", requestID, err)
	}
	level, err := artifact.ParseApprovalLevel(levelStr)
	if err != nil {
		return nil, err
	}
	d.Level = level
	if byStr == "HUMAN" {
		d.DecidedBy = artifact.ActorHuman
	}
	d.Applied = applied != 0
	return &d, nil
}

// Append adds one event to a request's trail, assigning the next sequence
// number atomically. The append is durable before the caller makes the
// corresponding state transition observable.
func (s *Store) Append(requestID, stage, outcome, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_events WHERE request_id = ?",
		requestID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to allocate audit seq: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO audit_events (request_id, seq, timestamp, stage, outcome, detail) VALUES (?, ?, ?, ?, ?, ?)",
		requestID, seq, time.Now().UTC(), stage, outcome, detail); err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return tx.Commit()
}

// History returns a request's trail ordered by sequence.
func (s *Store) History(requestID string) ([]artifact.AuditEvent, error) {
	rows, err := s.db.Query(
		"SELECT request_id, seq, timestamp, stage, outcome, detail FROM audit_events WHERE request_id = ? ORDER BY seq",
		requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %s: %w", requestID, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsBetween returns all events in [from, to) across requests, ordered
// by time then sequence.
func (s *Store) EventsBetween(from, to time.Time) ([]artifact.AuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT request_id, seq, timestamp, stage, outcome, detail FROM audit_events
		 WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp, seq`, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by time range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]artifact.AuditEvent, error) {
	var events []artifact.AuditEvent
	for rows.Next() {
		var ev artifact.AuditEvent
		if err := rows.Scan(&ev.RequestID, &ev.Seq, &ev.Timestamp, &ev.Stage, &ev.Outcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PendingRequest pairs a request with its pending state for listings.
type PendingRequest struct {
	Request *artifact.EvolutionRequest
	State   artifact.State
}

// ListPending returns requests awaiting review or committee decision,
// optionally filtered to one pending state, oldest first.
func (s *Store) ListPending(filter *artifact.State) ([]PendingRequest, error) {
	query := "SELECT id, description, requirements, state, submitted_at FROM requests WHERE state IN (?, ?) ORDER BY submitted_at"
	args := []any{artifact.StatePendingReview.String(), artifact.StatePendingCommittee.String()}
	if filter != nil {
		if !filter.Pending() {
			return nil, fmt.Errorf("filter state %s is not a pending state", filter)
		}
		query = "SELECT id, description, requirements, state, submitted_at FROM requests WHERE state = ? ORDER BY submitted_at"
		args = []any{filter.String()}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var out []PendingRequest
	for rows.Next() {
		var req artifact.EvolutionRequest
		var reqsJSON, stateStr string
		if err := rows.Scan(&req.ID, &req.Description, &reqsJSON, &stateStr, &req.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending request: %w", err)
		}
		if err := json.Unmarshal([]byte(reqsJSON), &req.Requirements); err != nil {
			return nil, fmt.Errorf("corrupt requirements for %s: %w", req.ID, err)
		}
		state, err := artifact.ParseState(stateStr)
		if err != nil {
			return nil, err
		}
		out = append(out, PendingRequest{Request: &req, State: state})
	}
	return out, rows.Err()
}
