package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kbpersonal/agentbridge"

	_ "modernc.org/sqlite"
)

// migrations is the forward-only, versioned schema history. Each entry's
// index (1-based) is compared against PRAGMA user_version on open; only
// migrations newer than the current version are applied, in order.
var migrations = []string{
	// v1
	`
	CREATE TABLE IF NOT EXISTS sessions (
		channel         TEXT NOT NULL,
		sender          TEXT NOT NULL,
		workspace_alias TEXT NOT NULL DEFAULT '',
		muted           INTEGER NOT NULL DEFAULT 0,
		created_at      DATETIME NOT NULL,
		updated_at      DATETIME NOT NULL,
		history_json    TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (channel, sender)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel     TEXT NOT NULL,
		external_id TEXT NOT NULL DEFAULT '',
		sender      TEXT NOT NULL,
		direction   TEXT NOT NULL,
		text        TEXT NOT NULL,
		received_at DATETIME NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_dedupe
		ON messages(channel, external_id) WHERE external_id != '';
	CREATE INDEX IF NOT EXISTS idx_messages_channel_sender ON messages(channel, sender);

	CREATE TABLE IF NOT EXISTS runs (
		run_id             TEXT PRIMARY KEY,
		sender             TEXT NOT NULL,
		channel            TEXT NOT NULL,
		kind               TEXT NOT NULL,
		state              TEXT NOT NULL,
		created_at         DATETIME NOT NULL,
		updated_at         DATETIME NOT NULL,
		prompt_summary     TEXT NOT NULL DEFAULT '',
		command_preview    TEXT NOT NULL DEFAULT '',
		result             TEXT NOT NULL DEFAULT '',
		attempts           INTEGER NOT NULL DEFAULT 0,
		checkpoint_context TEXT NOT NULL DEFAULT '',
		mutation_hint      INTEGER NOT NULL DEFAULT 0,
		connector_name     TEXT NOT NULL DEFAULT '',
		workspace_alias    TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_runs_sender ON runs(sender);
	CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);

	CREATE TABLE IF NOT EXISTS approvals (
		request_id TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		sender     TEXT NOT NULL,
		summary    TEXT NOT NULL DEFAULT '',
		preview    TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		status     TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_approvals_run ON approvals(run_id);
	CREATE INDEX IF NOT EXISTS idx_approvals_sender_status ON approvals(sender, status);

	CREATE TABLE IF NOT EXISTS events (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		kind      TEXT NOT NULL,
		payload   TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS scheduled_actions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id      TEXT NOT NULL DEFAULT '',
		sender      TEXT NOT NULL,
		channel     TEXT NOT NULL,
		fire_at     DATETIME NOT NULL,
		kind        TEXT NOT NULL,
		nudges_sent INTEGER NOT NULL DEFAULT 0,
		max_nudges  INTEGER NOT NULL DEFAULT 1,
		payload     TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_fire_at ON scheduled_actions(fire_at);

	CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no
// cgo).
type SQLiteStore struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at path, enables WAL mode,
// and applies any pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	row := s.db.QueryRowContext(ctx, "PRAGMA user_version")
	if err := row.Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migrate v%d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate v%d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", i+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate v%d: set user_version: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate v%d: commit: %w", i+1, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(channel agentbridge.Channel, sender agentbridge.NormalizedSender) (agentbridge.Session, error) {
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO sessions (channel, sender, workspace_alias, muted, created_at, updated_at, history_json)
		 VALUES (?, ?, '', 0, ?, ?, '[]')
		 ON CONFLICT(channel, sender) DO NOTHING`,
		string(channel), sender.String(), now, now,
	)
	if err != nil {
		return agentbridge.Session{}, &agentbridge.StoreError{Op: "create_session", Err: err}
	}
	sess, ok, err := s.GetSession(channel, sender)
	if err != nil {
		return agentbridge.Session{}, err
	}
	if !ok {
		return agentbridge.Session{}, &agentbridge.StoreError{Op: "create_session", Err: fmt.Errorf("session vanished after insert")}
	}
	return sess, nil
}

func (s *SQLiteStore) GetSession(channel agentbridge.Channel, sender agentbridge.NormalizedSender) (agentbridge.Session, bool, error) {
	row := s.db.QueryRow(
		`SELECT workspace_alias, muted, created_at, updated_at, history_json
		 FROM sessions WHERE channel = ? AND sender = ?`,
		string(channel), sender.String(),
	)
	var alias string
	var muted int
	var createdAt, updatedAt time.Time
	var historyJSON string
	if err := row.Scan(&alias, &muted, &createdAt, &updatedAt, &historyJSON); err != nil {
		if err == sql.ErrNoRows {
			return agentbridge.Session{}, false, nil
		}
		return agentbridge.Session{}, false, &agentbridge.StoreError{Op: "get_session", Err: err}
	}
	var history []agentbridge.Exchange
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return agentbridge.Session{}, false, &agentbridge.StoreError{Op: "get_session", Err: err}
	}
	return agentbridge.Session{
		Channel:        channel,
		Sender:         sender,
		WorkspaceAlias: alias,
		Muted:          muted != 0,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
		History:        history,
	}, true, nil
}

// ListSessions returns the most recently updated sessions, newest
// first, for the admin HTTP surface's GET /sessions.
func (s *SQLiteStore) ListSessions(limit int) ([]agentbridge.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT channel, sender, workspace_alias, muted, created_at, updated_at, history_json
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "list_sessions", Err: err}
	}
	defer rows.Close()

	var out []agentbridge.Session
	for rows.Next() {
		var channel, sender, alias, historyJSON string
		var muted int
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&channel, &sender, &alias, &muted, &createdAt, &updatedAt, &historyJSON); err != nil {
			return nil, &agentbridge.StoreError{Op: "list_sessions", Err: err}
		}
		var history []agentbridge.Exchange
		if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
			return nil, &agentbridge.StoreError{Op: "list_sessions", Err: err}
		}
		out = append(out, agentbridge.Session{
			Channel:        agentbridge.Channel(channel),
			Sender:         agentbridge.NormalizedSender(sender),
			WorkspaceAlias: alias,
			Muted:          muted != 0,
			CreatedAt:      createdAt,
			UpdatedAt:      updatedAt,
			History:        history,
		})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendSessionExchange(channel agentbridge.Channel, sender agentbridge.NormalizedSender, ex agentbridge.Exchange, maxHistory int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}
	defer tx.Rollback()

	var historyJSON string
	err = tx.QueryRow(`SELECT history_json FROM sessions WHERE channel = ? AND sender = ?`, string(channel), sender.String()).Scan(&historyJSON)
	if err == sql.ErrNoRows {
		historyJSON = "[]"
	} else if err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}
	var history []agentbridge.Exchange
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}
	history = append(history, ex)
	if maxHistory > 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}

	now := time.Now()
	res, err := tx.Exec(
		`UPDATE sessions SET history_json = ?, updated_at = ? WHERE channel = ? AND sender = ?`,
		string(encoded), now, string(channel), sender.String(),
	)
	if err != nil {
		return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.Exec(
			`INSERT INTO sessions (channel, sender, workspace_alias, muted, created_at, updated_at, history_json)
			 VALUES (?, ?, '', 0, ?, ?, ?)`,
			string(channel), sender.String(), now, now, string(encoded),
		); err != nil {
			return &agentbridge.StoreError{Op: "append_session_exchange", Err: err}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetSessionWorkspace(channel agentbridge.Channel, sender agentbridge.NormalizedSender, alias string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET workspace_alias = ?, updated_at = ? WHERE channel = ? AND sender = ?`,
		alias, time.Now(), string(channel), sender.String(),
	)
	if err != nil {
		return &agentbridge.StoreError{Op: "set_session_workspace", Err: err}
	}
	return nil
}

func (s *SQLiteStore) ClearSessionContext(channel agentbridge.Channel, sender agentbridge.NormalizedSender) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET history_json = '[]', updated_at = ? WHERE channel = ? AND sender = ?`,
		time.Now(), string(channel), sender.String(),
	)
	if err != nil {
		return &agentbridge.StoreError{Op: "clear_session_context", Err: err}
	}
	return nil
}

// --- Messages ---

func (s *SQLiteStore) RecordMessage(msg StoredMessage) (bool, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO messages (channel, external_id, sender, direction, text, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(channel, external_id) DO NOTHING`,
		string(msg.Channel), msg.ExternalID, msg.Sender.String(), msg.Direction, msg.Text, msg.ReceivedAt,
	)
	if err != nil {
		return false, &agentbridge.StoreError{Op: "record_message", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &agentbridge.StoreError{Op: "record_message", Err: err}
	}
	return n > 0, nil
}

// escapeLikePattern escapes LIKE metacharacters so a user-supplied search
// pattern is always matched literally.
func escapeLikePattern(pattern string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(pattern)
}

func (s *SQLiteStore) SearchMessages(sender agentbridge.NormalizedSender, pattern string, limit int) ([]StoredMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + escapeLikePattern(pattern) + "%"
	rows, err := s.db.Query(
		`SELECT id, channel, external_id, sender, direction, text, received_at
		 FROM messages WHERE sender = ? AND text LIKE ? ESCAPE '\'
		 ORDER BY id DESC LIMIT ?`,
		sender.String(), like, limit,
	)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "search_messages", Err: err}
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var channel, senderStr string
		if err := rows.Scan(&m.ID, &channel, &m.ExternalID, &senderStr, &m.Direction, &m.Text, &m.ReceivedAt); err != nil {
			return nil, &agentbridge.StoreError{Op: "search_messages", Err: err}
		}
		m.Channel = agentbridge.Channel(channel)
		m.Sender = agentbridge.NormalizedSender(senderStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(run agentbridge.Run) (string, error) {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, sender, channel, kind, state, created_at, updated_at,
		                    prompt_summary, command_preview, result, attempts, checkpoint_context,
		                    mutation_hint, connector_name, workspace_alias)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Sender.String(), string(run.Channel), string(run.Kind), string(run.State),
		run.CreatedAt, now, run.PromptSummary, run.CommandPreview, run.Result, run.Attempts,
		run.CheckpointContext, boolToInt(run.MutationHint), run.ConnectorName, run.WorkspaceAlias,
	)
	if err != nil {
		return "", &agentbridge.StoreError{Op: "create_run", Err: err}
	}
	return run.RunID, nil
}

func (s *SQLiteStore) UpdateRunState(runID string, newState agentbridge.RunState, result string, checkpoint string) error {
	res, err := s.db.Exec(
		`UPDATE runs SET state = ?, result = ?, checkpoint_context = ?, updated_at = ?,
		        attempts = attempts + CASE WHEN ? = 'EXECUTING' THEN 1 ELSE 0 END
		 WHERE run_id = ?`,
		string(newState), result, checkpoint, time.Now(), string(newState), runID,
	)
	if err != nil {
		return &agentbridge.StoreError{Op: "update_run_state", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return agentbridge.ErrRunNotFound
	}
	return nil
}

func scanRun(row interface {
	Scan(dest ...any) error
}) (agentbridge.Run, error) {
	var r agentbridge.Run
	var sender, channel, kind, state string
	var mutationHint int
	if err := row.Scan(
		&r.RunID, &sender, &channel, &kind, &state, &r.CreatedAt, &r.UpdatedAt,
		&r.PromptSummary, &r.CommandPreview, &r.Result, &r.Attempts, &r.CheckpointContext,
		&mutationHint, &r.ConnectorName, &r.WorkspaceAlias,
	); err != nil {
		return agentbridge.Run{}, err
	}
	r.Sender = agentbridge.NormalizedSender(sender)
	r.Channel = agentbridge.Channel(channel)
	r.Kind = agentbridge.CommandKind(kind)
	r.State = agentbridge.RunState(state)
	r.MutationHint = mutationHint != 0
	return r, nil
}

const runColumns = `run_id, sender, channel, kind, state, created_at, updated_at,
	prompt_summary, command_preview, result, attempts, checkpoint_context,
	mutation_hint, connector_name, workspace_alias`

func (s *SQLiteStore) GetRun(runID string) (agentbridge.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return agentbridge.Run{}, agentbridge.ErrRunNotFound
	}
	if err != nil {
		return agentbridge.Run{}, &agentbridge.StoreError{Op: "get_run", Err: err}
	}
	return r, nil
}

func (s *SQLiteStore) ListRunsBySender(sender agentbridge.NormalizedSender, limit int) ([]agentbridge.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE sender = ? ORDER BY created_at DESC LIMIT ?`, sender.String(), limit)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "list_runs_by_sender", Err: err}
	}
	defer rows.Close()
	var out []agentbridge.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &agentbridge.StoreError{Op: "list_runs_by_sender", Err: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Approvals ---

func (s *SQLiteStore) CreateApproval(a agentbridge.Approval) (string, error) {
	if a.RequestID == "" {
		return "", &agentbridge.StoreError{Op: "create_approval", Err: fmt.Errorf("request id required")}
	}
	_, err := s.db.Exec(
		`INSERT INTO approvals (request_id, run_id, sender, summary, preview, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RequestID, a.RunID, a.Sender.String(), a.Summary, a.Preview, a.CreatedAt, a.ExpiresAt, string(agentbridge.ApprovalPending),
	)
	if err != nil {
		return "", &agentbridge.StoreError{Op: "create_approval", Err: err}
	}
	return a.RequestID, nil
}

func scanApproval(row interface {
	Scan(dest ...any) error
}) (agentbridge.Approval, error) {
	var a agentbridge.Approval
	var sender, status string
	if err := row.Scan(&a.RequestID, &a.RunID, &sender, &a.Summary, &a.Preview, &a.CreatedAt, &a.ExpiresAt, &status); err != nil {
		return agentbridge.Approval{}, err
	}
	a.Sender = agentbridge.NormalizedSender(sender)
	a.Status = agentbridge.ApprovalStatus(status)
	return a, nil
}

const approvalColumns = `request_id, run_id, sender, summary, preview, created_at, expires_at, status`

func (s *SQLiteStore) GetApproval(requestID string) (agentbridge.Approval, error) {
	row := s.db.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE request_id = ?`, requestID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return agentbridge.Approval{}, agentbridge.ErrApprovalNotFound
	}
	if err != nil {
		return agentbridge.Approval{}, &agentbridge.StoreError{Op: "get_approval", Err: err}
	}
	return a, nil
}

func (s *SQLiteStore) ListPendingApprovalsForSender(sender agentbridge.NormalizedSender) ([]agentbridge.Approval, error) {
	rows, err := s.db.Query(`SELECT `+approvalColumns+` FROM approvals WHERE sender = ? AND status = ?`, sender.String(), string(agentbridge.ApprovalPending))
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "list_pending_approvals", Err: err}
	}
	defer rows.Close()
	var out []agentbridge.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, &agentbridge.StoreError{Op: "list_pending_approvals", Err: err}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval transitions a PENDING approval to APPROVED or DENIED.
// Sender must match the approval's originating sender (normalized
// comparison); mismatches, already-resolved, and expired approvals are
// reported as typed errors without mutating anything.
func (s *SQLiteStore) ResolveApproval(requestID string, sender agentbridge.NormalizedSender, approve bool) (ApprovalOutcome, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+approvalColumns+` FROM approvals WHERE request_id = ?`, requestID)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return ApprovalOutcome{}, &agentbridge.ApprovalError{Sub: agentbridge.ApprovalSubUnknownID}
	}
	if err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	if a.Sender != sender {
		return ApprovalOutcome{}, &agentbridge.ApprovalError{Sub: agentbridge.ApprovalSubWrongSender}
	}
	if a.Status != agentbridge.ApprovalPending {
		return ApprovalOutcome{}, &agentbridge.ApprovalError{Sub: agentbridge.ApprovalSubAlreadyResolved}
	}
	if time.Now().After(a.ExpiresAt) {
		return ApprovalOutcome{}, &agentbridge.ApprovalError{Sub: agentbridge.ApprovalSubExpired}
	}

	newStatus := agentbridge.ApprovalDenied
	newRunState := agentbridge.RunDenied
	if approve {
		newStatus = agentbridge.ApprovalApproved
		newRunState = agentbridge.RunExecuting
	}

	if _, err := tx.Exec(`UPDATE approvals SET status = ? WHERE request_id = ?`, string(newStatus), requestID); err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	if _, err := tx.Exec(`UPDATE runs SET state = ?, updated_at = ? WHERE run_id = ?`, string(newRunState), time.Now(), a.RunID); err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	runRow := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, a.RunID)
	run, err := scanRun(runRow)
	if err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return ApprovalOutcome{}, &agentbridge.StoreError{Op: "resolve_approval", Err: err}
	}
	return ApprovalOutcome{Run: run, Status: newStatus}, nil
}

// ExpireDueApprovals transitions every PENDING approval past its
// expires_at to EXPIRED and its run to FAILED, returning the affected
// request ids.
func (s *SQLiteStore) ExpireDueApprovals(now time.Time) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT request_id, run_id FROM approvals WHERE status = ? AND expires_at <= ?`, string(agentbridge.ApprovalPending), now)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
	}
	type pair struct{ requestID, runID string }
	var due []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.requestID, &p.runID); err != nil {
			rows.Close()
			return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
		}
		due = append(due, p)
	}
	rows.Close()

	var ids []string
	for _, p := range due {
		if _, err := tx.Exec(`UPDATE approvals SET status = ? WHERE request_id = ?`, string(agentbridge.ApprovalExpired), p.requestID); err != nil {
			return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
		}
		if _, err := tx.Exec(`UPDATE runs SET state = ?, updated_at = ? WHERE run_id = ? AND state = ?`,
			string(agentbridge.RunFailed), now, p.runID, string(agentbridge.RunAwaitingApproval)); err != nil {
			return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
		}
		ids = append(ids, p.requestID)
	}
	if err := tx.Commit(); err != nil {
		return nil, &agentbridge.StoreError{Op: "expire_due_approvals", Err: err}
	}
	return ids, nil
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(kind string, payload string) error {
	_, err := s.db.Exec(`INSERT INTO events (timestamp, kind, payload) VALUES (?, ?, ?)`, time.Now(), kind, payload)
	if err != nil {
		return &agentbridge.StoreError{Op: "append_event", Err: err}
	}
	return nil
}

func (s *SQLiteStore) RecentEvents(limit int) ([]agentbridge.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT id, timestamp, kind, payload FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "recent_events", Err: err}
	}
	defer rows.Close()
	var out []agentbridge.Event
	for rows.Next() {
		var e agentbridge.Event
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Kind, &e.Payload); err != nil {
			return nil, &agentbridge.StoreError{Op: "recent_events", Err: err}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Scheduled actions ---

func (s *SQLiteStore) ScheduleAction(a agentbridge.ScheduledAction) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO scheduled_actions (run_id, sender, channel, fire_at, kind, nudges_sent, max_nudges, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Sender.String(), string(a.Channel), a.FireAt, string(a.Kind), a.NudgesSent, a.MaxNudges, a.Payload,
	)
	if err != nil {
		return 0, &agentbridge.StoreError{Op: "schedule_action", Err: err}
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) DueActions(now time.Time, limit int) ([]agentbridge.ScheduledAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, run_id, sender, channel, fire_at, kind, nudges_sent, max_nudges, payload
		 FROM scheduled_actions WHERE fire_at <= ? AND nudges_sent < max_nudges ORDER BY fire_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, &agentbridge.StoreError{Op: "due_actions", Err: err}
	}
	defer rows.Close()
	var out []agentbridge.ScheduledAction
	for rows.Next() {
		var a agentbridge.ScheduledAction
		var sender, channel, kind string
		if err := rows.Scan(&a.ID, &a.RunID, &sender, &channel, &a.FireAt, &kind, &a.NudgesSent, &a.MaxNudges, &a.Payload); err != nil {
			return nil, &agentbridge.StoreError{Op: "due_actions", Err: err}
		}
		a.Sender = agentbridge.NormalizedSender(sender)
		a.Channel = agentbridge.Channel(channel)
		a.Kind = agentbridge.ScheduledKind(kind)
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkActionFired increments the nudge count (success or not — a failed
// delivery still consumed a nudge) and drops the row once the budget is
// exhausted.
func (s *SQLiteStore) MarkActionFired(id int64, success bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return &agentbridge.StoreError{Op: "mark_action_fired", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE scheduled_actions SET nudges_sent = nudges_sent + 1 WHERE id = ?`, id); err != nil {
		return &agentbridge.StoreError{Op: "mark_action_fired", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM scheduled_actions WHERE id = ? AND nudges_sent >= max_nudges`, id); err != nil {
		return &agentbridge.StoreError{Op: "mark_action_fired", Err: err}
	}
	return tx.Commit()
}

// --- Key-value ---

func (s *SQLiteStore) KVGet(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, &agentbridge.StoreError{Op: "kv_get", Err: err}
	}
	return value, true, nil
}

func (s *SQLiteStore) KVPut(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &agentbridge.StoreError{Op: "kv_put", Err: err}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
