package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/quill/pkg/api"
)

// dialect captures the differences between the SQL backends. Queries are
// written with '?' placeholders and rebound per dialect.
type dialect struct {
	name     string
	blobType string
	numbered bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", blobType: "BYTEA", numbered: true}
)

func (d dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a Store backed by database/sql. The caller opens the database
// and imports the driver for its side effects.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("%s: init schema: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS quill_workflows (
			id TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			stage TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seq BIGINT NOT NULL DEFAULT 0,
			snapshot_seq BIGINT NOT NULL DEFAULT 0,
			snapshot ` + s.d.blobType + `,
			created_at BIGINT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_token BIGINT NOT NULL DEFAULT 0,
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS quill_log (
			workflow_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			entry ` + s.d.blobType + ` NOT NULL,
			at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quill_workflows_status ON quill_workflows(status)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, st *api.WorkflowState) error {
	data, err := EncodeState(st)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `
		INSERT INTO quill_workflows (id, task, stage, status, last_seq, snapshot_seq, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE
		SET snapshot = excluded.snapshot, snapshot_seq = excluded.snapshot_seq
		WHERE quill_workflows.snapshot_seq <= excluded.snapshot_seq`,
		st.WorkflowID,
		string(st.Task),
		string(st.Stage),
		string(st.Status),
		st.Seq,
		st.Seq,
		data,
		st.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, workflowID string) (*api.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT snapshot FROM quill_workflows WHERE id = ?`), workflowID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	return DecodeState(data)
}

func (s *SQLStore) ListWorkflows(ctx context.Context, filter Filter) ([]Summary, error) {
	query := `
		SELECT id, task, stage, status, last_seq, created_at
		FROM quill_workflows`
	var args []any
	var clauses []string

	if filter.Task != "" {
		clauses = append(clauses, "task = ?")
		args = append(args, string(filter.Task))
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Stage != "" {
		clauses = append(clauses, "stage = ?")
		args = append(args, string(filter.Stage))
	}
	if filter.ActiveOnly {
		clauses = append(clauses, "status IN (?, ?)")
		args = append(args, string(api.StatusPending), string(api.StatusInProgress))
	}

	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum                 Summary
			task, stage, status string
			createdAt           int64
		)
		if err := rows.Scan(&sum.WorkflowID, &task, &stage, &status, &sum.LastSeq, &createdAt); err != nil {
			return nil, err
		}
		sum.Task = api.Task(task)
		sum.Stage = api.Stage(stage)
		sum.Status = api.Status(status)
		sum.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLStore) AppendEntry(ctx context.Context, entry api.LogEntry, fence int64) error {
	data, err := EncodeEntry(entry)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.d.rebind(`
		UPDATE quill_workflows
		SET last_seq = ?, stage = ?, status = ?
		WHERE id = ? AND lease_token = ? AND last_seq = ?`),
		entry.Seq,
		string(entry.Delta.To),
		string(entry.Delta.Status),
		entry.WorkflowID,
		fence,
		entry.Seq-1,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		_ = tx.Rollback()
		return s.appendConflict(ctx, entry, fence)
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(`
		INSERT INTO quill_log (workflow_id, seq, entry, at)
		VALUES (?, ?, ?, ?)`),
		entry.WorkflowID,
		entry.Seq,
		data,
		entry.At.UnixNano(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// appendConflict explains why the conditional update in AppendEntry matched no row.
func (s *SQLStore) appendConflict(ctx context.Context, entry api.LogEntry, fence int64) error {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT lease_token, last_seq FROM quill_workflows WHERE id = ?`), entry.WorkflowID)

	var token, last int64
	if err := row.Scan(&token, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWorkflowNotFound
		}
		return err
	}
	if token != fence {
		return ErrFenced
	}
	return ErrSequenceConflict
}

func (s *SQLStore) ListEntries(ctx context.Context, workflowID string, afterSeq int64) ([]api.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT entry FROM quill_log
		WHERE workflow_id = ? AND seq > ?
		ORDER BY seq ASC`), workflowID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []api.LogEntry{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := DecodeEntry(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 {
		if ok, err := s.exists(ctx, workflowID); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrWorkflowNotFound
		}
	}
	return out, nil
}

func (s *SQLStore) exists(ctx context.Context, workflowID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM quill_workflows WHERE id = ?`), workflowID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) TryAcquireLease(ctx context.Context, workflowID, owner string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return Lease{}, false, errors.New("ttl must be > 0")
	}
	if owner == "" {
		return Lease{}, false, errors.New("owner must not be empty")
	}

	now := time.Now()
	expires := now.Add(ttl)

	// SET expressions see the row as it was before the update, so the token
	// only moves when the owner changes.
	var token int64
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		UPDATE quill_workflows
		SET lease_token = CASE WHEN lease_owner = ? THEN lease_token ELSE lease_token + 1 END,
		    lease_owner = ?,
		    lease_expires_at = ?
		WHERE id = ?
		AND (
			lease_owner = ''
			OR lease_expires_at <= ?
			OR lease_owner = ?
		)
		RETURNING lease_token`),
		owner, owner, expires.UnixNano(), workflowID, now.UnixNano(), owner,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		ok, err := s.exists(ctx, workflowID)
		if err != nil {
			return Lease{}, false, err
		}
		if !ok {
			return Lease{}, false, ErrWorkflowNotFound
		}
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{WorkflowID: workflowID, Owner: owner, Token: token, ExpiresAt: expires}, true, nil
}

func (s *SQLStore) RenewLease(ctx context.Context, l Lease, ttl time.Duration) (Lease, error) {
	expires := time.Now().Add(ttl)
	res, err := s.exec(ctx, `
		UPDATE quill_workflows
		SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ? AND lease_token = ?`,
		expires.UnixNano(), l.WorkflowID, l.Owner, l.Token,
	)
	if err != nil {
		return Lease{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Lease{}, err
	}
	if n == 0 {
		return Lease{}, ErrLeaseLost
	}
	l.ExpiresAt = expires
	return l, nil
}

func (s *SQLStore) ReleaseLease(ctx context.Context, l Lease) error {
	_, err := s.exec(ctx, `
		UPDATE quill_workflows
		SET lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND lease_owner = ? AND lease_token = ?`,
		l.WorkflowID, l.Owner, l.Token,
	)
	return err
}
