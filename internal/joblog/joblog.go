package joblog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// timeFormat is fixed-width so that stored timestamps sort lexically.
	timeFormat     = "2006-01-02T15:04:05.000000000Z07:00"
	maxStderrBytes = 64 * 1024
	defaultLimit   = 50
	maxLimit       = 500
)

// Log persists Entries in the job_log table.
type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Record stores a finished invocation. An empty ID is replaced with a new one,
// which is returned.
func (l *Log) Record(ctx context.Context, e Entry) (string, error) {
	if e.Command == "" {
		return "", fmt.Errorf("command is empty")
	}
	if !e.Status.Valid() {
		return "", fmt.Errorf("invalid terminal status: %q", e.Status)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Args == nil {
		e.Args = []string{}
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now().UTC()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = e.CompletedAt
	}

	args, err := json.Marshal(e.Args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}

	var stderrVal any
	if e.Stderr != nil {
		s := *e.Stderr
		if len(s) > maxStderrBytes {
			s = s[:maxStderrBytes]
		}
		stderrVal = s
	}
	var resultVal any
	if len(e.Result) > 0 {
		resultVal = string(e.Result)
	}

	_, err = l.db.ExecContext(ctx, `
INSERT INTO job_log(id, command, args, status, exit_code, error, stderr, result, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Command, string(args), e.Status, e.ExitCode, e.Error, stderrVal, resultVal,
		e.StartedAt.UTC().Format(timeFormat), e.CompletedAt.UTC().Format(timeFormat))
	if err != nil {
		return "", fmt.Errorf("insert job_log: %w", err)
	}
	return e.ID, nil
}

// Get returns the entry with the given id or ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx, `
SELECT id, command, args, status, exit_code, error, stderr, result, started_at, completed_at
FROM job_log
WHERE id = ?;
`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return e, nil
}

// Recent returns the newest entries first.
func (l *Log) Recent(ctx context.Context, f Filter) ([]*Entry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var (
		where []string
		args  []any
	)
	if f.Command != "" {
		where = append(where, "command = ?")
		args = append(args, f.Command)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	q := `SELECT id, command, args, status, exit_code, error, stderr, result, started_at, completed_at FROM job_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY completed_at DESC, id DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query job_log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job_log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job_log: %w", err)
	}
	return out, nil
}

// Prune deletes entries that completed before now-retention and reports how many went.
func (l *Log) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-retention).Format(timeFormat)
	res, err := l.db.ExecContext(ctx, `DELETE FROM job_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune job_log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e           Entry
		args        string
		exitCode    sql.NullInt64
		errText     sql.NullString
		stderr      sql.NullString
		result      sql.NullString
		startedAt   string
		completedAt string
	)
	if err := s.Scan(&e.ID, &e.Command, &args, &e.Status, &exitCode, &errText, &stderr, &result, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		e.ExitCode = &v
	}
	if errText.Valid {
		e.Error = &errText.String
	}
	if stderr.Valid {
		e.Stderr = &stderr.String
	}
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}

	var err error
	if e.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if e.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &e, nil
}
