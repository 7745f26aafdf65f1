// Package journal records publish attempts in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	// registers the "sqlite" database/sql driver
	_ "modernc.org/sqlite"

	"github.com/simplesurance/gitpublisher/internal/logfields"
)

const loggerName = "journal"

// OutcomeSuccess is the outcome of a successful attempt, failed attempts
// store the publisherr.ErrorKind of their error as outcome.
const OutcomeSuccess = "success"

// fixed width, timestamps in UTC sort lexicographically
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Attempt is a recorded publish attempt.
type Attempt struct {
	ID           string
	SourceRef    string
	TargetBranch string
	SourceCommit string
	// Outcome is empty while the attempt is running.
	Outcome    string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Failed returns true if the attempt finished with an outcome other than
// OutcomeSuccess.
func (a *Attempt) Failed() bool {
	return a.Outcome != "" && a.Outcome != OutcomeSuccess
}

// Store persists attempts.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory failed: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database failed: %w", err)
	}

	// sqlite supports only a single writer
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(time.Minute)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return New(db), nil
}

// New returns a Store using db. The schema must have been migrated.
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: zap.L().Named(loggerName),
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Start records the begin of an attempt.
func (s *Store) Start(ctx context.Context, a *Attempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (id, source_ref, target_branch, source_commit, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.SourceRef, a.TargetBranch, a.SourceCommit, a.StartedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %s failed: %w", a.ID, err)
	}

	s.logger.Debug(
		"attempt recorded",
		logfields.Event("journal_attempt_started"),
		logfields.AttemptID(a.ID),
		logfields.SourceRef(a.SourceRef),
		logfields.TargetBranch(a.TargetBranch),
	)

	return nil
}

// Finish stores the result of an attempt that was recorded via Start.
func (s *Store) Finish(ctx context.Context, a *Attempt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts
		SET source_commit = ?, outcome = ?, error = ?, finished_at = ?
		WHERE id = ?`,
		a.SourceCommit, a.Outcome, a.Error, a.FinishedAt.UTC().Format(timeFormat), a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating attempt %s failed: %w", a.ID, err)
	}

	cnt, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating attempt %s failed: %w", a.ID, err)
	}

	if cnt != 1 {
		return fmt.Errorf("updating attempt %s failed: attempt does not exist", a.ID)
	}

	s.logger.Debug(
		"attempt result recorded",
		logfields.Event("journal_attempt_finished"),
		logfields.AttemptID(a.ID),
		logfields.Outcome(a.Outcome),
	)

	return nil
}

// Get returns the attempt with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, target_branch, source_commit, outcome, error, started_at, finished_at
		FROM attempts
		WHERE id = ?`,
		id,
	)

	return scanAttempt(row)
}

// LastFailure returns the most recent finished attempt for sourceRef and
// targetBranch if it failed.
// If the last finished attempt succeeded or none exists, nil is returned.
func (s *Store) LastFailure(ctx context.Context, sourceRef, targetBranch string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, source_ref, target_branch, source_commit, outcome, error, started_at, finished_at
		FROM attempts
		WHERE source_ref = ? AND target_branch = ? AND finished_at IS NOT NULL
		ORDER BY finished_at DESC, rowid DESC
		LIMIT 1`,
		sourceRef, targetBranch,
	)

	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	if !a.Failed() {
		return nil, nil
	}

	return a, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*Attempt, error) {
	var (
		a          Attempt
		startedAt  string
		finishedAt sql.NullString
	)

	err := row.Scan(
		&a.ID, &a.SourceRef, &a.TargetBranch, &a.SourceCommit,
		&a.Outcome, &a.Error, &startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning attempt failed: %w", err)
	}

	a.StartedAt, err = time.Parse(timeFormat, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at of attempt %s failed: %w", a.ID, err)
	}

	if finishedAt.Valid {
		a.FinishedAt, err = time.Parse(timeFormat, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at of attempt %s failed: %w", a.ID, err)
		}
	}

	return &a, nil
}
