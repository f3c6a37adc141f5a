package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/gradebox/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every connection to ":memory:" is a separate database, and foreign
	// keys are a per-connection pragma.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *storage.User) error {
	u.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, name, role, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.Name, string(u.Role), u.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return insertErr("inserting user", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*storage.User, error) {
	var u storage.User
	var role, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, name, role, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Name, &role, &createdAt)
	if err != nil {
		return nil, rowErr("querying user", err)
	}
	u.Role = storage.Role(role)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (s *SQLiteStore) CreateQuiz(ctx context.Context, q *storage.Quiz) error {
	q.CreatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO quizzes (code, name, description, author_id, starts_at, ends_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		q.Code, q.Name, q.Description, q.AuthorID,
		nullTime(q.StartsAt), nullTime(q.EndsAt), q.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return insertErr("inserting quiz", err)
	}
	q.ID, err = res.LastInsertId()
	return err
}

const quizColumns = `id, code, name, description, author_id, starts_at, ends_at, created_at`

func (s *SQLiteStore) GetQuiz(ctx context.Context, code string) (*storage.Quiz, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE code = ?`, code)
	q, err := scanQuiz(row)
	if err != nil {
		return nil, rowErr("querying quiz", err)
	}
	return q, nil
}

func (s *SQLiteStore) ListQuizzes(ctx context.Context) ([]storage.Quiz, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+quizColumns+` FROM quizzes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing quizzes: %w", err)
	}
	defer rows.Close()

	var quizzes []storage.Quiz
	for rows.Next() {
		q, err := scanQuiz(rows)
		if err != nil {
			return nil, err
		}
		quizzes = append(quizzes, *q)
	}
	return quizzes, rows.Err()
}

func (s *SQLiteStore) CreateProblem(ctx context.Context, p *storage.Problem) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO problems (quiz_id, statement) VALUES (?, ?)`, p.QuizID, p.Statement)
	if err != nil {
		return insertErr("inserting problem", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) CreateTestcase(ctx context.Context, tc *storage.Testcase) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO testcases (problem_id, expected_output, points, inputs, inputs_interval_ms, hidden)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tc.ProblemID, tc.ExpectedOutput, tc.Points, tc.Inputs, tc.InputsInterval.Milliseconds(), tc.Hidden,
	)
	if err != nil {
		return insertErr("inserting testcase", err)
	}
	tc.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ProblemAt(ctx context.Context, quizID int64, index int) (*storage.Problem, error) {
	if index < 0 {
		return nil, storage.ErrNotFound
	}
	var p storage.Problem
	err := s.db.QueryRowContext(ctx, `
		SELECT id, quiz_id, statement FROM problems WHERE quiz_id = ?
		ORDER BY id LIMIT 1 OFFSET ?`, quizID, index,
	).Scan(&p.ID, &p.QuizID, &p.Statement)
	if err != nil {
		return nil, rowErr("querying problem", err)
	}
	return &p, nil
}

func (s *SQLiteStore) TestcaseAt(ctx context.Context, problemID int64, index int) (*storage.Testcase, error) {
	if index < 0 {
		return nil, storage.ErrNotFound
	}
	var tc storage.Testcase
	var intervalMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, problem_id, expected_output, points, inputs, inputs_interval_ms, hidden
		FROM testcases WHERE problem_id = ?
		ORDER BY id LIMIT 1 OFFSET ?`, problemID, index,
	).Scan(&tc.ID, &tc.ProblemID, &tc.ExpectedOutput, &tc.Points, &tc.Inputs, &intervalMS, &tc.Hidden)
	if err != nil {
		return nil, rowErr("querying testcase", err)
	}
	tc.InputsInterval = time.Duration(intervalMS) * time.Millisecond
	return &tc, nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, quizID, userID int64) (*storage.Submission, error) {
	sub := storage.Submission{QuizID: quizID, UserID: userID}
	var submittedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT submitted_at FROM submissions WHERE quiz_id = ? AND user_id = ?`, quizID, userID,
	).Scan(&submittedAt)
	if err != nil {
		return nil, rowErr("querying submission", err)
	}
	sub.SubmittedAt = parseTime(submittedAt)
	return &sub, nil
}

func (s *SQLiteStore) CreateSubmission(ctx context.Context, sub *storage.Submission) error {
	sub.SubmittedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (quiz_id, user_id, submitted_at) VALUES (?, ?, ?)`,
		sub.QuizID, sub.UserID, sub.SubmittedAt.Format(time.RFC3339),
	)
	if err != nil {
		return insertErr("inserting submission", err)
	}
	return nil
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, quizID int64) ([]storage.SubmissionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT users.username, submissions.submitted_at
		FROM submissions JOIN users ON users.id = submissions.user_id
		WHERE submissions.quiz_id = ?
		ORDER BY submissions.submitted_at, users.username`, quizID)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	defer rows.Close()

	var out []storage.SubmissionRow
	for rows.Next() {
		var r storage.SubmissionRow
		var submittedAt string
		if err := rows.Scan(&r.Username, &submittedAt); err != nil {
			return nil, err
		}
		r.SubmittedAt = parseTime(submittedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertScore(ctx context.Context, sc *storage.Score) error {
	sc.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (testcase_id, user_id, code, language, output, score, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(testcase_id, user_id) DO UPDATE SET
			code = excluded.code,
			language = excluded.language,
			output = excluded.output,
			score = excluded.score,
			updated_at = excluded.updated_at`,
		sc.TestcaseID, sc.UserID, sc.Code, sc.Language, sc.Output, sc.Score, sc.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting score: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetScore(ctx context.Context, testcaseID, userID int64) (*storage.Score, error) {
	sc := storage.Score{TestcaseID: testcaseID, UserID: userID}
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT code, language, output, score, updated_at FROM scores
		WHERE testcase_id = ? AND user_id = ?`, testcaseID, userID,
	).Scan(&sc.Code, &sc.Language, &sc.Output, &sc.Score, &updatedAt)
	if err != nil {
		return nil, rowErr("querying score", err)
	}
	sc.UpdatedAt = parseTime(updatedAt)
	return &sc, nil
}

func (s *SQLiteStore) ListScores(ctx context.Context, quizID, userID int64) ([]storage.ScoreRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH p AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY id) - 1 AS idx
			FROM problems WHERE quiz_id = ?
		), t AS (
			SELECT testcases.id, testcases.problem_id, testcases.points,
				ROW_NUMBER() OVER (PARTITION BY testcases.problem_id ORDER BY testcases.id) - 1 AS idx
			FROM testcases JOIN p ON p.id = testcases.problem_id
		)
		SELECT p.idx, t.idx, t.points, scores.score, scores.code, scores.language, scores.output, scores.updated_at
		FROM scores
		JOIN t ON t.id = scores.testcase_id
		JOIN p ON p.id = t.problem_id
		WHERE scores.user_id = ?
		ORDER BY p.idx, t.idx`, quizID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoreRow
	for rows.Next() {
		var r storage.ScoreRow
		var updatedAt string
		if err := rows.Scan(&r.Problem, &r.Testcase, &r.Points, &r.Score, &r.Code, &r.Language, &r.Output, &updatedAt); err != nil {
			return nil, err
		}
		r.Updated = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanQuiz(s scanner) (*storage.Quiz, error) {
	var q storage.Quiz
	var startsAt, endsAt sql.NullString
	var createdAt string
	err := s.Scan(&q.ID, &q.Code, &q.Name, &q.Description, &q.AuthorID, &startsAt, &endsAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if startsAt.Valid {
		q.StartsAt = parseTime(startsAt.String)
	}
	if endsAt.Valid {
		q.EndsAt = parseTime(endsAt.String)
	}
	q.CreatedAt = parseTime(createdAt)
	return &q, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// parseTime accepts RFC3339 and the "YYYY-MM-DD HH:MM:SS" form SQLite
// defaults produce.
func parseTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	t, _ := time.Parse(time.DateTime, v)
	return t
}

func rowErr(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func insertErr(op string, err error) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") || strings.Contains(err.Error(), "PRIMARY KEY") {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
