// Package postgres implements storage.Store on PostgreSQL through a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/storage"
)

const pingTimeout = 10 * time.Second

// PGStore implements storage.Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*PGStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = "gradebox"
	cfg.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info().Msg("database connection established")
	return &PGStore{pool: pool, log: log}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id         BIGSERIAL PRIMARY KEY,
		username   TEXT NOT NULL UNIQUE,
		name       TEXT NOT NULL DEFAULT '',
		role       TEXT NOT NULL DEFAULT 'student' CHECK (role IN ('student','teacher')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS quizzes (
		id          BIGSERIAL PRIMARY KEY,
		code        TEXT NOT NULL UNIQUE,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		author_id   BIGINT NOT NULL REFERENCES users(id),
		starts_at   TIMESTAMPTZ,
		ends_at     TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS problems (
		id        BIGSERIAL PRIMARY KEY,
		quiz_id   BIGINT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
		statement TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_problems_quiz ON problems(quiz_id, id)`,
	`CREATE TABLE IF NOT EXISTS testcases (
		id                 BIGSERIAL PRIMARY KEY,
		problem_id         BIGINT NOT NULL REFERENCES problems(id) ON DELETE CASCADE,
		expected_output    TEXT NOT NULL,
		points             INTEGER NOT NULL CHECK (points >= 1),
		inputs             TEXT NOT NULL DEFAULT '',
		inputs_interval_ms BIGINT NOT NULL CHECK (inputs_interval_ms >= 500),
		hidden             BOOLEAN NOT NULL DEFAULT false
	)`,
	`CREATE INDEX IF NOT EXISTS idx_testcases_problem ON testcases(problem_id, id)`,
	`CREATE TABLE IF NOT EXISTS submissions (
		quiz_id      BIGINT NOT NULL REFERENCES quizzes(id) ON DELETE CASCADE,
		user_id      BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (quiz_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scores (
		testcase_id BIGINT NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
		user_id     BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		code        TEXT NOT NULL,
		language    TEXT NOT NULL,
		output      TEXT NOT NULL,
		score       INTEGER NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (testcase_id, user_id)
	)`,
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) CreateUser(ctx context.Context, u *storage.User) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (username, name, role) VALUES ($1, $2, $3)
		RETURNING id, created_at`,
		u.Username, u.Name, string(u.Role),
	).Scan(&u.ID, &u.CreatedAt)
	return insertErr("inserting user", err)
}

func (s *PGStore) GetUser(ctx context.Context, username string) (*storage.User, error) {
	var u storage.User
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, name, role, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Name, &role, &u.CreatedAt)
	if err != nil {
		return nil, rowErr("querying user", err)
	}
	u.Role = storage.Role(role)
	return &u, nil
}

func (s *PGStore) CreateQuiz(ctx context.Context, q *storage.Quiz) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quizzes (code, name, description, author_id, starts_at, ends_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		q.Code, q.Name, q.Description, q.AuthorID, nullTime(q.StartsAt), nullTime(q.EndsAt),
	).Scan(&q.ID, &q.CreatedAt)
	return insertErr("inserting quiz", err)
}

const quizColumns = `id, code, name, description, author_id, starts_at, ends_at, created_at`

func (s *PGStore) GetQuiz(ctx context.Context, code string) (*storage.Quiz, error) {
	q, err := scanQuiz(s.pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE code = $1`, code))
	if err != nil {
		return nil, rowErr("querying quiz", err)
	}
	return q, nil
}

func (s *PGStore) ListQuizzes(ctx context.Context) ([]storage.Quiz, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+quizColumns+` FROM quizzes ORDER BY id`)
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

func (s *PGStore) CreateProblem(ctx context.Context, p *storage.Problem) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO problems (quiz_id, statement) VALUES ($1, $2) RETURNING id`,
		p.QuizID, p.Statement,
	).Scan(&p.ID)
	return insertErr("inserting problem", err)
}

func (s *PGStore) CreateTestcase(ctx context.Context, tc *storage.Testcase) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO testcases (problem_id, expected_output, points, inputs, inputs_interval_ms, hidden)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		tc.ProblemID, tc.ExpectedOutput, tc.Points, tc.Inputs, tc.InputsInterval.Milliseconds(), tc.Hidden,
	).Scan(&tc.ID)
	return insertErr("inserting testcase", err)
}

func (s *PGStore) ProblemAt(ctx context.Context, quizID int64, index int) (*storage.Problem, error) {
	if index < 0 {
		return nil, storage.ErrNotFound
	}
	var p storage.Problem
	err := s.pool.QueryRow(ctx, `
		SELECT id, quiz_id, statement FROM problems WHERE quiz_id = $1
		ORDER BY id LIMIT 1 OFFSET $2`, quizID, index,
	).Scan(&p.ID, &p.QuizID, &p.Statement)
	if err != nil {
		return nil, rowErr("querying problem", err)
	}
	return &p, nil
}

func (s *PGStore) TestcaseAt(ctx context.Context, problemID int64, index int) (*storage.Testcase, error) {
	if index < 0 {
		return nil, storage.ErrNotFound
	}
	var tc storage.Testcase
	var intervalMS int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, problem_id, expected_output, points, inputs, inputs_interval_ms, hidden
		FROM testcases WHERE problem_id = $1
		ORDER BY id LIMIT 1 OFFSET $2`, problemID, index,
	).Scan(&tc.ID, &tc.ProblemID, &tc.ExpectedOutput, &tc.Points, &tc.Inputs, &intervalMS, &tc.Hidden)
	if err != nil {
		return nil, rowErr("querying testcase", err)
	}
	tc.InputsInterval = time.Duration(intervalMS) * time.Millisecond
	return &tc, nil
}

func (s *PGStore) GetSubmission(ctx context.Context, quizID, userID int64) (*storage.Submission, error) {
	sub := storage.Submission{QuizID: quizID, UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT submitted_at FROM submissions WHERE quiz_id = $1 AND user_id = $2`, quizID, userID,
	).Scan(&sub.SubmittedAt)
	if err != nil {
		return nil, rowErr("querying submission", err)
	}
	return &sub, nil
}

func (s *PGStore) CreateSubmission(ctx context.Context, sub *storage.Submission) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO submissions (quiz_id, user_id) VALUES ($1, $2) RETURNING submitted_at`,
		sub.QuizID, sub.UserID,
	).Scan(&sub.SubmittedAt)
	return insertErr("inserting submission", err)
}

func (s *PGStore) ListSubmissions(ctx context.Context, quizID int64) ([]storage.SubmissionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT users.username, submissions.submitted_at
		FROM submissions JOIN users ON users.id = submissions.user_id
		WHERE submissions.quiz_id = $1
		ORDER BY submissions.submitted_at, users.username`, quizID)
	if err != nil {
		return nil, fmt.Errorf("listing submissions: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.SubmissionRow, error) {
		var r storage.SubmissionRow
		err := row.Scan(&r.Username, &r.SubmittedAt)
		return r, err
	})
}

func (s *PGStore) UpsertScore(ctx context.Context, sc *storage.Score) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scores (testcase_id, user_id, code, language, output, score)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (testcase_id, user_id) DO UPDATE SET
			code = EXCLUDED.code,
			language = EXCLUDED.language,
			output = EXCLUDED.output,
			score = EXCLUDED.score,
			updated_at = now()
		RETURNING updated_at`,
		sc.TestcaseID, sc.UserID, sc.Code, sc.Language, sc.Output, sc.Score,
	).Scan(&sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting score: %w", err)
	}
	return nil
}

func (s *PGStore) GetScore(ctx context.Context, testcaseID, userID int64) (*storage.Score, error) {
	sc := storage.Score{TestcaseID: testcaseID, UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT code, language, output, score, updated_at FROM scores
		WHERE testcase_id = $1 AND user_id = $2`, testcaseID, userID,
	).Scan(&sc.Code, &sc.Language, &sc.Output, &sc.Score, &sc.UpdatedAt)
	if err != nil {
		return nil, rowErr("querying score", err)
	}
	return &sc, nil
}

func (s *PGStore) ListScores(ctx context.Context, quizID, userID int64) ([]storage.ScoreRow, error) {
	rows, err := s.pool.Query(ctx, `
		WITH p AS (
			SELECT id, ROW_NUMBER() OVER (ORDER BY id) - 1 AS idx
			FROM problems WHERE quiz_id = $1
		), t AS (
			SELECT testcases.id, testcases.problem_id, testcases.points,
				ROW_NUMBER() OVER (PARTITION BY testcases.problem_id ORDER BY testcases.id) - 1 AS idx
			FROM testcases JOIN p ON p.id = testcases.problem_id
		)
		SELECT p.idx, t.idx, t.points, scores.score, scores.code, scores.language, scores.output, scores.updated_at
		FROM scores
		JOIN t ON t.id = scores.testcase_id
		JOIN p ON p.id = t.problem_id
		WHERE scores.user_id = $2
		ORDER BY p.idx, t.idx`, quizID, userID)
	if err != nil {
		return nil, fmt.Errorf("listing scores: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ScoreRow, error) {
		var r storage.ScoreRow
		var problem, testcase int64
		err := row.Scan(&problem, &testcase, &r.Points, &r.Score, &r.Code, &r.Language, &r.Output, &r.Updated)
		r.Problem, r.Testcase = int(problem), int(testcase)
		return r, err
	})
}

func (s *PGStore) Close() error {
	s.log.Info().Msg("closing database connection pool")
	s.pool.Close()
	return nil
}

func scanQuiz(row pgx.Row) (*storage.Quiz, error) {
	var q storage.Quiz
	var startsAt, endsAt *time.Time
	if err := row.Scan(&q.ID, &q.Code, &q.Name, &q.Description, &q.AuthorID, &startsAt, &endsAt, &q.CreatedAt); err != nil {
		return nil, err
	}
	if startsAt != nil {
		q.StartsAt = *startsAt
	}
	if endsAt != nil {
		q.EndsAt = *endsAt
	}
	return &q, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func rowErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

func insertErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
