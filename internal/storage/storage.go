package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert violates a uniqueness rule.
	ErrConflict = errors.New("already exists")
)

// Role is the kind of account a user has.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleStudent || r == RoleTeacher }

// User is an account that can sit or author quizzes.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Name      string    `json:"name"`
	Role      Role      `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Quiz groups problems under a short join code. A zero StartsAt or EndsAt
// means the quiz is not bounded on that side.
type Quiz struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AuthorID    int64     `json:"author_id"`
	StartsAt    time.Time `json:"starts_at"`
	EndsAt      time.Time `json:"ends_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Problem is one task inside a quiz.
type Problem struct {
	ID        int64  `json:"id"`
	QuizID    int64  `json:"quiz_id"`
	Statement string `json:"statement"`
}

// Testcase is one graded run of a problem.
type Testcase struct {
	ID             int64         `json:"id"`
	ProblemID      int64         `json:"problem_id"`
	ExpectedOutput string        `json:"expected_output"`
	Points         int           `json:"points"`
	Inputs         string        `json:"inputs"`
	InputsInterval time.Duration `json:"inputs_interval"`
	Hidden         bool          `json:"hidden"`
}

// Submission marks a student's quiz as finalized.
type Submission struct {
	QuizID      int64     `json:"quiz_id"`
	UserID      int64     `json:"user_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// SubmissionRow is a finalized submission joined with its student.
type SubmissionRow struct {
	Username    string    `json:"username"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Score is the latest graded result of one student on one testcase.
type Score struct {
	TestcaseID int64     `json:"testcase_id"`
	UserID     int64     `json:"user_id"`
	Code       string    `json:"code"`
	Language   string    `json:"language"`
	Output     string    `json:"output"`
	Score      int       `json:"score"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScoreRow is a score addressed the way clients address testcases: by
// problem and testcase position.
type ScoreRow struct {
	Problem  int       `json:"problem"`
	Testcase int       `json:"testcase"`
	Points   int       `json:"points"`
	Score    int       `json:"score"`
	Code     string    `json:"code"`
	Language string    `json:"language"`
	Output   string    `json:"output"`
	Updated  time.Time `json:"updated_at"`
}

// Store is the persistence interface for quizzes, submissions and scores.
type Store interface {
	// CreateUser inserts a user and sets its ID. ErrConflict if the
	// username is taken.
	CreateUser(ctx context.Context, u *User) error

	// GetUser returns a user by username.
	GetUser(ctx context.Context, username string) (*User, error)

	// CreateQuiz inserts a quiz and sets its ID. ErrConflict if the code is taken.
	CreateQuiz(ctx context.Context, q *Quiz) error

	// GetQuiz returns a quiz by code.
	GetQuiz(ctx context.Context, code string) (*Quiz, error)

	// ListQuizzes returns every quiz ordered by creation.
	ListQuizzes(ctx context.Context) ([]Quiz, error)

	// CreateProblem appends a problem to its quiz and sets its ID.
	CreateProblem(ctx context.Context, p *Problem) error

	// CreateTestcase appends a testcase to its problem and sets its ID.
	CreateTestcase(ctx context.Context, tc *Testcase) error

	// ProblemAt returns the problem at a zero-based position within the quiz.
	ProblemAt(ctx context.Context, quizID int64, index int) (*Problem, error)

	// TestcaseAt returns the testcase at a zero-based position within the problem.
	TestcaseAt(ctx context.Context, problemID int64, index int) (*Testcase, error)

	// GetSubmission returns the student's finalization of a quiz.
	GetSubmission(ctx context.Context, quizID, userID int64) (*Submission, error)

	// CreateSubmission finalizes a quiz. ErrConflict if already finalized.
	CreateSubmission(ctx context.Context, s *Submission) error

	// ListSubmissions returns every finalization of a quiz.
	ListSubmissions(ctx context.Context, quizID int64) ([]SubmissionRow, error)

	// UpsertScore stores the score for (testcase, user), replacing any
	// previous one.
	UpsertScore(ctx context.Context, s *Score) error

	// GetScore returns the score for (testcase, user).
	GetScore(ctx context.Context, testcaseID, userID int64) (*Score, error)

	// ListScores returns a student's scores for a quiz.
	ListScores(ctx context.Context, quizID, userID int64) ([]ScoreRow, error)

	// Close releases resources.
	Close() error
}
