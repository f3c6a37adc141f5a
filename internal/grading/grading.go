// Package grading runs a student's submission against one testcase and
// records the result.
package grading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/metrics"
	"github.com/michaelbrown/gradebox/internal/sandbox"
	"github.com/michaelbrown/gradebox/internal/storage"
)

// User-facing precondition failures.
const (
	MsgQuizNotFound     = "Quiz not found"
	MsgQuizNotStarted   = "Quiz did not start yet"
	MsgQuizClosed       = "Quiz was already closed"
	MsgUserNotFound     = "User not found"
	MsgAlreadySubmitted = "Already submitted"
	MsgProblemNotFound  = "Problem not found"
	MsgTestcaseNotFound = "Testcase not found"
)

// Runner executes a graded run. *execution.Runner satisfies it.
type Runner interface {
	RunGraded(ctx context.Context, run execution.GradedRun) (*execution.Result, error)
}

// Request is one submission of code against one testcase.
type Request struct {
	QuizCode string
	Problem  int
	Testcase int
	Username string
	Code     string
	Language string
}

// Outcome is what the student gets back.
type Outcome struct {
	Score    int
	Points   int
	Output   string
	TimedOut bool
}

// Service checks submissions, runs them and stores their scores.
type Service struct {
	store  storage.Store
	runner Runner
	now    func() time.Time
	log    zerolog.Logger
}

// New creates a Service.
func New(store storage.Store, runner Runner, log zerolog.Logger) *Service {
	return &Service{
		store:  store,
		runner: runner,
		now:    time.Now,
		log:    log.With().Str("component", "grading").Logger(),
	}
}

// Evaluate scores output against the expected output: full points on an
// exact match after trimming surrounding whitespace, nothing otherwise.
func Evaluate(output, expected string, points int) int {
	if strings.TrimSpace(output) == strings.TrimSpace(expected) {
		return points
	}
	return 0
}

// Submit validates the request in order, runs the code and upserts the
// score. Precondition failures are errs.KindValidation errors carrying the
// message to show; nothing is launched or written for them.
func (s *Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	quiz, err := s.OpenQuiz(ctx, req.QuizCode)
	if err != nil {
		return nil, err
	}

	user, err := s.lookupUser(ctx, req.Username)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetSubmission(ctx, quiz.ID, user.ID); err == nil {
		return nil, errs.Validation(MsgAlreadySubmitted)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, errs.Resource("Internal server error", err)
	}

	problem, err := s.store.ProblemAt(ctx, quiz.ID, req.Problem)
	if err != nil {
		return nil, notFound(err, MsgProblemNotFound)
	}

	tc, err := s.store.TestcaseAt(ctx, problem.ID, req.Testcase)
	if err != nil {
		return nil, notFound(err, MsgTestcaseNotFound)
	}

	lang, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}

	log := s.log.With().
		Str("quiz", quiz.Code).
		Str("user", user.Username).
		Int("problem", req.Problem).
		Int("testcase", req.Testcase).
		Logger()

	res, err := s.runner.RunGraded(ctx, execution.GradedRun{
		Language: lang,
		Source:   req.Code,
		Inputs:   tc.Inputs,
		Interval: tc.InputsInterval,
	})
	if err != nil {
		return nil, err
	}

	score := Evaluate(res.Output, tc.ExpectedOutput, tc.Points)
	if err := s.store.UpsertScore(ctx, &storage.Score{
		TestcaseID: tc.ID,
		UserID:     user.ID,
		Code:       req.Code,
		Language:   string(lang),
		Output:     res.Output,
		Score:      score,
	}); err != nil {
		return nil, errs.Resource("Internal server error", err)
	}

	result := "wrong"
	if score == tc.Points {
		result = "correct"
	}
	metrics.Scores.WithLabelValues(result).Inc()
	log.Info().Int("score", score).Int("points", tc.Points).Bool("timed_out", res.TimedOut).Msg("graded")

	return &Outcome{Score: score, Points: tc.Points, Output: res.Output, TimedOut: res.TimedOut}, nil
}

// OpenQuiz returns the quiz if it exists and is accepting work right now.
func (s *Service) OpenQuiz(ctx context.Context, code string) (*storage.Quiz, error) {
	quiz, err := s.store.GetQuiz(ctx, code)
	if err != nil {
		return nil, notFound(err, MsgQuizNotFound)
	}

	now := s.now()
	if !quiz.StartsAt.IsZero() && now.Before(quiz.StartsAt) {
		return nil, errs.Validation(MsgQuizNotStarted)
	}
	if !quiz.EndsAt.IsZero() && now.After(quiz.EndsAt) {
		return nil, errs.Validation(MsgQuizClosed)
	}
	return quiz, nil
}

// GetSubmission returns the student's finalization of the quiz, or nil if
// the quiz has not been finalized yet.
func (s *Service) GetSubmission(ctx context.Context, quizCode, username string) (*storage.Quiz, *storage.Submission, error) {
	quiz, user, err := s.quizAndUser(ctx, quizCode, username)
	if err != nil {
		return nil, nil, err
	}
	sub, err := s.store.GetSubmission(ctx, quiz.ID, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return quiz, nil, nil
	}
	if err != nil {
		return nil, nil, errs.Resource("Internal server error", err)
	}
	return quiz, sub, nil
}

// Finalize closes the quiz for the student. Later submissions are refused.
func (s *Service) Finalize(ctx context.Context, quizCode, username string) error {
	quiz, user, err := s.quizAndUser(ctx, quizCode, username)
	if err != nil {
		return err
	}
	err = s.store.CreateSubmission(ctx, &storage.Submission{QuizID: quiz.ID, UserID: user.ID})
	if errors.Is(err, storage.ErrConflict) {
		return errs.Validation(MsgAlreadySubmitted)
	}
	if err != nil {
		return errs.Resource("Internal server error", err)
	}
	s.log.Info().Str("quiz", quiz.Code).Str("user", user.Username).Msg("quiz finalized")
	return nil
}

// Submissions lists every finalization of a quiz.
func (s *Service) Submissions(ctx context.Context, quizCode string) ([]storage.SubmissionRow, error) {
	quiz, err := s.store.GetQuiz(ctx, quizCode)
	if err != nil {
		return nil, notFound(err, MsgQuizNotFound)
	}
	rows, err := s.store.ListSubmissions(ctx, quiz.ID)
	if err != nil {
		return nil, errs.Resource("Internal server error", err)
	}
	return rows, nil
}

// Scores lists the student's scores for a quiz.
func (s *Service) Scores(ctx context.Context, quizCode, username string) ([]storage.ScoreRow, error) {
	quiz, user, err := s.quizAndUser(ctx, quizCode, username)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListScores(ctx, quiz.ID, user.ID)
	if err != nil {
		return nil, errs.Resource("Internal server error", err)
	}
	return rows, nil
}

func (s *Service) quizAndUser(ctx context.Context, quizCode, username string) (*storage.Quiz, *storage.User, error) {
	quiz, err := s.store.GetQuiz(ctx, quizCode)
	if err != nil {
		return nil, nil, notFound(err, MsgQuizNotFound)
	}
	user, err := s.lookupUser(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	return quiz, user, nil
}

func (s *Service) lookupUser(ctx context.Context, username string) (*storage.User, error) {
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, notFound(err, MsgUserNotFound)
	}
	return user, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.Validation(msg)
	}
	return errs.Resource("Internal server error", err)
}
