package grading

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/sandbox"
	"github.com/michaelbrown/gradebox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/gradebox/internal/storage"
	"github.com/michaelbrown/gradebox/internal/storage/sqlite"
)

type fakeRunner struct {
	output string
	runs   []execution.GradedRun
}

func (f *fakeRunner) RunGraded(_ context.Context, run execution.GradedRun) (*execution.Result, error) {
	f.runs = append(f.runs, run)
	return &execution.Result{Output: f.output}, nil
}

var now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type env struct {
	svc     *Service
	store   *sqlite.SQLiteStore
	runner  *fakeRunner
	student *storage.User
	tc      *storage.Testcase
}

func setup(t *testing.T, quiz storage.Quiz) *env {
	t.Helper()
	ctx := context.Background()

	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	teacher := &storage.User{Username: "ms.tan", Role: storage.RoleTeacher}
	student := &storage.User{Username: "juan", Role: storage.RoleStudent}
	require.NoError(t, s.CreateUser(ctx, teacher))
	require.NoError(t, s.CreateUser(ctx, student))

	quiz.Code = "HELLO1"
	quiz.Name = "Warmup"
	quiz.AuthorID = teacher.ID
	require.NoError(t, s.CreateQuiz(ctx, &quiz))

	p := &storage.Problem{QuizID: quiz.ID, Statement: "greet"}
	require.NoError(t, s.CreateProblem(ctx, p))
	tc := &storage.Testcase{ProblemID: p.ID, ExpectedOutput: "Hello, World", Points: 10, Inputs: "", InputsInterval: 500 * time.Millisecond}
	require.NoError(t, s.CreateTestcase(ctx, tc))

	r := &fakeRunner{}
	svc := New(s, r, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return &env{svc: svc, store: s, runner: r, student: student, tc: tc}
}

func request() Request {
	return Request{QuizCode: "HELLO1", Username: "juan", Code: "int main(){}", Language: "cpp"}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		output, expected string
		want             int
	}{
		{"Hello, World", "Hello, World", 10},
		{"\n  Hello, World\n", "Hello, World  ", 10},
		{"hello, world", "Hello, World", 0},
		{"Hello,  World", "Hello, World", 0},
		{"3\r\n4", "3\n4", 0},
		{"", "", 10},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Evaluate(tt.output, tt.expected, 10), "output %q", tt.output)
	}
}

func TestSubmitFullPoints(t *testing.T) {
	e := setup(t, storage.Quiz{})
	e.runner.output = "\nHello, World"

	out, err := e.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 10, out.Score)
	assert.Equal(t, "\nHello, World", out.Output)

	require.Len(t, e.runner.runs, 1)
	assert.Equal(t, sandbox.CPP, e.runner.runs[0].Language)
	assert.Equal(t, 500*time.Millisecond, e.runner.runs[0].Interval)

	sc, err := e.store.GetScore(context.Background(), e.tc.ID, e.student.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, sc.Score)
	assert.Equal(t, "cpp", sc.Language)
}

func TestSubmitOverwritesScore(t *testing.T) {
	e := setup(t, storage.Quiz{})
	ctx := context.Background()

	e.runner.output = "Hello, World"
	_, err := e.svc.Submit(ctx, request())
	require.NoError(t, err)

	e.runner.output = "Goodbye"
	out, err := e.svc.Submit(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, 0, out.Score)

	rows, err := e.store.ListScores(ctx, 1, e.student.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0, rows[0].Score)
	assert.Equal(t, "Goodbye", rows[0].Output)
}

func TestSubmitPreconditions(t *testing.T) {
	tests := []struct {
		name    string
		quiz    storage.Quiz
		mutate  func(*Request)
		prepare func(t *testing.T, e *env)
		want    string
	}{
		{
			name:   "unknown quiz",
			mutate: func(r *Request) { r.QuizCode = "NOPE00" },
			want:   MsgQuizNotFound,
		},
		{
			name: "not started",
			quiz: storage.Quiz{StartsAt: now.Add(time.Minute)},
			want: MsgQuizNotStarted,
		},
		{
			name: "closed",
			quiz: storage.Quiz{StartsAt: now.Add(-2 * time.Hour), EndsAt: now.Add(-time.Hour)},
			want: MsgQuizClosed,
		},
		{
			name:   "unknown user",
			mutate: func(r *Request) { r.Username = "ghost" },
			want:   MsgUserNotFound,
		},
		{
			name: "already submitted",
			prepare: func(t *testing.T, e *env) {
				require.NoError(t, e.svc.Finalize(context.Background(), "HELLO1", "juan"))
			},
			want: MsgAlreadySubmitted,
		},
		{
			name:   "problem out of range",
			mutate: func(r *Request) { r.Problem = 3 },
			want:   MsgProblemNotFound,
		},
		{
			name:   "testcase out of range",
			mutate: func(r *Request) { r.Testcase = 1 },
			want:   MsgTestcaseNotFound,
		},
		{
			name:   "unsupported language",
			mutate: func(r *Request) { r.Language = "python" },
			want:   "Unsupported language: python",
		},
		{
			// Closed wins over unknown user because checks run in order.
			name:   "closed before user",
			quiz:   storage.Quiz{EndsAt: now.Add(-time.Second)},
			mutate: func(r *Request) { r.Username = "ghost" },
			want:   MsgQuizClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := setup(t, tt.quiz)
			if tt.prepare != nil {
				tt.prepare(t, e)
			}
			req := request()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			_, err := e.svc.Submit(context.Background(), req)
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
			assert.Equal(t, tt.want, errs.Message(err, ""))
			assert.Empty(t, e.runner.runs, "no sandbox may be launched")

			rows, err := e.store.ListScores(context.Background(), 1, e.student.ID)
			require.NoError(t, err)
			assert.Empty(t, rows)
		})
	}
}

func TestFinalize(t *testing.T) {
	e := setup(t, storage.Quiz{})
	ctx := context.Background()

	_, sub, err := e.svc.GetSubmission(ctx, "HELLO1", "juan")
	require.NoError(t, err)
	assert.Nil(t, sub)

	require.NoError(t, e.svc.Finalize(ctx, "HELLO1", "juan"))

	_, sub, err = e.svc.GetSubmission(ctx, "HELLO1", "juan")
	require.NoError(t, err)
	require.NotNil(t, sub)

	err = e.svc.Finalize(ctx, "HELLO1", "juan")
	assert.Equal(t, MsgAlreadySubmitted, errs.Message(err, ""))

	rows, err := e.svc.Submissions(ctx, "HELLO1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "juan", rows[0].Username)
}

func TestSubmitThroughSandbox(t *testing.T) {
	e := setup(t, storage.Quiz{})

	rt := &sandboxtest.Runtime{Script: func(p *sandboxtest.Process) int {
		p.ReadAllInput()
		p.Print("Hello, World")
		return 0
	}}
	wm, err := sandbox.NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	e.svc.runner = execution.NewRunner(rt, wm, sandbox.DefaultPolicy(), execution.Timing{Startup: 0, Execute: 5 * time.Second}, zerolog.Nop())

	out, err := e.svc.Submit(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 10, out.Score)
	assert.Contains(t, out.Output, "Hello, World")
	assert.Equal(t, 1, rt.Starts())
}
