package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/config"
	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/sandbox"
	"github.com/michaelbrown/gradebox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/gradebox/internal/storage"
	"github.com/michaelbrown/gradebox/internal/storage/sqlite"
	"github.com/michaelbrown/gradebox/internal/terminal"
)

type fakeRunner struct {
	output string
}

func (f *fakeRunner) RunGraded(_ context.Context, run execution.GradedRun) (*execution.Result, error) {
	return &execution.Result{Output: f.output}, nil
}

type testEnv struct {
	srv     *Server
	auth    *auth.Authenticator
	runtime *sandboxtest.Runtime
	student string
	teacher string
}

func newTestEnv(t *testing.T, limits config.LimitsConfig, script sandboxtest.Script) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	teacher := &storage.User{Username: "ms.tan", Name: "Ms Tan", Role: storage.RoleTeacher}
	require.NoError(t, store.CreateUser(ctx, teacher))
	require.NoError(t, store.CreateUser(ctx, &storage.User{Username: "juan", Name: "Juan", Role: storage.RoleStudent}))

	quiz := &storage.Quiz{
		Code:     "HELLO1",
		Name:     "Warmup",
		AuthorID: teacher.ID,
		StartsAt: time.Now().Add(-time.Hour),
		EndsAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateQuiz(ctx, quiz))
	p := &storage.Problem{QuizID: quiz.ID, Statement: "greet"}
	require.NoError(t, store.CreateProblem(ctx, p))
	require.NoError(t, store.CreateTestcase(ctx, &storage.Testcase{
		ProblemID:      p.ID,
		ExpectedOutput: "Hello, World",
		Points:         10,
		InputsInterval: 500 * time.Millisecond,
	}))

	wm, err := sandbox.NewWorkspaceManager(t.TempDir())
	require.NoError(t, err)
	if script == nil {
		script = func(p *sandboxtest.Process) int { return 0 }
	}
	rt := &sandboxtest.Runtime{Script: script}
	terminals := terminal.NewRegistry(rt, wm, terminal.Config{Policy: sandbox.DefaultPolicy()}, zerolog.Nop())

	a, err := auth.New("secret", "gradebox")
	require.NoError(t, err)
	studentToken, err := a.Sign("juan", storage.RoleStudent, time.Hour)
	require.NoError(t, err)
	teacherToken, err := a.Sign("ms.tan", storage.RoleTeacher, time.Hour)
	require.NoError(t, err)

	svc := grading.New(store, &fakeRunner{output: "Hello, World\n"}, zerolog.Nop())
	srv := New(&config.Config{Limits: limits}, svc, terminals, a, zerolog.Nop())
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testEnv{srv: srv, auth: a, runtime: rt, student: studentToken, teacher: teacherToken}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, r)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)
	w, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAuth(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)
	submit := map[string]any{"testcase": 0, "code": "int main(){}", "language": "c"}

	w, body := e.do(t, http.MethodPost, "/quiz/HELLO1/0", "", submit)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, auth.MsgInvalidToken, body["message"])

	w, _ = e.do(t, http.MethodPost, "/quiz/HELLO1/0", e.teacher, submit)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitScores(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)

	w, body := e.do(t, http.MethodPost, "/quiz/HELLO1/0", e.student,
		map[string]any{"testcase": 0, "code": "int main(){}", "language": "c"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(10), body["score"])
	assert.Equal(t, "Hello, World\n", body["output"])

	w, body = e.do(t, http.MethodGet, "/quiz/HELLO1/scores", e.student, nil)
	require.Equal(t, http.StatusOK, w.Code)
	scores := body["scores"].([]any)
	require.Len(t, scores, 1)
	assert.Equal(t, float64(10), scores[0].(map[string]any)["score"])
}

func TestSubmitFailures(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)

	tests := []struct {
		name    string
		path    string
		body    any
		status  int
		message string
	}{
		{"unknown quiz", "/quiz/NOPE00/0", map[string]any{"testcase": 0, "code": "x", "language": "c"}, http.StatusOK, grading.MsgQuizNotFound},
		{"bad problem index", "/quiz/HELLO1/first", map[string]any{"testcase": 0, "code": "x", "language": "c"}, http.StatusOK, grading.MsgProblemNotFound},
		{"missing problem", "/quiz/HELLO1/3", map[string]any{"testcase": 0, "code": "x", "language": "c"}, http.StatusOK, grading.MsgProblemNotFound},
		{"missing testcase", "/quiz/HELLO1/0", map[string]any{"testcase": 5, "code": "x", "language": "c"}, http.StatusOK, grading.MsgTestcaseNotFound},
		{"unsupported language", "/quiz/HELLO1/0", map[string]any{"testcase": 0, "code": "x", "language": "cobol"}, http.StatusOK, "Unsupported language: cobol"},
		{"bad body", "/quiz/HELLO1/0", "not an object", http.StatusBadRequest, "Invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := e.do(t, http.MethodPost, tt.path, e.student, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestSubmissionFlow(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)

	_, body := e.do(t, http.MethodGet, "/quiz/HELLO1/submission", e.student, nil)
	assert.Equal(t, true, body["success"])
	assert.Nil(t, body["submission"])

	_, body = e.do(t, http.MethodPost, "/quiz/HELLO1/submission", e.student, nil)
	assert.Equal(t, true, body["success"])

	_, body = e.do(t, http.MethodGet, "/quiz/HELLO1/submission", e.student, nil)
	sub := body["submission"].(map[string]any)
	assert.Equal(t, "juan", sub["username"])
	assert.Equal(t, "HELLO1", sub["quiz"])

	_, body = e.do(t, http.MethodPost, "/quiz/HELLO1/submission", e.student, nil)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, grading.MsgAlreadySubmitted, body["message"])

	_, body = e.do(t, http.MethodPost, "/quiz/HELLO1/0", e.student,
		map[string]any{"testcase": 0, "code": "int main(){}", "language": "c"})
	assert.Equal(t, grading.MsgAlreadySubmitted, body["message"])

	w, _ := e.do(t, http.MethodGet, "/quiz/HELLO1/submissions", e.student, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, body = e.do(t, http.MethodGet, "/quiz/HELLO1/submissions", e.teacher, nil)
	subs := body["submissions"].([]any)
	require.Len(t, subs, 1)
	assert.Equal(t, "juan", subs[0].(map[string]any)["username"])
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{IPRPS: 0.001, IPBurst: 1}, nil)
	submit := map[string]any{"testcase": 0, "code": "int main(){}", "language": "c"}

	w, _ := e.do(t, http.MethodPost, "/quiz/HELLO1/0", e.student, submit)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body := e.do(t, http.MethodPost, "/quiz/HELLO1/0", e.student, submit)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "Too many requests", body["message"])

	// Reads are not limited.
	w, _ = e.do(t, http.MethodGet, "/quiz/HELLO1/scores", e.student, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterPrune(t *testing.T) {
	rl := NewRateLimiter(config.LimitsConfig{IPRPS: 1, IPBurst: 1})
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return base }

	require.True(t, rl.Allow("192.0.2.1"))
	rl.Done()
	assert.Equal(t, 0, rl.Prune(base.Add(-time.Minute)))
	assert.Equal(t, 1, rl.Prune(base.Add(time.Minute)))
}

func TestRateLimiterConcurrency(t *testing.T) {
	rl := NewRateLimiter(config.LimitsConfig{MaxConcurrent: 1})
	require.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("b"))
	rl.Done()
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiterFractionalRates(t *testing.T) {
	rl := NewRateLimiter(config.LimitsConfig{GlobalRPS: 0.5, IPRPS: 0.5})

	require.True(t, rl.Allow("192.0.2.1"))
	rl.Done()
	assert.False(t, rl.Allow("192.0.2.1"))
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/terminal?token=" + token
}

func TestTerminalRejectsBadToken(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "nope"), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTerminalSession(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, func(p *sandboxtest.Process) int {
		p.Print("ready ")
		buf := make([]byte, 1)
		p.ReadInput(buf)
		p.Print("got " + string(buf))
		return 0
	})
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, e.student), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: frameCode, Code: "int main(){}", Language: "c"}))

	var msg wsOutgoing
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, wsOutgoing{Type: frameOutput, Data: "ready "}, msg)

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: frameInput, Key: "x"}))

	var frames []wsOutgoing
	for {
		var m wsOutgoing
		if err := conn.ReadJSON(&m); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			break
		}
		frames = append(frames, m)
	}
	assert.ElementsMatch(t, []wsOutgoing{
		{Type: frameOutput, Data: "x"},
		{Type: frameOutput, Data: "got x"},
	}, frames)
	assert.Equal(t, 1, e.runtime.Starts())
	assert.Eventually(t, func() bool { return e.srv.terminals.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestTerminalReportsErrors(t *testing.T) {
	e := newTestEnv(t, config.LimitsConfig{}, nil)
	ts := httptest.NewServer(e.srv.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, e.student), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(wsIncoming{Type: frameCode, Code: "x", Language: "cobol"}))

	var msg wsOutgoing
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, wsOutgoing{Type: frameTerminalError, Data: "Unsupported language: cobol"}, msg)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	assert.Equal(t, 0, e.runtime.Starts())
}
