package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/errs"
	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/storage"
)

// --- JSON helpers ---

// response is the envelope of every quiz endpoint.
type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type submitResponse struct {
	response
	Score  int    `json:"score"`
	Output string `json:"output"`
}

type submissionView struct {
	Username      string    `json:"username"`
	Quiz          string    `json:"quiz"`
	DateSubmitted time.Time `json:"dateSubmitted"`
}

type submissionResponse struct {
	response
	Submission *submissionView `json:"submission"`
}

type submissionsResponse struct {
	response
	Submissions []submissionView `json:"submissions"`
}

type scoresResponse struct {
	response
	Scores []storage.ScoreRow `json:"scores"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// reject is the auth.Rejector for quiz endpoints.
func reject(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Message: msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeFailure maps an engine error onto the envelope. Validation failures
// are ordinary answers; anything else is logged and reported generically
// unless it carries a message safe to show.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		writeJSON(w, http.StatusOK, response{Message: errs.Message(err, "")})
	case errs.KindSandbox:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("sandbox failure")
		writeJSON(w, http.StatusServiceUnavailable, response{Message: errs.Message(err, "Internal server error")})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, response{Message: errs.Message(err, "Internal server error")})
	}
}

func claims(r *http.Request) *auth.Claims {
	c, _ := auth.FromContext(r.Context())
	return c
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"terminals": s.terminals.Len(),
	})
}

type submitRequest struct {
	Testcase int    `json:"testcase"`
	Code     string `json:"code"`
	Language string `json:"language"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Message: "Invalid request body"})
		return
	}

	problem, err := strconv.Atoi(chi.URLParam(r, "problem"))
	if err != nil {
		writeJSON(w, http.StatusOK, response{Message: grading.MsgProblemNotFound})
		return
	}

	out, err := s.grading.Submit(r.Context(), grading.Request{
		QuizCode: chi.URLParam(r, "code"),
		Problem:  problem,
		Testcase: req.Testcase,
		Username: claims(r).Username,
		Code:     req.Code,
		Language: req.Language,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, submitResponse{
		response: response{Success: true},
		Score:    out.Score,
		Output:   out.Output,
	})
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	quiz, sub, err := s.grading.GetSubmission(r.Context(), chi.URLParam(r, "code"), c.Username)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	resp := submissionResponse{response: response{Success: true}}
	if sub != nil {
		resp.Submission = &submissionView{Username: c.Username, Quiz: quiz.Code, DateSubmitted: sub.SubmittedAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if err := s.grading.Finalize(r.Context(), chi.URLParam(r, "code"), claims(r).Username); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Success: true})
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	rows, err := s.grading.Submissions(r.Context(), code)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	views := make([]submissionView, 0, len(rows))
	for _, row := range rows {
		views = append(views, submissionView{Username: row.Username, Quiz: code, DateSubmitted: row.SubmittedAt})
	}
	writeJSON(w, http.StatusOK, submissionsResponse{response: response{Success: true}, Submissions: views})
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	rows, err := s.grading.Scores(r.Context(), chi.URLParam(r, "code"), claims(r).Username)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if rows == nil {
		rows = []storage.ScoreRow{}
	}
	writeJSON(w, http.StatusOK, scoresResponse{response: response{Success: true}, Scores: rows})
}
