package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// MinInputsInterval is the smallest delay between injected words a
// testcase may ask for.
const MinInputsInterval = 500 * time.Millisecond

// SeedFile is the YAML document accepted by `gradebox quizzes import`.
type SeedFile struct {
	Users   []SeedUser `yaml:"users"`
	Quizzes []SeedQuiz `yaml:"quizzes"`
}

type SeedUser struct {
	Username string `yaml:"username"`
	Name     string `yaml:"name"`
	Type     Role   `yaml:"type"`
}

type SeedQuiz struct {
	Code        string        `yaml:"code"`
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Author      string        `yaml:"author"`
	StartDate   time.Time     `yaml:"start_date"`
	EndDate     time.Time     `yaml:"end_date"`
	Problems    []SeedProblem `yaml:"problems"`
}

type SeedProblem struct {
	Problem   string         `yaml:"problem"`
	Testcases []SeedTestcase `yaml:"testcases"`
}

type SeedTestcase struct {
	ExpectedOutput string `yaml:"expected_output"`
	Points         int    `yaml:"points"`
	Inputs         string `yaml:"inputs"`
	InputsInterval int    `yaml:"inputs_interval"` // milliseconds
	Hidden         bool   `yaml:"hidden"`
}

// ImportResult counts the rows an import created.
type ImportResult struct {
	Users     int
	Quizzes   int
	Problems  int
	Testcases int
}

// LoadSeedFile reads and validates a seed file.
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a seed document.
func ParseSeed(data []byte) (*SeedFile, error) {
	var f SeedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing seed file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate applies the authoring rules quizzes are created under.
func (f *SeedFile) Validate() error {
	for i, u := range f.Users {
		if u.Username == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if !u.Type.Valid() {
			return fmt.Errorf("users[%d]: type must be student or teacher, got %q", i, u.Type)
		}
	}

	for i, q := range f.Quizzes {
		if utf8.RuneCountInString(q.Code) != 6 {
			return fmt.Errorf("quizzes[%d]: code must be 6 characters", i)
		}
		if n := utf8.RuneCountInString(q.Name); n < 1 || n > 255 {
			return fmt.Errorf("quiz %s: name must be 1 to 255 characters", q.Code)
		}
		if q.Author == "" {
			return fmt.Errorf("quiz %s: author is required", q.Code)
		}
		if !q.StartDate.IsZero() && !q.EndDate.IsZero() && q.EndDate.Before(q.StartDate) {
			return fmt.Errorf("quiz %s: end_date is before start_date", q.Code)
		}
		if len(q.Problems) == 0 {
			return fmt.Errorf("quiz %s: at least one problem is required", q.Code)
		}
		for j, p := range q.Problems {
			if p.Problem == "" {
				return fmt.Errorf("quiz %s problem %d: statement is required", q.Code, j)
			}
			if len(p.Testcases) == 0 {
				return fmt.Errorf("quiz %s problem %d: at least one testcase is required", q.Code, j)
			}
			for k, tc := range p.Testcases {
				if tc.ExpectedOutput == "" {
					return fmt.Errorf("quiz %s problem %d testcase %d: expected_output is required", q.Code, j, k)
				}
				if tc.Points < 1 {
					return fmt.Errorf("quiz %s problem %d testcase %d: points must be at least 1", q.Code, j, k)
				}
				if time.Duration(tc.InputsInterval)*time.Millisecond < MinInputsInterval {
					return fmt.Errorf("quiz %s problem %d testcase %d: inputs_interval must be at least %d", q.Code, j, k, MinInputsInterval.Milliseconds())
				}
			}
		}
	}
	return nil
}

// Import writes the seed into the store. Users that already exist are
// reused; a quiz code that already exists is an error.
func Import(ctx context.Context, s Store, f *SeedFile) (*ImportResult, error) {
	res := &ImportResult{}

	for _, su := range f.Users {
		u := &User{Username: su.Username, Name: su.Name, Role: su.Type}
		err := s.CreateUser(ctx, u)
		switch {
		case err == nil:
			res.Users++
		case errors.Is(err, ErrConflict):
		default:
			return res, err
		}
	}

	for _, sq := range f.Quizzes {
		author, err := s.GetUser(ctx, sq.Author)
		if err != nil {
			return res, fmt.Errorf("quiz %s: author %s: %w", sq.Code, sq.Author, err)
		}
		if author.Role != RoleTeacher {
			return res, fmt.Errorf("quiz %s: author %s is not a teacher", sq.Code, sq.Author)
		}

		q := &Quiz{
			Code:        sq.Code,
			Name:        sq.Name,
			Description: sq.Description,
			AuthorID:    author.ID,
			StartsAt:    sq.StartDate,
			EndsAt:      sq.EndDate,
		}
		if err := s.CreateQuiz(ctx, q); err != nil {
			return res, fmt.Errorf("quiz %s: %w", sq.Code, err)
		}
		res.Quizzes++

		for _, sp := range sq.Problems {
			p := &Problem{QuizID: q.ID, Statement: sp.Problem}
			if err := s.CreateProblem(ctx, p); err != nil {
				return res, fmt.Errorf("quiz %s: %w", sq.Code, err)
			}
			res.Problems++

			for _, stc := range sp.Testcases {
				tc := &Testcase{
					ProblemID:      p.ID,
					ExpectedOutput: stc.ExpectedOutput,
					Points:         stc.Points,
					Inputs:         stc.Inputs,
					InputsInterval: time.Duration(stc.InputsInterval) * time.Millisecond,
					Hidden:         stc.Hidden,
				}
				if err := s.CreateTestcase(ctx, tc); err != nil {
					return res, fmt.Errorf("quiz %s: %w", sq.Code, err)
				}
				res.Testcases++
			}
		}
	}
	return res, nil
}
