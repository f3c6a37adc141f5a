package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/storage"
)

var quizzesCmd = &cobra.Command{
	Use:     "quizzes",
	Aliases: []string{"quiz", "q"},
	Short:   "Manage quizzes",
}

var quizzesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import users, quizzes, problems and testcases from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuizzesImport,
}

var quizzesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quizzes",
	RunE:  runQuizzesList,
}

var scoresCmd = &cobra.Command{
	Use:   "scores <quiz-code> <username>",
	Short: "Show a student's scores for a quiz",
	Args:  cobra.ExactArgs(2),
	RunE:  runScores,
}

func init() {
	rootCmd.AddCommand(quizzesCmd, scoresCmd)
	quizzesCmd.AddCommand(quizzesImportCmd, quizzesListCmd)
}

// withStore runs fn against the configured store.
func withStore(fn func(ctx context.Context, s storage.Store, svc *grading.Service) error) error {
	cfg, log, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	return fn(ctx, store, grading.New(store, nil, log))
}

func runQuizzesImport(cmd *cobra.Command, args []string) error {
	seed, err := storage.LoadSeedFile(args[0])
	if err != nil {
		return err
	}

	return withStore(func(ctx context.Context, s storage.Store, _ *grading.Service) error {
		res, err := storage.Import(ctx, s, seed)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d users, %d quizzes, %d problems, %d testcases\n",
			res.Users, res.Quizzes, res.Problems, res.Testcases)
		return nil
	})
}

func runQuizzesList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, s storage.Store, _ *grading.Service) error {
		quizzes, err := s.ListQuizzes(ctx)
		if err != nil {
			return err
		}
		if len(quizzes) == 0 {
			fmt.Println("No quizzes found.")
			return nil
		}

		// Header
		fmt.Printf("%-8s %-32s %-18s %-18s %s\n", "CODE", "NAME", "STARTS", "ENDS", "STATUS")
		fmt.Println(strings.Repeat("─", 90))

		now := time.Now()
		for _, q := range quizzes {
			fmt.Printf("%-8s %-32s %-18s %-18s %s\n",
				q.Code, truncate(q.Name, 30), formatTime(q.StartsAt), formatTime(q.EndsAt), quizStatus(q, now))
		}
		return nil
	})
}

func runScores(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, _ storage.Store, svc *grading.Service) error {
		rows, err := svc.Scores(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No scores yet.")
			return nil
		}

		fmt.Printf("%-8s %-9s %-7s %-9s %s\n", "PROBLEM", "TESTCASE", "SCORE", "LANGUAGE", "UPDATED")
		fmt.Println(strings.Repeat("─", 55))

		total, possible := 0, 0
		for _, r := range rows {
			fmt.Printf("%-8d %-9d %-7s %-9s %s\n",
				r.Problem, r.Testcase, fmt.Sprintf("%d/%d", r.Score, r.Points), r.Language, timeAgo(r.Updated))
			total += r.Score
			possible += r.Points
		}
		fmt.Printf("\nTotal: %d/%d\n", total, possible)
		return nil
	})
}

func quizStatus(q storage.Quiz, now time.Time) string {
	switch {
	case !q.StartsAt.IsZero() && now.Before(q.StartsAt):
		return "upcoming"
	case !q.EndsAt.IsZero() && now.After(q.EndsAt):
		return "closed"
	default:
		return "open"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
