package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/gradebox/internal/execution"
	"github.com/michaelbrown/gradebox/internal/grading"
	"github.com/michaelbrown/gradebox/internal/sandbox"
)

var (
	langFlag     string
	inputsFlag   string
	intervalFlag time.Duration
	expectFlag   string
	pointsFlag   int
)

var runCmd = &cobra.Command{
	Use:   "run <source-file>",
	Short: "Run a source file through the grading pipeline locally",
	Long: `Compile and run a program in the sandbox exactly as a graded submission
would be: inputs are typed word by word after the startup grace period and the
transcript is printed. With --expect the transcript is also scored.

Examples:
  gradebox run main.cpp
  gradebox run Sum.java --inputs "3 4" --expect 7 --points 10`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&langFlag, "lang", "", "Language: c, cpp or java (default: from the file extension)")
	runCmd.Flags().StringVar(&inputsFlag, "inputs", "", "Input typed into the program")
	runCmd.Flags().DurationVar(&intervalFlag, "interval", execution.MinInputInterval, "Delay between typed words")
	runCmd.Flags().StringVar(&expectFlag, "expect", "", "Expected output to score against")
	runCmd.Flags().IntVar(&pointsFlag, "points", 1, "Points for a matching output")
	rootCmd.AddCommand(runCmd)
}

func languageFor(path, flag string) (sandbox.Language, error) {
	if flag != "" {
		return sandbox.ParseLanguage(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".c":
		return sandbox.C, nil
	case ".cpp", ".cc", ".cxx":
		return sandbox.CPP, nil
	case ".java":
		return sandbox.Java, nil
	}
	return "", fmt.Errorf("cannot tell the language of %s, use --lang", path)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	lang, err := languageFor(args[0], langFlag)
	if err != nil {
		return err
	}
	source, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	// Ctrl+C kills the sandbox and prints what was produced so far.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, release, err := openRuntime(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer release()

	pol, err := policy(cfg)
	if err != nil {
		return err
	}
	workspaces, err := sandbox.NewWorkspaceManager(cfg.Sandbox.MountDir)
	if err != nil {
		return err
	}

	runner := execution.NewRunner(rt, workspaces, pol, timing(cfg), log,
		execution.WithKeepWorkspaces(cfg.Sandbox.KeepWorkspaces))
	res, err := runner.RunGraded(ctx, execution.GradedRun{
		Language: lang,
		Source:   string(source),
		Inputs:   inputsFlag,
		Interval: intervalFlag,
	})
	if res != nil {
		fmt.Print(res.Output)
		if !strings.HasSuffix(res.Output, "\n") {
			fmt.Println()
		}
	}
	if err != nil {
		return err
	}

	dim := color.New(color.Faint)
	dim.Printf("exit %d in %s", res.ExitCode, res.Duration.Round(time.Millisecond))
	if res.TimedOut {
		dim.Print(" (timed out)")
	}
	fmt.Println()

	if cmd.Flags().Changed("expect") {
		score := grading.Evaluate(res.Output, expectFlag, pointsFlag)
		if score == pointsFlag {
			color.Green("score: %d/%d", score, pointsFlag)
		} else {
			color.Red("score: %d/%d", score, pointsFlag)
		}
	}
	return nil
}
