package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "gradebox",
	Short: "Gradebox - sandboxed grading engine for programming quizzes",
	Long: `Gradebox compiles and runs quiz submissions written in C, C++ or Java
inside throwaway Docker containers, scores them against testcases and serves
live interactive terminals over websockets.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
