package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/gradebox/internal/auth"
	"github.com/michaelbrown/gradebox/internal/storage"
)

var (
	roleFlag string
	ttlFlag  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <username>",
	Short: "Mint a bearer token signed with the configured key",
	Long: `Mint a token for local testing of the quiz API and terminal.

Examples:
  gradebox token juan
  gradebox token ms.tan --type teacher --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&roleFlag, "type", string(storage.RoleStudent), "Account type: student or teacher")
	tokenCmd.Flags().DurationVar(&ttlFlag, "ttl", 24*time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, _, closer, err := setup()
	if err != nil {
		return err
	}
	defer closer.Close()

	role := storage.Role(roleFlag)
	if !role.Valid() {
		return fmt.Errorf("type must be student or teacher")
	}

	a, err := auth.New(cfg.Auth.JWTKey, cfg.Auth.JWTIssuer)
	if err != nil {
		return err
	}
	token, err := a.Sign(args[0], role, ttlFlag)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
