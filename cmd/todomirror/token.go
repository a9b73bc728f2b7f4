package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/todomirror/internal/auth"
	"github.com/hyperengineering/todomirror/internal/config"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Issue a bearer token for a user",
	Long:  "Sign a token with TODOMIRROR_JWT_SECRET that the backend accepts for user.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("TODOMIRROR_JWT_SECRET is not set")
	}
	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTL))
	if err != nil {
		return err
	}
	token, err := issuer.Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
