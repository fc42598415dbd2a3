package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/relay"
)

func tokenCmd() *cobra.Command {
	var emailFlag string
	var ttlFlag time.Duration

	cmd := &cobra.Command{
		Use:   "token <uid>",
		Short: "Issue a signed auth token for testing against the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Relay.JWTSecret == "" {
				return fmt.Errorf("relay.jwt_secret is not configured")
			}
			token, err := relay.IssueToken([]byte(cfg.Relay.JWTSecret), args[0], emailFlag, ttlFlag)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&emailFlag, "email", "", "email claim")
	cmd.Flags().DurationVar(&ttlFlag, "ttl", time.Hour, "token lifetime")
	return cmd
}
