package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/stream"
)

func chatCmd() *cobra.Command {
	var modelFlag string
	var tokenFlag string
	var keyFlag string

	cmd := &cobra.Command{
		Use:   "chat [question]",
		Short: "Stream one chat completion through the relay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			apiKey := keyFlag
			if apiKey == "" {
				apiKey = os.Getenv("QB_API_KEY")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			client := &stream.Client{RelayURL: cfg.Client.RelayURL}
			res, err := client.Send(ctx, stream.Request{
				APIKey:    apiKey,
				AuthToken: tokenFlag,
				Model:     modelFlag,
				Input:     strings.Join(args, " "),
			}, func(delta string) {
				fmt.Print(delta)
			})
			if err != nil {
				return err
			}
			fmt.Println()
			if res.Usage != nil {
				logger.Debug("chat finished",
					"response_id", res.ResponseID, "total_tokens", res.Usage.TotalTokens)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&modelFlag, "model", "gpt-4o-mini", "model name")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "auth token (JWT)")
	cmd.Flags().StringVar(&keyFlag, "key", "", "API key (defaults to QB_API_KEY)")
	return cmd
}
