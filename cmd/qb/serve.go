package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/config"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/logger"
	"github.com/Shinyanogit/ipad-QB-support-sub000/internal/relay"
)

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Relay.Addr = addr
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}

			srv := &relay.Server{
				Auth: &relay.Authenticator{Secret: []byte(cfg.Relay.JWTSecret)},
				Producer: &relay.OpenAIProducer{
					DefaultBackendURL: cfg.Relay.BackendURL,
					DefaultAPIKey:     cfg.Relay.APIKey,
				},
				Limiter: relay.NewLimiter(cfg.Relay.RatePerMinute, cfg.Relay.RateBurst),
			}

			if cfg.Relay.UsageDBPath != "" {
				usage, err := relay.OpenUsage(cfg.Relay.UsageDBPath)
				if err != nil {
					return fmt.Errorf("open usage store: %w", err)
				}
				defer usage.Close()
				srv.Usage = usage
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Pick up logging changes without a restart.
			go config.Watch(ctx, cfgPath, func(next *config.Config) {
				logger.SetLevel(next.Logging.Level)
			})

			err = srv.ListenAndServe(ctx, cfg.Relay.Addr)
			if errors.Is(err, context.Canceled) {
				logger.Info("relay stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().String("addr", "", "listen address (overrides config)")
	return cmd
}
