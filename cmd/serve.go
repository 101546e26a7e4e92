package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/lexchat/lexchat/api"
	"github.com/lexchat/lexchat/internal/chat"
	"github.com/lexchat/lexchat/internal/config"
	"github.com/lexchat/lexchat/internal/log"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

// runServe loads config, builds the session manager and serves HTTP until
// SIGINT/SIGTERM.
func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(log.Config{Level: slog.LevelInfo})
	logger.Info("starting lexchat", "version", Version, "model", cfg.ModelName)

	streamer, err := chat.NewGemini(ctx, cfg.APIKey, cfg.ModelName)
	if err != nil {
		return fmt.Errorf("creating generation client: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	validator, err := chat.NewValidator(chat.ValidatorConfig{
		MaxInputLength: cfg.MaxInputLength,
		DenyPatterns:   cfg.DenyPatterns,
	})
	if err != nil {
		return fmt.Errorf("building validator: %w", err)
	}

	manager := chat.NewManager(chat.ManagerConfig{
		Streamer:  streamer,
		Validator: validator,
		Limiter:   limiter,
		Logger:    logger.With("component", "chat"),
		Defaults:  sessionOptions(cfg),
	})

	server := api.NewServer(manager, logger.With("component", "api"))

	addr := cfg.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	return server.Run(ctx, addr)
}

// sessionOptions maps file/env configuration onto per-session options.
func sessionOptions(cfg *config.Config) chat.Options {
	params := chat.GenerationParams{
		MaxOutputTokens: int32(cfg.MaxOutputTokens),
	}
	if cfg.Temperature > 0 {
		params.Temperature = genai.Ptr(float32(cfg.Temperature))
	}
	if cfg.TopP > 0 {
		params.TopP = genai.Ptr(float32(cfg.TopP))
	}
	if cfg.TopK > 0 {
		params.TopK = genai.Ptr(float32(cfg.TopK))
	}
	if cfg.ThinkingBudget > 0 {
		params.ThinkingBudget = genai.Ptr(int32(cfg.ThinkingBudget))
	}

	return chat.Options{
		MultiTurn:      cfg.MultiTurn,
		SystemPrompt:   cfg.SystemPrompt,
		AutoRetry:      cfg.AutoRetry,
		MaxHistory:     cfg.MaxHistory,
		RequestTimeout: cfg.RequestTimeout,
		Retry: chat.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Generation: params,
	}
}
