package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/config"
	"github.com/zj591227045/WXAUTO-MGT-sub001/internal/orchestrator"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "wxauto-mgt",
		Short:         "WeChat automation orchestrator",
		Long:          "Polls WeChat automation daemons, routes messages through delivery rules to AI and accounting platforms, and sends the replies back.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("wxauto-mgt %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "generate-config",
		Short: "Print an example config file",
		Run: func(*cobra.Command, []string) {
			fmt.Print(exampleConfig)
		},
	})

	return root
}

func run(ctx context.Context, configPath string) error {
	// Optional .env next to the binary; config values reference its
	// variables through ${VAR} expansion.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	ring := orchestrator.NewErrRing()
	log := newLogger(cfg.Log, ring)
	log.Info("wxauto-mgt starting",
		"version", version, "commit", commit, "build_date", buildDate,
		"instances", len(cfg.Instances))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A second signal kills the process instead of waiting out the
	// graceful shutdown.
	go func() {
		<-ctx.Done()
		stop()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Error("forced shutdown")
		os.Exit(1)
	}()

	sup := orchestrator.NewSupervisor(cfg, version, ring, orchestrator.NewMetrics(), log)
	if err := sup.Run(ctx); err != nil {
		log.Error("pipeline failed", "error", err)
		return err
	}
	log.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig, ring *orchestrator.ErrRing) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(orchestrator.WrapHandler(handler, ring))
}

const exampleConfig = `# wxauto-mgt configuration
# Values support ${VAR} expansion from the environment (.env is loaded).

log:
  level: info     # debug / info / warn / error
  format: text    # text / json

data_dir: ./data

status_server:
  enabled: true
  listen: ":9100"

pipeline:
  poll_interval_seconds: 5
  timeout_minutes: 30
  max_listeners: 30
  delivery_workers: 4
  merge_window_ms: 1500
  platform_call_timeout_seconds: 60
  accounting_call_timeout_seconds: 30
  conversation_purge_days: 30
  typing_chunk_size: 5
  typing_chunk_delay_ms: 150

send_rate:
  per_minute: 20
  burst: 5

instances:
  - id: main
    name: Main WeChat
    base_url: http://127.0.0.1:5000
    api_key: ${WXAUTO_API_KEY}
    enabled: true

fixed_listeners:
  - session_name: 运营群
    enabled: true
    description: always watched

platforms:
  - id: dify-main
    name: Dify assistant
    type: dify
    enabled: true
    config:
      api_base: https://api.dify.ai/v1
      api_key: ${DIFY_API_KEY}

  - id: bookkeeper
    name: Accounting
    type: zhiweijz
    enabled: true
    config:
      server_url: http://127.0.0.1:3000
      username: ${ZHIWEIJZ_USER}
      password: ${ZHIWEIJZ_PASS}
      account_book_id: "1"

rules:
  - id: 1
    name: accounting group
    chat_pattern: 记账群
    platform_id: bookkeeper
    priority: 100
    enabled: true

  - id: 2
    name: everything else
    chat_pattern: "*"
    platform_id: dify-main
    priority: 0
    enabled: true
    only_at_messages: true
    at_name: 助手
    reply_at_sender: true
`
