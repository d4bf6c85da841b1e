package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/app"
	"github.com/ent0n29/agentbridge/internal/config"
	"github.com/ent0n29/agentbridge/internal/observability"
)

var runFlags struct {
	configFile    string
	serverURL     string
	token         string
	testMode      bool
	bindAddr      string
	captureSource string
	playback      string
	logLevel      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the bridge and join the configured session",
	Long: `Load configuration from the environment (and AGENT_CONFIG_FILE), apply
flag overrides and serve the HTTP surface. With --test-mode a scripted demo
agent is used; with --server-url and --token the bridge connects on start.
Without either it stays idle until POST /v1/session/connect.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if runFlags.configFile != "" {
			if err := os.Setenv("AGENT_CONFIG_FILE", runFlags.configFile); err != nil {
				return err
			}
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		applyRunFlags(cmd, &cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config error: %w", err)
		}

		logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		if cfg.ConfigFile != "" {
			logger.Info("config file applied", zap.String("path", cfg.ConfigFile))
		}

		res, err := app.Build(cfg, nil, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx, res)
	},
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("server-url") {
		cfg.ServerURL = runFlags.serverURL
	}
	if flags.Changed("token") {
		cfg.Token = runFlags.token
	}
	if flags.Changed("test-mode") {
		cfg.TestMode = runFlags.testMode
	}
	if flags.Changed("bind") {
		cfg.BindAddr = runFlags.bindAddr
	}
	if flags.Changed("capture-source") {
		cfg.CaptureSource = runFlags.captureSource
	}
	if flags.Changed("playback") {
		cfg.PlaybackOutput = runFlags.playback
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = runFlags.logLevel
	}
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.configFile, "config", "", "YAML config file (overrides AGENT_CONFIG_FILE)")
	f.StringVar(&runFlags.serverURL, "server-url", "", "room server URL (AGENT_SERVER_URL)")
	f.StringVar(&runFlags.token, "token", "", "access token (AGENT_TOKEN)")
	f.BoolVar(&runFlags.testMode, "test-mode", false, "use the scripted demo agent (AGENT_TEST_MODE)")
	f.StringVar(&runFlags.bindAddr, "bind", "", "HTTP listen address (APP_BIND_ADDR)")
	f.StringVar(&runFlags.captureSource, "capture-source", "", "silence|tone:<hz>|pcm:<path>@<rate>|wav:<path>|stdin@<rate> (AUDIO_CAPTURE_SOURCE)")
	f.StringVar(&runFlags.playback, "playback", "", "discard|pcm:<dir>|wav:<dir> (AUDIO_PLAYBACK_OUTPUT)")
	f.StringVar(&runFlags.logLevel, "log-level", "", "debug|info|warn|error (APP_LOG_LEVEL)")
}
