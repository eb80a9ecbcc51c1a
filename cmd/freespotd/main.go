// Package main provides the freespot daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"freespot/internal/core"
	httpserver "freespot/internal/http"
	"freespot/internal/player"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "freespotd",
	Short: "Freespot - Spotify Connect controller without the official API",
	Long: `Freespot drives Spotify Connect playback through the web player's own
control plane. It derives access tokens from an sp_dc session cookie,
registers a virtual device on the real-time message bus, mirrors playback
state, and exposes a local HTTP surface for status and commands.`,
	RunE: runFreespot,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("sp-dc", "", "sp_dc session cookie from an open.spotify.com browser session")
	rootCmd.PersistentFlags().String("device-name", "Freespot", "display name of the virtual Connect device")
	rootCmd.PersistentFlags().String("server-host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().Int("max-retries", 3, "attempt ceiling for transient network failures")
	rootCmd.PersistentFlags().Duration("reconnect-delay", 10*time.Second, "base delay before session reconnect")
	rootCmd.PersistentFlags().Duration("session-renewal", time.Hour, "interval for proactive session rebuild")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("FREESPOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.SPDC = viper.GetString("sp-dc")
	if name := viper.GetString("device-name"); name != "" {
		cfg.Spotify.DisplayName = name
	}

	if host := viper.GetString("server-host"); host != "" {
		cfg.Server.Host = host
	}
	if port := viper.GetInt("server-port"); port != 0 {
		cfg.Server.Port = port
	}

	cfg.Log.Level = viper.GetString("log-level")

	if retries := viper.GetInt("max-retries"); retries != 0 {
		cfg.App.MaxRetries = retries
	}
	if delay := viper.GetDuration("reconnect-delay"); delay != 0 {
		cfg.App.ReconnectDelay = delay
	}
	if renewal := viper.GetDuration("session-renewal"); renewal != 0 {
		cfg.App.SessionRenewal = renewal
	}

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runFreespot(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting freespot",
		zap.String("deviceName", config.Spotify.DisplayName))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	p := player.New(config, logger.Named("player"))

	profile, err := p.ValidateCredential(ctx)
	if err != nil {
		return fmt.Errorf("credential validation failed: %w", err)
	}
	logger.Info("Credential validated",
		zap.String("account", profile.DisplayName),
		zap.String("accountID", profile.ID))

	httpServer := httpserver.NewServer(&config.Server, p, logger.Named("http"))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return p.Run(gCtx)
	})

	logger.Info("Freespot started successfully",
		zap.String("httpAddr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("Freespot stopped with error", zap.Error(err))
		return err
	}

	logger.Info("Freespot stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.SPDC == "" {
		return fmt.Errorf("sp_dc cookie is required")
	}
	if config.Spotify.DisplayName == "" {
		return fmt.Errorf("device name must not be empty")
	}
	return nil
}
