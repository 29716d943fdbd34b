// ABOUTME: Entry point for the swapchat terminal client
// ABOUTME: Wires config, storage, transport and session, then runs an interactive prompt

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/swapchat/internal/auth"
	"github.com/2389/swapchat/internal/blocks"
	"github.com/2389/swapchat/internal/config"
	"github.com/2389/swapchat/internal/conversation"
	"github.com/2389/swapchat/internal/dedupe"
	"github.com/2389/swapchat/internal/session"
	"github.com/2389/swapchat/internal/store"
	"github.com/2389/swapchat/internal/transport"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                   _           _
  _____      ____ _ _ __   ___| |__   __ _| |_
 / __\ \ /\ / / _' | '_ \ / __| '_ \ / _' | __|
 \__ \\ V  V / (_| | |_) | (__| | | | (_| | |_
 |___/ \_/\_/ \__,_| .__/ \___|_| |_|\__,_|\__|
                   |_|
`

// getConfigPath returns the path to the client config file.
// Priority: -config flag > SWAPCHAT_CONFIG env var > XDG_CONFIG_HOME/swapchat/config.yaml > ~/.config/swapchat/config.yaml
func getConfigPath(flagPath string) (string, bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if envPath := os.Getenv("SWAPCHAT_CONFIG"); envPath != "" {
		return envPath, true
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml", false // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "swapchat", "config.yaml"), false
}

// loadConfig reads the config file. A missing file at the default location
// means defaults; a missing file the user named is an error.
func loadConfig(flagPath string) (*config.Config, string, error) {
	path, explicit := getConfigPath(flagPath)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// expandHome resolves a leading ~ in storage paths.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func main() {
	cmd := "chat"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	// Optional; config files may reference ${SWAPCHAT_TOKEN} and friends.
	_ = godotenv.Load(".env")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "chat":
		err = runChat(ctx, args)
	case "token":
		err = runToken(args)
	case "version":
		fmt.Println(version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: swapchat [command] [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  chat [-config PATH] [-token TOKEN]   Start the interactive client (default)")
	fmt.Println("  token -user ID [-ttl 24h]            Issue a development token signed with auth.jwt_secret")
	fmt.Println("  version                              Print the version")
}

func runChat(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	tokenFlag := fs.String("token", "", "bearer token (overrides auth.token)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Server:  %s\n", cfg.Server.URL)
	green.Print("    ▶ ")
	fmt.Printf("Storage: %s\n", cfg.Storage.Driver)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics: http://%s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}
	fmt.Println()

	persist, err := store.Open(ctx, store.Options{
		Driver: cfg.Storage.Driver,
		Path:   expandHome(cfg.Storage.Path),
		URL:    cfg.Storage.URL,
	})
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", cfg.Storage.Driver, err)
	}
	defer persist.Close()

	if cfg.Metrics.Enabled {
		srv := startMetrics(cfg.Metrics, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	tc, err := transport.New(transport.Options{
		URL:          cfg.Server.URL,
		BaseDelay:    cfg.Transport.BaseDelay,
		MaxDelay:     cfg.Transport.MaxDelay,
		Factor:       cfg.Transport.BackoffFactor,
		MaxAttempts:  cfg.Transport.MaxAttempts,
		SettleDelay:  cfg.Transport.SettleDelay,
		PingInterval: cfg.Transport.PingInterval,
		PongTimeout:  cfg.Transport.PongTimeout,
		DialTimeout:  cfg.Transport.DialTimeout,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	defer tc.Close()

	registry := blocks.New(persist, logger)
	convo := conversation.New(conversation.Options{Blocks: registry, Persist: persist, Logger: logger})
	defer convo.Close()
	window := dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize)
	defer window.Close()

	sess, err := session.New(session.Options{
		Transport: tc,
		Store:     convo,
		Blocks:    registry,
		Identity:  auth.NewResolver(cfg.Auth.JWTSecret),
		Dedupe:    window,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		if err := sess.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("session stopped", "error", err)
		}
	}()

	token := cfg.Auth.Token
	if *tokenFlag != "" {
		token = *tokenFlag
	}
	if token != "" {
		if err := sess.SetToken(ctx, token); err != nil {
			return fmt.Errorf("signing in: %w", err)
		}
	}

	r := newREPL(sess, convo, registry, os.Stdin, os.Stdout)
	go r.watch(runCtx)
	return r.run(runCtx)
}

func startMetrics(cfg config.MetricsConfig, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", cfg.Addr, "error", err)
		}
	}()
	return srv
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configFlag := fs.String("config", "", "path to config file")
	user := fs.String("user", "", "user id to put in the token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	userID := strings.TrimSpace(*user)
	if userID == "" {
		return fmt.Errorf("-user is required")
	}

	cfg, configPath, err := loadConfig(*configFlag)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Issue(userID, *ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	fmt.Println(token)
	return nil
}
