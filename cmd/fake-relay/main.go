// ABOUTME: Development relay server for running swapchat clients locally
// ABOUTME: Verifies HS256 tokens, routes frames between connected users and exposes metrics

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
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/swapchat/internal/auth"
	"github.com/2389/swapchat/internal/config"
	"github.com/2389/swapchat/internal/relay"
)

const banner = `
    ╭──────────────────────────────╮
    │                              │
    │     swapchat  fake-relay     │
    │                              │
    ╰──────────────────────────────╯
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (optional)")
	addr := flag.String("addr", "", "listen address (overrides server.listen_addr)")
	secret := flag.String("secret", "", "HS256 secret (overrides auth.jwt_secret)")
	silent := flag.Bool("no-pong", false, "do not answer pings, to exercise client heartbeat timeouts")
	issue := flag.String("issue", "", "comma separated user ids to print tokens for at startup")
	frameRate := flag.Float64("rate", relay.DefaultFrameRate, "inbound frames per second allowed per connection")
	flag.Parse()

	// Optional; lets SWAPCHAT_* variables referenced by the config live in .env.
	_ = godotenv.Load(".env")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config from %s: %w", *configPath, err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.ListenAddr = *addr
	}
	if *secret != "" {
		cfg.Auth.JWTSecret = *secret
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("a token secret is required (-secret or auth.jwt_secret)")
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	logger := setupLogger(cfg.Logging.Level)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	pongs := !*silent
	srv, err := relay.New(relay.Options{
		Identity:       verifier,
		Logger:         logger,
		RespondToPings: &pongs,
		FrameRate:      *frameRate,
	})
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}
	defer srv.Close()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Handle("/ws", srv)
	r.Handle(cfg.Metrics.Path, promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok online=%s\n", strings.Join(srv.Online(), ","))
	})

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Listen:  ws://%s/ws\n", cfg.Server.ListenAddr)
	green.Print("    ▶ ")
	fmt.Printf("Metrics: http://%s%s\n", cfg.Server.ListenAddr, cfg.Metrics.Path)
	if !pongs {
		yellow := color.New(color.FgYellow)
		yellow.Print("    ▶ ")
		fmt.Println("Pings:   ignored")
	}
	fmt.Println()

	if *issue != "" {
		for _, user := range strings.Split(*issue, ",") {
			user = strings.TrimSpace(user)
			if user == "" {
				continue
			}
			token, err := verifier.Issue(user, 24*time.Hour)
			if err != nil {
				return fmt.Errorf("issuing token for %s: %w", user, err)
			}
			fmt.Printf("%s %s\n", color.CyanString(user), token)
		}
		fmt.Println()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Server.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
