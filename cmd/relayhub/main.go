package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/relaydraft/internal/relayhub"
)

func main() {
	issueFor := flag.String("issue-token", "", "print a signed token for this subject and exit")
	scopes := flag.String("scopes", "channels:read,channels:write,entities:write", "comma separated scopes for -issue-token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime for -issue-token")
	flag.Parse()

	cfg := serverConfigFromEnv()
	if subject := strings.TrimSpace(*issueFor); subject != "" {
		if cfg.JWTSecret == "" {
			log.Fatalf("RELAYHUB_JWT_SECRET is required to issue tokens")
		}
		token, err := relayhub.IssueToken(cfg.JWTSecret, subject, splitList(*scopes), time.Now().Add(*ttl))
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	addr := envOrDefault("RELAYHUB_ADDR", ":8080")
	if cfg.JWTSecret == "" {
		log.Printf("RELAYHUB_JWT_SECRET is empty, authentication is disabled")
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           relayhub.NewServerWithConfig(cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	errCh := make(chan error, 1)
	go func() {
		log.Printf("relayhub listening on %s", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
		log.Printf("relayhub stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("RELAYHUB_SHUTDOWN_TIMEOUT", 10*time.Second))
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}
}

func serverConfigFromEnv() relayhub.ServerConfig {
	return relayhub.ServerConfig{
		JWTSecret:       os.Getenv("RELAYHUB_JWT_SECRET"),
		RateLimitMax:    intEnv("RELAYHUB_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("RELAYHUB_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("RELAYHUB_MAX_BODY_BYTES", 0),
		AllowOrigins:    splitList(os.Getenv("RELAYHUB_ALLOW_ORIGINS")),
		Logger:          log.Default(),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
