package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sqlchat/sqlchat/internal/cli/sqlchatctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("SQLCHAT_CLI_TIMEOUT")), 60*time.Second)
	options := sqlchatctl.Options{
		BaseURL: envOr("SQLCHAT_API_URL", "http://localhost:8000"),
		APIKey:  strings.TrimSpace(os.Getenv("SQLCHAT_API_KEY")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := sqlchatctl.Run(context.Background(), os.Args[1:], options)
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid SQLCHAT_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
