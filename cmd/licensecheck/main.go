// Command licensecheck verifies the installed license once and prints the
// status as JSON. It is configured entirely through LICENSEKIT_* variables
// and exits 1 when the license is not usable.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"licensekit/internal/app"
	"licensekit/internal/config"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(2)
	}

	os.Exit(run(ctx, cfg, os.Stdout))
}

// run returns the process exit code.
func run(ctx context.Context, cfg *config.Config, out io.Writer, opts ...app.Option) int {
	application, err := app.NewApplication(cfg, opts...)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		return 2
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Close(shutdownCtx); err != nil {
			application.Logger.Warn("Shutdown incomplete", slog.String("error", err.Error()))
		}
	}()

	status, checkErr := application.Check(ctx)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write status: %v\n", err)
		return 2
	}

	if checkErr != nil {
		application.Logger.Warn("License check failed",
			slog.String("status", string(status.Status)),
			slog.String("error_code", status.ErrorCode),
			slog.String("error", checkErr.Error()))
		return 1
	}
	application.Logger.Info("License check passed",
		slog.String("license_type", status.LicenseType),
		slog.Int("current_tier", status.CurrentTier))
	return 0
}
