// credvault serves the vault over MCP stdio. The master key arrives only via
// the CREDVAULT_MASTER_KEY environment variable (64 hex characters) and is
// never written anywhere.
//
// Usage:
//
//	credvault                serve MCP on stdio
//	credvault rekey          re-encrypt everything under CREDVAULT_NEW_MASTER_KEY
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rendis/credvault/internal/access"
	"github.com/rendis/credvault/internal/audit"
	"github.com/rendis/credvault/internal/crypto"
	"github.com/rendis/credvault/internal/logging"
	"github.com/rendis/credvault/internal/scheduler"
	"github.com/rendis/credvault/internal/store"
	"github.com/rendis/credvault/internal/validation"
	"github.com/rendis/credvault/internal/vault"
	"github.com/rendis/credvault/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "credvault:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	engine, err := crypto.NewEngineFromHex(os.Getenv("CREDVAULT_MASTER_KEY"))
	if err != nil {
		return fmt.Errorf("CREDVAULT_MASTER_KEY: %w", err)
	}

	if err := os.MkdirAll(credvaultDir(), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "rekey" {
		return runReKey(ctx, cfg, s, engine, logger)
	}

	trail := audit.New(s, logger)
	ctrl := access.New(s, trail, logger)
	creds := vault.New(s, engine, ctrl, trail, logger)
	if err := creds.RegisterKey(ctx); err != nil {
		return fmt.Errorf("register encryption key: %w", err)
	}

	validator, err := validation.NewValueValidator()
	if err != nil {
		return fmt.Errorf("compile value schemas: %w", err)
	}

	sched := scheduler.New(logger)
	if err := sched.Register("expired-policy-sweep", cfg.PolicySweepCron, ctrl.CleanupExpired); err != nil {
		return err
	}
	if err := sched.Register("audit-retention", cfg.AuditSweepCron, func(ctx context.Context) (int64, error) {
		return trail.CleanupOld(ctx, cfg.AuditRetentionDays)
	}); err != nil {
		return err
	}
	if err := sched.Register("vacuum", cfg.VacuumCron, func(ctx context.Context) (int64, error) {
		return 0, s.Vacuum(ctx)
	}); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := mcp.NewVaultServer(mcp.VaultServerDeps{
		Credentials: creds,
		Access:      ctrl,
		Trail:       trail,
		Validator:   validator,
		Store:       s,
		Logger:      logger,
	})

	logger.Info("credvault serving on stdio", slog.String("db", cfg.DBPath))
	return srv.Serve(ctx)
}

// runReKey converts every credential to the key in CREDVAULT_NEW_MASTER_KEY,
// then exits. Resumable: a partial run reports a cursor, and re-running picks
// up the unconverted remainder automatically.
func runReKey(ctx context.Context, cfg Config, s store.Store, oldEngine *crypto.Engine, logger *slog.Logger) error {
	newEngine, err := crypto.NewEngineFromHex(os.Getenv("CREDVAULT_NEW_MASTER_KEY"))
	if err != nil {
		return fmt.Errorf("CREDVAULT_NEW_MASTER_KEY: %w", err)
	}

	rk := vault.NewReKeyer(s, oldEngine, newEngine, cfg.ReKeyBatchSize, logger)
	result, err := rk.Run(ctx, "")
	if err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	if result.Failed > 0 {
		return fmt.Errorf("rekey incomplete: %d converted, %d failed (last cursor %s)",
			result.ReKeyed, result.Failed, result.Cursor)
	}

	logger.Info("rekey complete", slog.Int("rekeyed", result.ReKeyed))
	return nil
}

// newLogger builds the process logger: JSON on stderr (stdout belongs to the
// MCP transport), with correlation IDs injected from request contexts.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(logging.NewCorrelationHandler(inner))
	slog.SetDefault(logger)
	return logger
}
