// Package app is the composition layer between the CLI and the engine. It
// constructs every dependency from config and manages their lifecycle.
package app

import (
	"context"
	"fmt"
	"os"

	"docsync/internal/config"
	"docsync/internal/database"
	"docsync/internal/encryption"
	"docsync/internal/engine"
	"docsync/internal/store"
	"docsync/internal/vault"
)

// App wires the engine together from config: metadata database, document
// store, backup vault, encryptor, conflict resolver, executor, and service.
// The caller must call Close when done.
type App struct {
	cfg       *config.Config
	db        engine.Database
	store     engine.Store
	vault     engine.Vault
	encryptor engine.Encryptor
	backups   *engine.BackupManager
	service   *engine.Service
	executor  *engine.Executor
	logger    engine.Logger
	logFile   *os.File
}

// New creates a fully wired App from the given config.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	runID := engine.UUIDGenerator{}.New()[:8]
	slogger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	fail := func(err error) (*App, error) {
		logFile.Close()
		return nil, err
	}

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("creating database: %w", err))
	}
	failDB := func(err error) (*App, error) {
		db.Close()
		return fail(err)
	}

	st, err := store.NewStoreFromConfig(cfg.Store)
	if err != nil {
		return failDB(fmt.Errorf("creating store: %w", err))
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vault)
	if err != nil {
		return failDB(fmt.Errorf("creating vault: %w", err))
	}
	if err := v.ValidateSetup(ctx); err != nil {
		return failDB(fmt.Errorf("validating vault: %w", err))
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return failDB(fmt.Errorf("creating encryptor: %w", err))
	}
	if c, ok := enc.(interface{ IsConfigured() bool }); ok && !c.IsConfigured() {
		return failDB(fmt.Errorf("encryption keys not found; run 'docsync config init' first"))
	}

	selector, err := selectorFromConfig(cfg.Engine)
	if err != nil {
		return failDB(fmt.Errorf("building conflict strategy: %w", err))
	}

	clock := engine.RealClock{}
	idgen := engine.UUIDGenerator{}
	backups := engine.NewBackupManager(db, v, enc, clock, idgen, logger)
	resolver := engine.NewResolver(selector, logger)
	executor := engine.NewExecutor(db, st, backups, resolver, clock, idgen, logger, engine.ExecutorConfig{
		Workers:        cfg.Engine.WorkerWidth,
		MaxRetries:     cfg.Engine.MaxRetries,
		AttemptTimeout: cfg.Engine.AttemptTimeout.Duration,
		StaleAfter:     cfg.Engine.StaleAfter.Duration,
		PollInterval:   cfg.Engine.PollInterval.Duration,
	})
	service := engine.NewService(db, st, backups, clock, idgen, logger)

	return &App{
		cfg:       cfg,
		db:        db,
		store:     st,
		vault:     v,
		encryptor: enc,
		backups:   backups,
		service:   service,
		executor:  executor,
		logger:    logger,
		logFile:   logFile,
	}, nil
}

// selectorFromConfig translates the configured default strategy and per-path
// overrides into a StrategySelector, rejecting unknown strategy names.
func selectorFromConfig(cfg config.EngineConfig) (engine.StrategySelector, error) {
	def := engine.Strategy(cfg.ConflictStrategy)
	if cfg.ConflictStrategy == "" {
		def = engine.StrategyUserChoice
	}
	if !def.Valid() {
		return engine.StrategySelector{}, fmt.Errorf("unknown conflict strategy %q", cfg.ConflictStrategy)
	}
	rules := make([]engine.StrategyRule, 0, len(cfg.StrategyOverrides))
	for _, o := range cfg.StrategyOverrides {
		s := engine.Strategy(o.Strategy)
		if !s.Valid() {
			return engine.StrategySelector{}, fmt.Errorf("unknown conflict strategy %q for pattern %q", o.Strategy, o.Pattern)
		}
		rules = append(rules, engine.StrategyRule{Pattern: o.Pattern, Strategy: s})
	}
	return engine.StrategySelector{Default: def, Rules: rules}, nil
}

// Service returns the engine service for submitting and inspecting operations.
func (a *App) Service() *engine.Service { return a.service }

// Config returns the active configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the shared structured logger.
func (a *App) Logger() engine.Logger { return a.logger }

// Run polls the operation queue until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	return a.executor.Run(ctx)
}

// Drain executes every currently ready operation once and returns how many
// ran. Used by one-shot CLI invocations.
func (a *App) Drain(ctx context.Context) (int, error) {
	return a.executor.Drain(ctx)
}

// BackupDatabase writes a consistent copy of the metadata database to
// destPath. Only file-backed databases support this.
func (a *App) BackupDatabase(destPath string) error {
	b, ok := a.db.(interface{ BackupTo(string) error })
	if !ok {
		return fmt.Errorf("database does not support backups")
	}
	return b.BackupTo(destPath)
}

// Close releases the database and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.db.Close(); err != nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log file: %w", err)
		}
	}
	return firstErr
}
