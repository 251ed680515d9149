package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/app"
	"docsync/internal/config"
	"docsync/internal/encryption"
	"docsync/internal/engine"
	"docsync/internal/watch"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and wires the engine. The caller must defer a.Close().
func newApp(ctx context.Context) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "docsync",
	Short: "Local-first document synchronization engine",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		enc := encryption.NewAgeEncryptor(cfg.Encryption)
		if !enc.IsConfigured() {
			if err := enc.Setup(); err != nil {
				return fmt.Errorf("generating encryption keys: %w", err)
			}
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir:   %s\n", defaults["base_dir"])
		fmt.Printf("Public Key: %s\n", cfg.Encryption.PublicKeyPath)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("reading config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Database:      %s (%s)\n", cfg.Database.Type, cfg.Database.DataDir)
		fmt.Printf("Store:         %s (%s)\n", cfg.Store.Type, cfg.Store.Root)
		fmt.Printf("Vault:         %s\n", cfg.Vault.Type)
		fmt.Printf("Strategy:      %s\n", cfg.Engine.ConflictStrategy)
		for _, o := range cfg.Engine.StrategyOverrides {
			fmt.Printf("  %-12s -> %s\n", o.Pattern, o.Strategy)
		}
		fmt.Printf("Watch:         enabled=%v debounce=%s\n", cfg.Watch.Enabled, cfg.Watch.Debounce.Duration)
		return nil
	},
}

// submit command
var submitCmd = &cobra.Command{
	Use:   "submit KIND PATH",
	Short: "Queue an operation (create, update, delete, move)",
	Long: `Queue an operation for asynchronous execution.

Content for create and update is read from --file, or from stdin when
--file is omitted. Move requires --dest.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := engine.OperationKind(args[0])
		path := args[1]
		file, _ := cmd.Flags().GetString("file")
		dest, _ := cmd.Flags().GetString("dest")

		var content []byte
		var err error
		switch kind {
		case engine.KindCreate, engine.KindUpdate:
			if file != "" {
				content, err = os.ReadFile(file)
			} else {
				content, err = io.ReadAll(os.Stdin)
			}
			if err != nil {
				return fmt.Errorf("reading content: %w", err)
			}
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := a.Service().Submit(ctx, engine.SubmitRequest{
			Kind:     kind,
			Path:     path,
			Content:  content,
			DestPath: dest,
		})
		if err != nil {
			return fmt.Errorf("submitting: %w", err)
		}
		fmt.Printf("Queued %s\n", id)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status [OP_ID]",
	Short: "View queue status or a single operation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(args) == 1 {
			op, err := a.Service().GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s  %s\n", op.ID, op.Kind, op.Path)
			fmt.Printf("Status:    %s\n", op.Status)
			fmt.Printf("Submitted: %s\n", op.SubmittedAt.Format(time.RFC3339))
			if op.RetryCount > 0 {
				fmt.Printf("Attempts:  %d\n", op.RetryCount+1)
			}
			if op.LastError != "" {
				fmt.Printf("Last err:  %s\n", op.LastError)
			}
			return nil
		}

		st, err := a.Service().ListSyncStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending=%d executing=%d paused=%d completed=%d failed=%d\n",
			st.Pending, st.Executing, st.Paused, st.Completed, st.Failed)
		if len(st.Conflicts) > 0 {
			fmt.Printf("\n%d open conflict(s); run 'docsync conflicts' for details\n", len(st.Conflicts))
		}
		return nil
	},
}

// conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List open conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Service().ListSyncStatus(ctx)
		if err != nil {
			return err
		}
		if len(st.Conflicts) == 0 {
			fmt.Println("No open conflicts.")
			return nil
		}
		for _, c := range st.Conflicts {
			fmt.Printf("%s  %-30s  %s  detected %s\n",
				c.ID, c.Path, c.Strategy, c.DetectedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  local:  %s\n", shortHash(c.Local.Hash))
			fmt.Printf("  remote: %s\n", shortHash(c.Remote.Hash))
		}
		return nil
	},
}

// resolve command
var resolveCmd = &cobra.Command{
	Use:   "resolve CONFLICT_ID",
	Short: "Resolve a conflict with chosen content",
	Long: `Resolve an open conflict. Pick a side with --local or --remote, supply
replacement content with --file, or remove the document with --delete.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useLocal, _ := cmd.Flags().GetBool("local")
		useRemote, _ := cmd.Flags().GetBool("remote")
		useDelete, _ := cmd.Flags().GetBool("delete")
		file, _ := cmd.Flags().GetString("file")

		picked := 0
		for _, b := range []bool{useLocal, useRemote, useDelete, file != ""} {
			if b {
				picked++
			}
		}
		if picked != 1 {
			return fmt.Errorf("pick exactly one of --local, --remote, --delete, or --file")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var chosen []byte
		switch {
		case useLocal, useRemote:
			c, err := a.Service().GetConflict(ctx, args[0])
			if err != nil {
				return err
			}
			if useLocal {
				chosen = c.Local.Content
			} else {
				chosen = c.Remote.Content
			}
			if chosen == nil {
				chosen = []byte{}
			}
		case file != "":
			chosen, err = os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading content: %w", err)
			}
		case useDelete:
			chosen = nil
		}

		id, err := a.Service().ResolveConflict(ctx, args[0], chosen)
		if err != nil {
			return fmt.Errorf("resolving: %w", err)
		}
		fmt.Printf("Queued resolution %s\n", id)
		return nil
	},
}

// retry command
var retryCmd = &cobra.Command{
	Use:   "retry [OP_ID]",
	Short: "Requeue failed operations",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		n, err := a.Service().RetryFailed(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d operation(s)\n", n)
		return nil
	},
}

// cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel OP_ID",
	Short: "Cancel a pending operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Service().Cancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

// run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute queued operations",
	Long: `Run the executor until interrupted. With --once, execute everything
currently ready and exit. The filesystem watcher starts when enabled in
config or forced with --watch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")
		forceWatch, _ := cmd.Flags().GetBool("watch")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if once {
			n, err := a.Drain(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Executed %d operation(s)\n", n)
			return nil
		}

		cfg := a.Config()
		if forceWatch || cfg.Watch.Enabled {
			if cfg.Store.Type != "filesystem" {
				return fmt.Errorf("watching requires a filesystem store")
			}
			w, err := watch.New(cfg.Store.Root, a.Service(), cfg.Watch.Debounce.Duration, a.Logger())
			if err != nil {
				return fmt.Errorf("creating watcher: %w", err)
			}
			go w.Run(ctx)
		}

		err = a.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View the sync log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Service().History(ctx, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sync activity recorded.")
			return nil
		}
		for _, e := range entries {
			details := ""
			if e.Details != "" {
				details = "  " + e.Details
			}
			fmt.Printf("%s  %-8s  %-20s  %s%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.OpType, e.Outcome, e.Path, details)
		}
		return nil
	},
}

// backups command
var backupsCmd = &cobra.Command{
	Use:   "backups PATH",
	Short: "List backups for a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		backups, err := a.Service().Backups(ctx, args[0])
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups.")
			return nil
		}
		for _, b := range backups {
			fmt.Printf("%s  %s  %-15s  %d bytes\n",
				b.BackupPath, b.CreatedAt.Format("2006-01-02 15:04:05"), b.Reason, b.Size)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore BACKUP_PATH",
	Short: "Recover backup content",
	Long: `Fetch and verify a backup by its backup path (as printed by
'docsync backups') and write the content to --out, or stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		content, err := a.Service().RestoreBackup(ctx, args[0])
		if err != nil {
			return err
		}
		if out == "" {
			_, err = os.Stdout.Write(content)
			return err
		}
		if err := os.WriteFile(out, content, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", out, err)
		}
		fmt.Printf("Restored %d bytes to %s\n", len(content), out)
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply backup retention and clear old finished operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		opsOlder, _ := cmd.Flags().GetDuration("ops-older-than")

		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.Config()
		removed, err := a.Service().PruneBackups(ctx, engine.RetentionPolicy{
			MaxAge:     cfg.Backups.MaxAge.Duration,
			MaxPerPath: cfg.Backups.MaxPerPath,
		})
		if err != nil {
			return fmt.Errorf("pruning backups: %w", err)
		}

		cleared, err := a.Service().PruneOperations(ctx, opsOlder)
		if err != nil {
			return fmt.Errorf("pruning operations: %w", err)
		}

		fmt.Printf("Pruned %d backup(s), cleared %d operation(s)\n", removed, cleared)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the metadata database",
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup DEST",
	Short: "Write a consistent copy of the metadata database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BackupDatabase(args[0]); err != nil {
			return err
		}
		fmt.Printf("Database backed up to %s\n", args[0])
		return nil
	},
}

func shortHash(h string) string {
	if h == "" {
		return "(absent)"
	}
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	rootCmd.AddCommand(configCmd)

	submitCmd.Flags().StringP("file", "f", "", "Read content from file instead of stdin")
	submitCmd.Flags().StringP("dest", "d", "", "Destination path for move")
	rootCmd.AddCommand(submitCmd)

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(conflictsCmd)

	resolveCmd.Flags().Bool("local", false, "Keep the local (queued) version")
	resolveCmd.Flags().Bool("remote", false, "Keep the remote (store) version")
	resolveCmd.Flags().Bool("delete", false, "Remove the document")
	resolveCmd.Flags().StringP("file", "f", "", "Read replacement content from file")
	rootCmd.AddCommand(resolveCmd)

	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(cancelCmd)

	runCmd.Flags().Bool("once", false, "Execute ready operations and exit")
	runCmd.Flags().Bool("watch", false, "Watch the document tree for local edits")
	rootCmd.AddCommand(runCmd)

	logCmd.Flags().IntP("limit", "n", 50, "Maximum number of entries to show")
	rootCmd.AddCommand(logCmd)

	rootCmd.AddCommand(backupsCmd)

	restoreCmd.Flags().StringP("out", "o", "", "Write content to file instead of stdout")
	rootCmd.AddCommand(restoreCmd)

	pruneCmd.Flags().Duration("ops-older-than", 720*time.Hour, "Clear finished operations older than this")
	rootCmd.AddCommand(pruneCmd)

	dbCmd.AddCommand(dbBackupCmd)
	rootCmd.AddCommand(dbCmd)
}
