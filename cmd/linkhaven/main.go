package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkhaven/linkhaven/internal/bookmarks"
	"github.com/linkhaven/linkhaven/internal/browser"
	"github.com/linkhaven/linkhaven/internal/cloud"
	"github.com/linkhaven/linkhaven/internal/config"
	"github.com/linkhaven/linkhaven/internal/database"
	"github.com/linkhaven/linkhaven/internal/engine"
	"github.com/linkhaven/linkhaven/internal/logging"
	"github.com/linkhaven/linkhaven/internal/settings"
	"github.com/linkhaven/linkhaven/internal/source"
	"github.com/linkhaven/linkhaven/internal/source/factory"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "linkhaven",
		Short: "Synchronize browser bookmarks with a configured remote source",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newSyncCommand(),
		newWatchCommand(),
		newPushCommand(),
		newPullCommand(),
		newResolveCommand(),
		newStatusCommand(),
		newResetCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("bookmarks-path", defaults.GetString("browser.bookmarks_path"), "Browser bookmarks file path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("interval", defaults.GetDuration("sync.interval"), "Scheduled sync interval")
	cmd.PersistentFlags().String("conflict-policy", defaults.GetString("sync.conflict_policy"), "Conflict policy (newest-wins, merge, manual)")
	cmd.PersistentFlags().String("source-id", "", "Identifier for the configured source")
	cmd.PersistentFlags().String("source-type", defaults.GetString("source.type"), "Source provider (localfile, github, dropbox, gdrive, clouddb)")
	cmd.PersistentFlags().String("source-path", "", "File path for the localfile provider, or remote path for dropbox")
	cmd.PersistentFlags().String("source-owner", "", "Repository owner for the github provider")
	cmd.PersistentFlags().String("source-repo", "", "Repository name for the github provider")
	cmd.PersistentFlags().String("source-branch", defaults.GetString("source.branch"), "Branch for the github provider")
	cmd.PersistentFlags().String("source-file-path", defaults.GetString("source.file_path"), "File path within the repository")
	cmd.PersistentFlags().String("source-token", "", "Access token for github, dropbox, gdrive, or clouddb")
	cmd.PersistentFlags().String("source-file-id", "", "File ID for the gdrive provider")
	cmd.PersistentFlags().String("source-base-url", "", "Service base URL for the clouddb provider")
	cmd.PersistentFlags().String("source-user-id", "", "User ID for the clouddb provider")

	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "browser.bookmarks_path", "bookmarks-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.interval", "interval")
	bindFlag(cmd, "sync.conflict_policy", "conflict-policy")
	bindFlag(cmd, "source.id", "source-id")
	bindFlag(cmd, "source.type", "source-type")
	bindFlag(cmd, "source.path", "source-path")
	bindFlag(cmd, "source.owner", "source-owner")
	bindFlag(cmd, "source.repo", "source-repo")
	bindFlag(cmd, "source.branch", "source-branch")
	bindFlag(cmd, "source.file_path", "source-file-path")
	bindFlag(cmd, "source.token", "source-token")
	bindFlag(cmd, "source.file_id", "source-file-id")
	bindFlag(cmd, "source.base_url", "source-base-url")
	bindFlag(cmd, "source.user_id", "source-user-id")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime bundles the wired client components behind one construction path so
// every subcommand starts from identical state.
type runtime struct {
	cfg      config.ClientConfig
	logger   *zap.Logger
	settings *settings.Store
	browser  *browser.ChromeFile
	engine   *engine.Engine
	sourceID string
	close    func()
}

func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewConsoleLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenClient(cfg.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		sqlDB.Close() //nolint:errcheck
		logger.Sync() //nolint:errcheck
	}

	store, err := settings.NewStore(settings.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		closeAll()
		return nil, err
	}
	deviceID, err := store.DeviceID(ctx)
	if err != nil {
		closeAll()
		return nil, err
	}

	chromeFile, err := browser.NewChromeFile(browser.ChromeFileConfig{Path: cfg.BookmarksPath})
	if err != nil {
		closeAll()
		return nil, err
	}

	policy, err := bookmarks.ParseConflictPolicy(cfg.ConflictPolicy)
	if err != nil {
		closeAll()
		return nil, err
	}

	syncEngine, err := engine.New(engine.Config{
		Browser:  chromeFile,
		Settings: store,
		Policy:   policy,
		Logger:   logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}

	sourceConfig := source.Config{
		ID:       cfg.SourceID,
		Type:     cfg.SourceType,
		UserID:   cfg.UserID,
		DeviceID: deviceID,
		Path:     cfg.SourcePath,
		Owner:    cfg.Owner,
		Repo:     cfg.Repo,
		Branch:   cfg.Branch,
		FilePath: cfg.FilePath,
		Token:    cfg.Token,
		FileID:   cfg.FileID,
		BaseURL:  cfg.BaseURL,
	}
	if sourceConfig.ID == "" {
		sourceConfig.ID = sourceConfig.Type
	}

	adapter, err := factory.New(logger).Build(sourceConfig)
	if err != nil {
		closeAll()
		return nil, err
	}
	syncEngine.AddSource(adapter)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		settings: store,
		browser:  chromeFile,
		engine:   syncEngine,
		sourceID: sourceConfig.ID,
		close:    closeAll,
	}, nil
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle against the configured source",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.engine.Sync(cmd.Context(), rt.sourceID)
			if err != nil {
				return describeSyncError(cmd, err)
			}
			printReport(cmd, report)
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously, on a schedule and on bookmarks file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			watcher, err := browser.NewWatcher(browser.WatcherConfig{
				Path:   rt.cfg.BookmarksPath,
				Logger: rt.logger,
			})
			if err != nil {
				return err
			}
			if err := watcher.Start(); err != nil {
				return err
			}
			defer watcher.Stop() //nolint:errcheck

			scheduler, err := engine.NewScheduler(engine.SchedulerConfig{
				Engine:   rt.engine,
				Interval: rt.cfg.SyncInterval,
				Changes:  watcher.Changes(),
				Logger:   rt.logger,
			})
			if err != nil {
				return err
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			scheduler.Trigger(rt.sourceID)
			err = scheduler.Run(signalCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newPushCommand() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replace the remote bookmark set with the local one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("push overwrites the remote bookmark set, pass --yes to confirm")
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.engine.ForcePush(cmd.Context(), rt.sourceID)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm overwriting the remote bookmark set")
	return cmd
}

func newPullCommand() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Replace the local bookmark set with the remote one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return errors.New("pull overwrites the local bookmark set, pass --yes to confirm")
			}
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.engine.ForcePull(cmd.Context(), rt.sourceID)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm overwriting the local bookmark set")
	return cmd
}

func newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve {local|remote|merge}",
		Short: "Resolve a surfaced conflict by keeping one side or merging both",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			report, err := rt.engine.ResolveManual(cmd.Context(), rt.sourceID, cloud.Resolution(args[0]))
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show device identity and per-source sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			deviceID, err := rt.settings.DeviceID(cmd.Context())
			if err != nil {
				return err
			}
			state, err := rt.settings.SourceState(cmd.Context(), rt.sourceID)
			if err != nil {
				return err
			}
			tombstones, err := rt.settings.Tombstones(cmd.Context())
			if err != nil {
				return err
			}

			cmd.Printf("device:       %s\n", deviceID)
			cmd.Printf("source:       %s (%s)\n", rt.sourceID, rt.cfg.SourceType)
			cmd.Printf("policy:       %s\n", rt.cfg.ConflictPolicy)
			if state.LastSyncAtMillis == 0 {
				cmd.Printf("last sync:    never\n")
			} else {
				cmd.Printf("last sync:    %s\n", time.UnixMilli(state.LastSyncAtMillis).UTC().Format(time.RFC3339))
				cmd.Printf("checksum:     %s\n", state.Checksum)
			}
			cmd.Printf("failures:     %d\n", state.ConsecutiveFailures)
			if state.ConsecutiveFailures >= engine.DefaultFailureThreshold {
				cmd.Printf("paused:       yes (run 'linkhaven reset' to resume)\n")
			}
			cmd.Printf("tombstones:   %d\n", len(tombstones))
			return nil
		},
	}
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear the failure counter so scheduled syncs resume",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.Reset(cmd.Context(), rt.sourceID); err != nil {
				return err
			}
			cmd.Printf("failure counter cleared for %s\n", rt.sourceID)
			return nil
		},
	}
}

func printReport(cmd *cobra.Command, report engine.Report) {
	if report.Coalesced {
		cmd.Printf("%s: a sync was already in flight, request coalesced\n", report.SourceID)
		return
	}
	cmd.Printf("%s: %s", report.SourceID, report.Action)
	if report.Skipped {
		cmd.Printf(" (remote already up to date)")
	}
	if report.Applied > 0 {
		cmd.Printf(", %d local change(s) applied", report.Applied)
	}
	if report.Deleted > 0 {
		cmd.Printf(", %d deletion(s) propagated", report.Deleted)
	}
	cmd.Printf(" in %s\n", report.Duration.Round(time.Millisecond))
}

func describeSyncError(cmd *cobra.Command, err error) error {
	var conflict *engine.ConflictError
	if errors.As(err, &conflict) {
		cmd.Printf("both sides changed since the last sync:\n")
		cmd.Printf("  local:  %d bookmark(s)\n", len(conflict.Local))
		cmd.Printf("  remote: %d bookmark(s)\n", len(conflict.Remote))
		cmd.Printf("run 'linkhaven resolve local', 'linkhaven resolve remote', or 'linkhaven resolve merge'\n")
		return fmt.Errorf("conflict requires resolution")
	}
	return err
}
