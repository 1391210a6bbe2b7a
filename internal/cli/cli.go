// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command tree and service wiring for convobuddy.
//
// Every command shares one App, opened on first use and closed when the
// command returns. Opening runs the startup sequence: config, logger,
// store, provider migration, then the stores and the protocol adapter.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/convobuddy/internal/backend"
	"github.com/jeranaias/convobuddy/internal/config"
	"github.com/jeranaias/convobuddy/internal/logging"
	"github.com/jeranaias/convobuddy/internal/provider"
	"github.com/jeranaias/convobuddy/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// GLOBAL FLAGS
// =============================================================================

// GlobalFlags are the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	JSON       bool
}

// =============================================================================
// APP
// =============================================================================

// App holds the services wired at startup.
type App struct {
	Config    *config.Config
	Log       *logrus.Logger
	KV        storage.KV
	Chats     *storage.ChatStore
	Providers *provider.Store
	Backend   *backend.Adapter

	// Migration is the result of the startup migration.
	Migration provider.MigrationResult

	closeLog func() error
}

// Open loads configuration and wires every service. Flags override the
// config file and environment.
func Open(ctx context.Context, flags GlobalFlags, stderr io.Writer) (*App, error) {
	cfg, err := loadConfig(flags, stderr)
	if err != nil {
		return nil, err
	}

	log, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.LogPath(),
		Output: stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	kv, err := storage.Open(cfg.Storage.Backend, cfg.StorePath(), log)
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open store: %w", err)
	}

	if w, ok := kv.(storage.Watcher); ok && cfg.Storage.Watch {
		if err := w.Watch(ctx); err != nil {
			log.WithError(err).Warn("STORE_WATCH_FAILED")
		}
	}

	result, err := provider.Migrate(kv, log)
	if err != nil {
		_ = kv.Close()
		_ = closeLog()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	app := &App{
		Config:    cfg,
		Log:       log,
		KV:        kv,
		Chats:     storage.NewChatStore(kv, storage.WithChatLogger(log)),
		Providers: provider.NewStore(kv, log),
		Backend: backend.New(backend.Config{
			Timeout:        cfg.HTTP.Timeout.Duration,
			ConnectTimeout: cfg.HTTP.ConnectTimeout.Duration,
		}, log),
		Migration: result,
		closeLog:  closeLog,
	}

	log.WithFields(logrus.Fields{
		"backend": cfg.Storage.Backend,
		"store":   cfg.StorePath(),
		"version": Version,
	}).Debug("APP_STARTED")
	return app, nil
}

// Close releases the store and the log file.
func (a *App) Close() error {
	err := a.KV.Close()
	if a.closeLog != nil {
		err = errors.Join(err, a.closeLog())
	}
	return err
}

func loadConfig(flags GlobalFlags, stderr io.Writer) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if flags.ConfigPath != "" {
		cfg, err = config.LoadFromPath(flags.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg, err = config.Load()
		if cfg == nil {
			return nil, err
		}
		if err != nil {
			fmt.Fprintf(stderr, "%s %v (using defaults)\n", WarningStyle.Render("Warning:"), err)
		}
	}

	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// COMMAND TREE
// =============================================================================

// root carries the flags and the lazily opened App through the command tree.
type root struct {
	flags GlobalFlags
	app   *App
}

// App opens the services on first use.
func (r *root) App(cmd *cobra.Command) (*App, error) {
	if r.app != nil {
		return r.app, nil
	}
	app, err := Open(cmd.Context(), r.flags, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	r.app = app
	return app, nil
}

func (r *root) close() {
	if r.app != nil {
		if err := r.app.Close(); err != nil {
			r.app.Log.WithError(err).Warn("APP_CLOSE_FAILED")
		}
		r.app = nil
	}
}

// NewRootCommand builds the convobuddy command tree. The returned cleanup
// closes the App if a command opened it.
func NewRootCommand() (*cobra.Command, func()) {
	r := &root{}

	cmd := &cobra.Command{
		Use:   "convobuddy",
		Short: "Chat with local LLM servers from the terminal",
		Long: `convobuddy talks to local LLM servers (Ollama, LM Studio, llama.cpp,
Docker Model Runner or any OpenAI-compatible endpoint), streams replies
and keeps your chat history on disk.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&r.flags.ConfigPath, "config", "", "config file (default ~/.convobuddy/config.toml)")
	pf.StringVar(&r.flags.DataDir, "data-dir", "", "directory for the store and history")
	pf.StringVar(&r.flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.BoolVar(&r.flags.JSON, "json", false, "machine-readable output where supported")

	cmd.AddCommand(
		newChatCommand(r),
		newAskCommand(r),
		newProvidersCommand(r),
		newModelsCommand(r),
		newChatsCommand(r),
		newImageCommand(r),
		newMigrateCommand(r),
		newConfigCommand(r),
	)
	return cmd, r.close
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, cleanup := NewRootCommand()
	defer cleanup()

	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	ran, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if jsonMode, _ := cmd.PersistentFlags().GetBool("json"); jsonMode {
			name := strings.TrimPrefix(ran.CommandPath(), cmd.Name()+" ")
			_ = NewJSONErrorResponse(name, err).Print(stdout)
		}
	}
	return err
}

// Main is the process entry point. It returns the exit code.
func Main() int {
	if err := Execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("Error:"), err)
		return 1
	}
	return 0
}
