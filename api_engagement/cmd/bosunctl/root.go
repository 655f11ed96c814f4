package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"vibeslop/api_engagement/internal/queue"
	"vibeslop/api_engagement/internal/settings"
	"vibeslop/pkg/config"
	"vibeslop/pkg/database"
	"vibeslop/pkg/logging"
	"vibeslop/pkg/redis"
)

// app holds the connections a command needs. They open lazily so commands
// such as profiles and version work without a database.
type app struct {
	logger    logging.Logger
	settings  func() (settings.Settings, error)
	openDB    func(ctx context.Context) (*sql.DB, error)
	openQueue func(ctx context.Context) (*queue.Queue, error)

	output  string
	closers []func() error
}

func newApp() *app {
	logger := logging.NewLoggerWithService("bosunctl")
	config.LoadEnv(logger)

	a := &app{logger: logger, settings: settings.Load}
	a.openDB = func(ctx context.Context) (*sql.DB, error) {
		s, err := a.settings()
		if err != nil {
			return nil, err
		}
		if s.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is not set")
		}
		cfg := database.DefaultConfig()
		cfg.URL = s.DatabaseURL
		db, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		return db, nil
	}
	a.openQueue = func(ctx context.Context) (*queue.Queue, error) {
		s, err := a.settings()
		if err != nil {
			return nil, err
		}
		client, err := redis.NewUniversalClient(ctx, s.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return queue.New(client, s.QueueName), nil
	}
	return a
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "bosunctl",
		Short:         "Operate the Bosun engagement engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.output, "output", "text", "output format: json|text")

	rootCmd.AddCommand(newScheduleCmd(a))
	rootCmd.AddCommand(newExecuteCmd(a))
	rootCmd.AddCommand(newResetUsageCmd(a))
	rootCmd.AddCommand(newProfilesCmd(a))
	rootCmd.AddCommand(newCurateCmd(a))
	rootCmd.AddCommand(newEntriesCmd(a))
	rootCmd.AddCommand(newQueueCmd(a))
	rootCmd.AddCommand(newMigrateCmd(a))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// close releases whatever connections the command opened.
func (a *app) close() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}

// emit writes v as indented JSON when --output=json, otherwise calls text.
func (a *app) emit(w io.Writer, v any, text func()) error {
	if a.output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
