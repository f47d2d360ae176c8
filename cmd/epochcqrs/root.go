package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/epochcqrs/internal/boundedcontext"
	"github.com/snehjoshi/epochcqrs/internal/config"
)

// errNotLocal is returned when the configured backend keeps nothing on disk.
var errNotLocal = errors.New("inspection needs the local storage backend (set storage.backend or --data-dir)")

// app is the state shared by every subcommand.
type app struct {
	configPath string
	dataDir    string
	output     string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "epochcqrs",
		Short:         "Inspect and repair the inbox of a bounded context",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	cmd.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "storage directory; implies the local backend")
	cmd.PersistentFlags().StringVarP(&a.output, "output", "o", "yaml", "output format: yaml or json")

	cmd.AddCommand(newInboxCmd(a), newTenantsCmd(a), newConfigCmd(a))
	return cmd
}

func (a *app) load(logOut io.Writer) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.dataDir != "" {
		cfg.Storage.Backend = config.BackendLocal
		cfg.Storage.DataDir = a.dataDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if a.output != "yaml" && a.output != "json" {
		return fmt.Errorf("unknown output format %q", a.output)
	}
	a.cfg = cfg
	a.logger = newLogger(logOut, cfg.Log)
	slog.SetDefault(a.logger)
	return nil
}

// openStore opens the on-disk storage. The caller closes it.
func (a *app) openStore() (boundedcontext.Store, error) {
	if a.cfg.Storage.Backend != config.BackendLocal {
		return nil, errNotLocal
	}
	return boundedcontext.OpenStore(a.cfg.Storage)
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
