package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/sycmd/internal/config"
	"github.com/dshills/sycmd/internal/ycmd"
)

// Build information set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	flagSettings []string
	flagProject  string
	flagVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "sycmd",
	Short: "sycmd - standalone ycmd client",
	Long: `sycmd manages ycmd semantic-completion servers from the command line.

Each invocation resolves settings, starts (or reuses) a server for the
project root, performs the requested operation, and shuts the server
down. Settings files are JSON and merge left to right, later files
winning on conflicts.

Examples:
  sycmd --settings ~/.sycmd.json complete main.cpp --line 10 --column 7
  sycmd --settings ~/.sycmd.json goto main.cpp --line 10 --column 7
  sycmd --settings ~/.sycmd.json check`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringArrayVarP(&flagSettings, "settings", "s", nil, "settings file (repeatable; later files win)")
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", "", "project root (defaults to the working directory)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(gotoCmd)
	rootCmd.AddCommand(diagCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sycmd %s (commit %s, built %s)\n", version, commit, date)
	},
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sycmd: %v\n", err)
		return 1
	}
	return 0
}

// newLogger builds the CLI logger. Verbose mode switches to development
// output with debug level; otherwise only warnings reach the terminal.
func newLogger() (*zap.SugaredLogger, error) {
	if flagVerbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return log.Sugar(), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	log, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return log.Sugar(), nil
}

// session bundles the pieces every subcommand needs.
type session struct {
	log      *zap.SugaredLogger
	settings *config.Settings
	root     string
	manager  *ycmd.Manager
}

// newSession resolves settings, validates them, and builds a manager.
// The server itself is not started until the subcommand asks for it.
func newSession() (*session, error) {
	log, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	settings, err := resolveSettings(flagSettings)
	if err != nil {
		return nil, err
	}

	root := flagProject
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("determine project root: %w", err)
		}
	}

	manager := ycmd.NewManager(
		ycmd.WithLogger(log),
		ycmd.WithSupervisorCallback(func(ev ycmd.SupervisorEvent) {
			log.Debugw("supervisor event",
				"type", ev.Type.String(),
				"project_root", ev.ProjectRoot,
				"attempt", ev.Attempt)
		}),
	)
	return &session{log: log, settings: settings, root: root, manager: manager}, nil
}

// resolveSettings loads the given settings files, merges them left to
// right, and validates the result. Called once per invocation and again
// by watch mode after a file changes.
func resolveSettings(paths []string) (*config.Settings, error) {
	var layers []map[string]any
	for _, path := range paths {
		layer, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	settings, err := config.Resolve(layers...)
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// server ensures a ready server for the session's project root.
func (s *session) server(ctx context.Context) (*ycmd.Server, error) {
	if _, err := s.manager.EnsureRunning(ctx, s.root, s.settings.StartupConfig()); err != nil {
		return nil, err
	}
	return s.manager.ServerFor(s.root)
}

func (s *session) close(ctx context.Context) {
	if err := s.manager.Shutdown(ctx); err != nil {
		s.log.Warnw("shutdown", "error", err)
	}
	_ = s.log.Sync()
}
