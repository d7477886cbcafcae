// Package cmd implements the agentbus CLI.
package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/agentbus/internal/config"
	"github.com/zjrosen/agentbus/internal/engine"
	"github.com/zjrosen/agentbus/internal/log"
	"github.com/zjrosen/agentbus/internal/tracing"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	tracerProvider *tracing.Provider
	closeLog       func()
)

var rootCmd = &cobra.Command{
	Use:   "agentbus",
	Short: "A durable message bus and job board for multi-agent coordination",
	Long: `agentbus coordinates concurrent worker agents through a durable,
SQLite-backed message queue, a claimable job board, and structured votes,
all rooted at <project>/.claude/.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .agentbus/config.yaml, then ~/.config/agentbus/config.yaml)")
	rootCmd.PersistentFlags().StringP("root", "r", "",
		"project root holding the .claude/ coordination tree")
	rootCmd.PersistentFlags().StringP("agent", "a", "",
		"agent identity for this invocation")
	rootCmd.PersistentFlags().Bool("debug", false,
		"write a debug log under .claude/")

	_ = viper.BindPFlag("project_root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("project_root", defaults.ProjectRoot)
	viper.SetDefault("agent", defaults.Agent)
	viper.SetDefault("poll.response_initial", defaults.Poll.ResponseInitial)
	viper.SetDefault("poll.response_max", defaults.Poll.ResponseMax)
	viper.SetDefault("poll.batch_initial", defaults.Poll.BatchInitial)
	viper.SetDefault("poll.batch_max", defaults.Poll.BatchMax)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if path := config.ResolveConfigPath("."); path != "" {
		viper.SetConfigFile(path)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine; defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "warning: reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// setup initializes the debug log and tracing before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	if cfg.Debug || os.Getenv("AGENTBUS_DEBUG") != "" {
		path := cfg.DebugLogPath
		if path == "" {
			path = filepath.Join(cfg.ProjectRoot, ".claude", "agentbus-debug.log")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
			if cleanup, err := log.Init(path); err == nil {
				closeLog = cleanup
			}
		}
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	tracerProvider = provider
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if tracerProvider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(ctx)
	}
	if closeLog != nil {
		closeLog()
	}
}

// withEngine opens the engine for the configured project root, runs fn,
// and closes it.
func withEngine(fn func(ctx context.Context, e *engine.Engine) error) error {
	eng, _, err := engine.New(cfg.ProjectRoot)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()
	return fn(context.Background(), eng)
}

// agentID returns the acting agent for this invocation.
func agentID() string {
	if cfg.Agent != "" {
		return cfg.Agent
	}
	return "system"
}
