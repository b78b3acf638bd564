package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/nodemanager/pkg/app"
	"github.com/cuemby/nodemanager/pkg/config"
	"github.com/cuemby/nodemanager/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// exitError carries a process exit code out of a command
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if e, ok := err.(exitError); ok {
			os.Exit(e.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "node-manager",
	Short: "Node health manager for inference engine replicas",
	Long: `node-manager supervises the inference engine replicas of one host.

It polls every engine's running status, reports the node state to the
cluster controller, executes the controller's recovery commands and
escalates unrecoverable faults.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"node-manager version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("install-path", "", "Install root (defaults to $"+config.EnvInstallPath+")")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON")

	runCmd.Flags().String("role", "mixed", "Engine role (prefill, decode, mixed)")
	runCmd.Flags().Int("replicas", 0, "Engine replicas to supervise (defaults to the number of engine configs)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging(cmd *cobra.Command) {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOut, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: jsonOut,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	installPath, _ := cmd.Flags().GetString("install-path")
	cfg, err := config.Load(config.Options{InstallPath: installPath})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node manager",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		logger := log.WithComponent("main")

		role, _ := cmd.Flags().GetString("role")
		replicas, _ := cmd.Flags().GetInt("replicas")
		if replicas < 0 {
			return fmt.Errorf("--replicas must not be negative")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			logger.Error().Err(err).Msg("Startup failed")
			return exitError{code: 1}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, app.Options{
			Role:     role,
			Replicas: replicas,
			Version:  Version,
		})
		if err != nil {
			logger.Error().Err(err).Msg("Startup failed")
			return exitError{code: 1}
		}

		logger.Info().
			Str("version", Version).
			Str("role", role).
			Str("install_path", cfg.InstallPath).
			Msg("Starting node manager")

		if code := a.Run(ctx); code != 0 {
			return exitError{code: code}
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the node manager configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		initLogging(cmd)
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "node-manager version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
