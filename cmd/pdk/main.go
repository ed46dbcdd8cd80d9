package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/nebula-pdk/pkg/config"
	"github.com/ajitpratap0/nebula-pdk/pkg/logger"

	// Register the compiled-in connectors
	_ "github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/kafka"
	_ "github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/memory"
	_ "github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/mongodb"
	_ "github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/mysql"
	_ "github.com/ajitpratap0/nebula-pdk/pkg/connector/connectors/postgres"
)

var version = "0.1.0"

// options shared by every command
type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
	cfg        *config.RuntimeConfig
}

func main() {
	err := newRootCommand().Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "pdk",
		Short: "pdk - pluggable data replication runtime",
		Long: `pdk loads connector bundles, runs replication flows between them and
checks connectors against conformance suites.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init()
		},
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Path to the runtime configuration YAML file")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		newVersionCommand(),
		newListCommand(opts),
		newRunCommand(opts),
		newTestConnectionCommand(opts),
		newPredictCommand(opts),
		newTDDCommand(opts),
	)
	return root
}

func (o *globalOptions) init() error {
	if o.envFile != "" {
		// a missing .env is normal
		if err := godotenv.Load(o.envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", o.envFile, err)
		}
	}
	cfg, err := config.LoadRuntime(o.configFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg
	if err := logger.Init(cfg.Log); err != nil {
		return err
	}
	// the logger may have been created with defaults before Init
	return logger.SetLevel(cfg.Log.Level)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pdk v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
