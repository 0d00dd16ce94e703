package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netwatch/agent/internal/config"
	"github.com/netwatch/agent/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	envFile    string
	verbose    bool

	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "netwatch-agent",
		Short:         "Endpoint agent for the NetWatch monitoring server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.Name() == "version")
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if opts.log != nil {
				_ = opts.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAgent(cmd.Context(), opts)
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML config file")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newVersionCmd(), newProbeCmd(opts))
	return root
}

// load reads the dotenv file, the config and builds the logger. A missing
// dotenv file is not an error unless it was named explicitly.
func (o *rootOptions) load(skip bool) error {
	if skip {
		return nil
	}
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil && !(errors.Is(err, fs.ErrNotExist) && o.envFile == ".env") {
			return fmt.Errorf("loading %s: %w", o.envFile, err)
		}
	}

	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.File, o.verbose)
	if err != nil {
		return err
	}
	o.cfg, o.log = cfg, log
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func configExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
