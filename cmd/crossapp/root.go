package main

import (
	"github.com/spf13/cobra"

	"github.com/aesyros/align/internal/config"
	"github.com/aesyros/align/internal/logging"
)

// options are the flags shared by every subcommand.
type options struct {
	configPath string
	envFile    string
	app        string
}

// load reads the configuration and applies the --app override.
func (o *options) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return nil, err
	}
	if o.app != "" {
		cfg.App = o.app
	}
	return cfg, nil
}

func (o *options) logger(cfg *config.Config) *logging.Logger {
	return logging.New("crossapp", cfg.Log.Level, cfg.Log.Format)
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "crossapp",
		Short:         "Cross-app shared state and notification sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", "crossapp.yaml", "YAML configuration file (skipped when missing)")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file (skipped when missing)")
	f.StringVar(&opts.app, "app", "", "hosting application, overrides CROSSAPP_APP")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newNotifyCommand(opts),
	)
	return root
}
