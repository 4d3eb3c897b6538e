package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carescribe/internal/config"
	"carescribe/internal/logging"
)

var version = "dev"

type globalOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "carescribe",
		Short: "Carescribe - voice capture for care records",
		Long: `Carescribe listens to a care conversation, keeps an editable transcript
and fills the record's form fields from it while you talk.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the environment")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newFormsCommand(opts))
	return cmd
}

func (o *globalOptions) load() (config.Config, zerolog.Logger, error) {
	var loadOpts []config.Option
	if o.configFile != "" {
		loadOpts = append(loadOpts, config.WithConfigFile(o.configFile))
	}
	if o.envFile != "" {
		loadOpts = append(loadOpts, config.WithEnvFile(o.envFile))
	}
	cfg, err := config.Load(loadOpts...)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func execute() error {
	return newRootCommand().Execute()
}
