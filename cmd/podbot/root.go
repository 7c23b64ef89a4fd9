package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/bdobrica/podbot/internal/podbot/api"
	"github.com/bdobrica/podbot/internal/podbot/app"
	"github.com/bdobrica/podbot/internal/podbot/config"
)

// opener builds the conversation service for the terminal commands. The
// returned func releases it.
type opener func(ctx context.Context, opts globalOptions) (api.Service, func() error, error)

type globalOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd(open opener) *cobra.Command {
	var opts globalOptions
	rootCmd := &cobra.Command{
		Use:           "podbot",
		Short:         "PodBot: a podcast recommendation assistant",
		Long:          "PodBot blends your conversation transcript with the memory server's working and long-term memory and asks a language model for podcast recommendations.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	rootCmd.AddCommand(
		newServeCmd(&opts),
		newSessionsCmd(&opts, open),
		newChatCmd(&opts, open),
		newMemoriesCmd(&opts, open),
		newVersionCmd(),
	)
	return rootCmd
}

// openApp is the production opener: it loads the config, wires the app and
// waits for its backends.
func openApp(ctx context.Context, opts globalOptions) (api.Service, func() error, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if !opts.verbose {
		cfg.Log.Level = "warn"
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := a.WaitForBackends(ctx); err != nil {
		a.Close()
		return nil, nil, err
	}
	return a.Orchestrator(), a.Close, nil
}

// withService opens the service for the duration of fn.
func withService(cmd *cobra.Command, opts *globalOptions, open opener, fn func(api.Service) error) error {
	svc, closeFn, err := open(cmd.Context(), *opts)
	if err != nil {
		return err
	}
	defer closeFn() //nolint:errcheck
	return fn(svc)
}
