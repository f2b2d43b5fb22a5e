package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tair/rxsync/internal/app"
	"github.com/tair/rxsync/internal/config"
	"github.com/tair/rxsync/pkg/logger"
)

// Bootstrap builds the service graph. Replaced in tests.
type Bootstrap func(cfg config.Config) (*app.App, func(), error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	LogLevel string

	bootstrap Bootstrap
	config    func() config.Config
}

// NewRootCommand creates the root command for the rxsync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{bootstrap: app.InitializeApp, config: config.Load})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rxsync",
		Short: "rxsync - pharmacy POS to prescription authority sync",
		Long:  "Records POS sales and authority prescriptions in a local ledger and reconciles them with the national prescription authority.",
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stdout from one-shot commands")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override LOG_LEVEL")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))

	return cmd
}

// load reads configuration and sets up logging. One-shot commands print JSON
// on stdout, so their logs are dropped unless --verbose is given.
func (o *RootOptions) load(quiet bool) config.Config {
	cfg := o.config()
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	logger.Init(cfg.ServiceName, cfg.IsDevelopment())
	logger.SetLevel(cfg.LogLevel)
	if quiet && !o.Verbose {
		logger.Nop()
	}
	return cfg
}

// withApp builds the service graph, runs fn and releases resources.
func (o *RootOptions) withApp(fn func(a *app.App) error) error {
	cfg := o.load(true)
	a, cleanup, err := o.bootstrap(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer cleanup()
	return fn(a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
