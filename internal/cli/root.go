// Package cli implements the bulbflow command line: the ingress process,
// the device simulator, and a client for submitting and inspecting
// durable calls.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/config"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // optional YAML file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the bulbflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "bulbflow",
		Short:         "bulbflow - durable lightbulb lifecycle coordinator",
		Long:          "Runs the durable-call ingress and the lightbulb installation workflow, simulates edge devices, and submits or inspects calls.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))
	cmd.AddCommand(NewInvokeCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewWorkflowCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig reads the configuration; --verbose forces debug logging.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Verbose {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (zerolog.Logger, error) {
	log, err := logger.New(cfg.Log)
	if err != nil {
		return zerolog.Nop(), WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	return log, nil
}

func loadCatalog(cfg config.Config) (*catalog.Catalog, error) {
	if cfg.Catalog.Path == "" {
		return catalog.Default(), nil
	}
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load catalog", err)
	}
	return cat, nil
}

// newGateway builds a durable-call client for baseURL, or the configured
// ingress when baseURL is empty.
func newGateway(cfg config.Config, cat *catalog.Catalog, log zerolog.Logger, baseURL string) *gateway.Client {
	if baseURL == "" {
		baseURL = cfg.Gateway.BaseURL
	}
	return gateway.New(strings.TrimRight(baseURL, "/"), cat,
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.Gateway.RequestTimeout}),
		gateway.WithLogger(logger.Component(log, "gateway")),
		gateway.WithCallTimeout(cfg.Gateway.CallTimeout),
		gateway.WithPollInterval(cfg.Gateway.PollInterval, cfg.Gateway.MaxPollInterval),
		gateway.WithResultTTL(cfg.Gateway.ResultTTL),
	)
}

// parseIdentity reads "scope/operation".
func parseIdentity(s string) (idempotency.Identity, error) {
	scope, operation, ok := strings.Cut(s, "/")
	id := idempotency.Identity{Scope: scope, Operation: operation}
	if !ok || strings.Contains(operation, "/") {
		return id, NewExitError(ExitCommandError, fmt.Sprintf("invalid operation %q: want scope/operation", s))
	}
	if err := id.Validate(); err != nil {
		return id, WrapExitError(ExitCommandError, "invalid operation", err)
	}
	return id, nil
}

// Execute runs cmd and returns the process exit code. Failures already
// reported through the output formatter are not printed again.
func Execute(ctx context.Context, cmd *cobra.Command, stderr io.Writer) int {
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		// Flag and argument errors from cobra.
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitCommandError
	}
	if !exitErr.reported {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitErr.Code
}
