package cli

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/canonical"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/idempotency"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Payload string
	Send    bool
	Key     string
	NoKey   bool
	URL     string
}

// invokeResult is the outcome of one submission.
type invokeResult struct {
	Key    string          `json:"key"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

func (r invokeResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "key:    %s\nstatus: %s", r.Key, r.Status)
	if len(r.Output) > 0 {
		fmt.Fprintf(&b, "\noutput: %s", r.Output)
	}
	return b.String()
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <scope/operation>",
		Short: "Submit a durable call to the ingress",
		Long: `Submit a durable call to the ingress.

The idempotency key is derived from the operation, the payload and the
operation's time window unless --key or --no-key is given. A resubmission
within the window is acknowledged as a duplicate and resolves to the
original result.

Without --send the call waits for the result.`,
		Example: `  bulbflow invoke LightbulbManagementSvc/install_lightbulb --payload '{"id":"bulb-1"}'
  bulbflow invoke LightbulbManagementSvc/toggle_lightbulb --payload '{"id":"bulb-1"}' --send`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvoke(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "request payload as JSON")
	cmd.Flags().BoolVar(&opts.Send, "send", false, "return once accepted instead of waiting for the result")
	cmd.Flags().StringVar(&opts.Key, "key", "", "explicit idempotency key")
	cmd.Flags().BoolVar(&opts.NoKey, "no-key", false, "submit without an idempotency key")
	cmd.Flags().StringVar(&opts.URL, "url", "", "ingress base URL (overrides gateway.base_url)")
	cmd.MarkFlagsMutuallyExclusive("key", "no-key")

	return cmd
}

func runInvoke(cmd *cobra.Command, opts *InvokeOptions, target string) error {
	formatter := opts.formatter(cmd)

	id, err := parseIdentity(target)
	if err != nil {
		return err
	}
	payload, err := canonical.Normalize([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}

	var callOpts []gateway.CallOption
	switch {
	case opts.NoKey:
		callOpts = append(callOpts, gateway.WithoutKey())
	case opts.Key != "":
		key, err := idempotency.ParseKey(opts.Key)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --key", err)
		}
		callOpts = append(callOpts, gateway.WithKey(key))
	}
	if opts.Send {
		callOpts = append(callOpts, gateway.WithMode(gateway.ModeSend))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	gw := newGateway(cfg, cat, log, opts.URL)

	ctx := cmd.Context()
	formatter.VerboseLog("Invoking %s", id)
	ack, err := gw.Invoke(ctx, id, payload, callOpts...)
	if err != nil {
		return fail(formatter, "invoke failed", err)
	}

	result := invokeResult{Key: string(ack.Key), Status: gateway.AckAccepted, Output: ack.Output}
	if ack.Duplicate {
		result.Status = gateway.AckDuplicate
		formatter.VerboseLog("Duplicate of invocation %s", ack.Key)
		if !opts.Send {
			out, err := gw.Await(ctx, id, ack.Key)
			if err != nil {
				return fail(formatter, "invoke failed", err)
			}
			result.Output = out
		}
	}

	return formatter.Success(result)
}

// FetchOptions holds flags for the fetch command.
type FetchOptions struct {
	*RootOptions
	Wait bool
	URL  string
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FetchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "fetch <scope/operation> <key>",
		Short: "Fetch the result of a durable call",
		Long: `Fetch the result of a durable call by its invocation key.

A call that is still running exits with status 1 and reports "pending",
unless --wait is given.`,
		Example:       `  bulbflow fetch LightbulbManagementSvc/toggle_lightbulb 3f5a...`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, opts, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "poll until the call completes")
	cmd.Flags().StringVar(&opts.URL, "url", "", "ingress base URL (overrides gateway.base_url)")

	return cmd
}

func runFetch(cmd *cobra.Command, opts *FetchOptions, target, rawKey string) error {
	formatter := opts.formatter(cmd)

	id, err := parseIdentity(target)
	if err != nil {
		return err
	}
	if rawKey == "" {
		return NewExitError(ExitCommandError, "key is required")
	}
	key := idempotency.Key(rawKey)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	gw := newGateway(cfg, cat, log, opts.URL)

	var out json.RawMessage
	if opts.Wait {
		out, err = gw.Await(cmd.Context(), id, key)
	} else {
		out, err = gw.FetchResult(cmd.Context(), id, key)
	}
	switch {
	case errors.Is(err, gateway.ErrPending):
		return failWith(formatter, "PENDING", fmt.Sprintf("invocation %s is still running", key), err)
	case errors.Is(err, gateway.ErrNotFound):
		return failWith(formatter, "NOT_FOUND", fmt.Sprintf("no invocation under key %s", key), err)
	case err != nil:
		return fail(formatter, "fetch failed", err)
	}

	return formatter.Success(out)
}
