package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/canonical"
	"github.com/roach88/bulbflow/internal/idempotency"
)

// KeyOptions holds flags for the key command.
type KeyOptions struct {
	*RootOptions
	Payload string
	At      string
}

type keyInfo struct {
	Key       string `json:"key"`
	Operation string `json:"operation"`
	Window    string `json:"window"`
	Bucket    *int64 `json:"bucket,omitempty"`
}

func (k keyInfo) String() string {
	return k.Key
}

// NewKeyCommand creates the key command.
func NewKeyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "key <scope/operation>",
		Short: "Print the idempotency key of a call",
		Long: `Print the idempotency key the gateway would attach to a call.

The key covers the operation, the canonical payload and the time bucket
of the operation's window at --at (default now).`,
		Example:       `  bulbflow key LightbulbManagementSvc/toggle_lightbulb --payload '{"id":"bulb-1"}' --at 2026-01-01T00:00:10Z`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKey(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "request payload as JSON")
	cmd.Flags().StringVar(&opts.At, "at", "", "derive at this RFC 3339 time instead of now")

	return cmd
}

func runKey(cmd *cobra.Command, opts *KeyOptions, target string) error {
	formatter := opts.formatter(cmd)

	id, err := parseIdentity(target)
	if err != nil {
		return err
	}
	payload, err := canonical.Normalize([]byte(opts.Payload))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload JSON", err)
	}

	now := time.Now()
	if opts.At != "" {
		if now, err = time.Parse(time.RFC3339Nano, opts.At); err != nil {
			return WrapExitError(ExitCommandError, "invalid --at", err)
		}
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	op, ok := cat.Lookup(id)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown operation %s", id))
	}
	if !op.AttachKey {
		return NewExitError(ExitCommandError, fmt.Sprintf("%s is keyed by its run id, not a derived key", id))
	}

	key, err := idempotency.Derive(id, payload, op.Window, now)
	if err != nil {
		return fail(formatter, "key derivation failed", err)
	}

	info := keyInfo{Key: string(key), Operation: id.String(), Window: op.Window.String()}
	if b, ok := idempotency.Bucket(now, op.Window); ok {
		info.Bucket = &b
	}
	return formatter.Success(info)
}
