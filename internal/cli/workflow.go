package cli

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/lightbulb"
)

// WorkflowOptions holds flags shared by the workflow subcommands.
type WorkflowOptions struct {
	*RootOptions
	URL  string
	Data string
	Wait bool
}

// runStarted reports a workflow submission.
type runStarted struct {
	RunID  string            `json:"run_id"`
	Status string            `json:"status"`
	Result *lightbulb.Result `json:"result,omitempty"`
}

func (r runStarted) String() string {
	s := fmt.Sprintf("run %s %s", r.RunID, r.Status)
	if r.Result != nil {
		s += fmt.Sprintf(": %s, lightbulb %s", r.Result.State, r.Result.Status)
	}
	return s
}

// runStatus is the text rendering of a gateway.RunState.
type runStatus gateway.RunState

func (r runStatus) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run:      %s\n", r.ID)
	fmt.Fprintf(&b, "status:   %s\n", r.Status)
	if state, ok := r.Markers[lightbulb.StatusMarker]; ok {
		fmt.Fprintf(&b, "state:    %s\n", state)
	}
	fmt.Fprintf(&b, "terminal: %t\n", r.Terminal)
	fmt.Fprintf(&b, "archived: %t\n", r.Archived)
	if r.Failure != nil {
		fmt.Fprintf(&b, "failure:  %s\n", r.Failure.Err())
	}
	b.WriteString("steps:")
	for _, step := range r.Steps {
		mark := "ok"
		if step.Failed {
			mark = "failed"
		}
		fmt.Fprintf(&b, "\n  %-16s %-6s attempts=%d", step.Label, mark, step.Attempts)
	}
	return b.String()
}

// NewWorkflowCommand creates the workflow command group.
func NewWorkflowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkflowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start and inspect installation workflow runs",
		Long: `Start and inspect installation workflow runs.

A run is keyed by the lightbulb id: starting the same id again reports
the existing run instead of starting a second one.`,
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", "", "ingress base URL (overrides gateway.base_url)")

	start := &cobra.Command{
		Use:           "start <lightbulb-id>",
		Short:         "Start an installation run",
		Example:       `  bulbflow workflow start bulb-1 --data '{"room":"hall"}' --wait`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowStart(cmd, opts, args[0])
		},
	}
	start.Flags().StringVar(&opts.Data, "data", "", "lightbulb context as a JSON object")
	start.Flags().BoolVar(&opts.Wait, "wait", false, "wait for the run to finish")

	status := &cobra.Command{
		Use:           "status <lightbulb-id>",
		Short:         "Report where a run stands",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflowStatus(cmd, opts, args[0])
		},
	}

	cmd.AddCommand(start, status)
	return cmd
}

func (o *WorkflowOptions) client() (*gateway.Client, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	return newGateway(cfg, cat, log, o.URL), nil
}

func runWorkflowStart(cmd *cobra.Command, opts *WorkflowOptions, id string) error {
	formatter := opts.formatter(cmd)

	req := device.Request{ID: id}
	if opts.Data != "" {
		if err := json.Unmarshal([]byte(opts.Data), &req.Data); err != nil {
			return WrapExitError(ExitCommandError, "invalid --data JSON object", err)
		}
	}
	if err := req.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid lightbulb id", err)
	}

	gw, err := opts.client()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	ack, err := gw.Invoke(ctx, lightbulb.RunOp, req, gateway.WithMode(gateway.ModeSend))
	if err != nil {
		return fail(formatter, "workflow start failed", err)
	}

	started := runStarted{RunID: string(ack.Key), Status: gateway.AckAccepted}
	if ack.Duplicate {
		started.Status = gateway.AckDuplicate
	}

	if opts.Wait {
		formatter.VerboseLog("Waiting for run %s", ack.Key)
		out, err := gw.Await(ctx, lightbulb.RunOp, ack.Key)
		if err != nil {
			return fail(formatter, "workflow failed", err)
		}
		var result lightbulb.Result
		if err := json.Unmarshal(out, &result); err != nil {
			return fail(formatter, "workflow failed", fmt.Errorf("malformed result: %w", err))
		}
		started.Result = &result
	}

	return formatter.Success(started)
}

func runWorkflowStatus(cmd *cobra.Command, opts *WorkflowOptions, id string) error {
	formatter := opts.formatter(cmd)

	gw, err := opts.client()
	if err != nil {
		return err
	}

	state, err := gw.State(cmd.Context(), lightbulb.RunOp, idempotency.Key(id))
	if errors.Is(err, gateway.ErrNotFound) {
		return failWith(formatter, "NOT_FOUND", fmt.Sprintf("no run for lightbulb %s", id), err)
	}
	if err != nil {
		return fail(formatter, "workflow status failed", err)
	}

	return formatter.Success(runStatus(state))
}
