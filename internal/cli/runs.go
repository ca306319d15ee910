package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Limit int
	DSN   string
}

type runRow struct {
	ID        string         `json:"id"`
	Operation string         `json:"operation"`
	Status    store.Status   `json:"status"`
	Archived  bool           `json:"archived"`
	Failure   *store.Failure `json:"failure,omitempty"`
}

type runList []runRow

func (l runList) String() string {
	if len(l) == 0 {
		return "no invocations"
	}
	var b strings.Builder
	for i, r := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%-64s  %-40s  %-9s", r.ID, r.Operation, r.Status)
		if r.Archived {
			b.WriteString("  archived")
		}
		if r.Failure != nil {
			fmt.Fprintf(&b, "  %s", r.Failure.Err())
		}
	}
	return b.String()
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent invocations from the journal",
		Long: `List the most recent invocations recorded in the journal, newest
first. Reads the journal directly; the ingress does not need to run.`,
		Example:       `  bulbflow runs --limit 20 --dsn bulbflow.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, opts)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of invocations")
	cmd.Flags().StringVar(&opts.DSN, "dsn", "", "journal DSN (overrides store.dsn)")

	return cmd
}

func runRuns(cmd *cobra.Command, opts *RunsOptions) error {
	formatter := opts.formatter(cmd)

	if opts.Limit < 1 {
		return NewExitError(ExitCommandError, "--limit must be at least 1")
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	dsn := cfg.Store.DSN
	if opts.DSN != "" {
		dsn = opts.DSN
	}

	formatter.VerboseLog("Opening journal %s", dsn)
	st, err := store.Open(dsn)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	invs, err := st.ListInvocations(cmd.Context(), opts.Limit)
	if err != nil {
		return fail(formatter, "failed to list invocations", err)
	}

	rows := make(runList, 0, len(invs))
	for _, inv := range invs {
		rows = append(rows, runRow{
			ID:        inv.ID,
			Operation: inv.Scope + "/" + inv.Operation,
			Status:    inv.Status,
			Archived:  inv.Archived,
			Failure:   inv.Failure,
		})
	}
	return formatter.Success(rows)
}
