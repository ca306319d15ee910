package lightbulb

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/durable"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/ingress"
	"github.com/roach88/bulbflow/internal/metrics"
)

// WorkflowScope addresses the installation workflow.
const WorkflowScope = "InstallationWorkflow"

// RunOp starts an installation run keyed by the device id.
var RunOp = idempotency.Identity{Scope: WorkflowScope, Operation: "run"}

// StatusMarker names the durable marker holding the workflow state.
const StatusMarker = "installation_status"

// Workflow states.
const (
	StateStarted       = "started"
	StateInstalled     = "installed"
	StateStatusFetched = "status_fetched"
	StateToggled       = "toggled"
	StateCompleted     = "completed"
	StateCompensating  = "compensating"
	StateFailed        = "failed"
)

// Workflow events.
const (
	EventInstall    = "install"
	EventFetch      = "fetch_status"
	EventToggle     = "toggle"
	EventComplete   = "complete"
	EventCompensate = "compensate"
	EventFail       = "fail"
)

// Step labels recorded by a workflow run.
const (
	StepInstall       = "install"
	StepGetStatus     = "get-status"
	StepToggle        = "toggle"
	StepUninstall     = "uninstall"
	StepRestoreToggle = "restore-toggle"
)

// rank orders states along the run so a resumed run can tell which
// transitions it already made. The two terminal branches share a rank.
var rank = map[string]int{
	StateStarted:       0,
	StateInstalled:     1,
	StateStatusFetched: 2,
	StateToggled:       3,
	StateCompleted:     4,
	StateCompensating:  4,
	StateFailed:        5,
}

// Caller submits a service call and waits for its output. *gateway.Client
// implements it.
type Caller interface {
	Call(ctx context.Context, id idempotency.Identity, payload any, opts ...gateway.CallOption) (json.RawMessage, error)
}

// Result is the output of a completed run.
type Result struct {
	ID     string        `json:"id"`
	State  string        `json:"state"`
	Status device.Status `json:"status"`
}

// Workflow runs the installation lifecycle of one lightbulb:
//
//	started -> installed -> status_fetched -> toggled -> completed
//	                                                  \-> compensating -> failed
//
// Each service call is a journaled step keyed by run and step, so a
// resumed run replays the calls it already made. The state marker is
// written after every transition.
type Workflow struct {
	caller      Caller
	catalog     *catalog.Catalog
	log         zerolog.Logger
	stepTimeout time.Duration
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithWorkflowLogger attaches a logger.
func WithWorkflowLogger(l zerolog.Logger) WorkflowOption {
	return func(w *Workflow) {
		w.log = l
	}
}

// WithStepTimeout bounds one attempt of a workflow step, including the
// wait for the service result.
func WithStepTimeout(d time.Duration) WorkflowOption {
	return func(w *Workflow) {
		w.stepTimeout = d
	}
}

// NewWorkflow builds the workflow over caller. Step attempt budgets come
// from the catalog entry of the service operation each step calls.
func NewWorkflow(caller Caller, cat *catalog.Catalog, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		caller:      caller,
		catalog:     cat,
		log:         zerolog.Nop(),
		stepTimeout: 90 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds the workflow on srv.
func (w *Workflow) Register(srv *ingress.Server) error {
	return srv.Register(RunOp, w.Run)
}

func newMachine(log zerolog.Logger) *fsm.FSM {
	active := []string{StateStarted, StateInstalled, StateStatusFetched, StateToggled, StateCompensating}
	return fsm.NewFSM(
		StateStarted,
		fsm.Events{
			{Name: EventInstall, Src: []string{StateStarted}, Dst: StateInstalled},
			{Name: EventFetch, Src: []string{StateInstalled}, Dst: StateStatusFetched},
			{Name: EventToggle, Src: []string{StateStatusFetched}, Dst: StateToggled},
			{Name: EventComplete, Src: []string{StateToggled}, Dst: StateCompleted},
			{Name: EventCompensate, Src: []string{StateToggled}, Dst: StateCompensating},
			{Name: EventFail, Src: active, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debug().Str("event", e.Event).Str("from", e.Src).Str("to", e.Dst).Msg("workflow transition")
			},
		},
	)
}

// runState drives one run's machine and mirrors it to the journal.
type runState struct {
	run     *durable.Run
	machine *fsm.FSM
}

// advance fires event unless the run already reached target.
func (s *runState) advance(ctx context.Context, event, target string) error {
	if rank[s.machine.Current()] >= rank[target] {
		return nil
	}
	if err := s.machine.Event(ctx, event); err != nil {
		return fmt.Errorf("workflow %s: %w", event, err)
	}
	return s.run.SetMarker(ctx, StatusMarker, target)
}

// Run executes or resumes the run for the device named in the payload.
func (w *Workflow) Run(ctx context.Context, req ingress.Request) (any, error) {
	in, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}

	run := req.Run
	log := run.Logger().With().Str("device_id", in.ID).Logger()
	st := &runState{run: run, machine: newMachine(log)}

	marker, found, err := run.Marker(ctx, StatusMarker)
	if err != nil {
		return nil, err
	}
	if found {
		st.machine.SetState(marker)
		log.Info().Str("state", marker).Msg("resuming workflow run")
	} else if err := run.SetMarker(ctx, StatusMarker, StateStarted); err != nil {
		return nil, err
	}

	result, err := w.execute(ctx, st, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if ferr := st.advance(ctx, EventFail, StateFailed); ferr != nil {
			log.Error().Err(ferr).Msg("record failed state")
		}
		metrics.WorkflowRuns.WithLabelValues(StateFailed).Inc()
		log.Error().Err(err).Msg("workflow failed")
		return nil, err
	}

	metrics.WorkflowRuns.WithLabelValues(StateCompleted).Inc()
	log.Info().Str("status", string(result.Status)).Msg("workflow completed")
	return result, nil
}

func (w *Workflow) execute(ctx context.Context, st *runState, in device.Request) (Result, error) {
	if _, err := w.step(ctx, st.run, StepInstall, InstallOp, in); err != nil {
		return Result{}, err
	}
	if err := st.advance(ctx, EventInstall, StateInstalled); err != nil {
		return Result{}, err
	}

	target := device.Request{ID: in.ID}
	fetched, err := w.step(ctx, st.run, StepGetStatus, GetOp, target)
	if err != nil {
		return Result{}, err
	}
	before, err := statusOf(StepGetStatus, fetched)
	if err != nil {
		return Result{}, err
	}
	if err := st.advance(ctx, EventFetch, StateStatusFetched); err != nil {
		return Result{}, err
	}

	toggled, err := w.step(ctx, st.run, StepToggle, ToggleOp, target)
	if err != nil {
		return Result{}, err
	}
	after, err := statusOf(StepToggle, toggled)
	if err != nil {
		return Result{}, err
	}
	if err := st.advance(ctx, EventToggle, StateToggled); err != nil {
		return Result{}, err
	}

	if before == after {
		return Result{}, w.compensate(ctx, st, target, before)
	}

	restored, err := w.step(ctx, st.run, StepRestoreToggle, ToggleOp, target)
	if err != nil {
		return Result{}, err
	}
	final, err := statusOf(StepRestoreToggle, restored)
	if err != nil {
		return Result{}, err
	}
	if err := st.advance(ctx, EventComplete, StateCompleted); err != nil {
		return Result{}, err
	}
	return Result{ID: in.ID, State: StateCompleted, Status: final}, nil
}

// compensate uninstalls the device after a toggle that left its status
// unchanged. It always returns the invariant violation.
func (w *Workflow) compensate(ctx context.Context, st *runState, target device.Request, status device.Status) error {
	violation := fault.Invariant(StepToggle, fmt.Sprintf("toggle did not change status (still %s)", status))
	st.run.Logger().Warn().Str("status", string(status)).Msg("toggle had no effect, compensating")

	if err := st.advance(ctx, EventCompensate, StateCompensating); err != nil {
		return errors.Join(violation, err)
	}
	if _, err := w.step(ctx, st.run, StepUninstall, UninstallOp, target); err != nil {
		if ctx.Err() != nil {
			return err
		}
		return errors.Join(violation, fmt.Errorf("compensation: %w", err))
	}
	return violation
}

// stepKey is the key payload of a workflow step. Keying by run and step
// lets a retried step find the invocation its earlier attempt created.
type stepKey struct {
	Run  string         `json:"run"`
	Step string         `json:"step"`
	Body device.Request `json:"body"`
}

func (w *Workflow) step(ctx context.Context, run *durable.Run, label string, op idempotency.Identity, body device.Request) (device.Response, error) {
	policy := w.catalog.MustLookup(op).Policy.WithAttemptTimeout(w.stepTimeout)
	key := gateway.WithKeyPayload(stepKey{Run: run.ID(), Step: label, Body: body})

	return durable.RunStep(ctx, run, label, policy, func(ctx context.Context) (device.Response, error) {
		out, err := w.caller.Call(ctx, op, body, key)
		if err != nil {
			return device.Response{}, err
		}
		var resp device.Response
		if err := json.Unmarshal(out, &resp); err != nil {
			return device.Response{}, fault.Rejected(op.String(), fmt.Sprintf("malformed output: %v", err))
		}
		return resp, nil
	})
}

func statusOf(step string, resp device.Response) (device.Status, error) {
	status, ok := resp.Status()
	if !ok {
		return "", fault.Rejected(step, "device reply carries no status")
	}
	return status, nil
}
