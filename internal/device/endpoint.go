package device

import (
	"context"
	"fmt"
	"math/rand/v2"
	"reflect"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/metrics"
)

// DefaultQueueGroup load-balances requests across endpoint replicas.
const DefaultQueueGroup = "lightbulb-endpoint"

const storeTimeout = 5 * time.Second

// Faults injects misbehaviour into an Endpoint.
type Faults struct {
	// BrokenToggle makes toggle acknowledge without changing status.
	BrokenToggle bool `yaml:"broken_toggle"`

	// DropRate is the probability in [0,1] of swallowing a request without
	// replying, which the caller observes as a timeout.
	DropRate float64 `yaml:"drop_rate"`
}

type handlerFunc func(ctx context.Context, req Request) Response

// Endpoint answers device requests. All four operations route through
// Dispatch; each device's read-modify-write is serialized.
type Endpoint struct {
	nc       *nats.Conn
	store    Store
	prefix   string
	queue    string
	faults   Faults
	log      zerolog.Logger
	random   func() float64
	handlers map[OperationKind]handlerFunc

	locks sync.Map // device id -> *sync.Mutex
	calls [OpUninstall + 1]atomic.Int64

	mu   sync.Mutex
	subs []*nats.Subscription
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithEndpointPrefix overrides the subject namespace.
func WithEndpointPrefix(prefix string) EndpointOption {
	return func(e *Endpoint) {
		e.prefix = prefix
	}
}

// WithQueueGroup overrides the queue group.
func WithQueueGroup(queue string) EndpointOption {
	return func(e *Endpoint) {
		e.queue = queue
	}
}

// WithFaults enables fault injection.
func WithFaults(f Faults) EndpointOption {
	return func(e *Endpoint) {
		e.faults = f
	}
}

// WithEndpointLogger attaches a logger.
func WithEndpointLogger(l zerolog.Logger) EndpointOption {
	return func(e *Endpoint) {
		e.log = l
	}
}

// WithRandom replaces the source used for drop decisions.
func WithRandom(f func() float64) EndpointOption {
	return func(e *Endpoint) {
		e.random = f
	}
}

// NewEndpoint builds an endpoint owning state in store. nc may be nil when
// the endpoint is only driven through Dispatch.
func NewEndpoint(nc *nats.Conn, store Store, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		nc:     nc,
		store:  store,
		prefix: DefaultSubjectPrefix,
		queue:  DefaultQueueGroup,
		log:    zerolog.Nop(),
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.handlers = map[OperationKind]handlerFunc{
		OpInstall:   e.install,
		OpGet:       e.get,
		OpToggle:    e.toggle,
		OpUninstall: e.uninstall,
	}
	return e
}

// Start subscribes to every operation subject.
func (e *Endpoint) Start() error {
	if e.nc == nil {
		return fmt.Errorf("device endpoint: no connection")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kind := range Operations {
		kind := kind
		subject := kind.Subject(e.prefix)
		sub, err := e.nc.QueueSubscribe(subject, e.queue, func(msg *nats.Msg) {
			e.handleMsg(kind, msg)
		})
		if err != nil {
			e.unsubscribeLocked()
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		e.subs = append(e.subs, sub)
	}
	if err := e.nc.Flush(); err != nil {
		e.unsubscribeLocked()
		return fmt.Errorf("flush subscriptions: %w", err)
	}

	e.log.Info().Str("prefix", e.prefix).Str("queue", e.queue).
		Bool("broken_toggle", e.faults.BrokenToggle).Float64("drop_rate", e.faults.DropRate).
		Msg("device endpoint listening")
	return nil
}

// Stop drains the subscriptions, letting in-flight requests finish.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var firstErr error
	for _, sub := range e.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.subs = nil
	return firstErr
}

func (e *Endpoint) unsubscribeLocked() {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
}

// Calls returns how many requests of kind were dispatched.
func (e *Endpoint) Calls(kind OperationKind) int64 {
	if int(kind) <= 0 || int(kind) >= len(e.calls) {
		return 0
	}
	return e.calls[kind].Load()
}

func (e *Endpoint) handleMsg(kind OperationKind, msg *nats.Msg) {
	log := e.log.With().Str("subject", msg.Subject).Logger()

	if e.faults.DropRate > 0 && e.random() < e.faults.DropRate {
		log.Warn().Msg("dropping request")
		return
	}

	var resp Response
	req, err := DecodeRequest(msg.Data)
	if err != nil {
		resp = Fail("", "%v", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		resp = e.Dispatch(ctx, kind, req)
		cancel()
	}

	data, err := EncodeResponse(resp)
	if err != nil {
		log.Error().Err(err).Msg("encode response")
		return
	}
	if err := msg.Respond(data); err != nil {
		log.Error().Err(err).Msg("respond")
	}
}

// Dispatch executes one request against the store.
func (e *Endpoint) Dispatch(ctx context.Context, kind OperationKind, req Request) Response {
	handler, ok := e.handlers[kind]
	if !ok {
		return Fail(req.ID, "unknown operation %s", kind)
	}
	if err := req.Validate(); err != nil {
		return Fail(req.ID, "%v", err)
	}

	e.calls[kind].Add(1)

	lock := e.lockFor(req.ID)
	lock.Lock()
	resp := handler(ctx, req)
	lock.Unlock()

	metrics.DeviceRequests.WithLabelValues(kind.String(), strconv.FormatBool(resp.Success)).Inc()
	e.log.Info().Str("operation", kind.String()).Str("device_id", req.ID).
		Bool("success", resp.Success).Str("error_message", resp.ErrorMessage).Msg("device request handled")
	return resp
}

func (e *Endpoint) lockFor(id string) *sync.Mutex {
	v, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Endpoint) install(ctx context.Context, req Request) Response {
	existing, found, err := e.store.Get(ctx, req.ID)
	if err != nil {
		return Fail(req.ID, "read lightbulb %s: %v", req.ID, err)
	}
	if found {
		// A repeated install with the same context is a replay, not a conflict.
		if sameData(existing.Data, req.Data) {
			return Response{Success: true, ID: req.ID, Data: existing.View()}
		}
		return Fail(req.ID, "lightbulb %s already installed", req.ID)
	}

	rec := Record{ID: req.ID, Data: req.Data, Status: StatusOff}
	if err := e.store.Put(ctx, rec); err != nil {
		return Fail(req.ID, "store lightbulb %s: %v", req.ID, err)
	}
	return Response{Success: true, ID: req.ID, Data: rec.View()}
}

func (e *Endpoint) get(ctx context.Context, req Request) Response {
	rec, found, err := e.store.Get(ctx, req.ID)
	if err != nil {
		return Fail(req.ID, "read lightbulb %s: %v", req.ID, err)
	}
	if !found {
		return Fail(req.ID, "lightbulb %s is not installed", req.ID)
	}
	return Response{Success: true, ID: req.ID, Data: rec.View()}
}

func (e *Endpoint) toggle(ctx context.Context, req Request) Response {
	rec, found, err := e.store.Get(ctx, req.ID)
	if err != nil {
		return Fail(req.ID, "read lightbulb %s: %v", req.ID, err)
	}
	if !found {
		return Fail(req.ID, "lightbulb %s is not installed", req.ID)
	}

	if !e.faults.BrokenToggle {
		rec.Status = rec.Status.Flip()
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return Fail(req.ID, "store lightbulb %s: %v", req.ID, err)
	}
	return Response{Success: true, ID: req.ID, Data: rec.View()}
}

func (e *Endpoint) uninstall(ctx context.Context, req Request) Response {
	if err := e.store.Delete(ctx, req.ID); err != nil {
		return Fail(req.ID, "delete lightbulb %s: %v", req.ID, err)
	}
	return Response{Success: true, ID: req.ID}
}

func sameData(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
