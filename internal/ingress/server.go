// Package ingress is the server side of the durable-call protocol.
//
// Each accepted call becomes an invocation row claimed under its
// idempotency key (or run id, for workflows) before any work starts, so a
// key runs its handler at most once. Handlers execute on worker pools with
// a journal-backed durable.Run; service and workflow handlers use separate
// pools so a workflow waiting on service calls never starves them.
//
// Routes:
//
//	POST /:scope/:operation          run and answer 200 with the output
//	POST /:scope/:operation/send     answer 202 and run asynchronously
//	GET  /invocation/:scope/:operation/:key/output
//	GET  /invocation/:scope/:operation/:key/state
//	GET  /healthz, /metrics
package ingress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/archive"
	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/durable"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/store"
)

// Request is what a handler receives.
type Request struct {
	// ID is the invocation id: the idempotency key, or the run id of a
	// workflow.
	ID       string
	Identity idempotency.Identity
	Payload  json.RawMessage

	// Run journals the handler's steps under ID.
	Run *durable.Run
}

// Handler executes one invocation. The returned value is encoded as the
// invocation output.
type Handler func(ctx context.Context, req Request) (any, error)

type registration struct {
	op      catalog.Operation
	handler Handler
}

// Server accepts and executes durable calls.
type Server struct {
	store    *store.Store
	catalog  *catalog.Catalog
	archiver archive.Archiver
	log      zerolog.Logger

	serviceWorkers  int
	workflowWorkers int
	queueSize       int

	mu       sync.RWMutex
	handlers map[idempotency.Identity]registration

	pools  map[catalog.Kind]*pool
	wg     sync.WaitGroup
	router *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithWorkers sets the size of the service and workflow pools.
func WithWorkers(service, workflow int) Option {
	return func(s *Server) {
		s.serviceWorkers = service
		s.workflowWorkers = workflow
	}
}

// WithQueueSize bounds the number of accepted invocations waiting for a
// worker, per pool.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithArchiver archives workflow runs when they reach a terminal status.
func WithArchiver(a archive.Archiver) Option {
	return func(s *Server) {
		s.archiver = a
	}
}

// New builds a server over st. Operations must be listed in cat to be
// registered.
func New(st *store.Store, cat *catalog.Catalog, opts ...Option) *Server {
	s := &Server{
		store:           st,
		catalog:         cat,
		log:             zerolog.Nop(),
		serviceWorkers:  16,
		workflowWorkers: 8,
		queueSize:       256,
		handlers:        make(map[idempotency.Identity]registration),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pools = map[catalog.Kind]*pool{
		catalog.KindService:  newPool(catalog.KindService, s.serviceWorkers, s.queueSize),
		catalog.KindWorkflow: newPool(catalog.KindWorkflow, s.workflowWorkers, s.queueSize),
	}
	s.router = s.routes()
	return s
}

// Register binds h to id.
func (s *Server) Register(id idempotency.Identity, h Handler) error {
	op, ok := s.catalog.Lookup(id)
	if !ok {
		return fmt.Errorf("register %s: not in catalog", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[id]; exists {
		return fmt.Errorf("register %s: already registered", id)
	}
	s.handlers[id] = registration{op: op, handler: h}
	return nil
}

func (s *Server) lookup(id idempotency.Identity) (registration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.handlers[id]
	return reg, ok
}

// Start launches the worker pools and resumes invocations left pending or
// running by a previous process. Workers stop when ctx is done; a handler
// interrupted that way leaves its invocation running for the next Start.
func (s *Server) Start(ctx context.Context) error {
	for _, p := range s.pools {
		for i := 0; i < p.workers; i++ {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				p.work(ctx, s.execute)
			}()
		}
	}
	return s.recover(ctx)
}

// Wait blocks until every worker has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, readTimeout, writeTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("ingress listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("ingress: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingress shutdown: %w", err)
	}
	return nil
}

func (s *Server) recover(ctx context.Context) error {
	incomplete, err := s.store.FindIncomplete(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	for _, inv := range incomplete {
		id := idempotency.Identity{Scope: inv.Scope, Operation: inv.Operation}
		reg, ok := s.lookup(id)
		if !ok {
			s.log.Warn().Str("invocation_id", inv.ID).Str("operation", id.String()).
				Msg("cannot resume invocation of unregistered operation")
			continue
		}
		s.log.Info().Str("invocation_id", inv.ID).Str("operation", id.String()).
			Str("status", string(inv.Status)).Msg("resuming invocation")
		if err := s.pools[reg.op.Kind].submit(ctx, job{inv: inv}); err != nil {
			return fmt.Errorf("recover %s: %w", inv.ID, err)
		}
	}
	return nil
}

// execute runs one invocation to completion.
func (s *Server) execute(ctx context.Context, j job) {
	if j.done != nil {
		defer close(j.done)
	}

	inv := j.inv
	id := idempotency.Identity{Scope: inv.Scope, Operation: inv.Operation}
	log := s.log.With().Str("invocation_id", inv.ID).Str("scope", id.Scope).Str("operation", id.Operation).Logger()

	reg, ok := s.lookup(id)
	if !ok {
		s.complete(ctx, log, inv.ID, nil, fault.Rejected(id.String(), "operation not registered"))
		return
	}

	if _, err := s.store.MarkRunning(ctx, inv.ID); err != nil {
		log.Error().Err(err).Msg("mark running")
		return
	}

	run := durable.NewRun(inv.ID, s.store, durable.WithLogger(log))
	started := time.Now()
	value, err := reg.handler(ctx, Request{
		ID:       inv.ID,
		Identity: id,
		Payload:  json.RawMessage(inv.Payload),
		Run:      run,
	})
	if err != nil && ctx.Err() != nil {
		log.Warn().Err(err).Msg("invocation interrupted, will resume on restart")
		return
	}

	var output []byte
	if err == nil {
		output, err = json.Marshal(value)
		if err != nil {
			err = fault.Encoding(id.String(), err)
		}
	}

	log.Info().Dur("elapsed", time.Since(started)).Bool("failed", err != nil).Msg("invocation finished")
	s.complete(ctx, log, inv.ID, output, err)

	if reg.op.Kind == catalog.KindWorkflow && s.archiver != nil {
		s.archiveRun(ctx, log, inv.ID)
	}
}

func (s *Server) complete(ctx context.Context, log zerolog.Logger, id string, output []byte, err error) {
	if err != nil {
		log.Error().Err(err).Msg("invocation failed")
	}
	if _, cerr := s.store.CompleteInvocation(ctx, id, output, store.FailureOf(err)); cerr != nil {
		log.Error().Err(cerr).Msg("record completion")
	}
}

func (s *Server) archiveRun(ctx context.Context, log zerolog.Logger, id string) {
	snap, found, err := s.store.Snapshot(ctx, id)
	if err != nil || !found {
		log.Error().Err(err).Msg("snapshot run for archive")
		return
	}
	if err := s.archiver.Archive(ctx, snap); err != nil {
		log.Error().Err(err).Msg("archive run")
		return
	}
	log.Debug().Int("steps", len(snap.Steps)).Msg("run archived")
}
