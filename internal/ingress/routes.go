package ingress

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/metrics"
	"github.com/roach88/bulbflow/internal/store"
)

const (
	maxBodySize  = 1 << 20
	maxKeyLength = 128
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/invocation/:scope/:operation/:key/output", s.handleOutput)
	r.GET("/invocation/:scope/:operation/:key/state", s.handleState)

	r.POST("/:scope/:operation", s.handleSubmit)
	r.POST("/:scope/:operation/:mode", s.handleSubmit)
	return r
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := c.GetHeader("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-Id", requestID)

		c.Next()

		s.log.Debug().
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("ingress request")
	}
}

func abortError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gateway.ErrorBody{Message: message})
}

func (s *Server) handleSubmit(c *gin.Context) {
	id := idempotency.Identity{Scope: c.Param("scope"), Operation: c.Param("operation")}
	mode := c.Param("mode")
	if mode != "" && mode != gateway.ModeSend {
		abortError(c, http.StatusBadRequest, "unknown mode "+mode)
		return
	}

	reg, ok := s.lookup(id)
	if !ok {
		abortError(c, http.StatusNotFound, "unknown operation "+id.String())
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		abortError(c, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		abortError(c, http.StatusBadRequest, "body is not valid JSON")
		return
	}

	invocationID, err := invocationID(c, reg.op, body)
	if err != nil {
		abortError(c, http.StatusBadRequest, err.Error())
		return
	}
	journalID := journalID(reg.op, invocationID)

	p := s.pools[reg.op.Kind]
	if p.saturated() {
		metrics.IngressInvocations.WithLabelValues(id.Scope, id.Operation, "rejected").Inc()
		abortError(c, http.StatusServiceUnavailable, "worker queue full")
		return
	}

	inv, claimed, err := s.store.ClaimInvocation(c.Request.Context(), store.Invocation{
		ID:        journalID,
		Scope:     id.Scope,
		Operation: id.Operation,
		Mode:      mode,
		Payload:   body,
	})
	if err != nil {
		s.log.Error().Err(err).Str("invocation_id", journalID).Msg("claim invocation")
		abortError(c, http.StatusServiceUnavailable, "journal unavailable")
		return
	}

	c.Header(gateway.HeaderInvocationID, invocationID)

	if !claimed {
		metrics.IngressInvocations.WithLabelValues(id.Scope, id.Operation, "duplicate").Inc()
		s.log.Debug().Str("invocation_id", journalID).Str("status", string(inv.Status)).Msg("duplicate submission")
		c.JSON(http.StatusConflict, gateway.AckBody{InvocationID: invocationID, Status: gateway.AckDuplicate})
		return
	}
	metrics.IngressInvocations.WithLabelValues(id.Scope, id.Operation, "accepted").Inc()

	j := job{inv: inv}
	if mode == "" {
		j.done = make(chan struct{})
	}
	if err := p.submit(c.Request.Context(), j); err != nil {
		// The claim stands; the invocation is resumed on the next start.
		abortError(c, http.StatusServiceUnavailable, "invocation accepted but not scheduled")
		return
	}

	if mode == gateway.ModeSend {
		c.JSON(http.StatusAccepted, gateway.AckBody{InvocationID: invocationID, Status: gateway.AckAccepted})
		return
	}

	select {
	case <-j.done:
	case <-c.Request.Context().Done():
		return
	}
	s.writeOutcome(c, journalID, invocationID)
}

// invocationID picks the id a caller addresses an invocation by. Workflows
// are keyed by the run id carried in the body; other operations by the
// idempotency-key header, or a fresh id when none is attached.
func invocationID(c *gin.Context, op catalog.Operation, body []byte) (string, error) {
	if op.Kind == catalog.KindWorkflow {
		var payload struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &payload); err != nil || payload.ID == "" {
			return "", errors.New("workflow payload requires a string id")
		}
		if err := checkKey(payload.ID); err != nil {
			return "", fmt.Errorf("workflow id %w", err)
		}
		return payload.ID, nil
	}

	key := strings.TrimSpace(c.GetHeader(gateway.HeaderIdempotencyKey))
	if key == "" {
		return uuid.NewString(), nil
	}
	if err := checkKey(key); err != nil {
		return "", fmt.Errorf("idempotency key %w", err)
	}
	return key, nil
}

// checkKey rejects ids that cannot travel as a single path segment.
func checkKey(key string) error {
	if len(key) > maxKeyLength {
		return errors.New("too long")
	}
	if strings.Contains(key, "/") {
		return errors.New("must not contain '/'")
	}
	return nil
}

// journalID is the id an invocation is stored under. Workflow runs keep
// their run id; other operations are prefixed with their identity, so a
// caller key never claims a run's row or another operation's row.
func journalID(op catalog.Operation, key string) string {
	if op.Kind == catalog.KindWorkflow {
		return key
	}
	return op.Identity.String() + "/" + key
}

// invocationFor loads the invocation addressed by the request path.
func (s *Server) invocationFor(c *gin.Context) (store.Invocation, bool) {
	id := idempotency.Identity{Scope: c.Param("scope"), Operation: c.Param("operation")}
	op, ok := s.catalog.Lookup(id)
	if !ok {
		abortError(c, http.StatusNotFound, "unknown operation "+id.String())
		return store.Invocation{}, false
	}

	inv, found, err := s.store.GetInvocation(c.Request.Context(), journalID(op, c.Param("key")))
	if err != nil {
		s.log.Error().Err(err).Msg("get invocation")
		abortError(c, http.StatusServiceUnavailable, "journal unavailable")
		return store.Invocation{}, false
	}
	if !found || inv.Scope != id.Scope || inv.Operation != id.Operation {
		abortError(c, http.StatusNotFound, "invocation not found")
		return store.Invocation{}, false
	}
	return inv, true
}

func (s *Server) handleOutput(c *gin.Context) {
	inv, ok := s.invocationFor(c)
	if !ok {
		return
	}
	respondOutcome(c, inv, c.Param("key"))
}

func (s *Server) writeOutcome(c *gin.Context, journalID, key string) {
	inv, found, err := s.store.GetInvocation(c.Request.Context(), journalID)
	if err != nil || !found {
		abortError(c, http.StatusServiceUnavailable, "journal unavailable")
		return
	}
	respondOutcome(c, inv, key)
}

func respondOutcome(c *gin.Context, inv store.Invocation, key string) {
	switch inv.Status {
	case store.StatusSucceeded:
		output := inv.Output
		if len(output) == 0 {
			output = []byte("null")
		}
		c.Data(http.StatusOK, "application/json", output)
	case store.StatusFailed:
		message := "invocation failed"
		if err := inv.Failure.Err(); err != nil {
			message = err.Error()
		}
		c.JSON(http.StatusInternalServerError, gateway.ErrorBody{Message: message, Failure: inv.Failure})
	default:
		c.JSON(http.StatusAccepted, gateway.AckBody{InvocationID: key, Status: string(inv.Status)})
	}
}

func (s *Server) handleState(c *gin.Context) {
	inv, ok := s.invocationFor(c)
	if !ok {
		return
	}

	snap := store.RunSnapshot{Invocation: inv}
	var err error
	if inv.Archived && s.archiver != nil {
		var found bool
		snap, found, err = s.archiver.Fetch(c.Request.Context(), inv.ID)
		if err == nil && !found {
			snap = store.RunSnapshot{Invocation: inv}
		}
	} else {
		snap.Steps, err = s.store.ListSteps(c.Request.Context(), inv.ID)
		if err == nil {
			snap.Markers, err = s.store.ListMarkers(c.Request.Context(), inv.ID)
		}
	}
	if err != nil {
		s.log.Error().Err(err).Str("invocation_id", inv.ID).Msg("load run state")
		abortError(c, http.StatusServiceUnavailable, "journal unavailable")
		return
	}

	c.JSON(http.StatusOK, stateOf(inv, snap))
}

func stateOf(inv store.Invocation, snap store.RunSnapshot) gateway.RunState {
	state := gateway.RunState{
		ID:       inv.ID,
		Status:   inv.Status,
		Steps:    make([]gateway.StepSummary, 0, len(snap.Steps)),
		Failure:  inv.Failure,
		Terminal: inv.Status.Terminal(),
		Archived: inv.Archived,
	}
	for _, st := range snap.Steps {
		state.Steps = append(state.Steps, gateway.StepSummary{
			Label:    st.Label,
			Attempts: st.Attempts,
			Failed:   st.Failure != nil,
		})
	}
	if len(snap.Markers) > 0 {
		state.Markers = make(map[string]string, len(snap.Markers))
		for _, m := range snap.Markers {
			state.Markers[m.Name] = m.Value
		}
	}
	return state
}
