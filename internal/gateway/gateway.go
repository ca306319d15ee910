// Package gateway is the client side of the durable-call protocol.
//
// Invoke submits a call under an idempotency key derived from the operation
// identity, the payload and the operation's time window. The ingress runs
// at most one effect per key; a resubmission is acknowledged as a
// duplicate, which is not an error. FetchResult reads the outcome by key
// and Call combines the two.
//
// Failure classification:
//
//	transport error, 429, 503   retryable
//	409                         duplicate (Ack.Duplicate)
//	other 4xx                   terminal, remote rejected request
//	other 5xx                   terminal, the recorded failure when present
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/metrics"
)

var (
	// ErrPending means the invocation exists but has not completed.
	ErrPending = errors.New("invocation pending")

	// ErrNotFound means no invocation exists under the key.
	ErrNotFound = errors.New("invocation not found")
)

const maxBodySize = 4 << 20

// Ack acknowledges a submission.
type Ack struct {
	// Key is the invocation id: the derived key, the explicit key, or the
	// id the ingress assigned.
	Key idempotency.Key

	// Accepted is set when this submission created the invocation.
	Accepted bool

	// Duplicate is set when an invocation already existed under Key.
	Duplicate bool

	// Output is the result of a synchronous call, empty otherwise.
	Output json.RawMessage
}

// Client talks to one ingress.
type Client struct {
	baseURL         string
	http            *http.Client
	catalog         *catalog.Catalog
	clock           Clock
	log             zerolog.Logger
	callTimeout     time.Duration
	pollInterval    time.Duration
	maxPollInterval time.Duration
	results         *expiremap.ExpireMap[string, json.RawMessage]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithClock replaces the wall clock used for windowed keys.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.log = l
	}
}

// WithCallTimeout bounds how long Call waits for a result.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithPollInterval sets the first and the largest wait between polls.
func WithPollInterval(initial, max time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = initial
		c.maxPollInterval = max
	}
}

// WithResultTTL sets how long completed results stay cached.
func WithResultTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.results = expiremap.NewEx[string, json.RawMessage](ttl, ttl)
	}
}

// New builds a client for the ingress at baseURL. Operation windows and
// key attachment come from cat.
func New(baseURL string, cat *catalog.Catalog, opts ...Option) *Client {
	c := &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		http:            &http.Client{Timeout: 10 * time.Second},
		catalog:         cat,
		clock:           realClock{},
		log:             zerolog.Nop(),
		callTimeout:     time.Minute,
		pollInterval:    100 * time.Millisecond,
		maxPollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.results == nil {
		c.results = expiremap.NewEx[string, json.RawMessage](5*time.Minute, 5*time.Minute)
	}
	return c
}

type callOptions struct {
	mode       string
	key        idempotency.Key
	keyPayload any
	noKey      bool
}

// CallOption adjusts one submission.
type CallOption func(*callOptions)

// WithMode selects the submission mode; ModeSend returns on acceptance.
func WithMode(mode string) CallOption {
	return func(o *callOptions) {
		o.mode = mode
	}
}

// WithKey attaches an explicit key instead of deriving one.
func WithKey(key idempotency.Key) CallOption {
	return func(o *callOptions) {
		o.key = key
	}
}

// WithKeyPayload derives the key from v, without a time window, instead of
// from the request body. Workflow steps use it to key each call by run and
// step so that a retried step reuses its key no matter when it retries.
func WithKeyPayload(v any) CallOption {
	return func(o *callOptions) {
		o.keyPayload = v
	}
}

// WithoutKey submits without a key.
func WithoutKey() CallOption {
	return func(o *callOptions) {
		o.noKey = true
	}
}

// Key returns the key Invoke would attach for payload under opts; empty
// when no key is attached.
func (c *Client) Key(id idempotency.Identity, payload any, opts ...CallOption) (idempotency.Key, error) {
	o := applyCallOptions(opts)
	return c.key(id, payload, o)
}

func applyCallOptions(opts []CallOption) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Client) key(id idempotency.Identity, payload any, o callOptions) (idempotency.Key, error) {
	if o.noKey {
		return "", nil
	}
	if o.key != "" {
		return o.key, nil
	}

	op, ok := c.catalog.Lookup(id)
	if !ok {
		return "", fault.Rejected(id.String(), "unknown operation")
	}
	if !op.AttachKey {
		return "", nil
	}
	if o.keyPayload != nil {
		return idempotency.Derive(id, o.keyPayload, 0, time.Time{})
	}
	return idempotency.Derive(id, payload, op.Window, c.clock.Now())
}

// Invoke submits payload to id.
func (c *Client) Invoke(ctx context.Context, id idempotency.Identity, payload any, opts ...CallOption) (Ack, error) {
	op := id.String()
	if err := id.Validate(); err != nil {
		return Ack{}, fault.Rejected(op, err.Error())
	}

	o := applyCallOptions(opts)
	key, err := c.key(id, payload, o)
	if err != nil {
		return Ack{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Ack{}, fault.Encoding(op, err)
	}

	target := c.baseURL + "/" + url.PathEscape(id.Scope) + "/" + url.PathEscape(id.Operation)
	if o.mode != "" {
		target += "/" + url.PathEscape(o.mode)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Ack{}, fault.Rejected(op, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, string(key))
	}

	log := c.log.With().Str("scope", id.Scope).Str("operation", id.Operation).Str("key", string(key)).Logger()
	log.Debug().Str("mode", o.mode).Msg("invoking")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(id.Scope, id.Operation, "retryable").Inc()
		return Ack{}, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		metrics.GatewayCalls.WithLabelValues(id.Scope, id.Operation, "retryable").Inc()
		return Ack{}, c.transportError(ctx, op, err)
	}

	ack := Ack{Key: key}
	if assigned := resp.Header.Get(HeaderInvocationID); assigned != "" {
		ack.Key = idempotency.Key(assigned)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		ack.Accepted = true
		ack.Output = json.RawMessage(data)
		c.results.Set(resultKey(id, ack.Key), ack.Output)
	case resp.StatusCode == http.StatusAccepted:
		ack.Accepted = true
	case resp.StatusCode == http.StatusConflict:
		ack.Duplicate = true
		log.Debug().Msg("duplicate submission, result must be fetched")
	default:
		err := statusError(op, resp.StatusCode, data)
		metrics.GatewayCalls.WithLabelValues(id.Scope, id.Operation, resultLabel(err)).Inc()
		return Ack{}, err
	}

	if ack.Key == "" {
		return Ack{}, fault.Rejected(op, "ingress did not report an invocation id")
	}

	result := "accepted"
	if ack.Duplicate {
		result = "duplicate"
	}
	metrics.GatewayCalls.WithLabelValues(id.Scope, id.Operation, result).Inc()
	return ack, nil
}

// FetchResult returns the output of the invocation under key, ErrPending
// while it runs, ErrNotFound when the key is unknown, or its recorded
// failure.
func (c *Client) FetchResult(ctx context.Context, id idempotency.Identity, key idempotency.Key) (json.RawMessage, error) {
	if out, ok := c.results.Load(resultKey(id, key)); ok {
		return *out, nil
	}

	op := id.String()
	status, data, err := c.get(ctx, op, c.invocationURL(id, key, "output"))
	if err != nil {
		return nil, err
	}

	switch status {
	case http.StatusOK:
		out := json.RawMessage(data)
		c.results.Set(resultKey(id, key), out)
		return out, nil
	case http.StatusAccepted:
		return nil, ErrPending
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, statusError(op, status, data)
	}
}

// State reports the progress of the invocation under key.
func (c *Client) State(ctx context.Context, id idempotency.Identity, key idempotency.Key) (RunState, error) {
	op := id.String()
	status, data, err := c.get(ctx, op, c.invocationURL(id, key, "state"))
	if err != nil {
		return RunState{}, err
	}

	switch status {
	case http.StatusOK:
		var state RunState
		if err := json.Unmarshal(data, &state); err != nil {
			return RunState{}, fault.Rejected(op, fmt.Sprintf("malformed state: %v", err))
		}
		return state, nil
	case http.StatusNotFound:
		return RunState{}, ErrNotFound
	default:
		return RunState{}, statusError(op, status, data)
	}
}

// Call submits payload asynchronously and waits for the result. A
// duplicate acknowledgement is resolved by fetching the existing result,
// never by submitting again.
func (c *Client) Call(ctx context.Context, id idempotency.Identity, payload any, opts ...CallOption) (json.RawMessage, error) {
	opts = append(opts, WithMode(ModeSend))
	ack, err := c.Invoke(ctx, id, payload, opts...)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id, ack.Key)
}

// Await polls FetchResult until the invocation completes or the call
// timeout passes. The wait between polls grows without jitter up to the
// configured maximum.
func (c *Client) Await(ctx context.Context, id idempotency.Identity, key idempotency.Key) (json.RawMessage, error) {
	op := id.String()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.pollInterval
	bo.MaxInterval = c.maxPollInterval
	bo.RandomizationFactor = 0
	bo.Reset()

	poll := func() (json.RawMessage, error) {
		out, err := c.FetchResult(ctx, id, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrPending), fault.IsRetryable(err):
			return nil, err
		case errors.Is(err, ErrNotFound):
			return nil, backoff.Permanent(fault.Rejected(op, "accepted invocation "+string(key)+" not found"))
		default:
			return nil, backoff.Permanent(err)
		}
	}

	out, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(c.callTimeout),
	)
	if err == nil {
		return out, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrPending) {
		return nil, fault.Retryable(op, fmt.Errorf("invocation %s still pending after %s: %w", key, c.callTimeout, err))
	}
	return nil, err
}

func (c *Client) get(ctx context.Context, op, target string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, fault.Rejected(op, err.Error())
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, c.transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return 0, nil, c.transportError(ctx, op, err)
	}
	return resp.StatusCode, data, nil
}

func (c *Client) invocationURL(id idempotency.Identity, key idempotency.Key, leaf string) string {
	return c.baseURL + "/invocation/" + url.PathEscape(id.Scope) + "/" + url.PathEscape(id.Operation) +
		"/" + url.PathEscape(string(key)) + "/" + leaf
}

func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fault.Retryable(op, err)
}

func statusError(op string, status int, data []byte) error {
	var body ErrorBody
	_ = json.Unmarshal(data, &body)

	message := body.Message
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return fault.Unavailable(op, message)
	case status >= 500 && body.Failure != nil:
		return body.Failure.Err()
	default:
		return fault.Rejected(op, fmt.Sprintf("status %d: %s", status, message))
	}
}

func resultLabel(err error) string {
	if fault.IsRetryable(err) {
		return "retryable"
	}
	return "terminal"
}

func resultKey(id idempotency.Identity, key idempotency.Key) string {
	return id.String() + "/" + string(key)
}
