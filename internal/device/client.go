package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/fault"
)

// DefaultRequestTimeout bounds one request/reply exchange.
const DefaultRequestTimeout = time.Second

// Requester is the slice of *nats.Conn the client uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Client issues device requests.
//
// Failures are classified:
//   - no responder, timeout: fault.CodeRetryable
//   - success=false, malformed reply: fault.CodeTerminal (rejected)
//   - caller cancellation: returned unchanged
type Client struct {
	conn    Requester
	prefix  string
	timeout time.Duration
	log     zerolog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithSubjectPrefix overrides the subject namespace.
func WithSubjectPrefix(prefix string) ClientOption {
	return func(c *Client) {
		c.prefix = prefix
	}
}

// WithRequestTimeout overrides the per-request timeout.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithClientLogger attaches a logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.log = l
	}
}

// NewClient builds a client over an established connection.
func NewClient(conn Requester, opts ...ClientOption) *Client {
	c := &Client{
		conn:    conn,
		prefix:  DefaultSubjectPrefix,
		timeout: DefaultRequestTimeout,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req as operation kind and waits for the reply.
func (c *Client) Do(ctx context.Context, kind OperationKind, req Request) (Response, error) {
	op := kind.String()
	if err := req.Validate(); err != nil {
		return Response{}, fault.Rejected(op, err.Error())
	}

	body, err := EncodeRequest(req)
	if err != nil {
		return Response{}, fault.Encoding(op, err)
	}

	subject := kind.Subject(c.prefix)
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.log.Debug().Str("subject", subject).Str("device_id", req.ID).Msg("sending device request")
	msg, err := c.conn.RequestWithContext(rctx, subject, body)
	if err != nil {
		return Response{}, c.classify(ctx, op, err)
	}

	resp, err := DecodeResponse(msg.Data)
	if err != nil {
		return Response{}, fault.Rejected(op, err.Error())
	}
	if !resp.Success {
		reason := resp.ErrorMessage
		if reason == "" {
			reason = "device reported failure"
		}
		return resp, fault.Rejected(op, reason)
	}

	c.log.Debug().Str("subject", subject).Str("device_id", req.ID).Msg("device request succeeded")
	return resp, nil
}

func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	switch {
	case errors.Is(err, nats.ErrNoResponders):
		return fault.Retryable(op, fmt.Errorf("no responders: %w", err))
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fault.Retryable(op, fmt.Errorf("timed out after %s: %w", c.timeout, err))
	default:
		return fault.Retryable(op, err)
	}
}

// Install registers a device with optional installation context.
func (c *Client) Install(ctx context.Context, id string, data map[string]any) (Response, error) {
	return c.Do(ctx, OpInstall, Request{ID: id, Data: data})
}

// Get reads a device's status.
func (c *Client) Get(ctx context.Context, id string) (Response, error) {
	return c.Do(ctx, OpGet, Request{ID: id})
}

// Toggle flips a device's status.
func (c *Client) Toggle(ctx context.Context, id string) (Response, error) {
	return c.Do(ctx, OpToggle, Request{ID: id})
}

// Uninstall removes a device.
func (c *Client) Uninstall(ctx context.Context, id string) (Response, error) {
	return c.Do(ctx, OpUninstall, Request{ID: id})
}
