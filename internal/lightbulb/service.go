// Package lightbulb holds the lightbulb management service and the
// installation workflow.
//
// The service handlers each wrap one device request in a journaled step, so
// an invocation that is resumed after a crash replays the device reply
// instead of sending the request again. The workflow sequences service
// calls through the gateway and compensates when a toggle has no effect.
package lightbulb

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/durable"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/ingress"
)

// ServiceScope addresses the management service.
const ServiceScope = "LightbulbManagementSvc"

// Service operations, one per device request kind.
var (
	// InstallOp registers a lightbulb with its context data; it starts OFF.
	InstallOp = idempotency.Identity{Scope: ServiceScope, Operation: "install_lightbulb"}
	// GetOp reads a lightbulb's record and status.
	GetOp = idempotency.Identity{Scope: ServiceScope, Operation: "get_lightbulb_status"}
	// ToggleOp flips a lightbulb between ON and OFF after a simulated delay.
	ToggleOp = idempotency.Identity{Scope: ServiceScope, Operation: "toggle_lightbulb"}
	// UninstallOp removes a lightbulb.
	UninstallOp = idempotency.Identity{Scope: ServiceScope, Operation: "uninstall_lightbulb"}
)

// Step labels recorded by the service handlers.
const (
	LabelInstall   = "installing new lightbulb"
	LabelGet       = "fetching lightbulb status"
	LabelDelay     = "getting random delay"
	LabelToggle    = "toggling lightbulb status"
	LabelUninstall = "uninstalling lightbulb"
)

// Device is the device surface the service drives. *device.Client
// implements it.
type Device interface {
	Install(ctx context.Context, id string, data map[string]any) (device.Response, error)
	Get(ctx context.Context, id string) (device.Response, error)
	Toggle(ctx context.Context, id string) (device.Response, error)
	Uninstall(ctx context.Context, id string) (device.Response, error)
}

// ToggleResponse is the output of toggle_lightbulb.
type ToggleResponse struct {
	device.Response
	// RunTime is the simulated processing delay in seconds.
	RunTime float64 `json:"run_time"`
}

// Service implements the management operations.
type Service struct {
	device  Device
	catalog *catalog.Catalog
	log     zerolog.Logger
	delay   func() time.Duration
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger attaches a logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.log = l
	}
}

// WithDelay replaces the random toggle delay.
func WithDelay(fn func() time.Duration) ServiceOption {
	return func(s *Service) {
		s.delay = fn
	}
}

// NewService builds the service over dev. Step policies come from cat.
func NewService(dev Device, cat *catalog.Catalog, opts ...ServiceOption) *Service {
	s := &Service{
		device:  dev,
		catalog: cat,
		log:     zerolog.Nop(),
		delay:   randomDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// randomDelay picks a whole number of seconds between 1 and 5.
func randomDelay() time.Duration {
	return time.Duration(1+rand.IntN(5)) * time.Second
}

// Register binds every management operation on srv.
func (s *Service) Register(srv *ingress.Server) error {
	handlers := []struct {
		id idempotency.Identity
		h  ingress.Handler
	}{
		{InstallOp, s.Install},
		{GetOp, s.Get},
		{ToggleOp, s.Toggle},
		{UninstallOp, s.Uninstall},
	}
	for _, entry := range handlers {
		if err := srv.Register(entry.id, entry.h); err != nil {
			return err
		}
	}
	return nil
}

// Install registers a lightbulb.
func (s *Service) Install(ctx context.Context, req ingress.Request) (any, error) {
	in, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	return durable.RunStep(ctx, req.Run, LabelInstall, s.policy(InstallOp),
		func(ctx context.Context) (device.Response, error) {
			return s.device.Install(ctx, in.ID, in.Data)
		})
}

// Get reads the status of a lightbulb.
func (s *Service) Get(ctx context.Context, req ingress.Request) (any, error) {
	in, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	return durable.RunStep(ctx, req.Run, LabelGet, s.policy(GetOp),
		func(ctx context.Context) (device.Response, error) {
			return s.device.Get(ctx, in.ID)
		})
}

// Toggle waits a journaled random delay, then flips the lightbulb.
func (s *Service) Toggle(ctx context.Context, req ingress.Request) (any, error) {
	in, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}

	delay, err := durable.RunStep(ctx, req.Run, LabelDelay, durable.DefaultPolicy(),
		func(context.Context) (time.Duration, error) {
			return s.delay(), nil
		})
	if err != nil {
		return nil, err
	}
	req.Run.Logger().Debug().Dur("delay", delay).Msg("simulating toggle work")
	if err := durable.Sleep(ctx, delay); err != nil {
		return nil, err
	}

	resp, err := durable.RunStep(ctx, req.Run, LabelToggle, s.policy(ToggleOp),
		func(ctx context.Context) (device.Response, error) {
			return s.device.Toggle(ctx, in.ID)
		})
	if err != nil {
		return nil, err
	}
	return ToggleResponse{Response: resp, RunTime: delay.Seconds()}, nil
}

// Uninstall removes a lightbulb.
func (s *Service) Uninstall(ctx context.Context, req ingress.Request) (any, error) {
	in, err := decodeRequest(req)
	if err != nil {
		return nil, err
	}
	return durable.RunStep(ctx, req.Run, LabelUninstall, s.policy(UninstallOp),
		func(ctx context.Context) (device.Response, error) {
			return s.device.Uninstall(ctx, in.ID)
		})
}

func (s *Service) policy(id idempotency.Identity) durable.RetryPolicy {
	return s.catalog.MustLookup(id).Policy
}

func decodeRequest(req ingress.Request) (device.Request, error) {
	var in device.Request
	if err := json.Unmarshal(req.Payload, &in); err != nil {
		return device.Request{}, fault.Rejected(req.Identity.String(), fmt.Sprintf("malformed request: %v", err))
	}
	if err := in.Validate(); err != nil {
		return device.Request{}, fault.Rejected(req.Identity.String(), err.Error())
	}
	return in, nil
}
