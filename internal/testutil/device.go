package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/roach88/bulbflow/internal/device"
)

// FakeDevice is a device endpoint backed by memory and reached without a
// broker. Requests issued through Client run the real codec and the real
// dispatcher; Calls counts the effects that reached the endpoint.
type FakeDevice struct {
	Endpoint *device.Endpoint
	Store    *device.MemoryStore
	Client   *device.Client

	mu       sync.Mutex
	failures map[device.OperationKind]int
}

// NewFakeDevice builds a fake device with the given faults.
func NewFakeDevice(faults device.Faults) *FakeDevice {
	store := device.NewMemoryStore()
	f := &FakeDevice{
		Endpoint: device.NewEndpoint(nil, store, device.WithFaults(faults)),
		Store:    store,
		failures: make(map[device.OperationKind]int),
	}
	f.Client = device.NewClient(f)
	return f
}

// FailNext makes the next n requests of kind fail with no responders
// before reaching the endpoint.
func (f *FakeDevice) FailNext(kind device.OperationKind, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind] += n
}

// Calls returns how many requests of kind reached the endpoint.
func (f *FakeDevice) Calls(kind device.OperationKind) int64 {
	return f.Endpoint.Calls(kind)
}

// Status returns the stored status of id.
func (f *FakeDevice) Status(id string) (device.Status, bool) {
	rec, found, _ := f.Store.Get(context.Background(), id)
	return rec.Status, found
}

// RequestWithContext implements device.Requester.
func (f *FakeDevice) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimPrefix(subj, device.DefaultSubjectPrefix+".")
	kind, err := device.ParseOperationKind(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", nats.ErrNoResponders, subj)
	}

	f.mu.Lock()
	if f.failures[kind] > 0 {
		f.failures[kind]--
		f.mu.Unlock()
		return nil, nats.ErrNoResponders
	}
	f.mu.Unlock()

	req, err := device.DecodeRequest(data)
	if err != nil {
		return nil, err
	}
	resp := f.Endpoint.Dispatch(ctx, kind, req)
	out, err := device.EncodeResponse(resp)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: out}, nil
}
