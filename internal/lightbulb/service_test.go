package lightbulb

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/durable"
	"github.com/roach88/bulbflow/internal/fault"
	"github.com/roach88/bulbflow/internal/idempotency"
	"github.com/roach88/bulbflow/internal/ingress"
	"github.com/roach88/bulbflow/internal/store"
	"github.com/roach88/bulbflow/internal/testutil"
)

func serviceRequest(st *store.Store, id idempotency.Identity, key, payload string) ingress.Request {
	return ingress.Request{
		ID:       key,
		Identity: id,
		Payload:  json.RawMessage(payload),
		Run:      durable.NewRun(key, st),
	}
}

func noDelay() time.Duration { return 0 }

func TestServiceInstallAndGet(t *testing.T) {
	st := testutil.OpenStore(t)
	dev := testutil.NewFakeDevice(device.Faults{})
	svc := NewService(dev.Client, catalog.Default(), WithDelay(noDelay))
	ctx := context.Background()

	out, err := svc.Install(ctx, serviceRequest(st, InstallOp, "k-install", `{"id":"bulb-1","data":{"room":"hall"}}`))
	require.NoError(t, err)
	resp := out.(device.Response)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"room": "hall", "status": "OFF"}, resp.Data)

	out, err = svc.Get(ctx, serviceRequest(st, GetOp, "k-get", `{"id":"bulb-1"}`))
	require.NoError(t, err)
	status, ok := out.(device.Response).Status()
	require.True(t, ok)
	assert.Equal(t, device.StatusOff, status)

	steps, err := st.ListSteps(ctx, "k-install")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, LabelInstall, steps[0].Label)
}

func TestServiceToggleRecordsDelay(t *testing.T) {
	st := testutil.OpenStore(t)
	dev := testutil.NewFakeDevice(device.Faults{})
	var picks atomic.Int32
	svc := NewService(dev.Client, catalog.Default(), WithDelay(func() time.Duration {
		picks.Add(1)
		return 20 * time.Millisecond
	}))
	ctx := context.Background()

	_, err := dev.Client.Install(ctx, "bulb-1", nil)
	require.NoError(t, err)

	req := serviceRequest(st, ToggleOp, "k-toggle", `{"id":"bulb-1"}`)
	out, err := svc.Toggle(ctx, req)
	require.NoError(t, err)

	resp := out.(ToggleResponse)
	assert.InDelta(t, 0.02, resp.RunTime, 1e-9)
	status, _ := resp.Status()
	assert.Equal(t, device.StatusOn, status)

	// Executing the same invocation again replays both steps.
	again, err := svc.Toggle(ctx, serviceRequest(st, ToggleOp, "k-toggle", `{"id":"bulb-1"}`))
	require.NoError(t, err)
	assert.Equal(t, resp, again)
	assert.Equal(t, int32(1), picks.Load())
	assert.Equal(t, int64(1), dev.Calls(device.OpToggle))

	steps, err := st.ListSteps(ctx, "k-toggle")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, LabelDelay, steps[0].Label)
	assert.Equal(t, LabelToggle, steps[1].Label)
}

func TestServiceToggleOutputShape(t *testing.T) {
	data, err := json.Marshal(ToggleResponse{
		Response: device.Response{Success: true, ID: "bulb-1", Data: map[string]any{"status": "ON"}},
		RunTime:  3,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"id":"bulb-1","data":{"status":"ON"},"run_time":3}`, string(data))
}

func TestServiceRejections(t *testing.T) {
	st := testutil.OpenStore(t)
	dev := testutil.NewFakeDevice(device.Faults{})
	svc := NewService(dev.Client, catalog.Default(), WithDelay(noDelay))
	ctx := context.Background()

	_, err := svc.Get(ctx, serviceRequest(st, GetOp, "k-1", `{"id":"bulb-404"}`))
	require.Error(t, err)
	assert.Equal(t, fault.ReasonRejected, fault.ReasonOf(err))
	assert.Contains(t, err.Error(), "lightbulb bulb-404 is not installed")

	_, err = svc.Uninstall(ctx, serviceRequest(st, UninstallOp, "k-2", `{}`))
	require.Error(t, err)
	assert.True(t, fault.IsTerminal(err))

	_, err = svc.Install(ctx, serviceRequest(st, InstallOp, "k-3", `[1,2]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed request")

	assert.Equal(t, int64(0), dev.Calls(device.OpUninstall))
	assert.Equal(t, int64(0), dev.Calls(device.OpInstall))
}

func TestServiceUninstallExhaustsRetries(t *testing.T) {
	st := testutil.OpenStore(t)
	dev := testutil.NewFakeDevice(device.Faults{})
	dev.FailNext(device.OpUninstall, 10)
	svc := NewService(dev.Client, catalog.Default())

	_, err := svc.Uninstall(context.Background(), serviceRequest(st, UninstallOp, "k-1", `{"id":"bulb-1"}`))
	require.Error(t, err)
	assert.Equal(t, fault.ReasonExhausted, fault.ReasonOf(err))
	assert.Contains(t, err.Error(), "remote unreachable after retries exhausted")

	rec, found, err := st.GetStep(context.Background(), "k-1", LabelUninstall)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, rec.Attempts)
}

func TestRandomDelayRange(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := randomDelay()
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 5*time.Second)
		assert.Zero(t, d%time.Second)
	}
}
