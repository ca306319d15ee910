package cli

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/catalog"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/gateway"
	"github.com/roach88/bulbflow/internal/ingress"
	"github.com/roach88/bulbflow/internal/lightbulb"
	"github.com/roach88/bulbflow/internal/testutil"
)

// runCLI executes the root command with args and returns stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BULBFLOW_LOG_LEVEL", "error")

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// decodeResponse parses JSON-format output.
func decodeResponse(t *testing.T, out string) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

// testIngress serves the lightbulb service and workflow over a fake
// device, returning the base URL.
func testIngress(t *testing.T, faults device.Faults) (string, *testutil.FakeDevice) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat := catalog.Default()
	st := testutil.OpenStore(t)
	dev := testutil.NewFakeDevice(faults)
	srv := ingress.New(st, cat, ingress.WithWorkers(4, 2))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	gw := gateway.New(ts.URL, cat, gateway.WithPollInterval(5*time.Millisecond, 20*time.Millisecond))
	noDelay := func() time.Duration { return 0 }
	require.NoError(t, lightbulb.NewService(dev.Client, cat, lightbulb.WithDelay(noDelay)).Register(srv))
	require.NoError(t, lightbulb.NewWorkflow(gw, cat).Register(srv))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Wait()
	})
	return ts.URL, dev
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
