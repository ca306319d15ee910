package testutil

import (
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bulbflow/internal/device"
)

// StartNATS runs an in-process NATS server on a free port for the
// duration of the test.
func StartNATS(t testing.TB, jetstream bool) *server.Server {
	t.Helper()

	srv, err := device.RunServer(device.ServerOptions{
		Port:      -1,
		JetStream: jetstream,
		StoreDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)
	return srv
}

// ConnectNATS opens a client connection to srv, closed at test end.
func ConnectNATS(t testing.TB, srv *server.Server) *nats.Conn {
	t.Helper()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}
