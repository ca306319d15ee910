package device

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerOptions configures an in-process NATS server.
type ServerOptions struct {
	Host      string
	Port      int // -1 picks a free port
	JetStream bool
	StoreDir  string
}

// RunServer starts an in-process NATS server and waits until it accepts
// connections. The caller owns Shutdown.
func RunServer(opts ServerOptions) (*server.Server, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	srv, err := server.NewServer(&server.Options{
		Host:      host,
		Port:      opts.Port,
		JetStream: opts.JetStream,
		StoreDir:  opts.StoreDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("embedded nats: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats: not ready for connections")
	}
	if opts.JetStream {
		deadline := time.Now().Add(5 * time.Second)
		for !srv.JetStreamEnabled() {
			if time.Now().After(deadline) {
				srv.Shutdown()
				return nil, fmt.Errorf("embedded nats: jetstream not ready")
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	return srv, nil
}
