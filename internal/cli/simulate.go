package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/roach88/bulbflow/internal/config"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/logger"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	Embedded     bool
	Store        string
	BrokenToggle bool
	DropRate     float64
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the lightbulb device simulator",
		Long: `Answers lightbulb.{install,get,toggle,uninstall} requests over NATS.

Device state lives in memory or, with --store jetstream, in a JetStream
key-value bucket. --broken-toggle and --drop-rate inject the faults the
installation workflow has to survive.`,
		Example: `  # Simulator with its own NATS server
  bulbflow simulate --embedded

  # Against an existing server, with a toggle that never changes state
  bulbflow simulate --broken-toggle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Embedded, "embedded", false, "start an in-process NATS server")
	cmd.Flags().StringVar(&opts.Store, "store", "", "device state store (memory|jetstream)")
	cmd.Flags().BoolVar(&opts.BrokenToggle, "broken-toggle", false, "make toggle leave the status unchanged")
	cmd.Flags().Float64Var(&opts.DropRate, "drop-rate", 0, "fraction of replies to drop (0..1)")

	return cmd
}

func runSimulate(cmd *cobra.Command, opts *SimulateOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Embedded {
		cfg.NATS.Embedded = true
	}
	if opts.Store != "" {
		cfg.Device.Store = opts.Store
	}
	if cmd.Flags().Changed("broken-toggle") {
		cfg.Device.BrokenToggle = opts.BrokenToggle
	}
	if cmd.Flags().Changed("drop-rate") {
		cfg.Device.DropRate = opts.DropRate
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	nc, shutdown, err := connectNATS(cfg, log, "bulbflow-simulator")
	if err != nil {
		return err
	}
	defer shutdown()

	ep, err := startSimulator(ctx, cfg, nc, log)
	if err != nil {
		return err
	}

	log.Info().
		Str("subject_prefix", cfg.NATS.SubjectPrefix).
		Str("store", cfg.Device.Store).
		Bool("broken_toggle", cfg.Device.BrokenToggle).
		Float64("drop_rate", cfg.Device.DropRate).
		Msg("simulator running")

	<-ctx.Done()
	return ep.Stop()
}

// connectNATS dials the configured server, or starts an embedded one
// first. The returned func closes the connection and the server.
func connectNATS(cfg config.Config, log zerolog.Logger, name string) (*nats.Conn, func(), error) {
	url := cfg.NATS.URL
	var stopServer func()
	if cfg.NATS.Embedded {
		srv, err := device.RunServer(device.ServerOptions{
			Port:      cfg.NATS.EmbeddedPort,
			JetStream: cfg.Device.Store == "jetstream",
		})
		if err != nil {
			return nil, nil, WrapExitError(ExitFailure, "failed to start embedded NATS", err)
		}
		url = srv.ClientURL()
		stopServer = srv.Shutdown
		log.Info().Str("url", url).Msg("embedded nats started")
	}

	nc, err := device.Connect(url, name, logger.Component(log, "nats"))
	if err != nil {
		if stopServer != nil {
			stopServer()
		}
		return nil, nil, WrapExitError(ExitFailure, "failed to connect to NATS", err)
	}

	return nc, func() {
		nc.Close()
		if stopServer != nil {
			stopServer()
		}
	}, nil
}

// startSimulator subscribes a device endpoint on nc.
func startSimulator(ctx context.Context, cfg config.Config, nc *nats.Conn, log zerolog.Logger) (*device.Endpoint, error) {
	store, err := openDeviceStore(ctx, cfg, nc)
	if err != nil {
		return nil, err
	}

	ep := device.NewEndpoint(nc, store,
		device.WithEndpointPrefix(cfg.NATS.SubjectPrefix),
		device.WithQueueGroup(cfg.NATS.QueueGroup),
		device.WithFaults(cfg.Device.Faults),
		device.WithEndpointLogger(logger.Component(log, "simulator")),
	)
	if err := ep.Start(); err != nil {
		return nil, WrapExitError(ExitFailure, "failed to start simulator", err)
	}
	return ep, nil
}

func openDeviceStore(ctx context.Context, cfg config.Config, nc *nats.Conn) (device.Store, error) {
	switch cfg.Device.Store {
	case "", "memory":
		return device.NewMemoryStore(), nil
	case "jetstream":
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open jetstream", err)
		}
		kv, err := device.NewKVStore(ctx, js, cfg.Device.Bucket)
		if err != nil {
			return nil, WrapExitError(ExitFailure, "failed to open device bucket", err)
		}
		return kv, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown device store %q", cfg.Device.Store))
	}
}
