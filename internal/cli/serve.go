package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/bulbflow/internal/archive"
	"github.com/roach88/bulbflow/internal/config"
	"github.com/roach88/bulbflow/internal/device"
	"github.com/roach88/bulbflow/internal/ingress"
	"github.com/roach88/bulbflow/internal/lightbulb"
	"github.com/roach88/bulbflow/internal/logger"
	"github.com/roach88/bulbflow/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen   string
	Embedded bool
	Simulate bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the durable-call ingress",
		Long: `Serves the lightbulb management service and the installation workflow.

Invocations are journaled in the configured store. Invocations left
pending or running by a previous process are resumed at start-up; steps
that were already recorded are replayed rather than re-executed.`,
		Example: `  # Ingress, embedded NATS and an in-process simulator
  bulbflow serve --embedded --simulate

  # Against an existing NATS server
  bulbflow serve --config bulbflow.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "ingress listen address (overrides ingress.listen)")
	cmd.Flags().BoolVar(&opts.Embedded, "embedded", false, "start an in-process NATS server")
	cmd.Flags().BoolVar(&opts.Simulate, "simulate", false, "run the device simulator in this process")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Ingress.Listen = opts.Listen
	}
	if opts.Embedded {
		cfg.NATS.Embedded = true
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to open journal", err)
	}
	defer st.Close()

	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	archiver, err := newArchiver(ctx, cfg, st)
	if err != nil {
		return err
	}

	nc, shutdown, err := connectNATS(cfg, log, "bulbflow-ingress")
	if err != nil {
		return err
	}
	defer shutdown()

	if opts.Simulate {
		ep, err := startSimulator(ctx, cfg, nc, log)
		if err != nil {
			return err
		}
		defer ep.Stop()
	}

	dev := device.NewClient(nc,
		device.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
		device.WithRequestTimeout(cfg.NATS.RequestTimeout),
		device.WithClientLogger(logger.Component(log, "device")),
	)

	srv := ingress.New(st, cat,
		ingress.WithLogger(logger.Component(log, "ingress")),
		ingress.WithWorkers(cfg.Ingress.ServiceWorkers, cfg.Ingress.WorkflowWorkers),
		ingress.WithQueueSize(cfg.Ingress.QueueSize),
		ingress.WithArchiver(archiver),
	)

	// The workflow reaches the service through this same ingress.
	gw := newGateway(cfg, cat, log, "")
	if err := lightbulb.NewService(dev, cat, lightbulb.WithServiceLogger(logger.Component(log, "service"))).Register(srv); err != nil {
		return WrapExitError(ExitFailure, "failed to register service", err)
	}
	if err := lightbulb.NewWorkflow(gw, cat, lightbulb.WithWorkflowLogger(logger.Component(log, "workflow"))).Register(srv); err != nil {
		return WrapExitError(ExitFailure, "failed to register workflow", err)
	}

	// Listen before resuming so resumed workflows can reach the service.
	ln, err := net.Listen("tcp", cfg.Ingress.Listen)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to listen", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln, cfg.Ingress.ReadTimeout, cfg.Ingress.WriteTimeout, cfg.Ingress.ShutdownTimeout)
	})
	g.Go(func() error {
		if err := srv.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		srv.Wait()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("ingress stopped")
	if err != nil && ctx.Err() == nil {
		return WrapExitError(ExitFailure, "ingress failed", err)
	}
	return nil
}

// newArchiver archives into object storage when an endpoint is
// configured, into the journal otherwise.
func newArchiver(ctx context.Context, cfg config.Config, st *store.Store) (archive.Archiver, error) {
	if cfg.Archive.Endpoint == "" {
		return archive.NewStoreArchiver(st), nil
	}
	a, err := archive.NewObjectArchiver(ctx, archive.ObjectConfig{
		Endpoint:  cfg.Archive.Endpoint,
		Bucket:    cfg.Archive.Bucket,
		AccessKey: cfg.Archive.AccessKey,
		SecretKey: cfg.Archive.SecretKey,
		Region:    cfg.Archive.Region,
		UseSSL:    cfg.Archive.UseSSL,
	}, st)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to open archive", err)
	}
	return a, nil
}
