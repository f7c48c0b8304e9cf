package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/disk"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/postgres"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/sqlite"
	"github.com/AshkanYarmoradi/go-rpkica/cli/config"
	"github.com/AshkanYarmoradi/go-rpkica/internal/logging"
	"github.com/AshkanYarmoradi/go-rpkica/middleware/metrics"
	"github.com/AshkanYarmoradi/go-rpkica/middleware/tracing"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
	"github.com/AshkanYarmoradi/go-rpkica/mq/kafka"
	"github.com/AshkanYarmoradi/go-rpkica/mq/sns"
	"github.com/AshkanYarmoradi/go-rpkica/mq/webhook"
	"github.com/AshkanYarmoradi/go-rpkica/serializer/msgpack"
	"github.com/AshkanYarmoradi/go-rpkica/serializer/protobuf"
	"github.com/AshkanYarmoradi/go-rpkica/server"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// globalFlags are the persistent flags of the root command.
type globalFlags struct {
	configPath string
	noColor    bool
	trace      bool
	actor      string
	logLevel   string
	noDrain    bool
	timeout    time.Duration
}

// app is an opened CA server together with everything it was built from.
type app struct {
	cfg     *config.Config
	dir     string
	logger  *logging.Logger
	metrics *metrics.Metrics
	storage adapters.EventStoreAdapter
	queue   adapters.QueueStore
	keys    *signer.SoftSigner
	srv     *server.Server
	drain   bool
	stdout  io.Writer

	closers []func(context.Context) error
}

// loadConfig finds the configuration named by --config, or the nearest
// rpkica.yaml above the working directory.
func loadConfig(flags *globalFlags) (string, *config.Config, error) {
	if flags.configPath != "" {
		cfg, err := config.LoadFile(flags.configPath)
		if err != nil {
			return "", nil, fmt.Errorf("load config: %w", err)
		}
		dir, err := filepath.Abs(filepath.Dir(flags.configPath))
		if err != nil {
			return "", nil, err
		}
		return dir, cfg, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, fmt.Errorf("no %s found; run 'rpkica init' first", config.ConfigFileName)
	}
	return dir, cfg, err
}

// openApp builds the server described by the configuration.
func openApp(cmd *cobra.Command, flags *globalFlags) (_ *app, err error) {
	ctx := cmd.Context()
	dir, cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	cfg.Resolve(dir)
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	if flags.timeout < 0 {
		return nil, fmt.Errorf("--timeout must not be negative")
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		dir:     dir,
		logger:  logger,
		metrics: metrics.New(metrics.WithMetricsServiceName("rpkica")),
		drain:   !flags.noDrain,
		stdout:  cmd.OutOrStdout(),
	}
	a.closers = append(a.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})
	defer func() {
		if err != nil {
			_ = a.Close(ctx)
		}
	}()

	base, queueStore, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	a.storage, a.queue = base, queueStore

	a.keys, err = signer.OpenDir(cfg.Signer.KeyDir)
	if err != nil {
		return nil, err
	}

	serializer, err := newSerializer(cfg.Storage.Serializer)
	if err != nil {
		return nil, err
	}

	var tracer *tracing.Tracer
	if flags.trace {
		tracer, err = a.startTracing(cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
	}

	var adapter adapters.EventStoreAdapter = a.metrics.WrapAdapter(base)
	middleware := []rpkica.Middleware{
		rpkica.NewLoggingMiddleware(logger).Middleware(),
		a.metrics.CommandMiddleware(),
	}
	storeOpts := []rpkica.StoreOption{rpkica.WithPostCommitHook(a.metrics.Hook())}
	if tracer != nil {
		adapter = tracing.NewAdapterMiddleware(adapter, tracer)
		middleware = append([]rpkica.Middleware{tracing.CommandMiddleware(tracer)}, middleware...)
		storeOpts = append(storeOpts, rpkica.WithPostCommitHook(tracing.Hook()))
	}

	routes, publishers, err := a.publishers(tracer)
	if err != nil {
		return nil, err
	}

	a.srv, err = server.New(ctx, server.Config{
		Adapter:       adapter,
		QueueStore:    queueStore,
		Signer:        a.keys,
		Serializer:    serializer,
		Routes:        routes,
		Publishers:    publishers,
		SnapshotEvery: cfg.Storage.SnapshotEvery,
		Validity:      cfg.Signer.Validity,

		CommandTimeout: flags.timeout,
	},
		server.WithLogger(logger.Named("server")),
		server.WithMiddleware(middleware...),
		server.WithStoreOptions(storeOpts...),
		server.WithProcessorOptions(
			mq.WithMetrics(a.metrics),
			mq.WithPollInterval(cfg.Queue.PollInterval),
			mq.WithBatchSize(cfg.Queue.BatchSize),
			mq.WithMaxRetries(cfg.Queue.MaxRetries),
		),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (adapters.EventStoreAdapter, adapters.QueueStore, error) {
	st := a.cfg.Storage
	var (
		adapter    adapters.EventStoreAdapter
		queueStore adapters.QueueStore
	)

	switch st.Driver {
	case config.DriverDisk:
		adapter = disk.NewAdapter(st.Path)
	case config.DriverSQLite:
		db, err := sqlite.Open(st.Path)
		if err != nil {
			return nil, nil, err
		}
		adapter = db
		if a.cfg.QueueDriver() == config.DriverSQLite {
			queueStore = sqlite.NewQueueStoreFromAdapter(db)
		}
	case config.DriverPostgres:
		pg, err := postgres.Open(st.SQLDriver, st.URL, postgres.WithSchema(st.Schema))
		if err != nil {
			return nil, nil, err
		}
		adapter = pg
		if a.cfg.QueueDriver() == config.DriverPostgres {
			queueStore = postgres.NewQueueStoreFromAdapter(pg, postgres.WithQueueSchema(st.Schema))
		}
	default:
		adapter = memory.NewAdapter()
	}

	if err := adapter.Initialize(ctx); err != nil {
		_ = adapter.Close()
		return nil, nil, fmt.Errorf("initialize %s storage: %w", st.Driver, err)
	}
	a.closers = append(a.closers, func(context.Context) error { return adapter.Close() })

	if queueStore == nil {
		switch a.cfg.QueueDriver() {
		case config.DriverSQLite:
			qs, err := sqlite.OpenQueueStore(a.cfg.Queue.Path)
			if err != nil {
				return nil, nil, fmt.Errorf("open queue store: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error { return qs.Close() })
			queueStore = qs
		default:
			queueStore = memory.NewQueueStore()
		}
	}
	if err := queueStore.Initialize(ctx); err != nil {
		return nil, nil, fmt.Errorf("initialize %s queue store: %w", a.cfg.QueueDriver(), err)
	}
	return adapter, queueStore, nil
}

func newSerializer(name string) (rpkica.Serializer, error) {
	switch name {
	case "", config.SerializerJSON:
		return nil, nil
	case config.SerializerMsgpack:
		return msgpack.NewSerializer(), nil
	case config.SerializerProtobuf:
		return protobuf.NewSerializer(), nil
	default:
		return nil, fmt.Errorf("unknown serializer %q", name)
	}
}

// startTracing exports spans of this invocation to w.
func (a *app) startTracing(w io.Writer) (*tracing.Tracer, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	a.closers = append(a.closers, tp.Shutdown)
	return tracing.NewTracer(tracing.WithTracerProvider(tp), tracing.WithServiceName("rpkica-cli")), nil
}

// publishers builds the configured routes and the publishers that serve them.
func (a *app) publishers(tracer *tracing.Tracer) ([]mq.Route, []mq.Publisher, error) {
	q := a.cfg.Queue
	var (
		routes     []mq.Route
		publishers []mq.Publisher
		seen       = map[string]bool{}
	)
	for _, r := range a.cfg.Routes {
		routes = append(routes, mq.Route{
			EventTypes:  r.Events,
			Namespaces:  r.Namespaces,
			Destination: r.Destination,
		})

		prefix, _, _ := strings.Cut(r.Destination, ":")
		if seen[prefix] {
			continue
		}
		seen[prefix] = true

		var p mq.Publisher
		switch prefix {
		case mq.DestinationKafka:
			kp := kafka.New(kafka.WithBrokers(q.Kafka.Brokers...), kafka.WithTopicPrefix(q.Kafka.TopicPrefix))
			a.closers = append(a.closers, func(context.Context) error { return kp.Close() })
			p = kp
		case mq.DestinationSNS:
			opts := []sns.Option{sns.WithClient(sns.NewClient(q.SNS.Region))}
			if q.SNS.FIFO {
				opts = append(opts, sns.WithFIFO())
			}
			p = sns.New(opts...)
		case mq.DestinationWebhook:
			var opts []webhook.Option
			if q.Webhook.Secret != "" {
				opts = append(opts, webhook.WithSecret(q.Webhook.Secret))
			}
			if q.Webhook.Timeout > 0 {
				opts = append(opts, webhook.WithTimeout(q.Webhook.Timeout))
			}
			p = webhook.New(opts...)
		default:
			return nil, nil, fmt.Errorf("route %q: unsupported destination", r.Destination)
		}
		if tracer != nil {
			p = tracing.NewPublisherMiddleware(p, tracer)
		}
		publishers = append(publishers, p)
	}
	return routes, publishers, nil
}

func (a *app) out() io.Writer { return a.stdout }

// settle delivers the side effects of a mutating command before the CLI exits.
func (a *app) settle(ctx context.Context) error {
	if !a.drain {
		return nil
	}
	n, err := a.srv.DrainQueue(ctx)
	if err != nil {
		return fmt.Errorf("deliver side effects: %w", err)
	}
	a.logger.Debug("Side effects delivered", "messages", n)
	return nil
}

// Close releases everything opened by openApp, last opened first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// withApp opens the server, applies the actor flag and runs fn.
func withApp(flags *globalFlags, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, flags)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if flags.actor != "" {
			ctx = rpkica.WithActor(ctx, flags.actor)
		}
		return errors.Join(fn(ctx, a, args), a.Close(ctx))
	}
}
