// Package server orchestrates the trust anchor and the CAs below it.
//
// A Server owns one store per namespace, a signer and the side-effect
// queue. Operations that touch a parent and a child (delegating, certifying,
// withdrawing) are sequences of single-aggregate commands; consistency
// between the two logs is restored by a resync listener fed from the queue,
// so a crash between the two commands heals on the next delivery.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-rpkica"
	"github.com/AshkanYarmoradi/go-rpkica/adapters"
	"github.com/AshkanYarmoradi/go-rpkica/adapters/memory"
	"github.com/AshkanYarmoradi/go-rpkica/ca"
	"github.com/AshkanYarmoradi/go-rpkica/mq"
	"github.com/AshkanYarmoradi/go-rpkica/signer"
	"github.com/google/uuid"
)

var (
	// ErrCyclicDelegation is returned when a delegation would make a CA its own ancestor.
	ErrCyclicDelegation = errors.New("rpkica/server: delegation would create a cycle")

	// ErrParentAlreadySet is returned when the child already has a parent.
	ErrParentAlreadySet = errors.New("rpkica/server: child already has a parent")

	// ErrNoSigner is returned by New when no signer is configured.
	ErrNoSigner = errors.New("rpkica/server: signer is required")

	// ErrNoAdapter is returned by New when no event store adapter is configured.
	ErrNoAdapter = errors.New("rpkica/server: adapter is required")
)

// ResyncDestination is the queue destination of the built-in resync listener.
const ResyncDestination = mq.DestinationLocal + ":resync"

// resyncActor is recorded as the actor of commands issued by the resync listener.
const resyncActor = "rpkica-resync"

// Config holds what a Server is built from.
type Config struct {
	// Adapter stores the CA logs. Required.
	Adapter adapters.EventStoreAdapter

	// TrustAnchorAdapter stores the trust anchor log. Defaults to Adapter.
	TrustAnchorAdapter adapters.EventStoreAdapter

	// QueueStore persists side effects. Defaults to an in-memory store.
	QueueStore adapters.QueueStore

	// Signer holds the CA keys. Required.
	Signer signer.Signer

	// Serializer encodes events. Defaults to JSON.
	Serializer rpkica.Serializer

	// Routes are extra side-effect routes next to the resync route.
	Routes []mq.Route

	// Publishers deliver the extra routes.
	Publishers []mq.Publisher

	// SnapshotEvery persists a snapshot every n events when the adapter supports it.
	SnapshotEvery int64

	// Retry controls retries of AnyVersion commands that hit a concurrency conflict.
	// The zero value means rpkica.DefaultRetryConfig().
	Retry rpkica.RetryConfig

	// Validity of issued certificates. Zero means ca.DefaultValidity.
	Validity time.Duration

	// CommandTimeout bounds each command including its retries. Zero means
	// no limit.
	CommandTimeout time.Duration

	// Warm replays every aggregate in New, failing fast on integrity problems.
	Warm bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server, its stores and its queue.
func WithLogger(l rpkica.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for certificate validity.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMiddleware adds command middleware. Middleware runs in the given order,
// inside recovery and correlation handling and outside retries.
func WithMiddleware(mws ...rpkica.Middleware) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mws...)
	}
}

// WithStoreOptions passes extra options to both aggregate stores.
func WithStoreOptions(opts ...rpkica.StoreOption) Option {
	return func(s *Server) {
		s.storeOpts = append(s.storeOpts, opts...)
	}
}

// WithProcessorOptions passes extra options to the queue processor.
func WithProcessorOptions(opts ...mq.ProcessorOption) Option {
	return func(s *Server) {
		s.processorOpts = append(s.processorOpts, opts...)
	}
}

// WithoutResync disables the resync listener; parent and child logs then only
// converge through the direct follow-up commands of each operation.
func WithoutResync() Option {
	return func(s *Server) {
		s.resync = false
	}
}

// Server is the CA orchestrator.
type Server struct {
	tas *ca.TrustAnchorStore
	cas *ca.CertAuthStore

	signer    signer.Signer
	queue     *mq.Queue
	processor *mq.Processor
	local     *mq.LocalPublisher

	logger   rpkica.Logger
	clock    func() time.Time
	validity time.Duration
	dispatch rpkica.Middleware
	resync   bool

	middleware    []rpkica.Middleware
	storeOpts     []rpkica.StoreOption
	processorOpts []mq.ProcessorOption

	// delegations serializes changes to the CA tree so the ancestry check and
	// the link it guards are not interleaved with another delegation.
	delegations chan struct{}
}

// New builds a Server from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if cfg.Adapter == nil {
		return nil, ErrNoAdapter
	}
	if cfg.Signer == nil {
		return nil, ErrNoSigner
	}

	s := &Server{
		signer:      cfg.Signer,
		logger:      rpkica.NopLogger(),
		clock:       time.Now,
		validity:    cfg.Validity,
		resync:      true,
		local:       mq.NewLocalPublisher(),
		delegations: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	queueStore := cfg.QueueStore
	if queueStore == nil {
		queueStore = memory.NewQueueStore()
	}
	routes := append([]mq.Route(nil), cfg.Routes...)
	if s.resync {
		routes = append(routes, mq.Route{
			EventTypes: []string{
				rpkica.GetEventType(ca.ChildUpdatedResources{}),
				rpkica.GetEventType(ca.ChildRemoved{}),
			},
			Destination: ResyncDestination,
		})
		s.local.Handle(rpkica.GetEventType(ca.ChildUpdatedResources{}), s.handleResync)
		s.local.Handle(rpkica.GetEventType(ca.ChildRemoved{}), s.handleResync)
	}
	s.queue = mq.NewQueue(queueStore, routes, mq.WithQueueLogger(s.logger))

	processorOpts := []mq.ProcessorOption{mq.WithProcessorLogger(s.logger), mq.WithPublisher(s.local)}
	for _, p := range cfg.Publishers {
		processorOpts = append(processorOpts, mq.WithPublisher(p))
	}
	s.processor = mq.NewProcessor(queueStore, append(processorOpts, s.processorOpts...)...)

	storeOpts := []rpkica.StoreOption{
		rpkica.WithStoreLogger(s.logger),
		rpkica.WithPostCommitHook(s.queue.Hook()),
	}
	if cfg.Serializer != nil {
		storeOpts = append(storeOpts, rpkica.WithStoreSerializer(cfg.Serializer))
	}
	if cfg.SnapshotEvery > 0 {
		storeOpts = append(storeOpts, rpkica.WithSnapshotEvery(cfg.SnapshotEvery))
	}
	storeOpts = append(storeOpts, s.storeOpts...)

	taAdapter := cfg.TrustAnchorAdapter
	if taAdapter == nil {
		taAdapter = cfg.Adapter
	}
	s.tas = ca.NewTrustAnchorStore(taAdapter, storeOpts...)
	s.cas = ca.NewCertAuthStore(cfg.Adapter, storeOpts...)

	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = rpkica.DefaultRetryConfig()
	}
	chain := []rpkica.Middleware{rpkica.RecoveryMiddleware()}
	if cfg.CommandTimeout > 0 {
		chain = append(chain, rpkica.TimeoutMiddleware(cfg.CommandTimeout))
	}
	chain = append(chain,
		rpkica.CorrelationIDMiddleware(nil),
		rpkica.ActorMiddleware(),
	)
	chain = append(chain, s.middleware...)
	chain = append(chain, rpkica.RetryMiddleware(retry))
	s.dispatch = rpkica.ChainMiddleware(chain...)

	if cfg.Warm {
		if err := errors.Join(s.tas.Warm(ctx), s.cas.Warm(ctx)); err != nil {
			return nil, fmt.Errorf("rpkica/server: warm stores: %w", err)
		}
	}

	s.logger.Info("CA server ready", "resync", s.resync, "publishers", len(cfg.Publishers)+1)
	return s, nil
}

// Start runs the queue processor in the background.
func (s *Server) Start(ctx context.Context) error {
	return s.processor.Start(ctx)
}

// Stop stops the queue processor.
func (s *Server) Stop(ctx context.Context) error {
	return s.processor.Stop(ctx)
}

// DrainQueue delivers every pending side effect, including the ones produced
// while delivering. It returns the number of messages handled.
func (s *Server) DrainQueue(ctx context.Context) (int, error) {
	return s.processor.Drain(ctx)
}

// Queue returns the side-effect queue.
func (s *Server) Queue() *mq.Queue { return s.queue }

// TrustAnchorStore returns the trust anchor store.
func (s *Server) TrustAnchorStore() *ca.TrustAnchorStore { return s.tas }

// CertAuthStore returns the CA store.
func (s *Server) CertAuthStore() *ca.CertAuthStore { return s.cas }

// InitTrustAnchor creates the trust anchor holding all resources under a new key.
func (s *Server) InitTrustAnchor(ctx context.Context) (*ca.TrustAnchor, error) {
	if ok, err := s.tas.Has(ctx, ca.TrustAnchorID); err != nil {
		return nil, err
	} else if ok {
		return nil, &rpkica.AggregateExistsError{Namespace: ca.TrustAnchorNamespace, Handle: ca.TrustAnchorID}
	}
	ctx = correlate(ctx)
	key, err := s.signer.CreateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpkica/server: create trust anchor key: %w", err)
	}
	return s.tas.Add(ctx, ca.WithAllResources(ca.TrustAnchorID, key), s.metadata(ctx))
}

// TrustAnchor returns the trust anchor.
func (s *Server) TrustAnchor(ctx context.Context) (*ca.TrustAnchor, error) {
	return s.tas.Get(ctx, ca.TrustAnchorID)
}

// InitCA creates a CA under a new key. It has no parent and holds nothing
// until it is delegated to and certified.
func (s *Server) InitCA(ctx context.Context, handle rpkica.Handle) (*ca.CertAuth, error) {
	if _, err := rpkica.ParseHandle(string(handle)); err != nil {
		return nil, err
	}
	if ok, err := s.cas.Has(ctx, handle); err != nil {
		return nil, err
	} else if ok {
		return nil, &rpkica.AggregateExistsError{Namespace: ca.CertAuthNamespace, Handle: handle}
	}
	ctx = correlate(ctx)
	key, err := s.signer.CreateKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("rpkica/server: create key for %s: %w", handle, err)
	}
	return s.cas.Add(ctx, ca.NewCertAuthInit(handle, key), s.metadata(ctx))
}

// CA returns a CA below the trust anchor.
func (s *Server) CA(ctx context.Context, handle rpkica.Handle) (*ca.CertAuth, error) {
	return s.cas.Get(ctx, handle)
}

// ListCAs returns the handles of all CAs below the trust anchor, sorted.
func (s *Server) ListCAs(ctx context.Context) ([]rpkica.Handle, error) {
	return s.cas.List(ctx)
}

// GetCAHistory returns the command history of a CA. The trust anchor handle
// resolves to the trust anchor.
func (s *Server) GetCAHistory(ctx context.Context, handle rpkica.Handle, criteria rpkica.CommandHistoryCriteria) (*rpkica.CommandHistory, error) {
	if handle == ca.TrustAnchorID {
		return s.tas.History(ctx, handle, criteria)
	}
	return s.cas.History(ctx, handle, criteria)
}

// GetCACommandDetails returns one recorded command with its events.
func (s *Server) GetCACommandDetails(ctx context.Context, handle rpkica.Handle, key rpkica.CommandKey) (*rpkica.CommandDetailsRecord, error) {
	if handle == ca.TrustAnchorID {
		return s.tas.CommandDetails(ctx, handle, key)
	}
	return s.cas.CommandDetails(ctx, handle, key)
}

// correlate makes every command of one operation share a correlation ID.
func correlate(ctx context.Context) context.Context {
	if rpkica.CorrelationIDFromContext(ctx) != "" {
		return ctx
	}
	return rpkica.WithCorrelationID(ctx, uuid.NewString())
}

func (s *Server) metadata(ctx context.Context) rpkica.Metadata {
	return rpkica.Metadata{
		Actor:         rpkica.ActorFromContext(ctx),
		CorrelationID: rpkica.CorrelationIDFromContext(ctx),
	}
}

// send runs one command through the middleware chain into store.
func send[A rpkica.Aggregate[C, E], I any, C rpkica.CommandDetails, E rpkica.EventDetails](
	ctx context.Context, s *Server, store *rpkica.AggregateStore[A, I, C, E], handle rpkica.Handle, details C,
) ([]rpkica.StoredEvent[E], error) {
	var events []rpkica.StoredEvent[E]
	info := &rpkica.CommandInfo{
		Namespace: store.Namespace(),
		Handle:    handle,
		Type:      details.CommandType(),
		Version:   rpkica.AnyVersion,
		Details:   details,
	}
	err := s.dispatch(func(ctx context.Context, info *rpkica.CommandInfo) error {
		var err error
		events, err = store.Command(ctx, rpkica.NewSentCommand(info.Handle, info.Version, details).WithMetadata(info.Metadata))
		return err
	})(ctx, info)
	return events, err
}

// sendToParent addresses a child-management command to the trust anchor or
// to a CA, depending on the parent handle.
func (s *Server) sendToParent(ctx context.Context, parent rpkica.Handle, cmd interface {
	ca.TrustAnchorCommand
	ca.CertAuthCommand
}) ([]any, error) {
	if parent == ca.TrustAnchorID {
		events, err := send(ctx, s, s.tas, parent, ca.TrustAnchorCommand(cmd))
		return detailsOf(events), err
	}
	events, err := send(ctx, s, s.cas, parent, ca.CertAuthCommand(cmd))
	return detailsOf(events), err
}

func detailsOf[E any](events []rpkica.StoredEvent[E]) []any {
	out := make([]any, len(events))
	for i, e := range events {
		out[i] = e.Details()
	}
	return out
}

// childOf returns what parent records about child.
func (s *Server) childOf(ctx context.Context, parent, child rpkica.Handle) (ca.ChildDetails, bool, error) {
	if parent == ca.TrustAnchorID {
		ta, err := s.tas.Get(ctx, parent)
		if err != nil {
			return ca.ChildDetails{}, false, err
		}
		d, ok := ta.Child(child)
		return d, ok, nil
	}
	p, err := s.cas.Get(ctx, parent)
	if err != nil {
		return ca.ChildDetails{}, false, err
	}
	d, ok := p.Child(child)
	return d, ok, nil
}

// exists reports whether handle names the trust anchor or a CA.
func (s *Server) exists(ctx context.Context, handle rpkica.Handle) (bool, error) {
	if handle == ca.TrustAnchorID {
		return s.tas.Has(ctx, handle)
	}
	return s.cas.Has(ctx, handle)
}

func (s *Server) lockDelegations(ctx context.Context) (func(), error) {
	select {
	case s.delegations <- struct{}{}:
		return func() { <-s.delegations }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func notFound(namespace string, handle rpkica.Handle) error {
	return &rpkica.AggregateNotFoundError{Namespace: namespace, Handle: handle}
}
