package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rickgao/routerstream/internal/device"
	"github.com/rickgao/routerstream/internal/metrics"
	"github.com/rickgao/routerstream/internal/pool"
)

// Broker is the client-facing entry point. Transports open one session per
// client channel and issue subscribe, unsubscribe and exec on its behalf.
type Broker interface {
	// Open registers a client session whose notices go to sink.
	Open(sink Sink) (*Session, error)

	// Close unsubscribes and cancels everything the session owns.
	Close(sessionID string)

	// Subscribe registers a subscription and opens or joins its physical
	// streams asynchronously. Progress arrives as notices.
	Subscribe(sessionID string, req SubscribeRequest) (*Subscription, error)

	// Unsubscribe detaches a subscription. Unknown or already closed ids are
	// a no-op and return false.
	Unsubscribe(sessionID, streamID string) bool

	// Execute runs a one-shot command asynchronously.
	Execute(sessionID string, req ExecRequest) (*PendingCommand, error)

	// Stats returns current broker statistics.
	Stats() Stats

	// Streams lists open physical streams.
	Streams() []StreamInfo

	// Shutdown closes every session and waits for background work.
	Shutdown(ctx context.Context) error
}

// Deps are the collaborators of a broker. Only Pool is required.
type Deps struct {
	Pool     *pool.Pool
	Resolver device.Resolver // resolves deviceConfig.routerId
	Recorder Recorder        // receives resolved commands
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type broker struct {
	cfg      Config
	pool     *pool.Pool
	resolver device.Resolver
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer

	registry *registry
	fanout   *fanout

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates a broker.
func New(cfg Config, deps Deps) Broker {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &broker{
		cfg:      cfg,
		pool:     deps.Pool,
		resolver: deps.Resolver,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/rickgao/routerstream/internal/broker"),
		registry: newRegistry(),
		fanout:   newFanout(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

func (b *broker) newID() string {
	return uuid.NewString()
}

// Subscribe registers the subscription in Requested and returns at once.
func (b *broker) Subscribe(sessionID string, req SubscribeRequest) (*Subscription, error) {
	sess := b.session(sessionID)
	if sess == nil {
		return nil, ErrUnknownSession
	}
	if err := validateSubscribe(req); err != nil {
		return nil, err
	}

	id := req.StreamID
	if id == "" {
		id = b.newID()
	}
	sub := newSubscription(id, sess, req)
	if err := b.registry.register(sub); err != nil {
		return nil, err
	}
	if !sess.addSubscription(sub) {
		b.registry.remove(sub)
		return nil, ErrUnknownSession
	}
	b.metrics.SubscriptionOpened()

	b.wg.Add(1)
	go b.open(sub, req.Device)
	return sub, nil
}

func validateSubscribe(req SubscribeRequest) error {
	if len(req.Paths) == 0 {
		return ProtocolError("subscribe requires a path")
	}
	seen := make(map[string]bool, len(req.Paths))
	for _, p := range req.Paths {
		if strings.TrimSpace(p) == "" {
			return ProtocolError("subscribe path must not be empty")
		}
		if seen[p] {
			return ProtocolError("duplicate path %q", p)
		}
		seen[p] = true
	}
	switch req.Mode {
	case "", ModeDirect, ModeBroadcast:
	default:
		return ProtocolError("unknown delivery mode %q", req.Mode)
	}
	return validateDevice(req.Device)
}

func validateDevice(cfg device.Config) error {
	if cfg.Host == "" && cfg.RouterID == "" {
		return ProtocolError("deviceConfig requires host or routerId")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return ProtocolError("deviceConfig port %d out of range", cfg.Port)
	}
	return nil
}

// open resolves the device and opens or joins one physical stream per leg.
func (b *broker) open(sub *Subscription, cfg device.Config) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscription open panic", "stream_id", sub.ID, "panic", r)
			b.fail(sub, newError(KindConnection, fmt.Sprintf("subscription open failed: %v", r), nil))
		}
	}()

	if !sub.transition(StateConnecting) {
		return
	}

	resolved, err := b.resolveDevice(b.ctx, cfg)
	if err != nil {
		b.fail(sub, classify(err, KindCommand))
		return
	}

	// Streams joined here hold their pump until the subscription has been
	// announced, so no event or end can overtake the subscribed notice.
	var held []*physicalStream
	defer func() {
		for _, ps := range held {
			b.registry.settle(ps)
		}
	}()

	for _, sig := range sub.bind(resolved.Identity()) {
		ps, attached, err := b.joinStream(sub, sig, resolved)
		if ps != nil {
			held = append(held, ps)
		}
		if err != nil {
			b.fail(sub, classify(err, KindConnection))
			return
		}
		if !attached {
			ok, cause := b.registry.attach(ps, sub)
			if !ok && cause != nil {
				b.fail(sub, newError(KindConnection, "device stream stopped while attaching", cause))
				return
			}
			if !ok {
				// The device finished the stream before we got on it.
				sub.endLeg(sig)
			}
		}
		// Torn down while we were attaching: undo our own attach.
		if !sub.active() {
			b.detachLegs(sub)
			return
		}
	}

	if !sub.transition(StateSubscribed) {
		b.detachLegs(sub)
		return
	}
	if sub.Mode == ModeBroadcast {
		b.fanout.add(sub)
		if !sub.active() {
			b.fanout.remove(sub)
			return
		}
	}
	b.notify(sub, Notice{
		Type:             NoticeSubscribed,
		StreamID:         sub.ID,
		InternalStreamID: sub.InternalStreamID(),
		Path:             sub.Path(),
		Timestamp:        time.Now(),
	})

	if !sub.transition(StateStreaming) {
		return
	}
	b.logger.Debug("subscription streaming",
		"stream_id", sub.ID, "session", sub.SessionID, "path", sub.Path(), "mode", sub.Mode)

	// Legs may have ended before we reached Streaming.
	b.announceEnded(sub)
	if sub.allLegsEnded() && sub.transition(StateEnded) {
		b.finish(sub, "")
	}
}

// joinStream returns the physical stream for sig, opening it if this caller
// is first. Joiners of a stream that is still opening wait for the opener's
// outcome. attached reports that sub is already a subscriber, which holds
// for the opener; everyone else still has to attach. ps is returned even on
// error so the caller can settle it.
func (b *broker) joinStream(sub *Subscription, sig Signature, cfg device.Config) (ps *physicalStream, attached bool, err error) {
	ps, opener := b.registry.join(sig, sub.Params)
	if opener {
		b.openStream(ps, sub, cfg)
	}
	<-ps.ready
	if ps.err != nil {
		b.registry.release(ps)
		return ps, false, ps.err
	}
	return ps, opener, nil
}

// openStream acquires a connection and opens the device-level stream with
// sub as its first subscriber. It always settles ps.ready.
func (b *broker) openStream(ps *physicalStream, sub *Subscription, cfg device.Config) {
	ctx, span := b.tracer.Start(b.ctx, "broker.open_stream",
		trace.WithAttributes(
			attribute.String("stream.path", ps.sig.Path),
			attribute.String("stream.device", ps.sig.Device.String()),
		),
	)
	defer span.End()

	logger := b.logger.With("stream", ps.id, "device", ps.sig.Device.String(), "path", ps.sig.Path)

	settled := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stream open panic", "panic", r)
			if !settled {
				b.registry.openFailed(ps, newError(KindConnection, fmt.Sprintf("stream open failed: %v", r), nil))
			}
		}
	}()
	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("stream open failed", "error", err)
		settled = true
		b.registry.openFailed(ps, err)
		b.registry.prune(ps.sig.Device)
	}

	conn, err := b.pool.Acquire(ctx, cfg)
	if err != nil {
		fail(err)
		return
	}

	octx, cancel := context.WithTimeout(ctx, b.cfg.OpenTimeout)
	stream, err := conn.OpenStream(octx, ps.sig.Path, ps.params)
	cancel()
	if err != nil {
		b.pool.Release(conn)
		fail(err)
		return
	}

	b.metrics.StreamOpened()
	logger.Info("device stream opened")

	settled = true
	b.registry.opened(ps, conn, stream, sub)
	b.wg.Add(1)
	go b.pump(ps)
}

// Unsubscribe detaches the subscription and acknowledges it.
func (b *broker) Unsubscribe(sessionID, streamID string) bool {
	sub := b.registry.lookup(streamID)
	if sub == nil || sub.SessionID != sessionID {
		return false
	}
	if !sub.transition(StateUnsubscribing) {
		return false
	}
	b.finish(sub, "")
	b.notify(sub, Notice{
		Type:      NoticeUnsubscribed,
		StreamID:  sub.ID,
		Path:      sub.Path(),
		Timestamp: time.Now(),
	})
	return true
}

// legEnded handles a natural end of one leg's stream.
func (b *broker) legEnded(sub *Subscription, sig Signature) {
	ended, all := sub.endLeg(sig)
	if !ended {
		return
	}
	b.announceEnded(sub)
	if all && sub.transition(StateEnded) {
		b.finish(sub, "")
	}
}

// announceEnded sends the stream:ended notices owed to a streaming sub.
func (b *broker) announceEnded(sub *Subscription) {
	for _, sig := range sub.endedUnannounced() {
		b.notify(sub, Notice{
			Type:      NoticeEnded,
			StreamID:  sub.ID,
			Path:      sig.Path,
			Timestamp: time.Now(),
		})
	}
}

// fail moves sub to Errored, reports e to its client and tears it down.
func (b *broker) fail(sub *Subscription, e *Error) {
	if !sub.transition(StateErrored) {
		return
	}
	b.logger.Warn("subscription errored",
		"stream_id", sub.ID,
		"session", sub.SessionID,
		"path", sub.Path(),
		"kind", e.Kind,
		"error", e.Message,
	)
	b.notify(sub, Notice{
		Type:      NoticeError,
		StreamID:  sub.ID,
		Path:      sub.Path(),
		Err:       e,
		Timestamp: time.Now(),
	})
	b.finish(sub, e.Kind)
}

// finish releases everything a terminal subscription holds and closes it.
func (b *broker) finish(sub *Subscription, kind Kind) {
	b.detachLegs(sub)
	b.fanout.remove(sub)
	b.registry.remove(sub)
	sub.session.removeSubscription(sub)
	if sub.transition(StateClosed) {
		b.metrics.SubscriptionClosed(string(kind))
	}
}

func (b *broker) detachLegs(sub *Subscription) {
	for _, sig := range sub.signatures() {
		if ps := b.registry.detach(sig, sub); ps != nil {
			b.logger.Debug("last subscriber left, closing device stream", "stream", ps.id, "path", ps.sig.Path)
			b.shutdownStream(ps)
		}
	}
}

func (b *broker) notify(sub *Subscription, n Notice) {
	if err := sub.sink.Send(n); err != nil {
		b.logger.Debug("notice not delivered", "stream_id", sub.ID, "type", n.Type, "error", err)
	}
}

// resolveDevice completes a config that references a stored router.
func (b *broker) resolveDevice(ctx context.Context, cfg device.Config) (device.Config, error) {
	if cfg.RouterID != "" {
		if b.resolver == nil {
			if cfg.Host == "" {
				return cfg, newError(KindCommand, "router lookup is not configured", nil)
			}
			return cfg, nil
		}
		resolved, err := b.resolver.Resolve(ctx, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = resolved
	}
	if cfg.Host == "" {
		return cfg, newError(KindCommand, "device host is unknown", nil)
	}
	return cfg, nil
}

// Stats returns broker statistics.
func (b *broker) Stats() Stats {
	devices, streams, byState := b.registry.counts()

	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	subs, pending := 0, 0
	for _, s := range sessions {
		s.mu.Lock()
		subs += len(s.subs)
		pending += len(s.pending)
		s.mu.Unlock()
	}

	stats := Stats{
		Devices:         devices,
		Streams:         streams,
		Subscriptions:   subs,
		ByState:         byState,
		Sessions:        len(sessions),
		PendingCommands: pending,
	}
	if b.pool != nil {
		stats.Pool = b.pool.Stats()
	}
	return stats
}

// Streams lists open physical streams.
func (b *broker) Streams() []StreamInfo {
	return b.registry.streams()
}

// Shutdown closes every session and waits for pumps and execs to finish.
func (b *broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	b.logger.Info("shutting down broker", "sessions", len(ids))
	for _, id := range ids {
		b.Close(id)
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("broker stopped")
		return nil
	case <-ctx.Done():
		b.logger.Warn("broker shutdown timed out")
		return ctx.Err()
	}
}
