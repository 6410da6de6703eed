package bus

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/directord/internal/config"
	"github.com/fyrsmithlabs/directord/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/directord/internal/bus"

// rejectionMaxRetries is the reason recorded when a message exhausts its
// retry budget.
const rejectionMaxRetries = "max retries exceeded"

// latencyAlpha is the smoothing factor for the delivery latency moving
// average. Samples are weighted 10% against the running value.
const latencyAlpha = 0.1

// Bus delivers messages between director protocol components with durable
// file-backed queueing and at-least-once delivery.
type Bus interface {
	// Publish validates and persists a message, then wakes the dispatcher.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers a handler for messages matching filter. The
	// returned cancel function removes the subscription.
	Subscribe(filter Filter, handler Handler) (func(), error)

	// Request publishes msg with a correlation id and blocks until a
	// response arrives or the timeout elapses.
	Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)

	// Respond publishes a response correlated to original.
	Respond(ctx context.Context, original *Message, content Body) error

	// Acknowledge moves a pending message to the processed store.
	Acknowledge(ctx context.Context, id string) error

	// Reject moves a pending message to the error store with a reason.
	Reject(ctx context.Context, id, reason string) error

	// Stats returns a snapshot of bus activity.
	Stats() Stats

	// Close stops background goroutines and releases the watcher.
	Close() error
}

// EventSink receives message lifecycle notifications for mirroring onto an
// external stream. Implementations must not block; the dispatcher calls
// them inline.
type EventSink interface {
	MessageEvent(ctx context.Context, kind string, msg *Message)
}

// Lifecycle kinds passed to EventSink.
const (
	EventPublished    = "published"
	EventAcknowledged = "acknowledged"
	EventRejected     = "rejected"
)

// Option customizes bus construction.
type Option func(*fileBus)

// WithEventSink mirrors message lifecycle transitions onto sink.
func WithEventSink(sink EventSink) Option {
	return func(b *fileBus) { b.sink = sink }
}

type subscription struct {
	filter  Filter
	handler Handler
}

type fileBus struct {
	cfg    config.BusConfig
	logger *logging.Logger
	tracer trace.Tracer
	store  *store
	sink   EventSink

	mu      sync.RWMutex
	subs    map[int]*subscription
	nextSub int
	waiters map[string]chan *Message
	closed  bool

	seq       atomic.Uint64
	published atomic.Uint64
	processed atomic.Uint64
	rejected  atomic.Uint64
	gcRemoved atomic.Int64

	latencyMu  sync.Mutex
	latencyEMA float64
	latencySet bool

	watcher *fsnotify.Watcher
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a durable message bus rooted at cfg.DataDir and starts its
// dispatcher. The sequence counter resumes past the highest value found on
// disk so ordering survives restarts. Close must be called to stop
// background work.
func New(cfg config.BusConfig, logger *logging.Logger, opts ...Option) (Bus, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PollInterval.Duration() <= 0 {
		cfg.PollInterval = config.Duration(500 * time.Millisecond)
	}
	if cfg.GCInterval.Duration() <= 0 {
		cfg.GCInterval = config.Duration(time.Hour)
	}
	if cfg.MessageTTL.Duration() <= 0 {
		cfg.MessageTTL = config.Duration(24 * time.Hour)
	}

	st, err := newStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize message store: %w", err)
	}
	last, err := st.maxSeq()
	if err != nil {
		return nil, fmt.Errorf("failed to recover sequence state: %w", err)
	}

	b := &fileBus{
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		store:   st,
		subs:    make(map[int]*subscription),
		waiters: make(map[string]chan *Message),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	b.seq.Store(last)
	for _, opt := range opts {
		opt(b)
	}

	if pending, _, _, err := st.counts(); err == nil {
		messagesPending.Set(float64(pending))
	}

	// The watcher is an optimization; polling alone keeps the bus correct.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn(context.Background(), "message watcher unavailable, falling back to polling",
			zap.Error(err))
	} else if err := watcher.Add(filepath.Join(cfg.DataDir, pendingDir)); err != nil {
		watcher.Close()
		logger.Warn(context.Background(), "failed to watch pending directory, falling back to polling",
			zap.Error(err))
	} else {
		b.watcher = watcher
	}

	b.wg.Add(1)
	go b.run()
	if b.watcher != nil {
		b.wg.Add(1)
		go b.watch()
	}
	b.wg.Add(1)
	go b.runGC()

	logger.Info(context.Background(), "message bus started",
		zap.String("data_dir", cfg.DataDir),
		zap.Uint64("last_seq", last),
		zap.Int("max_retries", cfg.MaxRetries))
	return b, nil
}

func (b *fileBus) Publish(ctx context.Context, msg *Message) error {
	ctx, span := b.tracer.Start(ctx, "bus.Publish")
	defer span.End()

	if err := msg.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		return err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if msg.MaxRetries <= 0 {
		msg.MaxRetries = b.cfg.MaxRetries
	}
	msg.Seq = b.seq.Add(1)

	if err := b.store.writePending(msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return fmt.Errorf("failed to publish message: %w", err)
	}
	b.published.Add(1)
	messagesPublished.Inc()
	messagesPending.Inc()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
		attribute.Int64("message.seq", int64(msg.Seq)),
	)
	b.logger.Debug(ctx, "message published",
		zap.String("message_id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("sender", msg.Sender),
		zap.Uint64("seq", msg.Seq))
	b.emit(ctx, EventPublished, msg)
	b.notify()
	return nil
}

func (b *fileBus) Subscribe(filter Filter, handler Handler) (func(), error) {
	if handler == nil {
		return nil, fmt.Errorf("%w: nil handler", ErrInvalidMessage)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscription{filter: filter, handler: handler}
	b.mu.Unlock()

	// A new subscriber may match messages already waiting on disk.
	b.notify()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return cancel, nil
}

func (b *fileBus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	ctx, span := b.tracer.Start(ctx, "bus.Request")
	defer span.End()

	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = uuid.NewString()
	}
	msg.RequiresResponse = true
	if msg.ReplyTo == "" {
		msg.ReplyTo = msg.Sender
	}

	ch := make(chan *Message, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.waiters[msg.CorrelationID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, msg.CorrelationID)
		b.mu.Unlock()
	}()

	if err := b.Publish(ctx, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		err := fmt.Errorf("%w after %s", ErrRequestTimeout, timeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, "request timed out")
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

func (b *fileBus) Respond(ctx context.Context, original *Message, content Body) error {
	if original == nil || original.CorrelationID == "" {
		return fmt.Errorf("%w: response requires a correlated original", ErrInvalidMessage)
	}
	sender := original.Receiver
	if sender == "" {
		sender = "directord"
	}
	resp := NewMessage(TypeResponse, sender, content)
	resp.CorrelationID = original.CorrelationID
	resp.Priority = original.Priority
	resp.Receiver = original.ReplyTo
	if resp.Receiver == "" {
		resp.Receiver = original.Sender
	}
	return b.Publish(ctx, resp)
}

func (b *fileBus) Acknowledge(ctx context.Context, id string) error {
	ctx, span := b.tracer.Start(ctx, "bus.Acknowledge")
	defer span.End()

	msg, err := b.store.get(id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := b.store.markProcessed(id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acknowledge failed")
		return err
	}
	b.processed.Add(1)
	messagesAcknowledged.Inc()
	messagesPending.Dec()
	b.observeLatency(time.Since(msg.Timestamp))
	b.emit(ctx, EventAcknowledged, msg)
	return nil
}

func (b *fileBus) Reject(ctx context.Context, id, reason string) error {
	ctx, span := b.tracer.Start(ctx, "bus.Reject")
	defer span.End()

	if reason == "" {
		reason = "rejected"
	}
	msg, err := b.store.get(id)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := b.store.markError(msg, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reject failed")
		return err
	}
	b.rejected.Add(1)
	messagesRejected.Inc()
	messagesPending.Dec()
	b.logger.Warn(ctx, "message rejected",
		zap.String("message_id", id),
		zap.String("reason", reason))
	b.emit(ctx, EventRejected, msg)
	return nil
}

func (b *fileBus) Stats() Stats {
	pending, _, _, err := b.store.counts()
	if err != nil {
		b.logger.Warn(context.Background(), "failed to count messages", zap.Error(err))
	}
	b.mu.RLock()
	subscribers := len(b.subs)
	b.mu.RUnlock()
	b.latencyMu.Lock()
	avg := time.Duration(b.latencyEMA)
	b.latencyMu.Unlock()
	return Stats{
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Rejected:      b.rejected.Load(),
		Pending:       pending,
		Subscribers:   subscribers,
		AvgLatency:    avg,
		LastGCRemoved: int(b.gcRemoved.Load()),
	}
}

func (b *fileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	if b.watcher != nil {
		b.watcher.Close()
	}
	b.wg.Wait()
	b.logger.Info(context.Background(), "message bus closed")
	return nil
}

// run is the dispatcher loop. A single goroutine drains the pending store
// so delivery order follows sequence numbers without cross-message races.
func (b *fileBus) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.PollInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
			b.dispatchPending()
		case <-ticker.C:
			b.dispatchPending()
		}
	}
}

func (b *fileBus) dispatchPending() {
	ctx := context.Background()
	msgs, err := b.store.listPending()
	if err != nil {
		b.logger.Warn(ctx, "failed to list pending messages", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		select {
		case <-b.done:
			return
		default:
		}
		b.dispatch(ctx, msg)
	}
}

func (b *fileBus) dispatch(ctx context.Context, msg *Message) {
	ctx, span := b.tracer.Start(ctx, "bus.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.type", string(msg.Type)),
	)

	// Responses with a registered waiter bypass subscriber matching.
	if msg.Type == TypeResponse && msg.CorrelationID != "" {
		b.mu.RLock()
		ch, ok := b.waiters[msg.CorrelationID]
		b.mu.RUnlock()
		if ok {
			select {
			case ch <- msg.clone():
			default:
			}
			b.finish(ctx, msg)
			return
		}
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter.Matches(msg) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.RUnlock()

	// No interested subscriber: acknowledge immediately so the queue drains.
	if len(handlers) == 0 {
		b.finish(ctx, msg)
		return
	}

	var failed bool
	for _, h := range handlers {
		if err := h(ctx, msg.clone()); err != nil {
			failed = true
			b.logger.Warn(ctx, "message handler failed",
				zap.String("message_id", msg.ID),
				zap.Int("retry_count", msg.RetryCount),
				zap.Error(err))
		}
	}
	if !failed {
		b.finish(ctx, msg)
		return
	}

	// One increment per delivery attempt, no matter how many handlers saw
	// the message. A message with budget n is attempted exactly n times.
	msg.RetryCount++
	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.cfg.MaxRetries
	}
	if msg.RetryCount >= maxRetries {
		if err := b.store.markError(msg, rejectionMaxRetries); err != nil {
			if errors.Is(err, ErrNotFound) {
				// A handler resolved the message explicitly during dispatch.
				return
			}
			b.logger.Error(ctx, "failed to move message to error store",
				zap.String("message_id", msg.ID), zap.Error(err))
			return
		}
		b.rejected.Add(1)
		messagesRejected.Inc()
		messagesPending.Dec()
		span.SetStatus(codes.Error, rejectionMaxRetries)
		b.logger.Warn(ctx, "message rejected",
			zap.String("message_id", msg.ID),
			zap.String("reason", rejectionMaxRetries),
			zap.Int("attempts", msg.RetryCount))
		b.emit(ctx, EventRejected, msg)
		return
	}
	if err := b.store.update(msg); err != nil && !errors.Is(err, ErrNotFound) {
		b.logger.Error(ctx, "failed to requeue message",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}

// finish acknowledges a successfully delivered (or unmatched) message.
func (b *fileBus) finish(ctx context.Context, msg *Message) {
	if err := b.store.markProcessed(msg.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			// A handler resolved the message explicitly during dispatch.
			return
		}
		b.logger.Warn(ctx, "failed to acknowledge message",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	b.processed.Add(1)
	messagesAcknowledged.Inc()
	messagesPending.Dec()
	latency := time.Since(msg.Timestamp)
	b.observeLatency(latency)
	deliveryLatency.Observe(latency.Seconds())
	b.emit(ctx, EventAcknowledged, msg)
}

func (b *fileBus) observeLatency(d time.Duration) {
	b.latencyMu.Lock()
	defer b.latencyMu.Unlock()
	if !b.latencySet {
		b.latencyEMA = float64(d)
		b.latencySet = true
		return
	}
	b.latencyEMA = b.latencyEMA*(1-latencyAlpha) + float64(d)*latencyAlpha
}

func (b *fileBus) emit(ctx context.Context, kind string, msg *Message) {
	if b.sink == nil {
		return
	}
	b.sink.MessageEvent(ctx, kind, msg)
}

// notify wakes the dispatcher without blocking. A full wake channel means a
// pass is already scheduled.
func (b *fileBus) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// watch forwards pending-directory filesystem events to the dispatcher.
func (b *fileBus) watch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
				b.notify()
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logger.Warn(context.Background(), "message watcher error", zap.Error(err))
		}
	}
}

// runGC periodically removes expired pending and processed messages.
// Messages in the error store are never collected.
func (b *fileBus) runGC() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.GCInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			removed, err := b.store.gc(b.cfg.MessageTTL.Duration())
			if err != nil {
				b.logger.Warn(context.Background(), "message gc failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				b.gcRemoved.Store(int64(removed))
				b.logger.Debug(context.Background(), "message gc complete",
					zap.Int("removed", removed))
			}
		}
	}
}
