package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shirube/internal/model"
	"github.com/ashita-ai/shirube/internal/telemetry"
)

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("stream: bridge closed")

// Sink receives envelopes in order from the consumer goroutine. A Send error
// detaches the sink: later envelopes are drained and discarded.
type Sink interface {
	Send(env Envelope) error
}

// Keepaliver is implemented by sinks that want a heartbeat while idle.
type Keepaliver interface {
	Keepalive() error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Envelope) error

func (f SinkFunc) Send(env Envelope) error { return f(env) }

// Options tunes a Bridge.
type Options struct {
	BufferSize int           // queue capacity; default 64
	Keepalive  time.Duration // 0 disables heartbeats
	Logger     *slog.Logger
}

type item struct {
	env      Envelope
	sentinel bool
}

var queueDepth, _ = telemetry.Meter("shirube/stream").Int64UpDownCounter("shirube.stream.queue_depth",
	metric.WithDescription("Envelopes queued but not yet delivered"))

// Bridge decouples event production from delivery for one run.
type Bridge struct {
	traceID   string
	sink      Sink
	keepalive time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex // serializes seq assignment with enqueue
	seq    uint64
	closed bool

	queue    chan item
	done     chan struct{}
	detached atomic.Bool
}

// NewBridge starts a consumer goroutine delivering to sink. Callers must
// Close the bridge to stop it.
func NewBridge(traceID string, sink Sink, opts Options) *Bridge {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bridge{
		traceID:   traceID,
		sink:      sink,
		keepalive: opts.Keepalive,
		logger:    opts.Logger,
		now:       time.Now,
		queue:     make(chan item, opts.BufferSize),
		done:      make(chan struct{}),
	}
	go b.consume()
	return b
}

// Emit wraps payload in the next envelope and enqueues it, blocking while
// the queue is full.
func (b *Bridge) Emit(eventType model.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: encode %s payload: %w", eventType, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.seq++
	env := Envelope{
		EventType:     eventType,
		Seq:           b.seq,
		Timestamp:     b.now().UTC(),
		TraceID:       b.traceID,
		SchemaVersion: SchemaVersion,
		Payload:       data,
	}
	b.queue <- item{env: env}
	if queueDepth != nil {
		queueDepth.Add(context.Background(), 1)
	}
	return nil
}

// Seq returns the last assigned sequence number.
func (b *Bridge) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Detached reports whether the sink failed and delivery stopped.
func (b *Bridge) Detached() bool { return b.detached.Load() }

// Close enqueues the terminal sentinel and waits until every envelope before
// it has been handled. It is safe to call more than once.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.queue <- item{sentinel: true}
	b.mu.Unlock()
	<-b.done
}

func (b *Bridge) consume() {
	defer close(b.done)

	var tick <-chan time.Time
	ka, canKeepalive := b.sink.(Keepaliver)
	if canKeepalive && b.keepalive > 0 {
		t := time.NewTicker(b.keepalive)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case it := <-b.queue:
			if it.sentinel {
				return
			}
			if queueDepth != nil {
				queueDepth.Add(context.Background(), -1)
			}
			if b.detached.Load() {
				continue
			}
			if err := b.sink.Send(it.env); err != nil {
				b.detach(err, it.env.Seq)
				tick = nil
			}
		case <-tick:
			if err := ka.Keepalive(); err != nil {
				b.detach(err, 0)
				tick = nil
			}
		}
	}
}

func (b *Bridge) detach(err error, seq uint64) {
	b.detached.Store(true)
	b.logger.Info("stream: consumer detached, discarding remaining events",
		"trace_id", b.traceID, "seq", seq, "error", err)
}
