package authcore

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// eventDispatcher decouples event emission from the request path. Events are
// queued on a bounded channel and delivered by a single worker goroutine;
// delivery failures are retried a bounded number of times, then dropped and
// counted. A full queue drops immediately; an unavailable bus must never
// slow down or fail an authentication operation.
type eventDispatcher struct {
	cfg       EventConfig
	sink      EventSink
	logger    *slog.Logger
	ch        chan DomainEvent
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

func newEventDispatcher(cfg EventConfig, sink EventSink, logger *slog.Logger) *eventDispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &eventDispatcher{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ch:     make(chan DomainEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *eventDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.deliver(event)
		case <-d.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case event := <-d.ch:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *eventDispatcher) deliver(event DomainEvent) {
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			// Retries only while running. During drain each event gets a
			// single attempt; waiting out the backoff would stall shutdown
			// and skipping it would spin against a dead bus.
			select {
			case <-d.done:
				d.drop(event, err)
				return
			default:
			}
			if d.cfg.RetryDelay > 0 {
				select {
				case <-time.After(d.cfg.RetryDelay):
				case <-d.done:
					d.drop(event, err)
					return
				}
			}
		}
		if err = d.sink.Emit(context.Background(), event); err == nil {
			return
		}
	}
	d.drop(event, err)
}

func (d *eventDispatcher) drop(event DomainEvent, err error) {
	d.dropped.Add(1)
	if d.logger != nil {
		d.logger.Warn("event delivery failed, dropping",
			"type", string(event.Type),
			"subject", event.SubjectID,
			"error", err)
	}
}

// Emit queues the event without blocking the caller. Events offered to a full
// queue or a closed dispatcher are dropped and counted.
func (d *eventDispatcher) Emit(event DomainEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
	}
}

// Close stops the worker after draining queued events.
func (d *eventDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
	})
}

// Dropped returns the count of events lost to a full queue or exhausted
// retries.
func (d *eventDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
