// Package publisher delivers outbound event messages to a durable queue in
// confirmed batches.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/metrics"
)

var (
	ErrClosed = errors.New("publisher closed")
	ErrNacked = errors.New("broker rejected message")
)

type Config struct {
	Queue         string
	BatchSize     int
	FlushInterval time.Duration
	// MaxRetries is the number of flush attempts after the first one.
	MaxRetries        int
	RetryDelay        time.Duration
	ConfirmTimeout    time.Duration
	ReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.ReconnectAttempts < 1 {
		c.ReconnectAttempts = 1
	}
	return c
}

// PublishError is returned to every caller of a batch that could not be
// delivered after all retries.
type PublishError struct {
	Attempts  int
	BatchSize int
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish batch of %d failed after %d attempts: %v", e.BatchSize, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

type pending struct {
	id   string
	body []byte
	done chan error
}

// Publisher batches messages and resolves each Publish call only after the
// broker has confirmed the whole batch the message was sent in.
type Publisher struct {
	dialer repository.PublishDialer
	cfg    Config
	logger *zap.Logger
	sleep  func(d time.Duration)

	mu      sync.Mutex
	pending []*pending
	timer   *time.Timer
	closed  bool
	flushes sync.WaitGroup

	// flushMu serializes flushes and guards ch.
	flushMu sync.Mutex
	ch      repository.PublishChannel
}

type Option func(*Publisher)

// WithSleep replaces the retry delay function, mainly for tests.
func WithSleep(fn func(d time.Duration)) Option {
	return func(p *Publisher) { p.sleep = fn }
}

func New(dialer repository.PublishDialer, cfg Config, logger *zap.Logger, opts ...Option) *Publisher {
	p := &Publisher{
		dialer: dialer,
		cfg:    cfg.withDefaults(),
		logger: logger.With(zap.String("queue", cfg.Queue)),
		sleep:  time.Sleep,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish enqueues msg and blocks until its batch is confirmed or fails.
// Cancelling ctx stops the wait but does not withdraw the message.
func (p *Publisher) Publish(ctx context.Context, msg entity.OutboundEventMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	item := &pending{id: msg.ID, body: body, done: make(chan error, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending = append(p.pending, item)
	if len(p.pending) >= p.cfg.BatchSize {
		batch := p.drainLocked()
		p.flushes.Add(1)
		go func() {
			defer p.flushes.Done()
			p.flush(batch)
		}()
	} else if p.timer == nil {
		p.timer = time.AfterFunc(p.cfg.FlushInterval, p.onTimer)
	}
	p.mu.Unlock()

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PublishMany publishes every message concurrently and returns the first
// error once all of them have resolved.
func (p *Publisher) PublishMany(ctx context.Context, msgs []entity.OutboundEventMessage) error {
	var g errgroup.Group
	for _, msg := range msgs {
		g.Go(func() error {
			return p.Publish(ctx, msg)
		})
	}
	return g.Wait()
}

// Pending reports how many messages wait for the next flush.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush sends whatever is pending now and waits for it.
func (p *Publisher) Flush() {
	p.mu.Lock()
	batch := p.drainLocked()
	if len(batch) > 0 {
		p.flushes.Add(1)
	}
	p.mu.Unlock()
	if len(batch) > 0 {
		defer p.flushes.Done()
		p.flush(batch)
	}
}

// Close flushes the pending batch, waits for in-flight flushes and releases
// the broker connection. Delivery failures of the final batch are reported to
// their callers only.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	batch := p.drainLocked()
	p.mu.Unlock()

	if len(batch) > 0 {
		p.flush(batch)
	}
	p.flushes.Wait()

	p.flushMu.Lock()
	defer p.flushMu.Unlock()
	p.resetChannel()
	return nil
}

func (p *Publisher) onTimer() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	batch := p.drainLocked()
	if len(batch) > 0 {
		p.flushes.Add(1)
	}
	p.mu.Unlock()

	if len(batch) > 0 {
		defer p.flushes.Done()
		p.flush(batch)
	}
}

// drainLocked takes the pending batch and disarms the timer. p.mu must be held.
func (p *Publisher) drainLocked() []*pending {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	batch := p.pending
	p.pending = nil
	return batch
}

func (p *Publisher) flush(batch []*pending) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	start := time.Now()
	attempts := p.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = p.send(batch); err == nil {
			break
		}
		p.logger.Warn("batch publish failed",
			zap.Int("attempt", attempt),
			zap.Int("size", len(batch)),
			zap.Error(err),
		)
		p.resetChannel()
		if attempt < attempts {
			metrics.PublishRetriesTotal.Inc()
			p.sleep(time.Duration(attempt) * p.cfg.RetryDelay)
		}
	}
	metrics.PublishFlushDuration.Observe(time.Since(start).Seconds())

	status := "confirmed"
	if err != nil {
		status = "failed"
		err = &PublishError{Attempts: attempts, BatchSize: len(batch), Err: err}
		p.logger.Error("batch dropped", zap.Int("size", len(batch)), zap.Error(err))
	} else {
		p.logger.Debug("batch confirmed", zap.Int("size", len(batch)))
	}
	metrics.PublishedMessagesTotal.WithLabelValues(status).Add(float64(len(batch)))
	for _, item := range batch {
		item.done <- err
	}
}

// send publishes the batch on the current channel and waits for every confirm.
func (p *Publisher) send(batch []*pending) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConfirmTimeout)
	defer cancel()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	confs := make([]repository.Confirmation, 0, len(batch))
	for _, item := range batch {
		conf, ready, err := ch.Publish(ctx, p.cfg.Queue, item.id, item.body)
		if err != nil {
			return fmt.Errorf("publish %s: %w", item.id, err)
		}
		confs = append(confs, conf)
		if !ready {
			metrics.PublishBackpressureTotal.Inc()
			p.logger.Debug("channel full, waiting for ready")
			select {
			case <-ch.Ready():
			case <-ctx.Done():
				return fmt.Errorf("wait for channel ready: %w", ctx.Err())
			}
		}
	}

	for i, conf := range confs {
		acked, err := conf.Wait(ctx)
		if err != nil {
			return fmt.Errorf("await confirm for %s: %w", batch[i].id, err)
		}
		if !acked {
			return fmt.Errorf("%w: %s", ErrNacked, batch[i].id)
		}
	}
	return nil
}

// channel returns the open channel, dialing a new one if needed.
func (p *Publisher) channel(ctx context.Context) (repository.PublishChannel, error) {
	if p.ch != nil {
		return p.ch, nil
	}
	var err error
	for attempt := 1; attempt <= p.cfg.ReconnectAttempts; attempt++ {
		var ch repository.PublishChannel
		if ch, err = p.dialer.Dial(ctx); err == nil {
			p.ch = ch
			return ch, nil
		}
		p.logger.Warn("broker connect failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < p.cfg.ReconnectAttempts {
			p.sleep(time.Duration(attempt) * p.cfg.RetryDelay)
		}
	}
	return nil, fmt.Errorf("connect to broker after %d attempts: %w", p.cfg.ReconnectAttempts, err)
}

func (p *Publisher) resetChannel() {
	if p.ch == nil {
		return
	}
	if err := p.ch.Close(); err != nil {
		p.logger.Debug("close channel", zap.Error(err))
	}
	p.ch = nil
}
