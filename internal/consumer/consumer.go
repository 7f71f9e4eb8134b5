// Package consumer drains the event queue into the event store in batches,
// acknowledging broker messages only after the batch has been written.
package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/repository"
	"github.com/user/event-pipeline/pkg/metrics"
)

// OverflowFactor multiplies the batch size into the forced-flush threshold.
const OverflowFactor = 3

const (
	TriggerSize     = "size"
	TriggerTimer    = "timer"
	TriggerOverflow = "overflow"
	TriggerShutdown = "shutdown"
)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// FlushResult summarizes one flush.
type FlushResult struct {
	Trigger   string
	Messages  int
	Malformed int
	Written   int64
	Err       error
}

// Consumer buffers deliveries and writes them with one bulk upsert per flush.
type Consumer struct {
	source   repository.DeliverySource
	store    repository.EventStoreRepository
	resolver *Resolver
	cfg      Config
	logger   *zap.Logger

	mu       sync.Mutex
	buf      []repository.Delivery
	timer    *time.Timer
	flushing bool
	closing  bool
	flushes  sync.WaitGroup

	// flushMu keeps a single flush in flight.
	flushMu sync.Mutex
	onFlush func(FlushResult)
}

type Option func(*Consumer)

// WithFlushHook is called after every flush, mainly for tests.
func WithFlushHook(fn func(FlushResult)) Option {
	return func(c *Consumer) { c.onFlush = fn }
}

func New(source repository.DeliverySource, store repository.EventStoreRepository, cfg Config, logger *zap.Logger, opts ...Option) *Consumer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	c := &Consumer{
		source:   source,
		store:    store,
		resolver: NewResolver(store, logger),
		cfg:      cfg,
		logger:   logger,
		onFlush:  func(FlushResult) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the delivery stream ends, then
// flushes what is buffered and closes the source.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("consumer started",
		zap.Int("batch_size", c.cfg.BatchSize),
		zap.Duration("flush_interval", c.cfg.FlushInterval),
	)

	for {
		select {
		case <-ctx.Done():
			return c.Shutdown()
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery stream closed")
				return c.Shutdown()
			}
			c.Push(d)
		}
	}
}

// Push buffers one delivery and triggers a flush when a threshold is reached.
// At the overflow threshold the flush runs synchronously, so the caller stops
// pulling deliveries until the buffer has been written.
func (c *Consumer) Push(d repository.Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	n := len(c.buf)
	metrics.ConsumerBufferSize.Set(float64(n))

	switch {
	case n >= c.cfg.BatchSize*OverflowFactor:
		batch := c.drainLocked()
		c.mu.Unlock()
		c.logger.Warn("buffer overflow, forcing flush", zap.Int("buffered", n))
		c.flush(batch, TriggerOverflow)
		return
	case n >= c.cfg.BatchSize && !c.flushing:
		batch := c.drainLocked()
		c.flushing = true
		c.flushes.Add(1)
		go c.flushLoop(batch)
	case c.timer == nil && !c.closing:
		c.timer = time.AfterFunc(c.cfg.FlushInterval, c.onTimer)
	}
	c.mu.Unlock()
}

// Buffered reports how many deliveries await a flush.
func (c *Consumer) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Shutdown disarms the flush timer, waits for in-flight flushes, drains the
// buffer and closes the source once no flush is running.
func (c *Consumer) Shutdown() error {
	c.mu.Lock()
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	c.flushes.Wait()

	c.mu.Lock()
	batch := c.drainLocked()
	c.mu.Unlock()
	if len(batch) > 0 {
		c.flush(batch, TriggerShutdown)
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.logger.Info("consumer stopped")
	return c.source.Close()
}

// flushLoop writes size-triggered batches until the buffer drops below the
// batch size again.
func (c *Consumer) flushLoop(batch []repository.Delivery) {
	defer c.flushes.Done()
	for len(batch) > 0 {
		c.flush(batch, TriggerSize)

		c.mu.Lock()
		batch = nil
		if len(c.buf) >= c.cfg.BatchSize {
			batch = c.drainLocked()
		} else {
			c.flushing = false
		}
		c.mu.Unlock()
	}
}

func (c *Consumer) onTimer() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	batch := c.drainLocked()
	if len(batch) > 0 {
		c.flushes.Add(1)
	}
	c.mu.Unlock()

	if len(batch) > 0 {
		defer c.flushes.Done()
		c.flush(batch, TriggerTimer)
	}
}

func (c *Consumer) drainLocked() []repository.Delivery {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.buf
	c.buf = nil
	metrics.ConsumerBufferSize.Set(0)
	return batch
}

func (c *Consumer) flush(batch []repository.Delivery, trigger string) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	res := FlushResult{Trigger: trigger, Messages: len(batch)}
	msgs := make([]entity.OutboundEventMessage, 0, len(batch))
	for _, d := range batch {
		var m entity.OutboundEventMessage
		if err := json.Unmarshal(d.Body(), &m); err != nil {
			res.Malformed++
			c.logger.Debug("malformed message", zap.Error(err))
			continue
		}
		if err := m.Validate(); err != nil {
			res.Malformed++
			c.logger.Debug("malformed message", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		msgs = append(msgs, m)
	}
	metrics.ConsumerMessagesTotal.WithLabelValues("malformed").Add(float64(res.Malformed))

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	events := c.resolve(ctx, dedupeByID(msgs))
	if len(events) > 0 {
		res.Written, res.Err = c.store.BulkUpsertEvents(ctx, events)
	}

	if res.Err != nil {
		// Discarded without requeue; a later crawl re-publishes lost events.
		for _, d := range batch {
			if err := d.Reject(false); err != nil {
				c.logger.Warn("reject failed", zap.Error(err))
			}
		}
		metrics.ConsumerMessagesTotal.WithLabelValues("rejected").Add(float64(len(batch) - res.Malformed))
		metrics.ConsumerFlushesTotal.WithLabelValues(trigger, "failed").Inc()
		c.logger.Error("batch write failed, discarding",
			zap.String("trigger", trigger),
			zap.Int("messages", len(batch)),
			zap.Error(res.Err),
		)
	} else {
		for _, d := range batch {
			if err := d.Ack(); err != nil {
				c.logger.Warn("ack failed", zap.Error(err))
			}
		}
		metrics.ConsumerMessagesTotal.WithLabelValues("acked").Add(float64(len(batch) - res.Malformed))
		metrics.ConsumerFlushesTotal.WithLabelValues(trigger, "ok").Inc()
		c.logger.Info("batch written",
			zap.String("trigger", trigger),
			zap.Int("messages", len(batch)),
			zap.Int("malformed", res.Malformed),
			zap.Int64("rows", res.Written),
		)
	}
	c.onFlush(res)
}

// resolve fills venue and category ids. Failed lookups leave the id nil.
func (c *Consumer) resolve(ctx context.Context, msgs []entity.OutboundEventMessage) []entity.StoredEvent {
	out := make([]entity.StoredEvent, 0, len(msgs))
	for _, m := range msgs {
		ev := entity.StoredEvent{
			ExternalID:  m.ID,
			Title:       m.Title,
			Description: m.Description,
			CategoryID:  m.CategoryID,
			VenueID:     m.VenueID,
			StartsAt:    m.DateTimeFrom,
			EndsAt:      m.DateTimeTo,
			PriceFrom:   m.PriceFrom,
			SourceURL:   m.SourceURL,
		}
		if ev.StartsAt == nil {
			ev.StartsAt = m.DateTime
		}
		if ev.VenueID == nil && m.VenueName != "" {
			ev.VenueID = c.resolver.Venue(ctx, m.VenueName)
		}
		if ev.CategoryID == nil && m.CategoryName != "" {
			ev.CategoryID = c.resolver.Category(ctx, m.CategoryName)
		}
		out = append(out, ev)
	}
	return out
}

// dedupeByID keeps the last message for each id, in first-seen order. A bulk
// upsert cannot touch the same row twice in one statement.
func dedupeByID(msgs []entity.OutboundEventMessage) []entity.OutboundEventMessage {
	pos := make(map[string]int, len(msgs))
	out := make([]entity.OutboundEventMessage, 0, len(msgs))
	for _, m := range msgs {
		if i, ok := pos[m.ID]; ok {
			out[i] = m
			continue
		}
		pos[m.ID] = len(out)
		out = append(out, m)
	}
	return out
}
