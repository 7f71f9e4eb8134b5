package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/repository"
)

// Source consumes a durable queue with manual acknowledgement.
type Source struct {
	url      string
	queue    string
	prefetch int
	logger   *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewSource creates a source that lets at most prefetch messages be
// unacknowledged at once.
func NewSource(url, queue string, prefetch int, logger *zap.Logger) *Source {
	return &Source{url: url, queue: queue, prefetch: prefetch, logger: logger}
}

// Consume starts delivery. Cancelling ctx stops delivery but keeps the channel
// open so buffered messages can still be acknowledged before Close.
func (s *Source) Consume(ctx context.Context) (<-chan repository.Delivery, error) {
	conn, err := connect(s.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, s.queue); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", s.queue, err)
	}
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("consume %s: %w", s.queue, err)
	}
	s.mu.Lock()
	s.conn, s.ch = conn, ch
	s.mu.Unlock()

	out := make(chan repository.Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			select {
			case out <- delivery{d}:
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("consuming", zap.String("queue", s.queue), zap.Int("prefetch", s.prefetch))
	return out, nil
}

// Ping reports whether the consuming connection is still open.
func (s *Source) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("close channel", zap.Error(err))
	}
	return s.conn.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d delivery) Body() []byte              { return d.d.Body }
func (d delivery) Ack() error                { return d.d.Ack(false) }
func (d delivery) Reject(requeue bool) error { return d.d.Reject(requeue) }
