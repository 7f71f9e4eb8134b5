package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/user/event-pipeline/internal/repository"
)

const dialTimeout = 10 * time.Second

// Dialer opens confirm-mode channels on a durable queue.
type Dialer struct {
	url    string
	queue  string
	logger *zap.Logger
}

func NewDialer(url, queue string, logger *zap.Logger) *Dialer {
	return &Dialer{url: url, queue: queue, logger: logger}
}

func connect(url string) (*amqp.Connection, error) {
	return amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(dialTimeout),
	})
}

func declare(ch *amqp.Channel, queue string) error {
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

// Dial connects, declares the queue and puts the channel into confirm mode.
func (d *Dialer) Dial(ctx context.Context) (repository.PublishChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := connect(d.url)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, d.queue); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", d.queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}

	pc := &publishChannel{conn: conn, ch: ch, gate: newGate(), logger: d.logger}
	go pc.watch(ch.NotifyFlow(make(chan bool, 1)), conn.NotifyBlocked(make(chan amqp.Blocking, 1)))
	d.logger.Debug("publish channel opened", zap.String("queue", d.queue))
	return pc, nil
}

type publishChannel struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	gate   *gate
	logger *zap.Logger
}

// watch follows broker flow control until the connection closes.
func (p *publishChannel) watch(flow <-chan bool, blocked <-chan amqp.Blocking) {
	for flow != nil || blocked != nil {
		select {
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			p.logger.Info("channel flow changed", zap.Bool("active", active))
			p.gate.setFlow(active)
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			p.logger.Warn("connection blocked changed", zap.Bool("blocked", b.Active), zap.String("reason", b.Reason))
			p.gate.setBlocked(b.Active)
		}
	}
}

func (p *publishChannel) Publish(ctx context.Context, queue, messageID string, body []byte) (repository.Confirmation, bool, error) {
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return nil, false, err
	}
	return confirmation{dc}, p.gate.isOpen(), nil
}

func (p *publishChannel) Ready() <-chan struct{} { return p.gate.Ready() }

func (p *publishChannel) Close() error {
	if err := p.ch.Close(); err != nil && !p.conn.IsClosed() {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

type confirmation struct {
	dc *amqp.DeferredConfirmation
}

func (c confirmation) Wait(ctx context.Context) (bool, error) {
	return c.dc.WaitContext(ctx)
}
