package publisher_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/publisher"
	"github.com/user/event-pipeline/internal/repository"
)

type fakeConf struct{ acked bool }

func (c fakeConf) Wait(context.Context) (bool, error) { return c.acked, nil }

type fakeChannel struct {
	mu            sync.Mutex
	ids           []string
	failPublish   error
	nack          bool
	notReadyAfter int
	ready         chan struct{}
	closed        bool
	afterClose    bool
}

func (c *fakeChannel) Publish(_ context.Context, _, id string, _ []byte) (repository.Confirmation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failPublish != nil {
		return nil, false, c.failPublish
	}
	if c.closed {
		c.afterClose = true
	}
	c.ids = append(c.ids, id)
	ready := c.notReadyAfter == 0 || len(c.ids) != c.notReadyAfter
	return fakeConf{acked: !c.nack}, ready, nil
}

func (c *fakeChannel) Ready() <-chan struct{} { return c.ready }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) published() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	next     func(n int) (*fakeChannel, error)
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(context.Context) (repository.PublishChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, err := d.next(len(d.channels) + 1)
	d.channels = append(d.channels, ch)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

func single(ch *fakeChannel) *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeChannel, error) { return ch, nil }}
}

func messages(n int) []entity.OutboundEventMessage {
	out := make([]entity.OutboundEventMessage, n)
	for i := range out {
		out[i] = entity.OutboundEventMessage{ID: fmt.Sprintf("%016x", i+1), Title: fmt.Sprintf("Event %d", i+1)}
	}
	return out
}

func ids(msgs []entity.OutboundEventMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestPublishManyFlushesOnBatchSize(t *testing.T) {
	ch := &fakeChannel{}
	d := single(ch)
	p := publisher.New(d, publisher.Config{Queue: "events", BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	msgs := messages(3)
	require.NoError(t, p.PublishMany(context.Background(), msgs))
	assert.ElementsMatch(t, ids(msgs), ch.published())
	assert.Equal(t, 1, d.dials(), "channel is reused across flushes")

	require.NoError(t, p.Close())
	assert.True(t, ch.isClosed())
}

func TestPublishFlushesOnTimer(t *testing.T) {
	ch := &fakeChannel{}
	p := publisher.New(single(ch), publisher.Config{Queue: "events", BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	defer p.Close()

	msgs := messages(5)
	require.NoError(t, p.PublishMany(context.Background(), msgs))
	assert.ElementsMatch(t, ids(msgs), ch.published())
	assert.Zero(t, p.Pending())
}

func TestPublishWaitsForReadyUnderBackpressure(t *testing.T) {
	ch := &fakeChannel{notReadyAfter: 2, ready: make(chan struct{})}
	p := publisher.New(single(ch), publisher.Config{Queue: "events", BatchSize: 4, FlushInterval: time.Hour}, zaptest.NewLogger(t))
	defer p.Close()

	msgs := messages(4)
	errc := make(chan error, 1)
	go func() { errc <- p.PublishMany(context.Background(), msgs) }()

	require.Eventually(t, func() bool { return len(ch.published()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(ch.published()) > 2 }, 100*time.Millisecond, 10*time.Millisecond)

	close(ch.ready)
	require.NoError(t, <-errc)
	assert.ElementsMatch(t, ids(msgs), ch.published())
}

func TestPublishRetriesThenRejectsBatch(t *testing.T) {
	d := &fakeDialer{next: func(int) (*fakeChannel, error) { return &fakeChannel{nack: true}, nil }}
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	sleep := func(d time.Duration) {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
	}
	p := publisher.New(d, publisher.Config{
		Queue:         "events",
		BatchSize:     2,
		FlushInterval: time.Hour,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}, zaptest.NewLogger(t), publisher.WithSleep(sleep))
	defer p.Close()

	err := p.PublishMany(context.Background(), messages(2))
	require.Error(t, err)

	var pe *publisher.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 3, pe.Attempts)
	assert.Equal(t, 2, pe.BatchSize)
	assert.ErrorIs(t, err, publisher.ErrNacked)

	assert.Equal(t, 3, d.dials(), "each retry reconnects")
	for _, ch := range d.channels {
		assert.True(t, ch.isClosed())
	}
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestPublishRecoversAfterChannelFailure(t *testing.T) {
	healthy := &fakeChannel{}
	d := &fakeDialer{next: func(n int) (*fakeChannel, error) {
		if n == 1 {
			return &fakeChannel{failPublish: errors.New("channel closed")}, nil
		}
		return healthy, nil
	}}
	p := publisher.New(d, publisher.Config{Queue: "events", BatchSize: 3, FlushInterval: time.Hour, MaxRetries: 3},
		zaptest.NewLogger(t), publisher.WithSleep(func(time.Duration) {}))
	defer p.Close()

	msgs := messages(3)
	require.NoError(t, p.PublishMany(context.Background(), msgs))
	assert.Equal(t, 2, d.dials())
	assert.ElementsMatch(t, ids(msgs), healthy.published())
}

func TestPublishFailsWhenBrokerUnreachable(t *testing.T) {
	d := &fakeDialer{next: func(int) (*fakeChannel, error) { return nil, errors.New("connection refused") }}
	p := publisher.New(d, publisher.Config{Queue: "events", BatchSize: 1, ReconnectAttempts: 2},
		zaptest.NewLogger(t), publisher.WithSleep(func(time.Duration) {}))
	defer p.Close()

	err := p.Publish(context.Background(), messages(1)[0])
	var pe *publisher.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Attempts)
	assert.Equal(t, 2, d.dials())
}

func TestCloseFlushesPending(t *testing.T) {
	ch := &fakeChannel{}
	p := publisher.New(single(ch), publisher.Config{Queue: "events", BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	msg := messages(1)[0]
	errc := make(chan error, 1)
	go func() { errc <- p.Publish(context.Background(), msg) }()
	require.Eventually(t, func() bool { return p.Pending() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, <-errc)
	assert.Equal(t, []string{msg.ID}, ch.published())
	assert.True(t, ch.isClosed())

	assert.ErrorIs(t, p.Publish(context.Background(), msg), publisher.ErrClosed)
}

func TestCloseWaitsForTimerAndManualFlush(t *testing.T) {
	for i := 0; i < 20; i++ {
		ch := &fakeChannel{}
		p := publisher.New(single(ch), publisher.Config{Queue: "events", BatchSize: 10, FlushInterval: time.Millisecond},
			zaptest.NewLogger(t))

		msg := messages(1)[0]
		errc := make(chan error, 1)
		go func() { errc <- p.Publish(context.Background(), msg) }()
		time.Sleep(time.Duration(i%3) * time.Millisecond)

		done := make(chan struct{})
		go func() {
			defer close(done)
			p.Flush()
		}()
		require.NoError(t, p.Close())
		<-done

		err := <-errc
		if err != nil {
			assert.ErrorIs(t, err, publisher.ErrClosed, "iteration %d", i)
			continue
		}
		assert.Equal(t, []string{msg.ID}, ch.published(), "iteration %d", i)
		assert.True(t, ch.isClosed())
		ch.mu.Lock()
		assert.False(t, ch.afterClose, "iteration %d", i)
		ch.mu.Unlock()
	}
}

func TestPublishRejectsInvalidIdentity(t *testing.T) {
	d := single(&fakeChannel{})
	p := publisher.New(d, publisher.Config{Queue: "events", BatchSize: 1}, zaptest.NewLogger(t))
	defer p.Close()

	err := p.Publish(context.Background(), entity.OutboundEventMessage{ID: "not-a-hash", Title: "x"})
	assert.ErrorIs(t, err, entity.ErrInvalidIdentity)
	assert.Zero(t, d.dials())
}
