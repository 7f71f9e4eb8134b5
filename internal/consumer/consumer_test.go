package consumer_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/user/event-pipeline/internal/consumer"
	"github.com/user/event-pipeline/internal/entity"
	"github.com/user/event-pipeline/internal/publisher"
	"github.com/user/event-pipeline/internal/repository"
)

type fakeDelivery struct {
	body     []byte
	acked    atomic.Bool
	rejected atomic.Bool
	requeued atomic.Bool
}

func (d *fakeDelivery) Body() []byte { return d.body }
func (d *fakeDelivery) Ack() error   { d.acked.Store(true); return nil }
func (d *fakeDelivery) Reject(requeue bool) error {
	d.rejected.Store(true)
	d.requeued.Store(requeue)
	return nil
}

type memStore struct {
	mu         sync.Mutex
	venues     []entity.NamedEntity
	categories []entity.NamedEntity
	events     map[string]entity.StoredEvent
	calls      [][]entity.StoredEvent
	writeErr   error
	upsertErr  error
	gate       chan struct{}
}

func newMemStore() *memStore {
	return &memStore{events: map[string]entity.StoredEvent{}}
}

func (s *memStore) ListVenues(context.Context) ([]entity.NamedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.NamedEntity(nil), s.venues...), nil
}

func (s *memStore) ListCategories(context.Context) ([]entity.NamedEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.NamedEntity(nil), s.categories...), nil
}

func upsertNamed(list *[]entity.NamedEntity, name string) int64 {
	for _, e := range *list {
		if e.Name == name {
			return e.ID
		}
	}
	id := int64(len(*list) + 100)
	*list = append(*list, entity.NamedEntity{ID: id, Name: name})
	return id
}

func (s *memStore) UpsertVenue(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	return upsertNamed(&s.venues, name), nil
}

func (s *memStore) UpsertCategory(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	return upsertNamed(&s.categories, name), nil
}

// BulkUpsertEvents returns the number of rows that actually changed.
func (s *memStore) BulkUpsertEvents(_ context.Context, events []entity.StoredEvent) (int64, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, events)
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	var changed int64
	for _, ev := range events {
		if old, ok := s.events[ev.ExternalID]; ok && reflect.DeepEqual(old, ev) {
			continue
		}
		s.events[ev.ExternalID] = ev
		changed++
	}
	return changed, nil
}

func (s *memStore) snapshot() (map[string]entity.StoredEvent, [][]entity.StoredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make(map[string]entity.StoredEvent, len(s.events))
	for k, v := range s.events {
		events[k] = v
	}
	return events, append([][]entity.StoredEvent(nil), s.calls...)
}

type staticSource struct{ closed atomic.Bool }

func (s *staticSource) Consume(context.Context) (<-chan repository.Delivery, error) {
	return make(chan repository.Delivery), nil
}
func (s *staticSource) Close() error { s.closed.Store(true); return nil }

type flushLog struct {
	mu      sync.Mutex
	results []consumer.FlushResult
}

func (l *flushLog) hook(r consumer.FlushResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *flushLog) all() []consumer.FlushResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]consumer.FlushResult(nil), l.results...)
}

func message(i int) entity.OutboundEventMessage {
	return entity.OutboundEventMessage{ID: fmt.Sprintf("%016x", i), Title: fmt.Sprintf("Event %d", i)}
}

func delivery(t *testing.T, m entity.OutboundEventMessage) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	return &fakeDelivery{body: body}
}

func allAcked(ds []*fakeDelivery) bool {
	for _, d := range ds {
		if !d.acked.Load() {
			return false
		}
	}
	return true
}

func TestFlushOnBatchSize(t *testing.T) {
	store := newMemStore()
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 5, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	var ds []*fakeDelivery
	for i := 1; i <= 5; i++ {
		d := delivery(t, message(i))
		ds = append(ds, d)
		c.Push(d)
	}

	require.Eventually(t, func() bool { return allAcked(ds) }, time.Second, 5*time.Millisecond)
	events, calls := store.snapshot()
	assert.Len(t, events, 5)
	assert.Len(t, calls, 1)
	assert.Zero(t, c.Buffered())
}

func TestFlushOnTimer(t *testing.T) {
	store := newMemStore()
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 100, FlushInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))

	var ds []*fakeDelivery
	for i := 1; i <= 3; i++ {
		d := delivery(t, message(i))
		ds = append(ds, d)
		c.Push(d)
	}
	require.Eventually(t, func() bool { return allAcked(ds) }, time.Second, 5*time.Millisecond)
}

// closeCheckSource records whether every delivery was acknowledged by the
// time the source was closed.
type closeCheckSource struct {
	staticSource
	deliveries   []*fakeDelivery
	ackedAtClose atomic.Bool
}

func (s *closeCheckSource) Close() error {
	s.ackedAtClose.Store(allAcked(s.deliveries))
	return s.staticSource.Close()
}

func TestShutdownRacingTimerAcksBeforeClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		store := newMemStore()
		log := &flushLog{}
		src := &closeCheckSource{}
		c := consumer.New(src, store, consumer.Config{BatchSize: 100, FlushInterval: time.Millisecond},
			zaptest.NewLogger(t), consumer.WithFlushHook(log.hook))

		for j := 1; j <= 3; j++ {
			d := delivery(t, message(j))
			src.deliveries = append(src.deliveries, d)
			c.Push(d)
		}
		time.Sleep(time.Duration(i%3) * time.Millisecond)

		require.NoError(t, c.Shutdown())
		require.True(t, src.closed.Load())
		assert.True(t, src.ackedAtClose.Load(), "iteration %d", i)

		time.Sleep(3 * time.Millisecond)
		messages := 0
		for _, r := range log.all() {
			messages += r.Messages
		}
		assert.Equal(t, 3, messages, "iteration %d", i)
	}
}

func TestMalformedMessagesAreDroppedAndAcked(t *testing.T) {
	store := newMemStore()
	log := &flushLog{}
	src := &staticSource{}
	c := consumer.New(src, store, consumer.Config{BatchSize: 5, FlushInterval: time.Hour}, zaptest.NewLogger(t),
		consumer.WithFlushHook(log.hook))

	var ds []*fakeDelivery
	for i := 1; i <= 10; i++ {
		ds = append(ds, delivery(t, message(i)))
		if i == 3 {
			ds = append(ds, &fakeDelivery{body: []byte("{not json")})
		}
		if i == 7 {
			ds = append(ds, delivery(t, entity.OutboundEventMessage{Title: "no id"}))
		}
	}
	for _, d := range ds {
		c.Push(d)
	}
	require.NoError(t, c.Shutdown())
	assert.True(t, src.closed.Load())

	malformed, rows := 0, 0
	for _, r := range log.all() {
		malformed += r.Malformed
		require.NoError(t, r.Err)
	}
	_, calls := store.snapshot()
	for _, call := range calls {
		assert.LessOrEqual(t, len(call), 10)
		rows += len(call)
	}
	assert.Equal(t, 2, malformed)
	assert.Equal(t, 10, rows)

	for _, d := range ds {
		assert.True(t, d.acked.Load())
		assert.False(t, d.rejected.Load())
	}
}

func TestOverflowForcesSynchronousFlush(t *testing.T) {
	store := newMemStore()
	store.gate = make(chan struct{})
	log := &flushLog{}
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 2, FlushInterval: time.Hour}, zaptest.NewLogger(t),
		consumer.WithFlushHook(log.hook))

	var (
		ds       []*fakeDelivery
		returned atomic.Int32
	)
	for i := 1; i <= 8; i++ {
		ds = append(ds, delivery(t, message(i)))
	}
	go func() {
		for _, d := range ds {
			c.Push(d)
			returned.Add(1)
		}
	}()

	// The first batch is stuck in the store, so the buffer fills towards 2*3.
	require.Eventually(t, func() bool { return returned.Load() == 7 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return returned.Load() == 8 }, 50*time.Millisecond, 5*time.Millisecond,
		"push at the overflow threshold waits for the forced flush")
	require.Eventually(t, func() bool { return c.Buffered() == 0 }, time.Second, 5*time.Millisecond,
		"overflow drains the buffer before writing")

	close(store.gate)
	require.Eventually(t, func() bool { return returned.Load() == 8 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Shutdown())

	assert.True(t, allAcked(ds))
	var triggers []string
	for _, r := range log.all() {
		triggers = append(triggers, r.Trigger)
	}
	assert.Equal(t, []string{consumer.TriggerSize, consumer.TriggerOverflow}, triggers)
}

func TestWriteFailureRejectsWholeBatch(t *testing.T) {
	store := newMemStore()
	store.writeErr = errors.New("deadlock detected")
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 3, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	ds := []*fakeDelivery{delivery(t, message(1)), delivery(t, message(2)), {body: []byte("garbage")}}
	for _, d := range ds {
		c.Push(d)
	}
	require.NoError(t, c.Shutdown())

	for _, d := range ds {
		assert.True(t, d.rejected.Load())
		assert.False(t, d.requeued.Load())
		assert.False(t, d.acked.Load())
	}
}

func TestDuplicateIDsInBatchKeepLast(t *testing.T) {
	store := newMemStore()
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	first, second := message(1), message(1)
	second.Title = "Renamed"
	c.Push(delivery(t, first))
	c.Push(delivery(t, second))
	require.NoError(t, c.Shutdown())

	events, calls := store.snapshot()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 1)
	assert.Equal(t, "Renamed", events[first.ID].Title)
}

func TestEntityResolution(t *testing.T) {
	store := newMemStore()
	store.venues = []entity.NamedEntity{{ID: 1, Name: "Палац «Україна»"}}
	store.categories = []entity.NamedEntity{{ID: 7, Name: "Концерти"}}
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	preset := int64(42)
	msgs := []entity.OutboundEventMessage{
		{ID: "0000000000000001", Title: "a", VenueName: "палац україна", CategoryName: "концерти"},
		{ID: "0000000000000002", Title: "b", VenueName: "Національний палац Україна"},
		{ID: "0000000000000003", Title: "c", VenueName: "Atlas", CategoryName: "Stand-up"},
		{ID: "0000000000000004", Title: "d", VenueName: "Somewhere", VenueID: &preset},
	}
	for _, m := range msgs {
		c.Push(delivery(t, m))
	}
	require.NoError(t, c.Shutdown())

	events, _ := store.snapshot()
	require.Len(t, events, 4)
	assert.Equal(t, int64(1), *events["0000000000000001"].VenueID, "exact")
	assert.Equal(t, int64(7), *events["0000000000000001"].CategoryID)
	assert.Equal(t, int64(1), *events["0000000000000002"].VenueID, "fuzzy")
	require.NotNil(t, events["0000000000000003"].VenueID)
	assert.NotEqual(t, int64(1), *events["0000000000000003"].VenueID, "created")
	assert.Equal(t, preset, *events["0000000000000004"].VenueID, "already resolved upstream")

	venues, _ := store.ListVenues(context.Background())
	assert.Len(t, venues, 2, "only Atlas was created")
}

func TestResolutionFailureLeavesIDNil(t *testing.T) {
	store := newMemStore()
	store.upsertErr = errors.New("unique violation")
	c := consumer.New(&staticSource{}, store, consumer.Config{BatchSize: 10, FlushInterval: time.Hour}, zaptest.NewLogger(t))

	d := delivery(t, entity.OutboundEventMessage{ID: "0000000000000001", Title: "a", VenueName: "Atlas"})
	c.Push(d)
	require.NoError(t, c.Shutdown())

	events, _ := store.snapshot()
	assert.Nil(t, events["0000000000000001"].VenueID)
	assert.True(t, d.acked.Load())
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, "palats ukraina", consumer.FoldName("Палац «Україна»"))
	assert.Equal(t, "cafe ubel", consumer.FoldName("  Café   Übel! "))
	assert.Equal(t, "", consumer.FoldName(" - "))
}

// memBroker connects a publisher and a consumer through an in-process queue.
type memBroker struct {
	queue chan repository.Delivery
}

type ackedConf struct{}

func (ackedConf) Wait(context.Context) (bool, error) { return true, nil }

type memChannel struct{ b *memBroker }

func (c memChannel) Publish(ctx context.Context, _, _ string, body []byte) (repository.Confirmation, bool, error) {
	select {
	case c.b.queue <- &fakeDelivery{body: append([]byte(nil), body...)}:
		return ackedConf{}, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
func (memChannel) Ready() <-chan struct{} { return nil }
func (memChannel) Close() error           { return nil }

func (b *memBroker) Dial(context.Context) (repository.PublishChannel, error) { return memChannel{b}, nil }
func (b *memBroker) Consume(context.Context) (<-chan repository.Delivery, error) {
	return b.queue, nil
}
func (b *memBroker) Close() error { return nil }

func TestPublishConsumeRoundTripIsIdempotent(t *testing.T) {
	broker := &memBroker{queue: make(chan repository.Delivery, 16)}
	store := newMemStore()
	log := &flushLog{}
	logger := zaptest.NewLogger(t)

	pub := publisher.New(broker, publisher.Config{Queue: "events", BatchSize: 1}, logger)
	defer pub.Close()
	c := consumer.New(broker, store, consumer.Config{BatchSize: 1, FlushInterval: time.Hour}, logger,
		consumer.WithFlushHook(log.hook))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	price := 300.0
	msg := entity.OutboundEventMessage{
		ID:        "9f86d081884c7d659a2feaa0c55ad015",
		Title:     "Concert",
		VenueName: "Atlas",
		PriceFrom: &price,
		SourceURL: "https://example.com/e/1",
	}
	require.NoError(t, pub.Publish(context.Background(), msg))
	require.Eventually(t, func() bool { return len(log.all()) == 1 }, time.Second, 5*time.Millisecond)

	events, _ := store.snapshot()
	require.Contains(t, events, msg.ID)
	stored := events[msg.ID]
	assert.Equal(t, "Concert", stored.Title)
	require.NotNil(t, stored.VenueID)

	require.NoError(t, pub.Publish(context.Background(), msg))
	require.Eventually(t, func() bool { return len(log.all()) == 2 }, time.Second, 5*time.Millisecond)

	after, _ := store.snapshot()
	assert.Equal(t, events, after)
	assert.Equal(t, int64(0), log.all()[1].Written, "re-applying the same event changes nothing")

	cancel()
	require.NoError(t, <-done)
}
