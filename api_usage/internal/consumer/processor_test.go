package consumer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/georgiangelov2000/payments-microservices/api_usage/internal/store"
	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

// memStore mimics the ledger's unique event id and the per-subscription counter.
type memStore struct {
	mu       sync.Mutex
	subs     map[int64]int64
	quota    map[int64]int64
	ledger   map[string]usage.Event
	failNext int
	calls    int
}

func newMemStore() *memStore {
	return &memStore{
		subs:   map[int64]int64{42: 0},
		quota:  map[int64]int64{42: 10},
		ledger: make(map[string]usage.Event),
	}
}

func (m *memStore) ApplyUsage(_ context.Context, events []usage.Event) (store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failNext > 0 {
		m.failNext--
		return store.Outcome{}, errors.New("could not serialize access")
	}
	out := store.Outcome{Statuses: make(map[int64]int)}
	for _, e := range events {
		if _, ok := m.subs[e.SubscriptionID]; !ok {
			out.Orphans = append(out.Orphans, e)
			continue
		}
		if _, ok := m.ledger[e.EventID]; ok {
			out.Duplicates = append(out.Duplicates, e)
			continue
		}
		m.ledger[e.EventID] = e
		m.subs[e.SubscriptionID] += e.Amount
		out.Applied = append(out.Applied, e)
		status := store.SubscriptionActive
		if m.subs[e.SubscriptionID] >= m.quota[e.SubscriptionID] {
			status = store.SubscriptionExhausted
		}
		out.Statuses[e.SubscriptionID] = status
	}
	return out, nil
}

type fakeDLQ struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeDLQ) DeadLetter(_ context.Context, msg kafka.Message, _ error) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

type fixture struct {
	proc   *Processor
	store  *memStore
	dlq    *fakeDLQ
	mr     *miniredis.Miniredis
	events *prometheus.CounterVec
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	events := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "usage_events_total"}, []string{"status"})
	f := &fixture{store: newMemStore(), dlq: &fakeDLQ{}, mr: mr, events: events}
	f.proc = NewProcessor(Config{
		Store:      f.store,
		Redis:      rdb,
		DeadLetter: f.dlq,
		Retry:      RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Metrics:    Metrics{Events: events},
		Logger:     logger,
	})
	return f
}

func message(t *testing.T, id string, sub, amount int64) kafka.Message {
	t.Helper()
	e := usage.NewEvent(7, sub, amount)
	e.EventID = id
	b, err := usage.Encode(e)
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{
		Topic:   usage.Topic,
		Key:     []byte("42"),
		Value:   b,
		Headers: map[string]string{usage.HeaderRoutingKey: usage.RoutingKey},
	}
}

func TestRedeliveredEventAppliedOnce(t *testing.T) {
	f := newFixture(t)
	msg := message(t, "e1", 42, 1)

	for i := 0; i < 2; i++ {
		if err := f.proc.HandleMessage(context.Background(), msg); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if f.store.subs[42] != 1 || len(f.store.ledger) != 1 {
		t.Fatalf("expected used=1 and one ledger row, got used=%d rows=%d", f.store.subs[42], len(f.store.ledger))
	}
	if f.store.calls != 1 {
		t.Fatalf("second delivery should be dropped by the marker, store called %d times", f.store.calls)
	}
	if ttl := f.mr.TTL(usage.DedupKey("e1")); ttl != time.Hour {
		t.Fatalf("expected 1h marker, got %v", ttl)
	}
}

func TestMarkerLossFallsBackToLedger(t *testing.T) {
	f := newFixture(t)
	msg := message(t, "e1", 42, 1)
	if err := f.proc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	f.mr.Del(usage.DedupKey("e1"))

	if err := f.proc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if f.store.subs[42] != 1 {
		t.Fatalf("ledger must reject the replay, used=%d", f.store.subs[42])
	}
	if got := testutil.ToFloat64(f.events.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("expected one duplicate, got %v", got)
	}
	if !f.mr.Exists(usage.DedupKey("e1")) {
		t.Fatal("duplicate should restore the marker")
	}
}

func TestMarkerWrittenOnlyAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.store.failNext = 10

	if err := f.proc.HandleMessage(context.Background(), message(t, "e1", 42, 1)); err == nil {
		t.Fatal("expected failure once retries are spent")
	}
	if f.mr.Exists(usage.DedupKey("e1")) {
		t.Fatal("marker must not exist for an uncommitted event")
	}
	if f.store.calls != 3 {
		t.Fatalf("expected 1 attempt + 2 retries, got %d", f.store.calls)
	}
	if got := testutil.ToFloat64(f.events.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected failed=1, got %v", got)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.store.failNext = 1

	if err := f.proc.HandleMessage(context.Background(), message(t, "e1", 42, 1)); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if f.store.subs[42] != 1 {
		t.Fatalf("used=%d", f.store.subs[42])
	}
}

func TestPoisonMessages(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		msg  kafka.Message
	}{
		{name: "not json", msg: kafka.Message{Topic: usage.Topic, Value: []byte("{")}},
		{name: "zero amount", msg: kafka.Message{Topic: usage.Topic, Value: []byte(`{"v":1,"event_id":"x","subscription_id":42,"amount":0}`)}},
		{name: "wrong routing key", msg: kafka.Message{
			Topic:   usage.Topic,
			Value:   message(t, "e2", 42, 1).Value,
			Headers: map[string]string{usage.HeaderRoutingKey: "token.refunded"},
		}},
		{name: "unknown subscription", msg: message(t, "e3", 99, 1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.proc.HandleMessage(context.Background(), tc.msg)
			if !kafka.IsPoison(err) {
				t.Fatalf("expected poison error, got %v", err)
			}
		})
	}
	if f.store.subs[42] != 0 {
		t.Fatalf("poison must not change usage, used=%d", f.store.subs[42])
	}
}

func TestHandleBatch(t *testing.T) {
	f := newFixture(t)
	msgs := []kafka.Message{
		message(t, "e1", 42, 1),
		{Topic: usage.Topic, Value: []byte("garbage"), Offset: 1},
		message(t, "e2", 42, 2),
		message(t, "e1", 42, 1),
		message(t, "e4", 99, 1),
	}

	if err := f.proc.HandleBatch(context.Background(), msgs); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if f.store.subs[42] != 3 || len(f.store.ledger) != 2 {
		t.Fatalf("expected used=3 over 2 ledger rows, got used=%d rows=%d", f.store.subs[42], len(f.store.ledger))
	}
	if f.store.calls != 1 {
		t.Fatalf("batch should use one transaction, got %d", f.store.calls)
	}
	if len(f.dlq.msgs) != 2 {
		t.Fatalf("expected garbage and orphan dead-lettered, got %d", len(f.dlq.msgs))
	}
	for _, id := range []string{"e1", "e2"} {
		if !f.mr.Exists(usage.DedupKey(id)) {
			t.Fatalf("missing marker for %s", id)
		}
	}
}

func TestHandleBatchDeadLetterFailureRedelivers(t *testing.T) {
	f := newFixture(t)
	f.dlq.err = errors.New("broker down")

	err := f.proc.HandleBatch(context.Background(), []kafka.Message{{Topic: usage.Topic, Value: []byte("garbage")}})
	if err == nil {
		t.Fatal("expected error so the batch is redelivered")
	}
}

func TestRedisDownStillApplies(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	if err := f.proc.HandleMessage(context.Background(), message(t, "e1", 42, 1)); err != nil {
		t.Fatalf("apply must not depend on the marker cache: %v", err)
	}
	if f.store.subs[42] != 1 {
		t.Fatalf("used=%d", f.store.subs[42])
	}
}

type fakeSource struct {
	topic    string
	started  bool
	interval time.Duration
	max      int
}

func (s *fakeSource) AddHandler(topic string, _ kafka.Handler) { s.topic = topic }
func (s *fakeSource) Start(context.Context) error              { s.started = true; return nil }
func (s *fakeSource) StartBatch(_ context.Context, interval time.Duration, maxBatch int, _ kafka.BatchHandler) error {
	s.interval, s.max = interval, maxBatch
	return nil
}

func TestRunSelectsStrategy(t *testing.T) {
	f := newFixture(t)

	src := &fakeSource{}
	if err := Run(context.Background(), src, f.proc, RunConfig{Mode: ModeMessage}); err != nil {
		t.Fatal(err)
	}
	if !src.started || src.topic != usage.Topic {
		t.Fatalf("message mode should register on %s, got %+v", usage.Topic, src)
	}

	src = &fakeSource{}
	if err := Run(context.Background(), src, f.proc, RunConfig{Mode: ModeBatch, FlushInterval: 10 * time.Second, BatchMax: 500}); err != nil {
		t.Fatal(err)
	}
	if src.started || src.interval != 10*time.Second || src.max != 500 {
		t.Fatalf("batch mode misconfigured: %+v", src)
	}

	if err := Run(context.Background(), &fakeSource{}, f.proc, RunConfig{Mode: "bulk"}); err == nil {
		t.Fatal("expected unknown mode error")
	}
}
