package recovery

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
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/redis"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	// failAfter makes every produce after this many successes fail; -1 never fails.
	failAfter int
}

func (f *fakeProducer) Produce(_ context.Context, r *kgo.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.records) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.records = append(f.records, r)
	return nil
}

// gateProducer blocks its first Produce until release is closed.
type gateProducer struct {
	fakeProducer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateProducer) Produce(ctx context.Context, r *kgo.Record) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeProducer.Produce(ctx, r)
}

func setup(t *testing.T, producer *fakeProducer, chunk int64) (*Drainer, *miniredis.Miniredis, goredis.UniversalClient, *prometheus.CounterVec) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "recovery_total"}, []string{"outcome"})
	return New(rdb, producer, Config{Chunk: chunk}, outcomes, logger), mr, rdb, outcomes
}

func park(t *testing.T, rdb goredis.UniversalClient, n int) []usage.Event {
	t.Helper()
	list := usage.NewFallbackList(rdb)
	events := make([]usage.Event, n)
	for i := range events {
		events[i] = usage.NewEvent(7, 42, 1)
		if err := list.Push(context.Background(), events[i]); err != nil {
			t.Fatal(err)
		}
	}
	return events
}

func TestDrainRepublishesInOrder(t *testing.T) {
	producer := &fakeProducer{failAfter: -1}
	d, mr, rdb, outcomes := setup(t, producer, 2)
	events := park(t, rdb, 5)

	n, err := d.Drain(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if len(producer.records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(producer.records))
	}
	for i, r := range producer.records {
		got, err := usage.Decode(r.Value)
		if err != nil || got.EventID != events[i].EventID || r.Topic != usage.Topic {
			t.Fatalf("record %d out of order or malformed: %+v", i, got)
		}
	}
	if mr.Exists(usage.FallbackKey) {
		t.Fatal("fallback list should be empty")
	}
	if mr.Exists(lockKey) {
		t.Fatal("drain lock should be released")
	}
	if got := testutil.ToFloat64(outcomes.WithLabelValues("republished")); got != 5 {
		t.Fatalf("republished = %v", got)
	}
}

func TestDrainTrimsOnlyPublishedPrefix(t *testing.T) {
	producer := &fakeProducer{failAfter: 3}
	d, _, rdb, _ := setup(t, producer, 10)
	events := park(t, rdb, 5)

	n, err := d.Drain(context.Background())
	if err == nil || n != 3 {
		t.Fatalf("expected stop after 3, n=%d err=%v", n, err)
	}
	entries, err := usage.NewFallbackList(rdb).Peek(context.Background(), 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("expected 2 entries left, got %d %v", len(entries), err)
	}
	if entries[0].Value.EventID != events[3].EventID {
		t.Fatal("unpublished entries must stay at the head in order")
	}
}

func TestDrainDeadLettersBadEntries(t *testing.T) {
	producer := &fakeProducer{failAfter: -1}
	d, mr, rdb, outcomes := setup(t, producer, 10)
	park(t, rdb, 1)
	if _, err := mr.RPush(usage.FallbackKey, "{broken", `{"v":1,"event_id":"x","subscription_id":42,"amount":0}`); err != nil {
		t.Fatal(err)
	}

	if n, err := d.Drain(context.Background()); err != nil || n != 3 {
		t.Fatalf("drain: n=%d err=%v", n, err)
	}
	if producer.records[0].Topic != usage.Topic {
		t.Fatalf("valid entry should go to %s", usage.Topic)
	}
	for _, r := range producer.records[1:] {
		if r.Topic != usage.Topic+kafka.DLQSuffix {
			t.Fatalf("bad entry sent to %s", r.Topic)
		}
		msg, _, err := kafka.DecodeDLQMessage(r.Value)
		if err != nil || msg.Topic != usage.Topic {
			t.Fatalf("dlq payload: %+v %v", msg, err)
		}
	}
	if got := testutil.ToFloat64(outcomes.WithLabelValues("dead_lettered")); got != 2 {
		t.Fatalf("dead_lettered = %v", got)
	}
}

func TestDrainSkipsWhileLocked(t *testing.T) {
	producer := &fakeProducer{failAfter: -1}
	d, mr, rdb, _ := setup(t, producer, 10)
	park(t, rdb, 2)
	if err := mr.Set(lockKey, "other-replica"); err != nil {
		t.Fatal(err)
	}

	if n, err := d.Drain(context.Background()); err != nil || n != 0 {
		t.Fatalf("expected no work while locked, n=%d err=%v", n, err)
	}
	if got, _ := mr.Get(lockKey); got != "other-replica" {
		t.Fatal("another replica's lock must not be released")
	}
}

func TestDrainStopsWhenLeaseExpiresMidPass(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	slow := &gateProducer{
		fakeProducer: fakeProducer{failAfter: -1},
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	fast := &fakeProducer{failAfter: -1}
	cfg := Config{Chunk: 10, LockTTL: time.Minute}
	stalled := New(rdb, slow, cfg, nil, logger)
	takeover := New(rdb, fast, cfg, nil, logger)

	park(t, rdb, 2)
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := stalled.Drain(context.Background())
		done <- result{n, err}
	}()

	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never reached the producer")
	}
	mr.FastForward(61 * time.Second)

	if n, err := takeover.Drain(context.Background()); err != nil || n != 2 {
		t.Fatalf("takeover drain: n=%d err=%v", n, err)
	}
	spilled := park(t, rdb, 2)
	close(slow.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled drain did not return")
	}
	if !errors.Is(res.err, redis.ErrLeaseLost) || res.n != 0 {
		t.Fatalf("expected lease lost with nothing trimmed, n=%d err=%v", res.n, res.err)
	}

	entries, err := usage.NewFallbackList(rdb).Peek(context.Background(), 10)
	if err != nil || len(entries) != 2 {
		t.Fatalf("events spilled after the takeover must stay parked, got %d %v", len(entries), err)
	}
	for i, e := range entries {
		if e.Value.EventID != spilled[i].EventID {
			t.Fatalf("entry %d is %s, want %s", i, e.Value.EventID, spilled[i].EventID)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	producer := &fakeProducer{failAfter: -1}
	d, _, rdb, _ := setup(t, producer, 10)
	park(t, rdb, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, time.Hour) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		producer.mu.Lock()
		n := len(producer.records)
		producer.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first drain did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}
}
