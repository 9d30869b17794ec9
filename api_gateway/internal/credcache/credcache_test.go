package credcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 300*time.Second, 60*time.Second), mr
}

func TestPutGetUsesTTLByValidity(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	good := Principal{MerchantID: 1, SubscriptionID: 42, QuotaTotal: 10, QuotaUsed: 3, Valid: true}
	if err := cache.Put(ctx, "good", good); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put(ctx, "bad", Principal{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if ttl := mr.TTL(Key("good")); ttl != 300*time.Second {
		t.Fatalf("positive ttl = %v", ttl)
	}
	if ttl := mr.TTL(Key("bad")); ttl != 60*time.Second {
		t.Fatalf("negative ttl = %v", ttl)
	}

	got, ok, err := cache.Get(ctx, "good")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got != good || got.Remaining() != 7 {
		t.Fatalf("unexpected principal %+v", got)
	}

	mr.FastForward(61 * time.Second)
	if _, ok, _ := cache.Get(ctx, "bad"); ok {
		t.Fatal("negative entry should have expired")
	}
}

func TestGetTreatsForeignShapesAsMiss(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()

	for key, raw := range map[string]string{
		"legacy":  `{"merchantId":1,"subscriptionId":2,"tokensLeft":5}`,
		"future":  `{"v":2,"kind":"principal","data":{"merchant_id":1}}`,
		"garbage": `not json`,
		"kind":    `{"v":1,"kind":"quota","data":{}}`,
	} {
		_ = mr.Set(Key(key), raw)
		if _, ok, err := cache.Get(ctx, key); ok || err != nil {
			t.Errorf("%s: expected miss without error, got ok=%v err=%v", key, ok, err)
		}
	}
}

func TestRemainingFloorsAtZero(t *testing.T) {
	p := Principal{QuotaTotal: 5, QuotaUsed: 9}
	if p.Remaining() != 0 {
		t.Fatalf("expected 0, got %d", p.Remaining())
	}
}

func TestInvalidate(t *testing.T) {
	cache, mr := newCache(t)
	ctx := context.Background()
	_ = cache.Put(ctx, "k", Principal{Valid: true})
	if err := cache.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if mr.Exists(Key("k")) {
		t.Fatal("expected key removed")
	}
}
