package ctxkeys

import (
	"context"
	"testing"
)

func TestMerchantRoundTrip(t *testing.T) {
	ctx := WithMerchant(context.Background(), 42, 7)
	if id, ok := GetMerchantID(ctx); !ok || id != 42 {
		t.Fatalf("merchant id = %d, %v", id, ok)
	}
	if id, ok := GetSubscriptionID(ctx); !ok || id != 7 {
		t.Fatalf("subscription id = %d, %v", id, ok)
	}
	if _, ok := GetMerchantID(context.Background()); ok {
		t.Fatal("expected no merchant on empty context")
	}
}

func TestStringKeys(t *testing.T) {
	ctx := WithEventID(WithRequestID(context.Background(), "req-1"), "evt-1")
	if GetRequestID(ctx) != "req-1" || GetEventID(ctx) != "evt-1" {
		t.Fatalf("unexpected values: %q %q", GetRequestID(ctx), GetEventID(ctx))
	}
	if GetRequestID(context.Background()) != "" {
		t.Fatal("expected empty request id")
	}
}
