package kafka

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestEncodeDecodeDLQMessage(t *testing.T) {
	timestamp := time.Date(2024, 10, 5, 12, 30, 0, 0, time.UTC)
	msg := Message{
		Topic:     "usage.events",
		Partition: 2,
		Offset:    42,
		Timestamp: timestamp,
		Key:       []byte("17"),
		Value:     []byte(`{"v":1,"event_id":"evt-1"}`),
		Headers:   map[string]string{"routing_key": "token.used"},
	}

	b, err := EncodeDLQMessage(msg, errors.New("unknown routing key"), "usage.tokens")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, payload, err := DecodeDLQMessage(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Error != "unknown routing key" || payload.Consumer != "usage.tokens" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.FailedAt.IsZero() {
		t.Fatal("expected failed_at to be set")
	}
	if string(got.Key) != "17" || string(got.Value) != string(msg.Value) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(timestamp) || got.Offset != 42 || got.Headers["routing_key"] != "token.used" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}

func TestDecodeDLQMessageRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeDLQMessage([]byte("nope")); err == nil {
		t.Fatal("expected error")
	}
}

func TestPoison(t *testing.T) {
	base := errors.New("bad json")
	err := fmt.Errorf("decode: %w", Poison(base))
	if !IsPoison(err) {
		t.Fatal("expected wrapped poison to be detected")
	}
	if !errors.Is(err, base) {
		t.Fatal("poison should unwrap to its cause")
	}
	if IsPoison(base) || Poison(nil) != nil {
		t.Fatal("plain errors are not poison")
	}
}
