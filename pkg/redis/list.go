package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

// TypedList is a JSON-encoded Redis list used as a durable FIFO.
type TypedList[T any] struct {
	client goredis.UniversalClient
	key    string
}

func NewTypedList[T any](client goredis.UniversalClient, key string) *TypedList[T] {
	return &TypedList[T]{client: client, key: key}
}

// Key returns the underlying Redis key.
func (l *TypedList[T]) Key() string { return l.key }

// Push appends msg to the tail.
func (l *TypedList[T]) Push(ctx context.Context, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal list payload: %w", err)
	}
	if err := l.client.RPush(ctx, l.key, payload).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", l.key, err)
	}
	return nil
}

// Entry is one list item in position order. Err is set when Raw could not
// be decoded into Value.
type Entry[T any] struct {
	Value T
	Raw   string
	Err   error
}

// Peek returns up to n entries from the head without removing them.
// Undecodable payloads keep their position so a caller can trim exactly the
// prefix it has dealt with.
func (l *TypedList[T]) Peek(ctx context.Context, n int64) ([]Entry[T], error) {
	if n <= 0 {
		return nil, nil
	}
	raw, err := l.client.LRange(ctx, l.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", l.key, err)
	}
	entries := make([]Entry[T], len(raw))
	for i, r := range raw {
		entries[i].Raw = r
		if err := json.Unmarshal([]byte(r), &entries[i].Value); err != nil {
			entries[i].Err = fmt.Errorf("decode %s item %d: %w", l.key, i, err)
		}
	}
	return entries, nil
}

// Len reports the current list length.
func (l *TypedList[T]) Len(ctx context.Context) (int64, error) {
	return l.client.LLen(ctx, l.key).Result()
}
