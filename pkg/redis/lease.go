package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned once a lease has expired or was taken over.
var ErrLeaseLost = errors.New("lease lost")

var (
	refreshLeaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
	releaseLeaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
	// trimHeldScript trims the list only while the lease token still matches
	// and extends the lease in the same step.
	trimHeldScript = goredis.NewScript(`
if redis.call('GET', KEYS[2]) ~= ARGV[2] then
  return 0
end
redis.call('LTRIM', KEYS[1], ARGV[1], -1)
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 1
`)
)

// Lease is a single-holder lock identified by a random token. Every
// mutation is a compare on that token, so a holder whose lease expired can
// never act on behalf of the replica that took it over.
type Lease struct {
	client goredis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// AcquireLease takes key for ttl. It returns nil and no error when another
// holder has it.
func AcquireLease(ctx context.Context, client goredis.UniversalClient, key string, ttl time.Duration) (*Lease, error) {
	token := uuid.NewString()
	ok, err := client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lease{client: client, key: key, token: token, ttl: ttl}, nil
}

// Refresh resets the TTL if the lease is still held.
func (l *Lease) Refresh(ctx context.Context) error {
	n, err := refreshLeaseScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release drops the lease if it is still held.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseLeaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}

// TrimHeld drops n items from the head only while lease is held, and
// extends the lease. It returns ErrLeaseLost without touching the list
// otherwise.
func (l *TypedList[T]) TrimHeld(ctx context.Context, n int64, lease *Lease) error {
	if n <= 0 {
		return lease.Refresh(ctx)
	}
	ok, err := trimHeldScript.Run(ctx, l.client, []string{l.key, lease.key}, n, lease.token, lease.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("ltrim %s: %w", l.key, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}
