// Package usage defines the token-consumption event shared by the gateway
// and the usage worker, and the names of the Kafka and Redis resources that
// carry it.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/redis"
)

const (
	Topic         = "usage.events"
	RoutingKey    = "token.used"
	ConsumerGroup = "usage.tokens"

	HeaderRoutingKey = "routing_key"
	HeaderVersion    = "schema_version"

	// FallbackKey holds events the gateway could not hand to Kafka.
	FallbackKey = "usage:fallback"

	CurrentVersion = 1
)

var (
	ErrUnsupportedVersion = errors.New("unsupported usage event version")
	ErrInvalidEvent       = errors.New("invalid usage event")
	ErrWrongRoutingKey    = errors.New("unexpected routing key")
)

// Event records that Amount tokens were consumed by one authorized request.
type Event struct {
	Version        int       `json:"v"`
	EventID        string    `json:"event_id"`
	MerchantID     int64     `json:"merchant_id"`
	SubscriptionID int64     `json:"subscription_id"`
	Amount         int64     `json:"amount"`
	OccurredAt     time.Time `json:"occurred_at"`
	Source         string    `json:"source,omitempty"`
}

// NewEvent stamps a fresh event id and the current time.
func NewEvent(merchantID, subscriptionID, amount int64) Event {
	return Event{
		Version:        CurrentVersion,
		EventID:        uuid.NewString(),
		MerchantID:     merchantID,
		SubscriptionID: subscriptionID,
		Amount:         amount,
		OccurredAt:     time.Now().UTC(),
		Source:         "gateway",
	}
}

// Validate rejects events the worker can never apply.
func (e Event) Validate() error {
	switch {
	case e.Version != CurrentVersion:
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	case e.EventID == "":
		return fmt.Errorf("%w: empty event_id", ErrInvalidEvent)
	case e.SubscriptionID <= 0:
		return fmt.Errorf("%w: subscription_id %d", ErrInvalidEvent, e.SubscriptionID)
	case e.Amount <= 0:
		return fmt.Errorf("%w: amount %d", ErrInvalidEvent, e.Amount)
	}
	return nil
}

// Encode serializes a valid event.
func Encode(e Event) ([]byte, error) {
	if e.Version == 0 {
		e.Version = CurrentVersion
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an event payload.
func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Record builds the Kafka record for e. Keying by subscription keeps one
// subscription's events on one partition.
func Record(e Event) (*kgo.Record, error) {
	value, err := Encode(e)
	if err != nil {
		return nil, err
	}
	return kafka.NewRecord(Topic, []byte(strconv.FormatInt(e.SubscriptionID, 10)), value, map[string]string{
		HeaderRoutingKey: RoutingKey,
		HeaderVersion:    strconv.Itoa(CurrentVersion),
	}), nil
}

// FromMessage decodes a consumed message. Every error it returns is
// permanent for that message.
func FromMessage(msg kafka.Message) (Event, error) {
	if rk := msg.Header(HeaderRoutingKey); rk != "" && rk != RoutingKey {
		return Event{}, fmt.Errorf("%w: %q", ErrWrongRoutingKey, rk)
	}
	return Decode(msg.Value)
}

// DedupKey is the Redis marker recording that an event has been applied.
func DedupKey(eventID string) string {
	return "event:" + eventID
}

// NewFallbackList returns the Redis list events are parked on while Kafka is unavailable.
func NewFallbackList(client goredis.UniversalClient) *redis.TypedList[Event] {
	return redis.NewTypedList[Event](client, FallbackKey)
}
