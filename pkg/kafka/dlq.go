package kafka

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// DLQPayload captures enough context to replay or inspect a failed Kafka message.
type DLQPayload struct {
	Topic       string            `json:"topic"`
	Partition   int32             `json:"partition"`
	Offset      int64             `json:"offset"`
	Timestamp   time.Time         `json:"timestamp"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
	FailedAt    time.Time         `json:"failed_at"`
}

// EncodeDLQMessage serializes a Kafka message into a DLQ-safe payload.
func EncodeDLQMessage(msg Message, err error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Topic:       msg.Topic,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
		FailedAt:    time.Now().UTC(),
	}

	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}

	if err != nil {
		payload.Error = err.Error()
	}

	b, marshalErr := json.Marshal(payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", marshalErr)
	}

	return b, nil
}

// DecodeDLQMessage restores the original message from a DLQ payload.
func DecodeDLQMessage(b []byte) (Message, DLQPayload, error) {
	var payload DLQPayload
	if err := json.Unmarshal(b, &payload); err != nil {
		return Message{}, payload, fmt.Errorf("unmarshal dlq payload: %w", err)
	}
	value, err := base64.StdEncoding.DecodeString(payload.ValueBase64)
	if err != nil {
		return Message{}, payload, fmt.Errorf("decode dlq value: %w", err)
	}
	msg := Message{
		Value:     value,
		Headers:   payload.Headers,
		Topic:     payload.Topic,
		Partition: payload.Partition,
		Offset:    payload.Offset,
		Timestamp: payload.Timestamp,
	}
	if payload.KeyBase64 != "" {
		if msg.Key, err = base64.StdEncoding.DecodeString(payload.KeyBase64); err != nil {
			return Message{}, payload, fmt.Errorf("decode dlq key: %w", err)
		}
	}
	return msg, payload, nil
}

type poisonError struct{ err error }

func (e poisonError) Error() string { return "poison message: " + e.err.Error() }
func (e poisonError) Unwrap() error { return e.err }

// Poison marks err as unrecoverable for the message that produced it. The
// consumer dead-letters such messages instead of redelivering them.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return poisonError{err: err}
}

// IsPoison reports whether err was marked with Poison.
func IsPoison(err error) bool {
	var p poisonError
	return errors.As(err, &p)
}
