// Package ctxkeys defines typed context keys to prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

const (
	KeyRequestID      Key = "request_id"
	KeyMerchantID     Key = "merchant_id"
	KeySubscriptionID Key = "subscription_id"
	KeyEventID        Key = "event_id"
	KeyClientIP       Key = "client_ip"
)

// WithMerchant returns a child context carrying the authenticated merchant.
func WithMerchant(ctx context.Context, merchantID, subscriptionID int64) context.Context {
	ctx = context.WithValue(ctx, KeyMerchantID, merchantID)
	return context.WithValue(ctx, KeySubscriptionID, subscriptionID)
}

// GetMerchantID extracts merchant_id from context.
func GetMerchantID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(KeyMerchantID).(int64)
	return v, ok
}

// GetSubscriptionID extracts subscription_id from context.
func GetSubscriptionID(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(KeySubscriptionID).(int64)
	return v, ok
}

// WithRequestID returns a child context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, KeyRequestID, id)
}

// GetRequestID extracts request_id from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRequestID).(string); ok {
		return v
	}
	return ""
}

// WithEventID returns a child context carrying the usage event id.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, KeyEventID, id)
}

// GetEventID extracts event_id from context.
func GetEventID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyEventID).(string); ok {
		return v
	}
	return ""
}
