// Package errors maps gateway failures to the stable codes returned to
// API callers. Components wrap these sentinels with %w; the HTTP layer
// resolves them with Classify.
package errors

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/middleware"
)

var (
	ErrUnauthorized        = stderrors.New("unauthorized")
	ErrQuotaExceeded       = stderrors.New("quota exceeded")
	ErrCircuitOpen         = stderrors.New("circuit open")
	ErrUpstreamUnreachable = stderrors.New("upstream unreachable")
	ErrInvalidSignature    = stderrors.New("invalid signature")
	ErrInvalidBody         = stderrors.New("invalid body")
	ErrPayloadTooLarge     = stderrors.New("payload too large")
	ErrGateway             = stderrors.New("gateway error")
)

// Public is what a caller sees for a classified error.
type Public struct {
	Status  int
	Code    string
	Message string
}

var table = []struct {
	err error
	pub Public
}{
	{ErrUnauthorized, Public{http.StatusUnauthorized, "unauthorized", "Invalid or missing API key"}},
	{ErrQuotaExceeded, Public{http.StatusTooManyRequests, "quota_exceeded", "Subscription token quota exhausted"}},
	{ErrCircuitOpen, Public{http.StatusServiceUnavailable, "payments_unavailable", "Payments service temporarily unavailable"}},
	{ErrUpstreamUnreachable, Public{http.StatusBadGateway, "payments_unreachable", "Payments service unreachable"}},
	{ErrInvalidSignature, Public{http.StatusForbidden, "invalid_signature", "Invalid signature"}},
	{ErrInvalidBody, Public{http.StatusBadRequest, "invalid_body", "Request body must be a JSON object"}},
	{ErrPayloadTooLarge, Public{http.StatusRequestEntityTooLarge, "payload_too_large", "Request body exceeds limit"}},
}

var gatewayError = Public{http.StatusInternalServerError, "gateway_error", "Internal gateway error"}

// Classify resolves err to its public form. Anything unrecognised,
// including context errors, is a gateway_error.
func Classify(err error) Public {
	for _, entry := range table {
		if stderrors.Is(err, entry.err) {
			return entry.pub
		}
	}
	return gatewayError
}

// Abort writes the classified error body and stops the chain. Only
// gateway_error is logged at error level; the rest are expected outcomes.
func Abort(c *gin.Context, logger logging.Logger, err error) {
	pub := Classify(err)
	entry := middleware.GetContextLogger(c, logger).WithError(err).WithField("code", pub.Code)
	switch {
	case pub.Status >= 500 && !stderrors.Is(err, context.Canceled):
		entry.Error("Request failed")
	default:
		entry.Debug("Request rejected")
	}
	if c.Writer.Written() {
		c.Abort()
		return
	}
	middleware.AbortWithError(c, pub.Status, pub.Code, pub.Message)
}
