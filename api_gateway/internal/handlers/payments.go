package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/auth"
	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/proxy"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/quota"
	"github.com/georgiangelov2000/payments-microservices/pkg/ctxkeys"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/middleware"
)

// RoutePayments names the breaker guarding the payments upstream.
const RoutePayments = "payments"

// TokensPerRequest is what one metered call costs.
const TokensPerRequest = 1

// QuotaConsumer takes tokens from a subscription.
type QuotaConsumer interface {
	Consume(ctx context.Context, merchantID, subscriptionID, amount int64) (quota.Result, error)
}

// CircuitBreaker guards an upstream route.
type CircuitBreaker interface {
	IsOpen(ctx context.Context, route string) (bool, error)
	RecordFailure(ctx context.Context, route string) error
	RecordSuccess(ctx context.Context, route string) error
}

// Forwarder sends a request to the payments upstream.
type Forwarder interface {
	Forward(ctx context.Context, in *http.Request, body []byte) (*http.Response, error)
}

// PaymentsHandlers proxies the payments API behind key auth, quota and the breaker.
type PaymentsHandlers struct {
	quota             QuotaConsumer
	breaker           CircuitBreaker
	upstream          Forwarder
	dependencyTimeout time.Duration
	logger            logging.Logger
}

func NewPaymentsHandlers(q QuotaConsumer, b CircuitBreaker, upstream Forwarder, dependencyTimeout time.Duration, logger logging.Logger) *PaymentsHandlers {
	if dependencyTimeout <= 0 {
		dependencyTimeout = 2 * time.Second
	}
	return &PaymentsHandlers{
		quota:             q,
		breaker:           b,
		upstream:          upstream,
		dependencyTimeout: dependencyTimeout,
		logger:            logger,
	}
}

// Create handles POST /api/v1/payments: one token per call, with the
// subscription and usage event ids injected into the forwarded body.
func (h *PaymentsHandlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.PrincipalFrom(c)
		if !ok {
			gatewayerrors.Abort(c, h.logger, gatewayerrors.ErrUnauthorized)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			if middleware.IsBodyTooLarge(err) {
				err = gatewayerrors.ErrPayloadTooLarge
			} else {
				err = fmt.Errorf("%w: %v", gatewayerrors.ErrInvalidBody, err)
			}
			gatewayerrors.Abort(c, h.logger, err)
			return
		}
		// Reject malformed bodies before a token is spent on them.
		body, err = proxy.InjectFields(body, nil)
		if err != nil {
			gatewayerrors.Abort(c, h.logger, err)
			return
		}

		qctx, cancel := context.WithTimeout(c.Request.Context(), h.dependencyTimeout)
		res, err := h.quota.Consume(qctx, p.MerchantID, p.SubscriptionID, TokensPerRequest)
		cancel()
		if err != nil {
			if errors.Is(err, gatewayerrors.ErrQuotaExceeded) {
				c.Header("X-Quota-Remaining", "0")
			}
			gatewayerrors.Abort(c, h.logger, err)
			return
		}
		c.Request = c.Request.WithContext(ctxkeys.WithEventID(c.Request.Context(), res.Event.EventID))
		c.Header("X-Quota-Remaining", fmt.Sprint(res.Remaining))

		body, err = proxy.InjectFields(body, map[string]any{
			"subscription_id": p.SubscriptionID,
			"event_id":        res.Event.EventID,
		})
		if err != nil {
			gatewayerrors.Abort(c, h.logger, err)
			return
		}
		h.forward(c, body)
	}
}

// Passthrough handles the unmetered GET routes.
func (h *PaymentsHandlers) Passthrough() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.forward(c, nil)
	}
}

// forward runs the breaker check, the upstream call and the breaker update
// as one straight sequence.
func (h *PaymentsHandlers) forward(c *gin.Context, body []byte) {
	ctx := c.Request.Context()
	log := middleware.GetContextLogger(c, h.logger)

	bctx, cancel := context.WithTimeout(ctx, h.dependencyTimeout)
	open, err := h.breaker.IsOpen(bctx, RoutePayments)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Circuit breaker state unavailable; attempting upstream")
	}
	if open {
		gatewayerrors.Abort(c, h.logger, gatewayerrors.ErrCircuitOpen)
		return
	}

	resp, err := h.upstream.Forward(ctx, c.Request, body)
	// Breaker bookkeeping must not depend on the caller staying connected.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), h.dependencyTimeout)
	defer rcancel()
	if err != nil {
		if errors.Is(err, gatewayerrors.ErrUpstreamUnreachable) {
			if ferr := h.breaker.RecordFailure(rctx, RoutePayments); ferr != nil {
				log.WithError(ferr).Warn("Failed to record upstream failure")
			}
		}
		gatewayerrors.Abort(c, h.logger, err)
		return
	}
	if serr := h.breaker.RecordSuccess(rctx, RoutePayments); serr != nil {
		log.WithError(serr).Warn("Failed to record upstream success")
	}
	if err := proxy.WriteResponse(c.Writer, resp); err != nil {
		log.WithError(err).Warn("Upstream response copy interrupted")
	}
}
