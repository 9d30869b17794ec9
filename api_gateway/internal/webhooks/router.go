// Package webhooks accepts internal webhooks signed with a shared secret
// and forwards them, byte for byte, to the webhook upstream.
//
//	Internal caller          Gateway (public)           Webhook upstream
//	     |                        |                            |
//	     | POST /api/v1/payments/ |                            |
//	     | webhook                |                            |
//	     |----------------------->| HMAC-SHA256(raw body)      |
//	     |                        | == x-internal-signature ?  |
//	     |                        |--------------------------->|
//	     |<-----------------------|<---------------------------|
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/proxy"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/middleware"
)

const HeaderSignature = "x-internal-signature"

// Router verifies and forwards webhooks.
type Router struct {
	secret  []byte
	target  *proxy.Proxy
	limiter *RateLimiter
	maxBody int64
	logger  logging.Logger
}

// NewRouter builds a Router. limiter may be nil.
func NewRouter(secret string, target *proxy.Proxy, limiter *RateLimiter, maxBody int64, logger logging.Logger) (*Router, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &Router{
		secret:  []byte(secret),
		target:  target,
		limiter: limiter,
		maxBody: maxBody,
		logger:  logger,
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the hex HMAC of exactly body.
func Verify(secret []byte, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Handle is the gin handler for POST /api/v1/payments/webhook.
func (r *Router) Handle(c *gin.Context) {
	if r.limiter != nil && !r.limiter.Allow(c.Request.Context(), c.ClientIP()) {
		middleware.AbortWithError(c, http.StatusTooManyRequests, "rate_limited", "Too many webhook requests")
		return
	}

	if r.maxBody > 0 && c.Request.ContentLength > r.maxBody {
		gatewayerrors.Abort(c, r.logger, gatewayerrors.ErrPayloadTooLarge)
		return
	}
	reader := io.Reader(c.Request.Body)
	if r.maxBody > 0 {
		reader = io.LimitReader(c.Request.Body, r.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		gatewayerrors.Abort(c, r.logger, fmt.Errorf("%w: read webhook body: %v", gatewayerrors.ErrInvalidBody, err))
		return
	}
	if r.maxBody > 0 && int64(len(body)) > r.maxBody {
		gatewayerrors.Abort(c, r.logger, gatewayerrors.ErrPayloadTooLarge)
		return
	}

	if !Verify(r.secret, body, c.GetHeader(HeaderSignature)) {
		middleware.GetContextLogger(c, r.logger).WithFields(logging.Fields{
			"body_size": len(body),
			"source_ip": c.ClientIP(),
		}).Warn("Webhook rejected: invalid signature")
		gatewayerrors.Abort(c, r.logger, gatewayerrors.ErrInvalidSignature)
		return
	}

	// The upstream receives the webhook at its own root.
	out := c.Request.Clone(c.Request.Context())
	out.URL.Path = "/"
	out.URL.RawPath = ""

	resp, err := r.target.Forward(c.Request.Context(), out, body)
	if err != nil {
		gatewayerrors.Abort(c, r.logger, err)
		return
	}
	if err := proxy.WriteResponse(c.Writer, resp); err != nil {
		middleware.GetContextLogger(c, r.logger).WithError(err).Warn("Webhook response copy interrupted")
	}
}
