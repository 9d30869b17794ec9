package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/credcache"
	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/pkg/ctxkeys"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

const (
	HeaderAPIKey = "x-api-key"

	principalKey = "principal"
)

// Middleware rejects requests without a valid x-api-key and attaches the
// Principal to both the gin context and the request context.
func Middleware(a *Authenticator, logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := a.Authenticate(c.Request.Context(), c.GetHeader(HeaderAPIKey))
		if err != nil {
			gatewayerrors.Abort(c, logger, err)
			return
		}
		c.Request = c.Request.WithContext(ctxkeys.WithMerchant(c.Request.Context(), p.MerchantID, p.SubscriptionID))
		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the Principal set by Middleware.
func PrincipalFrom(c *gin.Context) (credcache.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return credcache.Principal{}, false
	}
	p, ok := v.(credcache.Principal)
	return p, ok
}
