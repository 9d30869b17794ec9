package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/georgiangelov2000/payments-microservices/pkg/ctxkeys"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

// SetupCommonMiddleware adds all common middleware to a router
func SetupCommonMiddleware(r *gin.Engine, logger logging.Logger) {
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoveryMiddleware(logger))
	r.Use(SecurityHeadersMiddleware())
}

// GetRequestID gets the request ID from the context
func GetRequestID(c *gin.Context) string {
	if id := c.GetString(string(ctxkeys.KeyRequestID)); id != "" {
		return id
	}
	if c.Request != nil {
		return ctxkeys.GetRequestID(c.Request.Context())
	}
	return ""
}

// GetContextLogger gets a logger with request context
func GetContextLogger(c *gin.Context, logger logging.Logger) *logrus.Entry {
	fields := logging.Fields{
		"request_id": GetRequestID(c),
		"method":     c.Request.Method,
		"path":       c.Request.URL.Path,
		"client_ip":  c.ClientIP(),
	}
	if merchantID, ok := ctxkeys.GetMerchantID(c.Request.Context()); ok {
		fields["merchant_id"] = merchantID
	}
	return logger.WithFields(fields)
}
