// Package handlers wires the gateway's HTTP surface.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/auth"
	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/webhooks"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/middleware"
)

// Routes bundles what RegisterRoutes mounts.
type Routes struct {
	Auth         *auth.Authenticator
	Payments     *PaymentsHandlers
	Webhooks     *webhooks.Router
	MaxBodyBytes int64
	Logger       logging.Logger
}

// RegisterRoutes mounts the payments API under /api/v1/payments.
func RegisterRoutes(r gin.IRouter, rt Routes) {
	payments := r.Group("/api/v1/payments")

	// Signed by the caller; no API key.
	if rt.Webhooks != nil {
		payments.POST("/webhook", rt.Webhooks.Handle)
	}

	authed := payments.Group("", auth.Middleware(rt.Auth, rt.Logger))
	{
		authed.POST("", middleware.BodyLimitMiddleware(rt.MaxBodyBytes), rt.Payments.Create())
		authed.GET("", rt.Payments.Passthrough())
		authed.GET("/:id/show", rt.Payments.Passthrough())
		authed.GET("/:id/tracking", rt.Payments.Passthrough())
	}
}
