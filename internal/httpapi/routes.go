package httpapi

import "github.com/gin-gonic/gin"

// Register wires HTTP routes to handlers. Keep this free of business logic.
func Register(r gin.IRouter, h Handlers) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public). Protect with provider signature validation
	// when exposing beyond a trusted ingress.
	r.POST("/webhooks/voice", h.VoiceWebhook)

	api := r.Group("/api")
	{
		api.POST("/make-call", h.MakeCall)
		api.POST("/call-status/:id", h.CallStatus)
		api.GET("/call-counts", h.CallCounts)
		api.POST("/cancel-all-calls", h.CancelAllCalls)
		api.GET("/channel-status", h.ChannelStatus)
		api.GET("/broadcast/:id/calls", h.BroadcastCalls)
	}
}
