package server

import "github.com/labstack/echo/v4"

// Handlers groups everything the router needs.
type Handlers struct {
	Health *Server
	Events *EventServer
	Draws  *DrawServer
	Verify *VerifyServer
}

func RegisterRoutes(e *echo.Echo, h Handlers) {
	e.GET("/health", h.Health.HealthCheck)

	api := e.Group("/api")

	events := api.Group("/events")
	events.POST("", h.Events.AppendEvent)
	events.GET("", h.Events.ListEvents)
	events.GET("/:id", h.Events.GetEvent)

	audits := api.Group("/audits")
	audits.GET("", h.Draws.ListAudits)
	audits.GET("/:id", h.Draws.GetAudit)

	competitions := api.Group("/competitions")
	competitions.POST("/:id/prizes/:prizeId/draw", h.Draws.DrawPrize)
	competitions.POST("/:id/draw-all", h.Draws.DrawAllPrizes)

	api.GET("/verify", h.Verify.Verify)
	api.GET("/chain/backlog", h.Events.Backlog)
}
