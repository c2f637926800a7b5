package server

import (
	"github.com/korelab/kora/internal/server/middleware"
	"github.com/korelab/kora/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Service routes
	e.GET("/health", routes.GetHealthHandler)
	e.GET("/profiles", routes.GetProfilesHandler)

	tenantRoutes := e.Group("", middleware.TenantAuthMiddleware)

	// Query routes
	tenantRoutes.POST("/query", routes.PostQueryHandler)

	// Citation routes
	tenantRoutes.GET("/citations/:id/source", routes.GetCitationSourceHandler)
}
