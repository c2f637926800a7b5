package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/korelab/kora/internal/server/middleware"
	"github.com/korelab/kora/pkg/logger"
)

const healthPingTimeout = 3 * time.Second

// GetHealthHandler reports liveness plus knowledge graph reachability.
func GetHealthHandler(c echo.Context) error {
	type healthResponse struct {
		Status string `json:"status"`
		KGS    string `json:"kgs"`
	}

	cc := c.(*middleware.AppContext)

	ctx, cancel := context.WithTimeout(c.Request().Context(), healthPingTimeout)
	defer cancel()

	if err := cc.App.Store.Ping(ctx); err != nil {
		logger.Error("[Health] Knowledge graph unreachable", "err", err)
		return c.JSON(http.StatusServiceUnavailable, healthResponse{
			Status: "degraded",
			KGS:    "unreachable",
		})
	}

	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		KGS:    "ok",
	})
}
