package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/korelab/kora/internal/queue"
	"github.com/korelab/kora/internal/server/middleware"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/query"
	"github.com/korelab/kora/pkg/route"
)

// PostQueryHandler answers one question against the caller's tenant.
// Pipeline-level failures come back as normal insufficient-evidence
// answers; only an unreachable knowledge graph maps to 503.
func PostQueryHandler(c echo.Context) error {
	type queryRequest struct {
		Query   string `json:"query" validate:"required"`
		Profile string `json:"profile"`
	}

	type queryErrorResponse struct {
		Message string `json:"message"`
	}

	data := new(queryRequest)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryErrorResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, queryErrorResponse{
			Message: "Invalid request body",
		})
	}

	cc := c.(*middleware.AppContext)
	if cc.Tenant == "" {
		return c.JSON(http.StatusUnauthorized, queryErrorResponse{
			Message: "Unauthorized",
		})
	}

	ctx := c.Request().Context()
	resp, err := cc.App.QueryClient.Query(ctx, query.QueryRequest{
		Tenant:  cc.Tenant,
		Query:   data.Query,
		Profile: data.Profile,
	})
	if err != nil {
		switch {
		case errors.Is(err, route.ErrUnknownProfile):
			return c.JSON(http.StatusBadRequest, queryErrorResponse{
				Message: "Unknown profile",
			})
		case errors.Is(err, kgs.ErrUnavailable):
			logger.Error("[Query] Knowledge graph unavailable", "err", err)
			return c.JSON(http.StatusServiceUnavailable, queryErrorResponse{
				Message: "Knowledge graph unavailable",
			})
		default:
			logger.Error("[Query] Failed to answer query", "err", err)
			return c.JSON(http.StatusInternalServerError, queryErrorResponse{
				Message: "Internal server error",
			})
		}
	}

	if ch := cc.App.Queue; ch != nil {
		event, auditErr := queue.NewQueryCompleted(cc.Tenant, data.Query, resp)
		if auditErr == nil {
			auditErr = queue.PublishQueryCompleted(ch, event)
		}
		if auditErr != nil {
			logger.Error("Failed to publish audit event", "query_id", resp.QueryID, "err", auditErr)
		}
	}

	return c.JSON(http.StatusOK, resp)
}
