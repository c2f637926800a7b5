package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/korelab/kora/internal/server/middleware"
	"github.com/korelab/kora/internal/storage"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
)

// GetCitationSourceHandler resolves a citation id to a download link
// for the document backing it. Object-store sources get a presigned
// link; plain web sources pass through unchanged.
func GetCitationSourceHandler(c echo.Context) error {
	type citationSourceParams struct {
		ID string `param:"id" validate:"required"`
	}

	type citationSourceResponse struct {
		Message          string `json:"message,omitempty"`
		URL              string `json:"url,omitempty"`
		DocumentTitle    string `json:"document_title,omitempty"`
		Section          string `json:"section,omitempty"`
		ExpiresInSeconds int    `json:"expires_in_seconds,omitempty"`
	}

	params := new(citationSourceParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, citationSourceResponse{
			Message: "Invalid request",
		})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, citationSourceResponse{
			Message: "Invalid request",
		})
	}

	cc := c.(*middleware.AppContext)
	if cc.Tenant == "" {
		return c.JSON(http.StatusUnauthorized, citationSourceResponse{
			Message: "Unauthorized",
		})
	}

	ctx := c.Request().Context()
	prov, err := cc.App.Store.ChunkProvenance(ctx, cc.Tenant, params.ID)
	if err != nil {
		switch {
		case errors.Is(err, kgs.ErrNotFound):
			return c.JSON(http.StatusNotFound, citationSourceResponse{
				Message: "Citation not found",
			})
		case errors.Is(err, kgs.ErrUnavailable):
			logger.Error("[Citations] Knowledge graph unavailable", "err", err)
			return c.JSON(http.StatusServiceUnavailable, citationSourceResponse{
				Message: "Knowledge graph unavailable",
			})
		default:
			logger.Error("[Citations] Failed to resolve provenance", "chunk_id", params.ID, "err", err)
			return c.JSON(http.StatusInternalServerError, citationSourceResponse{
				Message: "Internal server error",
			})
		}
	}

	if prov.SourceURI == "" {
		return c.JSON(http.StatusNotFound, citationSourceResponse{
			Message: "Citation has no source document",
		})
	}

	if !storage.IsObjectURI(prov.SourceURI) {
		return c.JSON(http.StatusOK, citationSourceResponse{
			URL:           prov.SourceURI,
			DocumentTitle: prov.DocumentTitle,
			Section:       prov.Section,
		})
	}

	bucket, key, err := storage.ParseObjectURI(prov.SourceURI)
	if err != nil {
		logger.Error("[Citations] Malformed source uri", "chunk_id", params.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, citationSourceResponse{
			Message: "Internal server error",
		})
	}

	link, err := storage.PresignDownload(ctx, cc.App.S3, bucket, key)
	if err != nil {
		logger.Error("[Citations] Failed to presign download", "chunk_id", params.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, citationSourceResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, citationSourceResponse{
		URL:              link,
		DocumentTitle:    prov.DocumentTitle,
		Section:          prov.Section,
		ExpiresInSeconds: int(storage.DownloadLinkTTL.Seconds()),
	})
}
