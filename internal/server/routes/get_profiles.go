package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/korelab/kora/internal/server/middleware"
)

// GetProfilesHandler exposes the loaded profile set so callers can see
// which routes each profile permits before sending queries.
func GetProfilesHandler(c echo.Context) error {
	type profilesResponse struct {
		Version  string              `json:"version"`
		Profiles map[string][]string `json:"profiles"`
	}

	set := c.(*middleware.AppContext).App.QueryClient.Profiles()

	profiles := make(map[string][]string)
	for name, permitted := range set.Routes() {
		routes := make([]string, len(permitted))
		for i, r := range permitted {
			routes[i] = string(r)
		}
		profiles[name] = routes
	}

	return c.JSON(http.StatusOK, profilesResponse{
		Version:  set.Version(),
		Profiles: profiles,
	})
}
