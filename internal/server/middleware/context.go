package middleware

import (
	"github.com/MicahParks/keyfunc/v3"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rabbitmq/amqp091-go"

	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/query"
)

// App carries the process-wide dependencies handlers reach through the
// request context. The query client owns the answer cache, so it is
// built once at startup and shared across requests.
type App struct {
	DBConn      *pgxpool.Pool
	Queue       *amqp091.Channel
	Key         *keyfunc.Keyfunc
	S3          *s3.Client
	Store       kgs.Store
	QueryClient *query.Client
	AuthMode    string
}

// AppContext wraps the echo context with the app dependencies and the
// tenant the auth middleware resolved. Tenant is empty until
// TenantAuthMiddleware runs.
type AppContext struct {
	echo.Context
	App    *App
	Tenant string
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, ""}
			return next(cc)
		}
	}
}
