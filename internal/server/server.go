package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/korelab/kora/internal/queue"
	mid "github.com/korelab/kora/internal/server/middleware"
	"github.com/korelab/kora/internal/storage"
	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/migrations"
	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/ai/ollama"
	"github.com/korelab/kora/pkg/ai/openai"
	"github.com/korelab/kora/pkg/kgs"
	kgsneo4j "github.com/korelab/kora/pkg/kgs/neo4j"
	kgspgx "github.com/korelab/kora/pkg/kgs/pgx"
	"github.com/korelab/kora/pkg/leaselock"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/query"
	"github.com/korelab/kora/pkg/route"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tenant identity comes from the X-Tenant-Id header unless AUTH_MODE
	// is jwt, in which case tokens are verified against AUTH_URL's jwks.
	authMode := util.GetEnvString("AUTH_MODE", "header")
	var key *keyfunc.Keyfunc
	if authMode == "jwt" {
		jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
		k, err := keyfunc.NewDefault([]string{jwksUrl})
		if err != nil {
			logger.Fatal("Failed to load jwks keys", "err", err)
		}
		key = &k
	}

	pgCfg, err := pgxpool.ParseConfig(util.GetEnv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	conn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	if err := runMigrations(); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}

	que := queue.Init()
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.AuditQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	s3, err := storage.NewS3Client(ctx)
	if err != nil {
		logger.Fatal("Failed to create S3 client", "err", err)
	}

	store, err := newStore(ctx, conn)
	if err != nil {
		logger.Fatal("Failed to connect to knowledge graph store", "err", err)
	}
	defer store.Close()

	aiClient := newAIClient()

	profiles := route.DefaultProfiles()
	if path := util.GetEnv("PROFILES_PATH"); path != "" {
		profiles, err = route.LoadProfiles(path)
		if err != nil {
			logger.Fatal("Failed to load route profiles", "path", path, "err", err)
		}
		logger.Info("Loaded route profiles", "path", path, "version", profiles.Version())
	}

	queryTimeout := time.Duration(util.GetEnvNumeric("QUERY_TIMEOUT_MS", 30000)) * time.Millisecond

	// The lease outlives the query deadline so a crashed holder cannot
	// block the key for longer than one extra timeout window.
	locker := leaselock.NewRunner(leaselock.New(conn), leaselock.Options{
		TTL:  2 * queryTimeout,
		Wait: true,
	})

	queryClient, err := query.NewClient(query.NewClientParams{
		Store:    store,
		AIClient: aiClient,
		Profiles: profiles,
		Locker:   locker,

		BeamWidth:   int(util.GetEnvNumeric("QUERY_BEAM_WIDTH", 0)),
		HopLimit:    int(util.GetEnvNumeric("QUERY_HOP_LIMIT", 0)),
		TokenBudget: int(util.GetEnvNumeric("QUERY_TOKEN_BUDGET", 0)),

		QueryTimeout: queryTimeout,
		CacheSize:    int(util.GetEnvNumeric("QUERY_CACHE_SIZE", 0)),
		CacheTTL:     time.Duration(util.GetEnvNumeric("QUERY_CACHE_TTL_MS", 0)) * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("Failed to create query client", "err", err)
	}

	app := &mid.App{
		DBConn:      conn,
		Queue:       ch,
		Key:         key,
		S3:          s3,
		Store:       store,
		QueryClient: queryClient,
		AuthMode:    authMode,
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("[HTTP] Request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

func runMigrations() error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, util.GetEnv("DATABASE_URL"))
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// newStore picks the graph backend from KGS_ADAPTER. The pgx backend
// shares the server's connection pool; neo4j opens its own driver.
func newStore(ctx context.Context, pool *pgxpool.Pool) (kgs.Store, error) {
	switch util.GetEnvString("KGS_ADAPTER", "pgx") {
	case "neo4j":
		return kgsneo4j.NewGraphStore(ctx, kgsneo4j.Params{
			URI:      util.GetEnv("NEO4J_URI"),
			Username: util.GetEnv("NEO4J_USERNAME"),
			Password: util.GetEnv("NEO4J_PASSWORD"),
			Database: util.GetEnvString("NEO4J_DATABASE", "neo4j"),

			VectorIndex: util.GetEnvBool("NEO4J_VECTOR_INDEX", false),
			NativeRank:  util.GetEnvBool("NEO4J_NATIVE_RANK", false),
			GDSGraph:    util.GetEnvString("NEO4J_GDS_GRAPH", "kora"),
		})
	default:
		return kgspgx.NewGraphStore(pool), nil
	}
}

func newAIClient() ai.GraphAIClient {
	switch util.GetEnv("AI_ADAPTER") {
	case "ollama":
		client, err := ollama.NewGraphOllamaClient(ollama.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			CompletionModel: util.GetEnv("AI_COMPLETION_MODEL"),
			IntentModel:     util.GetEnv("AI_INTENT_MODEL"),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 2)),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		return client
	default:
		return openai.NewGraphOpenAIClient(openai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			CompletionModel: util.GetEnv("AI_COMPLETION_MODEL"),
			IntentModel:     util.GetEnv("AI_INTENT_MODEL"),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),

			MaxConcurrentRequests: int64(util.GetEnvNumeric("AI_PARALLEL_REQ", 8)),
		})
	}
}
