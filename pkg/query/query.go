package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/disambiguate"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/route"
	"github.com/korelab/kora/pkg/synthesize"
	"github.com/korelab/kora/pkg/trace"
)

// Defaults for the orchestration knobs. All of them are overridable through
// NewClientParams.
const (
	DefaultDirectLimit   = 8
	DefaultQueryTimeout  = 30 * time.Second
	DefaultBranchTimeout = 10 * time.Second
	DefaultCacheSize     = 256
	DefaultCacheTTL      = time.Minute
)

// Locker serializes work on a key across processes. WithLease runs fn while
// holding the key's lease, waiting for a concurrent holder to release it
// first. The leaselock package provides the Postgres implementation.
type Locker interface {
	WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// QueryRequest is one question against a tenant's knowledge graph.
type QueryRequest struct {
	Tenant  string
	Query   string
	Profile string
}

// QueryResponse is the answer plus the decision trail that produced it.
// RouteUsed always names the route that actually answered, never the one
// merely classified; FallbackReason explains any difference between the two.
type QueryResponse struct {
	QueryID         string             `json:"query_id"`
	Answer          string             `json:"answer"`
	Citations       []common.Citation  `json:"citations"`
	Confidence      float64            `json:"confidence"`
	Provisional     bool               `json:"provisional,omitempty"`
	RouteUsed       route.Route        `json:"route_used"`
	ClassifiedRoute route.Route        `json:"classified_route"`
	Profile         string             `json:"profile"`
	ProfileVersion  string             `json:"profile_version"`
	FallbackReason  string             `json:"fallback_reason,omitempty"`
	Degraded        bool               `json:"degraded,omitempty"`
	Cached          bool               `json:"cached,omitempty"`
	DurationMs      int64              `json:"duration_ms"`
	Trace           QueryTraceSnapshot `json:"trace"`
}

// Client runs the full query pipeline: route selection, mention resolution,
// graph expansion, and answer synthesis, with generality-ordered fallback
// between routes. Finished answers live in a bounded TTL cache and identical
// concurrent queries are single-flighted through the Locker.
//
// A Client should be created using NewClient.
type Client struct {
	store       kgs.Store
	aiClient    ai.GraphAIClient
	router      *route.Router
	resolver    *disambiguate.Resolver
	tracer      *trace.Tracer
	synthesizer *synthesize.Synthesizer
	locker      Locker
	cache       *answerCache

	beamWidth     int
	hopLimit      int
	directLimit   int
	queryTimeout  time.Duration
	branchTimeout time.Duration
}

// NewClientParams defines the configuration parameters for creating a new
// Client. Store and AIClient are required; Profiles defaults to the built-in
// profile set and Locker may be nil, which disables single-flighting.
type NewClientParams struct {
	Store    kgs.Store
	AIClient ai.GraphAIClient
	Profiles *route.ProfileSet
	Locker   Locker

	BeamWidth           int
	HopLimit            int
	TopK                int
	DirectLimit         int
	LimitPerEntity      int
	TokenBudget         int
	TokenEncoder        string
	ConfidenceThreshold float64
	GapFillIterations   int

	QueryTimeout  time.Duration
	BranchTimeout time.Duration
	CacheSize     int
	CacheTTL      time.Duration
}

// NewClient creates and returns a new Client configured with the provided
// parameters, wiring the router, resolver, tracer, and synthesizer over the
// same store and model adapter.
//
// Example:
//
//	client, err := query.NewClient(query.NewClientParams{
//		Store:    store,
//		AIClient: aiClient,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	res, err := client.Query(ctx, query.QueryRequest{Tenant: "acme", Query: "What does Turbine X power?"})
func NewClient(params NewClientParams) (*Client, error) {
	if params.Store == nil {
		return nil, errors.New("query: store is required")
	}
	if params.AIClient == nil {
		return nil, errors.New("query: ai client is required")
	}

	router, err := route.NewRouter(route.NewRouterParams{
		Store:    params.Store,
		AIClient: params.AIClient,
		Profiles: params.Profiles,
	})
	if err != nil {
		return nil, err
	}
	tracer, err := trace.NewTracer(trace.NewTracerParams{
		Store:     params.Store,
		BeamWidth: params.BeamWidth,
		HopLimit:  params.HopLimit,
		TopK:      params.TopK,
	})
	if err != nil {
		return nil, err
	}
	synthesizer, err := synthesize.NewSynthesizer(synthesize.NewSynthesizerParams{
		Store:               params.Store,
		AIClient:            params.AIClient,
		LimitPerEntity:      params.LimitPerEntity,
		TokenBudget:         params.TokenBudget,
		TokenEncoder:        params.TokenEncoder,
		ConfidenceThreshold: params.ConfidenceThreshold,
		GapFillIterations:   params.GapFillIterations,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		store:         params.Store,
		aiClient:      params.AIClient,
		router:        router,
		resolver:      disambiguate.NewResolver(params.Store, params.AIClient),
		tracer:        tracer,
		synthesizer:   synthesizer,
		locker:        params.Locker,
		beamWidth:     params.BeamWidth,
		hopLimit:      params.HopLimit,
		directLimit:   params.DirectLimit,
		queryTimeout:  params.QueryTimeout,
		branchTimeout: params.BranchTimeout,
	}
	if c.beamWidth <= 0 {
		c.beamWidth = trace.DefaultBeamWidth
	}
	if c.hopLimit <= 0 {
		c.hopLimit = trace.DefaultHopLimit
	}
	if c.directLimit <= 0 {
		c.directLimit = DefaultDirectLimit
	}
	if c.queryTimeout <= 0 {
		c.queryTimeout = DefaultQueryTimeout
	}
	if c.branchTimeout <= 0 {
		c.branchTimeout = DefaultBranchTimeout
	}

	cacheSize := params.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cacheTTL := params.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	c.cache = newAnswerCache(cacheSize, cacheTTL)

	return c, nil
}

// Profiles returns the loaded profile set.
func (c *Client) Profiles() *route.ProfileSet {
	return c.router.Profiles()
}

// Query answers one question. It serves from the answer cache when possible,
// otherwise it runs the pipeline under the per-query deadline and caches the
// result. The caller always gets either a structured response, possibly an
// insufficient-evidence one, or an error that maps cleanly to a transport
// status: route.ErrUnknownProfile for bad requests, kgs.ErrUnavailable for
// infrastructure failures.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.Tenant == "" {
		return nil, errors.New("query: tenant is required")
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query: query text is required")
	}
	profile := req.Profile
	if profile == "" {
		profile = route.DefaultProfileName
	}

	queryID, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate query id: %w", err)
	}
	started := time.Now()

	key := cacheKey(req.Tenant, profile, req.Query)
	if cached, ok := c.cache.Get(key); ok {
		return c.finish(cached, queryID, req.Tenant, started), nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var response *QueryResponse
	run := func(ctx context.Context) error {
		// A concurrent holder may have filled the cache while this
		// request waited on the lease.
		if cached, ok := c.cache.Get(key); ok {
			response = cached
			return nil
		}
		r, err := c.run(ctx, req.Tenant, req.Query, profile)
		if err != nil {
			return err
		}
		// The cache is filled before the lease is released, so waiting
		// requests find the answer on their re-check.
		if cacheable(r) {
			c.cache.Put(key, r)
		}
		response = r
		return nil
	}

	if c.locker == nil {
		err = run(ctx)
	} else if err = c.locker.WithLease(ctx, "query:"+key, run); err != nil && ctx.Err() == nil && response == nil {
		// Lease machinery failing must not fail the query; compute
		// without single-flighting.
		logger.Warn("[Query] Lease unavailable, running without single-flight", "err", err)
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	return c.finish(response, queryID, req.Tenant, started), nil
}

// finish stamps the per-request fields and logs the completion line.
func (c *Client) finish(response *QueryResponse, queryID, tenant string, started time.Time) *QueryResponse {
	response.QueryID = queryID
	response.DurationMs = time.Since(started).Milliseconds()

	metrics := c.aiClient.GetMetrics()
	logger.Info("[Query] Completed",
		"query_id", queryID,
		"tenant", tenant,
		"route", response.RouteUsed,
		"confidence", response.Confidence,
		"citations", len(response.Citations),
		"cached", response.Cached,
		"degraded", response.Degraded,
		"duration_ms", response.DurationMs,
		"model_tokens", metrics.TotalTokens)
	return response
}

// cacheable excludes answers whose reuse would be misleading: provisional
// answers were cut short by this request's deadline and insufficient answers
// should be retried against a possibly growing graph.
func cacheable(response *QueryResponse) bool {
	return !response.Provisional && response.Answer != synthesize.InsufficientEvidence
}

// run executes the pipeline once: select the route, then walk the permitted
// chain until a route answers. Routes failing recoverably fall through to
// the next; isolation violations and unavailable backends abort.
func (c *Client) run(ctx context.Context, tenant, queryText, profileName string) (*QueryResponse, error) {
	qt := NewQueryTrace()

	selectStart := time.Now()
	decision, err := c.router.Select(ctx, queryText, profileName)
	if err != nil {
		return nil, err
	}
	RecordStageTiming(qt, "route_select", time.Since(selectStart))

	routes := append([]route.Route{decision.Route}, decision.Fallbacks...)
	var reasons []string
	if decision.FallbackReason != "" {
		reasons = append(reasons, decision.FallbackReason)
	}

	var insufficient *routeResult
	for _, rt := range routes {
		if ctx.Err() != nil {
			logger.Info("[Query] Deadline reached, stopping route fallback", "route", rt)
			break
		}

		attemptStart := time.Now()
		result, err := c.executeRoute(ctx, qt, rt, tenant, queryText, decision)
		elapsed := time.Since(attemptStart)

		if err != nil {
			if errors.Is(err, kgs.ErrIsolationViolation) {
				RecordRouteAttempt(qt, rt, AttemptFailed, elapsed)
				logger.Error("[Query] SECURITY tenant isolation violation, aborting request",
					"tenant", tenant,
					"route", rt,
					"err", err)
				return nil, err
			}
			if errors.Is(err, kgs.ErrUnavailable) {
				return nil, err
			}
			outcome := AttemptFailed
			if errors.Is(err, ErrEvidenceEmpty) {
				outcome = AttemptInsufficient
			}
			RecordRouteAttempt(qt, rt, outcome, elapsed)
			reasons = append(reasons, fmt.Sprintf("%s: %s", rt, shortReason(err)))
			logger.Warn("[Query] Route failed, falling back", "route", rt, "err", err)
			continue
		}

		if result.insufficient() {
			RecordRouteAttempt(qt, rt, AttemptInsufficient, elapsed)
			if insufficient == nil {
				insufficient = result
			}
			reasons = append(reasons, fmt.Sprintf("%s: insufficient evidence", rt))
			logger.Info("[Query] Route found insufficient evidence, falling back", "route", rt)
			continue
		}

		RecordRouteAttempt(qt, rt, AttemptAnswered, elapsed)
		return c.respond(qt, decision, result, reasons), nil
	}

	// Every permitted route was tried; answer honestly instead of failing.
	if insufficient == nil {
		insufficient = &routeResult{
			route:  routes[len(routes)-1],
			answer: &common.Answer{Text: synthesize.InsufficientEvidence, Confidence: 0},
		}
	}
	return c.respond(qt, decision, insufficient, reasons), nil
}

// respond assembles the response from the winning route's result and the
// accumulated decision trail.
func (c *Client) respond(qt *QueryTrace, decision *route.RouteDecision, result *routeResult, reasons []string) *QueryResponse {
	citations := result.answer.Citations
	if citations == nil {
		citations = []common.Citation{}
	}
	return &QueryResponse{
		Answer:          result.answer.Text,
		Citations:       citations,
		Confidence:      result.answer.Confidence,
		Provisional:     result.answer.Provisional,
		RouteUsed:       result.route,
		ClassifiedRoute: decision.Classified,
		Profile:         decision.Profile,
		ProfileVersion:  decision.ProfileVersion,
		FallbackReason:  strings.Join(reasons, "; "),
		Degraded:        result.degraded,
		Trace:           qt.Snapshot(),
	}
}

// shortReason compresses an error chain into the trail entry for the
// response; sentinel matches keep their stable wording.
func shortReason(err error) string {
	switch {
	case errors.Is(err, ErrEvidenceEmpty):
		return "evidence empty"
	case errors.Is(err, ErrUpstreamTimeout):
		return "upstream timeout"
	case errors.Is(err, ErrDegraded):
		return "backend degraded"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return err.Error()
	}
}
