package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/disambiguate"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/route"
	"github.com/korelab/kora/pkg/synthesize"
	"github.com/korelab/kora/pkg/trace"
)

// routeResult is one route's finished attempt: the answer it produced and
// the quality flag of the trace behind it.
type routeResult struct {
	route    route.Route
	answer   *common.Answer
	degraded bool
}

func (r *routeResult) insufficient() bool {
	return r.answer.Text == synthesize.InsufficientEvidence
}

// executeRoute dispatches to the handler of the route. The route set is
// closed; an unknown value is a programming error.
func (c *Client) executeRoute(ctx context.Context, qt *QueryTrace, rt route.Route, tenant, queryText string, decision *route.RouteDecision) (*routeResult, error) {
	switch rt {
	case route.RouteDirectVectorLookup:
		return c.executeDirect(ctx, qt, tenant, queryText, decision)
	case route.RouteLocalGraphSearch:
		return c.executeLocal(ctx, qt, tenant, queryText, decision)
	case route.RouteGlobalSummarySearch:
		return c.executeGlobal(ctx, qt, tenant, queryText, decision)
	case route.RouteMultiHopDiscovery:
		return c.executeMultiHop(ctx, qt, tenant, queryText, decision)
	default:
		return nil, fmt.Errorf("unknown route: %q", rt)
	}
}

// executeDirect answers from chunk similarity alone: embed the query, fetch
// the nearest chunks, and synthesize over them without touching the graph.
func (c *Client) executeDirect(ctx context.Context, qt *QueryTrace, tenant, queryText string, decision *route.RouteDecision) (*routeResult, error) {
	embedding, err := c.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	lookupStart := time.Now()
	chunks, err := c.store.SimilarChunks(ctx, tenant, embedding, c.directLimit)
	RecordStageTiming(qt, "vector_lookup", time.Since(lookupStart))
	if err != nil {
		if errors.Is(err, kgs.ErrUnsupportedCapability) {
			return nil, fmt.Errorf("%w: chunk similarity unsupported", ErrDegraded)
		}
		return nil, fmt.Errorf("failed to search similar chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no similar chunks", ErrEvidenceEmpty)
	}

	synthStart := time.Now()
	res, err := c.synthesizer.Synthesize(ctx, synthesize.SynthesizeParams{
		Tenant:       tenant,
		Query:        queryText,
		Requirements: decision.Intent.SubQuestions,
		Trace:        &trace.TraceResult{},
		Chunks:       chunks,
	})
	RecordStageTiming(qt, "synthesize", time.Since(synthStart))
	if err != nil {
		return nil, err
	}
	c.recordSynthesis(qt, res)

	return &routeResult{route: route.RouteDirectVectorLookup, answer: res.Answer, degraded: res.Degraded}, nil
}

// executeLocal anchors the answer on entities resolved from the query:
// resolve the mentions, beam-search outward from the seeds, and synthesize
// over the ranked neighborhood. Without a query embedding the trace runs in
// approximate-rank mode instead of failing the route.
func (c *Client) executeLocal(ctx context.Context, qt *QueryTrace, tenant, queryText string, decision *route.RouteDecision) (*routeResult, error) {
	mentions := decision.Intent.Entities
	if len(mentions) == 0 {
		mentions = []string{queryText}
	}

	resolveStart := time.Now()
	resolved, err := c.resolver.Resolve(ctx, tenant, mentions)
	RecordStageTiming(qt, "resolve", time.Since(resolveStart))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mentions: %w", err)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no entities resolved", ErrEvidenceEmpty)
	}
	seeds := seedEntities(resolved)
	RecordSeedEntityIDs(qt, entityIDs(seeds)...)

	mode := trace.TraceModeBeamSearch
	embedding, err := c.embedQuery(ctx, queryText)
	if err != nil {
		logger.Warn("[Query] Query embedding failed, tracing with approximate rank", "err", err)
		mode = trace.TraceModeApproximateRank
		embedding = nil
	}

	traceStart := time.Now()
	tr, err := c.tracer.Expand(ctx, trace.ExpandParams{
		Tenant:         tenant,
		Seeds:          seeds,
		Mode:           mode,
		QueryEmbedding: embedding,
	})
	RecordStageTiming(qt, "trace", time.Since(traceStart))
	if err != nil {
		return nil, fmt.Errorf("failed to trace graph: %w", err)
	}

	res, err := c.synthesizeTraced(ctx, qt, tenant, queryText, decision.Intent.SubQuestions, seeds, mode, embedding, tr)
	if err != nil {
		return nil, err
	}
	return &routeResult{route: route.RouteLocalGraphSearch, answer: res.Answer, degraded: res.Degraded}, nil
}

// executeGlobal ranks a broad neighborhood for summary-style questions.
// Seeds are the resolved mentions supplemented with entities vector-similar
// to the query, so queries without concrete anchors still seed the rank.
func (c *Client) executeGlobal(ctx context.Context, qt *QueryTrace, tenant, queryText string, decision *route.RouteDecision) (*routeResult, error) {
	var seeds []common.Entity
	if len(decision.Intent.Entities) > 0 {
		resolveStart := time.Now()
		resolved, err := c.resolver.Resolve(ctx, tenant, decision.Intent.Entities)
		RecordStageTiming(qt, "resolve", time.Since(resolveStart))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mentions: %w", err)
		}
		seeds = seedEntities(resolved)
	}

	if c.store.Capabilities().VectorIndex {
		embedding, err := c.embedQuery(ctx, queryText)
		if err != nil {
			logger.Warn("[Query] Query embedding failed, seeding global rank from resolved entities only", "err", err)
		} else {
			similar, err := c.store.SimilarEntities(ctx, tenant, embedding, c.beamWidth)
			if err != nil {
				if errors.Is(err, kgs.ErrUnavailable) || errors.Is(err, kgs.ErrIsolationViolation) {
					return nil, err
				}
				logger.Warn("[Query] Similar entity seeding failed, continuing with resolved entities", "err", err)
			}
			seeds = mergeSeeds(seeds, similar)
		}
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("%w: no seed entities", ErrEvidenceEmpty)
	}
	RecordSeedEntityIDs(qt, entityIDs(seeds)...)

	traceStart := time.Now()
	tr, err := c.tracer.Expand(ctx, trace.ExpandParams{
		Tenant: tenant,
		Seeds:  seeds,
		Mode:   trace.TraceModeApproximateRank,
	})
	RecordStageTiming(qt, "trace", time.Since(traceStart))
	if err != nil {
		return nil, fmt.Errorf("failed to rank graph: %w", err)
	}

	res, err := c.synthesizeTraced(ctx, qt, tenant, queryText, decision.Intent.SubQuestions, seeds, trace.TraceModeApproximateRank, nil, tr)
	if err != nil {
		return nil, err
	}
	return &routeResult{route: route.RouteGlobalSummarySearch, answer: res.Answer, degraded: res.Degraded}, nil
}

// branchTrace is one sub-question's contribution to a multi-hop answer.
type branchTrace struct {
	seeds []common.Entity
	tr    *trace.TraceResult
}

// executeMultiHop fans a compound question out into per-sub-question
// branches, each resolving and tracing under its own timeout, then joins all
// branches and synthesizes one answer over the merged ranking. A failed or
// slow branch contributes nothing; its sub-question stays uncovered and
// lowers the confidence instead of failing the route.
func (c *Client) executeMultiHop(ctx context.Context, qt *QueryTrace, tenant, queryText string, decision *route.RouteDecision) (*routeResult, error) {
	subs := decision.Intent.SubQuestions
	if len(subs) == 0 {
		subs = []string{queryText}
	}

	branches := make([]*branchTrace, len(subs))
	fanStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		g.Go(func() error {
			bctx, cancel := context.WithTimeout(gctx, c.branchTimeout)
			defer cancel()

			bt, err := c.traceBranch(bctx, qt, tenant, sub)
			if err != nil {
				if errors.Is(err, kgs.ErrIsolationViolation) || errors.Is(err, kgs.ErrUnavailable) {
					return err
				}
				logger.Warn("[Query][MultiHop] Branch contributed nothing",
					"sub_question", sub,
					"err", err)
				return nil
			}
			branches[i] = bt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	RecordStageTiming(qt, "trace", time.Since(fanStart))

	merged, seeds := mergeBranches(branches)
	if len(merged.Entities) == 0 {
		return nil, fmt.Errorf("%w: no branch produced entities", ErrEvidenceEmpty)
	}

	res, err := c.synthesizeTraced(ctx, qt, tenant, queryText, subs, seeds, trace.TraceModeBeamSearch, nil, merged)
	if err != nil {
		return nil, err
	}
	return &routeResult{route: route.RouteMultiHopDiscovery, answer: res.Answer, degraded: res.Degraded}, nil
}

// traceBranch resolves and traces one sub-question. The sub-question text is
// the mention; the cascade's substring and vector strategies anchor it to
// entities it names.
func (c *Client) traceBranch(ctx context.Context, qt *QueryTrace, tenant, sub string) (*branchTrace, error) {
	resolved, err := c.resolver.Resolve(ctx, tenant, []string{sub})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sub-question: %w", err)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("%w: no entities for sub-question", ErrEvidenceEmpty)
	}
	seeds := seedEntities(resolved)
	RecordSeedEntityIDs(qt, entityIDs(seeds)...)

	mode := trace.TraceModeBeamSearch
	embedding, err := c.embedQuery(ctx, sub)
	if err != nil {
		logger.Warn("[Query][MultiHop] Branch embedding failed, tracing with approximate rank", "err", err)
		mode = trace.TraceModeApproximateRank
		embedding = nil
	}

	tr, err := c.tracer.Expand(ctx, trace.ExpandParams{
		Tenant:         tenant,
		Seeds:          seeds,
		Mode:           mode,
		QueryEmbedding: embedding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to trace sub-question: %w", err)
	}
	return &branchTrace{seeds: seeds, tr: tr}, nil
}

// mergeBranches joins branch rankings into one trace, keeping the best score
// per entity, and unions the branch seeds for gap-fill widening. The merged
// trace is degraded when any contributing branch was.
func mergeBranches(branches []*branchTrace) (*trace.TraceResult, []common.Entity) {
	merged := &trace.TraceResult{Mode: trace.TraceModeBeamSearch}
	bestByID := make(map[string]common.RankedEntity)
	var seeds []common.Entity
	seenSeed := make(map[string]struct{})

	for _, bt := range branches {
		if bt == nil {
			continue
		}
		merged.Degraded = merged.Degraded || bt.tr.Degraded
		for _, ranked := range bt.tr.Entities {
			best, ok := bestByID[ranked.Entity.ID]
			if !ok || ranked.Score > best.Score {
				bestByID[ranked.Entity.ID] = ranked
			}
		}
		for _, seed := range bt.seeds {
			if _, ok := seenSeed[seed.ID]; ok {
				continue
			}
			seenSeed[seed.ID] = struct{}{}
			seeds = append(seeds, seed)
		}
	}

	merged.Entities = make([]common.RankedEntity, 0, len(bestByID))
	for _, ranked := range bestByID {
		merged.Entities = append(merged.Entities, ranked)
	}
	sort.SliceStable(merged.Entities, func(i, j int) bool {
		if merged.Entities[i].Score != merged.Entities[j].Score {
			return merged.Entities[i].Score > merged.Entities[j].Score
		}
		return merged.Entities[i].Entity.ID < merged.Entities[j].Entity.ID
	})

	return merged, seeds
}

// synthesizeTraced runs synthesis over a finished trace, wiring the gap-fill
// widening for beam traces. Approximate ranks have nothing to widen; their
// gap-fill is skipped.
func (c *Client) synthesizeTraced(ctx context.Context, qt *QueryTrace, tenant, queryText string, requirements []string, seeds []common.Entity, mode trace.TraceMode, embedding []float32, tr *trace.TraceResult) (*synthesize.Result, error) {
	var widen synthesize.WidenFunc
	if mode == trace.TraceModeBeamSearch {
		widen = func(ctx context.Context, iteration int) (*trace.TraceResult, error) {
			queryEmbedding := embedding
			if queryEmbedding == nil {
				var err error
				if queryEmbedding, err = c.embedQuery(ctx, queryText); err != nil {
					return nil, err
				}
			}
			return c.tracer.Expand(ctx, trace.ExpandParams{
				Tenant:         tenant,
				Seeds:          seeds,
				Mode:           mode,
				QueryEmbedding: queryEmbedding,
				BeamWidth:      c.beamWidth * (iteration + 1),
				HopLimit:       c.hopLimit + iteration,
			})
		}
	}

	synthStart := time.Now()
	res, err := c.synthesizer.Synthesize(ctx, synthesize.SynthesizeParams{
		Tenant:       tenant,
		Query:        queryText,
		Requirements: requirements,
		Trace:        tr,
		Widen:        widen,
	})
	RecordStageTiming(qt, "synthesize", time.Since(synthStart))
	if err != nil {
		return nil, err
	}
	c.recordSynthesis(qt, res)
	return res, nil
}

// recordSynthesis copies the considered and used citation sets onto the
// query trace.
func (c *Client) recordSynthesis(qt *QueryTrace, res *synthesize.Result) {
	considered := make([]string, len(res.Considered))
	for i, citation := range res.Considered {
		considered[i] = citation.ID
	}
	RecordConsideredCitationIDs(qt, considered...)
	RecordUsedCitationIDs(qt, res.UsedIDs...)
}

// embedQuery embeds one text, classifying a per-call deadline hit as a
// recoverable upstream timeout. Deadline and cancellation errors are never
// retried, so the timeout classification below stays accurate.
func (c *Client) embedQuery(ctx context.Context, text string) ([]float32, error) {
	const maxRetries = 3
	embedding, err := util.RetryWithContext(ctx, maxRetries, func(ctx context.Context) ([]float32, error) {
		return c.aiClient.GenerateEmbedding(ctx, []byte(text))
	})
	if err != nil {
		return nil, upstreamErr(ctx, "generate query embedding", err)
	}
	return embedding, nil
}

// upstreamErr wraps an external call failure. A deadline exceeded while the
// query context is still alive means a per-call timeout fired; that is the
// recoverable ErrUpstreamTimeout, not a query abort.
func upstreamErr(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: %s: %w", ErrUpstreamTimeout, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func seedEntities(resolved []disambiguate.ResolvedEntity) []common.Entity {
	seen := make(map[string]struct{}, len(resolved))
	seeds := make([]common.Entity, 0, len(resolved))
	for _, r := range resolved {
		if _, ok := seen[r.Entity.ID]; ok {
			continue
		}
		seen[r.Entity.ID] = struct{}{}
		seeds = append(seeds, r.Entity)
	}
	return seeds
}

func entityIDs(entities []common.Entity) []string {
	ids := make([]string, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}
	return ids
}

// mergeSeeds appends scored entities to the seed set, skipping ids already
// present.
func mergeSeeds(seeds []common.Entity, scored []kgs.ScoredEntity) []common.Entity {
	seen := make(map[string]struct{}, len(seeds))
	for _, seed := range seeds {
		seen[seed.ID] = struct{}{}
	}
	for _, s := range scored {
		if _, ok := seen[s.Entity.ID]; ok {
			continue
		}
		seen[s.Entity.ID] = struct{}{}
		seeds = append(seeds, s.Entity)
	}
	return seeds
}
