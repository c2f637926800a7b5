package disambiguate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
)

// Strategy identifies which cascade stage resolved a mention.
type Strategy string

const (
	StrategyExact     Strategy = "exact"
	StrategyAlias     Strategy = "alias"
	StrategyField     Strategy = "field"
	StrategySubstring Strategy = "substring"
	StrategyTokens    Strategy = "token_overlap"
	StrategyVector    Strategy = "vector"
)

const (
	// substring matches below this length resolve too aggressively.
	minSubstringLen = 3
	// Jaccard overlap a token match must exceed.
	tokenOverlapThreshold = 0.5
	// cosine similarity a vector match must exceed.
	vectorThreshold = 0.75
	// entities fetched per vector lookup before thresholding.
	vectorCandidates = 5
)

// ResolvedEntity is one mention resolved to a graph entity, carrying
// the confidence of the winning strategy.
type ResolvedEntity struct {
	Mention    string        `json:"mention"`
	Entity     common.Entity `json:"entity"`
	Confidence float64       `json:"confidence"`
	Strategy   Strategy      `json:"strategy"`
}

// Resolver maps free-text entity mentions onto graph entities with a
// cascade of matching strategies of decreasing confidence. Each
// mention stops at the first strategy producing at least one
// candidate; later strategies never displace an earlier result.
type Resolver struct {
	store    kgs.Store
	aiClient ai.GraphAIClient
}

// NewResolver creates a Resolver over the given store. The AI client
// is only used for the final vector-similarity stage and may be nil
// when embeddings are unavailable.
func NewResolver(store kgs.Store, aiClient ai.GraphAIClient) *Resolver {
	return &Resolver{
		store:    store,
		aiClient: aiClient,
	}
}

// scored is a candidate inside one strategy: rank decides the winner,
// confidence is what the winner reports.
type scored struct {
	entity     common.Entity
	rank       float64
	confidence float64
}

// pick applies the within-strategy tie-break: highest rank first, then
// the smallest lexical length difference to the mention, then id.
func pick(mention string, candidates []scored) scored {
	best := candidates[0]
	bestDiff := lengthDiff(mention, best.entity.Name)
	for _, c := range candidates[1:] {
		diff := lengthDiff(mention, c.entity.Name)
		switch {
		case c.rank > best.rank:
		case c.rank == best.rank && diff < bestDiff:
		case c.rank == best.rank && diff == bestDiff && c.entity.ID < best.entity.ID:
		default:
			continue
		}
		best = c
		bestDiff = diff
	}
	return best
}

func lengthDiff(a, b string) int {
	d := len(a) - len(b)
	if d < 0 {
		return -d
	}
	return d
}

// Resolve runs the cascade for every mention. Mentions no strategy can
// resolve are dropped; an empty result is a valid outcome. Two mentions
// resolving to the same entity collapse to the higher-confidence one.
func (r *Resolver) Resolve(ctx context.Context, tenant string, mentions []string) ([]ResolvedEntity, error) {
	cleaned := make([]string, 0, len(mentions))
	seen := make(map[string]struct{}, len(mentions))
	for _, m := range mentions {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(m)]; ok {
			continue
		}
		seen[strings.ToLower(m)] = struct{}{}
		cleaned = append(cleaned, m)
	}
	if len(cleaned) == 0 {
		return []ResolvedEntity{}, nil
	}

	resolved := make(map[string]ResolvedEntity, len(cleaned))

	if err := r.resolveExact(ctx, tenant, cleaned, resolved); err != nil {
		return nil, err
	}

	// Stages 2 and 3 hit the store per still-unresolved mention.
	for _, m := range cleaned {
		if _, ok := resolved[m]; ok {
			continue
		}
		entities, err := r.store.EntitiesByAlias(ctx, tenant, m)
		if err != nil {
			return nil, fmt.Errorf("alias match: %w", err)
		}
		if c, ok := constantCandidates(entities, 0.9); ok {
			best := pick(m, c)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategyAlias}
		}
	}

	for _, m := range cleaned {
		if _, ok := resolved[m]; ok {
			continue
		}
		entities, err := r.store.EntitiesByField(ctx, tenant, m)
		if err != nil {
			return nil, fmt.Errorf("field match: %w", err)
		}
		if c, ok := constantCandidates(entities, 0.8); ok {
			best := pick(m, c)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategyField}
		}
	}

	// Stages 4 and 5 run in process over the tenant's name list,
	// fetched once.
	var names []common.Entity
	needNames := false
	for _, m := range cleaned {
		if _, ok := resolved[m]; !ok {
			needNames = true
			break
		}
	}
	if needNames {
		var err error
		names, err = r.store.EntityNames(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("entity names: %w", err)
		}
	}

	for _, m := range cleaned {
		if _, ok := resolved[m]; ok {
			continue
		}
		if c, ok := substringCandidates(m, names); ok {
			best := pick(m, c)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategySubstring}
		}
	}

	for _, m := range cleaned {
		if _, ok := resolved[m]; ok {
			continue
		}
		if c, ok := tokenCandidates(m, names); ok {
			best := pick(m, c)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategyTokens}
		}
	}

	if err := r.resolveVector(ctx, tenant, cleaned, resolved); err != nil {
		return nil, err
	}

	return collapse(cleaned, resolved), nil
}

// resolveExact batches every mention into one name lookup.
func (r *Resolver) resolveExact(ctx context.Context, tenant string, mentions []string, resolved map[string]ResolvedEntity) error {
	entities, err := r.store.EntitiesByName(ctx, tenant, mentions)
	if err != nil {
		return fmt.Errorf("exact match: %w", err)
	}

	byName := make(map[string][]scored)
	for _, e := range entities {
		key := strings.ToLower(e.Name)
		byName[key] = append(byName[key], scored{entity: e, rank: 1, confidence: 1})
	}

	for _, m := range mentions {
		if candidates, ok := byName[strings.ToLower(m)]; ok {
			best := pick(m, candidates)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategyExact}
		}
	}
	return nil
}

// resolveVector embeds all still-unresolved mentions in one batched
// call, then looks each embedding up in the vector index. Failures
// here degrade to dropping the mentions, never to failing the query.
func (r *Resolver) resolveVector(ctx context.Context, tenant string, mentions []string, resolved map[string]ResolvedEntity) error {
	if r.aiClient == nil {
		return nil
	}

	unresolved := make([]string, 0)
	for _, m := range mentions {
		if _, ok := resolved[m]; !ok {
			unresolved = append(unresolved, m)
		}
	}
	if len(unresolved) == 0 {
		return nil
	}

	inputs := make([][]byte, len(unresolved))
	for i, m := range unresolved {
		inputs[i] = []byte(m)
	}
	embeddings, err := r.aiClient.GenerateEmbeddings(ctx, inputs)
	if err != nil {
		logger.Warn("[Disambiguate] Embedding unavailable, dropping unresolved mentions", "count", len(unresolved), "err", err)
		return nil
	}

	for i, m := range unresolved {
		matches, err := r.store.SimilarEntities(ctx, tenant, embeddings[i], vectorCandidates)
		if err != nil {
			if errors.Is(err, kgs.ErrUnsupportedCapability) {
				logger.Debug("[Disambiguate] Vector lookup unsupported by backend")
				return nil
			}
			return fmt.Errorf("vector match: %w", err)
		}

		candidates := make([]scored, 0, len(matches))
		for _, match := range matches {
			if match.Similarity <= vectorThreshold {
				continue
			}
			candidates = append(candidates, scored{
				entity:     match.Entity,
				rank:       match.Similarity,
				confidence: match.Similarity,
			})
		}
		if len(candidates) > 0 {
			best := pick(m, candidates)
			resolved[m] = ResolvedEntity{Mention: m, Entity: best.entity, Confidence: best.confidence, Strategy: StrategyVector}
		}
	}
	return nil
}

func constantCandidates(entities []common.Entity, confidence float64) ([]scored, bool) {
	if len(entities) == 0 {
		return nil, false
	}
	out := make([]scored, len(entities))
	for i, e := range entities {
		out[i] = scored{entity: e, rank: confidence, confidence: confidence}
	}
	return out, true
}

func substringCandidates(mention string, names []common.Entity) ([]scored, bool) {
	m := strings.ToLower(mention)
	out := make([]scored, 0)
	for _, e := range names {
		n := strings.ToLower(e.Name)
		if n == "" {
			continue
		}
		contained := ""
		switch {
		case strings.Contains(n, m):
			contained = m
		case strings.Contains(m, n):
			contained = n
		default:
			continue
		}
		if len(contained) < minSubstringLen {
			continue
		}
		out = append(out, scored{entity: e, rank: 0.6, confidence: 0.6})
	}
	return out, len(out) > 0
}

func tokenCandidates(mention string, names []common.Entity) ([]scored, bool) {
	out := make([]scored, 0)
	for _, e := range names {
		overlap := util.TokenOverlap(mention, e.Name)
		if overlap <= tokenOverlapThreshold {
			continue
		}
		out = append(out, scored{entity: e, rank: overlap, confidence: 0.5 * overlap})
	}
	return out, len(out) > 0
}

// collapse orders results by mention order and keeps the
// highest-confidence resolution per distinct entity.
func collapse(mentions []string, resolved map[string]ResolvedEntity) []ResolvedEntity {
	byEntity := make(map[string]ResolvedEntity)
	order := make([]string, 0, len(resolved))
	for _, m := range mentions {
		res, ok := resolved[m]
		if !ok {
			continue
		}
		prev, dup := byEntity[res.Entity.ID]
		if dup && prev.Confidence >= res.Confidence {
			continue
		}
		if !dup {
			order = append(order, res.Entity.ID)
		}
		byEntity[res.Entity.ID] = res
	}

	out := make([]ResolvedEntity, 0, len(order))
	for _, id := range order {
		out = append(out, byEntity[id])
	}
	return out
}
