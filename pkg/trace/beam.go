package trace

import (
	"context"
	"fmt"
	"sort"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/logger"
)

// beamCandidate is an entity discovered in the current hop, scored against
// the query embedding. inDegree counts the distinct beam entities it was
// reached from and breaks score ties.
type beamCandidate struct {
	entity   common.Entity
	score    float64
	inDegree int
}

// beamSearch expands the seeds hop by hop. Each hop batches the whole beam
// into a single Neighbors call, scores the newly discovered entities by
// cosine similarity to the query embedding and retains the top beamWidth
// as the next beam. An entity keeps the score of the hop that first
// discovered it; seeds score 1.0 so they never rank below discoveries.
func (t *Tracer) beamSearch(ctx context.Context, params ExpandParams) (*TraceResult, error) {
	width := params.BeamWidth
	if width <= 0 {
		width = t.beamWidth
	}
	hopLimit := params.HopLimit
	if hopLimit <= 0 {
		hopLimit = t.hopLimit
	}

	visited := make(map[string]struct{}, len(params.Seeds))
	results := make([]common.RankedEntity, 0, len(params.Seeds)+width*hopLimit)
	beam := make([]string, 0, len(params.Seeds))
	for _, seed := range params.Seeds {
		if _, ok := visited[seed.ID]; ok {
			continue
		}
		visited[seed.ID] = struct{}{}
		results = append(results, common.RankedEntity{Entity: seed, Score: 1.0, Hop: 0})
		beam = append(beam, seed.ID)
	}

	for hop := 1; hop <= hopLimit; hop++ {
		neighbors, err := t.store.Neighbors(ctx, params.Tenant, beam)
		if err != nil {
			return nil, fmt.Errorf("failed to expand beam at hop %d: %w", hop, err)
		}

		discovered := make(map[string]*beamCandidate)
		incoming := make(map[string]map[string]struct{})
		for _, n := range neighbors {
			if _, ok := visited[n.Entity.ID]; ok {
				continue
			}
			cand, ok := discovered[n.Entity.ID]
			if !ok {
				cand = &beamCandidate{
					entity: n.Entity,
					score:  util.CosineSimilarity(n.Entity.Embedding, params.QueryEmbedding),
				}
				discovered[n.Entity.ID] = cand
				incoming[n.Entity.ID] = make(map[string]struct{})
			}
			incoming[n.Entity.ID][n.SourceID] = struct{}{}
		}
		if len(discovered) == 0 {
			break
		}

		candidates := make([]*beamCandidate, 0, len(discovered))
		for id, cand := range discovered {
			cand.inDegree = len(incoming[id])
			candidates = append(candidates, cand)
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].score != candidates[j].score {
				return candidates[i].score > candidates[j].score
			}
			if candidates[i].inDegree != candidates[j].inDegree {
				return candidates[i].inDegree > candidates[j].inDegree
			}
			return candidates[i].entity.ID < candidates[j].entity.ID
		})
		if len(candidates) > width {
			candidates = candidates[:width]
		}

		beam = beam[:0]
		for _, cand := range candidates {
			visited[cand.entity.ID] = struct{}{}
			results = append(results, common.RankedEntity{Entity: cand.entity, Score: cand.score, Hop: hop})
			beam = append(beam, cand.entity.ID)
		}

		logger.Debug("[Trace][Beam] Hop expanded",
			"hop", hop,
			"discovered", len(discovered),
			"retained", len(candidates),
		)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Hop != results[j].Hop {
			return results[i].Hop < results[j].Hop
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})

	return &TraceResult{Entities: results, Mode: TraceModeBeamSearch}, nil
}
