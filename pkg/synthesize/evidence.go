package synthesize

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/trace"
)

// previewRunes bounds the citation text preview.
const previewRunes = 200

// evidenceItem is one deduplicated chunk with the metadata synthesis needs.
// rank is the position of the best contributing entity in the trace;
// entityIDs collects every entity that retrieved the chunk.
type evidenceItem struct {
	chunk     common.Chunk
	section   string
	source    string
	rank      int
	entityIDs map[string]struct{}
}

// collectEvidence returns the evidence for one synthesis pass. Pre-ranked
// chunks on the params win over entity gathering.
func (s *Synthesizer) collectEvidence(ctx context.Context, params SynthesizeParams, tr *trace.TraceResult) ([]*evidenceItem, error) {
	if len(params.Chunks) > 0 {
		return scoredEvidence(params.Chunks), nil
	}
	return s.gatherEvidence(ctx, params.Tenant, tr)
}

// scoredEvidence adapts similarity-searched chunks into evidence items,
// keeping their order and deduplicating by chunk id.
func scoredEvidence(chunks []kgs.ScoredChunk) []*evidenceItem {
	seen := make(map[string]struct{}, len(chunks))
	items := make([]*evidenceItem, 0, len(chunks))
	for i, sc := range chunks {
		if _, ok := seen[sc.Chunk.ID]; ok {
			continue
		}
		seen[sc.Chunk.ID] = struct{}{}
		items = append(items, &evidenceItem{
			chunk:   sc.Chunk,
			section: sc.Section,
			source:  sc.Source,
			rank:    i,
		})
	}
	return items
}

// gatherEvidence fetches chunks for all traced entities in one call and
// deduplicates them by chunk id. A chunk retrieved through several entities
// keeps the best rank among them. Items come back ordered rank first, then
// chunk position.
func (s *Synthesizer) gatherEvidence(ctx context.Context, tenant string, tr *trace.TraceResult) ([]*evidenceItem, error) {
	if len(tr.Entities) == 0 {
		return nil, nil
	}

	entityIDs := make([]string, 0, len(tr.Entities))
	rankOf := make(map[string]int, len(tr.Entities))
	for i, ranked := range tr.Entities {
		if _, ok := rankOf[ranked.Entity.ID]; ok {
			continue
		}
		rankOf[ranked.Entity.ID] = i
		entityIDs = append(entityIDs, ranked.Entity.ID)
	}

	rows, err := s.store.ChunksForEntities(ctx, tenant, entityIDs, s.limitPerEntity)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch evidence chunks: %w", err)
	}

	byChunk := make(map[string]*evidenceItem, len(rows))
	items := make([]*evidenceItem, 0, len(rows))
	for _, row := range rows {
		rank, ok := rankOf[row.EntityID]
		if !ok {
			continue
		}
		item, ok := byChunk[row.Chunk.ID]
		if !ok {
			item = &evidenceItem{
				chunk:     row.Chunk,
				section:   row.Section,
				source:    row.Source,
				rank:      rank,
				entityIDs: make(map[string]struct{}, 1),
			}
			byChunk[row.Chunk.ID] = item
			items = append(items, item)
		}
		item.entityIDs[row.EntityID] = struct{}{}
		if rank < item.rank {
			item.rank = rank
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].rank != items[j].rank {
			return items[i].rank < items[j].rank
		}
		if items[i].chunk.Index != items[j].chunk.Index {
			return items[i].chunk.Index < items[j].chunk.Index
		}
		return items[i].chunk.ID < items[j].chunk.ID
	})

	return items, nil
}

// packEvidence keeps the longest prefix of the ranked evidence that fits the
// token budget, so the lowest-ranked evidence is dropped first. The
// highest-ranked item is always kept.
func (s *Synthesizer) packEvidence(items []*evidenceItem) ([]*evidenceItem, int) {
	packed := make([]*evidenceItem, 0, len(items))
	total := 0
	for _, item := range items {
		tokens := len(s.encoding.Encode(evidenceLine(item), nil, nil))
		if len(packed) > 0 && total+tokens > s.tokenBudget {
			break
		}
		packed = append(packed, item)
		total += tokens
	}
	return packed, total
}

// evidenceLine renders one chunk the way AnswerPrompt documents it:
//
//	[[<citation_id>]] (<source> / <section>): <text>
//
// Chunk text is flattened to a single line so the one-record-per-line
// contract holds.
func evidenceLine(item *evidenceItem) string {
	provenance := item.source
	if item.section != "" {
		provenance += " / " + item.section
	}
	text := strings.Join(strings.Fields(item.chunk.Text), " ")
	return fmt.Sprintf("[[%s]] (%s): %s", item.chunk.ID, provenance, text)
}

func evidenceBlock(items []*evidenceItem) string {
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = evidenceLine(item)
	}
	return strings.Join(lines, "\n")
}

// citations builds the citation map for the packed evidence. The citation id
// is the chunk's stable id, so repeated queries over the same corpus cite
// identically.
func citations(items []*evidenceItem) []common.Citation {
	out := make([]common.Citation, len(items))
	for i, item := range items {
		out[i] = common.Citation{
			ID:          item.chunk.ID,
			Source:      item.source,
			Section:     item.section,
			ChunkID:     item.chunk.ID,
			TextPreview: preview(item.chunk.Text),
		}
	}
	return out
}

// citationsUsed filters the considered citations down to the ids the answer
// references, in order of first reference. An answer citing nothing gets an
// empty citation list.
func citationsUsed(considered []common.Citation, usedIDs []string) []common.Citation {
	byID := make(map[string]common.Citation, len(considered))
	for _, c := range considered {
		byID[c.ID] = c
	}
	used := make([]common.Citation, 0, len(usedIDs))
	for _, id := range usedIDs {
		if c, ok := byID[id]; ok {
			used = append(used, c)
		}
	}
	return used
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}
