package synthesize

import (
	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/trace"
)

// coverageThreshold is the fraction of a requirement's content tokens a
// single chunk must contain for the requirement to count as covered.
const coverageThreshold = 0.5

// degradedDiversityCap bounds the diversity component when the trace ran
// degraded. An approximate ranking cannot claim full-confidence diversity.
const degradedDiversityCap = 0.5

// requirementStopwords are dropped from a requirement before coverage
// matching, leaving its content tokens.
var requirementStopwords = map[string]bool{
	"a": true, "about": true, "all": true, "an": true, "and": true,
	"any": true, "are": true, "as": true, "at": true, "be": true,
	"been": true, "being": true, "between": true, "by": true, "can": true,
	"could": true, "describe": true, "did": true, "do": true, "does": true,
	"during": true, "each": true, "explain": true, "for": true,
	"from": true, "give": true, "had": true, "has": true, "have": true,
	"he": true, "her": true, "his": true, "how": true, "i": true,
	"if": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "list": true, "may": true, "me": true, "might": true,
	"must": true, "my": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "our": true, "over": true, "please": true,
	"shall": true, "she": true, "should": true, "show": true, "so": true,
	"such": true, "tell": true, "than": true, "that": true, "the": true,
	"their": true, "them": true, "then": true, "there": true,
	"these": true, "they": true, "this": true, "those": true, "to": true,
	"under": true, "us": true, "was": true, "we": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true,
	"whom": true, "whose": true, "why": true, "will": true, "with": true,
	"within": true, "would": true, "you": true, "your": true,
}

// confidence blends diversity and requirement coverage evenly. Diversity is
// the fraction of traced entities that contributed packed evidence, or the
// spread of source documents when the evidence was similarity-searched
// without a trace. Coverage is the fraction of requirements at least one
// chunk covers.
func (s *Synthesizer) confidence(tr *trace.TraceResult, packed []*evidenceItem, reqs []string) float64 {
	if len(packed) == 0 || len(reqs) == 0 {
		return 0
	}

	var diversity float64
	if len(tr.Entities) > 0 {
		diversity = entityDiversity(tr, packed)
	} else {
		diversity = sourceDiversity(packed)
	}
	if tr.Degraded && diversity > degradedDiversityCap {
		diversity = degradedDiversityCap
	}

	covered := 0
	for _, req := range reqs {
		for _, item := range packed {
			if requirementCovered(req, item.chunk.Text) {
				covered++
				break
			}
		}
	}
	coverage := float64(covered) / float64(len(reqs))

	confidence := 0.5*diversity + 0.5*coverage
	logger.Debug("[Synthesize] Confidence computed",
		"diversity", diversity,
		"coverage", coverage,
		"confidence", confidence)
	return confidence
}

// entityDiversity is the fraction of traced entities that contributed packed
// evidence.
func entityDiversity(tr *trace.TraceResult, packed []*evidenceItem) float64 {
	contributors := make(map[string]struct{})
	for _, item := range packed {
		for id := range item.entityIDs {
			contributors[id] = struct{}{}
		}
	}
	diversity := float64(len(contributors)) / float64(len(tr.Entities))
	if diversity > 1 {
		diversity = 1
	}
	return diversity
}

// sourceDiversity is the fraction of packed chunks drawn from distinct
// source documents. It stands in for entity diversity when no entities were
// traced.
func sourceDiversity(packed []*evidenceItem) float64 {
	sources := make(map[string]struct{}, len(packed))
	for _, item := range packed {
		sources[item.source] = struct{}{}
	}
	return float64(len(sources)) / float64(len(packed))
}

// requirementCovered reports whether the chunk contains at least
// coverageThreshold of the requirement's content tokens.
func requirementCovered(requirement string, chunkText string) bool {
	content := contentTokens(requirement)
	if len(content) == 0 {
		return false
	}

	chunkTokens := make(map[string]bool)
	for _, token := range util.TokenizeWords(chunkText) {
		chunkTokens[token] = true
	}

	hits := 0
	for _, token := range content {
		if chunkTokens[token] {
			hits++
		}
	}
	return float64(hits)/float64(len(content)) >= coverageThreshold
}

// contentTokens returns the requirement's distinct non-stopword tokens. A
// requirement made of stopwords only keeps them all, so it can still match.
func contentTokens(requirement string) []string {
	tokens := util.TokenizeWords(requirement)
	seen := make(map[string]bool, len(tokens))
	content := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if requirementStopwords[token] || seen[token] {
			continue
		}
		seen[token] = true
		content = append(content, token)
	}
	if len(content) > 0 {
		return content
	}

	for _, token := range tokens {
		if seen[token] {
			continue
		}
		seen[token] = true
		content = append(content, token)
	}
	return content
}
