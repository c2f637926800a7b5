package synthesize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/korelab/kora/internal/util"
	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/logger"
	"github.com/korelab/kora/pkg/trace"
)

// InsufficientEvidence is the answer text produced when no evidence supports
// the query. It is a normal outcome, not an error.
const InsufficientEvidence = "insufficient evidence"

// Default synthesis bounds. Callers override them through
// NewSynthesizerParams.
const (
	DefaultLimitPerEntity      = 12
	DefaultTokenBudget         = 8000
	DefaultTokenEncoder        = "o200k_base"
	DefaultConfidenceThreshold = 0.7
	DefaultGapFillIterations   = 2
)

// WidenFunc re-traces the graph with widened bounds for one gap-fill
// iteration. Iterations are numbered from 1.
type WidenFunc func(ctx context.Context, iteration int) (*trace.TraceResult, error)

// Result is the outcome of one synthesis: the answer plus the audit sets the
// caller records on the query trace.
type Result struct {
	Answer *common.Answer
	// Considered is the full citation map packed into the completion prompt.
	// Answer.Citations is the subset the answer actually references.
	Considered []common.Citation
	// UsedIDs lists the citation ids referenced inline, in order of first
	// appearance.
	UsedIDs []string
	// GapFills counts the widened re-traces behind the returned answer.
	GapFills int
	// Degraded carries the quality flag of the trace the answer was built
	// from.
	Degraded bool
}

// Synthesizer turns a ranked entity set into a cited answer. It holds no
// per-query state and is safe for concurrent use.
//
// A Synthesizer should be created using NewSynthesizer.
type Synthesizer struct {
	store               kgs.Store
	aiClient            ai.GraphAIClient
	encoding            *tiktoken.Tiktoken
	limitPerEntity      int
	tokenBudget         int
	confidenceThreshold float64
	gapFillIterations   int
}

// NewSynthesizerParams defines the configuration parameters for creating a
// new Synthesizer.
//
// LimitPerEntity bounds the chunks fetched per ranked entity. TokenBudget
// bounds the evidence packed into the completion prompt, measured with the
// tiktoken encoding named by TokenEncoder. ConfidenceThreshold is the
// confidence below which gap-fill widens the trace, bounded by
// GapFillIterations re-traces.
type NewSynthesizerParams struct {
	Store               kgs.Store
	AIClient            ai.GraphAIClient
	LimitPerEntity      int
	TokenBudget         int
	TokenEncoder        string
	ConfidenceThreshold float64
	GapFillIterations   int
}

// NewSynthesizer creates and returns a new Synthesizer configured with the
// provided parameters. Bounds that are zero or negative fall back to the
// defaults.
//
// Example:
//
//	synthesizer, err := synthesize.NewSynthesizer(synthesize.NewSynthesizerParams{
//		Store:       store,
//		AIClient:    aiClient,
//		TokenBudget: 8000,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewSynthesizer(params NewSynthesizerParams) (*Synthesizer, error) {
	if params.Store == nil {
		return nil, errors.New("synthesize: store is required")
	}
	if params.AIClient == nil {
		return nil, errors.New("synthesize: ai client is required")
	}

	if params.TokenEncoder == "" {
		params.TokenEncoder = DefaultTokenEncoder
	}
	encoding, err := tiktoken.GetEncoding(params.TokenEncoder)
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding %s: %w", params.TokenEncoder, err)
	}

	s := &Synthesizer{
		store:               params.Store,
		aiClient:            params.AIClient,
		encoding:            encoding,
		limitPerEntity:      params.LimitPerEntity,
		tokenBudget:         params.TokenBudget,
		confidenceThreshold: params.ConfidenceThreshold,
		gapFillIterations:   params.GapFillIterations,
	}
	if s.limitPerEntity <= 0 {
		s.limitPerEntity = DefaultLimitPerEntity
	}
	if s.tokenBudget <= 0 {
		s.tokenBudget = DefaultTokenBudget
	}
	if s.confidenceThreshold <= 0 {
		s.confidenceThreshold = DefaultConfidenceThreshold
	}
	if s.gapFillIterations <= 0 {
		s.gapFillIterations = DefaultGapFillIterations
	}

	return s, nil
}

// SynthesizeParams describes one synthesis request.
//
// Requirements are the decomposed sub-questions the answer must cover; when
// empty the whole query is the single requirement. Widen, when set, is asked
// for a widened trace whenever confidence lands below the threshold and
// iteration budget remains. Chunks supplies pre-ranked evidence directly,
// skipping entity gathering; similarity search results keep their own order
// that way.
type SynthesizeParams struct {
	Tenant       string
	Query        string
	Requirements []string
	Trace        *trace.TraceResult
	Chunks       []kgs.ScoredChunk
	Widen        WidenFunc
}

// Synthesize gathers evidence for the traced entities, generates a cited
// answer, and widens the trace while confidence stays below the threshold.
// When the per-query deadline cuts the gap-fill loop short, the best answer
// so far is returned with Provisional set.
func (s *Synthesizer) Synthesize(ctx context.Context, params SynthesizeParams) (*Result, error) {
	if params.Trace == nil {
		return nil, errors.New("synthesize: trace is required")
	}

	best, err := s.synthesizeOnce(ctx, params, params.Trace)
	if err != nil {
		return nil, err
	}

	for iteration := 1; iteration <= s.gapFillIterations; iteration++ {
		if best.Answer.Confidence >= s.confidenceThreshold || params.Widen == nil {
			break
		}
		if ctx.Err() != nil {
			best.Answer.Provisional = true
			logger.Info("[Synthesize] Deadline reached during gap-fill, answer is provisional",
				"iterations", iteration-1)
			break
		}

		widened, err := params.Widen(ctx, iteration)
		if err != nil {
			if deadlineCut(ctx, err) {
				best.Answer.Provisional = true
			}
			logger.Warn("[Synthesize] Failed to widen trace for gap-fill",
				"iteration", iteration,
				"err", err)
			break
		}

		next, err := s.synthesizeOnce(ctx, params, widened)
		if err != nil {
			if deadlineCut(ctx, err) {
				best.Answer.Provisional = true
			}
			logger.Warn("[Synthesize] Gap-fill synthesis failed, keeping previous answer",
				"iteration", iteration,
				"err", err)
			break
		}
		next.GapFills = iteration

		if next.Answer.Confidence >= best.Answer.Confidence {
			best = next
		}
	}

	return best, nil
}

// synthesizeOnce runs one full evidence-to-answer pass over a trace.
func (s *Synthesizer) synthesizeOnce(ctx context.Context, params SynthesizeParams, tr *trace.TraceResult) (*Result, error) {
	evidence, err := s.collectEvidence(ctx, params, tr)
	if err != nil {
		return nil, err
	}
	if len(evidence) == 0 {
		return &Result{Answer: insufficientAnswer(), Degraded: tr.Degraded}, nil
	}

	packed, packedTokens := s.packEvidence(evidence)
	logger.Debug("[Synthesize] Evidence packed",
		"entities", len(tr.Entities),
		"chunks", len(evidence),
		"packed", len(packed),
		"tokens", packedTokens)

	prompt := fmt.Sprintf(ai.AnswerPrompt, evidenceBlock(packed), params.Query)
	text, err := s.aiClient.GenerateCompletion(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	text = strings.TrimSpace(util.NormalizeIDs(text))
	considered := citations(packed)

	if isInsufficient(text) {
		return &Result{
			Answer:     insufficientAnswer(),
			Considered: considered,
			Degraded:   tr.Degraded,
		}, nil
	}

	usedIDs := util.ExtractIDs(text)

	return &Result{
		Answer: &common.Answer{
			Text:       text,
			Citations:  citationsUsed(considered, usedIDs),
			Confidence: s.confidence(tr, packed, requirements(params)),
		},
		Considered: considered,
		UsedIDs:    usedIDs,
		Degraded:   tr.Degraded,
	}, nil
}

func insufficientAnswer() *common.Answer {
	return &common.Answer{Text: InsufficientEvidence, Confidence: 0}
}

// isInsufficient matches the model declaring the evidence insufficient,
// tolerating quoting and a trailing period around the instructed phrase.
func isInsufficient(text string) bool {
	text = strings.TrimSpace(text)
	text = strings.Trim(text, "\"'`")
	text = strings.TrimSuffix(text, ".")
	return strings.EqualFold(strings.TrimSpace(text), InsufficientEvidence)
}

// requirements returns the sub-requirements the answer must cover, falling
// back to the whole query as the single requirement.
func requirements(params SynthesizeParams) []string {
	reqs := make([]string, 0, len(params.Requirements))
	for _, r := range params.Requirements {
		if strings.TrimSpace(r) != "" {
			reqs = append(reqs, r)
		}
	}
	if len(reqs) == 0 {
		return []string{params.Query}
	}
	return reqs
}

// deadlineCut reports whether a gap-fill step failed because the per-query
// deadline expired rather than for its own reasons.
func deadlineCut(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
