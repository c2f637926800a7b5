package trace

import (
	"context"
	"errors"
	"fmt"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

// TraceMode selects the traversal strategy for a trace.
type TraceMode string

const (
	// TraceModeBeamSearch expands a bounded frontier hop by hop, keeping
	// the entities most similar to the query embedding.
	TraceModeBeamSearch TraceMode = "beam_search"
	// TraceModeApproximateRank distributes relevance from the seeds over a
	// bounded neighborhood and returns the highest-ranked entities.
	TraceModeApproximateRank TraceMode = "approximate_rank"
)

// Default traversal bounds. Callers override them per tracer through
// NewTracerParams or per call through ExpandParams.
const (
	DefaultBeamWidth = 10
	DefaultHopLimit  = 3
	DefaultOneHopCap = 25
	DefaultTwoHopCap = 10
	DefaultTopK      = 20
)

// TraceResult is the outcome of one graph expansion: the ranked entities
// plus the quality metadata downstream confidence scoring needs.
type TraceResult struct {
	Entities []common.RankedEntity `json:"entities"`
	Mode     TraceMode             `json:"mode"`
	// Degraded reports reduced ranking quality: the in-process
	// approximation ran instead of a native backend ranking, or the trace
	// fell back to the bare seed set.
	Degraded bool `json:"degraded"`
}

// Tracer expands seed entities into a ranked entity set by traversing the
// knowledge graph. It holds no per-query state and is safe for concurrent
// use.
//
// A Tracer should be created using NewTracer.
type Tracer struct {
	store     kgs.Store
	beamWidth int
	hopLimit  int
	oneHopCap int
	twoHopCap int
	topK      int
}

// NewTracerParams defines the configuration parameters for creating a new
// Tracer.
//
// BeamWidth bounds the entities retained per hop in beam search. HopLimit
// bounds the traversal depth. OneHopCap and TwoHopCap bound the
// neighborhood fetched for approximate ranking. TopK bounds the entities
// an approximate rank returns.
type NewTracerParams struct {
	Store     kgs.Store
	BeamWidth int
	HopLimit  int
	OneHopCap int
	TwoHopCap int
	TopK      int
}

// NewTracer creates and returns a new Tracer configured with the provided
// parameters. Bounds that are zero or negative fall back to the defaults.
//
// Example:
//
//	tracer, err := trace.NewTracer(trace.NewTracerParams{
//		Store:     store,
//		BeamWidth: 10,
//		HopLimit:  3,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
func NewTracer(params NewTracerParams) (*Tracer, error) {
	if params.Store == nil {
		return nil, errors.New("trace: store is required")
	}

	t := &Tracer{
		store:     params.Store,
		beamWidth: params.BeamWidth,
		hopLimit:  params.HopLimit,
		oneHopCap: params.OneHopCap,
		twoHopCap: params.TwoHopCap,
		topK:      params.TopK,
	}
	if t.beamWidth <= 0 {
		t.beamWidth = DefaultBeamWidth
	}
	if t.hopLimit <= 0 {
		t.hopLimit = DefaultHopLimit
	}
	if t.oneHopCap <= 0 {
		t.oneHopCap = DefaultOneHopCap
	}
	if t.twoHopCap <= 0 {
		t.twoHopCap = DefaultTwoHopCap
	}
	if t.topK <= 0 {
		t.topK = DefaultTopK
	}

	return t, nil
}

// ExpandParams describes one trace request.
//
// QueryEmbedding scores beam candidates; approximate ranking ignores it.
// BeamWidth and HopLimit override the tracer defaults when positive, which
// the synthesizer uses to widen a trace during gap-fill.
type ExpandParams struct {
	Tenant         string
	Seeds          []common.Entity
	Mode           TraceMode
	QueryEmbedding []float32
	BeamWidth      int
	HopLimit       int
}

// Expand traverses the graph from the seeds and returns ranked entities.
// An empty seed set returns an empty result without touching the store;
// the caller decides whether that means insufficient evidence.
func (t *Tracer) Expand(ctx context.Context, params ExpandParams) (*TraceResult, error) {
	if len(params.Seeds) == 0 {
		return &TraceResult{Entities: []common.RankedEntity{}, Mode: params.Mode}, nil
	}

	switch params.Mode {
	case TraceModeBeamSearch:
		return t.beamSearch(ctx, params)
	case TraceModeApproximateRank:
		return t.approximateRank(ctx, params)
	default:
		return nil, fmt.Errorf("unknown trace mode: %q", params.Mode)
	}
}
