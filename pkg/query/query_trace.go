package query

import (
	"sort"
	"sync"
	"time"

	"github.com/korelab/kora/pkg/route"
)

type TraceEventKind string

const (
	TraceEventConsideredCitationIDs TraceEventKind = "considered_citation_ids"
	TraceEventUsedCitationIDs       TraceEventKind = "used_citation_ids"
	TraceEventSeedEntityIDs         TraceEventKind = "seed_entity_ids"
	TraceEventRouteAttempt          TraceEventKind = "route_attempt"
	TraceEventStageTiming           TraceEventKind = "stage_timing"
)

// Route attempt outcomes recorded on the decision trail.
const (
	AttemptAnswered     = "answered"
	AttemptInsufficient = "insufficient_evidence"
	AttemptFailed       = "failed"
)

// TraceEvent is an extensible event envelope for query tracing.
// Additive changes to this struct are backward compatible for implementers.
type TraceEvent struct {
	Kind TraceEventKind

	CitationIDs []string
	EntityIDs   []string

	Route      route.Route
	Outcome    string
	Stage      string
	DurationMs int64
}

// TraceSink receives query tracing events.
//
// Implementers can forward events to logs, telemetry, or custom
// post-processing pipelines.
type TraceSink interface {
	Record(event TraceEvent)
}

// MultiSink fans trace events out to multiple sinks.
type MultiSink []TraceSink

func (m MultiSink) Record(event TraceEvent) {
	for _, s := range m {
		if s == nil {
			continue
		}
		s.Record(event)
	}
}

func RecordConsideredCitationIDs(s TraceSink, ids ...string) {
	if s == nil {
		return
	}
	s.Record(TraceEvent{Kind: TraceEventConsideredCitationIDs, CitationIDs: ids})
}

func RecordUsedCitationIDs(s TraceSink, ids ...string) {
	if s == nil {
		return
	}
	s.Record(TraceEvent{Kind: TraceEventUsedCitationIDs, CitationIDs: ids})
}

func RecordSeedEntityIDs(s TraceSink, ids ...string) {
	if s == nil {
		return
	}
	s.Record(TraceEvent{Kind: TraceEventSeedEntityIDs, EntityIDs: ids})
}

func RecordRouteAttempt(s TraceSink, r route.Route, outcome string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.Record(TraceEvent{Kind: TraceEventRouteAttempt, Route: r, Outcome: outcome, DurationMs: elapsed.Milliseconds()})
}

func RecordStageTiming(s TraceSink, stage string, elapsed time.Duration) {
	if s == nil {
		return
	}
	s.Record(TraceEvent{Kind: TraceEventStageTiming, Stage: stage, DurationMs: elapsed.Milliseconds()})
}

// RouteAttempt is one entry of the decision trail: a route that was tried
// and how it ended.
type RouteAttempt struct {
	Route      route.Route `json:"route"`
	Outcome    string      `json:"outcome"`
	DurationMs int64       `json:"duration_ms"`
}

// StageTiming is the measured duration of one pipeline stage.
type StageTiming struct {
	Stage      string `json:"stage"`
	DurationMs int64  `json:"duration_ms"`
}

// QueryTrace collects what a query run considered and used: the citations
// offered to and referenced by the model, the seed entities the graph
// expansion started from, the route attempts in order, and stage timings.
//
// QueryTrace is safe for concurrent use.
type QueryTrace struct {
	mu sync.Mutex

	consideredCitationIDs map[string]struct{}
	usedCitationIDs       map[string]struct{}
	seedEntityIDs         map[string]struct{}
	attempts              []RouteAttempt
	stages                []StageTiming
}

// QueryTraceSnapshot is an immutable copy of a QueryTrace. Citation and
// entity id sets come back sorted; attempts and stages keep event order.
type QueryTraceSnapshot struct {
	ConsideredCitationIDs []string       `json:"considered_citation_ids"`
	UsedCitationIDs       []string       `json:"used_citation_ids"`
	SeedEntityIDs         []string       `json:"seed_entity_ids"`
	Attempts              []RouteAttempt `json:"route_attempts"`
	Stages                []StageTiming  `json:"stage_timings"`
}

func NewQueryTrace() *QueryTrace {
	return &QueryTrace{
		consideredCitationIDs: make(map[string]struct{}),
		usedCitationIDs:       make(map[string]struct{}),
		seedEntityIDs:         make(map[string]struct{}),
	}
}

func (t *QueryTrace) Record(event TraceEvent) {
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch event.Kind {
	case TraceEventConsideredCitationIDs:
		for _, id := range event.CitationIDs {
			if id == "" {
				continue
			}
			t.consideredCitationIDs[id] = struct{}{}
		}
	case TraceEventUsedCitationIDs:
		for _, id := range event.CitationIDs {
			if id == "" {
				continue
			}
			t.usedCitationIDs[id] = struct{}{}
		}
	case TraceEventSeedEntityIDs:
		for _, id := range event.EntityIDs {
			if id == "" {
				continue
			}
			t.seedEntityIDs[id] = struct{}{}
		}
	case TraceEventRouteAttempt:
		t.attempts = append(t.attempts, RouteAttempt{
			Route:      event.Route,
			Outcome:    event.Outcome,
			DurationMs: event.DurationMs,
		})
	case TraceEventStageTiming:
		t.stages = append(t.stages, StageTiming{
			Stage:      event.Stage,
			DurationMs: event.DurationMs,
		})
	default:
		return
	}
}

func (t *QueryTrace) Snapshot() QueryTraceSnapshot {
	if t == nil {
		return QueryTraceSnapshot{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := QueryTraceSnapshot{
		ConsideredCitationIDs: make([]string, 0, len(t.consideredCitationIDs)),
		UsedCitationIDs:       make([]string, 0, len(t.usedCitationIDs)),
		SeedEntityIDs:         make([]string, 0, len(t.seedEntityIDs)),
		Attempts:              make([]RouteAttempt, len(t.attempts)),
		Stages:                make([]StageTiming, len(t.stages)),
	}

	for id := range t.consideredCitationIDs {
		s.ConsideredCitationIDs = append(s.ConsideredCitationIDs, id)
	}
	for id := range t.usedCitationIDs {
		s.UsedCitationIDs = append(s.UsedCitationIDs, id)
	}
	for id := range t.seedEntityIDs {
		s.SeedEntityIDs = append(s.SeedEntityIDs, id)
	}
	copy(s.Attempts, t.attempts)
	copy(s.Stages, t.stages)

	sort.Strings(s.ConsideredCitationIDs)
	sort.Strings(s.UsedCitationIDs)
	sort.Strings(s.SeedEntityIDs)

	return s
}
