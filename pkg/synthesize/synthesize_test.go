package synthesize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/kgs/memory"
	"github.com/korelab/kora/pkg/trace"
)

const testTenant = "acme"

type fakeAI struct {
	responses []string
	prompts   []string
	err       error
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	idx := len(f.prompts) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name string, description string, prompt string, out any, opts ...ai.GenerateOption) error {
	return errors.New("not used in synthesis")
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{0, 0, 1}, nil
}

func (f *fakeAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (f *fakeAI) ResetMetrics() {}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

// countingStore counts evidence fetches on top of the in-memory store.
type countingStore struct {
	*memory.Store
	chunkCalls int
}

func (s *countingStore) ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]kgs.EntityChunk, error) {
	s.chunkCalls++
	return s.Store.ChunksForEntities(ctx, tenant, entityIDs, limitPerEntity)
}

func newStore() *countingStore {
	s := memory.NewMemoryStore(memory.Params{})
	s.AddDocument(common.Document{ID: "doc-manual", Title: "Turbine Manual", TenantID: testTenant})
	s.AddSection(common.Section{ID: "sec-ops", Title: "Operations", Depth: 1, DocumentID: "doc-manual", TenantID: testTenant})
	return &countingStore{Store: s}
}

func addEvidence(s *countingStore, chunkID string, text string, entityIDs ...string) {
	s.AddChunk(common.Chunk{ID: chunkID, Text: text, SectionID: "sec-ops", TenantID: testTenant}, "doc-manual")
	for _, id := range entityIDs {
		s.AddMention(testTenant, chunkID, id)
	}
}

func traced(ids ...string) *trace.TraceResult {
	ranked := make([]common.RankedEntity, len(ids))
	for i, id := range ids {
		ranked[i] = common.RankedEntity{
			Entity: common.Entity{ID: id, TenantID: testTenant},
			Score:  1 - float64(i)*0.1,
			Hop:    i,
		}
	}
	return &trace.TraceResult{Entities: ranked, Mode: trace.TraceModeBeamSearch}
}

func newSynthesizer(t *testing.T, store kgs.Store, aiClient ai.GraphAIClient) *Synthesizer {
	t.Helper()
	s, err := NewSynthesizer(NewSynthesizerParams{Store: store, AIClient: aiClient})
	if err != nil {
		t.Fatalf("NewSynthesizer() error = %v", err)
	}
	return s
}

func citationIDs(citations []common.Citation) []string {
	ids := make([]string, len(citations))
	for i, c := range citations {
		ids[i] = c.ID
	}
	return ids
}

func TestNewSynthesizerValidation(t *testing.T) {
	store := newStore()
	aiClient := &fakeAI{}

	if _, err := NewSynthesizer(NewSynthesizerParams{AIClient: aiClient}); err == nil {
		t.Fatal("NewSynthesizer() accepted a nil store")
	}
	if _, err := NewSynthesizer(NewSynthesizerParams{Store: store}); err == nil {
		t.Fatal("NewSynthesizer() accepted a nil ai client")
	}
	if _, err := NewSynthesizer(NewSynthesizerParams{Store: store, AIClient: aiClient, TokenEncoder: "no-such-encoding"}); err == nil {
		t.Fatal("NewSynthesizer() accepted an unknown token encoding")
	}

	s := newSynthesizer(t, store, aiClient)
	if s.limitPerEntity != DefaultLimitPerEntity {
		t.Fatalf("limitPerEntity = %d, want %d", s.limitPerEntity, DefaultLimitPerEntity)
	}
	if s.gapFillIterations != DefaultGapFillIterations {
		t.Fatalf("gapFillIterations = %d, want %d", s.gapFillIterations, DefaultGapFillIterations)
	}
}

func TestSynthesizeAnswersWithCitations(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-turbine", "Turbine X powers the west grid through feeder F1.", "ent-a")
	addEvidence(store, "ch-grid", "The west grid spans sector seven.", "ent-b")

	aiClient := &fakeAI{responses: []string{
		"Turbine X powers the west grid [[ch-turbine]]. The grid spans sector seven [[ch-grid]].",
	}}
	s := newSynthesizer(t, store, aiClient)

	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "What does Turbine X power?",
		Trace:  traced("ent-a", "ent-b"),
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if len(aiClient.prompts) != 1 {
		t.Fatalf("completion calls = %d, want 1", len(aiClient.prompts))
	}
	prompt := aiClient.prompts[0]
	lineTurbine := "[[ch-turbine]] (Turbine Manual / Operations): Turbine X powers the west grid through feeder F1."
	lineGrid := "[[ch-grid]] (Turbine Manual / Operations): The west grid spans sector seven."
	posTurbine := strings.Index(prompt, lineTurbine)
	posGrid := strings.Index(prompt, lineGrid)
	if posTurbine < 0 || posGrid < 0 {
		t.Fatalf("prompt is missing evidence lines:\n%s", prompt)
	}
	if posTurbine > posGrid {
		t.Fatal("evidence lines are not in entity rank order")
	}
	if !strings.Contains(prompt, "What does Turbine X power?") {
		t.Fatal("prompt is missing the query")
	}

	wantUsed := []string{"ch-turbine", "ch-grid"}
	if got := res.UsedIDs; !reflect.DeepEqual(got, wantUsed) {
		t.Fatalf("UsedIDs = %v, want %v", got, wantUsed)
	}
	if got := citationIDs(res.Answer.Citations); !reflect.DeepEqual(got, wantUsed) {
		t.Fatalf("citations = %v, want %v", got, wantUsed)
	}
	if len(res.Considered) != 2 {
		t.Fatalf("considered = %d citations, want 2", len(res.Considered))
	}

	first := res.Answer.Citations[0]
	if first.Source != "Turbine Manual" || first.Section != "Operations" {
		t.Fatalf("citation provenance = %q/%q, want Turbine Manual/Operations", first.Source, first.Section)
	}
	if first.ChunkID != "ch-turbine" {
		t.Fatalf("citation chunk id = %q, want ch-turbine", first.ChunkID)
	}
	if first.TextPreview != "Turbine X powers the west grid through feeder F1." {
		t.Fatalf("citation preview = %q", first.TextPreview)
	}

	// Both entities contribute and the single requirement is covered.
	if math.Abs(res.Answer.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", res.Answer.Confidence)
	}
	if res.Answer.Provisional {
		t.Fatal("answer marked provisional without a deadline")
	}
	if res.GapFills != 0 {
		t.Fatalf("GapFills = %d, want 0", res.GapFills)
	}
}

func TestSynthesizeInsufficientWithoutEvidence(t *testing.T) {
	t.Run("no traced entities", func(t *testing.T) {
		store := newStore()
		aiClient := &fakeAI{responses: []string{"should never be called"}}
		s := newSynthesizer(t, store, aiClient)

		res, err := s.Synthesize(context.Background(), SynthesizeParams{
			Tenant: testTenant,
			Query:  "What does Turbine X power?",
			Trace:  traced(),
		})
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if res.Answer.Text != InsufficientEvidence {
			t.Fatalf("answer = %q, want %q", res.Answer.Text, InsufficientEvidence)
		}
		if res.Answer.Confidence != 0 {
			t.Fatalf("confidence = %v, want 0", res.Answer.Confidence)
		}
		if len(res.Answer.Citations) != 0 {
			t.Fatalf("citations = %d, want 0", len(res.Answer.Citations))
		}
		if store.chunkCalls != 0 {
			t.Fatalf("ChunksForEntities calls = %d, want 0", store.chunkCalls)
		}
		if len(aiClient.prompts) != 0 {
			t.Fatalf("completion calls = %d, want 0", len(aiClient.prompts))
		}
	})

	t.Run("entities without chunks", func(t *testing.T) {
		store := newStore()
		aiClient := &fakeAI{responses: []string{"should never be called"}}
		s := newSynthesizer(t, store, aiClient)

		res, err := s.Synthesize(context.Background(), SynthesizeParams{
			Tenant: testTenant,
			Query:  "What does Turbine X power?",
			Trace:  traced("ent-a", "ent-b"),
		})
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if res.Answer.Text != InsufficientEvidence {
			t.Fatalf("answer = %q, want %q", res.Answer.Text, InsufficientEvidence)
		}
		if store.chunkCalls != 1 {
			t.Fatalf("ChunksForEntities calls = %d, want 1", store.chunkCalls)
		}
		if len(aiClient.prompts) != 0 {
			t.Fatalf("completion calls = %d, want 0", len(aiClient.prompts))
		}
	})
}

func TestSynthesizeModelDeclaresInsufficient(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-unrelated", "Routine maintenance happens on Tuesdays.", "ent-a")

	aiClient := &fakeAI{responses: []string{`"Insufficient evidence."`}}
	s := newSynthesizer(t, store, aiClient)

	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "What does Turbine X power?",
		Trace:  traced("ent-a"),
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if res.Answer.Text != InsufficientEvidence {
		t.Fatalf("answer = %q, want %q", res.Answer.Text, InsufficientEvidence)
	}
	if res.Answer.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", res.Answer.Confidence)
	}
	if len(res.Answer.Citations) != 0 {
		t.Fatalf("citations = %d, want 0", len(res.Answer.Citations))
	}
	if len(res.Considered) != 1 {
		t.Fatalf("considered = %d citations, want 1", len(res.Considered))
	}
	if len(res.UsedIDs) != 0 {
		t.Fatalf("UsedIDs = %v, want none", res.UsedIDs)
	}
}

func TestSynthesizeDedupesSharedChunks(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-shared", "Turbine X and the west grid share feeder F1.", "ent-a", "ent-b")
	addEvidence(store, "ch-extra", "The west grid spans sector seven.", "ent-b")

	aiClient := &fakeAI{responses: []string{"Shared feeder F1 [[ch-shared]]."}}
	s := newSynthesizer(t, store, aiClient)

	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "What does Turbine X share with the west grid?",
		Trace:  traced("ent-a", "ent-b"),
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	wantConsidered := []string{"ch-shared", "ch-extra"}
	if got := citationIDs(res.Considered); !reflect.DeepEqual(got, wantConsidered) {
		t.Fatalf("considered = %v, want %v", got, wantConsidered)
	}
	if got := strings.Count(aiClient.prompts[0], "[[ch-shared]]"); got != 1 {
		t.Fatalf("shared chunk appears %d times in the prompt, want 1", got)
	}

	// Retrieval is idempotent: the same ranked set yields the same
	// deduplicated evidence on a second pass.
	again, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "What does Turbine X share with the west grid?",
		Trace:  traced("ent-a", "ent-b"),
	})
	if err != nil {
		t.Fatalf("Synthesize() second pass error = %v", err)
	}
	if got := citationIDs(again.Considered); !reflect.DeepEqual(got, wantConsidered) {
		t.Fatalf("second pass considered = %v, want %v", got, wantConsidered)
	}
}

func TestSynthesizePacksUnderTokenBudget(t *testing.T) {
	buildStore := func() *countingStore {
		store := newStore()
		addEvidence(store, "ch-top", "Turbine X feeds the west grid.", "ent-a")
		addEvidence(store, "ch-long", strings.Repeat("maintenance ", 400), "ent-b")
		return store
	}

	t.Run("drops lowest ranked evidence first", func(t *testing.T) {
		store := buildStore()
		aiClient := &fakeAI{responses: []string{"Turbine X feeds the west grid [[ch-top]]."}}
		s, err := NewSynthesizer(NewSynthesizerParams{Store: store, AIClient: aiClient, TokenBudget: 60})
		if err != nil {
			t.Fatalf("NewSynthesizer() error = %v", err)
		}

		res, err := s.Synthesize(context.Background(), SynthesizeParams{
			Tenant: testTenant,
			Query:  "What feeds the west grid?",
			Trace:  traced("ent-a", "ent-b"),
		})
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if got := citationIDs(res.Considered); !reflect.DeepEqual(got, []string{"ch-top"}) {
			t.Fatalf("considered = %v, want [ch-top]", got)
		}
		if strings.Contains(aiClient.prompts[0], "ch-long") {
			t.Fatal("over-budget evidence leaked into the prompt")
		}
	})

	t.Run("keeps the highest ranked item regardless", func(t *testing.T) {
		store := buildStore()
		aiClient := &fakeAI{responses: []string{"Turbine X feeds the west grid [[ch-top]]."}}
		s, err := NewSynthesizer(NewSynthesizerParams{Store: store, AIClient: aiClient, TokenBudget: 5})
		if err != nil {
			t.Fatalf("NewSynthesizer() error = %v", err)
		}

		res, err := s.Synthesize(context.Background(), SynthesizeParams{
			Tenant: testTenant,
			Query:  "What feeds the west grid?",
			Trace:  traced("ent-a", "ent-b"),
		})
		if err != nil {
			t.Fatalf("Synthesize() error = %v", err)
		}
		if got := citationIDs(res.Considered); !reflect.DeepEqual(got, []string{"ch-top"}) {
			t.Fatalf("considered = %v, want [ch-top]", got)
		}
	})
}

func TestSynthesizeGapFillWidens(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-grid", "The west grid is in sector seven.", "ent-a")
	addEvidence(store, "ch-pump", "Acme Corp operates the pump daily.", "ent-b")

	aiClient := &fakeAI{responses: []string{
		"The west grid is in sector seven [[ch-grid]].",
		"The west grid is in sector seven [[ch-grid]]. Acme Corp operates the pump [[ch-pump]].",
	}}
	s, err := NewSynthesizer(NewSynthesizerParams{
		Store:               store,
		AIClient:            aiClient,
		ConfidenceThreshold: 0.9,
	})
	if err != nil {
		t.Fatalf("NewSynthesizer() error = %v", err)
	}

	widenCalls := 0
	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant:       testTenant,
		Query:        "Where is the west grid and who operates the pump?",
		Requirements: []string{"Where is the west grid?", "Who operates the pump?"},
		Trace:        traced("ent-a"),
		Widen: func(ctx context.Context, iteration int) (*trace.TraceResult, error) {
			widenCalls++
			if iteration != widenCalls {
				return nil, fmt.Errorf("iteration = %d, want %d", iteration, widenCalls)
			}
			return traced("ent-a", "ent-b"), nil
		},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if widenCalls != 1 {
		t.Fatalf("widen calls = %d, want 1", widenCalls)
	}
	if res.GapFills != 1 {
		t.Fatalf("GapFills = %d, want 1", res.GapFills)
	}
	if len(aiClient.prompts) != 2 {
		t.Fatalf("completion calls = %d, want 2", len(aiClient.prompts))
	}
	if !strings.Contains(aiClient.prompts[1], "[[ch-pump]]") {
		t.Fatal("widened evidence is missing from the second prompt")
	}
	if math.Abs(res.Answer.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", res.Answer.Confidence)
	}
	if res.Answer.Provisional {
		t.Fatal("answer marked provisional without a deadline")
	}
}

func TestSynthesizeGapFillStopsAtIterationBudget(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-odd", "Completely unrelated maintenance notes.", "ent-a")

	aiClient := &fakeAI{responses: []string{"Unrelated notes [[ch-odd]]."}}
	s := newSynthesizer(t, store, aiClient)

	widenCalls := 0
	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "Where is the west grid?",
		Trace:  traced("ent-a"),
		Widen: func(ctx context.Context, iteration int) (*trace.TraceResult, error) {
			widenCalls++
			return traced("ent-a"), nil
		},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if widenCalls != DefaultGapFillIterations {
		t.Fatalf("widen calls = %d, want %d", widenCalls, DefaultGapFillIterations)
	}
	if len(aiClient.prompts) != DefaultGapFillIterations+1 {
		t.Fatalf("completion calls = %d, want %d", len(aiClient.prompts), DefaultGapFillIterations+1)
	}
	if res.Answer.Provisional {
		t.Fatal("exhausting the iteration budget must not mark the answer provisional")
	}
}

func TestSynthesizeDeadlineMarksProvisional(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-odd", "Completely unrelated maintenance notes.", "ent-a")

	aiClient := &fakeAI{responses: []string{"Unrelated notes [[ch-odd]]."}}
	s := newSynthesizer(t, store, aiClient)

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	widenCalls := 0
	res, err := s.Synthesize(ctx, SynthesizeParams{
		Tenant: testTenant,
		Query:  "Where is the west grid?",
		Trace:  traced("ent-a"),
		Widen: func(ctx context.Context, iteration int) (*trace.TraceResult, error) {
			widenCalls++
			return traced("ent-a"), nil
		},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if !res.Answer.Provisional {
		t.Fatal("deadline during gap-fill must mark the answer provisional")
	}
	if widenCalls != 0 {
		t.Fatalf("widen calls = %d, want 0", widenCalls)
	}
	if res.Answer.Text != "Unrelated notes [[ch-odd]]." {
		t.Fatalf("answer = %q, want the first-pass answer", res.Answer.Text)
	}
}

func TestSynthesizeWidenFailureKeepsAnswer(t *testing.T) {
	store := newStore()
	addEvidence(store, "ch-odd", "Completely unrelated maintenance notes.", "ent-a")

	aiClient := &fakeAI{responses: []string{"Unrelated notes [[ch-odd]]."}}
	s := newSynthesizer(t, store, aiClient)

	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "Where is the west grid?",
		Trace:  traced("ent-a"),
		Widen: func(ctx context.Context, iteration int) (*trace.TraceResult, error) {
			return nil, errors.New("neighborhood scan failed")
		},
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if res.Answer.Text != "Unrelated notes [[ch-odd]]." {
		t.Fatalf("answer = %q, want the first-pass answer", res.Answer.Text)
	}
	if res.Answer.Provisional {
		t.Fatal("a failed widen without a deadline must not mark the answer provisional")
	}
	if res.GapFills != 0 {
		t.Fatalf("GapFills = %d, want 0", res.GapFills)
	}
}

func TestSynthesizeWithProvidedChunks(t *testing.T) {
	store := newStore()
	aiClient := &fakeAI{responses: []string{
		"Turbine X powers the west grid [[ch-sim]].",
	}}
	s := newSynthesizer(t, store, aiClient)

	chunks := []kgs.ScoredChunk{
		{
			Chunk:      common.Chunk{ID: "ch-sim", Text: "Turbine X powers the west grid.", TenantID: testTenant},
			Section:    "Operations",
			Source:     "Turbine Manual",
			Similarity: 0.92,
		},
		{
			Chunk:      common.Chunk{ID: "ch-other", Text: "The west grid spans sector seven.", TenantID: testTenant},
			Section:    "Overview",
			Source:     "Grid Atlas",
			Similarity: 0.81,
		},
		{
			Chunk:      common.Chunk{ID: "ch-sim", Text: "Turbine X powers the west grid.", TenantID: testTenant},
			Section:    "Operations",
			Source:     "Turbine Manual",
			Similarity: 0.80,
		},
	}

	res, err := s.Synthesize(context.Background(), SynthesizeParams{
		Tenant: testTenant,
		Query:  "What does Turbine X power?",
		Trace:  &trace.TraceResult{},
		Chunks: chunks,
	})
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}

	if store.chunkCalls != 0 {
		t.Fatalf("ChunksForEntities calls = %d, want 0", store.chunkCalls)
	}
	if got, want := citationIDs(res.Considered), []string{"ch-sim", "ch-other"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("considered = %v, want %v", got, want)
	}
	if got, want := res.UsedIDs, []string{"ch-sim"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("UsedIDs = %v, want %v", got, want)
	}
	if got := res.Answer.Citations[0].Source; got != "Turbine Manual" {
		t.Fatalf("citation source = %q, want Turbine Manual", got)
	}

	// Two packed chunks from two distinct sources, requirement covered.
	if math.Abs(res.Answer.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", res.Answer.Confidence)
	}
}

func TestConfidenceBlend(t *testing.T) {
	s := newSynthesizer(t, newStore(), &fakeAI{})

	item := func(text string, entityIDs ...string) *evidenceItem {
		ids := make(map[string]struct{}, len(entityIDs))
		for _, id := range entityIDs {
			ids[id] = struct{}{}
		}
		return &evidenceItem{chunk: common.Chunk{Text: text}, entityIDs: ids}
	}
	gridChunk := "The west grid spans sector seven."

	tests := []struct {
		name   string
		trace  *trace.TraceResult
		packed []*evidenceItem
		reqs   []string
		want   float64
	}{
		{
			name:   "full diversity and coverage",
			trace:  traced("ent-a", "ent-b"),
			packed: []*evidenceItem{item(gridChunk, "ent-a", "ent-b")},
			reqs:   []string{"Where is the west grid?"},
			want:   1.0,
		},
		{
			name: "degraded trace caps diversity",
			trace: &trace.TraceResult{
				Entities: traced("ent-a", "ent-b").Entities,
				Mode:     trace.TraceModeApproximateRank,
				Degraded: true,
			},
			packed: []*evidenceItem{item(gridChunk, "ent-a", "ent-b")},
			reqs:   []string{"Where is the west grid?"},
			want:   0.75,
		},
		{
			name:   "uncovered requirement halves coverage",
			trace:  traced("ent-a"),
			packed: []*evidenceItem{item(gridChunk, "ent-a")},
			reqs:   []string{"Where is the west grid?", "Who operates the pump?"},
			want:   0.75,
		},
		{
			name:   "sparse contributors lower diversity",
			trace:  traced("ent-a", "ent-b", "ent-c", "ent-d"),
			packed: []*evidenceItem{item(gridChunk, "ent-a")},
			reqs:   []string{"Where is the west grid?"},
			want:   0.625,
		},
		{
			name:  "traceless evidence spreads across sources",
			trace: &trace.TraceResult{},
			packed: []*evidenceItem{
				{chunk: common.Chunk{Text: gridChunk}, source: "Turbine Manual"},
				{chunk: common.Chunk{Text: gridChunk}, source: "Grid Atlas"},
			},
			reqs: []string{"Where is the west grid?"},
			want: 1.0,
		},
		{
			name:  "traceless evidence from one source",
			trace: &trace.TraceResult{},
			packed: []*evidenceItem{
				{chunk: common.Chunk{Text: gridChunk}, source: "Turbine Manual"},
				{chunk: common.Chunk{Text: gridChunk}, source: "Turbine Manual"},
			},
			reqs: []string{"Where is the west grid?"},
			want: 0.75,
		},
		{
			name:   "no packed evidence",
			trace:  traced("ent-a"),
			packed: nil,
			reqs:   []string{"Where is the west grid?"},
			want:   0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.confidence(tt.trace, tt.packed, tt.reqs)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Fatalf("confidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequirementCovered(t *testing.T) {
	tests := []struct {
		name        string
		requirement string
		chunkText   string
		want        bool
	}{
		{
			name:        "majority of content tokens present",
			requirement: "What does Turbine X power?",
			chunkText:   "Turbine X powers the west grid",
			want:        true,
		},
		{
			name:        "unrelated chunk",
			requirement: "grid capacity",
			chunkText:   "routine pump maintenance schedule",
			want:        false,
		},
		{
			name:        "stopword requirement misses",
			requirement: "what is this",
			chunkText:   "completely different text",
			want:        false,
		},
		{
			name:        "stopword requirement matches raw tokens",
			requirement: "what is this",
			chunkText:   "what is this about",
			want:        true,
		},
		{
			name:        "empty requirement",
			requirement: "",
			chunkText:   "anything",
			want:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := requirementCovered(tt.requirement, tt.chunkText); got != tt.want {
				t.Fatalf("requirementCovered(%q, %q) = %v, want %v", tt.requirement, tt.chunkText, got, tt.want)
			}
		})
	}
}

func TestEvidenceLineFormats(t *testing.T) {
	withSection := &evidenceItem{
		chunk:   common.Chunk{ID: "ch-1", Text: "Line one.\nLine two."},
		section: "Operations",
		source:  "Turbine Manual",
	}
	if got, want := evidenceLine(withSection), "[[ch-1]] (Turbine Manual / Operations): Line one. Line two."; got != want {
		t.Fatalf("evidenceLine() = %q, want %q", got, want)
	}

	withoutSection := &evidenceItem{
		chunk:  common.Chunk{ID: "ch-1", Text: "Line one.\nLine two."},
		source: "Turbine Manual",
	}
	if got, want := evidenceLine(withoutSection), "[[ch-1]] (Turbine Manual): Line one. Line two."; got != want {
		t.Fatalf("evidenceLine() = %q, want %q", got, want)
	}
}

func TestPreviewBoundsLongText(t *testing.T) {
	long := strings.Repeat("ab ", 100)
	got := preview(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("preview(%d chars) has no ellipsis: %q", len(long), got)
	}
	if n := len([]rune(got)); n != previewRunes+3 {
		t.Fatalf("preview length = %d runes, want %d", n, previewRunes+3)
	}
}
