package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/korelab/kora/pkg/ai"
	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
	"github.com/korelab/kora/pkg/kgs/memory"
	"github.com/korelab/kora/pkg/route"
	"github.com/korelab/kora/pkg/synthesize"
	"github.com/korelab/kora/pkg/trace"
)

const testTenant = "acme"

// fakeAI serves canned intents, completions, and embeddings. The mutex makes
// it safe for the multi-hop fan-out and the single-flight tests.
type fakeAI struct {
	mu          sync.Mutex
	intent      *route.Intent
	responses   []string
	completions int
	embedErr    error
}

func (f *fakeAI) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions++
	if len(f.responses) == 0 {
		return "", errors.New("no canned completion")
	}
	idx := f.completions - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeAI) GenerateCompletionWithFormat(ctx context.Context, name string, description string, prompt string, out any, opts ...ai.GenerateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intent == nil {
		return errors.New("no canned intent")
	}
	v, ok := out.(*route.Intent)
	if !ok {
		return fmt.Errorf("unexpected format target %T", out)
	}
	*v = *f.intent
	return nil
}

func (f *fakeAI) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeAI) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0, 0, 1}
	}
	return out, nil
}

func (f *fakeAI) ResetMetrics() {}

func (f *fakeAI) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func (f *fakeAI) completionCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completions
}

// serialLocker grants leases one at a time, like the Postgres lease lock
// does across processes.
type serialLocker struct {
	mu sync.Mutex
}

func (l *serialLocker) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// failingLocker simulates broken lease machinery.
type failingLocker struct {
	err error
}

func (l *failingLocker) WithLease(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.err
}

// isolationStore fails evidence gathering with a tenant isolation violation.
type isolationStore struct {
	*memory.Store
}

func (s *isolationStore) ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]kgs.EntityChunk, error) {
	return nil, fmt.Errorf("chunks for entities: %w", kgs.ErrIsolationViolation)
}

// unavailableStore fails chunk similarity as an unreachable backend would.
type unavailableStore struct {
	*memory.Store
}

func (s *unavailableStore) SimilarChunks(ctx context.Context, tenant string, embedding []float32, limit int) ([]kgs.ScoredChunk, error) {
	return nil, fmt.Errorf("similar chunks: %w", kgs.ErrUnavailable)
}

func newGraphStore(caps kgs.Capabilities) *memory.Store {
	s := memory.NewMemoryStore(memory.Params{Capabilities: caps})
	s.AddDocument(common.Document{ID: "doc-manual", Title: "Turbine Manual", SourceURI: "s3://corpus/turbine-manual.pdf", TenantID: testTenant})
	s.AddSection(common.Section{ID: "sec-ops", Title: "Operations", Depth: 1, DocumentID: "doc-manual", TenantID: testTenant})
	s.AddSection(common.Section{ID: "sec-maint", Title: "Maintenance", Depth: 1, DocumentID: "doc-manual", TenantID: testTenant})
	s.AddChunk(common.Chunk{ID: "ch-grid", Text: "Turbine X powers the west grid.", Index: 0, SectionID: "sec-ops", TenantID: testTenant}, "doc-manual")
	s.AddEntity(common.Entity{ID: "ent-tx", Name: "Turbine X", TenantID: testTenant})
	s.AddMention(testTenant, "ch-grid", "ent-tx")
	return s
}

func addPump(s *memory.Store) {
	s.AddChunk(common.Chunk{ID: "ch-pump", Text: "Pump P1 serves the north and south sites.", Index: 1, SectionID: "sec-ops", TenantID: testTenant}, "doc-manual")
	s.AddEntity(common.Entity{ID: "ent-p1", Name: "Pump P1", TenantID: testTenant})
	s.AddMention(testTenant, "ch-pump", "ent-p1")
}

func mustClient(t *testing.T, params NewClientParams) *Client {
	t.Helper()
	c, err := NewClient(params)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func localIntent() *route.Intent {
	return &route.Intent{Entities: []string{"Turbine X"}}
}

const gridAnswer = "Turbine X powers the west grid [[ch-grid]]."

func attemptSummary(attempts []RouteAttempt) []string {
	out := make([]string, len(attempts))
	for i, a := range attempts {
		out[i] = string(a.Route) + "=" + a.Outcome
	}
	return out
}

func stageNames(stages []StageTiming) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = s.Stage
	}
	return out
}

func usedCitationIDs(citations []common.Citation) []string {
	ids := make([]string, len(citations))
	for i, c := range citations {
		ids[i] = c.ID
	}
	return ids
}

func TestNewClientValidation(t *testing.T) {
	store := newGraphStore(kgs.Capabilities{})
	aiClient := &fakeAI{}

	if _, err := NewClient(NewClientParams{AIClient: aiClient}); err == nil {
		t.Fatal("NewClient() accepted a nil store")
	}
	if _, err := NewClient(NewClientParams{Store: store}); err == nil {
		t.Fatal("NewClient() accepted a nil ai client")
	}

	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})
	if c.beamWidth != trace.DefaultBeamWidth {
		t.Fatalf("beamWidth = %d, want %d", c.beamWidth, trace.DefaultBeamWidth)
	}
	if c.hopLimit != trace.DefaultHopLimit {
		t.Fatalf("hopLimit = %d, want %d", c.hopLimit, trace.DefaultHopLimit)
	}
	if c.directLimit != DefaultDirectLimit {
		t.Fatalf("directLimit = %d, want %d", c.directLimit, DefaultDirectLimit)
	}
	if c.queryTimeout != DefaultQueryTimeout {
		t.Fatalf("queryTimeout = %v, want %v", c.queryTimeout, DefaultQueryTimeout)
	}
	if c.branchTimeout != DefaultBranchTimeout {
		t.Fatalf("branchTimeout = %v, want %v", c.branchTimeout, DefaultBranchTimeout)
	}
	if c.cache == nil || c.cache.maxSize != DefaultCacheSize || c.cache.ttl != DefaultCacheTTL {
		t.Fatal("cache not configured with defaults")
	}
	if got := c.Profiles().Version(); got != "builtin" {
		t.Fatalf("profile version = %q, want builtin", got)
	}
}

func TestQueryValidatesRequest(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: newGraphStore(kgs.Capabilities{}), AIClient: aiClient})

	if _, err := c.Query(context.Background(), QueryRequest{Query: "What does Turbine X power?"}); err == nil {
		t.Fatal("Query() accepted an empty tenant")
	}
	if _, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "   "}); err == nil {
		t.Fatal("Query() accepted a blank query")
	}
	if got := aiClient.completionCalls(); got != 0 {
		t.Fatalf("completion calls = %d, want 0", got)
	}
}

func TestQueryUnknownProfile(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent()}
	c := mustClient(t, NewClientParams{Store: newGraphStore(kgs.Capabilities{}), AIClient: aiClient})

	_, err := c.Query(context.Background(), QueryRequest{
		Tenant:  testTenant,
		Query:   "What does Turbine X power?",
		Profile: "no-such-profile",
	})
	if !errors.Is(err, route.ErrUnknownProfile) {
		t.Fatalf("Query() error = %v, want ErrUnknownProfile", err)
	}
}

func TestQueryLocalRouteAnswers(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: newGraphStore(kgs.Capabilities{}), AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.QueryID == "" {
		t.Fatal("response has no query id")
	}
	if resp.Answer != gridAnswer {
		t.Fatalf("answer = %q, want %q", resp.Answer, gridAnswer)
	}
	if resp.RouteUsed != route.RouteLocalGraphSearch {
		t.Fatalf("route used = %q, want local-graph-search", resp.RouteUsed)
	}
	if resp.ClassifiedRoute != route.RouteLocalGraphSearch {
		t.Fatalf("classified route = %q, want local-graph-search", resp.ClassifiedRoute)
	}
	if resp.Profile != route.DefaultProfileName || resp.ProfileVersion != "builtin" {
		t.Fatalf("profile = %q/%q, want default/builtin", resp.Profile, resp.ProfileVersion)
	}
	if resp.FallbackReason != "" {
		t.Fatalf("fallback reason = %q, want none", resp.FallbackReason)
	}
	if resp.Degraded || resp.Cached || resp.Provisional {
		t.Fatalf("flags degraded/cached/provisional = %v/%v/%v, want all false", resp.Degraded, resp.Cached, resp.Provisional)
	}
	if math.Abs(resp.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", resp.Confidence)
	}

	if got, want := usedCitationIDs(resp.Citations), []string{"ch-grid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %v, want %v", got, want)
	}
	citation := resp.Citations[0]
	if citation.Source != "Turbine Manual" || citation.Section != "Operations" {
		t.Fatalf("citation provenance = %q/%q, want Turbine Manual/Operations", citation.Source, citation.Section)
	}

	if got, want := resp.Trace.SeedEntityIDs, []string{"ent-tx"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("seed entity ids = %v, want %v", got, want)
	}
	if got, want := resp.Trace.ConsideredCitationIDs, []string{"ch-grid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("considered citation ids = %v, want %v", got, want)
	}
	if got, want := resp.Trace.UsedCitationIDs, []string{"ch-grid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("used citation ids = %v, want %v", got, want)
	}
	if got, want := attemptSummary(resp.Trace.Attempts), []string{"local-graph-search=answered"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if got, want := stageNames(resp.Trace.Stages), []string{"route_select", "resolve", "trace", "synthesize"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
}

func TestQueryFallbackIsTransparent(t *testing.T) {
	// A vector-capable backend without chunk embeddings: the direct lookup
	// finds nothing and the local graph answers instead.
	store := newGraphStore(kgs.Capabilities{VectorIndex: true})
	aiClient := &fakeAI{intent: &route.Intent{}, responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.ClassifiedRoute != route.RouteDirectVectorLookup {
		t.Fatalf("classified route = %q, want direct-vector-lookup", resp.ClassifiedRoute)
	}
	if resp.RouteUsed != route.RouteLocalGraphSearch {
		t.Fatalf("route used = %q, want local-graph-search", resp.RouteUsed)
	}
	if got, want := resp.FallbackReason, "direct-vector-lookup: evidence empty"; got != want {
		t.Fatalf("fallback reason = %q, want %q", got, want)
	}
	wantAttempts := []string{
		"direct-vector-lookup=insufficient_evidence",
		"local-graph-search=answered",
	}
	if got := attemptSummary(resp.Trace.Attempts); !reflect.DeepEqual(got, wantAttempts) {
		t.Fatalf("attempts = %v, want %v", got, wantAttempts)
	}
	wantStages := []string{"route_select", "vector_lookup", "resolve", "trace", "synthesize"}
	if got := stageNames(resp.Trace.Stages); !reflect.DeepEqual(got, wantStages) {
		t.Fatalf("stages = %v, want %v", got, wantStages)
	}
	if resp.Answer != gridAnswer {
		t.Fatalf("answer = %q, want %q", resp.Answer, gridAnswer)
	}
}

func TestQueryExhaustsRoutesHonestly(t *testing.T) {
	// Nothing in the graph matches; every permitted route reports
	// insufficient evidence and the response says so instead of erroring.
	store := memory.NewMemoryStore(memory.Params{})
	aiClient := &fakeAI{intent: &route.Intent{Entities: []string{"Phantom Device"}}}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does the Phantom Device power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.Answer != synthesize.InsufficientEvidence {
		t.Fatalf("answer = %q, want %q", resp.Answer, synthesize.InsufficientEvidence)
	}
	if resp.Confidence != 0 {
		t.Fatalf("confidence = %v, want 0", resp.Confidence)
	}
	if len(resp.Citations) != 0 {
		t.Fatalf("citations = %d, want 0", len(resp.Citations))
	}
	if resp.ClassifiedRoute != route.RouteLocalGraphSearch {
		t.Fatalf("classified route = %q, want local-graph-search", resp.ClassifiedRoute)
	}
	if resp.RouteUsed != route.RouteGlobalSummarySearch {
		t.Fatalf("route used = %q, want the last attempted route", resp.RouteUsed)
	}
	wantReason := "local-graph-search: evidence empty; global-summary-search: evidence empty"
	if resp.FallbackReason != wantReason {
		t.Fatalf("fallback reason = %q, want %q", resp.FallbackReason, wantReason)
	}
	wantAttempts := []string{
		"local-graph-search=insufficient_evidence",
		"global-summary-search=insufficient_evidence",
	}
	if got := attemptSummary(resp.Trace.Attempts); !reflect.DeepEqual(got, wantAttempts) {
		t.Fatalf("attempts = %v, want %v", got, wantAttempts)
	}
	if got := aiClient.completionCalls(); got != 0 {
		t.Fatalf("completion calls = %d, want 0", got)
	}

	// Insufficient answers are never cached; a later query re-runs the
	// pipeline against the possibly grown graph.
	resp2, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does the Phantom Device power?"})
	if err != nil {
		t.Fatalf("Query() retry error = %v", err)
	}
	if resp2.Cached {
		t.Fatal("insufficient answer was served from the cache")
	}
}

func TestQueryProfileConstrainsRoutes(t *testing.T) {
	store := newGraphStore(kgs.Capabilities{})
	addPump(store)
	aiClient := &fakeAI{
		intent: &route.Intent{
			Entities:     []string{"Pump P1", "Turbine X"},
			SubQuestions: []string{"Which sites use Pump P1?", "Where is Turbine X?"},
		},
		responses: []string{"Pump P1 serves the north and south sites [[ch-pump]]. Turbine X powers the west grid [[ch-grid]]."},
	}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{
		Tenant:  testTenant,
		Query:   "Which sites use Pump P1 and where is Turbine X?",
		Profile: "speed-critical",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.ClassifiedRoute != route.RouteMultiHopDiscovery {
		t.Fatalf("classified route = %q, want multi-hop-discovery", resp.ClassifiedRoute)
	}
	if resp.RouteUsed != route.RouteLocalGraphSearch {
		t.Fatalf("route used = %q, want local-graph-search", resp.RouteUsed)
	}
	if resp.Profile != "speed-critical" {
		t.Fatalf("profile = %q, want speed-critical", resp.Profile)
	}
	wantReason := "profile speed-critical does not permit multi-hop-discovery"
	if resp.FallbackReason != wantReason {
		t.Fatalf("fallback reason = %q, want %q", resp.FallbackReason, wantReason)
	}
	if got, want := attemptSummary(resp.Trace.Attempts), []string{"local-graph-search=answered"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if got, want := resp.Trace.SeedEntityIDs, []string{"ent-p1", "ent-tx"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("seed entity ids = %v, want %v", got, want)
	}
	if math.Abs(resp.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", resp.Confidence)
	}
}

func TestQueryMultiHopJoinsBranches(t *testing.T) {
	store := newGraphStore(kgs.Capabilities{})
	addPump(store)
	aiClient := &fakeAI{
		intent: &route.Intent{
			SubQuestions: []string{"Which sites use Pump P1?", "What does Turbine X power?"},
		},
		responses: []string{"Pump P1 serves the north and south sites [[ch-pump]]. Turbine X powers the west grid [[ch-grid]]."},
	}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{
		Tenant: testTenant,
		Query:  "Which sites use Pump P1 and what does Turbine X power?",
	})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.RouteUsed != route.RouteMultiHopDiscovery {
		t.Fatalf("route used = %q, want multi-hop-discovery", resp.RouteUsed)
	}
	if resp.ClassifiedRoute != route.RouteMultiHopDiscovery {
		t.Fatalf("classified route = %q, want multi-hop-discovery", resp.ClassifiedRoute)
	}
	if got, want := usedCitationIDs(resp.Citations), []string{"ch-pump", "ch-grid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %v, want evidence from both branches %v", got, want)
	}
	if got, want := resp.Trace.SeedEntityIDs, []string{"ent-p1", "ent-tx"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("seed entity ids = %v, want %v", got, want)
	}
	if got, want := attemptSummary(resp.Trace.Attempts), []string{"multi-hop-discovery=answered"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
	if got, want := stageNames(resp.Trace.Stages), []string{"route_select", "trace", "synthesize"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	if math.Abs(resp.Confidence-1.0) > 1e-9 {
		t.Fatalf("confidence = %v, want 1.0", resp.Confidence)
	}
}

func TestQueryCitationsSpanSections(t *testing.T) {
	store := newGraphStore(kgs.Capabilities{})
	store.AddChunk(common.Chunk{ID: "ch-maint", Text: "Turbine X is serviced quarterly.", Index: 1, SectionID: "sec-maint", TenantID: testTenant}, "doc-manual")
	store.AddMention(testTenant, "ch-maint", "ent-tx")

	aiClient := &fakeAI{
		intent:    localIntent(),
		responses: []string{"Turbine X powers the west grid [[ch-grid]] and is serviced quarterly [[ch-maint]]."},
	}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if len(resp.Citations) != 2 {
		t.Fatalf("citations = %d, want 2", len(resp.Citations))
	}
	sections := []string{resp.Citations[0].Section, resp.Citations[1].Section}
	if got, want := sections, []string{"Operations", "Maintenance"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("citation sections = %v, want %v", got, want)
	}
	for _, citation := range resp.Citations {
		if citation.Source != "Turbine Manual" {
			t.Fatalf("citation source = %q, want Turbine Manual", citation.Source)
		}
	}
}

func TestQueryCachesAnswers(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: newGraphStore(kgs.Capabilities{}), AIClient: aiClient})
	req := QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"}

	resp1, err := c.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp1.Cached {
		t.Fatal("first response claims to be cached")
	}
	if got := aiClient.completionCalls(); got != 1 {
		t.Fatalf("completion calls = %d, want 1", got)
	}

	resp2, err := c.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !resp2.Cached {
		t.Fatal("second response was not served from the cache")
	}
	if got := aiClient.completionCalls(); got != 1 {
		t.Fatalf("completion calls after cache hit = %d, want 1", got)
	}
	if resp2.QueryID == resp1.QueryID {
		t.Fatal("cached response reused the query id")
	}
	if resp2.Answer != resp1.Answer || resp2.Confidence != resp1.Confidence {
		t.Fatalf("cached answer = %q/%v, want %q/%v", resp2.Answer, resp2.Confidence, resp1.Answer, resp1.Confidence)
	}
	if !reflect.DeepEqual(resp2.Citations, resp1.Citations) {
		t.Fatalf("cached citations = %v, want %v", resp2.Citations, resp1.Citations)
	}

	// The key is tenant-scoped; another tenant never sees the cached answer.
	resp3, err := c.Query(context.Background(), QueryRequest{Tenant: "globex", Query: req.Query})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp3.Cached {
		t.Fatal("cached answer leaked across tenants")
	}
	if resp3.Answer != synthesize.InsufficientEvidence {
		t.Fatalf("answer for empty tenant = %q, want %q", resp3.Answer, synthesize.InsufficientEvidence)
	}
}

func TestQueryCacheExpires(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{
		Store:    newGraphStore(kgs.Capabilities{}),
		AIClient: aiClient,
		CacheTTL: 10 * time.Millisecond,
	})
	req := QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"}

	if _, err := c.Query(context.Background(), req); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	resp, err := c.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Cached {
		t.Fatal("expired answer was served from the cache")
	}
	if got := aiClient.completionCalls(); got != 2 {
		t.Fatalf("completion calls = %d, want 2", got)
	}
}

func TestQuerySingleFlight(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{
		Store:    newGraphStore(kgs.Capabilities{}),
		AIClient: aiClient,
		Locker:   &serialLocker{},
	})
	req := QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"}

	const workers = 4
	responses := make([]*QueryResponse, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			responses[i], errs[i] = c.Query(context.Background(), req)
		}()
	}
	wg.Wait()

	computed := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("Query() %d error = %v", i, errs[i])
		}
		if responses[i].Answer != gridAnswer {
			t.Fatalf("Query() %d answer = %q, want %q", i, responses[i].Answer, gridAnswer)
		}
		if !responses[i].Cached {
			computed++
		}
	}
	if got := aiClient.completionCalls(); got != 1 {
		t.Fatalf("completion calls = %d, want 1", got)
	}
	if computed != 1 {
		t.Fatalf("computed responses = %d, want exactly 1", computed)
	}
}

func TestQueryLockerFailureStillAnswers(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{
		Store:    newGraphStore(kgs.Capabilities{}),
		AIClient: aiClient,
		Locker:   &failingLocker{err: errors.New("lock table missing")},
	})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Answer != gridAnswer {
		t.Fatalf("answer = %q, want %q", resp.Answer, gridAnswer)
	}
	if got := aiClient.completionCalls(); got != 1 {
		t.Fatalf("completion calls = %d, want 1", got)
	}
}

func TestQueryIsolationViolationAborts(t *testing.T) {
	store := &isolationStore{Store: newGraphStore(kgs.Capabilities{})}
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if !errors.Is(err, kgs.ErrIsolationViolation) {
		t.Fatalf("Query() error = %v, want ErrIsolationViolation", err)
	}
	if resp != nil {
		t.Fatal("an isolation violation must not produce a response")
	}
	if got := aiClient.completionCalls(); got != 0 {
		t.Fatalf("completion calls = %d, want 0", got)
	}
}

func TestQueryUnavailableAborts(t *testing.T) {
	// The local graph could answer, but an unavailable backend must abort
	// instead of falling back.
	store := &unavailableStore{Store: newGraphStore(kgs.Capabilities{VectorIndex: true})}
	aiClient := &fakeAI{intent: &route.Intent{}, responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if !errors.Is(err, kgs.ErrUnavailable) {
		t.Fatalf("Query() error = %v, want ErrUnavailable", err)
	}
	if resp != nil {
		t.Fatal("an unavailable backend must not produce a response")
	}
	if got := aiClient.completionCalls(); got != 0 {
		t.Fatalf("completion calls = %d, want 0", got)
	}
}

func TestQueryUpstreamTimeoutFallsBack(t *testing.T) {
	// Embedding calls time out: the direct lookup fails recoverably and the
	// local route answers through the approximate rank.
	store := newGraphStore(kgs.Capabilities{VectorIndex: true})
	aiClient := &fakeAI{
		intent:    &route.Intent{},
		responses: []string{gridAnswer},
		embedErr:  context.DeadlineExceeded,
	}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.RouteUsed != route.RouteLocalGraphSearch {
		t.Fatalf("route used = %q, want local-graph-search", resp.RouteUsed)
	}
	if got, want := resp.FallbackReason, "direct-vector-lookup: upstream timeout"; got != want {
		t.Fatalf("fallback reason = %q, want %q", got, want)
	}
	wantAttempts := []string{
		"direct-vector-lookup=failed",
		"local-graph-search=answered",
	}
	if got := attemptSummary(resp.Trace.Attempts); !reflect.DeepEqual(got, wantAttempts) {
		t.Fatalf("attempts = %v, want %v", got, wantAttempts)
	}
	if !resp.Degraded {
		t.Fatal("an approximate-rank answer must be flagged degraded")
	}
	if math.Abs(resp.Confidence-0.75) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.75 with the degraded diversity cap", resp.Confidence)
	}
}

func TestQueryGlobalSummaryDegraded(t *testing.T) {
	store := memory.NewMemoryStore(memory.Params{Capabilities: kgs.Capabilities{VectorIndex: true}})
	store.AddDocument(common.Document{ID: "doc-manual", Title: "Turbine Manual", TenantID: testTenant})
	store.AddSection(common.Section{ID: "sec-ops", Title: "Operations", Depth: 1, DocumentID: "doc-manual", TenantID: testTenant})
	store.AddChunk(common.Chunk{ID: "ch-grid", Text: "Turbine X powers the west grid.", Index: 0, SectionID: "sec-ops", TenantID: testTenant}, "doc-manual")
	store.AddChunk(common.Chunk{ID: "ch-pump", Text: "Pump P1 serves the north and south sites.", Index: 1, SectionID: "sec-ops", TenantID: testTenant}, "doc-manual")
	store.AddEntity(common.Entity{ID: "ent-tx", Name: "Turbine X", Embedding: []float32{0, 0, 1}, TenantID: testTenant})
	store.AddEntity(common.Entity{ID: "ent-p1", Name: "Pump P1", Embedding: []float32{0, 1, 0}, TenantID: testTenant})
	store.AddMention(testTenant, "ch-grid", "ent-tx")
	store.AddMention(testTenant, "ch-pump", "ent-p1")

	aiClient := &fakeAI{
		intent:    &route.Intent{SummaryRequest: true},
		responses: []string{"The west grid is powered by Turbine X [[ch-grid]]."},
	}
	c := mustClient(t, NewClientParams{Store: store, AIClient: aiClient})

	resp, err := c.Query(context.Background(), QueryRequest{Tenant: testTenant, Query: "Summarize the west grid."})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	if resp.RouteUsed != route.RouteGlobalSummarySearch {
		t.Fatalf("route used = %q, want global-summary-search", resp.RouteUsed)
	}
	if resp.ClassifiedRoute != route.RouteGlobalSummarySearch {
		t.Fatalf("classified route = %q, want global-summary-search", resp.ClassifiedRoute)
	}
	if !resp.Degraded {
		t.Fatal("in-process ranking must flag the response degraded")
	}
	if got, want := resp.Trace.SeedEntityIDs, []string{"ent-p1", "ent-tx"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("seed entity ids = %v, want entities seeded by similarity %v", got, want)
	}
	if got, want := usedCitationIDs(resp.Citations), []string{"ch-grid"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("citations = %v, want %v", got, want)
	}
	if math.Abs(resp.Confidence-0.75) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.75 with the degraded diversity cap", resp.Confidence)
	}
	if got, want := attemptSummary(resp.Trace.Attempts), []string{"global-summary-search=answered"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("attempts = %v, want %v", got, want)
	}
}

func TestQueryCanceledContextAnswersHonestly(t *testing.T) {
	aiClient := &fakeAI{intent: localIntent(), responses: []string{gridAnswer}}
	c := mustClient(t, NewClientParams{Store: newGraphStore(kgs.Capabilities{}), AIClient: aiClient})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := c.Query(ctx, QueryRequest{Tenant: testTenant, Query: "What does Turbine X power?"})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if resp.Answer != synthesize.InsufficientEvidence {
		t.Fatalf("answer = %q, want %q", resp.Answer, synthesize.InsufficientEvidence)
	}
	if len(resp.Trace.Attempts) != 0 {
		t.Fatalf("attempts = %v, want none after cancellation", resp.Trace.Attempts)
	}
	if got := aiClient.completionCalls(); got != 0 {
		t.Fatalf("completion calls = %d, want 0", got)
	}
}
