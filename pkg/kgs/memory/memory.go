package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/korelab/kora/pkg/common"
	"github.com/korelab/kora/pkg/kgs"
)

// Params configures the in-memory store. Capabilities defaults to no
// vector index and no native ranking, the most degraded backend the
// pipeline must survive.
type Params struct {
	Capabilities kgs.Capabilities
}

// Store is an in-memory kgs.Store. It backs tests and serves as the
// reference for tenant isolation and edge canonicalization: every
// tenant's graph lives in its own map, so cross-tenant reads are
// impossible by construction.
//
// Store is safe for concurrent use.
type Store struct {
	caps kgs.Capabilities

	mu      sync.RWMutex
	tenants map[string]*tenantGraph
}

type edgeKey struct {
	a    string
	b    string
	kind common.EdgeKind
}

type tenantGraph struct {
	documents map[string]common.Document
	sections  map[string]common.Section

	chunks     map[string]common.Chunk
	chunkOrder []string
	chunkDoc   map[string]string

	entities    map[string]common.Entity
	entityOrder []string

	mentions   map[string][]string
	mentionSet map[string]map[string]struct{}

	edges map[edgeKey]float64
}

func newTenantGraph() *tenantGraph {
	return &tenantGraph{
		documents:  make(map[string]common.Document),
		sections:   make(map[string]common.Section),
		chunks:     make(map[string]common.Chunk),
		chunkDoc:   make(map[string]string),
		entities:   make(map[string]common.Entity),
		mentions:   make(map[string][]string),
		mentionSet: make(map[string]map[string]struct{}),
		edges:      make(map[edgeKey]float64),
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(params Params) *Store {
	return &Store{
		caps:    params.Capabilities,
		tenants: make(map[string]*tenantGraph),
	}
}

// graph returns the tenant's graph, creating it on first write access.
func (s *Store) graph(tenant string) *tenantGraph {
	g, ok := s.tenants[tenant]
	if !ok {
		g = newTenantGraph()
		s.tenants[tenant] = g
	}
	return g
}

// view returns the tenant's graph for reading, or an empty graph when
// the tenant holds no data.
func (s *Store) view(tenant string) *tenantGraph {
	if g, ok := s.tenants[tenant]; ok {
		return g
	}
	return newTenantGraph()
}

// AddDocument stores a document under its tenant.
func (s *Store) AddDocument(doc common.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph(doc.TenantID).documents[doc.ID] = doc
}

// AddSection stores a section under its tenant.
func (s *Store) AddSection(sec common.Section) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph(sec.TenantID).sections[sec.ID] = sec
}

// AddChunk stores a chunk under its tenant and links it to its document.
func (s *Store) AddChunk(chunk common.Chunk, documentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(chunk.TenantID)
	if _, ok := g.chunks[chunk.ID]; !ok {
		g.chunkOrder = append(g.chunkOrder, chunk.ID)
	}
	g.chunks[chunk.ID] = chunk
	g.chunkDoc[chunk.ID] = documentID
}

// AddEntity stores an entity under its tenant.
func (s *Store) AddEntity(e common.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(e.TenantID)
	if _, ok := g.entities[e.ID]; !ok {
		g.entityOrder = append(g.entityOrder, e.ID)
	}
	g.entities[e.ID] = e
}

// AddMention records that a chunk mentions an entity. Duplicate
// mentions collapse to one.
func (s *Store) AddMention(tenant string, chunkID string, entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.graph(tenant)
	set, ok := g.mentionSet[entityID]
	if !ok {
		set = make(map[string]struct{})
		g.mentionSet[entityID] = set
	}
	if _, ok := set[chunkID]; ok {
		return
	}
	set[chunkID] = struct{}{}
	g.mentions[entityID] = append(g.mentions[entityID], chunkID)
}

// Relate stores an undirected RELATED_TO edge between two entities.
// The pair is canonicalized smaller id first, so Relate(a, b) and
// Relate(b, a) store the same single edge.
func (s *Store) Relate(tenant string, a string, b string) {
	s.addEdge(tenant, a, b, common.EdgeRelatedTo, 0)
}

// AddSimilarity stores a SEMANTICALLY_SIMILAR edge weighted by
// similarity, canonicalized like Relate.
func (s *Store) AddSimilarity(tenant string, a string, b string, weight float64) {
	s.addEdge(tenant, a, b, common.EdgeSemanticallySimilar, weight)
}

func (s *Store) addEdge(tenant string, a string, b string, kind common.EdgeKind, weight float64) {
	if a == b {
		return
	}
	if b < a {
		a, b = b, a
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.graph(tenant).edges[edgeKey{a: a, b: b, kind: kind}] = weight
}

// Edges returns a sorted snapshot of the tenant's edges in canonical
// storage order.
func (s *Store) Edges(tenant string) []common.Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := s.view(tenant)
	out := make([]common.Edge, 0, len(g.edges))
	for k, w := range g.edges {
		out = append(out, common.Edge{
			Kind:     k.kind,
			FromID:   k.a,
			ToID:     k.b,
			Weight:   w,
			TenantID: tenant,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromID != out[j].FromID {
			return out[i].FromID < out[j].FromID
		}
		if out[i].ToID != out[j].ToID {
			return out[i].ToID < out[j].ToID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Capabilities reports the configured capabilities.
func (s *Store) Capabilities() kgs.Capabilities {
	return s.caps
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Store) Close() {}
