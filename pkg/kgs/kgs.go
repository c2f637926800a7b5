package kgs

import (
	"context"

	"github.com/korelab/kora/pkg/common"
)

// Capabilities describes which optional operations the active backend
// supports natively. Callers inspect this once and choose between the
// native path and their degraded fallback.
type Capabilities struct {
	// VectorIndex reports whether the backend can answer embedding
	// similarity queries over entities and chunks.
	VectorIndex bool `json:"vector_index"`
	// NativeRank reports whether the backend can rank entities around a
	// seed set itself, without client-side iteration.
	NativeRank bool `json:"native_rank"`
}

// ScoredEntity pairs an entity with its cosine similarity to a query
// embedding.
type ScoredEntity struct {
	Entity     common.Entity
	Similarity float64
}

// Neighbor is one edge endpoint discovered while expanding a frontier.
// SourceID names the frontier entity the edge was reached from.
type Neighbor struct {
	SourceID string
	Entity   common.Entity
	Kind     common.EdgeKind
	Weight   float64
}

// Subgraph is a bounded, tenant-scoped neighborhood around a seed set.
// Nodes are keyed by entity id; edges reference node ids. An undirected
// edge appears once regardless of which endpoint discovered it.
type Subgraph struct {
	Nodes map[string]common.Entity
	Edges []common.Edge
}

// EntityChunk is an evidence chunk together with the entity it was
// collected for and its provenance titles.
type EntityChunk struct {
	EntityID string
	Chunk    common.Chunk
	Section  string
	Source   string
}

// ScoredChunk pairs a chunk with its cosine similarity to a query
// embedding, plus provenance titles for citation building.
type ScoredChunk struct {
	Chunk      common.Chunk
	Section    string
	Source     string
	Similarity float64
}

// Provenance describes where a chunk came from, for resolving a citation
// back to its stored document.
type Provenance struct {
	ChunkID       string
	Section       string
	DocumentTitle string
	SourceURI     string
}

// Store is the tenant-scoped contract against the knowledge graph.
// Every operation takes the tenant explicitly and must never return
// rows belonging to another tenant. Backends that cannot serve an
// optional operation return ErrUnsupportedCapability and advertise the
// gap through Capabilities.
type Store interface {
	// Capabilities reports the optional operations this backend serves
	// natively. The result is fixed for the lifetime of the store.
	Capabilities() Capabilities

	// Ping verifies connectivity. A failing ping wraps ErrUnavailable.
	Ping(ctx context.Context) error

	// EntitiesByName returns entities whose canonical name matches one of
	// the given names, compared case-insensitively.
	EntitiesByName(ctx context.Context, tenant string, names []string) ([]common.Entity, error)

	// EntitiesByAlias returns entities carrying the given name as an
	// alias, compared case-insensitively.
	EntitiesByAlias(ctx context.Context, tenant string, name string) ([]common.Entity, error)

	// EntityNames returns all entities of the tenant with ids, names and
	// aliases populated but no embeddings. Used for lexical matching.
	EntityNames(ctx context.Context, tenant string) ([]common.Entity, error)

	// EntitiesByField returns entities mentioned by chunks that carry the
	// given structured field key.
	EntitiesByField(ctx context.Context, tenant string, key string) ([]common.Entity, error)

	// SimilarEntities returns up to limit entities nearest to the query
	// embedding, most similar first. Requires the VectorIndex capability.
	SimilarEntities(ctx context.Context, tenant string, embedding []float32, limit int) ([]ScoredEntity, error)

	// Neighbors expands all given entities in a single round trip,
	// following RELATED_TO and SEMANTICALLY_SIMILAR edges in both
	// directions. Neighbor embeddings are populated for scoring.
	Neighbors(ctx context.Context, tenant string, entityIDs []string) ([]Neighbor, error)

	// Neighborhood returns a capped subgraph around the seeds: up to
	// oneHopLimit neighbors per seed, then up to twoHopLimit neighbors
	// per first-hop node.
	Neighborhood(ctx context.Context, tenant string, seedIDs []string, oneHopLimit, twoHopLimit int) (*Subgraph, error)

	// RankEntities ranks entities around the seeds using the backend's
	// own ranking. Backends without the NativeRank capability return
	// ErrUnsupportedCapability.
	RankEntities(ctx context.Context, tenant string, seedIDs []string, topK int) ([]common.RankedEntity, error)

	// ChunksForEntities returns up to limitPerEntity evidence chunks for
	// each given entity, in a single round trip.
	ChunksForEntities(ctx context.Context, tenant string, entityIDs []string, limitPerEntity int) ([]EntityChunk, error)

	// SimilarChunks returns up to limit chunks nearest to the query
	// embedding, most similar first. Requires the VectorIndex capability.
	SimilarChunks(ctx context.Context, tenant string, embedding []float32, limit int) ([]ScoredChunk, error)

	// ChunkProvenance resolves a chunk id to its stored document.
	ChunkProvenance(ctx context.Context, tenant string, chunkID string) (*Provenance, error)

	// Close releases the backend's resources.
	Close()
}
