package common

// EdgeKind identifies the typed edges of the knowledge graph.
type EdgeKind string

const (
	// EdgeMentions links a Chunk to an Entity it mentions. Provenance only;
	// never traversed topically.
	EdgeMentions EdgeKind = "MENTIONS"
	// EdgeRelatedTo links two Entities that co-occur within a bounded textual
	// scope. Undirected; stored once with the smaller id first.
	EdgeRelatedTo EdgeKind = "RELATED_TO"
	// EdgeInSection links a Chunk to the Section it belongs to.
	EdgeInSection EdgeKind = "IN_SECTION"
	// EdgeSemanticallySimilar links two Sections or two Entities whose
	// embeddings are similar, weighted by similarity in [0,1]. Bidirectional.
	EdgeSemanticallySimilar EdgeKind = "SEMANTICALLY_SIMILAR"
	// EdgePartOf links a finer-grained text node to its Chunk. Permitted by
	// the data model; unused while only chunks are stored.
	EdgePartOf EdgeKind = "PART_OF"
)

// Document represents an ingested source document. The SourceURI points at
// the original object (typically an S3 key) and backs citation download
// links.
type Document struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SourceURI string `json:"source_uri"`
	TenantID  string `json:"tenant_id"`
}

// Section represents a structural division of a document. Depth counts
// nesting from the document root, starting at 1.
type Section struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Depth      int    `json:"depth"`
	DocumentID string `json:"document_id"`
	TenantID   string `json:"tenant_id"`
}

// Chunk is a retrievable span of text, the smallest unit of evidence.
// Embedding and Fields are optional; Fields holds structured key-value pairs
// extracted at ingestion.
type Chunk struct {
	ID          string            `json:"id"`
	Text        string            `json:"text"`
	Index       int               `json:"index"`
	SectionID   string            `json:"section_id,omitempty"`
	SectionPath string            `json:"section_path,omitempty"`
	Embedding   []float32         `json:"-"`
	Fields      map[string]string `json:"fields,omitempty"`
	TenantID    string            `json:"tenant_id"`
}

// Entity represents a named concept in the graph. Aliases extend the
// canonical name for resolution; the embedding is optional and produced at
// ingestion.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Aliases   []string  `json:"aliases,omitempty"`
	Embedding []float32 `json:"-"`
	TenantID  string    `json:"tenant_id"`
}

// Edge is a typed connection between two nodes, identified by their ids.
// Weight is meaningful only for SEMANTICALLY_SIMILAR edges.
type Edge struct {
	Kind     EdgeKind `json:"kind"`
	FromID   string   `json:"from_id"`
	ToID     string   `json:"to_id"`
	Weight   float64  `json:"weight,omitempty"`
	TenantID string   `json:"tenant_id"`
}

// RankedEntity is an entity with the relevance score assigned during graph
// expansion. Hop records the traversal depth at which the entity was first
// discovered; seeds are hop 0.
type RankedEntity struct {
	Entity Entity  `json:"entity"`
	Score  float64 `json:"score"`
	Hop    int     `json:"hop"`
}

// Citation is the provenance record backing a claim in an answer. Section is
// carried separately from Source so citation granularity survives multiple
// sections of the same document.
type Citation struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Section     string `json:"section,omitempty"`
	ChunkID     string `json:"chunk_id"`
	TextPreview string `json:"text_preview"`
}

// Answer is a synthesized response with its supporting citations and a
// self-assessed confidence in [0,1]. Provisional marks answers whose gap-fill
// budget was cut short by the query deadline.
type Answer struct {
	Text        string     `json:"text"`
	Citations   []Citation `json:"citations"`
	Confidence  float64    `json:"confidence"`
	Provisional bool       `json:"provisional,omitempty"`
}
