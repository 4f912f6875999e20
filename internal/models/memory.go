package models

// MemoryRecord is a timestamped content item stored in a scope table.
// Records are never updated; Unique is decided once at insert time.
type MemoryRecord struct {
	ID        string    `json:"id"`
	Table     string    `json:"table"`
	RoomID    string    `json:"roomId"`
	AgentID   string    `json:"agentId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Content   Content   `json:"content"`
	Embedding []float32 `json:"embedding,omitempty"`
	Unique    bool      `json:"unique"`
	CreatedAt int64     `json:"createdAt"` // unix millis
}

// MemoryFilter scopes list and search queries. Zero values mean "no
// constraint" except Table, which is always required.
type MemoryFilter struct {
	Table      string
	RoomID     string
	AgentID    string
	UniqueOnly bool
	Start      int64 // inclusive lower bound on CreatedAt, 0 = unbounded
	End        int64 // inclusive upper bound on CreatedAt, 0 = unbounded
}

// SimilaritySearchResult pairs a memory with its cosine similarity to the
// query vector.
type SimilaritySearchResult struct {
	Record     *MemoryRecord `json:"record"`
	Similarity float64       `json:"similarity"`
}

// CachedEmbedding is a previously stored embedding whose source text is
// close to a lookup text by edit distance.
type CachedEmbedding struct {
	Embedding        []float32 `json:"embedding"`
	LevenshteinScore int       `json:"levenshteinScore"`
}

// EmbeddingCacheEntry maps normalized text to the embedding computed for it.
type EmbeddingCacheEntry struct {
	TextHash      string    `json:"textHash"`
	Text          string    `json:"text"`
	Embedding     []float32 `json:"embedding"`
	OwnerRecordID string    `json:"ownerRecordId,omitempty"`
	UpdatedAt     int64     `json:"updatedAt"`
}
