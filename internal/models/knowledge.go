package models

// KnowledgeRecord is either a main document or one chunk of a main
// document. A nil AgentID means the record is shared.
type KnowledgeRecord struct {
	ID         string           `json:"id"`
	AgentID    *string          `json:"agentId"`
	Content    KnowledgeContent `json:"content"`
	Embedding  []float32        `json:"embedding,omitempty"`
	IsMain     bool             `json:"isMain"`
	OriginalID *string          `json:"originalId"`
	ChunkIndex *int             `json:"chunkIndex"`
	IsShared   bool             `json:"isShared"`
	CreatedAt  int64            `json:"createdAt"`
}

// KnowledgeFilter selects documents visible to AgentID. ID narrows to a
// single record when set.
type KnowledgeFilter struct {
	ID      string
	AgentID string
	Limit   int
}

// RankedKnowledge is one knowledge search hit. Similarity is the combined
// vector and keyword score used for ranking.
type RankedKnowledge struct {
	Record       *KnowledgeRecord `json:"record"`
	Similarity   float64          `json:"similarity"`
	VectorScore  float64          `json:"vectorScore"`
	KeywordScore float64          `json:"keywordScore"`
}

// KnowledgeQuery is a knowledge search request.
type KnowledgeQuery struct {
	AgentID   string
	Embedding []float32
	Text      string
	Threshold *float64
	Limit     int
}
