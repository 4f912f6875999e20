package models

// ContentType discriminates the shape of a record's content payload.
type ContentType string

const (
	ContentMessage  ContentType = "message"
	ContentDocument ContentType = "document"
	ContentFragment ContentType = "fragment"
	ContentFact     ContentType = "fact"
)

// Content is the payload of a memory. Known fields are typed; anything
// else a caller attaches travels in Metadata.
type Content struct {
	Text     string         `json:"text"`
	Type     ContentType    `json:"type,omitempty"`
	Source   string         `json:"source,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// KnowledgeMetadata carries the document/chunk bookkeeping stored inside a
// knowledge record's content.
type KnowledgeMetadata struct {
	IsMain     bool           `json:"isMain,omitempty"`
	IsChunk    bool           `json:"isChunk,omitempty"`
	OriginalID string         `json:"originalId,omitempty"`
	ChunkIndex *int           `json:"chunkIndex,omitempty"`
	IsShared   bool           `json:"isShared,omitempty"`
	PatternID  string         `json:"patternId,omitempty"`
	Source     string         `json:"source,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type KnowledgeContent struct {
	Text     string            `json:"text"`
	Metadata KnowledgeMetadata `json:"metadata"`
}
