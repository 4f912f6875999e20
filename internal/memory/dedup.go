package memory

import (
	"context"

	"github.com/iammorganparry/vecmem/internal/models"
)

// DedupResult captures the outcome of a duplicate check.
type DedupResult struct {
	// DuplicateID is the closest existing memory at or above the
	// threshold, empty when the incoming memory is unique.
	DuplicateID string
	Similarity  float64
}

func (r *DedupResult) Unique() bool { return r.DuplicateID == "" }

type embeddingSearcher interface {
	SearchByEmbedding(ctx context.Context, vec []float32, opts SearchOptions) ([]models.SimilaritySearchResult, error)
}

// Deduplicator treats a memory as a restatement of an existing one when
// their cosine similarity within the same room and table reaches the
// threshold.
//
// The check and the following insert are separate round trips. Two
// concurrent inserts of near-identical content can both be judged unique.
type Deduplicator struct {
	searcher  embeddingSearcher
	threshold float64
}

func NewDeduplicator(searcher embeddingSearcher, threshold float64) *Deduplicator {
	return &Deduplicator{
		searcher:  searcher,
		threshold: threshold, // e.g., 0.95
	}
}

// CheckDuplicate looks for the single nearest neighbour of m at or above
// the threshold. Memories without an embedding are always unique.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, m *models.MemoryRecord) (*DedupResult, error) {
	result := &DedupResult{}
	if len(m.Embedding) == 0 {
		return result, nil
	}

	threshold := d.threshold
	hits, err := d.searcher.SearchByEmbedding(ctx, m.Embedding, SearchOptions{
		Filter:    models.MemoryFilter{Table: m.Table, RoomID: m.RoomID},
		Threshold: &threshold,
		Limit:     1,
	})
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		result.DuplicateID = hits[0].Record.ID
		result.Similarity = hits[0].Similarity
	}
	return result, nil
}
