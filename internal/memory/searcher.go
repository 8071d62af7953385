package memory

import (
	"context"
	"log"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher recalls summaries relevant to an incoming message. It embeds the
// query and searches by similarity; when embedding fails it degrades to the
// most recent summaries rather than failing the turn.
type Searcher struct {
	store    Store
	embedder Embedder
	topN     int
}

func NewSearcher(store Store, embedder Embedder, topN int) *Searcher {
	if topN <= 0 {
		topN = 5
	}
	return &Searcher{store: store, embedder: embedder, topN: topN}
}

func (s *Searcher) Search(ctx context.Context, userID, roomID, query string) ([]Summary, error) {
	if s.embedder != nil && query != "" {
		embedding, err := s.embedder.Embed(ctx, query)
		if err == nil && len(embedding) > 0 {
			return s.store.SearchSimilar(ctx, userID, roomID, embedding, s.topN)
		}
		if err != nil {
			log.Printf("memory search: embed failed, falling back to recency: %v", err)
		}
	}
	return s.store.Recent(ctx, userID, roomID, s.topN)
}
