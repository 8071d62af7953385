package memory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSaveSummaryUpsertsByID(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	rec := Summary{ID: "sum-1", UserID: "u1", RoomID: "r1", Text: "first"}
	if err := s.SaveSummary(ctx, rec); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}
	rec.Text = "revised"
	if err := s.SaveSummary(ctx, rec); err != nil {
		t.Fatalf("SaveSummary() upsert error = %v", err)
	}

	got, err := s.Recent(ctx, "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 after upsert", len(got))
	}
	if got[0].Text != "revised" {
		t.Fatalf("Text = %q, want %q", got[0].Text, "revised")
	}
	if got[0].Kind != KindSummary {
		t.Fatalf("Kind = %q, want %q", got[0].Kind, KindSummary)
	}
}

func TestSearchSimilarRanksByDistance(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	summaries := []Summary{
		{ID: "a", UserID: "u1", RoomID: "r1", Text: "about cats", Embedding: []float32{1, 0}},
		{ID: "b", UserID: "u1", RoomID: "r1", Text: "about dogs", Embedding: []float32{0, 1}},
		{ID: "c", UserID: "u1", RoomID: "r1", Text: "about kittens", Embedding: []float32{0.9, 0.1}},
	}
	for _, rec := range summaries {
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	got, err := s.SearchSimilar(ctx, "u1", "r1", []float32{1, 0}, 2)
	if err != nil {
		t.Fatalf("SearchSimilar() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("ranking = [%s %s], want [a c]", got[0].ID, got[1].ID)
	}
}

func TestSearchSimilarScopesToRoom(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, rec := range []Summary{
		{ID: "this-room", UserID: "u1", RoomID: "r1", Embedding: []float32{1, 0}},
		{ID: "other-room", UserID: "u1", RoomID: "r2", Embedding: []float32{1, 0}},
	} {
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	got, err := s.SearchSimilar(ctx, "u1", "r1", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchSimilar() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "this-room" {
		t.Fatalf("results = %+v, want only the r1 summary", got)
	}

	all, err := s.SearchSimilar(ctx, "u1", "", []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("SearchSimilar() error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("unscoped results = %d, want 2", len(all))
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"old", "mid", "new"} {
		rec := Summary{ID: id, UserID: "u1", RoomID: "r1", Text: id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	got, err := s.Recent(ctx, "u1", "r1", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != "new" || got[1].ID != "mid" {
		t.Fatalf("order = [%s %s], want [new mid]", got[0].ID, got[1].ID)
	}
}

func TestRecentScopesToRoom(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, rec := range []Summary{
		{ID: "r1-sum", UserID: "u1", RoomID: "r1"},
		{ID: "r2-sum", UserID: "u1", RoomID: "r2"},
	} {
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	got, err := s.Recent(ctx, "u1", "r2", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "r2-sum" {
		t.Fatalf("results = %+v, want only the r2 summary", got)
	}
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (e *stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

func TestSearcherFallsBackToRecencyOnEmbedFailure(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	rec := Summary{ID: "only", UserID: "u1", RoomID: "r1", Text: "hello", Embedding: []float32{1, 0}}
	if err := s.SaveSummary(ctx, rec); err != nil {
		t.Fatalf("SaveSummary() error = %v", err)
	}

	searcher := NewSearcher(s, &stubEmbedder{err: errors.New("embed unavailable")}, 5)
	got, err := searcher.Search(ctx, "u1", "r1", "anything")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "only" {
		t.Fatalf("fallback results = %+v, want the stored summary", got)
	}
}

func TestSearcherUsesSimilarityWhenEmbedSucceeds(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, rec := range []Summary{
		{ID: "near", UserID: "u1", RoomID: "r1", Embedding: []float32{1, 0}},
		{ID: "far", UserID: "u1", RoomID: "r1", Embedding: []float32{0, 1}},
	} {
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	searcher := NewSearcher(s, &stubEmbedder{vec: []float32{1, 0}}, 1)
	got, err := searcher.Search(ctx, "u1", "r1", "query")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "near" {
		t.Fatalf("results = %+v, want the nearest summary", got)
	}
}

func TestSearcherScopesToRoom(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for _, rec := range []Summary{
		{ID: "mine", UserID: "u1", RoomID: "r1", Embedding: []float32{1, 0}},
		{ID: "elsewhere", UserID: "u1", RoomID: "r2", Embedding: []float32{1, 0}},
	} {
		if err := s.SaveSummary(ctx, rec); err != nil {
			t.Fatalf("SaveSummary() error = %v", err)
		}
	}

	searcher := NewSearcher(s, &stubEmbedder{vec: []float32{1, 0}}, 5)
	got, err := searcher.Search(ctx, "u1", "r1", "query")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "mine" {
		t.Fatalf("results = %+v, want only the r1 summary", got)
	}
}

func TestVectorLiteral(t *testing.T) {
	got := vectorLiteral([]float32{0.5, -1, 2})
	want := "[0.5,-1,2]"
	if got != want {
		t.Fatalf("vectorLiteral() = %q, want %q", got, want)
	}
}
