package rollup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/miranda/internal/hotbuffer"
	"github.com/antoniostano/miranda/internal/memory"
	"github.com/antoniostano/miranda/internal/model"
)

type fakeProvider struct {
	mu          sync.Mutex
	summary     string
	completeErr error
	embedErr    error
	completed   int
}

func (p *fakeProvider) Stream(context.Context, model.StreamRequest, model.DeltaHandler) (model.StreamResult, error) {
	return model.StreamResult{}, errors.New("not used")
}

func (p *fakeProvider) Complete(context.Context, string, []model.Message) (string, error) {
	p.mu.Lock()
	p.completed++
	p.mu.Unlock()
	if p.completeErr != nil {
		return "", p.completeErr
	}
	return p.summary, nil
}

func (p *fakeProvider) Embed(context.Context, string) ([]float32, error) {
	if p.embedErr != nil {
		return nil, p.embedErr
	}
	return []float32{0.1, 0.2}, nil
}

type failingMemory struct {
	memory.Store
	err error
}

func (f *failingMemory) SaveSummary(context.Context, memory.Summary) error { return f.err }

func seedBuffer(t *testing.T, hot hotbuffer.Store, key hotbuffer.Key, texts ...string) {
	t.Helper()
	role := "user"
	for _, text := range texts {
		err := hot.Push(context.Background(), key, hotbuffer.Entry{
			UserID: key.UserID,
			RoomID: key.RoomID,
			Role:   role,
			Text:   text,
		})
		if err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if role == "user" {
			role = "assistant"
		} else {
			role = "user"
		}
	}
}

func newAggregator(t *testing.T, hot hotbuffer.Store, mem memory.Store, provider model.Provider) *Aggregator {
	t.Helper()
	a, err := New(Options{
		HotBuffer:    hot,
		Memory:       mem,
		Provider:     provider,
		Interval:     time.Minute,
		UtilityModel: "small-model",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a
}

func TestDrainSummarizesAndClearsBuffer(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "User planned a trip to Rome."}
	a := newAggregator(t, hot, mem, provider)

	key := hotbuffer.Key{UserID: "u1", RoomID: "r1"}
	seedBuffer(t, hot, key, "I want to visit Rome", "Great choice!")

	a.Drain(context.Background())

	summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Text != "User planned a trip to Rome." {
		t.Fatalf("Text = %q", s.Text)
	}
	if s.RoomID != "r1" || s.Kind != memory.KindSummary {
		t.Fatalf("summary = %+v", s)
	}
	if len(s.Embedding) == 0 {
		t.Fatalf("summary must carry an embedding")
	}

	entries, err := hot.List(context.Background(), key)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("buffer entries = %d after drain, want 0", len(entries))
	}
}

func TestDrainUsesPlaceholderWhenSummarizeFails(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{completeErr: errors.New("model down")}
	a := newAggregator(t, hot, mem, provider)

	key := hotbuffer.Key{UserID: "u1", RoomID: "r1"}
	seedBuffer(t, hot, key, "hello", "hi, how can I help?")

	a.Drain(context.Background())

	summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	if !strings.Contains(summaries[0].Text, "2 messages") {
		t.Fatalf("placeholder text = %q", summaries[0].Text)
	}
}

func TestDrainKeepsBufferWhenSaveFails(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := &failingMemory{Store: memory.NewInMemoryStore(), err: errors.New("db down")}
	provider := &fakeProvider{summary: "irrelevant"}
	a := newAggregator(t, hot, mem, provider)

	key := hotbuffer.Key{UserID: "u1", RoomID: "r1"}
	seedBuffer(t, hot, key, "hello")

	a.Drain(context.Background())

	entries, err := hot.List(context.Background(), key)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("buffer entries = %d, want 1 (kept for retry)", len(entries))
	}
}

func TestDrainSavesWithoutEmbeddingWhenEmbedFails(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "a summary", embedErr: errors.New("embed down")}
	a := newAggregator(t, hot, mem, provider)

	key := hotbuffer.Key{UserID: "u1", RoomID: "r1"}
	seedBuffer(t, hot, key, "hello")

	a.Drain(context.Background())

	summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	if len(summaries[0].Embedding) != 0 {
		t.Fatalf("summary must be saved without embedding on embed failure")
	}
}

func TestDrainRedactsPIIBeforePersisting(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "User shared jane@example.com for the booking."}
	a := newAggregator(t, hot, mem, provider)

	seedBuffer(t, hot, hotbuffer.Key{UserID: "u1", RoomID: "r1"}, "my email is jane@example.com")

	a.Drain(context.Background())

	summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("len(summaries) = %d, want 1", len(summaries))
	}
	if strings.Contains(summaries[0].Text, "example.com") {
		t.Fatalf("summary still contains the email: %q", summaries[0].Text)
	}
	if !strings.Contains(summaries[0].Text, "[REDACTED_EMAIL]") {
		t.Fatalf("summary missing redaction placeholder: %q", summaries[0].Text)
	}
}

type clearFailingBuffer struct {
	hotbuffer.Store
	failures int
}

func (b *clearFailingBuffer) Clear(ctx context.Context, key hotbuffer.Key) error {
	if b.failures > 0 {
		b.failures--
		return errors.New("clear failed")
	}
	return b.Store.Clear(ctx, key)
}

func TestDrainRetryUpsertsSameSummary(t *testing.T) {
	hot := &clearFailingBuffer{Store: hotbuffer.NewInMemoryStore(50, time.Hour), failures: 1}
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "a summary"}
	a := newAggregator(t, hot, mem, provider)

	key := hotbuffer.Key{UserID: "u1", RoomID: "r1"}
	seedBuffer(t, hot, key, "hello", "hi there")

	// First pass saves the summary but fails to clear; the retry pass must
	// upsert the same row, not add a second one.
	a.Drain(context.Background())
	a.Drain(context.Background())

	summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries after retried drain = %d, want 1", len(summaries))
	}

	entries, err := hot.List(context.Background(), key)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("buffer entries = %d after successful retry, want 0", len(entries))
	}
}

func TestDrainHandlesMultipleBuffers(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "a summary"}
	a := newAggregator(t, hot, mem, provider)

	seedBuffer(t, hot, hotbuffer.Key{UserID: "u1", RoomID: "r1"}, "one")
	seedBuffer(t, hot, hotbuffer.Key{UserID: "u1", RoomID: "r2"}, "two")
	seedBuffer(t, hot, hotbuffer.Key{UserID: "u2", RoomID: "r1"}, "three")

	a.Drain(context.Background())

	keys, err := hot.Keys(context.Background())
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("remaining buffers = %v, want none", keys)
	}

	u1, _ := mem.Recent(context.Background(), "u1", "", 10)
	u2, _ := mem.Recent(context.Background(), "u2", "", 10)
	if len(u1) != 2 || len(u2) != 1 {
		t.Fatalf("summaries u1=%d u2=%d, want 2 and 1", len(u1), len(u2))
	}
}

func TestRunDrainsOnTick(t *testing.T) {
	hot := hotbuffer.NewInMemoryStore(50, time.Hour)
	mem := memory.NewInMemoryStore()
	provider := &fakeProvider{summary: "a summary"}

	a, err := New(Options{
		HotBuffer:    hot,
		Memory:       mem,
		Provider:     provider,
		Interval:     10 * time.Millisecond,
		UtilityModel: "small-model",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	seedBuffer(t, hot, hotbuffer.Key{UserID: "u1", RoomID: "r1"}, "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		summaries, err := mem.Recent(context.Background(), "u1", "r1", 10)
		if err != nil {
			t.Fatalf("Recent() error = %v", err)
		}
		if len(summaries) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no summary written by ticker drain")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop after cancel")
	}
}
