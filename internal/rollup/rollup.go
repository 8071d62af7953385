// Package rollup drains hot buffers into durable memory summaries on a
// schedule.
package rollup

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/miranda/internal/hotbuffer"
	"github.com/antoniostano/miranda/internal/memory"
	"github.com/antoniostano/miranda/internal/model"
	"github.com/antoniostano/miranda/internal/observability"
	"github.com/antoniostano/miranda/internal/policy"
)

// Options configures an Aggregator.
type Options struct {
	HotBuffer hotbuffer.Store
	Memory    memory.Store
	Provider  model.Provider
	Metrics   *observability.Metrics

	// Interval is the pause between drain passes.
	Interval time.Duration
	// UtilityModel is the small model used for summarization.
	UtilityModel string
	// Concurrency bounds how many buffers are summarized at once.
	Concurrency int
}

// Aggregator periodically summarizes each hot buffer, persists the summary
// with its embedding and clears the buffer. A buffer is only cleared after
// its summary write succeeded, so a failed pass retries on the next tick
// instead of losing conversation.
type Aggregator struct {
	opts Options
}

func New(opts Options) (*Aggregator, error) {
	if opts.HotBuffer == nil {
		return nil, fmt.Errorf("rollup: hot buffer is required")
	}
	if opts.Memory == nil {
		return nil, fmt.Errorf("rollup: memory store is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("rollup: provider is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Aggregator{opts: opts}, nil
}

// Run drains on every tick until the context is canceled.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.Drain(ctx)
		}
	}
}

// Drain summarizes and clears every non-empty hot buffer once.
func (a *Aggregator) Drain(ctx context.Context) {
	keys, err := a.opts.HotBuffer.Keys(ctx)
	if err != nil {
		log.Printf("rollup: list buffers failed: %v", err)
		a.count("list_error")
		return
	}

	sem := make(chan struct{}, a.opts.Concurrency)
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		sem <- struct{}{}
		go func(key hotbuffer.Key) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := a.drainOne(ctx, key); err != nil {
				log.Printf("rollup: drain %s/%s failed: %v", key.UserID, key.RoomID, err)
				a.count("error")
				return
			}
			a.count("success")
		}(key)
	}
	wg.Wait()
}

func (a *Aggregator) drainOne(ctx context.Context, key hotbuffer.Key) error {
	entries, err := a.opts.HotBuffer.List(ctx, key)
	if err != nil {
		return fmt.Errorf("list buffer: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	transcript := transcript(entries)

	// Summary and embedding both derive from the transcript, so they run in
	// parallel.
	var (
		wg        sync.WaitGroup
		text      string
		embedding []float32
		embedErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		text = a.summarize(ctx, transcript, entries)
	}()
	go func() {
		defer wg.Done()
		embedding, embedErr = a.opts.Provider.Embed(ctx, transcript)
	}()
	wg.Wait()

	if redacted, changed := policy.RedactPII(text); changed {
		log.Printf("rollup: redacted PII from summary for %s/%s", key.UserID, key.RoomID)
		text = redacted
	}

	summary := memory.Summary{
		ID:     summaryID(key, entries),
		UserID: key.UserID,
		RoomID: key.RoomID,
		Kind:   memory.KindSummary,
		Text:   text,
	}
	if embedErr != nil {
		// A summary without an embedding is still recallable by recency.
		log.Printf("rollup: embed for %s/%s failed: %v", key.UserID, key.RoomID, embedErr)
	} else {
		summary.Embedding = embedding
	}

	if err := a.opts.Memory.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	if err := a.opts.HotBuffer.Clear(ctx, key); err != nil {
		return fmt.Errorf("clear buffer: %w", err)
	}
	return nil
}

// summaryID is stable for a given buffer window, so a drain pass that failed
// after the save (or a redelivered one) upserts the same row instead of
// writing a duplicate.
func summaryID(key hotbuffer.Key, entries []hotbuffer.Entry) string {
	last := entries[len(entries)-1]
	return fmt.Sprintf("%s:%s:%d", key.UserID, key.RoomID, last.Timestamp.UnixNano())
}

func transcript(entries []hotbuffer.Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// summarize asks the utility model for a digest and falls back to a plain
// placeholder when the model is unavailable.
func (a *Aggregator) summarize(ctx context.Context, transcript string, entries []hotbuffer.Entry) string {
	text, err := a.opts.Provider.Complete(ctx, a.opts.UtilityModel, []model.Message{
		{Role: "system", Content: "Summarize this conversation in at most three sentences. Keep concrete facts, names and decisions."},
		{Role: "user", Content: transcript},
	})
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			log.Printf("rollup: summarize failed, storing placeholder: %v", err)
		}
		return fmt.Sprintf("Conversation with %d messages, most recently: %s", len(entries), entries[len(entries)-1].Text)
	}
	return strings.TrimSpace(text)
}

func (a *Aggregator) count(outcome string) {
	if m := a.opts.Metrics; m != nil {
		m.RollupRuns.WithLabelValues(outcome).Inc()
	}
}
