package model

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseHandler(lines []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}
}

func TestStreamContentDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "embed-model")

	var got []string
	res, err := p.Stream(context.Background(), StreamRequest{Model: "m"}, func(delta string) error {
		got = append(got, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if res.Kind != ResultContent {
		t.Fatalf("Kind = %q, want %q", res.Kind, ResultContent)
	}
	if res.Content != "Hello" {
		t.Fatalf("Content = %q, want %q", res.Content, "Hello")
	}
	if res.FinishReason != "stop" {
		t.Fatalf("FinishReason = %q, want %q", res.FinishReason, "stop")
	}
	if strings.Join(got, "") != "Hello" {
		t.Fatalf("deltas = %v, want joined %q", got, "Hello")
	}
}

func TestStreamAccumulatesToolCalls(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"create_document","arguments":"{\"ti"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"tle\":\"Notes\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "embed-model")

	res, err := p.Stream(context.Background(), StreamRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if res.Kind != ResultToolCalls {
		t.Fatalf("Kind = %q, want %q", res.Kind, ResultToolCalls)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.ID != "call-1" || tc.Name != "create_document" {
		t.Fatalf("ToolCall = %+v", tc)
	}
	if string(tc.Arguments) != `{"title":"Notes"}` {
		t.Fatalf("Arguments = %s", tc.Arguments)
	}
}

func TestStreamDeltaHandlerErrorAborts(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "")

	wantErr := fmt.Errorf("client gone")
	_, err := p.Stream(context.Background(), StreamRequest{Model: "m"}, func(string) error {
		return wantErr
	})
	if err == nil || !strings.Contains(err.Error(), "client gone") {
		t.Fatalf("error = %v, want handler error", err)
	}
}

func TestStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(sseHandler([]string{
		`not-json`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "")

	res, err := p.Stream(context.Background(), StreamRequest{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if res.Content != "ok" {
		t.Fatalf("Content = %q, want %q", res.Content, "ok")
	}
}

func TestStreamNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "")

	_, err := p.Stream(context.Background(), StreamRequest{Model: "m"}, nil)
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("error = %v, want status error", err)
	}
}

func TestPostRetriesRetryableStatus(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "")

	got, err := p.Complete(context.Background(), "m", []Message{{Role: "user", Content: "x"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "recovered" {
		t.Fatalf("Complete() = %q", got)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPostDoesNotRetryClientError(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "")

	_, err := p.Complete(context.Background(), "m", []Message{{Role: "user", Content: "x"}})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("error = %v, want 400 status error", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (400 is not retryable)", calls)
	}
}

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"A short title"}}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "test-key", "")

	got, err := p.Complete(context.Background(), "m", []Message{{Role: "user", Content: "title this"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "A short title" {
		t.Fatalf("Complete() = %q", got)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(srv.URL, "", "embed-model")

	got, err := p.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(embedding) = %d, want 3", len(got))
	}
}

func TestMockStreamEchoesUserMessage(t *testing.T) {
	p := NewMockProvider()

	var sb strings.Builder
	res, err := p.Stream(context.Background(), StreamRequest{
		Messages: []Message{{Role: "user", Content: "hello there"}},
	}, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if res.Kind != ResultContent {
		t.Fatalf("Kind = %q", res.Kind)
	}
	if !strings.Contains(res.Content, "hello there") {
		t.Fatalf("Content = %q, want echo", res.Content)
	}
	if strings.TrimSpace(sb.String()) == "" {
		t.Fatalf("mock must emit deltas")
	}
}
