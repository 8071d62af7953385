package model

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider provides deterministic local replies when no model backend is
// configured.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Stream(ctx context.Context, req StreamRequest, onDelta DeltaHandler) (StreamResult, error) {
	select {
	case <-ctx.Done():
		return StreamResult{}, ctx.Err()
	default:
	}

	text := buildMockReply(req.Messages)
	for _, word := range strings.Fields(text) {
		if onDelta != nil {
			if err := onDelta(word + " "); err != nil {
				return StreamResult{}, err
			}
		}
	}
	return StreamResult{Kind: ResultContent, Content: text, FinishReason: "stop"}, nil
}

func (p *MockProvider) Complete(ctx context.Context, _ string, messages []Message) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	return buildMockReply(messages), nil
}

func (p *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	// A stable toy embedding so similarity search behaves deterministically.
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r%13) / 13
	}
	return vec, nil
}

func buildMockReply(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			return fmt.Sprintf("I heard you: %s", strings.TrimSpace(messages[i].Content))
		}
	}
	return "I am listening."
}
