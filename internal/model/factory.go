package model

import (
	"fmt"
	"strings"
)

// NewProvider selects a model backend by name.
func NewProvider(provider, baseURL, apiKey, embedModel string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "mock":
		return NewMockProvider(), nil
	case "auto":
		// Prefer a real OpenAI-compatible backend when one is configured.
		if strings.TrimSpace(baseURL) != "" {
			return NewOpenAIProvider(baseURL, apiKey, embedModel), nil
		}
		return NewMockProvider(), nil
	case "openai":
		if strings.TrimSpace(baseURL) == "" {
			return nil, fmt.Errorf("model base url is required for openai provider")
		}
		return NewOpenAIProvider(baseURL, apiKey, embedModel), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", provider)
	}
}
