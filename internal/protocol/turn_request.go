package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMissingTurnID = errors.New("turn_id is required")

// HistoryMessage is one prior turn carried inside a request envelope.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is the request envelope body published on a request subject.
// Identity travels in the envelope headers, not here.
type TurnRequest struct {
	TurnID   string           `json:"turn_id"`
	Text     string           `json:"msg"`
	Model    string           `json:"model,omitempty"`
	UseTools bool             `json:"use_document_tools,omitempty"`
	First    bool             `json:"first,omitempty"`
	History  []HistoryMessage `json:"history,omitempty"`
}

// ParseTurnRequest validates and decodes a request envelope body.
func ParseTurnRequest(raw []byte) (TurnRequest, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return TurnRequest{}, ErrEmptyPayload
	}
	var req TurnRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return TurnRequest{}, fmt.Errorf("invalid turn request: %w", err)
	}
	if strings.TrimSpace(req.TurnID) == "" {
		return TurnRequest{}, ErrMissingTurnID
	}
	if strings.TrimSpace(req.Text) == "" {
		return TurnRequest{}, ErrMissingText
	}
	return req, nil
}
