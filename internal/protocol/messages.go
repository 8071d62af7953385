package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ChunkType identifies the delta chunk variants published on a reply subject.
type ChunkType string

const (
	TypeChatChunk          ChunkType = "chat_chunk"
	TypeArtifactCreateInit ChunkType = "artifact_create_init"
	TypeArtifactDelta      ChunkType = "artifact_delta"
	TypeArtifactFinish     ChunkType = "artifact_finish"
	TypeChatFinish         ChunkType = "chat_finish"
	TypeError              ChunkType = "error"
)

// DoneSentinel is the literal end-of-stream frame kept for raw-text
// passthrough compatibility with older clients.
const DoneSentinel = "[DONE]"

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrUnknownChunk  = errors.New("unknown chunk type")
	ErrMissingRoomID = errors.New("room_id is required")
	ErrMissingText   = errors.New("msg is required")
)

// ClientMessage is the inbound frame a browser client sends over the relay
// connection to start a turn.
type ClientMessage struct {
	RoomID   string `json:"room_id"`
	Text     string `json:"msg"`
	Model    string `json:"model,omitempty"`
	UseTools bool   `json:"use_document_tools,omitempty"`
}

type ChatChunk struct {
	Type    ChunkType `json:"type"`
	RoomID  string    `json:"room_id"`
	Content string    `json:"content"`
}

type ArtifactCreateInit struct {
	Type       ChunkType `json:"type"`
	RoomID     string    `json:"room_id"`
	DocumentID string    `json:"document_id"`
	Title      string    `json:"title"`
	Kind       string    `json:"kind"`
}

type ArtifactDelta struct {
	Type       ChunkType `json:"type"`
	RoomID     string    `json:"room_id"`
	DocumentID string    `json:"document_id"`
	Content    string    `json:"content"`
}

type ArtifactFinish struct {
	Type       ChunkType `json:"type"`
	RoomID     string    `json:"room_id"`
	DocumentID string    `json:"document_id"`
}

type ChatFinish struct {
	Type         ChunkType `json:"type"`
	RoomID       string    `json:"room_id"`
	FinishReason string    `json:"finish_reason"`
}

type ErrorChunk struct {
	Type    ChunkType `json:"type"`
	RoomID  string    `json:"room_id"`
	Message string    `json:"message"`
}

// Done marks the end-of-stream sentinel after classification.
type Done struct{}

type envelope struct {
	Type ChunkType `json:"type"`
}

// ParseClientMessage validates and decodes an inbound client frame.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ClientMessage{}, ErrEmptyPayload
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("invalid client frame: %w", err)
	}
	if strings.TrimSpace(msg.RoomID) == "" {
		return ClientMessage{}, ErrMissingRoomID
	}
	if strings.TrimSpace(msg.Text) == "" {
		return ClientMessage{}, ErrMissingText
	}
	return msg, nil
}

// ParseDeltaChunk classifies a reply-subject payload into exactly one of the
// closed set of chunk variants. Anything unclassifiable is rejected here so
// ambiguous shapes never travel deeper into the relay.
func ParseDeltaChunk(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, ErrEmptyPayload
	}
	if string(trimmed) == DoneSentinel {
		return Done{}, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("invalid chunk envelope: %w", err)
	}

	switch env.Type {
	case TypeChatChunk:
		var c ChatChunk
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeArtifactCreateInit:
		var c ArtifactCreateInit
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		if c.DocumentID == "" {
			return nil, errors.New("artifact_create_init missing document_id")
		}
		return c, nil
	case TypeArtifactDelta:
		var c ArtifactDelta
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		if c.DocumentID == "" {
			return nil, errors.New("artifact_delta missing document_id")
		}
		return c, nil
	case TypeArtifactFinish:
		var c ArtifactFinish
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		if c.DocumentID == "" {
			return nil, errors.New("artifact_finish missing document_id")
		}
		return c, nil
	case TypeChatFinish:
		var c ChatFinish
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		return c, nil
	case TypeError:
		var c ErrorChunk
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChunk, env.Type)
	}
}

// IsTerminal reports whether a classified chunk ends its stream.
func IsTerminal(v any) bool {
	switch v.(type) {
	case ChatFinish, ErrorChunk, Done:
		return true
	default:
		return false
	}
}

// ChunkTypeOf returns the wire type of a classified chunk, if it has one.
func ChunkTypeOf(v any) (ChunkType, bool) {
	switch c := v.(type) {
	case ChatChunk:
		return c.Type, true
	case ArtifactCreateInit:
		return c.Type, true
	case ArtifactDelta:
		return c.Type, true
	case ArtifactFinish:
		return c.Type, true
	case ChatFinish:
		return c.Type, true
	case ErrorChunk:
		return c.Type, true
	default:
		return "", false
	}
}
