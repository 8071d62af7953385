package turn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrDocumentNotFound is returned when an update targets an unknown document.
var ErrDocumentNotFound = errors.New("document not found")

// Document is an artifact created or updated by a document tool.
type Document struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Title     string    `json:"title"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentStore persists artifacts across turns so a later turn can update a
// document created earlier in the conversation.
type DocumentStore interface {
	Save(ctx context.Context, doc Document) error
	Load(ctx context.Context, id string) (Document, error)
}

// InMemoryDocuments is a process-local document store for local/dev use.
type InMemoryDocuments struct {
	mu   sync.RWMutex
	docs map[string]Document
}

func NewInMemoryDocuments() *InMemoryDocuments {
	return &InMemoryDocuments{docs: make(map[string]Document)}
}

func (s *InMemoryDocuments) Save(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return nil
}

func (s *InMemoryDocuments) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *InMemoryDocuments) Load(_ context.Context, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	return doc, nil
}
