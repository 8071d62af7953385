package session

import (
	"fmt"

	"github.com/google/uuid"
)

// Session holds the per-turn bus addresses. Request and reply subjects are
// derived from a random 128-bit identifier, so they are unpredictable and
// collision-free without a central registry.
type Session struct {
	ID             string
	RequestSubject string
	ReplySubject   string
	AckSubject     string
}

// New allocates the addressable subjects for one turn in the given room.
func New(roomID string) Session {
	id := uuid.NewString()
	return Session{
		ID:             id,
		RequestSubject: RequestSubject(roomID),
		ReplySubject:   fmt.Sprintf("chat.turn.%s.reply", id),
		AckSubject:     fmt.Sprintf("chat.turn.%s.ack", id),
	}
}

// RequestSubject is the durable stream subject for a room.
func RequestSubject(roomID string) string {
	return "chat.request." + roomID
}
