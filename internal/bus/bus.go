package bus

import (
	"context"
	"errors"
)

// Header keys carried on every request envelope.
const (
	HeaderAuth   = "Auth"
	HeaderAck    = "Ack"
	HeaderReply  = "Reply"
	HeaderRoomID = "RoomId"
)

var (
	ErrNotConnected = errors.New("bus: not connected")
	ErrClosed       = errors.New("bus: closed")
)

// Headers are the envelope headers defined by the session protocol.
type Headers struct {
	Auth   string
	Ack    string
	Reply  string
	RoomID string
}

// Delivery is one envelope handed to a consumer. Deliveries obtained from a
// durable pull consumer carry acknowledgment state; reply-subject deliveries
// are fire-and-forget and have a nil acker.
type Delivery struct {
	Subject string
	Headers Headers
	Body    []byte

	acker Acker
}

// Acker mutates delivery state for a pulled message. It is the sole mutator:
// exactly one of Ack, Terminate or Requeue is called per delivery.
type Acker interface {
	// Ack marks the message as processed.
	Ack() error
	// Terminate drops the message without redelivery.
	Terminate() error
	// Requeue returns the message for redelivery.
	Requeue() error
}

func (d *Delivery) Ack() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Ack()
}

func (d *Delivery) Terminate() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Terminate()
}

func (d *Delivery) Requeue() error {
	if d.acker == nil {
		return nil
	}
	return d.acker.Requeue()
}

// WithAcker attaches acknowledgment state to a delivery. Exposed for consumer
// implementations and test fakes.
func (d *Delivery) WithAcker(a Acker) { d.acker = a }

// Publisher publishes one envelope to a subject.
type Publisher interface {
	Publish(ctx context.Context, subject string, h Headers, body []byte) error
}

// Subscriber delivers envelopes published to an ephemeral subject.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string) (*Subscription, error)
}

// Puller is the durable pull consumer interface used by the gate.
type Puller interface {
	Pull(ctx context.Context, max int) ([]Delivery, error)
}

// Subscription is a live ephemeral subscription. Unsubscribe is idempotent.
type Subscription struct {
	C      <-chan Delivery
	cancel func()
}

func NewSubscription(c <-chan Delivery, cancel func()) *Subscription {
	return &Subscription{C: c, cancel: cancel}
}

func (s *Subscription) Unsubscribe() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
}
