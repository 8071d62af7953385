package bus

import (
	"context"
	"strings"
	"sync"
)

// InProc is an in-process bus for dev mode and tests. Envelopes published to
// subjects matching the request pattern queue up for Pull; everything else is
// fanned out to live subscriptions.
type InProc struct {
	requestPrefix string

	mu     sync.Mutex
	queue  []Delivery
	subs   map[string][]chan Delivery
	closed bool
}

func NewInProc(requestPattern string) *InProc {
	prefix := strings.TrimSuffix(requestPattern, "*")
	if prefix == "" {
		prefix = "chat.request."
	}
	return &InProc{
		requestPrefix: prefix,
		subs:          make(map[string][]chan Delivery),
	}
}

func (b *InProc) Publish(_ context.Context, subject string, h Headers, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	d := Delivery{Subject: subject, Headers: h, Body: append([]byte(nil), body...)}
	if strings.HasPrefix(subject, b.requestPrefix) {
		b.queue = append(b.queue, d)
		return nil
	}
	for _, ch := range b.subs[subject] {
		select {
		case ch <- d:
		default:
			// Subscriber is not draining; drop rather than block the publisher.
		}
	}
	return nil
}

func (b *InProc) Subscribe(_ context.Context, subject string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ch := make(chan Delivery, 256)
	b.subs[subject] = append(b.subs[subject], ch)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[subject]
			for i, c := range list {
				if c == ch {
					b.subs[subject] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
	return NewSubscription(ch, cancel), nil
}

func (b *InProc) Pull(_ context.Context, max int) ([]Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if max <= 0 || len(b.queue) == 0 {
		return nil, nil
	}
	n := max
	if n > len(b.queue) {
		n = len(b.queue)
	}
	out := make([]Delivery, n)
	copy(out, b.queue[:n])
	b.queue = append([]Delivery(nil), b.queue[n:]...)
	return out, nil
}

// Requeue returns a delivery to the front of the pull queue. Used by the
// in-process acker; the AMQP client relies on broker redelivery instead.
func (b *InProc) requeue(d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append([]Delivery{d}, b.queue...)
}

func (b *InProc) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// InProcAcker records the disposition of one pulled delivery.
type InProcAcker struct {
	bus *InProc
	d   Delivery

	mu         sync.Mutex
	Acked      int
	Terminated int
	Requeued   int
}

func NewInProcAcker(b *InProc, d Delivery) *InProcAcker {
	return &InProcAcker{bus: b, d: d}
}

func (a *InProcAcker) Ack() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Acked++
	return nil
}

func (a *InProcAcker) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Terminated++
	return nil
}

func (a *InProcAcker) Requeue() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Requeued++
	if a.bus != nil {
		a.bus.requeue(a.d)
	}
	return nil
}
