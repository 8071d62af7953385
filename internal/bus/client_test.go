package bus

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPumpDeliveriesForwardsHeadersAndBody(t *testing.T) {
	msgs := make(chan amqp.Delivery, 1)
	out := make(chan Delivery, 1)
	done := make(chan struct{})

	msgs <- amqp.Delivery{
		Headers: amqp.Table{HeaderRoomID: "r1", HeaderAuth: []byte("tok")},
		Body:    []byte(`{"x":1}`),
	}
	close(msgs)

	pumpDeliveries("chat.turn.t1.reply", msgs, out, done)

	select {
	case d := <-out:
		if d.Subject != "chat.turn.t1.reply" || d.Headers.RoomID != "r1" || d.Headers.Auth != "tok" {
			t.Fatalf("delivery = %+v", d)
		}
		if string(d.Body) != `{"x":1}` {
			t.Fatalf("Body = %s", d.Body)
		}
	default:
		t.Fatalf("no delivery forwarded")
	}
}

func TestPumpDeliveriesStopsOnDoneWithFullBuffer(t *testing.T) {
	msgs := make(chan amqp.Delivery, 2)
	out := make(chan Delivery, 1)
	done := make(chan struct{})

	msgs <- amqp.Delivery{Body: []byte("a")}
	msgs <- amqp.Delivery{Body: []byte("b")}

	finished := make(chan struct{})
	go func() {
		pumpDeliveries("s", msgs, out, done)
		close(finished)
	}()

	// First message fills the buffer; the second send must be parked on the
	// full channel when done closes.
	deadline := time.Now().Add(2 * time.Second)
	for len(out) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("pump never forwarded the first delivery")
		}
		time.Sleep(time.Millisecond)
	}
	close(done)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump still blocked after done was closed")
	}
}
