package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/antoniostano/miranda/internal/reliability"
)

// Config controls the AMQP client and the durable stream topology.
type Config struct {
	URL             string
	Exchange        string
	StreamName      string
	StreamTTL       time.Duration
	RequestPattern  string
	DialBackoffBase time.Duration
	DialBackoffCap  time.Duration
	DialAttempts    int
}

// Client is the long-lived AMQP connection shared by all sessions. It is safe
// for concurrent use; reconnects are serialized behind the mutex.
type Client struct {
	cfg Config

	onReconnect func()

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	pullCh *amqp.Channel
	closed bool
}

func NewClient(cfg Config) *Client {
	if cfg.Exchange == "" {
		cfg.Exchange = "chat"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "CHAT"
	}
	if cfg.StreamTTL <= 0 {
		cfg.StreamTTL = 72 * time.Hour
	}
	if cfg.RequestPattern == "" {
		cfg.RequestPattern = "chat.request.*"
	}
	if cfg.DialBackoffBase <= 0 {
		cfg.DialBackoffBase = 500 * time.Millisecond
	}
	if cfg.DialBackoffCap <= 0 {
		cfg.DialBackoffCap = 30 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 10
	}
	return &Client{cfg: cfg}
}

// SetReconnectHook registers a callback invoked after every successful
// re-establishment of a previously live connection.
func (c *Client) SetReconnectHook(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = hook
}

// Connect dials the broker with capped exponential backoff and declares the
// durable stream topology. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	hadConn := c.conn != nil

	var lastErr error
	for attempt := 0; attempt < c.cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.cfg.DialBackoffBase, c.cfg.DialBackoffCap)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		conn, err := amqp.Dial(c.cfg.URL)
		if err != nil {
			lastErr = err
			log.Printf("bus dial attempt %d failed: %v", attempt+1, err)
			continue
		}
		pubCh, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		pullCh, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		if err := ensureTopology(pubCh, c.cfg); err != nil {
			_ = conn.Close()
			return fmt.Errorf("bus topology: %w", err)
		}

		c.conn = conn
		c.pubCh = pubCh
		c.pullCh = pullCh
		if hadConn && c.onReconnect != nil {
			c.onReconnect()
		}
		return nil
	}
	return fmt.Errorf("bus connect after %d attempts: %w", c.cfg.DialAttempts, lastErr)
}

// ensureTopology declares the topic exchange and the durable, TTL-bounded
// stream queue. AMQP declares are idempotent for matching arguments, which
// gives the lazy "ensure" semantics: existing objects are left untouched.
func ensureTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(cfg.StreamName, true, false, false, false, amqp.Table{
		"x-message-ttl": cfg.StreamTTL.Milliseconds(),
	})
	if err != nil {
		return err
	}
	return ch.QueueBind(cfg.StreamName, cfg.RequestPattern, cfg.Exchange, false, nil)
}

// HealthCheck reports whether the underlying connection is live.
func (c *Client) HealthCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publish sends one envelope to the topic exchange with the subject as
// routing key. Persistent delivery so request envelopes survive a broker
// restart within the stream retention window.
func (c *Client) Publish(ctx context.Context, subject string, h Headers, body []byte) error {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return err
	}
	ch := c.pubCh
	c.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(cctx,
		c.cfg.Exchange,
		subject,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headersToTable(h),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Subscribe binds an exclusive auto-delete queue to the subject and streams
// deliveries until Unsubscribe. Reply subjects are per-turn and unguessable,
// so auto-ack is safe here: a lost chunk has no retry semantics anyway.
func (c *Client) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.QueueBind(q.Name, subject, c.cfg.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, err
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	out := make(chan Delivery, 256)
	done := make(chan struct{})
	go func() {
		defer close(out)
		pumpDeliveries(subject, msgs, out, done)
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ch.Close()
		})
	}
	return NewSubscription(out, cancel), nil
}

// Pull fetches up to max envelopes from the durable stream queue. An empty
// slice means the stream is currently drained.
func (c *Client) Pull(ctx context.Context, max int) ([]Delivery, error) {
	c.mu.Lock()
	if err := c.connectLocked(ctx); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ch := c.pullCh
	c.mu.Unlock()

	out := make([]Delivery, 0, max)
	for i := 0; i < max; i++ {
		msg, ok, err := ch.Get(c.cfg.StreamName, false)
		if err != nil {
			return out, err
		}
		if !ok {
			break
		}
		d := Delivery{
			Subject: msg.RoutingKey,
			Headers: tableToHeaders(msg.Headers),
			Body:    msg.Body,
		}
		d.WithAcker(amqpAcker{msg: msg})
		out = append(out, d)
	}
	return out, nil
}

// pumpDeliveries converts broker messages into deliveries until the source
// closes or the subscription is canceled. The forward also selects on done so
// an unsubscribed consumer with a full buffer cannot strand the pump forever.
func pumpDeliveries(subject string, msgs <-chan amqp.Delivery, out chan<- Delivery, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			d := Delivery{
				Subject: subject,
				Headers: tableToHeaders(m.Headers),
				Body:    m.Body,
			}
			select {
			case out <- d:
			case <-done:
				return
			}
		}
	}
}

type amqpAcker struct {
	msg amqp.Delivery
}

func (a amqpAcker) Ack() error       { return a.msg.Ack(false) }
func (a amqpAcker) Terminate() error { return a.msg.Reject(false) }
func (a amqpAcker) Requeue() error   { return a.msg.Nack(false, true) }

func headersToTable(h Headers) amqp.Table {
	t := amqp.Table{}
	if h.Auth != "" {
		t[HeaderAuth] = h.Auth
	}
	if h.Ack != "" {
		t[HeaderAck] = h.Ack
	}
	if h.Reply != "" {
		t[HeaderReply] = h.Reply
	}
	if h.RoomID != "" {
		t[HeaderRoomID] = h.RoomID
	}
	return t
}

func tableToHeaders(t amqp.Table) Headers {
	return Headers{
		Auth:   tableString(t, HeaderAuth),
		Ack:    tableString(t, HeaderAck),
		Reply:  tableString(t, HeaderReply),
		RoomID: tableString(t, HeaderRoomID),
	}
}

// tableString accepts both string and byte header values; brokers and client
// libraries disagree on which form survives a round trip.
func tableString(t amqp.Table, key string) string {
	if t == nil {
		return ""
	}
	switch v := t[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
