// Package relay bridges one client connection to the session protocol: it
// allocates per-turn subjects, publishes request envelopes and forwards the
// reply stream back to the client.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/antoniostano/miranda/internal/auth"
	"github.com/antoniostano/miranda/internal/bus"
	"github.com/antoniostano/miranda/internal/hotbuffer"
	"github.com/antoniostano/miranda/internal/observability"
	"github.com/antoniostano/miranda/internal/protocol"
	"github.com/antoniostano/miranda/internal/session"
)

// BusConn is the bus surface the relay needs: publish requests, subscribe to
// per-turn reply subjects.
type BusConn interface {
	bus.Publisher
	bus.Subscriber
}

// Options configures a Relay.
type Options struct {
	Bus       BusConn
	Verifier  auth.Verifier
	HotBuffer hotbuffer.Store
	Metrics   *observability.Metrics

	// FirstFrameTimeout bounds the wait for the first ack or reply chunk
	// after publishing a request.
	FirstFrameTimeout time.Duration
	// TurnTimeout bounds a whole reply stream.
	TurnTimeout time.Duration
}

// Relay drives client connections. One Relay serves all connections; per
// connection state lives in RunConnection.
type Relay struct {
	opts Options
}

func New(opts Options) (*Relay, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("relay: bus is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("relay: verifier is required")
	}
	if opts.FirstFrameTimeout <= 0 {
		opts.FirstFrameTimeout = 10 * time.Second
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 2 * time.Minute
	}
	return &Relay{opts: opts}, nil
}

type connState struct {
	token  string
	userID string
	// history holds the frames already exchanged per room on this
	// connection, replayed into each request envelope.
	history map[string][]protocol.HistoryMessage
}

// RunConnection serves one client connection until ctx is canceled or the
// inbound channel closes. Inbound frames are protocol.ClientMessage values;
// outbound receives classified delta chunks ready for JSON encoding.
func (r *Relay) RunConnection(ctx context.Context, token string, inbound <-chan any, outbound chan<- any) error {
	claims, err := r.opts.Verifier.Verify(token)
	if err != nil {
		return fmt.Errorf("relay: verify connection token: %w", err)
	}

	state := &connState{
		token:   token,
		userID:  claims.Subject,
		history: make(map[string][]protocol.HistoryMessage),
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-inbound:
			if !ok {
				return nil
			}
			msg, ok := raw.(protocol.ClientMessage)
			if !ok {
				log.Printf("relay: dropping unexpected inbound frame %T", raw)
				continue
			}
			if err := r.runTurn(ctx, state, msg, outbound); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("relay: turn for room %s failed: %v", msg.RoomID, err)
			}
		}
	}
}

// runTurn publishes one request envelope and forwards its reply stream until
// the terminal chunk. The reply and ack subscriptions are always released,
// including on cancellation and timeout.
func (r *Relay) runTurn(ctx context.Context, state *connState, msg protocol.ClientMessage, outbound chan<- any) error {
	sess := session.New(msg.RoomID)

	replySub, err := r.opts.Bus.Subscribe(ctx, sess.ReplySubject)
	if err != nil {
		return fmt.Errorf("subscribe reply: %w", err)
	}
	defer replySub.Unsubscribe()

	ackSub, err := r.opts.Bus.Subscribe(ctx, sess.AckSubject)
	if err != nil {
		return fmt.Errorf("subscribe ack: %w", err)
	}
	defer ackSub.Unsubscribe()

	history := state.history[msg.RoomID]
	first := len(history) == 0

	r.pushHotBuffer(ctx, state, msg.RoomID, "user", msg.Text)

	body, err := json.Marshal(protocol.TurnRequest{
		TurnID:   sess.ID,
		Text:     msg.Text,
		Model:    msg.Model,
		UseTools: msg.UseTools,
		First:    first,
		History:  history,
	})
	if err != nil {
		return fmt.Errorf("marshal turn request: %w", err)
	}

	headers := bus.Headers{
		Auth:   state.token,
		Ack:    sess.AckSubject,
		Reply:  sess.ReplySubject,
		RoomID: msg.RoomID,
	}
	if err := r.opts.Bus.Publish(ctx, sess.RequestSubject, headers, body); err != nil {
		return fmt.Errorf("publish turn request: %w", err)
	}
	r.countFrame("inbound", "published")

	assistantText, completed, err := r.forwardReplies(ctx, msg.RoomID, replySub, ackSub, outbound)
	if err != nil {
		return err
	}
	if !completed {
		// The turn ended with an error frame; there is no assistant reply
		// to persist or replay.
		return nil
	}

	state.history[msg.RoomID] = append(history,
		protocol.HistoryMessage{Role: "user", Content: msg.Text},
		protocol.HistoryMessage{Role: "assistant", Content: assistantText},
	)
	r.pushHotBuffer(ctx, state, msg.RoomID, "assistant", assistantText)
	return nil
}

// forwardReplies pumps the reply stream to the client until the terminal
// chunk. It reports whether the stream finished with an assistant reply;
// a stream terminated by an error chunk yields no text to persist.
func (r *Relay) forwardReplies(ctx context.Context, roomID string, replySub, ackSub *bus.Subscription, outbound chan<- any) (string, bool, error) {
	firstFrame := time.NewTimer(r.opts.FirstFrameTimeout)
	defer firstFrame.Stop()
	turnDeadline := time.NewTimer(r.opts.TurnTimeout)
	defer turnDeadline.Stop()

	var assistantText []byte
	acked := false
	gotFrame := false

	for {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()

		case <-firstFrame.C:
			if !gotFrame && !acked {
				r.sendError(ctx, roomID, outbound, "no worker picked up this message")
				return "", false, fmt.Errorf("first frame timeout")
			}

		case <-turnDeadline.C:
			r.sendError(ctx, roomID, outbound, "the reply stream timed out")
			return "", false, fmt.Errorf("turn timeout")

		case <-ackSub.C:
			acked = true
			r.observeIndicator("turn_acked")

		case d, ok := <-replySub.C:
			if !ok {
				return "", false, fmt.Errorf("reply subscription closed")
			}
			gotFrame = true

			chunk, err := protocol.ParseDeltaChunk(d.Body)
			if err != nil {
				log.Printf("relay: dropping unparseable reply chunk: %v", err)
				r.countFrame("outbound", "drop_invalid")
				continue
			}
			if room, ok := chunkRoomID(chunk); ok && room != roomID {
				log.Printf("relay: dropping chunk for room %s on stream for room %s", room, roomID)
				r.countFrame("outbound", "drop_room_mismatch")
				continue
			}

			if cc, ok := chunk.(protocol.ChatChunk); ok {
				assistantText = append(assistantText, cc.Content...)
			}
			// Legacy end-of-stream sentinel: synthesize the finish chunk
			// newer clients expect.
			if _, ok := chunk.(protocol.Done); ok {
				chunk = protocol.ChatFinish{Type: protocol.TypeChatFinish, RoomID: roomID, FinishReason: "stop"}
			}

			select {
			case outbound <- chunk:
				r.countChunk(chunk)
			case <-ctx.Done():
				return "", false, ctx.Err()
			}

			if protocol.IsTerminal(chunk) {
				if _, failed := chunk.(protocol.ErrorChunk); failed {
					return "", false, nil
				}
				return string(assistantText), true, nil
			}
		}
	}
}

func (r *Relay) sendError(ctx context.Context, roomID string, outbound chan<- any, message string) {
	chunk := protocol.ErrorChunk{Type: protocol.TypeError, RoomID: roomID, Message: message}
	select {
	case outbound <- chunk:
		r.countChunk(chunk)
	case <-ctx.Done():
	}
}

func (r *Relay) pushHotBuffer(ctx context.Context, state *connState, roomID, role, text string) {
	if r.opts.HotBuffer == nil || text == "" {
		return
	}
	key := hotbuffer.Key{UserID: state.userID, RoomID: roomID}
	err := r.opts.HotBuffer.Push(ctx, key, hotbuffer.Entry{
		RoomID: roomID,
		UserID: state.userID,
		Role:   role,
		Text:   text,
	})
	if err != nil {
		log.Printf("relay: hot buffer push failed: %v", err)
	}
}

func (r *Relay) countFrame(direction, outcome string) {
	if m := r.opts.Metrics; m != nil {
		m.ClientFrames.WithLabelValues(direction, outcome).Inc()
	}
}

func (r *Relay) countChunk(chunk any) {
	m := r.opts.Metrics
	if m == nil {
		return
	}
	if t, ok := protocol.ChunkTypeOf(chunk); ok {
		m.DeltaChunks.WithLabelValues(string(t)).Inc()
	}
}

func (r *Relay) observeIndicator(name string) {
	if m := r.opts.Metrics; m != nil {
		m.ObserveTurnIndicator(name)
	}
}

func chunkRoomID(chunk any) (string, bool) {
	switch c := chunk.(type) {
	case protocol.ChatChunk:
		return c.RoomID, true
	case protocol.ArtifactCreateInit:
		return c.RoomID, true
	case protocol.ArtifactDelta:
		return c.RoomID, true
	case protocol.ArtifactFinish:
		return c.RoomID, true
	case protocol.ChatFinish:
		return c.RoomID, true
	case protocol.ErrorChunk:
		return c.RoomID, true
	default:
		return "", false
	}
}
