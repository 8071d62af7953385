// Package gate pulls request envelopes from the durable stream, verifies
// their credentials per message and hands verified turns to the orchestrator.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/antoniostano/miranda/internal/auth"
	"github.com/antoniostano/miranda/internal/bus"
	"github.com/antoniostano/miranda/internal/model"
	"github.com/antoniostano/miranda/internal/observability"
	"github.com/antoniostano/miranda/internal/protocol"
	"github.com/antoniostano/miranda/internal/turn"
)

// TurnHandler runs one verified turn.
type TurnHandler interface {
	Run(ctx context.Context, req turn.Request) error
}

// Options configures a Gate.
type Options struct {
	Puller   bus.Puller
	Verifier auth.Verifier
	Handler  TurnHandler
	Metrics  *observability.Metrics

	// PullBatch is the max envelopes fetched per pull.
	PullBatch int
	// EmptyPollWait is how long to sleep after an empty pull.
	EmptyPollWait time.Duration
	// Workers is the number of concurrent turn runners.
	Workers int
}

// Gate is the durable pull consumer in front of the orchestrator. Every
// pulled envelope ends in exactly one disposition: terminated for bad
// credentials or malformed bodies, acked once verified and handed off, or
// requeued when handoff is impossible.
type Gate struct {
	opts Options
}

func New(opts Options) (*Gate, error) {
	if opts.Puller == nil {
		return nil, fmt.Errorf("gate: puller is required")
	}
	if opts.Verifier == nil {
		return nil, fmt.Errorf("gate: verifier is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("gate: handler is required")
	}
	if opts.PullBatch <= 0 {
		opts.PullBatch = 8
	}
	if opts.EmptyPollWait <= 0 {
		opts.EmptyPollWait = 250 * time.Millisecond
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Gate{opts: opts}, nil
}

// Run pulls and processes envelopes until the context is canceled.
func (g *Gate) Run(ctx context.Context) error {
	work := make(chan bus.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < g.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				g.process(ctx, d)
			}
		}()
	}

	err := g.pullLoop(ctx, work)
	close(work)
	wg.Wait()
	return err
}

func (g *Gate) pullLoop(ctx context.Context, work chan<- bus.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := g.opts.Puller.Pull(ctx, g.opts.PullBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("gate: pull failed: %v", err)
			if !g.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if len(deliveries) == 0 {
			if !g.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		for _, d := range deliveries {
			select {
			case work <- d:
			case <-ctx.Done():
				// Not yet handed off: requeue so another worker picks it up.
				if err := d.Requeue(); err != nil {
					log.Printf("gate: requeue on shutdown failed: %v", err)
				}
				return ctx.Err()
			}
		}
	}
}

func (g *Gate) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(g.opts.EmptyPollWait):
		return true
	}
}

// process applies the per-message disposition rules to one envelope.
func (g *Gate) process(ctx context.Context, d bus.Delivery) {
	if d.Headers.Auth == "" {
		g.terminate(d, "missing credentials", true)
		return
	}

	claims, err := g.opts.Verifier.Verify(d.Headers.Auth)
	if err != nil {
		g.terminate(d, fmt.Sprintf("verify credentials: %v", err), true)
		return
	}

	req, err := protocol.ParseTurnRequest(d.Body)
	if err != nil {
		g.terminate(d, fmt.Sprintf("parse request: %v", err), false)
		return
	}
	if d.Headers.Reply == "" {
		g.terminate(d, "missing reply subject", false)
		return
	}

	history := make([]model.Message, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, model.Message{Role: h.Role, Content: h.Content})
	}

	turnReq := turn.Request{
		TurnID:       req.TurnID,
		UserID:       claims.Subject,
		RoomID:       d.Headers.RoomID,
		ReplySubject: d.Headers.Reply,
		AckSubject:   d.Headers.Ack,
		Model:        req.Model,
		UseTools:     req.UseTools,
		First:        req.First,
		History:      history,
		Input:        req.Text,
	}

	// Ack once verification and parsing succeed: the turn is ours now, and
	// orchestrator failures surface on the reply stream, not via redelivery.
	if err := d.Ack(); err != nil {
		log.Printf("gate: ack turn %s failed: %v", req.TurnID, err)
		g.count("ack_error")
		return
	}
	g.count("acked")

	if err := g.opts.Handler.Run(ctx, turnReq); err != nil {
		log.Printf("gate: turn %s failed: %v", req.TurnID, err)
	}
}

func (g *Gate) terminate(d bus.Delivery, reason string, authFailure bool) {
	log.Printf("gate: terminating envelope on %s: %s", d.Subject, reason)
	if err := d.Terminate(); err != nil {
		log.Printf("gate: terminate failed: %v", err)
	}
	if m := g.opts.Metrics; m != nil {
		if authFailure {
			m.AuthFailures.Inc()
		}
		m.GateMessages.WithLabelValues("terminated").Inc()
	}
}

func (g *Gate) count(disposition string) {
	if m := g.opts.Metrics; m != nil {
		m.GateMessages.WithLabelValues(disposition).Inc()
	}
}
