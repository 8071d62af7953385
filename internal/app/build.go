// Package app wires configuration into runnable gateway and worker builds.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/antoniostano/miranda/internal/auth"
	"github.com/antoniostano/miranda/internal/bus"
	"github.com/antoniostano/miranda/internal/config"
	"github.com/antoniostano/miranda/internal/gate"
	"github.com/antoniostano/miranda/internal/hotbuffer"
	"github.com/antoniostano/miranda/internal/httpapi"
	"github.com/antoniostano/miranda/internal/memory"
	"github.com/antoniostano/miranda/internal/model"
	"github.com/antoniostano/miranda/internal/observability"
	"github.com/antoniostano/miranda/internal/relay"
	"github.com/antoniostano/miranda/internal/rollup"
	"github.com/antoniostano/miranda/internal/turn"
)

// BusURLInProc selects the in-process bus: gateway and worker run inside one
// process, useful for local development without a broker.
const BusURLInProc = "inproc"

const defaultPersona = "You are Miranda, a concise and warm assistant. Answer directly and admit what you do not know."

// GatewayResult is a wired gateway ready to serve.
type GatewayResult struct {
	Config  config.Config
	API     *httpapi.Server
	Relay   *relay.Relay
	Metrics *observability.Metrics

	// Background holds loops the gateway must run alongside the HTTP
	// server. Populated in in-process mode, where the worker side lives in
	// the same binary.
	Background []func(ctx context.Context) error

	Cleanup func() error
}

// WorkerResult is a wired worker ready to run.
type WorkerResult struct {
	Config  config.Config
	Gate    *gate.Gate
	Rollup  *rollup.Aggregator
	Metrics *observability.Metrics
	Cleanup func() error
}

// BuildGateway constructs the client-facing side: relay, HTTP API and bus
// connection. With BUS_URL=inproc it also embeds a full worker.
func BuildGateway(ctx context.Context, cfg config.Config) (*GatewayResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("auth init failed: %w", err)
	}

	hot, err := hotbuffer.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HotBufferCap, cfg.HotBufferTTL)
	if err != nil {
		return nil, fmt.Errorf("hot buffer init failed: %w", err)
	}

	var (
		busConn    relay.BusConn
		health     httpapi.HealthChecker
		background []func(ctx context.Context) error
		cleanups   []func() error
	)
	cleanups = append(cleanups, hot.Close)

	if strings.EqualFold(strings.TrimSpace(cfg.BusURL), BusURLInProc) {
		inproc := bus.NewInProc(cfg.RequestPattern)
		busConn = inproc
		cleanups = append(cleanups, inproc.Close)
		log.Printf("bus: in-process mode, embedding worker")

		// Share the hot buffer so the embedded rollup drains what the
		// relay writes even without Redis.
		worker, err := buildWorkerOn(ctx, cfg, inproc, inproc, hot, metrics)
		if err != nil {
			runCleanups(cleanups)
			return nil, err
		}
		background = append(background, worker.Gate.Run, worker.Rollup.Run)
		cleanups = append(cleanups, worker.Cleanup)
	} else {
		client := bus.NewClient(busConfig(cfg))
		client.SetReconnectHook(func() { metrics.BusReconnects.Inc() })
		if err := client.Connect(ctx); err != nil {
			runCleanups(cleanups)
			return nil, fmt.Errorf("bus connect failed: %w", err)
		}
		busConn = client
		health = client
		cleanups = append(cleanups, client.Close)
	}

	rly, err := relay.New(relay.Options{
		Bus:       busConn,
		Verifier:  verifier,
		HotBuffer: hot,
		Metrics:   metrics,
	})
	if err != nil {
		runCleanups(cleanups)
		return nil, fmt.Errorf("relay init failed: %w", err)
	}

	api := httpapi.New(cfg, rly, health, metrics)

	return &GatewayResult{
		Config:     cfg,
		API:        api,
		Relay:      rly,
		Metrics:    metrics,
		Background: background,
		Cleanup:    func() error { return runCleanups(cleanups) },
	}, nil
}

// BuildWorker constructs the consuming side: gate, orchestrator and rollup
// aggregator on a broker connection.
func BuildWorker(ctx context.Context, cfg config.Config) (*WorkerResult, error) {
	if strings.EqualFold(strings.TrimSpace(cfg.BusURL), BusURLInProc) {
		return nil, fmt.Errorf("worker requires a broker; %s=%s runs the worker inside the gateway", "BUS_URL", BusURLInProc)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	client := bus.NewClient(busConfig(cfg))
	client.SetReconnectHook(func() { metrics.BusReconnects.Inc() })
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("bus connect failed: %w", err)
	}

	worker, err := buildWorkerOn(ctx, cfg, client, client, nil, metrics)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	innerCleanup := worker.Cleanup
	worker.Cleanup = func() error {
		err := innerCleanup()
		if cerr := client.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}
	return worker, nil
}

// buildWorkerOn wires the worker components onto an existing bus connection.
// A non-nil hot store is reused instead of opening a fresh one.
func buildWorkerOn(ctx context.Context, cfg config.Config, publisher bus.Publisher, puller bus.Puller, hot hotbuffer.Store, metrics *observability.Metrics) (*WorkerResult, error) {
	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("auth init failed: %w", err)
	}

	memoryStore, err := memory.NewStore(ctx, cfg.DatabaseURL, cfg.MemoryEmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	provider, err := model.NewProvider(cfg.ModelProvider, cfg.ModelBaseURL, cfg.ModelAPIKey, cfg.EmbedModel)
	if err != nil {
		_ = memoryStore.Close()
		return nil, fmt.Errorf("model provider init failed: %w", err)
	}

	ownsHot := hot == nil
	if ownsHot {
		hot, err = hotbuffer.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.HotBufferCap, cfg.HotBufferTTL)
		if err != nil {
			_ = memoryStore.Close()
			return nil, fmt.Errorf("hot buffer init failed: %w", err)
		}
	}
	closeOwned := func() {
		if ownsHot {
			_ = hot.Close()
		}
		_ = memoryStore.Close()
	}

	orchestrator, err := turn.NewOrchestrator(turn.Options{
		Provider:     provider,
		Publisher:    publisher,
		Persona:      staticPersona{text: defaultPersona},
		Memories:     memory.NewSearcher(memoryStore, provider, cfg.MemoryTopN),
		Titles:       &busTitleUpdater{publisher: publisher},
		Metrics:      metrics,
		ChatModel:    cfg.ChatModel,
		UtilityModel: cfg.UtilityModel,
	})
	if err != nil {
		closeOwned()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	g, err := gate.New(gate.Options{
		Puller:        puller,
		Verifier:      verifier,
		Handler:       orchestrator,
		Metrics:       metrics,
		PullBatch:     cfg.PullBatch,
		EmptyPollWait: cfg.EmptyPollWait,
		Workers:       cfg.WorkerCount,
	})
	if err != nil {
		closeOwned()
		return nil, fmt.Errorf("gate init failed: %w", err)
	}

	agg, err := rollup.New(rollup.Options{
		HotBuffer:    hot,
		Memory:       memoryStore,
		Provider:     provider,
		Metrics:      metrics,
		Interval:     cfg.RollupInterval,
		UtilityModel: cfg.UtilityModel,
	})
	if err != nil {
		closeOwned()
		return nil, fmt.Errorf("rollup init failed: %w", err)
	}

	return &WorkerResult{
		Config:  cfg,
		Gate:    g,
		Rollup:  agg,
		Metrics: metrics,
		Cleanup: func() error {
			var errs []string
			if ownsHot {
				if err := hot.Close(); err != nil {
					errs = append(errs, err.Error())
				}
			}
			if err := memoryStore.Close(); err != nil {
				errs = append(errs, err.Error())
			}
			if len(errs) > 0 {
				return fmt.Errorf("%s", strings.Join(errs, "; "))
			}
			return nil
		},
	}, nil
}

func busConfig(cfg config.Config) bus.Config {
	return bus.Config{
		URL:             cfg.BusURL,
		Exchange:        cfg.BusExchange,
		StreamName:      cfg.StreamName,
		StreamTTL:       cfg.StreamTTL,
		RequestPattern:  cfg.RequestPattern,
		DialBackoffBase: cfg.DialBackoffBase,
		DialBackoffCap:  cfg.DialBackoffCap,
		DialAttempts:    cfg.DialAttempts,
	}
}

func runCleanups(cleanups []func() error) error {
	var errs []string
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

type staticPersona struct{ text string }

func (p staticPersona) Persona(context.Context, string) (string, error) { return p.text, nil }

// busTitleUpdater announces room titles on the bus so connected clients can
// pick up the generated name.
type busTitleUpdater struct {
	publisher bus.Publisher
}

func (u *busTitleUpdater) UpdateTitle(ctx context.Context, roomID, title string) error {
	body, err := json.Marshal(map[string]string{"room_id": roomID, "title": title})
	if err != nil {
		return err
	}
	return u.publisher.Publish(ctx, "chat.room."+roomID+".title", bus.Headers{RoomID: roomID}, body)
}
