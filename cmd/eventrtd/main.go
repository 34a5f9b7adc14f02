// Command eventrtd wires the event-sourcing core into a running process:
// it loads configuration, opens the store, starts the gateway/broadcaster/
// flusher, exposes the broadcaster's fan-out over a websocket endpoint for
// external subscribers (the one transport the core's external interfaces
// actually fix — see internal/wire), and shuts everything down in the
// listener-before-state-before-storage order the teacher repo's own
// main.go uses. It intentionally does not implement an RPC front-end for
// Execute/Publish commands: that framing is explicitly out of scope for
// the core (spec.md §1 Non-goals), so this binary is a reference host, not
// a production server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaycore/eventrt/internal/config"
	"github.com/relaycore/eventrt/internal/logging"
	"github.com/relaycore/eventrt/internal/relay"
	"github.com/relaycore/eventrt/internal/runtime"
	"github.com/relaycore/eventrt/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Configure(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize structured logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg, logger, runtime.Options{})
	if err != nil {
		logger.Fatal("failed to initialize runtime", zap.Error(err))
	}

	var relayTarget relay.Target = relay.NoopTarget{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		relayTarget = relay.NewRedisTarget(client, cfg.RedisStreamKey)
		logger.Info("outbox relay target configured",
			zap.String("redis_addr", cfg.RedisAddr), zap.String("stream_key", cfg.RedisStreamKey))
	} else {
		logger.Info("no redis address configured; outbox relays use the noop target")
	}
	for _, category := range cfg.OutboxCategories {
		rt.RegisterRelay(ctx, category, relayTarget)
		logger.Info("outbox relay registered", zap.String("category", category))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", subscribeHandler(rt, logger))
	mux.HandleFunc("/healthz", healthzHandler(rt))

	server := &http.Server{Addr: addr(), Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("eventrtd listening", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server terminated unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runtime shutdown error", zap.Error(err))
	}
}

func addr() string {
	if a := os.Getenv("EVENTRT_LISTEN_ADDR"); a != "" {
		return a
	}
	return ":8089"
}

// subscribeHandler upgrades to a websocket and streams broadcaster events
// filtered by the "category" and repeated "event_type" query parameters,
// each msgpack-encoded as a wire.Response carrying one wire.EventOut,
// until the client disconnects.
func subscribeHandler(rt *runtime.Runtime, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		category := r.URL.Query().Get("category")
		eventTypes := r.URL.Query()["event_type"]

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		subID := fmt.Sprintf("%s-%d", r.RemoteAddr, time.Now().UnixNano())
		sub := rt.Subscribe(subID, category, eventTypes)
		defer sub.Close()

		for {
			select {
			case msg, ok := <-sub.Events():
				if !ok {
					return
				}
				payload, err := wire.EncodeResponse(wire.Response{
					Kind: wire.ResponseExecuted,
					Events: []wire.EventOut{{
						Type:     msg.Type,
						Payload:  msg.Payload,
						StreamID: msg.StreamID,
						GlobalID: msg.GlobalID,
					}},
				})
				if err != nil {
					logger.Warn("encode subscription event failed", zap.Error(err))
					continue
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}

func healthzHandler(rt *runtime.Runtime) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := rt.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "ok entities=%d next_global_id=%d broadcast_expected=%d\n",
			stats.EntitiesCached, stats.NextGlobalID, stats.BroadcastExpected)
	}
}
