// Package app constructs and wires every service for one server process.
// Nothing here is a singleton: each component is built explicitly and
// injected, so tests can assemble the same graph from stubs.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	nethttp "net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	server "cardroom/server"
	"cardroom/server/internal/backend"
	"cardroom/server/internal/delivery"
	"cardroom/server/internal/dispatch"
	"cardroom/server/internal/load"
	servernet "cardroom/server/internal/net"
	"cardroom/server/internal/net/proto"
	"cardroom/server/internal/observability"
	"cardroom/server/internal/net/ws"
	"cardroom/server/internal/registry"
	"cardroom/server/internal/telemetry"
	"cardroom/server/internal/tournament"
	"cardroom/server/logging"
	loggingsinks "cardroom/server/logging/sinks"
)

type Config struct {
	Addr   string
	Tables int
	Logger telemetry.Logger

	Logging       logging.Config
	Observability observability.Config
	Registry      registry.Config
	Delivery      delivery.Config
	Load          load.Config
	Gateway       backend.GatewayConfig
	Dispatch      dispatch.Config
	WS            ws.HandlerConfig
}

func DefaultAppConfig() Config {
	return Config{
		Addr:     ":8080",
		Tables:   4,
		Logging:  logging.DefaultConfig(),
		Registry: registry.DefaultConfig(),
		Delivery: delivery.DefaultConfig(),
		Load:     load.DefaultConfig(),
		Gateway:  backend.DefaultGatewayConfig(),
		Dispatch: dispatch.DefaultConfig(),
		WS:       ws.DefaultHandlerConfig(),
	}
}

// Run assembles the process and serves until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.WrapLogger(log.Default())
	}
	applyEnvOverrides(&cfg, logger)

	clock := logging.SystemClock{}

	namedSinks, err := buildSinks(cfg.Logging)
	if err != nil {
		return fmt.Errorf("construct log sinks: %w", err)
	}
	router, err := logging.NewRouter(clock, cfg.Logging, namedSinks)
	if err != nil {
		return fmt.Errorf("construct logging router: %w", err)
	}
	defer func() {
		if cerr := router.Close(context.Background()); cerr != nil {
			logger.Printf("close logging router: %v", cerr)
		}
	}()

	collector := load.NewCollector(prometheus.DefaultRegisterer)
	control := load.NewController(cfg.Load, logger, router, collector)

	// Development backend: in-memory store plus a local rules engine. A
	// production deployment swaps these for remote clients behind the
	// same gateway.
	store := backend.NewMemoryStore()
	rules := backend.NewLocalRules(store, time.Now().UnixNano())
	tableIDs := make([]string, 0, cfg.Tables)
	for i := 1; i <= cfg.Tables; i++ {
		id := fmt.Sprintf("table-%d", i)
		store.CreateTable(id, server.MaxSeats, 50, 100, 0)
		tableIDs = append(tableIDs, id)
	}
	gateway := backend.NewGateway(cfg.Gateway, store, rules, clock, logger, router, collector)

	tableExists := func(id string) bool {
		_, err := store.LoadTable(context.Background(), id)
		return err == nil
	}
	reg := registry.New(cfg.Registry, clock, control, tableExists, logger, router, collector)

	var queue *delivery.Queue
	queue = delivery.New(cfg.Delivery,
		func(connID string) (delivery.Writer, bool) {
			conn, ok := reg.Lookup(connID)
			if !ok {
				return nil, false
			}
			return conn, true
		},
		func(connID string, err error) {
			logger.Printf("delivery to %s failed, dropping connection: %v", connID, err)
			reg.Remove(connID)
			queue.Drop(connID)
		},
		logger, router, collector)

	var dispatcher *dispatch.Dispatcher
	events := tournament.NewManager(gateway, clock, logger, router,
		func(tournamentID string, class delivery.Class, msg any) {
			if dispatcher != nil {
				dispatcher.BroadcastTournament(tournamentID, class, msg)
			}
		})
	dispatcher = dispatch.New(cfg.Dispatch, reg, queue, gateway, control, events, clock, logger, router)
	dispatcher.Start(ctx)
	defer dispatcher.Close()
	for _, id := range tableIDs {
		dispatcher.HostTable(id)
	}

	if err := events.Load(ctx); err != nil {
		logger.Printf("tournament load: %v", err)
	}

	// Load policy: status broadcast on every transition, spectator
	// eviction at HIGH and above.
	control.AddListener(func(from, to load.Level) {
		status := proto.ServerStatusMessage{
			Type:      proto.TypeServerStatus,
			LoadLevel: to.String(),
			Features:  control.Features(),
			Timestamp: clock.Now().UnixMilli(),
		}
		broadcastJSON(queue, reg.ConnectionIDs(), status, delivery.ClassHigh, logger)
		if to >= load.LevelHigh {
			for _, id := range reg.EvictSpectators() {
				queue.Drop(id)
			}
		}
	})

	stop := make(chan struct{})
	defer close(stop)

	sampler := load.NewSampler(server.SampleInterval(), sampleSource{reg: reg, dispatcher: dispatcher}, control)
	go sampler.Run(stop)
	go reg.RunSweeper(stop, func(connID string) {
		queue.Drop(connID)
	})
	go events.Run(stop, server.ClockTickInterval())
	go runProbes(stop, clock, reg, queue, logger)

	wsHandler := ws.NewHandler(cfg.WS, reg, queue, dispatcher, clock, logger)
	mux := servernet.NewRouter(wsHandler.Handle, func() any {
		return diagnostics{
			LoadLevel:   control.Level().String(),
			Features:    control.Features(),
			Connections: reg.Stats(),
			Delivery:    queue.Stats(),
			StoreState:  gateway.StoreState().String(),
			RulesState:  gateway.RulesState().String(),
			Logging:     router.Stats(),
			Tournaments: len(events.List()),
			Tables:      dispatcher.SessionCount(),
		}
	}, cfg.Observability)

	srv := &nethttp.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("shutdown: %v", err)
		}
	}()

	logger.Printf("server listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

type diagnostics struct {
	LoadLevel   string              `json:"loadLevel"`
	Features    load.FeatureFlags   `json:"features"`
	Connections registry.Stats      `json:"connections"`
	Delivery    delivery.Stats      `json:"delivery"`
	StoreState  string              `json:"storeBreaker"`
	RulesState  string              `json:"rulesBreaker"`
	Logging     logging.RouterStats `json:"logging"`
	Tournaments int                 `json:"tournaments"`
	Tables      int                 `json:"tables"`
}

type sampleSource struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
}

func (s sampleSource) ConnectionCount() int { return s.reg.ConnectionCount() }
func (s sampleSource) SessionCount() int    { return s.dispatcher.SessionCount() }

// runProbes broadcasts liveness probes; clients answer with heartbeat
// messages that refresh their activity stamp.
func runProbes(stop <-chan struct{}, clock logging.Clock, reg *registry.Registry, queue *delivery.Queue, logger telemetry.Logger) {
	ticker := time.NewTicker(server.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			probe := proto.HeartbeatMessage{
				Type:       proto.TypeHeartbeatAck,
				ServerTime: clock.Now().UnixMilli(),
			}
			broadcastJSON(queue, reg.ConnectionIDs(), probe, delivery.ClassLow, logger)
		}
	}
}

func broadcastJSON(queue *delivery.Queue, connIDs []string, msg any, class delivery.Class, logger telemetry.Logger) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Printf("marshal broadcast %T: %v", msg, err)
		return
	}
	queue.Broadcast(connIDs, payload, class)
}

func buildSinks(cfg logging.Config) ([]logging.NamedSink, error) {
	var named []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		switch name {
		case "console":
			named = append(named, logging.NamedSink{
				Name: "console",
				Sink: loggingsinks.NewConsoleSink(os.Stdout, cfg.Console),
			})
		case "json":
			path := cfg.JSON.FilePath
			if path == "" {
				path = "events.ndjson"
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json sink %s: %w", path, err)
			}
			named = append(named, logging.NamedSink{
				Name: "json",
				Sink: loggingsinks.NewJSON(file, cfg.JSON.FlushInterval),
			})
		case "memory":
			named = append(named, logging.NamedSink{
				Name: "memory",
				Sink: loggingsinks.NewMemorySink(),
			})
		default:
			return nil, fmt.Errorf("unknown log sink %q", name)
		}
	}
	return named, nil
}

func applyEnvOverrides(cfg *Config, logger telemetry.Logger) {
	if raw := os.Getenv("CARDROOM_ADDR"); raw != "" {
		cfg.Addr = raw
	}
	if raw := os.Getenv("CARDROOM_TABLES"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Tables = value
		} else {
			logger.Printf("invalid CARDROOM_TABLES=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("CARDROOM_MAX_CONNECTIONS"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Registry.MaxConnections = value
		} else {
			logger.Printf("invalid CARDROOM_MAX_CONNECTIONS=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("CARDROOM_LOG_SINKS"); raw != "" {
		cfg.Logging.EnabledSinks = strings.Split(raw, ",")
	}
	if raw := os.Getenv("CARDROOM_ENABLE_PPROF"); raw != "" {
		if value, err := strconv.ParseBool(raw); err == nil {
			cfg.Observability.EnablePprof = value
		} else {
			logger.Printf("invalid CARDROOM_ENABLE_PPROF=%q: %v", raw, err)
		}
	}
	if raw := os.Getenv("CARDROOM_BREAKER_FAILURES"); raw != "" {
		if value, err := strconv.Atoi(raw); err == nil && value > 0 {
			cfg.Gateway.StoreBreaker.FailureThreshold = value
			cfg.Gateway.RulesBreaker.FailureThreshold = value
		} else {
			logger.Printf("invalid CARDROOM_BREAKER_FAILURES=%q: %v", raw, err)
		}
	}
}
