// Copyright 2025 Certen Protocol
//
// fabric-node is the delta-state fabric's process entrypoint: loads
// configuration, opens the configured persistence backend, wires an
// Orchestrator, registers the HTTP API, and runs until signalled to stop.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/certen/deltafabric/pkg/actuation"
	"github.com/certen/deltafabric/pkg/config"
	"github.com/certen/deltafabric/pkg/entity"
	"github.com/certen/deltafabric/pkg/metrics"
	"github.com/certen/deltafabric/pkg/orchestrator"
	"github.com/certen/deltafabric/pkg/server"
	kvstore "github.com/certen/deltafabric/pkg/store/kv"
	pgstore "github.com/certen/deltafabric/pkg/store/postgres"
	"github.com/certen/deltafabric/pkg/sync"
)

// HealthStatus tracks the node's overall health across its moving parts,
// updated as each subsystem comes up and queried by /health.
type HealthStatus struct {
	Status    string `json:"status"` // "starting", then "ok", "degraded", "error"
	Store     string `json:"store"`  // "unknown", then "connected", "disconnected"
	Server    string `json:"server"` // "listening", "starting"
	UptimeSec int64  `json:"uptime_seconds"`

	startTime time.Time
	mu        sync.RWMutex
}

func newHealthStatus() *HealthStatus {
	return &HealthStatus{Status: "starting", Store: "unknown", Server: "starting", startTime: time.Now()}
}

func (h *HealthStatus) SetStore(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Store = status
	h.recompute()
}

func (h *HealthStatus) SetServer(status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Server = status
	h.recompute()
}

func (h *HealthStatus) recompute() {
	switch {
	case h.Store == "disconnected":
		h.Status = "error"
	case h.Server != "listening":
		h.Status = "degraded"
	default:
		h.Status = "ok"
	}
}

func (h *HealthStatus) ToJSON() []byte {
	h.mu.Lock()
	h.UptimeSec = int64(time.Since(h.startTime).Seconds())
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	data, _ := json.Marshal(h)
	return data
}

var healthStatus = newHealthStatus()

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	configPath := flag.String("config", "config.yaml", "path to the node configuration file")
	help := flag.Bool("help", false, "print usage and exit")
	flag.Parse()

	if *help {
		printHelp()
		return
	}

	log.Printf("🚀 Starting fabric-node (config=%s)", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ failed to load config: %v", err)
	}
	if cfg.Environment == "production" {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateForDevelopment()
	}
	if err != nil {
		log.Fatalf("❌ invalid config: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("❌ failed to open store (%s): %v", cfg.Store.Backend, err)
	}
	defer closeStore()
	healthStatus.SetStore("connected")
	log.Printf("🗄️  opened %s store for node %s", cfg.Store.Backend, cfg.NodeID)

	restricted := make([]actuation.ActuatorKind, 0, len(cfg.Actuation.ModeRestrictedKinds))
	for _, k := range cfg.Actuation.ModeRestrictedKinds {
		restricted = append(restricted, actuation.ActuatorKind(k))
	}

	orch := orchestrator.New(orchestrator.Config{
		NodeID: cfg.NodeID,
		Store:  store,
		Caps: sync.Capabilities{
			ProtocolVersion:  cfg.Sync.ProtocolVersion,
			MaxPacketBytes:   cfg.Sync.MaxPacketBytes,
			SupportsChunking: cfg.Sync.SupportsChunking,
			SupportsSigning:  cfg.Sync.SupportsSigning,
		},
		PolicyEngine: actuation.NewEngine(actuation.RateLimitConfig{
			Window: cfg.Actuation.RateLimitWindow.Duration(),
			Max:    cfg.Actuation.RateLimitMax,
		}, restricted),
		RestrictedKinds:     restricted,
		IntentTTLDefault:    cfg.Actuation.IntentTTLDefault.Duration(),
		ExpirySweepInterval: cfg.Actuation.ExpirySweepInterval.Duration(),
		Logger:              log.New(log.Writer(), "[Orchestrator] ", log.LstdFlags),
	})

	mux := buildMux(cfg, orch)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())
	inbound := make(chan orchestrator.InboundPacket, 64)
	go orch.Run(ctx, inbound)

	go func() {
		log.Printf("🌐 fabric-node API listening on %s", cfg.Server.ListenAddr)
		healthStatus.SetServer("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	log.Printf("✅ fabric-node ready (node_id=%s)", cfg.NodeID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("🛑 shutting down fabric-node...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Printf("👋 fabric-node stopped")
}

// openStore opens the configured persistence backend and returns its
// entity.Store alongside a close function, dispatching on cfg.Store.Backend.
func openStore(cfg *config.Config) (entity.Store, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		s, err := pgstore.Open(pgstore.Config{
			URL:         cfg.Store.Postgres.URL,
			MaxConns:    cfg.Store.Postgres.MaxConns,
			MinConns:    cfg.Store.Postgres.MinConns,
			MaxIdleTime: cfg.Store.Postgres.MaxIdleTime.Duration(),
			MaxLifetime: cfg.Store.Postgres.MaxLifetime.Duration(),
			AutoMigrate: cfg.Store.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	case "kv":
		s, err := kvstore.Open(cfg.NodeID, cfg.Store.KV.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildMux(cfg *config.Config, orch *orchestrator.Orchestrator) *http.ServeMux {
	mux := http.NewServeMux()

	entityHandlers := server.NewEntityHandlers(orch)
	mux.HandleFunc("/api/entities", entityHandlers.HandleCreateEntity)
	mux.HandleFunc("/api/entities/", entityHandlers.HandleEntityResource)

	syncHandlers := server.NewSyncHandlers(orch)
	mux.HandleFunc("/api/sync/sessions/", syncHandlers.HandleSessionResource)

	actuationHandlers := server.NewActuationHandlers(orch)
	mux.HandleFunc("/api/intents", actuationHandlers.HandleRequestIntent)
	mux.HandleFunc("/api/intents/", actuationHandlers.HandleIntentResource)

	agentHandlers := server.NewAgentHandlers(orch)
	mux.HandleFunc("/api/agent/tick", agentHandlers.HandleTick)
	mux.HandleFunc("/api/agent/sweep", agentHandlers.HandleSweep)

	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthStatus.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(healthStatus.ToJSON())
	})
	mux.HandleFunc("/health/detailed", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(healthStatus.ToJSON())
	})

	return mux
}

func printHelp() {
	fmt.Println("fabric-node - delta-state fabric node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  fabric-node -config <path>")
	fmt.Println()
	flag.PrintDefaults()
}
