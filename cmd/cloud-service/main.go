package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/oneshot2001/axis-is-cloud/internal/analysis"
	"github.com/oneshot2001/axis-is-cloud/internal/api"
	"github.com/oneshot2001/axis-is-cloud/internal/cache"
	"github.com/oneshot2001/axis-is-cloud/internal/config"
	"github.com/oneshot2001/axis-is-cloud/internal/correlator"
	"github.com/oneshot2001/axis-is-cloud/internal/data"
	"github.com/oneshot2001/axis-is-cloud/internal/mqttbus"
	"github.com/oneshot2001/axis-is-cloud/internal/scenememory"
	"github.com/oneshot2001/axis-is-cloud/internal/trigger"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	log.Printf("Starting %s", cfg.AppName)

	// Postgres first: a schema bootstrap failure is fatal.
	db, err := data.Open(cfg.DatabaseURL, cfg.DatabasePoolSize)
	if err != nil {
		log.Fatalf("DB error: %v", err)
	}
	defer db.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	if err := data.Bootstrap(bootCtx, db); err != nil {
		cancelBoot()
		log.Fatalf("Schema bootstrap error: %v", err)
	}
	cancelBoot()

	store, err := cache.NewStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Redis error: %v", err)
	}
	defer store.Close()

	memory := scenememory.New(store, cfg.SceneMemoryFrames, time.Duration(cfg.SceneMemoryTTL)*time.Second)
	events := data.EventModel{DB: db}
	analyses := data.AnalysisModel{DB: db}
	alerts := data.AlertModel{DB: db}

	agent, err := analysis.New(cfg, analysis.Deps{
		Memory:   memory,
		Analyses: analyses,
		Client:   &http.Client{},
	})
	if err != nil {
		log.Fatalf("AI agent error: %v", err)
	}

	dispatcher := analysis.NewDispatcher(agent, cfg.MaxConcurrentAnalyses)
	dispatcher.Start()

	bus, err := mqttbus.NewClient(mqttbus.ClientConfig{
		Broker:         cfg.MQTTBroker,
		Port:           cfg.MQTTPort,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		Keepalive:      time.Duration(cfg.MQTTKeepalive) * time.Second,
		ReconnectDelay: time.Duration(cfg.MQTTReconnectDelay) * time.Second,
	})
	if err != nil {
		log.Fatalf("MQTT error: %v", err)
	}

	corr := correlator.New(store, bus, time.Duration(cfg.FrameRequestCooldown)*time.Second)

	evaluator := trigger.New(trigger.Config{
		Enabled:                    cfg.FrameRequestEnabled,
		MotionThreshold:            cfg.MotionThreshold,
		VehicleConfidenceThreshold: cfg.VehicleConfidenceThreshold,
		SceneChangeEnabled:         cfg.SceneChangeEnabled,
		StateTTL:                   120 * time.Second,
	}, store)

	router := mqttbus.NewRouter(store, memory, events, alerts, evaluator, corr, dispatcher)
	if err := router.Start(bus); err != nil {
		log.Fatalf("Subscribe error: %v", err)
	}

	handler := &api.Handler{
		Settings:   cfg,
		Store:      store,
		Memory:     memory,
		Analyses:   analyses,
		Alerts:     alerts,
		Router:     router,
		Agent:      agent,
		Correlator: corr,
	}
	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.HTTPPort),
		Handler: handler.Routes(),
	}
	go func() {
		log.Printf("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("All services started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down...")

	// Ingress first so no new work arrives, then the bus, then the pool,
	// then the stores.
	router.Stop(shutdownGrace)
	bus.Close()
	dispatcher.Stop(shutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[ERROR] HTTP shutdown: %v", err)
	}

	log.Printf("Shutdown complete")
}
