package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/parceldrop/parceldrop/internal/config"
	"github.com/parceldrop/parceldrop/internal/observability"
	"github.com/parceldrop/parceldrop/internal/registry"
	"github.com/parceldrop/parceldrop/internal/wsconn"
)

func main() {
	listen := flag.String("listen", "", "websocket listen address (overrides PARCELDROP_RELAY_LISTEN)")
	managementAddr := flag.String("management-addr", "", "health/metrics listen address (overrides PARCELDROP_RELAY_MANAGEMENT_ADDR)")
	dbPath := flag.String("db", "", "boltdb path (overrides PARCELDROP_DB_PATH)")
	flag.Parse()

	logger := observability.NewLogger("parceldrop-relay", "dev", os.Stdout)
	metrics := observability.NewMetrics()

	relayCfg := config.LoadRelayConfig()
	if *listen != "" {
		relayCfg.ListenAddr = *listen
	}
	if *managementAddr != "" {
		relayCfg.ManagementAddr = *managementAddr
	}

	regCfg := config.LoadRegistryConfig()
	if *dbPath != "" {
		regCfg.BoltPath = *dbPath
	}

	store, err := registry.OpenStore(regCfg.BoltPath, registry.StoreOptions{
		TTL:           regCfg.SessionTTL,
		SweepInterval: regCfg.SweepInterval,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal(err, "failed to open registry store")
	}
	defer store.Close()

	handler := registry.NewHandler(store, metrics, logger)

	var activeConns int64

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt64(&activeConns) >= int64(relayCfg.MaxConnections) {
			http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
			return
		}

		conn, err := wsconn.Upgrade(w, r)
		if err != nil {
			logger.Error(err, "websocket upgrade failed")
			return
		}
		atomic.AddInt64(&activeConns, 1)
		defer atomic.AddInt64(&activeConns, -1)

		connID := uuid.New().String()
		connStarted := time.Now()
		handler.Register(connID, conn)
		metrics.RecordConnection(true)
		logger.WithConn(connID).Info("signaling connection established")

		err = conn.ReadLoop(func(data []byte) {
			handler.HandleMessage(connID, data)
		})
		handler.Unregister(connID)
		metrics.RecordConnectionClose(time.Since(connStarted).Seconds())
		_ = conn.Close()
		if err != nil {
			logger.WithConn(connID).Debug("signaling connection closed")
		}
	})

	logger.Info("rendezvous relay starting")
	log.Printf("listening for signaling connections on %s", relayCfg.ListenAddr)

	server := &http.Server{Addr: relayCfg.ListenAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err, "signaling server failed")
		}
	}()

	go startManagementServer(relayCfg.ManagementAddr, metrics, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(ctx)
	logger.Info("relay stopped")
}

func startManagementServer(addr string, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	logger.Info("management server listening on " + addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, "management server failed")
	}
}
