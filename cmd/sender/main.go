package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"github.com/parceldrop/parceldrop/internal/config"
	"github.com/parceldrop/parceldrop/internal/observability"
	"github.com/parceldrop/parceldrop/internal/quicpipe"
	"github.com/parceldrop/parceldrop/internal/rendezvous"
	"github.com/parceldrop/parceldrop/internal/transfer"
	"github.com/parceldrop/parceldrop/internal/window"
)

const pairingTimeout = 5 * time.Minute

func main() {
	xferCfg := config.LoadTransferConfig()

	relayAddr := flag.String("relay", "ws://"+xferCfg.RendezvousAddr+"/ws", "rendezvous relay websocket address")
	filePath := flag.String("file", "", "file to send")
	pin := flag.String("pin", "", "join an existing session by pin; omit to create one")
	flag.Parse()

	logger := observability.NewLogger("parceldrop-sender", "dev", os.Stdout)
	metrics := observability.NewMetrics()
	go serveManagement(xferCfg.ManagementAddr, metrics, logger)

	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: sender -file <path> [-pin <code>] [-relay ws://host:port/ws]")
		os.Exit(1)
	}

	file, err := os.Open(*filePath)
	if err != nil {
		logger.Fatal(err, "failed to open file")
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		logger.Fatal(err, "failed to stat file")
	}

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		logger.Fatal(err, "failed to checksum file")
	}
	checksum := base64.StdEncoding.EncodeToString(hasher.Sum(nil))

	txLogger := logger.WithTransfer(info.Name())

	client, err := rendezvous.Dial(*relayAddr)
	if err != nil {
		logger.Fatal(err, "failed to reach rendezvous relay")
	}
	defer client.Close()

	if *pin == "" {
		sessionPin, err := client.Register()
		if err != nil {
			logger.Fatal(err, "failed to register session")
		}
		fmt.Printf("pin: %s\n", sessionPin)
		logger.WithPin(sessionPin).Info("waiting for peer to join")
		if err := client.AwaitPeer(pairingTimeout); err != nil {
			logger.Fatal(err, "peer did not join")
		}
	} else {
		if err := client.Join(*pin); err != nil {
			logger.Fatal(err, "failed to join session")
		}
	}

	logger.Info("paired, awaiting peer data-pipe offer")
	offer, err := client.AwaitOffer(pairingTimeout)
	if err != nil {
		logger.Fatal(err, "failed to receive data-pipe offer")
	}
	addr, _ := offer["addr"].(string)
	if addr == "" {
		logger.Fatal(fmt.Errorf("offer missing addr"), "malformed offer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pipe, conn, err := quicpipe.Dial(ctx, addr, quicpipe.MakeClientTLSConfig())
	if err != nil {
		logger.ConnectionFailed(addr, err)
		logger.Fatal(err, "failed to dial peer")
	}
	defer conn.CloseWithError(0, "transfer complete")
	metrics.RecordConnection(true)

	started := time.Now()
	metrics.RecordTransferStart()

	totalChunks := 0
	if info.Size() > 0 {
		totalChunks = int((info.Size() + xferCfg.ChunkSize - 1) / xferCfg.ChunkSize)
	}
	txLogger.TransferStarted(info.Name(), info.Name(), info.Size(), totalChunks)

	win := window.New(int64(xferCfg.MaxChunksInFlight)*xferCfg.ChunkSize, xferCfg.ChunkSize)
	sender := transfer.NewSender(pipe, file, info.Size(), transfer.SenderOptions{
		FileName:     info.Name(),
		ChunkSize:    xferCfg.ChunkSize,
		LowWatermark: xferCfg.LowWatermarkBytes,
		Window:       win,
		Metrics:      metrics,
		Logger:       txLogger,
		Checksum:     checksum,
		OnProgress: func(p transfer.Progress) {
			txLogger.TransferProgress(info.Name(), p.BytesTransferred, p.TotalBytes, p.SpeedBytesPerSec)
		},
	})

	if err := sender.Run(); err != nil {
		metrics.RecordTransferComplete(false, time.Since(started).Seconds())
		txLogger.TransferFailed(info.Name(), err)
		os.Exit(1)
	}

	metrics.RecordTransferComplete(true, time.Since(started).Seconds())
	txLogger.TransferCompleted(info.Name(), info.Size(), time.Since(started), true)
	fmt.Println("transfer complete")
}

// serveManagement exposes /metrics and /health for this process; a failed
// bind is non-fatal since it's a side channel, not the transfer itself.
func serveManagement(addr string, metrics *observability.Metrics, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Debug("management server not started: " + err.Error())
	}
}
