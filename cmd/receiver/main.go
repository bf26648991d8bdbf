package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/parceldrop/parceldrop/internal/config"
	"github.com/parceldrop/parceldrop/internal/observability"
	"github.com/parceldrop/parceldrop/internal/protocol"
	"github.com/parceldrop/parceldrop/internal/quicpipe"
	"github.com/parceldrop/parceldrop/internal/rendezvous"
	"github.com/parceldrop/parceldrop/internal/transfer"
)

// resumeState is the sidecar persisted next to an interrupted output file so
// a later run against the same -out path can tell the sender what it
// already holds instead of starting over.
type resumeState struct {
	Ranges []protocol.ChunkRange `json:"ranges"`
}

func sidecarPath(outPath string) string {
	return outPath + ".resume.json"
}

func loadResumeState(path string) []protocol.ChunkRange {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var rs resumeState
	if json.Unmarshal(data, &rs) != nil {
		return nil
	}
	return rs.Ranges
}

func persistResumeState(path string, ranges []protocol.ChunkRange) error {
	if len(ranges) == 0 {
		return nil
	}
	data, err := json.Marshal(resumeState{Ranges: ranges})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

const pairingTimeout = 5 * time.Minute

func main() {
	xferCfg := config.LoadTransferConfig()

	relayAddr := flag.String("relay", "ws://"+xferCfg.RendezvousAddr+"/ws", "rendezvous relay websocket address")
	pin := flag.String("pin", "", "join an existing session by pin; omit to create one")
	outPath := flag.String("out", "", "output file path")
	listenAddr := flag.String("listen", ":0", "local QUIC listen address")
	advertiseHost := flag.String("advertise-host", "127.0.0.1", "host advertised to the peer for the QUIC dial (NAT traversal is out of scope)")
	flag.Parse()

	logger := observability.NewLogger("parceldrop-receiver", "dev", os.Stdout)
	metrics := observability.NewMetrics()
	go serveManagement(xferCfg.ManagementAddr, metrics, logger)

	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: receiver -out <path> [-pin <code>] [-relay ws://host:port/ws]")
		os.Exit(1)
	}

	certPEM, keyPEM, err := quicpipe.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate data-pipe certificate")
	}
	tlsConf, err := quicpipe.MakeServerTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build data-pipe TLS config")
	}

	listener, err := quicpipe.Listen(*listenAddr, tlsConf)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()

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

	_, port, err := net.SplitHostPort(listener.Addr())
	if err != nil {
		logger.Fatal(err, "failed to determine listener port")
	}
	dialAddr := net.JoinHostPort(*advertiseHost, port)
	if err := client.SendOffer(map[string]any{"addr": dialAddr}); err != nil {
		logger.Fatal(err, "failed to send data-pipe offer")
	}
	logger.Info("offer sent, awaiting data-pipe connection on " + dialAddr)

	ctx, cancel := context.WithTimeout(context.Background(), pairingTimeout)
	defer cancel()
	pipe, conn, err := listener.Accept(ctx)
	if err != nil {
		logger.ConnectionFailed(dialAddr, err)
		logger.Fatal(err, "failed to accept data-pipe connection")
	}
	defer conn.CloseWithError(0, "transfer complete")
	metrics.RecordConnection(true)

	sidecar := sidecarPath(*outPath)
	resumeRanges := loadResumeState(sidecar)
	openFlag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if len(resumeRanges) > 0 {
		openFlag = os.O_RDWR | os.O_CREATE
		logger.Info("resuming previous transfer from " + sidecar)
	}
	out, err := os.OpenFile(*outPath, openFlag, 0644)
	if err != nil {
		logger.Fatal(err, "failed to open output file")
	}
	defer out.Close()

	started := time.Now()
	metrics.RecordTransferStart()
	txLogger := logger.WithTransfer(*outPath)

	var bytesTransferred int64
	var startLogOnce sync.Once
	receiver := transfer.NewReceiver(pipe, transfer.ReceiverOptions{
		Sink:         out,
		Metrics:      metrics,
		ResumeRanges: resumeRanges,
		OnProgress: func(p transfer.Progress) {
			bytesTransferred = p.BytesTransferred
			startLogOnce.Do(func() {
				totalChunks := 0
				if p.TotalBytes > 0 {
					totalChunks = int((p.TotalBytes + int64(protocol.ChunkSize) - 1) / int64(protocol.ChunkSize))
				}
				txLogger.TransferStarted(*outPath, *outPath, p.TotalBytes, totalChunks)
			})
			txLogger.TransferProgress(*outPath, p.BytesTransferred, p.TotalBytes, p.SpeedBytesPerSec)
		},
	})

	if err := receiver.Run(); err != nil {
		metrics.RecordTransferComplete(false, time.Since(started).Seconds())
		txLogger.TransferFailed(*outPath, err)
		if perr := persistResumeState(sidecar, receiver.ReceivedRanges()); perr != nil {
			logger.Debug("failed to persist resume state: " + perr.Error())
		}
		os.Exit(1)
	}

	_ = os.Remove(sidecar)
	metrics.RecordTransferComplete(true, time.Since(started).Seconds())
	txLogger.TransferCompleted(*outPath, bytesTransferred, time.Since(started), receiver.State() == transfer.ReceiverComplete)
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
