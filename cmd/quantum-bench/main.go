// Command quantum-bench drives a real client against a real server over
// the quantum stack on a loopback socket and reports the controller's
// final snapshot alongside achieved throughput. An optional CSV path
// appends one controller-state row per client Send for offline analysis.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aetherflow/quantum/internal/quantum/listener"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
	"github.com/aetherflow/quantum/internal/quantum/quantumcfg"
)

func main() {
	size := flag.Int("size", 64*1024*1024, "total bytes to transfer")
	payload := flag.Int("payload", 16*1024, "application write size in bytes")
	addr := flag.String("addr", "127.0.0.1:9191", "loopback address for the bench server")
	csvPath := flag.String("csv", "", "optional path to append a controller CSV row per send")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := quantumcfg.DefaultConfig()

	l, err := listener.Listen("udp", *addr, cfg, logger, nil)
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	defer l.Close()

	go func() {
		ep, err := l.Accept()
		if err != nil {
			return
		}
		buf := make([]byte, 64*1024)
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := ep.Recv(ctx, buf)
			cancel()
			if err != nil {
				return
			}
		}
	}()

	client, err := listener.Dial("udp", l.LocalAddr().String(), cfg, logger, nil)
	if err != nil {
		logger.Fatal("dial failed", zap.Error(err))
	}
	defer client.Close()

	chunk := make([]byte, *payload)
	var sent int
	start := time.Now()

	for sent < *size {
		n := *payload
		if sent+n > *size {
			n = *size - sent
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Send(ctx, chunk[:n])
		cancel()
		if err != nil {
			logger.Fatal("send failed", zap.Error(err))
		}
		sent += n

		if *csvPath != "" {
			_ = metrics.AppendCSV(*csvPath, time.Now(), client.Snapshot())
		}
	}

	elapsed := time.Since(start)
	mbps := float64(sent) / elapsed.Seconds() / 1024 / 1024
	snap := client.Snapshot()

	fmt.Printf("sent %d bytes in %s (%.2f MB/s)\n", sent, elapsed, mbps)
	fmt.Printf("final controller state: srtt=%s ref_wnd=%.0f target_bitrate=%.0fbps\n",
		snap.SRTT, snap.RefWnd, snap.TargetBitrateBps)
}
