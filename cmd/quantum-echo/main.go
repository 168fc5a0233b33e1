// Command quantum-echo demonstrates the full endpoint/listener stack
// with a trivial echo. Echo happens at the application layer only, via
// ordinary Recv followed by Send; the Endpoint itself has no echo
// shortcut.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aetherflow/quantum/internal/quantum/endpoint"
	"github.com/aetherflow/quantum/internal/quantum/listener"
	"github.com/aetherflow/quantum/internal/quantum/metrics"
	"github.com/aetherflow/quantum/internal/quantum/quantumcfg"
	"github.com/aetherflow/quantum/internal/quantum/tracing"
)

func main() {
	mode := flag.String("mode", "server", "server or client")
	addr := flag.String("addr", ":9090", "listen address (server) or dial address (client)")
	message := flag.String("message", "HELLO WORLD", "message to send in client mode")
	metricsAddr := flag.String("metrics-addr", "", "optional address to serve Prometheus metrics on (server mode)")
	trace := flag.Bool("trace", false, "enable OpenTelemetry tracing (stdout exporter)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	tracer, err := tracing.New(&tracing.Config{Enable: *trace, ServiceName: "quantum-echo", SampleRate: 1.0}, logger)
	if err != nil {
		logger.Fatal("build tracer", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	cfg := quantumcfg.DefaultConfig()

	switch *mode {
	case "server":
		runServer(*addr, *metricsAddr, cfg, logger, tracer)
	case "client":
		runClient(*addr, *message, cfg, logger, tracer)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

func runServer(addr, metricsAddr string, cfg *quantumcfg.Config, logger *zap.Logger, tracer *tracing.Tracer) {
	l, err := listener.Listen("udp", addr, cfg, logger, tracer.Tracer())
	if err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
	defer l.Close()

	var m *metrics.Metrics
	if metricsAddr != "" {
		m = metrics.New("quantumecho")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
		logger.Info("serving Prometheus metrics", zap.String("addr", metricsAddr))
	}

	logger.Info("quantum-echo server listening", zap.String("addr", l.LocalAddr().String()))

	for {
		ep, err := l.Accept()
		if err != nil {
			logger.Info("listener closed", zap.Error(err))
			return
		}
		if m != nil {
			go observeEndpoint(ep, m)
		}
		go serveEcho(ep, logger)
	}
}

// observeEndpoint mirrors the controller's snapshot into the Prometheus
// collectors once a second for as long as the endpoint lives.
func observeEndpoint(ep *endpoint.Endpoint, m *metrics.Metrics) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if ep.State() == endpoint.StateClosed {
			return
		}
		snap := ep.Snapshot()
		lossEvents := 0
		if snap.LossThisRTT {
			lossEvents = 1
		}
		m.Observe(fmt.Sprintf("%d", ep.Conv()), snap, lossEvents)
	}
}

func serveEcho(ep *endpoint.Endpoint, logger *zap.Logger) {
	buf := make([]byte, 64*1024)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		n, err := ep.Recv(ctx, buf)
		cancel()
		if err != nil {
			logger.Info("peer closed", zap.Uint32("conv", ep.Conv()), zap.Error(err))
			return
		}

		sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = ep.Send(sendCtx, buf[:n])
		cancel()
		if err != nil {
			logger.Warn("echo send failed", zap.Error(err))
			return
		}
	}
}

func runClient(addr, message string, cfg *quantumcfg.Config, logger *zap.Logger, tracer *tracing.Tracer) {
	ep, err := listener.Dial("udp", addr, cfg, logger, tracer.Tracer())
	if err != nil {
		logger.Fatal("dial failed", zap.Error(err))
	}
	defer ep.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := ep.Send(ctx, []byte(message)); err != nil {
		logger.Fatal("send failed", zap.Error(err))
	}

	buf := make([]byte, 64*1024)
	n, err := ep.Recv(ctx, buf)
	if err != nil {
		logger.Fatal("recv failed", zap.Error(err))
	}

	logger.Info("echo roundtrip complete", zap.ByteString("reply", buf[:n]))
}
