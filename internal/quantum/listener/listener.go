// Package listener demultiplexes one shared net.PacketConn into per-peer
// endpoint.Endpoint instances: a read loop parses enough of each inbound
// datagram to route it, dispatching by peer address and conversation id
// rather than owning one fixed destination.
package listener

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/aetherflow/quantum/internal/quantum/controller"
	"github.com/aetherflow/quantum/internal/quantum/endpoint"
	"github.com/aetherflow/quantum/internal/quantum/quantumcfg"
	"github.com/aetherflow/quantum/internal/quantum/quantumerr"
)

// maxDatagramSize bounds a single read from the shared socket. It is
// sized well above any realistic MSS plus SACK overhead.
const maxDatagramSize = 65536

// Listener owns a shared datagram socket and multiplexes every inbound
// datagram to the endpoint.Endpoint it belongs to, by peer address first
// and conversation id second (a feedback datagram carries no conv of its
// own, so address is the only way to route it).
type Listener struct {
	sock     net.PacketConn
	cfg      *quantumcfg.Config
	logger   *zap.Logger
	tracer   trace.Tracer
	isServer bool

	mu       sync.Mutex
	byAddr   map[string]*endpoint.Endpoint
	byConv   map[uint32]*endpoint.Endpoint
	nextConv uint32

	acceptCh chan *endpoint.Endpoint
	closeCh  chan struct{}
	closed   bool

	updateInterval time.Duration
}

// Listen binds address and begins accepting new peers, allocating a
// fresh non-zero conversation id for each one.
func Listen(network, address string, cfg *quantumcfg.Config, logger *zap.Logger, tracer trace.Tracer) (*Listener, error) {
	sock, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, fmt.Errorf("listener: listen %s %s: %w", network, address, err)
	}
	l := newListener(sock, cfg, logger, tracer, true)
	go l.readLoop()
	go l.driveLoop()
	return l, nil
}

// Dial opens a socket on an ephemeral local port and returns a single
// Endpoint bound to address, starting in StateWaitingConv until the
// server's first reply assigns a conversation id.
func Dial(network, address string, cfg *quantumcfg.Config, logger *zap.Logger, tracer trace.Tracer) (*endpoint.Endpoint, error) {
	sock, err := net.ListenPacket(network, ":0")
	if err != nil {
		return nil, fmt.Errorf("listener: dial %s %s: %w", network, address, err)
	}
	remote, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("listener: resolve %s %s: %w", network, address, err)
	}

	l := newListener(sock, cfg, logger, tracer, false)
	ep := endpoint.New(cfg, 0, l.write, remote, logger, tracer)
	l.mu.Lock()
	l.byAddr[remote.String()] = ep
	l.mu.Unlock()

	go l.readLoop()
	go l.driveLoop()
	return ep, nil
}

func newListener(sock net.PacketConn, cfg *quantumcfg.Config, logger *zap.Logger, tracer trace.Tracer, isServer bool) *Listener {
	if cfg == nil {
		cfg = quantumcfg.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := time.Duration(cfg.UpdateIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Listener{
		sock:           sock,
		cfg:            cfg,
		logger:         logger,
		tracer:         tracer,
		isServer:       isServer,
		byAddr:         make(map[string]*endpoint.Endpoint),
		byConv:         make(map[uint32]*endpoint.Endpoint),
		nextConv:       1,
		acceptCh:       make(chan *endpoint.Endpoint, 64),
		closeCh:        make(chan struct{}),
		updateInterval: interval,
	}
}

// write is the shared SendFunc every Endpoint's pacer uses. The socket is
// shared among all endpoints and the pacer; a datagram write is atomic.
func (l *Listener) write(buf []byte, addr net.Addr) error {
	_, err := l.sock.WriteTo(buf, addr)
	return err
}

// Accept blocks until a new peer has sent its first datagram, returning
// the Endpoint allocated for it.
func (l *Listener) Accept() (*endpoint.Endpoint, error) {
	select {
	case ep := <-l.acceptCh:
		return ep, nil
	case <-l.closeCh:
		return nil, quantumerr.ErrClosed
	}
}

// LocalAddr returns the listener's bound local address.
func (l *Listener) LocalAddr() net.Addr { return l.sock.LocalAddr() }

// Close shuts down the read/drive loops and the underlying socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.closeCh)
	return l.sock.Close()
}

func (l *Listener) lookup(addr net.Addr, conv uint32) *endpoint.Endpoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep, ok := l.byAddr[addr.String()]; ok {
		return ep
	}
	if conv != 0 {
		return l.byConv[conv]
	}
	return nil
}

func (l *Listener) allocConv() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		c := l.nextConv
		l.nextConv++
		if l.nextConv == 0 {
			l.nextConv = 1
		}
		if _, taken := l.byConv[c]; !taken && c != 0 {
			return c
		}
	}
}

func (l *Listener) register(addr net.Addr, conv uint32, ep *endpoint.Endpoint) {
	l.mu.Lock()
	l.byAddr[addr.String()] = ep
	if conv != 0 {
		l.byConv[conv] = ep
	}
	l.mu.Unlock()
}

func (l *Listener) rebindConv(ep *endpoint.Endpoint) {
	conv := ep.Conv()
	if conv == 0 {
		return
	}
	l.mu.Lock()
	l.byConv[conv] = ep
	l.mu.Unlock()
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := l.sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-l.closeCh:
				return
			default:
				l.logger.Debug("listener read error", zap.Error(err))
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.dispatch(data, addr)
	}
}

func (l *Listener) dispatch(data []byte, addr net.Addr) {
	now := time.Now()

	var conv uint32
	feedback := controller.IsFeedbackDatagram(data)
	if !feedback {
		if len(data) < 4 {
			l.logger.Debug("datagram too short for conv header", zap.Int("len", len(data)))
			return
		}
		conv = binary.LittleEndian.Uint32(data[0:4])
	}

	ep := l.lookup(addr, conv)
	if ep == nil {
		if feedback {
			// No endpoint known for this peer yet; a feedback datagram
			// can't establish one (it carries no conv), so it is dropped.
			return
		}
		if !l.isServer {
			// Client sockets never accept unsolicited peers.
			return
		}
		newConv := l.allocConv()
		ep = endpoint.New(l.cfg, newConv, l.write, addr, l.logger, l.tracer)
		l.register(addr, newConv, ep)
		l.logger.Info("accepted new peer",
			zap.String("endpoint_id", ep.ID().String()),
			zap.Uint32("conv", newConv),
			zap.String("addr", addr.String()),
		)
		select {
		case l.acceptCh <- ep:
		default:
			l.logger.Warn("accept queue full, dropping new peer", zap.String("addr", addr.String()))
		}
	}

	if err := ep.Input(data, now); err != nil {
		l.logger.Debug("endpoint input error", zap.Error(err), zap.String("addr", addr.String()))
		return
	}
	l.rebindConv(ep)
}

// driveLoop calls Update on every known endpoint at a fixed cadence. A
// single shared ticker (rather than per-endpoint deadline scheduling) is
// a conservative simplification: Update only needs to be invoked at or
// before the deadline it returns, and the configured interval is already
// the ARQ engine's own default check cadence.
func (l *Listener) driveLoop() {
	ticker := time.NewTicker(l.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closeCh:
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Listener) tick() {
	now := time.Now()
	l.mu.Lock()
	eps := make([]*endpoint.Endpoint, 0, len(l.byAddr))
	seen := make(map[*endpoint.Endpoint]bool, len(l.byAddr))
	for _, ep := range l.byAddr {
		if !seen[ep] {
			seen[ep] = true
			eps = append(eps, ep)
		}
	}
	l.mu.Unlock()

	for _, ep := range eps {
		if _, err := ep.Update(now); err != nil {
			l.logger.Debug("endpoint update error", zap.Error(err))
		}
		if ep.State() == endpoint.StateClosed {
			l.removeClosed(ep)
		}
	}
}

func (l *Listener) removeClosed(ep *endpoint.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, e := range l.byAddr {
		if e == ep {
			delete(l.byAddr, addr)
		}
	}
	if conv := ep.Conv(); conv != 0 {
		delete(l.byConv, conv)
	}
}
