package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quic-go/quic-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jannickheisch/tinyISP/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "tinyssb/1"
)

// QUICConfig holds the configuration for a QUICFace.
type QUICConfig struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey signs the self-issued TLS certificate
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":1559")
	Peers          []string           // Peers are dialled and redialled for the lifetime of Run
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between dial attempts
	Clock          clockwork.Clock    // Clock drives the reconnect backoff
}

// QUICFace exchanges datagrams with peers over QUIC unreliable datagrams.
// Every connection, accepted or dialled, is a neighbour that receives each
// sent datagram.
type QUICFace struct {
	tlsConfig      *tls.Config
	quicConfig     *quic.Config
	peers          []string
	reconnectDelay time.Duration
	clock          clockwork.Clock

	listener *quic.Listener

	mu     sync.RWMutex
	conns  map[*quic.Conn]ed25519.PublicKey // conns maps live connections to the remote key
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewQUICFace creates the face and starts listening.
func NewQUICFace(cfg QUICConfig) (*QUICFace, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	delay := cfg.ReconnectDelay
	if delay == 0 {
		delay = defaultReconnectDelay
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	cert, err := selfCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // packets carry their own signatures
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	listener, err := quic.ListenAddr(cfg.ListenAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &QUICFace{
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          append([]string(nil), cfg.Peers...),
		reconnectDelay: delay,
		clock:          clock,
		listener:       listener,
		conns:          make(map[*quic.Conn]ed25519.PublicKey),
	}, nil
}

// Name returns "quic".
func (f *QUICFace) Name() string {
	return "quic"
}

// Addr returns the listener's address.
func (f *QUICFace) Addr() string {
	return f.listener.Addr().String()
}

// Peers returns the hex keys of connected peers, sorted.
func (f *QUICFace) Peers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.conns))
	for _, pub := range f.conns {
		out = append(out, hex.EncodeToString(pub))
	}

	sort.Strings(out)

	return out
}

// Send sends pkt as a datagram on every live connection.
func (f *QUICFace) Send(pkt []byte) error {
	if f.closed.Load() {
		return ErrFaceClosed
	}

	f.mu.RLock()
	conns := make([]*quic.Conn, 0, len(f.conns))
	for c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.RUnlock()

	var errs error

	for _, c := range conns {
		if err := c.SendDatagram(pkt); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %s: %w", c.RemoteAddr(), err))
		}
	}

	return errs
}

// Run accepts connections and keeps dialling the configured peers until ctx
// is done or the face is closed.
func (f *QUICFace) Run(ctx context.Context, rx func(pkt []byte)) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		return nil
	}
	f.cancel = cancel
	f.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return f.acceptLoop(ctx, g, rx)
	})

	for _, addr := range f.peers {
		g.Go(func() error {
			f.dialLoop(ctx, addr, rx)
			return nil
		})
	}

	return g.Wait()
}

// Close stops Run and closes the listener and every connection.
func (f *QUICFace) Close() error {
	if f.closed.Swap(true) {
		return nil
	}

	f.mu.Lock()
	cancel := f.cancel
	conns := f.conns
	f.conns = make(map[*quic.Conn]ed25519.PublicKey)
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var errs error

	for c := range conns {
		errs = multierr.Append(errs, c.CloseWithError(0, "closed"))
	}

	return multierr.Append(errs, f.listener.Close())
}

// acceptLoop serves incoming connections.
func (f *QUICFace) acceptLoop(ctx context.Context, g *errgroup.Group, rx func([]byte)) error {
	for {
		conn, err := f.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || f.closed.Load() {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		g.Go(func() error {
			f.serve(ctx, conn, rx)
			return nil
		})
	}
}

// dialLoop keeps one connection to addr alive, backing off exponentially
// between failed attempts.
func (f *QUICFace) dialLoop(ctx context.Context, addr string, rx func([]byte)) {
	delay := f.reconnectDelay

	for {
		conn, err := quic.DialAddr(ctx, addr, f.tlsConfig, f.quicConfig)
		if err == nil {
			delay = f.reconnectDelay
			f.serve(ctx, conn, rx)
		} else {
			logger.Debug("dial failed", "addr", addr, "error", err, "retry", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-f.clock.After(delay):
		}

		if err != nil {
			delay = min(delay*2, maxReconnectDelay)
		}
	}
}

// serve hands the datagrams of conn to rx until the connection ends.
func (f *QUICFace) serve(ctx context.Context, conn *quic.Conn, rx func([]byte)) {
	pub, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		logger.Debug("peer rejected", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "no identity")
		return
	}

	f.mu.Lock()
	if f.closed.Load() {
		f.mu.Unlock()
		conn.CloseWithError(0, "closed")
		return
	}
	f.conns[conn] = pub
	f.mu.Unlock()

	logger.Info("quic peer connected", logger.Hex("peer", pub), "addr", conn.RemoteAddr().String())

	defer func() {
		f.mu.Lock()
		delete(f.conns, conn)
		f.mu.Unlock()

		conn.CloseWithError(0, "done")

		logger.Info("quic peer disconnected", logger.Hex("peer", pub))
	}()

	for {
		pkt, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		rx(pkt)
	}
}
