// Package warden is the data plane of an interactive intercepting
// proxy. A listener accepts browser connections, terminates TLS with
// certificates minted on the fly, frames HTTP/1.x traffic, and decides
// each request against a blocklist policy or a human reviewer reached
// through the shared store.
package warden

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/warden-proxy/warden/certs"
	"github.com/warden-proxy/warden/policy"
	"github.com/warden-proxy/warden/store"
)

// staleSnapshotTTL bounds how long filter mode may run on the last
// good blocklist snapshot during a store outage before failing closed.
const staleSnapshotTTL = 30 * time.Second

// Proxy drives the listener and owns the shared collaborators every
// connection handler borrows: the CA, the store facade and the policy
// snapshot cache.
type Proxy struct {
	cfg   Config
	ca    *certs.CA
	store store.Store
	log   *zap.Logger
	mtr   *metrics

	// resolver is optional; nil means the system resolver inside the
	// dialer.
	resolver Resolver

	sess atomic.Int64
	seq  atomic.Int64

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	closed    bool

	snapMu sync.Mutex
	snap   policySnapshot
}

type policySnapshot struct {
	mode  policy.Mode
	lists policy.Blocklists
	at    time.Time
}

// New assembles a proxy from its collaborators. Registering metrics on
// reg is optional; pass nil to keep them private.
func New(cfg Config, ca *certs.CA, st store.Store, logger *zap.Logger, reg prometheus.Registerer) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		cfg:     cfg,
		ca:      ca,
		store:   st,
		log:     logger,
		mtr:     newMetrics(reg),
		conns:   make(map[net.Conn]struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if cfg.DNSServer != "" {
		p.resolver = NewDNSResolver(cfg.DNSServer)
	}
	return p
}

// nextID assigns a process-unique request id: a monotonic sequence
// number for ordering, a random suffix for opacity.
func (p *Proxy) nextID() string {
	return fmt.Sprintf("%08d-%s", p.seq.Add(1), uuid.NewString())
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (p *Proxy) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.cfg.Listen)
	if err != nil {
		return err
	}
	return p.Serve(ln)
}

// Serve accepts connections from ln, dispatching each to its own
// handler goroutine. It returns once the listener closes.
func (p *Proxy) Serve(ln net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return errors.New("warden: proxy is shut down")
	}
	p.listeners = append(p.listeners, ln)
	p.mu.Unlock()

	p.log.Info("listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.baseCtx.Done():
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// Shutdown stops accepting, then waits for in-flight handlers to
// finish their current request, up to the context deadline.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	lns := p.listeners
	p.listeners = nil
	p.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// reset connections still blocked in reads
		p.mu.Lock()
		for c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (p *Proxy) trackConn(conn net.Conn) func() {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
	}
}

func (p *Proxy) handleConn(conn net.Conn) {
	defer p.wg.Done()
	defer conn.Close()
	defer p.trackConn(conn)()

	p.mtr.connsTotal.Inc()
	p.mtr.activeConns.Inc()
	defer p.mtr.activeConns.Dec()

	sess := p.sess.Add(1)
	log := p.log.With(
		zap.Int64("session", sess),
		zap.String("client", conn.RemoteAddr().String()),
	)
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", zap.Any("panic", r))
		}
	}()

	h := newConnHandler(p, conn, log)
	h.run(p.baseCtx)
}

// policyFor returns the mode and blocklists for one decision, reading
// the store and falling back to the last good snapshot during an
// outage: filter mode may run on a snapshot younger than 30 seconds,
// everything else fails closed to a block.
func (p *Proxy) policyFor(ctx context.Context) (policy.Mode, policy.Blocklists, bool) {
	mode, err := p.store.PolicyMode(ctx)
	if err == nil {
		var lists policy.Blocklists
		lists, err = p.store.Blocklists(ctx)
		if err == nil {
			p.snapMu.Lock()
			p.snap = policySnapshot{mode: mode, lists: lists, at: time.Now()}
			p.snapMu.Unlock()
			return mode, lists, true
		}
	}

	p.mtr.storeErrors.Inc()
	p.snapMu.Lock()
	snap := p.snap
	p.snapMu.Unlock()
	if snap.mode == policy.ModeFilter && !snap.at.IsZero() && time.Since(snap.at) < staleSnapshotTTL {
		p.log.Warn("store unavailable, using cached blocklists", zap.Error(err))
		return snap.mode, snap.lists, true
	}
	p.log.Error("store unavailable, failing closed", zap.Error(err))
	return "", policy.Blocklists{}, false
}

func hostPort(hostport string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
