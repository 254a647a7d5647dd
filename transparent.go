package warden

import (
	"errors"
	"net"

	"github.com/inconshreveable/go-vhost"
	"go.uber.org/zap"
)

// ServeTransparent accepts TLS connections that arrive without a
// CONNECT handshake, e.g. redirected by a firewall rule. The target
// host is learned from the ClientHello SNI; from there the connection
// runs the same state machine as a tunneled flow. Non-SNI clients are
// dropped.
func (p *Proxy) ServeTransparent(ln net.Listener) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return errors.New("warden: proxy is shut down")
	}
	p.listeners = append(p.listeners, ln)
	p.mu.Unlock()

	p.log.Info("listening transparent", zap.String("addr", ln.Addr().String()))
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
		go p.handleTransparentConn(conn)
	}
}

func (p *Proxy) handleTransparentConn(conn net.Conn) {
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

	// vhost parses the ClientHello for its SNI and replays the
	// consumed bytes on the returned conn, so the TLS stack still
	// sees an untouched stream.
	tlsConn, err := vhost.TLS(conn)
	if err != nil {
		log.Warn("cannot parse ClientHello", zap.Error(err))
		return
	}
	host := tlsConn.Host()
	if host == "" {
		log.Warn("client sent no SNI, dropping")
		tlsConn.Close()
		return
	}

	h := newConnHandler(p, tlsConn, log.With(zap.String("sni", host)))
	h.runTLS(p.baseCtx, host, 443)
}
