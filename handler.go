package warden

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/warden-proxy/warden/httpmsg"
	"github.com/warden-proxy/warden/policy"
	"github.com/warden-proxy/warden/rewind"
	"github.com/warden-proxy/warden/store"
)

// connHandler drives one client connection end-to-end. It owns the
// client socket and, per request, a fresh upstream socket; everything
// else is borrowed from the proxy.
type connHandler struct {
	p    *Proxy
	conn net.Conn
	br   *bufio.Reader
	log  *zap.Logger

	// tunnel target, set once a CONNECT (or SNI sniff) resolved it
	tunneled bool
	scheme   string
	host     string
	port     int

	reqCount int
}

func newConnHandler(p *Proxy, conn net.Conn, log *zap.Logger) *connHandler {
	return &connHandler{
		p:    p,
		conn: conn,
		br:   bufio.NewReaderSize(conn, 32<<10),
		log:  log,
	}
}

// run distinguishes a tunneling handshake from plaintext forward-proxy
// traffic by peeking at the first request line, then serves requests
// until the connection winds down. Closing h.conn rather than the raw
// socket lets a TLS session send its close_notify.
func (h *connHandler) run(ctx context.Context) {
	defer func() { h.conn.Close() }()

	first, err := h.br.Peek(len("CONNECT "))
	if err != nil {
		return
	}
	if string(first) == "CONNECT " {
		h.runConnect(ctx)
		return
	}
	h.serveRequests(ctx)
}

// runConnect consumes the CONNECT request, answers 200, and restarts
// framing inside the tunnel. The first tunneled byte decides whether
// the client is speaking TLS (the normal browser case) or plain HTTP
// through the tunnel.
func (h *connHandler) runConnect(ctx context.Context) {
	req, err := httpmsg.ReadRequest(h.br, h.p.cfg.limits())
	if err != nil {
		respondBadRequest(h.conn)
		return
	}
	host, port := hostPort(req.Target, 443)
	if host == "" {
		respondBadRequest(h.conn)
		return
	}
	h.host, h.port = host, port
	h.tunneled = true

	if _, err := io.WriteString(h.conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	// Bytes already buffered past the CONNECT head belong to the
	// tunnel; put them back in front of the raw socket before sniffing.
	inner := net.Conn(h.conn)
	if n := h.br.Buffered(); n > 0 {
		buffered := make([]byte, n)
		io.ReadFull(h.br, buffered)
		inner = &prefixedConn{Conn: h.conn, prefix: buffered}
	}

	rc := rewind.NewConn(inner)
	firstByte := make([]byte, 1)
	if _, err := rc.Read(firstByte); err != nil {
		return
	}
	rc.Rewind()

	// 0x16 is the TLS handshake content type; anything else is a
	// client doing plain HTTP through the tunnel.
	if firstByte[0] == 0x16 {
		if !h.startTLS(ctx, rc) {
			return
		}
	} else {
		h.log.Debug("plaintext traffic inside tunnel", zap.String("host", h.host))
		h.scheme = "http"
		h.conn = rc
		h.br = bufio.NewReaderSize(rc, 32<<10)
	}
	h.serveRequests(ctx)
}

// startTLS impersonates the tunnel target on the client socket using a
// minted certificate. Handshake failures close the connection with no
// response body.
func (h *connHandler) startTLS(ctx context.Context, raw net.Conn) bool {
	cert, err := h.p.ca.CertFor(h.host)
	if err != nil {
		h.log.Error("cannot mint certificate", zap.String("host", h.host), zap.Error(err))
		return false
	}
	tlsConn := tls.Server(raw, &tls.Config{Certificates: []tls.Certificate{*cert}})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		h.log.Warn("client handshake failed",
			zap.String("host", h.host),
			zap.Error(fmt.Errorf("%w: %v", ErrTLSHandshake, err)))
		return false
	}
	h.scheme = "https"
	h.conn = tlsConn
	h.br = bufio.NewReaderSize(tlsConn, 32<<10)
	return true
}

// runTLS enters the state machine after an out-of-band tunnel setup:
// the transparent listener already knows the target host from SNI and
// hands over the socket with the ClientHello still replayable.
func (h *connHandler) runTLS(ctx context.Context, host string, port int) {
	defer func() { h.conn.Close() }()

	h.host, h.port = host, port
	h.tunneled = true
	if !h.startTLS(ctx, h.conn) {
		return
	}
	h.serveRequests(ctx)
}

// serveRequests is the keep-alive loop: requests on one connection are
// processed strictly serially, each against a fresh upstream
// connection.
func (h *connHandler) serveRequests(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// shutdown: no new requests on kept-alive connections
			return
		default:
		}

		req, err := httpmsg.ReadRequest(h.br, h.p.cfg.limits())
		if err != nil {
			h.rejectParseError(err)
			return
		}
		h.reqCount++
		if err := h.fillRequestMeta(req); err != nil {
			respondBadRequest(h.conn)
			return
		}
		req.ID = h.p.nextID()
		req.ReceivedAt = time.Now()
		req.ClientAddr = h.conn.RemoteAddr().String()

		if !h.serveOne(ctx, req) {
			return
		}
	}
}

func (h *connHandler) rejectParseError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		// clean end of a kept-alive connection
	case errors.Is(err, httpmsg.ErrPayloadTooLarge):
		respondPayloadTooLarge(h.conn)
	case errors.Is(err, httpmsg.ErrUnexpectedEOF):
		if h.reqCount == 0 {
			respondBadRequest(h.conn)
		}
	default:
		h.log.Debug("malformed request", zap.Error(err))
		respondBadRequest(h.conn)
	}
}

// fillRequestMeta resolves scheme, host, port and the origin-form
// target. Tunneled flows inherit the CONNECT target; plaintext flows
// carry it in an absolute-form URI or the Host header.
func (h *connHandler) fillRequestMeta(req *httpmsg.Request) error {
	if h.tunneled {
		req.Scheme = h.scheme
		req.Host = h.host
		req.Port = h.port
		if req.Header.Get("Host") == "" {
			req.Header.Add("Host", h.host)
		}
		return nil
	}
	if strings.HasPrefix(req.Target, "http://") || strings.HasPrefix(req.Target, "https://") {
		u, err := url.Parse(req.Target)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: bad absolute-form target %q", httpmsg.ErrMalformedRequest, req.Target)
		}
		req.Scheme = u.Scheme
		defaultPort := 80
		if u.Scheme == "https" {
			defaultPort = 443
		}
		req.Host, req.Port = hostPort(u.Host, defaultPort)
		req.Target = u.RequestURI()
		if req.Header.Get("Host") == "" {
			req.Header.Add("Host", u.Host)
		}
		return nil
	}
	hostHeader := req.Header.Get("Host")
	if hostHeader == "" {
		return fmt.Errorf("%w: no host in origin-form request", httpmsg.ErrMalformedRequest)
	}
	req.Scheme = "http"
	req.Host, req.Port = hostPort(hostHeader, 80)
	return nil
}

// serveOne takes a parsed request through policy, review and the
// upstream exchange. It reports whether the connection may serve
// another request.
func (h *connHandler) serveOne(ctx context.Context, req *httpmsg.Request) bool {
	stripProxyHeaders(req)

	mode, lists, ok := h.p.policyFor(ctx)
	if !ok {
		// fail closed on store outage
		respondBlocked(h.conn)
		return false
	}

	decision := policy.Evaluate(req, mode, lists)
	h.p.mtr.requestsTotal.WithLabelValues(decision.String()).Inc()
	h.log.Info("request",
		zap.String("id", req.ID),
		zap.String("method", req.Method),
		zap.String("host", req.Host),
		zap.String("target", req.Target),
		zap.String("decision", decision.String()))

	reviewed := false
	switch decision {
	case policy.Block:
		respondBlocked(h.conn)
		return false
	case policy.Review:
		verdict, proceed := h.review(ctx, req)
		if !proceed {
			return false
		}
		if verdict.Action == store.ActionAllowEdited {
			applyRequestEdits(req, verdict.Edited)
		}
		reviewed = true
	}

	return h.forward(ctx, req, reviewed)
}

// review publishes the request and blocks until the reviewer decides.
// A timeout is treated as a block; a client hang-up cancels the item
// in the store and tears the connection down without a response.
func (h *connHandler) review(ctx context.Context, req *httpmsg.Request) (store.Verdict, bool) {
	if err := h.p.store.PublishPending(ctx, req); err != nil {
		h.p.mtr.storeErrors.Inc()
		h.log.Error("cannot publish pending request", zap.String("id", req.ID), zap.Error(err))
		respondBlocked(h.conn)
		return store.Verdict{}, false
	}

	verdict, err := h.awaitWithClientWatch(ctx, func(wctx context.Context) (store.Verdict, error) {
		return h.p.store.AwaitVerdict(wctx, req.ID, h.p.cfg.VerdictTimeout)
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTimedOut):
		h.p.mtr.verdictsTotal.WithLabelValues("timeout").Inc()
		h.log.Info("verdict timed out, blocking", zap.String("id", req.ID))
		h.cancelItem(req.ID)
		respondBlocked(h.conn)
		return store.Verdict{}, false
	case errors.Is(err, store.ErrCancelled):
		h.p.mtr.verdictsTotal.WithLabelValues("cancelled").Inc()
		h.log.Info("review cancelled", zap.String("id", req.ID))
		h.cancelItem(req.ID)
		return store.Verdict{}, false
	default:
		h.p.mtr.storeErrors.Inc()
		h.log.Error("verdict wait failed, blocking", zap.String("id", req.ID), zap.Error(err))
		respondBlocked(h.conn)
		return store.Verdict{}, false
	}

	switch verdict.Action {
	case store.ActionBlock:
		h.p.mtr.verdictsTotal.WithLabelValues("block").Inc()
		respondBlocked(h.conn)
		return store.Verdict{}, false
	case store.ActionAllowEdited:
		h.p.mtr.verdictsTotal.WithLabelValues("edited").Inc()
	default:
		h.p.mtr.verdictsTotal.WithLabelValues("allow").Inc()
	}
	return verdict, true
}

// cancelItem marks the store record cancelled on a fresh context, so
// the UI drops it even when the handler context is already gone.
func (h *connHandler) cancelItem(id string) {
	cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.p.store.Cancel(cctx, id); err != nil {
		h.log.Warn("cannot cancel review item", zap.String("id", id), zap.Error(err))
	}
}

// awaitWithClientWatch runs wait while watching the idle client
// socket. A hang-up aborts the wait; pipelined bytes stay in the
// buffered reader untouched. The handler performs no reads of its own
// until the watcher has stopped.
func (h *connHandler) awaitWithClientWatch(ctx context.Context, wait func(context.Context) (store.Verdict, error)) (store.Verdict, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcherDone := make(chan struct{})
	go h.watchClientClose(wctx, cancel, watcherDone)

	verdict, err := wait(wctx)

	cancel()
	h.conn.SetReadDeadline(time.Now())
	<-watcherDone
	h.conn.SetReadDeadline(time.Time{})
	return verdict, err
}

func (h *connHandler) watchClientClose(ctx context.Context, abort context.CancelFunc, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}
		h.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, err := h.br.Peek(1)
		if err == nil {
			// pipelined bytes arrived; they wait until the verdict
			return
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		abort()
		return
	}
}

// forward sends the approved request upstream and relays the response.
// Responses destined for a reviewer are buffered up to the cap;
// everything else streams through in lockstep.
func (h *connHandler) forward(ctx context.Context, req *httpmsg.Request, reviewed bool) bool {
	up, err := h.p.connectUpstream(ctx, req.Scheme, req.Host, req.Port)
	if err != nil {
		h.p.mtr.upstreamErrors.Inc()
		h.log.Warn("upstream connect failed", zap.String("host", req.Host), zap.Error(err))
		respondBadGateway(h.conn)
		return false
	}
	defer up.Close()

	if isWebSocketUpgrade(req) {
		return h.tunnelWebSocket(req, up)
	}

	if err := httpmsg.WriteRequest(up.conn, req); err != nil {
		h.p.mtr.upstreamErrors.Inc()
		respondBadGateway(h.conn)
		return false
	}

	if reviewed {
		return h.relayBuffered(ctx, req, up)
	}
	return h.relayStreamed(req, up)
}

// relayBuffered reads the whole response so it can be published for
// the reviewer; a body beyond the cap becomes a synthetic 502.
func (h *connHandler) relayBuffered(ctx context.Context, req *httpmsg.Request, up *upstreamConn) bool {
	resp, err := httpmsg.ReadResponse(up.br, h.p.cfg.limits())
	if err != nil {
		h.p.mtr.upstreamErrors.Inc()
		h.log.Warn("cannot read upstream response", zap.String("id", req.ID), zap.Error(err))
		respondBadGateway(h.conn)
		return false
	}
	resp.ID = req.ID
	resp.ReceivedAt = time.Now()

	if err := h.p.store.PublishResponse(ctx, req.ID, resp); err != nil {
		h.p.mtr.storeErrors.Inc()
		h.log.Warn("cannot publish response", zap.String("id", req.ID), zap.Error(err))
	} else if h.p.cfg.ReviewResponses {
		if !h.reviewResponse(ctx, resp) {
			return false
		}
	}

	if err := httpmsg.WriteResponse(h.conn, resp); err != nil {
		return false
	}
	return req.KeepAlive() && responseKeepAlive(resp)
}

// reviewResponse holds the buffered response for the reviewer,
// symmetrically to request review. A timeout passes the response
// through unmodified.
func (h *connHandler) reviewResponse(ctx context.Context, resp *httpmsg.Response) bool {
	verdict, err := h.awaitResponseWithClientWatch(ctx, resp.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrTimedOut):
		h.log.Info("response verdict timed out, passing through", zap.String("id", resp.ID))
		return true
	case errors.Is(err, store.ErrCancelled):
		return false
	default:
		h.p.mtr.storeErrors.Inc()
		h.log.Error("response verdict wait failed", zap.String("id", resp.ID), zap.Error(err))
		return true
	}
	switch verdict.Action {
	case store.ActionBlock:
		respondBlocked(h.conn)
		return false
	case store.ActionAllowEdited:
		applyResponseEdits(resp, verdict.Edited)
	}
	return true
}

func (h *connHandler) awaitResponseWithClientWatch(ctx context.Context, id string) (store.ResponseVerdict, error) {
	var rv store.ResponseVerdict
	_, err := h.awaitWithClientWatch(ctx, func(wctx context.Context) (store.Verdict, error) {
		var werr error
		rv, werr = h.p.store.AwaitResponseVerdict(wctx, id, h.p.cfg.VerdictTimeout)
		return store.Verdict{}, werr
	})
	return rv, err
}

// relayStreamed copies the response to the client as it arrives from
// the origin; only the header block is held in memory.
func (h *connHandler) relayStreamed(req *httpmsg.Request, up *upstreamConn) bool {
	resp, err := httpmsg.ReadResponseHeader(up.br, h.p.cfg.limits())
	if err != nil {
		h.p.mtr.upstreamErrors.Inc()
		h.log.Warn("cannot read upstream response", zap.String("id", req.ID), zap.Error(err))
		respondBadGateway(h.conn)
		return false
	}
	resp.ID = req.ID
	resp.ReceivedAt = time.Now()

	body := resp.BodyReader(up.br, h.p.cfg.limits())
	if err := httpmsg.WriteResponseStream(h.conn, resp, body); err != nil {
		h.log.Debug("response relay ended early", zap.String("id", req.ID), zap.Error(err))
		return false
	}
	return req.KeepAlive() && responseKeepAlive(resp)
}

// tunnelWebSocket forwards the upgrade request and splices the two
// sockets; framing stops here and the connection is consumed.
func (h *connHandler) tunnelWebSocket(req *httpmsg.Request, up *upstreamConn) bool {
	h.log.Info("websocket upgrade, tunneling",
		zap.String("id", req.ID), zap.String("host", req.Host))
	if err := httpmsg.WriteRequest(up.conn, req); err != nil {
		respondBadGateway(h.conn)
		return false
	}
	splice(h.conn, h.br, up.conn, up.br, h.log)
	return false
}

// responseKeepAlive reports whether the client connection can carry
// another exchange after resp. An EOF-delimited body forces a close;
// so does an explicit Connection: close from the origin.
func responseKeepAlive(resp *httpmsg.Response) bool {
	if resp.Header.Contains("Connection", "close") {
		return false
	}
	if !resp.Chunked && resp.ContentLength < 0 {
		return false
	}
	if resp.Proto == "HTTP/1.0" {
		return resp.Header.Contains("Connection", "keep-alive")
	}
	return true
}

// stripProxyHeaders drops the proxy-directed fields that must not
// reach the origin.
func stripProxyHeaders(req *httpmsg.Request) {
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")
}

// applyRequestEdits overlays the reviewer's overrides onto req. Absent
// fields keep the original values; an edited header set replaces the
// whole block.
func applyRequestEdits(req *httpmsg.Request, e *store.EditedRequest) {
	if e == nil {
		return
	}
	if e.Method != "" {
		req.Method = e.Method
	}
	if e.Target != "" {
		req.Target = e.Target
	}
	if e.Headers != nil {
		h := httpmsg.NewHeader()
		for _, pair := range e.Headers {
			h.Add(pair[0], pair[1])
		}
		req.Header = h
	}
	if e.Body != nil {
		req.SetBody(e.Body)
	}
}

func applyResponseEdits(resp *httpmsg.Response, e *store.EditedResponse) {
	if e == nil {
		return
	}
	if e.Status != 0 {
		resp.StatusCode = e.Status
		resp.Reason = e.Reason
	}
	if e.Headers != nil {
		h := httpmsg.NewHeader()
		for _, pair := range e.Headers {
			h.Add(pair[0], pair[1])
		}
		resp.Header = h
	}
	if e.Body != nil {
		resp.Body = e.Body
		if !resp.Chunked {
			resp.Header.Set("Content-Length", fmt.Sprintf("%d", len(e.Body)))
			resp.ContentLength = int64(len(e.Body))
		}
	}
}

// prefixedConn serves already-consumed bytes before the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
