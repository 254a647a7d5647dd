package warden

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-proxy/warden/httpmsg"
	"github.com/warden-proxy/warden/store"
)

func newRequest(method, target string, headers ...[2]string) *httpmsg.Request {
	h := httpmsg.NewHeader()
	for _, pair := range headers {
		h.Add(pair[0], pair[1])
	}
	return &httpmsg.Request{Method: method, Target: target, Proto: "HTTP/1.1", Header: h}
}

func TestFillRequestMeta(t *testing.T) {
	cases := map[string]struct {
		tunneled   bool
		scheme     string
		host       string
		port       int
		req        *httpmsg.Request
		wantScheme string
		wantHost   string
		wantPort   int
		wantTarget string
		wantErr    bool
	}{
		"absolute form": {
			req:        newRequest("GET", "http://example.test:8081/a?b=c"),
			wantScheme: "http", wantHost: "example.test", wantPort: 8081, wantTarget: "/a?b=c",
		},
		"absolute form default port": {
			req:        newRequest("GET", "http://example.test/"),
			wantScheme: "http", wantHost: "example.test", wantPort: 80, wantTarget: "/",
		},
		"origin form with host header": {
			req:        newRequest("GET", "/x", [2]string{"Host", "example.test"}),
			wantScheme: "http", wantHost: "example.test", wantPort: 80, wantTarget: "/x",
		},
		"origin form without host": {
			req:     newRequest("GET", "/x"),
			wantErr: true,
		},
		"tunneled inherits connect target": {
			tunneled: true, scheme: "https", host: "secure.test", port: 443,
			req:        newRequest("GET", "/y", [2]string{"Host", "secure.test"}),
			wantScheme: "https", wantHost: "secure.test", wantPort: 443, wantTarget: "/y",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := &connHandler{tunneled: tc.tunneled, scheme: tc.scheme, host: tc.host, port: tc.port}
			err := h.fillRequestMeta(tc.req)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantScheme, tc.req.Scheme)
			assert.Equal(t, tc.wantHost, tc.req.Host)
			assert.Equal(t, tc.wantPort, tc.req.Port)
			assert.Equal(t, tc.wantTarget, tc.req.Target)
		})
	}
}

func TestApplyRequestEdits(t *testing.T) {
	req := newRequest("POST", "/login", [2]string{"Host", "example.test"}, [2]string{"Content-Length", "3"})
	req.Body = []byte("abc")

	applyRequestEdits(req, &store.EditedRequest{Body: []byte("defgh")})
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "defgh", string(req.Body))
	assert.Equal(t, "5", req.Header.Get("Content-Length"))

	applyRequestEdits(req, &store.EditedRequest{
		Method:  "PUT",
		Target:  "/other",
		Headers: [][2]string{{"Host", "example.test"}, {"X-Edited", "1"}},
	})
	assert.Equal(t, "PUT", req.Method)
	assert.Equal(t, "/other", req.Target)
	assert.Equal(t, "1", req.Header.Get("X-Edited"))
	// body survives a header-only edit
	assert.Equal(t, "defgh", string(req.Body))

	// nil edits are a no-op
	applyRequestEdits(req, nil)
	assert.Equal(t, "PUT", req.Method)
}

func TestResponseKeepAlive(t *testing.T) {
	mk := func(proto string, headers ...[2]string) *httpmsg.Response {
		h := httpmsg.NewHeader()
		for _, pair := range headers {
			h.Add(pair[0], pair[1])
		}
		return &httpmsg.Response{Proto: proto, StatusCode: 200, Header: h, ContentLength: 2}
	}

	assert.True(t, responseKeepAlive(mk("HTTP/1.1", [2]string{"Content-Length", "2"})))
	assert.False(t, responseKeepAlive(mk("HTTP/1.1", [2]string{"Connection", "close"})))
	assert.False(t, responseKeepAlive(mk("HTTP/1.0", [2]string{"Content-Length", "2"})))
	assert.True(t, responseKeepAlive(mk("HTTP/1.0", [2]string{"Connection", "keep-alive"})))

	eof := mk("HTTP/1.1")
	eof.ContentLength = -1
	assert.False(t, responseKeepAlive(eof), "EOF-delimited body forces a close")

	chunked := mk("HTTP/1.1", [2]string{"Transfer-Encoding", "chunked"})
	chunked.ContentLength = -1
	chunked.Chunked = true
	assert.True(t, responseKeepAlive(chunked))
}

func TestIsWebSocketUpgrade(t *testing.T) {
	ws := newRequest("GET", "/chat",
		[2]string{"Host", "example.test"},
		[2]string{"Connection", "Upgrade"},
		[2]string{"Upgrade", "websocket"})
	assert.True(t, isWebSocketUpgrade(ws))

	plain := newRequest("GET", "/", [2]string{"Host", "example.test"})
	assert.False(t, isWebSocketUpgrade(plain))
}

func TestStripProxyHeaders(t *testing.T) {
	req := newRequest("GET", "/",
		[2]string{"Host", "example.test"},
		[2]string{"Proxy-Connection", "keep-alive"},
		[2]string{"Proxy-Authorization", "Basic xyz"})
	stripProxyHeaders(req)
	assert.Empty(t, req.Header.Get("Proxy-Connection"))
	assert.Empty(t, req.Header.Get("Proxy-Authorization"))
	assert.Equal(t, "example.test", req.Header.Get("Host"))
}
