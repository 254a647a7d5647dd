package warden

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/warden-proxy/warden/httpmsg"
)

// isWebSocketUpgrade reports whether req asks for a websocket upgrade.
// Upgrades are tunneled transparently; the proxy never interprets the
// websocket framing itself.
func isWebSocketUpgrade(req *httpmsg.Request) bool {
	hr := &http.Request{Header: make(http.Header, req.Header.Len())}
	for _, f := range req.Header.Fields() {
		if f.Trailer {
			continue
		}
		hr.Header.Add(f.Name, f.Value)
	}
	return websocket.IsWebSocketUpgrade(hr)
}
