package warden

import (
	"io"
	"strconv"

	"github.com/warden-proxy/warden/httpmsg"
)

// newResponse builds a canned response with the given status and a
// short text body.
func newResponse(status int, reason, body string) *httpmsg.Response {
	h := httpmsg.NewHeader()
	h.Add("Content-Type", "text/plain; charset=utf-8")
	h.Add("Content-Length", strconv.Itoa(len(body)))
	h.Add("Connection", "close")
	return &httpmsg.Response{
		Proto:         "HTTP/1.1",
		StatusCode:    status,
		Reason:        reason,
		Header:        h,
		Body:          []byte(body),
		ContentLength: int64(len(body)),
	}
}

func respondBlocked(w io.Writer) error {
	return httpmsg.WriteResponse(w, newResponse(403, "Forbidden", "Blocked by proxy\n"))
}

func respondBadRequest(w io.Writer) error {
	return httpmsg.WriteResponse(w, newResponse(400, "Bad Request", "Malformed request\n"))
}

func respondPayloadTooLarge(w io.Writer) error {
	return httpmsg.WriteResponse(w, newResponse(413, "Payload Too Large", "Request body too large\n"))
}

func respondBadGateway(w io.Writer) error {
	return httpmsg.WriteResponse(w, newResponse(502, "Bad Gateway", "Upstream unreachable\n"))
}

func respondInternalError(w io.Writer) error {
	return httpmsg.WriteResponse(w, newResponse(500, "Internal Server Error", "Proxy failure\n"))
}
