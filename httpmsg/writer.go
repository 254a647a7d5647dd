package httpmsg

import (
	"fmt"
	"io"
	"strconv"

	"github.com/valyala/bytebufferpool"
)

// header blocks are assembled in a pooled buffer so each message goes
// to the socket in one write.
var bufPool bytebufferpool.Pool

func writeFields(buf *bytebufferpool.ByteBuffer, h *Header, trailer bool) {
	for _, f := range h.Fields() {
		if f.Trailer != trailer {
			continue
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
}

func hasTrailers(h *Header) bool {
	for _, f := range h.Fields() {
		if f.Trailer {
			return true
		}
	}
	return false
}

func writeChunkedBody(buf *bytebufferpool.ByteBuffer, h *Header, body []byte) {
	if len(body) > 0 {
		buf.WriteString(strconv.FormatInt(int64(len(body)), 16))
		buf.WriteString("\r\n")
		buf.Write(body)
		buf.WriteString("\r\n")
	}
	buf.WriteString("0\r\n")
	writeFields(buf, h, true)
	buf.WriteString("\r\n")
}

// WriteRequest serializes req to w. Fields go out in insertion order,
// exactly as stored; a chunked body is re-chunked as a single chunk
// followed by any trailers.
func WriteRequest(w io.Writer, req *Request) error {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	buf.WriteString(req.Method)
	buf.WriteString(" ")
	buf.WriteString(req.Target)
	buf.WriteString(" ")
	buf.WriteString(req.Proto)
	buf.WriteString("\r\n")
	writeFields(buf, req.Header, false)
	buf.WriteString("\r\n")
	if req.Chunked {
		writeChunkedBody(buf, req.Header, req.Body)
	} else {
		buf.Write(req.Body)
	}
	_, err := w.Write(buf.B)
	return err
}

// WriteResponse serializes a fully buffered response.
func WriteResponse(w io.Writer, resp *Response) error {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	writeStatusLine(buf, resp)
	writeFields(buf, resp.Header, false)
	buf.WriteString("\r\n")
	if resp.Chunked {
		writeChunkedBody(buf, resp.Header, resp.Body)
	} else {
		buf.Write(resp.Body)
	}
	_, err := w.Write(buf.B)
	return err
}

func writeStatusLine(buf *bytebufferpool.ByteBuffer, resp *Response) {
	buf.WriteString(resp.Proto)
	buf.WriteString(" ")
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	if resp.Reason != "" {
		buf.WriteString(" ")
		buf.WriteString(resp.Reason)
	}
	buf.WriteString("\r\n")
}

// WriteResponseStream serializes the status line and header block of
// resp, then relays body from the origin as it arrives: re-chunked
// when the origin framed it chunked, copied verbatim otherwise. Slow
// readers on either side throttle the copy naturally.
func WriteResponseStream(w io.Writer, resp *Response, body io.Reader) error {
	buf := bufPool.Get()
	writeStatusLine(buf, resp)
	writeFields(buf, resp.Header, false)
	buf.WriteString("\r\n")
	_, err := w.Write(buf.B)
	bufPool.Put(buf)
	if err != nil {
		return err
	}

	if !resp.Chunked {
		_, err := io.Copy(w, body)
		return err
	}

	chunk := make([]byte, 16<<10)
	for {
		n, rerr := body.Read(chunk)
		if n > 0 {
			if _, werr := fmt.Fprintf(w, "%x\r\n", n); werr != nil {
				return werr
			}
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return werr
			}
			if _, werr := io.WriteString(w, "\r\n"); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	if _, err := io.WriteString(w, "0\r\n"); err != nil {
		return err
	}
	tr := bufPool.Get()
	defer bufPool.Put(tr)
	writeFields(tr, resp.Header, true)
	tr.WriteString("\r\n")
	_, err = w.Write(tr.B)
	return err
}
