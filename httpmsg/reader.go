package httpmsg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// lineReader reads CRLF-terminated lines while enforcing the per-line
// cap and the running header-section cap.
type lineReader struct {
	br        *bufio.Reader
	lineMax   int
	remaining int
}

func newLineReader(br *bufio.Reader, l Limits) *lineReader {
	return &lineReader{br: br, lineMax: l.lineMax(), remaining: l.headerMax()}
}

// readLine returns a line with its CRLF (or bare LF) terminator
// stripped. The raw length, terminator included, is charged against
// the header-section budget.
func (lr *lineReader) readLine() (string, error) {
	var line []byte
	for {
		frag, err := lr.br.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > lr.lineMax {
			return "", fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedHeader, lr.lineMax)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			if err == io.EOF {
				return "", fmt.Errorf("%w: stream ended inside header", ErrUnexpectedEOF)
			}
			return "", err
		}
		break
	}
	lr.remaining -= len(line)
	if lr.remaining < 0 {
		return "", fmt.Errorf("%w: header section too large", ErrMalformedHeader)
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line), nil
}

// readFields reads header fields until the blank line, preserving
// name case and insertion order.
func (lr *lineReader) readFields(h *Header, trailer bool) error {
	for {
		line, err := lr.readLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.ContainsAny(name, " \t") {
			return fmt.Errorf("%w: bad field line %q", ErrMalformedHeader, line)
		}
		value = strings.Trim(value, " \t")
		if trailer {
			h.addTrailer(name, value)
		} else {
			h.Add(name, value)
		}
	}
}

// bodyFraming inspects the length-bearing headers and returns how the
// body is delimited. contentLength is -1 when no length is declared.
func bodyFraming(h *Header, l Limits) (chunked bool, contentLength int64, err error) {
	chunked = h.Contains("Transfer-Encoding", "chunked")
	cls := h.Values("Content-Length")
	if len(cls) > 1 {
		return false, 0, fmt.Errorf("%w: %d Content-Length fields", ErrAmbiguousLength, len(cls))
	}
	if chunked && len(cls) > 0 {
		return false, 0, fmt.Errorf("%w: Content-Length with chunked encoding", ErrAmbiguousLength)
	}
	if chunked {
		return true, -1, nil
	}
	if len(cls) == 0 {
		return false, -1, nil
	}
	n, perr := strconv.ParseInt(strings.TrimSpace(cls[0]), 10, 64)
	if perr != nil || n < 0 {
		return false, 0, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, cls[0])
	}
	if n > l.bodyMax() {
		return false, 0, fmt.Errorf("%w: declared length %d exceeds cap %d", ErrPayloadTooLarge, n, l.bodyMax())
	}
	return false, n, nil
}

func readFixedBody(br *bufio.Reader, n int64) ([]byte, error) {
	body := make([]byte, n)
	if _, err := io.ReadFull(br, body); err != nil {
		return nil, fmt.Errorf("%w: short body read", ErrUnexpectedEOF)
	}
	return body, nil
}

// readChunkedBody decodes a chunked body, appending any trailer fields
// to h. The decoded size is charged against the body cap.
func readChunkedBody(br *bufio.Reader, h *Header, l Limits) ([]byte, error) {
	lr := newLineReader(br, l)
	var body []byte
	for {
		sizeLine, err := lr.readLine()
		if err != nil {
			return nil, err
		}
		// chunk extensions are tolerated and dropped
		if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
			sizeLine = sizeLine[:i]
		}
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if perr != nil || size < 0 {
			return nil, fmt.Errorf("%w: bad chunk size %q", ErrMalformedRequest, sizeLine)
		}
		if size == 0 {
			break
		}
		if int64(len(body))+size > l.bodyMax() {
			return nil, fmt.Errorf("%w: chunked body exceeds cap %d", ErrPayloadTooLarge, l.bodyMax())
		}
		chunk := make([]byte, size)
		if _, err := io.ReadFull(br, chunk); err != nil {
			return nil, fmt.Errorf("%w: short chunk read", ErrUnexpectedEOF)
		}
		body = append(body, chunk...)
		crlf := make([]byte, 2)
		if _, err := io.ReadFull(br, crlf); err != nil {
			return nil, fmt.Errorf("%w: missing chunk terminator", ErrUnexpectedEOF)
		}
		if crlf[0] != '\r' || crlf[1] != '\n' {
			return nil, fmt.Errorf("%w: bad chunk terminator", ErrMalformedRequest)
		}
	}
	if err := lr.readFields(h, true); err != nil {
		return nil, err
	}
	return body, nil
}

// ReadRequest reads one complete request from br: request line, header
// fields up to the blank line, then the body as sized by
// Content-Length, chunked framing, or nothing.
func ReadRequest(br *bufio.Reader, l Limits) (*Request, error) {
	lr := newLineReader(br, l)
	line, err := lr.readLine()
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, line)
	}
	req := &Request{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
		Header: NewHeader(),
	}
	if err := lr.readFields(req.Header, false); err != nil {
		return nil, err
	}
	chunked, n, err := bodyFraming(req.Header, l)
	if err != nil {
		return nil, err
	}
	req.Chunked = chunked
	switch {
	case chunked:
		req.Body, err = readChunkedBody(br, req.Header, l)
	case n > 0:
		req.Body, err = readFixedBody(br, n)
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ReadResponseHeader reads a status line and header fields, leaving
// the body unread. The framing fields on the returned Response say how
// to consume it.
func ReadResponseHeader(br *bufio.Reader, l Limits) (*Response, error) {
	lr := newLineReader(br, l)
	line, err := lr.readLine()
	if err != nil {
		return nil, err
	}
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, fmt.Errorf("%w: bad status line %q", ErrMalformedRequest, line)
	}
	codeStr, reason, _ := strings.Cut(rest, " ")
	code, perr := strconv.Atoi(codeStr)
	if perr != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformedRequest, codeStr)
	}
	resp := &Response{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     NewHeader(),
	}
	if err := lr.readFields(resp.Header, false); err != nil {
		return nil, err
	}
	chunked, n, err := bodyFraming(resp.Header, l)
	if err != nil {
		return nil, err
	}
	resp.Chunked = chunked
	resp.ContentLength = n
	return resp, nil
}

// BodyReader returns a reader over the decoded body bytes of resp,
// consuming them from br according to the response framing. For
// chunked bodies, trailers are appended to resp.Header once the
// reader returns io.EOF. A response with neither length nor chunking
// runs until EOF, per Connection: close semantics.
func (resp *Response) BodyReader(br *bufio.Reader, l Limits) io.Reader {
	switch {
	case resp.Chunked:
		return &chunkedReader{br: br, resp: resp, limits: l}
	case resp.ContentLength >= 0:
		return &fixedReader{r: io.LimitReader(br, resp.ContentLength)}
	default:
		return br
	}
}

// ReadResponse reads a complete response, buffering the whole body.
func ReadResponse(br *bufio.Reader, l Limits) (*Response, error) {
	resp, err := ReadResponseHeader(br, l)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.BodyReader(br, l), l.bodyMax()+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > l.bodyMax() {
		return nil, fmt.Errorf("%w: response body exceeds cap %d", ErrPayloadTooLarge, l.bodyMax())
	}
	resp.Body = body
	return resp, nil
}

// fixedReader maps a short read on a length-delimited body to
// ErrUnexpectedEOF instead of a bare EOF.
type fixedReader struct {
	r io.Reader
}

func (f *fixedReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		if lr, ok := f.r.(*io.LimitedReader); ok && lr.N > 0 {
			return n, fmt.Errorf("%w: short body read", ErrUnexpectedEOF)
		}
	}
	return n, err
}

// chunkedReader incrementally decodes chunked framing.
type chunkedReader struct {
	br     *bufio.Reader
	resp   *Response
	limits Limits
	left   int64 // unread bytes of the current chunk
	done   bool
	err    error
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if c.left == 0 {
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
		if c.done {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > c.left {
		p = p[:c.left]
	}
	n, err := c.br.Read(p)
	c.left -= int64(n)
	if err == io.EOF {
		err = fmt.Errorf("%w: short chunk read", ErrUnexpectedEOF)
	}
	if err != nil {
		c.err = err
	}
	if c.left == 0 && c.err == nil {
		if err := c.chunkTerminator(); err != nil {
			c.err = err
			return n, err
		}
	}
	return n, c.err
}

func (c *chunkedReader) nextChunk() error {
	lr := newLineReader(c.br, c.limits)
	sizeLine, err := lr.readLine()
	if err != nil {
		return err
	}
	if i := strings.IndexByte(sizeLine, ';'); i >= 0 {
		sizeLine = sizeLine[:i]
	}
	size, perr := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
	if perr != nil || size < 0 {
		return fmt.Errorf("%w: bad chunk size %q", ErrMalformedRequest, sizeLine)
	}
	if size == 0 {
		if err := lr.readFields(c.resp.Header, true); err != nil {
			return err
		}
		c.done = true
		return nil
	}
	c.left = size
	return nil
}

func (c *chunkedReader) chunkTerminator() error {
	crlf := make([]byte, 2)
	if _, err := io.ReadFull(c.br, crlf); err != nil {
		return fmt.Errorf("%w: missing chunk terminator", ErrUnexpectedEOF)
	}
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return fmt.Errorf("%w: bad chunk terminator", ErrMalformedRequest)
	}
	return nil
}
