package httpmsg

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reqReader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

func TestReadRequestBasic(t *testing.T) {
	raw := "POST /login HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"X-Custom-CASE: kept\r\n" +
		"Content-Length: 17\r\n" +
		"\r\n" +
		`{"u":"a","p":"b"}`
	req, err := ReadRequest(reqReader(raw), Limits{})
	require.NoError(t, err)
	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/login", req.Target)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, `{"u":"a","p":"b"}`, string(req.Body))
	assert.Equal(t, "example.test", req.Header.Get("host"))

	// names are stored as received, never canonicalized
	assert.Equal(t, "X-Custom-CASE", req.Header.Fields()[1].Name)
}

func TestRequestRoundTrip(t *testing.T) {
	cases := map[string]string{
		"no body":          "GET /x HTTP/1.1\r\nHost: h\r\nAccept: */*\r\n\r\n",
		"fixed body":       "POST /u HTTP/1.1\r\nhost: h\r\nContent-Length: 5\r\n\r\nhello",
		"duplicate header": "GET / HTTP/1.0\r\nCookie: a=1\r\nCookie: b=2\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			req, err := ReadRequest(reqReader(raw), Limits{})
			require.NoError(t, err)
			var buf bytes.Buffer
			require.NoError(t, WriteRequest(&buf, req))
			assert.Equal(t, raw, buf.String())
		})
	}
}

func TestReadRequestChunkedWithTrailers(t *testing.T) {
	raw := "POST /upload HTTP/1.1\r\n" +
		"Host: h\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"4\r\nwiki\r\n" +
		"5\r\npedia\r\n" +
		"0\r\n" +
		"X-Checksum: abc\r\n" +
		"\r\n"
	req, err := ReadRequest(reqReader(raw), Limits{})
	require.NoError(t, err)
	assert.True(t, req.Chunked)
	assert.Equal(t, "wikipedia", string(req.Body))
	assert.Equal(t, "abc", req.Header.Get("X-Checksum"))

	// re-encode and decode again: framing may re-chunk, content must survive
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))
	again, err := ReadRequest(bufio.NewReader(&buf), Limits{})
	require.NoError(t, err)
	assert.Equal(t, "wikipedia", string(again.Body))
	assert.Equal(t, "abc", again.Header.Get("X-Checksum"))
}

func TestReadRequestAmbiguousLength(t *testing.T) {
	cases := map[string]string{
		"two content lengths": "POST / HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok",
		"length plus chunked": "POST / HTTP/1.1\r\nContent-Length: 2\r\nTransfer-Encoding: chunked\r\n\r\n0\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRequest(reqReader(raw), Limits{})
			assert.ErrorIs(t, err, ErrAmbiguousLength)
		})
	}
}

func TestReadRequestHeaderCapBoundary(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: example.test\r\nX-Pad: aaaa\r\n\r\n"
	headerLen := len(raw) // everything up to and including the blank line

	_, err := ReadRequest(reqReader(raw), Limits{MaxHeaderBytes: headerLen})
	assert.NoError(t, err, "exactly the cap must succeed")

	_, err = ReadRequest(reqReader(raw), Limits{MaxHeaderBytes: headerLen - 1})
	assert.ErrorIs(t, err, ErrMalformedHeader, "cap+1 worth of header must fail")
}

func TestReadRequestLineCap(t *testing.T) {
	raw := "GET /" + strings.Repeat("a", 100) + " HTTP/1.1\r\n\r\n"
	_, err := ReadRequest(reqReader(raw), Limits{MaxLineBytes: 64, MaxHeaderBytes: 1 << 20})
	assert.ErrorIs(t, err, ErrMalformedHeader)
}

func TestReadRequestPayloadTooLarge(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 1000\r\n\r\n"
	_, err := ReadRequest(reqReader(raw), Limits{MaxBodyBytes: 100})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestReadRequestShortBody(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"
	_, err := ReadRequest(reqReader(raw), Limits{})
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestReadRequestBadRequestLine(t *testing.T) {
	for name, raw := range map[string]string{
		"missing proto": "GET /\r\n\r\n",
		"garbage":       "ouch\r\n\r\n",
		"empty method":  " / HTTP/1.1\r\n\r\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ReadRequest(reqReader(raw), Limits{})
			assert.ErrorIs(t, err, ErrMalformedRequest)
		})
	}
}

func TestReadResponseUntilEOF(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nContent-Type: text/plain\r\n\r\nstream until close"
	resp, err := ReadResponse(reqReader(raw), Limits{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, int64(-1), resp.ContentLength)
	assert.Equal(t, "stream until close", string(resp.Body))
}

func TestReadResponseNoReason(t *testing.T) {
	raw := "HTTP/1.1 204\r\n\r\n"
	resp, err := ReadResponse(reqReader(raw), Limits{})
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "", resp.Reason)
}

func TestResponseBodyReaderChunked(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"3\r\nfoo\r\n" +
		"3\r\nbar\r\n" +
		"0\r\n" +
		"X-Digest: xyz\r\n" +
		"\r\n"
	br := reqReader(raw)
	resp, err := ReadResponseHeader(br, Limits{})
	require.NoError(t, err)
	require.True(t, resp.Chunked)

	body, err := io.ReadAll(resp.BodyReader(br, Limits{}))
	require.NoError(t, err)
	assert.Equal(t, "foobar", string(body))
	assert.Equal(t, "xyz", resp.Header.Get("X-Digest"), "trailer attached after EOF")
}

func TestResponseBodyReaderFixedShortRead(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"
	br := reqReader(raw)
	resp, err := ReadResponseHeader(br, Limits{})
	require.NoError(t, err)
	_, err = io.ReadAll(resp.BodyReader(br, Limits{}))
	assert.ErrorIs(t, err, ErrUnexpectedEOF)
}

func TestResponseRoundTrip(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nServer: origin\r\nContent-Length: 2\r\n\r\nOK"
	resp, err := ReadResponse(reqReader(raw), Limits{})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, resp))
	assert.Equal(t, raw, buf.String())
}

func TestWriteResponseStreamRechunks(t *testing.T) {
	resp := &Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Reason:     "OK",
		Header:     NewHeader(),
		Chunked:    true,
	}
	resp.Header.Add("Transfer-Encoding", "chunked")

	var buf bytes.Buffer
	require.NoError(t, WriteResponseStream(&buf, resp, strings.NewReader("streamed payload")))

	out, err := ReadResponse(bufio.NewReader(&buf), Limits{})
	require.NoError(t, err)
	assert.Equal(t, "streamed payload", string(out.Body))
}

func TestSetBodyFixesLength(t *testing.T) {
	raw := "POST / HTTP/1.1\r\nContent-Length: 17\r\n\r\n" + `{"u":"a","p":"b"}`
	req, err := ReadRequest(reqReader(raw), Limits{})
	require.NoError(t, err)
	req.SetBody([]byte(`{"u":"a","p":"longer"}`))
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, req))
	again, err := ReadRequest(bufio.NewReader(&buf), Limits{})
	require.NoError(t, err)
	assert.Equal(t, `{"u":"a","p":"longer"}`, string(again.Body))
}

func TestKeepAlive(t *testing.T) {
	cases := map[string]struct {
		raw  string
		want bool
	}{
		"http11 default":    {"GET / HTTP/1.1\r\nHost: h\r\n\r\n", true},
		"http11 close":      {"GET / HTTP/1.1\r\nConnection: close\r\n\r\n", false},
		"http10 default":    {"GET / HTTP/1.0\r\n\r\n", false},
		"http10 keep-alive": {"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			req, err := ReadRequest(reqReader(c.raw), Limits{})
			require.NoError(t, err)
			assert.Equal(t, c.want, req.KeepAlive())
		})
	}
}

func TestHeaderOps(t *testing.T) {
	h := NewHeader()
	h.Add("Accept", "text/html")
	h.Add("accept", "application/json")
	h.Add("Host", "h")
	assert.Equal(t, []string{"text/html", "application/json"}, h.Values("ACCEPT"))

	h.Set("Accept", "*/*")
	assert.Equal(t, []string{"*/*"}, h.Values("accept"))
	assert.Equal(t, 2, h.Len())

	h.Del("host")
	assert.Equal(t, "", h.Get("Host"))

	h.Add("Connection", "keep-alive, Upgrade")
	assert.True(t, h.Contains("Connection", "upgrade"))
	assert.False(t, h.Contains("Connection", "close"))
}
