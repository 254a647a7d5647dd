// Package rewind wraps a net.Conn so that bytes read once can be
// pushed back and read again. The proxy uses it to sniff the first
// bytes of a tunnel (TLS ClientHello vs plaintext) and then hand the
// untouched stream to the TLS stack.
package rewind

import (
	"net"
	"sync"
)

// Conn records reads until Rewind is called. After Rewind, the
// recorded bytes are served again before the underlying connection.
// Rewinding twice, or after Forget, is a programming error.
type Conn struct {
	net.Conn

	mu        sync.Mutex
	recording bool
	recorded  []byte
	replay    []byte
}

func NewConn(c net.Conn) *Conn {
	return &Conn{Conn: c, recording: true}
}

func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	if len(c.replay) > 0 {
		n := copy(p, c.replay)
		c.replay = c.replay[n:]
		c.mu.Unlock()
		return n, nil
	}
	recording := c.recording
	c.mu.Unlock()

	n, err := c.Conn.Read(p)
	if n > 0 && recording {
		c.mu.Lock()
		c.recorded = append(c.recorded, p[:n]...)
		c.mu.Unlock()
	}
	return n, err
}

// Rewind pushes everything read so far back onto the stream and stops
// recording.
func (c *Conn) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		panic("rewind: Rewind after Forget or second Rewind")
	}
	c.replay = append(c.recorded, c.replay...)
	c.recorded = nil
	c.recording = false
}

// Forget drops the recording without replaying it, for flows that
// turned out not to need a rewind.
func (c *Conn) Forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recorded = nil
	c.recording = false
}
