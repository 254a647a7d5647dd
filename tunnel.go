package warden

import (
	"io"
	"net"
	"sync"

	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

// relay buffers are pooled; tunnels come and go with every websocket
// and raw-splice flow.
var relayPool = bpool.NewBytePool(64, 32<<10)

// splice copies bytes between client and upstream in both directions
// until either side closes, then tears both down. Reads come from the
// supplied readers so bytes already buffered ahead of the splice are
// not lost. Reads and writes are in lockstep per direction, so a slow
// reader throttles its writer.
func splice(client net.Conn, clientR io.Reader, upstream net.Conn, upstreamR io.Reader, log *zap.Logger) {
	var wg sync.WaitGroup
	wg.Add(2)
	go spliceHalf(upstream, clientR, "up", log, &wg)
	go spliceHalf(client, upstreamR, "down", log, &wg)
	wg.Wait()

	client.Close()
	upstream.Close()
}

type closeWriter interface {
	CloseWrite() error
}

func spliceHalf(dst net.Conn, src io.Reader, dir string, log *zap.Logger, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := relayPool.Get()
	defer relayPool.Put(buf)
	n, err := io.CopyBuffer(dst, src, buf)
	// propagate the EOF so the opposite half can finish
	if cw, ok := dst.(closeWriter); ok {
		cw.CloseWrite()
	}
	log.Debug("relay half done", zap.String("dir", dir), zap.Int64("bytes", n), zap.Error(err))
}
