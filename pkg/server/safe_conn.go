package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/pipechat/pkg/protocol"
)

// SafeConn wraps a net.Conn so that whole frames are written atomically.
//
// The peer's writer goroutine is the usual writer, but the accept path also
// writes a frame before the writer exists. Without the mutex two writers
// could interleave frame bytes on the wire.
type SafeConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewSafeConn wraps conn. A zero writeTimeout disables write deadlines.
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteFrame writes one pre-encoded frame. The whole frame goes out in a
// single Write, which keeps WebSocket peers at one frame per message.
func (sc *SafeConn) WriteFrame(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		if err := sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := sc.conn.Write(data)
	return err
}

// ReadFrame reads the next frame. Reads need no synchronisation as only the
// peer's read loop calls it.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return protocol.DecodeFrame(sc.conn)
}

func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
