package wsconn

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades every request and copies the stream back to the client
func echoServer(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := New(ws)
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	conn := New(ws)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFramesSurviveMessageBoundaries(t *testing.T) {
	conn := dial(t, echoServer(t))

	big := bytes.Repeat([]byte("pipechat "), 200)
	payloads := [][]byte{[]byte("small"), big, {}}

	for _, p := range payloads {
		require.NoError(t, protocol.EncodeFrame(conn, &protocol.Frame{Version: protocol.ProtocolVersion, Payload: p}))
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for _, want := range payloads {
		frame, err := protocol.DecodeFrame(conn)
		require.NoError(t, err)
		assert.Equal(t, len(want), len(frame.Payload))
		if len(want) > 0 {
			assert.Equal(t, want, frame.Payload)
		}
	}
}

func TestReadSpansMessages(t *testing.T) {
	conn := dial(t, echoServer(t))

	_, err := conn.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("def"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 6)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(buf))
}

func TestCleanCloseIsEOF(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(ws).Close()
	}))
	t.Cleanup(srv.Close)

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 8))
	assert.ErrorIs(t, err, io.EOF)
}
