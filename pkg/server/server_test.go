package server

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logBuffer collects JSON log lines written from several goroutines
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func (b *logBuffer) has(fragment string) bool {
	for _, line := range b.lines() {
		if strings.Contains(line, fragment) {
			return true
		}
	}
	return false
}

func newLocalServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0

	srv, err := NewServer(config, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestLogLinesCarryOneComponent(t *testing.T) {
	logs := &logBuffer{}
	srv := newLocalServer(t, WithLogger(zerolog.New(logs).Level(zerolog.DebugLevel)))

	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	c := join(t, "tcp://127.0.0.1:"+port)
	require.NoError(t, c.conn.SendReliable("wave", &protocol.ServerNotificationMessage{Text: "hi"}))

	eventually(t, func() bool { return logs.has(`"component":"dispatch"`) }, "dispatcher never logged")
	require.NoError(t, srv.Stop())

	for _, component := range []string{"server", "chat", "dispatch"} {
		assert.True(t, logs.has(`"component":"`+component+`"`), "no log line from %s", component)
	}
	for _, line := range logs.lines() {
		assert.LessOrEqual(t, strings.Count(line, `"component":`), 1, line)
	}
}

func TestWebSocketRefusedAfterStop(t *testing.T) {
	srv := newLocalServer(t)
	require.NoError(t, srv.Stop())

	rec := httptest.NewRecorder()
	srv.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, srv.peers.Len())
}

// TestWebSocketHandlersRacingStop runs upgrade attempts alongside Stop; under
// the race detector a wg.Add after Wait has begun would be reported.
func TestWebSocketHandlersRacingStop(t *testing.T) {
	srv := newLocalServer(t)

	var handlers sync.WaitGroup
	start := make(chan struct{})
	for range 32 {
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			<-start
			rec := httptest.NewRecorder()
			srv.HandleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
		}()
	}

	close(start)
	require.NoError(t, srv.Stop())
	handlers.Wait()
	assert.Zero(t, srv.peers.Len())
}
