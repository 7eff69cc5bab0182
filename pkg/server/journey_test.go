package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pipechat/pkg/client"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const waitFor = 3 * time.Second

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer starts a server with TCP, SSH and WebSocket listeners on
// random ports. SSH and WebSocket are attached by hand because their
// configured ports are fixed.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServers {
	t.Helper()
	tmpDir := t.TempDir()

	config := DefaultConfig()
	config.TCPPort = 0
	config.SSHPort = 0
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.SSHHostKeyPath = tmpDir + "/ssh_host_key"
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config)
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	hostKey, err := srv.loadOrGenerateHostKey()
	require.NoError(t, err)
	sshConfig := &ssh.ServerConfig{NoClientAuth: true, ServerVersion: "SSH-2.0-PipeChat"}
	sshConfig.AddHostKey(hostKey)

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.sshListener = sshListener
	srv.wg.Add(1)
	go srv.acceptSSHLoop(sshListener, sshConfig)

	wsServer := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))

	t.Cleanup(func() {
		srv.Stop()
		wsServer.Close()
	})

	_, tcpPort, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)

	return &journeyServers{
		srv:     srv,
		tcpAddr: "tcp://127.0.0.1:" + tcpPort,
		sshAddr: "ssh://" + sshListener.Addr().String(),
		wsAddr:  "ws://" + strings.TrimPrefix(wsServer.URL, "http://") + "/ws",
	}
}

type chatter struct {
	conn  *client.Connection
	state *client.State
}

func connect(t *testing.T, addr string, opts ...client.Option) *chatter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, err := client.Dial(ctx, addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	state := client.NewState()
	state.Track(conn)
	conn.Start()
	return &chatter{conn: conn, state: state}
}

// join connects and waits for the welcome snapshot
func join(t *testing.T, addr string, opts ...client.Option) *chatter {
	t.Helper()
	c := connect(t, addr, opts...)
	require.Eventually(t, func() bool { return c.state.Self().ID != "" }, waitFor, 10*time.Millisecond, "no UserInfo from %s", addr)
	return c
}

func (c *chatter) members(channel string) []string {
	ch, ok := c.state.Channel(channel)
	if !ok {
		return nil
	}
	names := make([]string, len(ch.Members))
	for i, u := range ch.Members {
		names[i] = u.Nickname
	}
	return names
}

func (c *chatter) heard(channel, text string) *protocol.Message {
	ch, ok := c.state.Channel(channel)
	if !ok {
		return nil
	}
	for i := range ch.Messages {
		if ch.Messages[i].Text == text {
			return &ch.Messages[i]
		}
	}
	return nil
}

func (c *chatter) noticed(text string) bool {
	return slices.Contains(c.state.Notices(), text)
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, waitFor, 10*time.Millisecond, msgAndArgs...)
}

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	// Each run uses its own names: the previous run's disconnects may still
	// be in flight when the next one starts
	for _, tr := range []struct{ name, addr, tag string }{
		{"tcp", servers.tcpAddr, "Tcp"},
		{"ssh", servers.sshAddr, "Ssh"},
		{"websocket", servers.wsAddr, "Web"},
	} {
		t.Run(tr.name, func(t *testing.T) {
			runFullUserJourney(t, tr.addr, tr.tag)
		})
	}
}

func runFullUserJourney(t *testing.T, addr, tag string) {
	nickname := "Alicia" + tag
	channel := "Raiders" + tag

	alice := join(t, addr)
	bob := join(t, addr)
	bobName := bob.state.Self().Nickname

	g, ok := alice.state.Channel("Global")
	require.True(t, ok)
	assert.True(t, g.Global)
	eventually(t, func() bool { return slices.Contains(alice.members("Global"), bobName) }, "alice never saw bob join")

	// Rename
	require.NoError(t, alice.conn.RequestNickname(nickname + "!!"))
	eventually(t, func() bool { return alice.state.Self().Nickname == nickname })
	eventually(t, func() bool { return alice.noticed("You are now known as " + nickname) })
	eventually(t, func() bool { return slices.Contains(bob.members("Global"), nickname) })

	// Taken nickname
	require.NoError(t, bob.conn.RequestNickname(nickname))
	eventually(t, func() bool { return bob.noticed("Nickname " + nickname + " is already in use") })

	// Global chat
	require.NoError(t, alice.conn.Say("", "hello everyone"))
	eventually(t, func() bool { return bob.heard("Global", "hello everyone") != nil })
	msg := bob.heard("Global", "hello everyone")
	require.NotNil(t, msg.User)
	assert.Equal(t, nickname, msg.User.Nickname)
	assert.False(t, msg.Timestamp.IsZero())

	// Private channel
	require.NoError(t, alice.conn.CreateGroup(channel))
	eventually(t, func() bool { return alice.noticed("Created channel " + channel) })
	eventually(t, func() bool { _, ok := alice.state.Channel(channel); return ok })

	require.NoError(t, bob.conn.Say(channel, "let me in"))
	eventually(t, func() bool { return bob.noticed("You are not a member of " + channel) })

	require.NoError(t, alice.conn.Invite(channel, bobName))
	eventually(t, func() bool { return alice.noticed("Invited " + bobName + " to " + channel) })
	eventually(t, func() bool { _, ok := bob.state.Channel(channel); return ok }, "bob never joined the channel")

	require.NoError(t, bob.conn.Say(channel, "thanks"))
	eventually(t, func() bool { return alice.heard(channel, "thanks") != nil })

	// Leaving shrinks both channels
	require.NoError(t, bob.conn.Close())
	eventually(t, func() bool { return !slices.Contains(alice.members("Global"), bobName) })
	eventually(t, func() bool { return len(alice.members(channel)) == 1 })

	require.NoError(t, alice.conn.Close())
}

func TestCrossTransportChat(t *testing.T) {
	servers := setupJourneyServer(t, nil)

	overTCP := join(t, servers.tcpAddr)
	overSSH := join(t, servers.sshAddr)
	overWS := join(t, servers.wsAddr)

	require.NoError(t, overSSH.conn.Say("Global", "from ssh"))
	for _, c := range []*chatter{overTCP, overSSH, overWS} {
		eventually(t, func() bool { return c.heard("Global", "from ssh") != nil })
	}

	stats := servers.srv.Controller().Stats()
	assert.Equal(t, 3, stats.Users)
	assert.Equal(t, 1, stats.Channels)
}

func TestServerFull(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) { c.MaxPeers = 1 })

	first := join(t, servers.tcpAddr)
	second := connect(t, servers.tcpAddr)

	eventually(t, func() bool { return second.noticed("Server is full") })
	select {
	case <-second.conn.Done():
	case <-time.After(waitFor):
		t.Fatal("refused connection was not closed")
	}
	assert.Empty(t, second.state.Self().ID)

	// The first user is unaffected
	require.NoError(t, first.conn.Say("", "still here"))
	eventually(t, func() bool { return first.heard("Global", "still here") != nil })
}

func TestSharedKey(t *testing.T) {
	servers := setupJourneyServer(t, func(c *ServerConfig) { c.SharedKey = "correct horse" })

	t.Run("matching key", func(t *testing.T) {
		a := join(t, servers.tcpAddr, client.WithSharedKey("correct horse"))
		b := join(t, servers.wsAddr, client.WithSharedKey("correct horse"))
		require.NoError(t, a.conn.Say("", "sealed"))
		eventually(t, func() bool { return b.heard("Global", "sealed") != nil })
	})

	for name, opts := range map[string][]client.Option{
		"wrong key": {client.WithSharedKey("battery staple")},
		"plaintext": nil,
	} {
		t.Run(name, func(t *testing.T) {
			c := connect(t, servers.tcpAddr, opts...)
			assert.Never(t, func() bool { return c.state.Self().ID != "" }, 300*time.Millisecond, 20*time.Millisecond)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	join(t, servers.tcpAddr)
	join(t, servers.tcpAddr)

	rec := httptest.NewRecorder()
	servers.srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Peers    int    `json:"peers"`
		Users    int    `json:"users"`
		Channels int    `json:"channels"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.Peers)
	assert.Equal(t, 2, body.Users)
	assert.Equal(t, 1, body.Channels)
}

func TestMetricsEndpoint(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	c := join(t, servers.tcpAddr)
	require.NoError(t, c.conn.Say("", "counted"))
	eventually(t, func() bool { return c.heard("Global", "counted") != nil })

	rec := httptest.NewRecorder()
	promhttp.HandlerFor(servers.srv.registry, promhttp.HandlerOpts{}).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "pipechat_chat_messages_total 1")
	assert.Contains(t, body, "pipechat_connected_peers 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestStopDisconnectsClients(t *testing.T) {
	servers := setupJourneyServer(t, nil)
	c := join(t, servers.tcpAddr)

	require.NoError(t, servers.srv.Stop())

	select {
	case <-c.conn.Done():
	case <-time.After(waitFor):
		t.Fatal("client still connected after Stop")
	}
}
