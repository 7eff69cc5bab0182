package client

import (
	"testing"
	"time"

	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = protocol.User{ID: "u-alice", Nickname: "Alice"}
	bobby = protocol.User{ID: "u-bobby", Nickname: "Bobby"}
)

func connectedState() *State {
	s := NewState()
	s.ApplyUserInfo(&protocol.UserInfoMessage{
		User:     alice,
		Channels: []protocol.Channel{{Name: "Global", Global: true, Members: []protocol.User{alice}}},
	})
	return s
}

func TestStateUserInfo(t *testing.T) {
	s := connectedState()
	assert.Equal(t, alice, s.Self())
	require.Len(t, s.Channels(), 1)
	assert.Equal(t, "Global", s.Channels()[0].Name)
}

func TestStateChannelUpdate(t *testing.T) {
	s := connectedState()

	s.ApplyChannelUpdate(&protocol.ChannelUpdateMessage{Channel: protocol.Channel{
		Name: "Global", Global: true, Members: []protocol.User{alice, bobby},
	}})
	g, ok := s.Channel("Global")
	require.True(t, ok)
	assert.Len(t, g.Members, 2)

	// Invited into a new channel
	s.ApplyChannelUpdate(&protocol.ChannelUpdateMessage{Channel: protocol.Channel{
		Name: "team", Members: []protocol.User{bobby, alice},
	}})
	require.Len(t, s.Channels(), 2)

	// An update for a channel we are not in is ignored
	s.ApplyChannelUpdate(&protocol.ChannelUpdateMessage{Channel: protocol.Channel{
		Name: "secret", Members: []protocol.User{bobby},
	}})
	_, ok = s.Channel("secret")
	assert.False(t, ok)
}

func TestStateRenameFollowsChannelUpdate(t *testing.T) {
	s := connectedState()
	renamed := protocol.User{ID: alice.ID, Nickname: "Alicia"}

	s.ApplyChannelUpdate(&protocol.ChannelUpdateMessage{Channel: protocol.Channel{
		Name: "Global", Global: true, Members: []protocol.User{renamed},
	}})
	assert.Equal(t, "Alicia", s.Self().Nickname)
}

func TestStateSay(t *testing.T) {
	s := connectedState()
	now := time.UnixMilli(1_700_000_000_000).UTC()

	s.ApplySay(&protocol.SayMessage{Message: protocol.Message{ChannelName: "Global", User: &bobby, Text: "hi", Timestamp: now}})
	s.ApplySay(&protocol.SayMessage{Message: protocol.Message{ChannelName: "elsewhere", User: &bobby, Text: "lost"}})

	g, _ := s.Channel("Global")
	require.Len(t, g.Messages, 1)
	assert.Equal(t, "hi", g.Messages[0].Text)
	assert.Equal(t, now, g.Messages[0].Timestamp)
}

func TestStateNotices(t *testing.T) {
	s := NewState()
	s.ApplyNotification(&protocol.ServerNotificationMessage{Text: "one"})
	s.ApplyNotification(&protocol.ServerNotificationMessage{Text: "two"})
	assert.Equal(t, []string{"one", "two"}, s.Notices())
}

func TestStateChangesCoalesce(t *testing.T) {
	s := NewState()
	s.ApplyNotification(&protocol.ServerNotificationMessage{Text: "one"})
	s.ApplyNotification(&protocol.ServerNotificationMessage{Text: "two"})

	select {
	case <-s.Changes():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-s.Changes():
		t.Fatal("signals should coalesce")
	default:
	}
}
