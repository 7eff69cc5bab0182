package chat

import (
	"slices"
	"testing"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/protocol"
	"pgregory.net/rapid"
)

var churnChannels = []string{"Raiders", "Dev", "Ops"}

// TestMembershipSurvivesChurn drives random connects, disconnects and
// requests through the controller and checks the directory and registry
// agree after every step.
func TestMembershipSurvivesChurn(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := dispatch.NewMemoryTransport()
		d := dispatch.New(tr)
		c := NewController(d, DefaultConfig())

		var live []dispatch.ConnID
		next := dispatch.ConnID(1)

		pickLive := func(label string) dispatch.ConnID {
			return rapid.SampledFrom(live).Draw(t, label)
		}
		nicknameOf := func(conn dispatch.ConnID) string {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.directory.LookupByConnection(conn).Nickname
		}

		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for range steps {
			op := "connect"
			if len(live) > 0 {
				op = rapid.SampledFrom([]string{"connect", "disconnect", "say", "nick", "group", "invite"}).Draw(t, "op")
			}

			switch op {
			case "connect":
				d.HandleConnect(next)
				live = append(live, next)
				next++
			case "disconnect":
				conn := pickLive("leaver")
				live = slices.DeleteFunc(live, func(id dispatch.ConnID) bool { return id == conn })
				d.HandleDisconnect(conn)
			case "say":
				d.Dispatch(protocol.EventSay, pickLive("speaker"), &protocol.SayMessage{Message: protocol.Message{
					ChannelName: rapid.SampledFrom(append([]string{""}, churnChannels...)).Draw(t, "channel"),
					Text:        "hi",
				}})
			case "nick":
				d.Dispatch(protocol.EventNicknameChange, pickLive("renamer"), &protocol.NicknameChangeMessage{
					RequestedNickname: rapid.SampledFrom([]string{"Zelda", "Link!", "Ganon", "ab"}).Draw(t, "nickname"),
				})
			case "group":
				d.Dispatch(protocol.EventNewGroup, pickLive("creator"), &protocol.NewGroupMessage{
					Name: rapid.SampledFrom(churnChannels).Draw(t, "group"),
				})
			case "invite":
				from := pickLive("inviter")
				target := pickLive("invitee")
				d.Dispatch(protocol.EventInviteUser, from, &protocol.InviteUserMessage{
					ChannelName: rapid.SampledFrom(churnChannels).Draw(t, "group"),
					Nickname:    nicknameOf(target),
				})
			}
			tr.Reset()

			checkMembership(t, c, live)
		}
	})
}

func checkMembership(t *rapid.T, c *Controller, live []dispatch.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if got := c.directory.Len(); got != len(live) {
		t.Fatalf("directory holds %d users, %d connections are live", got, len(live))
	}

	ids := make(map[string]bool, len(live))
	nicknames := make(map[string]bool, len(live))
	for _, conn := range live {
		u := c.directory.LookupByConnection(conn)
		if u == nil {
			t.Fatalf("live connection %d has no user", conn)
		}
		if nicknames[u.Nickname] {
			t.Fatalf("nickname %q held twice", u.Nickname)
		}
		ids[u.ID] = true
		nicknames[u.Nickname] = true
	}

	global := c.registry.Global()
	if global.Len() != len(live) {
		t.Fatalf("global has %d members, %d users are bound", global.Len(), len(live))
	}
	for _, ch := range c.registry.Channels() {
		if !ch.Global && ch.Len() == 0 {
			t.Fatalf("empty channel %s was kept", ch.Name)
		}
		seen := make(map[string]bool)
		for _, id := range ch.Members() {
			if !ids[id] {
				t.Fatalf("channel %s holds unbound user %s", ch.Name, id)
			}
			if seen[id] {
				t.Fatalf("channel %s lists user %s twice", ch.Name, id)
			}
			seen[id] = true
		}
	}
}
