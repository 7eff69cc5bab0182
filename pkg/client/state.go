package client

import (
	"slices"
	"sync"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/protocol"
)

// State is the client's view of the server: who we are, which channels we
// are in and what has been said in them. It is fed by Track and read by the UI.
type State struct {
	mu       sync.RWMutex
	self     protocol.User
	channels []protocol.Channel
	notices  []string
	changed  chan struct{}
}

func NewState() *State {
	return &State{changed: make(chan struct{}, 1)}
}

// Changes receives a value after one or more Apply calls. Updates that
// arrive before the previous signal is consumed are coalesced.
func (s *State) Changes() <-chan struct{} {
	return s.changed
}

func (s *State) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Track registers handlers on conn that keep s current
func (s *State) Track(conn *Connection) {
	conn.On(protocol.EventUserInfo, func(_ string, _ dispatch.ConnID, p protocol.Payload) bool {
		msg, ok := p.(*protocol.UserInfoMessage)
		if ok {
			s.ApplyUserInfo(msg)
		}
		return ok
	})
	conn.On(protocol.EventChannelUpdate, func(_ string, _ dispatch.ConnID, p protocol.Payload) bool {
		msg, ok := p.(*protocol.ChannelUpdateMessage)
		if ok {
			s.ApplyChannelUpdate(msg)
		}
		return ok
	})
	conn.On(protocol.EventSay, func(_ string, _ dispatch.ConnID, p protocol.Payload) bool {
		msg, ok := p.(*protocol.SayMessage)
		if ok {
			s.ApplySay(msg)
		}
		return ok
	})
	conn.On(protocol.EventServerNotification, func(_ string, _ dispatch.ConnID, p protocol.Payload) bool {
		msg, ok := p.(*protocol.ServerNotificationMessage)
		if ok {
			s.ApplyNotification(msg)
		}
		return ok
	})
}

func (s *State) ApplyUserInfo(msg *protocol.UserInfoMessage) {
	s.mu.Lock()
	defer s.signal()
	defer s.mu.Unlock()
	s.self = msg.User
	s.channels = slices.Clone(msg.Channels)
}

// ApplyChannelUpdate replaces the channel snapshot, adds a channel we were
// just invited to, and drops it if we are no longer a member. A channel update
// also tells us our own nickname after a rename.
func (s *State) ApplyChannelUpdate(msg *protocol.ChannelUpdateMessage) {
	s.mu.Lock()
	defer s.signal()
	defer s.mu.Unlock()

	update := msg.Channel
	member := false
	for _, u := range update.Members {
		if u.ID == s.self.ID {
			member = true
			s.self = u
		}
	}

	i := slices.IndexFunc(s.channels, func(c protocol.Channel) bool { return c.Name == update.Name })
	switch {
	case i < 0 && member:
		s.channels = append(s.channels, update)
	case i >= 0 && !member:
		s.channels = slices.Delete(s.channels, i, i+1)
	case i >= 0:
		s.channels[i] = update
	}
}

func (s *State) ApplySay(msg *protocol.SayMessage) {
	s.mu.Lock()
	defer s.signal()
	defer s.mu.Unlock()
	for i := range s.channels {
		if s.channels[i].Name == msg.ChannelName {
			s.channels[i].Messages = append(s.channels[i].Messages, msg.Message)
			return
		}
	}
}

func (s *State) ApplyNotification(msg *protocol.ServerNotificationMessage) {
	s.mu.Lock()
	defer s.signal()
	defer s.mu.Unlock()
	s.notices = append(s.notices, msg.Text)
}

// Self returns our own user as last reported by the server
func (s *State) Self() protocol.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

// Channels returns the channels we are in, in the order we learned of them
func (s *State) Channels() []protocol.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.channels)
}

// Channel returns one channel by name
func (s *State) Channel(name string) (protocol.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.channels {
		if c.Name == name {
			return c, true
		}
	}
	return protocol.Channel{}, false
}

// Notices returns every server notification received so far
func (s *State) Notices() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.notices)
}
