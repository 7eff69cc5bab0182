package chat

import (
	"errors"
	"slices"

	"github.com/aeolun/pipechat/pkg/protocol"
)

var (
	ErrDuplicateChannel = errors.New("channel already exists")
	ErrAlreadyMember    = errors.New("user is already a member")
)

// Channel is a named conversation. Members are user IDs in join order and
// resolve through the Directory.
type Channel struct {
	Name   string
	Global bool

	members []string
	history []protocol.Message
}

// Members returns member user IDs in join order
func (c *Channel) Members() []string {
	return slices.Clone(c.members)
}

func (c *Channel) HasMember(userID string) bool {
	return slices.Contains(c.members, userID)
}

func (c *Channel) Len() int {
	return len(c.members)
}

// History returns the retained messages, oldest first
func (c *Channel) History() []protocol.Message {
	return slices.Clone(c.history)
}

// Registry holds every live channel in creation order. The global channel is
// created with the registry and is never removed.
type Registry struct {
	global   *Channel
	channels []*Channel
	byName   map[string]*Channel
}

func NewRegistry(globalName string) *Registry {
	global := &Channel{Name: globalName, Global: true}
	return &Registry{
		global:   global,
		channels: []*Channel{global},
		byName:   map[string]*Channel{globalName: global},
	}
}

func (r *Registry) Global() *Channel {
	return r.global
}

func (r *Registry) ByName(name string) *Channel {
	return r.byName[name]
}

// Channels returns every live channel in creation order
func (r *Registry) Channels() []*Channel {
	return slices.Clone(r.channels)
}

func (r *Registry) Len() int {
	return len(r.channels)
}

// ChannelsContaining returns the channels userID belongs to, in creation order
func (r *Registry) ChannelsContaining(userID string) []*Channel {
	var out []*Channel
	for _, ch := range r.channels {
		if ch.HasMember(userID) {
			out = append(out, ch)
		}
	}
	return out
}

// CreateChannel adds a non-global channel with firstMember as its only member
func (r *Registry) CreateChannel(name, firstMember string) (*Channel, error) {
	if _, exists := r.byName[name]; exists {
		return nil, ErrDuplicateChannel
	}
	ch := &Channel{Name: name, members: []string{firstMember}}
	r.channels = append(r.channels, ch)
	r.byName[name] = ch
	return ch, nil
}

func (r *Registry) AddMember(ch *Channel, userID string) error {
	if ch.HasMember(userID) {
		return ErrAlreadyMember
	}
	ch.members = append(ch.members, userID)
	return nil
}

// RemoveMember reports whether userID was a member
func (r *Registry) RemoveMember(ch *Channel, userID string) bool {
	i := slices.Index(ch.members, userID)
	if i < 0 {
		return false
	}
	ch.members = slices.Delete(ch.members, i, i+1)
	return true
}

// RemoveEmptyNonGlobalChannels deletes every non-global channel without
// members and returns the removed names
func (r *Registry) RemoveEmptyNonGlobalChannels() []string {
	var removed []string
	kept := r.channels[:0]
	for _, ch := range r.channels {
		if !ch.Global && len(ch.members) == 0 {
			removed = append(removed, ch.Name)
			delete(r.byName, ch.Name)
			continue
		}
		kept = append(kept, ch)
	}
	clear(r.channels[len(kept):])
	r.channels = kept
	return removed
}

// AppendMessage adds msg to the channel history, dropping the oldest entries
// beyond maxHistory. A maxHistory of zero keeps everything.
func (r *Registry) AppendMessage(ch *Channel, msg protocol.Message, maxHistory int) {
	ch.history = append(ch.history, msg)
	if maxHistory > 0 && len(ch.history) > maxHistory {
		ch.history = slices.Delete(ch.history, 0, len(ch.history)-maxHistory)
	}
}
