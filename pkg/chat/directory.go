package chat

import (
	"errors"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/google/uuid"
)

var ErrAlreadyBound = errors.New("connection already bound to a user")

// User is a participant bound to one live connection
type User struct {
	ID       string
	Nickname string
	Conn     dispatch.ConnID
}

// Wire returns the protocol view of the user
func (u *User) Wire() protocol.User {
	return protocol.User{ID: u.ID, Nickname: u.Nickname}
}

// Directory owns every live user and the connection binding for each.
// It is not safe for concurrent use; the controller serializes access.
type Directory struct {
	byConn map[dispatch.ConnID]*User
	byID   map[string]*User
	names  NameGenerator
}

// NewDirectory creates an empty directory. A nil generator uses RandomFirstName.
func NewDirectory(names NameGenerator) *Directory {
	if names == nil {
		names = RandomFirstName
	}
	return &Directory{
		byConn: make(map[dispatch.ConnID]*User),
		byID:   make(map[string]*User),
		names:  names,
	}
}

// Bind allocates a fresh user for conn
func (d *Directory) Bind(conn dispatch.ConnID) (*User, error) {
	if _, exists := d.byConn[conn]; exists {
		return nil, ErrAlreadyBound
	}

	nickname := uniqueName(d.names, func(name string) bool {
		return d.LookupByNickname(name) != nil
	})

	u := &User{
		ID:       uuid.NewString(),
		Nickname: nickname,
		Conn:     conn,
	}
	d.byConn[conn] = u
	d.byID[u.ID] = u
	return u, nil
}

// Unbind removes the binding for conn. It reports false when conn was never
// bound or was already unbound.
func (d *Directory) Unbind(conn dispatch.ConnID) (*User, bool) {
	u, ok := d.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(d.byConn, conn)
	delete(d.byID, u.ID)
	return u, true
}

func (d *Directory) LookupByConnection(conn dispatch.ConnID) *User {
	return d.byConn[conn]
}

func (d *Directory) LookupByID(id string) *User {
	return d.byID[id]
}

// ConnectionOf returns the connection a user is bound to
func (d *Directory) ConnectionOf(userID string) (dispatch.ConnID, bool) {
	u, ok := d.byID[userID]
	if !ok {
		return 0, false
	}
	return u.Conn, true
}

// LookupByNickname scans live users for an exact, case-sensitive match
func (d *Directory) LookupByNickname(name string) *User {
	for _, u := range d.byConn {
		if u.Nickname == name {
			return u
		}
	}
	return nil
}

func (d *Directory) Len() int {
	return len(d.byConn)
}
