package client

// ChatConnection is the set of requests a client UI sends to the server.
// Connection implements it; MockConnection records calls for tests.
type ChatConnection interface {
	Say(channel, text string) error
	RequestNickname(nickname string) error
	CreateGroup(name string) error
	Invite(channel, nickname string) error

	Address() string
	Done() <-chan struct{}
	Close() error
}

var _ ChatConnection = (*Connection)(nil)
