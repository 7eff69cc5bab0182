package client

import (
	"sync"
)

// MockRequest is one call recorded by MockConnection
type MockRequest struct {
	Kind    string // "say", "nick", "group" or "invite"
	Channel string
	Arg     string
}

// MockConnection is a ChatConnection that records requests instead of
// sending them
type MockConnection struct {
	mu       sync.Mutex
	address  string
	sendErr  error
	requests []MockRequest
	done     chan struct{}
	closed   bool
}

var _ ChatConnection = (*MockConnection)(nil)

func NewMockConnection(address string) *MockConnection {
	return &MockConnection{address: address, done: make(chan struct{})}
}

// SetSendError makes every later request fail with err
func (m *MockConnection) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockConnection) record(r MockRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.requests = append(m.requests, r)
	return nil
}

func (m *MockConnection) Say(channel, text string) error {
	return m.record(MockRequest{Kind: "say", Channel: channel, Arg: text})
}

func (m *MockConnection) RequestNickname(nickname string) error {
	return m.record(MockRequest{Kind: "nick", Arg: nickname})
}

func (m *MockConnection) CreateGroup(name string) error {
	return m.record(MockRequest{Kind: "group", Arg: name})
}

func (m *MockConnection) Invite(channel, nickname string) error {
	return m.record(MockRequest{Kind: "invite", Channel: channel, Arg: nickname})
}

func (m *MockConnection) Address() string {
	return m.address
}

func (m *MockConnection) Done() <-chan struct{} {
	return m.done
}

func (m *MockConnection) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// Requests returns every recorded request in call order
func (m *MockConnection) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockRequest(nil), m.requests...)
}
