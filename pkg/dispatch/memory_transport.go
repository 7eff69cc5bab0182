package dispatch

import (
	"slices"
	"sync"

	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/aeolun/pipechat/pkg/secure"
)

// Delivery is one frame handed to a MemoryTransport
type Delivery struct {
	To   []ConnID // nil means broadcast
	Data []byte
	Mode DeliveryMode
}

// MemoryTransport records outbound frames instead of writing them anywhere.
// It backs tests and in-process tooling.
type MemoryTransport struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Send(to []ConnID, data []byte, mode DeliveryMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	var recipients []ConnID
	if to != nil {
		recipients = append([]ConnID{}, to...)
	}
	t.deliveries = append(t.deliveries, Delivery{
		To:   recipients,
		Data: append([]byte(nil), data...),
		Mode: mode,
	})
	return nil
}

// FailWith makes subsequent sends return err. Pass nil to recover.
func (t *MemoryTransport) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Deliveries returns a copy of everything sent so far
func (t *MemoryTransport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// Reset forgets recorded deliveries
func (t *MemoryTransport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deliveries = nil
}

// Received is a decoded delivery as seen by one recipient
type Received struct {
	Name    string
	Payload protocol.Payload
	Mode    DeliveryMode
}

// Inbox decodes every delivery that reached conn, in send order. live lists
// the connections that count as "everyone" for broadcasts.
func (t *MemoryTransport) Inbox(conn ConnID, live []ConnID, c secure.Cipher) ([]Received, error) {
	if c == nil {
		c = secure.Plain{}
	}
	var out []Received
	for _, d := range t.Deliveries() {
		targets := d.To
		if targets == nil {
			targets = live
		}
		if !slices.Contains(targets, conn) {
			continue
		}
		plaintext, err := c.Decrypt(d.Data)
		if err != nil {
			return nil, err
		}
		env, err := protocol.DecodeEnvelope(plaintext)
		if err != nil {
			return nil, err
		}
		out = append(out, Received{Name: env.Name, Payload: env.Payload, Mode: d.Mode})
	}
	return out, nil
}
