package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

// Event names carried in envelopes. Names are case-sensitive.
const (
	EventUserInfo           = "UserInfo"
	EventChannelUpdate      = "ChannelUpdate"
	EventSay                = "say"
	EventNicknameChange     = "request-nickname-change"
	EventNewGroup           = "request-new-group"
	EventInviteUser         = "request-invite-user"
	EventServerNotification = "OnServerNotification"
)

var (
	ErrUnknownPayloadKind = errors.New("unknown payload kind")
	ErrNilPayload         = errors.New("envelope payload is nil")
	ErrEmptyEventName     = errors.New("envelope event name is empty")
)

// Envelope is the unit routed by the dispatcher: an event name plus a typed payload.
// Format: [Name (u16 length + bytes)][Kind (1 byte)][Payload (N bytes)]
type Envelope struct {
	Name    string
	Payload Payload
}

// EncodeEnvelope serializes an event name and payload into a single byte string
func EncodeEnvelope(name string, p Payload) ([]byte, error) {
	if name == "" {
		return nil, ErrEmptyEventName
	}
	if p == nil {
		return nil, ErrNilPayload
	}

	buf := new(bytes.Buffer)
	if err := WriteString(buf, name); err != nil {
		return nil, err
	}
	if err := WriteUint8(buf, uint8(p.Kind())); err != nil {
		return nil, err
	}
	if err := p.EncodeTo(buf); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Kind(), err)
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses the output of EncodeEnvelope. The payload is
// materialized as the concrete type named by its kind tag.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	r := bytes.NewReader(data)

	name, err := ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read event name: %w", err)
	}
	if name == "" {
		return nil, ErrEmptyEventName
	}

	tag, err := ReadUint8(r)
	if err != nil {
		return nil, fmt.Errorf("read payload kind: %w", err)
	}
	kind := PayloadKind(tag)

	p := NewPayload(kind)
	if p == nil {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownPayloadKind, tag)
	}

	rest := data[len(data)-r.Len():]
	if err := p.Decode(rest); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}

	return &Envelope{Name: name, Payload: p}, nil
}
