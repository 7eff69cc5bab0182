package protocol

import (
	"bytes"
	"io"
	"time"
)

// Payload is implemented by every typed body that can travel inside an envelope
type Payload interface {
	// Kind returns the wire tag identifying the concrete payload type
	Kind() PayloadKind
	// Encode serializes the payload to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the payload directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the payload from bytes
	Decode(payload []byte) error
}

// PayloadKind tags the concrete payload type on the wire
type PayloadKind uint8

const (
	KindUserInfo           PayloadKind = 0x01
	KindChannelUpdate      PayloadKind = 0x02
	KindSay                PayloadKind = 0x03
	KindNicknameChange     PayloadKind = 0x04
	KindNewGroup           PayloadKind = 0x05
	KindInviteUser         PayloadKind = 0x06
	KindServerNotification PayloadKind = 0x07
)

func (k PayloadKind) String() string {
	switch k {
	case KindUserInfo:
		return "user_info"
	case KindChannelUpdate:
		return "channel_update"
	case KindSay:
		return "say"
	case KindNicknameChange:
		return "nickname_change"
	case KindNewGroup:
		return "new_group"
	case KindInviteUser:
		return "invite_user"
	case KindServerNotification:
		return "server_notification"
	default:
		return "unknown"
	}
}

// NewPayload returns an empty payload for the given kind, or nil if the kind is unknown
func NewPayload(kind PayloadKind) Payload {
	switch kind {
	case KindUserInfo:
		return &UserInfoMessage{}
	case KindChannelUpdate:
		return &ChannelUpdateMessage{}
	case KindSay:
		return &SayMessage{}
	case KindNicknameChange:
		return &NicknameChangeMessage{}
	case KindNewGroup:
		return &NewGroupMessage{}
	case KindInviteUser:
		return &InviteUserMessage{}
	case KindServerNotification:
		return &ServerNotificationMessage{}
	default:
		return nil
	}
}

// User is the wire view of a connected participant
type User struct {
	ID       string
	Nickname string
}

// Message is a single chat line as stored in channel history
type Message struct {
	ChannelName string
	User        *User // Attached by the server; ignored when sent by a client
	Text        string
	Timestamp   time.Time
}

// Channel is a snapshot of a channel's members and history
type Channel struct {
	Name     string
	Global   bool
	Members  []User
	Messages []Message
}

func writeUser(w io.Writer, u User) error {
	if err := WriteString(w, u.ID); err != nil {
		return err
	}
	return WriteString(w, u.Nickname)
}

func readUser(r io.Reader) (User, error) {
	id, err := ReadString(r)
	if err != nil {
		return User{}, err
	}
	nickname, err := ReadString(r)
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Nickname: nickname}, nil
}

func writeMessage(w io.Writer, m Message) error {
	if err := WriteString(w, m.ChannelName); err != nil {
		return err
	}
	if err := WriteBool(w, m.User != nil); err != nil {
		return err
	}
	if m.User != nil {
		if err := writeUser(w, *m.User); err != nil {
			return err
		}
	}
	if err := WriteString(w, m.Text); err != nil {
		return err
	}
	return WriteTimestamp(w, m.Timestamp)
}

// WireSize is the number of bytes m takes inside an encoded payload
func (m Message) WireSize() int {
	n := 2 + len(m.ChannelName) + 1 + 2 + len(m.Text) + 8
	if m.User != nil {
		n += m.User.WireSize()
	}
	return n
}

// WireSize is the number of bytes u takes inside an encoded payload
func (u User) WireSize() int {
	return 2 + len(u.ID) + 2 + len(u.Nickname)
}

func readMessage(r io.Reader) (Message, error) {
	var m Message
	channelName, err := ReadString(r)
	if err != nil {
		return m, err
	}
	hasUser, err := ReadBool(r)
	if err != nil {
		return m, err
	}
	if hasUser {
		u, err := readUser(r)
		if err != nil {
			return m, err
		}
		m.User = &u
	}
	text, err := ReadString(r)
	if err != nil {
		return m, err
	}
	ts, err := ReadTimestamp(r)
	if err != nil {
		return m, err
	}
	m.ChannelName = channelName
	m.Text = text
	m.Timestamp = ts
	return m, nil
}

func writeChannel(w io.Writer, ch Channel) error {
	if err := WriteString(w, ch.Name); err != nil {
		return err
	}
	if err := WriteBool(w, ch.Global); err != nil {
		return err
	}
	if err := writeListLen(w, len(ch.Members)); err != nil {
		return err
	}
	for _, u := range ch.Members {
		if err := writeUser(w, u); err != nil {
			return err
		}
	}
	if err := writeListLen(w, len(ch.Messages)); err != nil {
		return err
	}
	for _, m := range ch.Messages {
		if err := writeMessage(w, m); err != nil {
			return err
		}
	}
	return nil
}

func readChannel(r io.Reader) (Channel, error) {
	var ch Channel
	name, err := ReadString(r)
	if err != nil {
		return ch, err
	}
	global, err := ReadBool(r)
	if err != nil {
		return ch, err
	}
	memberCount, err := ReadUint16(r)
	if err != nil {
		return ch, err
	}
	var members []User
	for i := uint16(0); i < memberCount; i++ {
		u, err := readUser(r)
		if err != nil {
			return ch, err
		}
		members = append(members, u)
	}
	messageCount, err := ReadUint16(r)
	if err != nil {
		return ch, err
	}
	var messages []Message
	for i := uint16(0); i < messageCount; i++ {
		m, err := readMessage(r)
		if err != nil {
			return ch, err
		}
		messages = append(messages, m)
	}
	ch.Name = name
	ch.Global = global
	ch.Members = members
	ch.Messages = messages
	return ch, nil
}

func encodePayload(p Payload) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := p.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UserInfoMessage (0x01) - Sent once to a newly connected client
type UserInfoMessage struct {
	User     User
	Channels []Channel
}

func (m *UserInfoMessage) Kind() PayloadKind { return KindUserInfo }

func (m *UserInfoMessage) EncodeTo(w io.Writer) error {
	if err := writeUser(w, m.User); err != nil {
		return err
	}
	if err := writeListLen(w, len(m.Channels)); err != nil {
		return err
	}
	for _, ch := range m.Channels {
		if err := writeChannel(w, ch); err != nil {
			return err
		}
	}
	return nil
}

func (m *UserInfoMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *UserInfoMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	u, err := readUser(buf)
	if err != nil {
		return err
	}
	count, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	var channels []Channel
	for i := uint16(0); i < count; i++ {
		ch, err := readChannel(buf)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	m.User = u
	m.Channels = channels
	return nil
}

// ChannelUpdateMessage (0x02) - Full snapshot of a channel after any change
type ChannelUpdateMessage struct {
	Channel Channel
}

func (m *ChannelUpdateMessage) Kind() PayloadKind { return KindChannelUpdate }

func (m *ChannelUpdateMessage) EncodeTo(w io.Writer) error {
	return writeChannel(w, m.Channel)
}

func (m *ChannelUpdateMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *ChannelUpdateMessage) Decode(payload []byte) error {
	ch, err := readChannel(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Channel = ch
	return nil
}

// SayMessage (0x03) - A chat line, client to server and server to channel members
type SayMessage struct {
	Message
}

func (m *SayMessage) Kind() PayloadKind { return KindSay }

func (m *SayMessage) EncodeTo(w io.Writer) error {
	return writeMessage(w, m.Message)
}

func (m *SayMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *SayMessage) Decode(payload []byte) error {
	msg, err := readMessage(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Message = msg
	return nil
}

// NicknameChangeMessage (0x04) - Request to change the sender's nickname
type NicknameChangeMessage struct {
	RequestedNickname string
}

func (m *NicknameChangeMessage) Kind() PayloadKind { return KindNicknameChange }

func (m *NicknameChangeMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.RequestedNickname)
}

func (m *NicknameChangeMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *NicknameChangeMessage) Decode(payload []byte) error {
	nickname, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.RequestedNickname = nickname
	return nil
}

// NewGroupMessage (0x05) - Request to create a channel owned by the sender
type NewGroupMessage struct {
	Name string
}

func (m *NewGroupMessage) Kind() PayloadKind { return KindNewGroup }

func (m *NewGroupMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Name)
}

func (m *NewGroupMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *NewGroupMessage) Decode(payload []byte) error {
	name, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Name = name
	return nil
}

// InviteUserMessage (0x06) - Request to add a user to a channel
type InviteUserMessage struct {
	ChannelName string
	Nickname    string
}

func (m *InviteUserMessage) Kind() PayloadKind { return KindInviteUser }

func (m *InviteUserMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.ChannelName); err != nil {
		return err
	}
	return WriteString(w, m.Nickname)
}

func (m *InviteUserMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *InviteUserMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	channelName, err := ReadString(buf)
	if err != nil {
		return err
	}
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.ChannelName = channelName
	m.Nickname = nickname
	return nil
}

// ServerNotificationMessage (0x07) - Human-readable notice for a single client
type ServerNotificationMessage struct {
	Text string
}

func (m *ServerNotificationMessage) Kind() PayloadKind { return KindServerNotification }

func (m *ServerNotificationMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Text)
}

func (m *ServerNotificationMessage) Encode() ([]byte, error) {
	return encodePayload(m)
}

func (m *ServerNotificationMessage) Decode(payload []byte) error {
	text, err := ReadString(bytes.NewReader(payload))
	if err != nil {
		return err
	}
	m.Text = text
	return nil
}
