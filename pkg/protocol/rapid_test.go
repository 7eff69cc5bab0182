package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func drawUser(t *rapid.T, label string) User {
	return User{
		ID:       rapid.StringN(0, 36, 36).Draw(t, label+".id"),
		Nickname: rapid.String().Draw(t, label+".nickname"),
	}
}

func drawTimestamp(t *rapid.T, label string) time.Time {
	ms := rapid.Int64Range(-1<<40, 1<<42).Draw(t, label)
	return time.UnixMilli(ms).UTC()
}

func drawMessage(t *rapid.T, label string) Message {
	m := Message{
		ChannelName: rapid.String().Draw(t, label+".channel"),
		Text:        rapid.String().Draw(t, label+".text"),
		Timestamp:   drawTimestamp(t, label+".ts"),
	}
	if rapid.Bool().Draw(t, label+".hasUser") {
		u := drawUser(t, label+".user")
		m.User = &u
	}
	return m
}

func drawChannel(t *rapid.T, label string) Channel {
	ch := Channel{
		Name:   rapid.String().Draw(t, label+".name"),
		Global: rapid.Bool().Draw(t, label+".global"),
	}
	members := rapid.IntRange(0, 5).Draw(t, label+".members")
	for i := 0; i < members; i++ {
		ch.Members = append(ch.Members, drawUser(t, label+".member"))
	}
	messages := rapid.IntRange(0, 5).Draw(t, label+".messages")
	for i := 0; i < messages; i++ {
		ch.Messages = append(ch.Messages, drawMessage(t, label+".message"))
	}
	return ch
}

// TestStringRoundTrip tests that any valid string can be encoded and decoded
func TestStringRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := rapid.String().Draw(t, "string")

		var buf bytes.Buffer
		if err := WriteString(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := ReadString(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != original {
			t.Fatalf("string mismatch: got %q, want %q", decoded, original)
		}
	})
}

// TestFrameRoundTrip tests that any valid frame can be encoded and decoded
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// Compressed frames need valid LZ4 data, so the flag is never set by the caller here
		flags := rapid.Byte().Draw(t, "flags") &^ FlagCompressed
		payload := rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(t, "payload")

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, &Frame{Version: ProtocolVersion, Flags: flags, Payload: payload}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded.Flags != flags {
			t.Fatalf("flags mismatch: got %d, want %d", decoded.Flags, flags)
		}
		if !bytes.Equal(decoded.Payload, payload) {
			t.Fatalf("payload mismatch")
		}
	})
}

// TestEnvelopeRoundTripRapid tests that every payload kind survives an envelope round trip
func TestEnvelopeRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringN(1, 32, 128).Draw(t, "event")

		var p Payload
		switch PayloadKind(rapid.IntRange(1, 7).Draw(t, "kind")) {
		case KindUserInfo:
			m := &UserInfoMessage{User: drawUser(t, "user")}
			n := rapid.IntRange(0, 3).Draw(t, "channels")
			for i := 0; i < n; i++ {
				m.Channels = append(m.Channels, drawChannel(t, "channel"))
			}
			p = m
		case KindChannelUpdate:
			p = &ChannelUpdateMessage{Channel: drawChannel(t, "channel")}
		case KindSay:
			p = &SayMessage{drawMessage(t, "say")}
		case KindNicknameChange:
			p = &NicknameChangeMessage{RequestedNickname: rapid.String().Draw(t, "nickname")}
		case KindNewGroup:
			p = &NewGroupMessage{Name: rapid.String().Draw(t, "group")}
		case KindInviteUser:
			p = &InviteUserMessage{
				ChannelName: rapid.String().Draw(t, "channel"),
				Nickname:    rapid.String().Draw(t, "nickname"),
			}
		case KindServerNotification:
			p = &ServerNotificationMessage{Text: rapid.String().Draw(t, "text")}
		}

		data, err := EncodeEnvelope(name, p)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if env.Name != name {
			t.Fatalf("name mismatch: got %q, want %q", env.Name, name)
		}
		if !assert.ObjectsAreEqual(p, env.Payload) {
			t.Fatalf("payload mismatch: got %#v, want %#v", env.Payload, p)
		}
	})
}

// TestDecodeEnvelopeNeverPanics feeds arbitrary bytes to the decoder
func TestDecodeEnvelopeNeverPanics(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(t, "data")
		env, err := DecodeEnvelope(data)
		if err == nil && env.Payload == nil {
			t.Fatalf("decoded envelope without payload")
		}
	})
}
