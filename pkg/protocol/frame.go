package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

const (
	// MaxFrameSize bounds the length field, which counts version, flags and payload.
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is stamped on every outgoing frame.
	// v1 peers cannot read compressed frames; v2 added LZ4.
	ProtocolVersion = 2

	// CompressionThreshold is the smallest payload worth trying to compress.
	CompressionThreshold = 512

	frameHeaderSize = 6 // length u32, version u8, flags u8
)

const (
	FlagCompressed = 0x01
	FlagEncrypted  = 0x02
)

var (
	ErrFrameTooLarge        = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidFrameLength   = errors.New("invalid frame length")
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
)

// Frame is one unit on the wire, carrying one (possibly sealed) envelope:
//
//	[Length u32][Version u8][Flags u8][Payload]
type Frame struct {
	Version uint8
	Flags   uint8
	Payload []byte
}

// CompressPayload returns data LZ4-compressed behind a u32 original size, or
// data itself and false when compression does not make it smaller.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, out[4:], nil)
	if err != nil || n == 0 || 4+n >= len(data) {
		return data, false
	}
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	return out[:4+n], true
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}
	size := binary.BigEndian.Uint32(data)
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != len(out) {
		return nil, ErrDecompressionFailed
	}
	return out, nil
}

// canCompress reports whether a peer speaking version v (if known) reads LZ4 frames
func canCompress(peerVersion []uint8) bool {
	if len(peerVersion) == 0 {
		return true
	}
	v := peerVersion[0]
	return v >= 2 && v <= ProtocolVersion
}

// shouldCompress reports whether EncodeFrame tries LZ4 on a payload. Sealed
// payloads are indistinguishable from random bytes and never shrink.
func shouldCompress(flags uint8, size int, peerVersion []uint8) bool {
	return flags&(FlagCompressed|FlagEncrypted) == 0 && size >= CompressionThreshold && canCompress(peerVersion)
}

// EncodeFrame writes f to w. Plaintext payloads of at least
// CompressionThreshold bytes are compressed when that saves space and the peer
// can read it; sealed payloads are written as they are. Pass the peer's
// version when it is known; without it compression is assumed to be supported.
func EncodeFrame(w io.Writer, f *Frame, peerVersion ...uint8) error {
	payload, flags := f.Payload, f.Flags
	if shouldCompress(flags, len(payload), peerVersion) {
		if packed, ok := CompressPayload(payload); ok {
			payload = packed
			flags |= FlagCompressed
		}
	}

	length := 2 + len(payload)
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(length))
	header[4] = f.Version
	header[5] = flags
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	if fl, ok := w.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

// DecodeFrame reads one frame from r, inflating a compressed payload. The
// returned frame never carries FlagCompressed.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length < 2 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}

	f := &Frame{Version: body[0], Flags: body[1], Payload: body[2:]}
	if f.Flags&FlagCompressed != 0 && len(f.Payload) > 0 {
		if f.Payload, err = DecompressPayload(f.Payload); err != nil {
			return nil, err
		}
		f.Flags &^= FlagCompressed
	}
	return f, nil
}

// EncodeMessage frames payload at the current ProtocolVersion and returns the
// wire bytes.
func EncodeMessage(flags uint8, payload []byte, peerVersion ...uint8) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(frameHeaderSize + len(payload))
	if err := EncodeFrame(&buf, &Frame{Version: ProtocolVersion, Flags: flags, Payload: payload}, peerVersion...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage decodes a single frame held in data.
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
