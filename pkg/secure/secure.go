// Package secure provides the symmetric encryption applied to every envelope
// on the wire. Both ends derive the same AES-256-GCM key from a pre-shared
// passphrase.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of AES-256 keys
	KeySize = 32

	// NonceSize is the size of AES-GCM nonces
	NonceSize = 12

	// TagSize is the size of AES-GCM authentication tags
	TagSize = 16

	// HKDFSalt is the salt used when deriving a key from a passphrase
	HKDFSalt = "pipechat-envelope-v1"

	// HKDFInfo binds derived keys to their purpose
	HKDFInfo = "aes-256-gcm"
)

var (
	ErrEmptyPassphrase   = errors.New("passphrase must not be empty")
	ErrInvalidKeySize    = errors.New("invalid key size")
	ErrInvalidCiphertext = errors.New("ciphertext too short")
	ErrDecryptionFailed  = errors.New("decryption failed: authentication error")
)

// Cipher transforms envelope bytes before they reach the transport and after
// they leave it. Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Plain is the identity Cipher, used when no shared key is configured
type Plain struct{}

func (Plain) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (Plain) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }

// Channel seals envelopes with AES-256-GCM.
// Wire format: nonce (12 bytes) || ciphertext || tag (16 bytes)
type Channel struct {
	aead cipher.AEAD
}

// DeriveKey derives an AES-256 key from a passphrase using HKDF-SHA512
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	r := hkdf.New(sha512.New, []byte(passphrase), []byte(HKDFSalt), []byte(HKDFInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// NewChannel builds a Channel keyed from a pre-shared passphrase
func NewChannel(passphrase string) (*Channel, error) {
	key, err := DeriveKey(passphrase)
	if err != nil {
		return nil, err
	}
	return NewChannelWithKey(key)
}

// NewChannelWithKey builds a Channel from a raw 32-byte key
func NewChannelWithKey(key []byte) (*Channel, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrInvalidKeySize, KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Channel{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt
func (c *Channel) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// New returns a Channel for a non-empty passphrase and Plain otherwise
func New(passphrase string) (Cipher, error) {
	if passphrase == "" {
		return Plain{}, nil
	}
	return NewChannel(passphrase)
}
