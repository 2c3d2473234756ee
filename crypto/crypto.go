// Package crypto provides the encryption utilities the bridge's wire
// format requires: AES-256-GCM sealing of audio payloads, base64 helpers
// for config-embedded keys, and HKDF session key derivation.
//
// The sealed format is fixed by the server: a 12 byte random IV, the
// ciphertext, then the 16 byte GCM tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	ivSize  = 12
	tagSize = 16
)

var (
	// ErrKeySize indicates a key that is not exactly KeySize bytes.
	ErrKeySize = errors.New("crypto: key must be 32 bytes")
	// ErrCiphertextShort indicates sealed data too small to contain an IV
	// and tag.
	ErrCiphertextShort = errors.New("crypto: sealed data too short")
)

// Seal encrypts plain with AES-256-GCM under key and returns
// IV || ciphertext || tag.
func Seal(plain, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}

	// Seal appends ciphertext+tag to the IV slice, producing the wire
	// layout in one allocation.
	return aead.Seal(iv, iv, plain, nil), nil
}

// Open decrypts data produced by Seal (or by the server's equivalent). A
// tampered or foreign-key ciphertext fails tag verification and returns an
// error.
func Open(sealed, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < ivSize+tagSize {
		return nil, ErrCiphertextShort
	}

	plain, err := aead.Open(nil, sealed[:ivSize], sealed[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w", err)
	}
	return plain, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// DeriveSessionKey derives the per-session audio key from the configured
// master key and the salt delivered in the connect acknowledgement. The
// same master and salt always derive the same key, so both ends of the
// link agree without the key ever crossing the wire.
func DeriveSessionKey(master, salt []byte) ([]byte, error) {
	if len(master) != KeySize {
		return nil, ErrKeySize
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, salt, []byte("echostream-audio"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("crypto: derive session key: %w", err)
	}
	return key, nil
}

// EncodeBase64 encodes binary data for embedding in config or JSON.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes a base64 string, returning an empty slice on
// malformed input.
func DecodeBase64(s string) []byte {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return data
}
