// Package crypto seals stored webhook payloads with AES-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrNotSealed is returned by Open for payloads stored in the clear.
var ErrNotSealed = errors.New("payload is not sealed")

// sealedEnvelope keeps sealed payloads valid JSON, so they fit the same
// JSONB column as clear ones.
type sealedEnvelope struct {
	Sealed string `json:"sealed"`
}

// PayloadSealer encrypts payloads with AES-256-GCM. The random nonce is
// prepended to the ciphertext.
type PayloadSealer struct {
	aead cipher.AEAD
}

// NewPayloadSealer creates a sealer from a base64-encoded 32-byte key.
func NewPayloadSealer(encodedKey string) (*PayloadSealer, error) {
	if encodedKey == "" {
		return nil, errors.New("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not base64: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &PayloadSealer{aead: aead}, nil
}

// Seal encrypts payload and wraps it as {"sealed":"<base64>"}.
func (s *PayloadSealer) Seal(payload []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	ciphertext := s.aead.Seal(nonce, nonce, payload, nil)
	return json.Marshal(sealedEnvelope{Sealed: base64.StdEncoding.EncodeToString(ciphertext)})
}

// Open reverses Seal.
func (s *PayloadSealer) Open(stored []byte) ([]byte, error) {
	var env sealedEnvelope
	if err := json.Unmarshal(stored, &env); err != nil || env.Sealed == "" {
		return nil, ErrNotSealed
	}
	raw, err := base64.StdEncoding.DecodeString(env.Sealed)
	if err != nil {
		return nil, fmt.Errorf("sealed payload is not base64: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
}
