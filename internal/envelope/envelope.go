// Package envelope implements the per-connection security envelope: an
// ephemeral X25519 key agreement followed by AES-256-GCM sealing of every
// frame. The wire format for a sealed frame is a JSON object with base64
// nonce, ciphertext, and tag fields.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SaltSize is the per-connection HKDF salt length.
	SaltSize = 16

	nonceSize = 12
	tagSize   = 16

	// kdfInfo binds derived keys to this protocol stage.
	kdfInfo = "handshake data"
)

var (
	ErrNotEstablished = errors.New("envelope: handshake not complete")
	ErrDecrypt        = errors.New("envelope: decryption failed")
)

// Frame is the sealed wire representation of one message.
type Frame struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Tag        string `json:"tag"`
}

// Envelope holds one connection's handshake state and, once established, its
// AEAD. It is owned by a single connection and is not safe for concurrent use
// by multiple writers; the connection's outbound loop is the only sealer and
// the inbound loop the only opener.
type Envelope struct {
	priv *ecdh.PrivateKey
	salt []byte
	aead cipher.AEAD
}

// New generates the server's ephemeral keypair and a fresh salt.
func New() (*Envelope, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("envelope: generate keypair: %w", err)
	}
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("envelope: generate salt: %w", err)
	}
	return &Envelope{priv: priv, salt: salt}, nil
}

// PublicKey returns the server's ephemeral public key, base64-encoded for the
// handshake frame.
func (e *Envelope) PublicKey() string {
	return base64.StdEncoding.EncodeToString(e.priv.PublicKey().Bytes())
}

// Salt returns the per-connection salt, base64-encoded.
func (e *Envelope) Salt() string {
	return base64.StdEncoding.EncodeToString(e.salt)
}

// Complete consumes the client's public key, derives the shared symmetric key
// via HKDF-SHA-256, and arms the AEAD. After Complete returns nil, every
// frame must go through Seal/Open.
func (e *Envelope) Complete(clientPublicKeyB64 string) error {
	raw, err := base64.StdEncoding.DecodeString(clientPublicKeyB64)
	if err != nil {
		return fmt.Errorf("envelope: decode client key: %w", err)
	}
	peer, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("envelope: parse client key: %w", err)
	}
	secret, err := e.priv.ECDH(peer)
	if err != nil {
		return fmt.Errorf("envelope: compute shared secret: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, e.salt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("envelope: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("envelope: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("envelope: init gcm: %w", err)
	}
	e.aead = aead
	return nil
}

// Established reports whether the handshake has completed.
func (e *Envelope) Established() bool {
	return e.aead != nil
}

// Seal encrypts plaintext into a wire frame with a fresh random nonce.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, ErrNotEstablished
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, plaintext, nil)
	// GCM appends the tag to the ciphertext; the wire format carries it
	// as a separate field.
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return json.Marshal(Frame{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
		Tag:        base64.StdEncoding.EncodeToString(tag),
	})
}

// Open authenticates and decrypts a wire frame. Any failure is terminal for
// the connection; callers must not reply to an unauthenticated frame.
func (e *Envelope) Open(frame []byte) ([]byte, error) {
	if e.aead == nil {
		return nil, ErrNotEstablished
	}
	var f Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, fmt.Errorf("%w: malformed frame", ErrDecrypt)
	}
	nonce, err := base64.StdEncoding.DecodeString(f.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	ct, err := base64.StdEncoding.DecodeString(f.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(f.Tag)
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: bad tag", ErrDecrypt)
	}
	plaintext, err := e.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
