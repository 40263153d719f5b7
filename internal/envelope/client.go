package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// NewClient derives the client half of the envelope from the server's
// handshake offer. It generates the client ephemeral keypair, computes the
// same shared key, and returns an established Envelope plus the public key to
// send back. Both halves run the identical AEAD, so Seal/Open behave the same
// on either side.
func NewClient(serverPublicKeyB64, saltB64 string) (*Envelope, string, error) {
	serverRaw, err := base64.StdEncoding.DecodeString(serverPublicKeyB64)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: decode server key: %w", err)
	}
	serverPub, err := ecdh.X25519().NewPublicKey(serverRaw)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: parse server key: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: decode salt: %w", err)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: generate keypair: %w", err)
	}
	secret, err := priv.ECDH(serverPub)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: compute shared secret: %w", err)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, "", fmt.Errorf("envelope: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("envelope: init gcm: %w", err)
	}

	e := &Envelope{priv: priv, salt: salt, aead: aead}
	return e, base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}
