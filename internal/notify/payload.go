// Package notify decrypts push notification payloads under a hard
// time budget and guarantees exactly one delivery per payload: either
// the decrypted content or a generic fallback, never both and never
// neither.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

// envelopeVersion is the only wire version this build understands. The
// version byte is bound into the AEAD as associated data, so a tampered
// version fails authentication rather than silently decrypting.
const envelopeVersion byte = 0x01

// ErrUnknownKey is returned when the envelope references a key id the
// resolver does not hold.
var ErrUnknownKey = errors.New("unknown notification key")

// Envelope is the CBOR push payload as delivered by the platform.
type Envelope struct {
	V          byte   `cbor:"v"`
	KeyID      string `cbor:"key_id"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// Content is the decrypted notification body shown to the user.
type Content struct {
	Title string `cbor:"title"`
	Body  string `cbor:"body"`
}

// KeyLookup maps a key id to the 32-byte XChaCha20-Poly1305 key
// provisioned for this device, or false if unknown.
type KeyLookup func(keyID string) ([]byte, bool)

// Decryptor opens notification envelopes.
type Decryptor struct {
	lookup KeyLookup
}

// NewDecryptor creates a Decryptor using the given key lookup.
func NewDecryptor(lookup KeyLookup) *Decryptor {
	return &Decryptor{lookup: lookup}
}

// Open parses and decrypts a raw push payload. The budget context is
// checked between stages so an expired delivery stops work instead of
// decrypting into a process the platform is about to kill.
func (d *Decryptor) Open(ctx context.Context, raw []byte) (Content, error) {
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return Content{}, fmt.Errorf("parsing envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return Content{}, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}

	key, ok := d.lookup(env.KeyID)
	if !ok {
		return Content{}, fmt.Errorf("%w: %s", ErrUnknownKey, env.KeyID)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Content{}, fmt.Errorf("constructing cipher: %w", err)
	}
	if len(env.Nonce) != aead.NonceSize() {
		return Content{}, fmt.Errorf("bad nonce length %d", len(env.Nonce))
	}
	if err := ctx.Err(); err != nil {
		return Content{}, err
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte{env.V})
	if err != nil {
		return Content{}, fmt.Errorf("opening ciphertext: %w", err)
	}

	var content Content
	if err := cbor.Unmarshal(plaintext, &content); err != nil {
		return Content{}, fmt.Errorf("parsing content: %w", err)
	}
	return content, nil
}

// Seal encrypts content into an envelope. The server side does this in
// production; it lives here for tests and the debug-decode tooling.
func Seal(keyID string, key, nonce []byte, content Content) ([]byte, error) {
	plaintext, err := cbor.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encoding content: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("constructing cipher: %w", err)
	}

	env := Envelope{
		V:          envelopeVersion,
		KeyID:      keyID,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, []byte{envelopeVersion}),
	}
	return cbor.Marshal(env)
}
