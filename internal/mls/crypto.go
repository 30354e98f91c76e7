package mls

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

const secretLen = 32

// randBytes returns n cryptographically secure random bytes.
func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// deriveSecret expands a new secret from parent keyed by info via HKDF-SHA256.
func deriveSecret(parent []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, parent, nil, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// nextEpochSecret mixes the commit secret into the epoch chain. Removed
// members cannot derive it without the commit secret.
func nextEpochSecret(current, commitSecret []byte, newEpoch uint64) ([]byte, error) {
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], newEpoch)
	ikm := make([]byte, 0, len(current)+len(commitSecret))
	ikm = append(ikm, current...)
	ikm = append(ikm, commitSecret...)
	return deriveSecret(ikm, "whitenoise-epoch:"+string(e[:]), secretLen)
}

// messageKey derives the kind-445 payload key for one epoch.
func messageKey(epochSecret []byte) ([]byte, error) {
	return deriveSecret(epochSecret, "whitenoise-message", chacha20poly1305.KeySize)
}

// sealPayload frames a payload as base64(epoch || nonce || ciphertext).
func sealPayload(epochSecret []byte, epoch uint64, plaintext []byte) (string, error) {
	key, err := messageKey(epochSecret)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce, err := randBytes(chacha20poly1305.NonceSize)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, 8+len(nonce)+len(plaintext)+aead.Overhead())
	var e [8]byte
	binary.BigEndian.PutUint64(e[:], epoch)
	out = append(out, e[:]...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plaintext, e[:])...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// payloadEpoch reads the epoch prefix without decrypting.
func payloadEpoch(content string) (uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil || len(raw) < 8 {
		return 0, errs.E(errs.KindMls, "mls.payloadEpoch", errs.ErrDecryptionFailure)
	}
	return binary.BigEndian.Uint64(raw[:8]), nil
}

// openPayload reverses sealPayload with the secret of the framed epoch.
func openPayload(epochSecret []byte, content string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.openPayload", errs.ErrDecryptionFailure)
	}
	if len(raw) < 8+chacha20poly1305.NonceSize {
		return nil, errs.E(errs.KindMls, "mls.openPayload", errs.ErrDecryptionFailure)
	}
	key, err := messageKey(epochSecret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	aad := raw[:8]
	nonce := raw[8 : 8+chacha20poly1305.NonceSize]
	ct := raw[8+chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, errs.E(errs.KindMls, "mls.openPayload", errs.ErrDecryptionFailure)
	}
	return pt, nil
}
