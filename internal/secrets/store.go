// Package secrets persists account private keys, one 0600 file per pubkey.
package secrets

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

// Store writes and reads private keys scoped by public identity.
type Store struct {
	dir string
}

// NewStore creates the secrets directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errs.E(errs.KindSecrets, "secrets.NewStore", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(pubkey string) string {
	return filepath.Join(s.dir, pubkey+".key")
}

// Save persists the hex private key for pubkey with mode 0600.
func (s *Store) Save(pubkey, privkey string) error {
	if len(pubkey) != 64 {
		return errs.Ef(errs.KindSecrets, "secrets.Save", "bad pubkey %q", pubkey)
	}
	if err := os.WriteFile(s.path(pubkey), []byte(privkey), 0o600); err != nil {
		return errs.E(errs.KindSecrets, "secrets.Save", err)
	}
	return nil
}

// Load returns the hex private key for pubkey.
func (s *Store) Load(pubkey string) (string, error) {
	raw, err := os.ReadFile(s.path(pubkey))
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.E(errs.KindSecrets, "secrets.Load", errs.ErrNotFound)
		}
		return "", errs.E(errs.KindSecrets, "secrets.Load", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Delete wipes the stored key for pubkey. Missing files are not an error.
func (s *Store) Delete(pubkey string) error {
	if err := os.Remove(s.path(pubkey)); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.KindSecrets, "secrets.Delete", err)
	}
	return nil
}

// ParseSecretKey accepts a 64-char hex key or a bech32 nsec and returns
// (privkey hex, pubkey hex).
func ParseSecretKey(input string) (string, string, error) {
	input = strings.TrimSpace(input)

	sk := input
	if strings.HasPrefix(input, "nsec1") {
		prefix, value, err := nip19.Decode(input)
		if err != nil || prefix != "nsec" {
			return "", "", errs.Ef(errs.KindSecrets, "secrets.ParseSecretKey", "bad nsec: %v", err)
		}
		sk = value.(string)
	}

	if len(sk) != 64 {
		return "", "", errs.Ef(errs.KindSecrets, "secrets.ParseSecretKey", "key must be 32 bytes, got %d chars", len(sk))
	}
	if _, err := hex.DecodeString(sk); err != nil {
		return "", "", errs.E(errs.KindSecrets, "secrets.ParseSecretKey", fmt.Errorf("not hex: %w", err))
	}

	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return "", "", errs.E(errs.KindSecrets, "secrets.ParseSecretKey", err)
	}
	return sk, pk, nil
}
