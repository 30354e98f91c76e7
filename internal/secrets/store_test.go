package secrets

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/whitenoise-im/whitenoise/internal/errs"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	t.Parallel()

	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	if err := st.Save(pk, sk); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := st.Load(pk)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != sk {
		t.Fatalf("Load = %q, want saved key", got)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(filepath.Join(st.dir, pk+".key"))
		if err != nil {
			t.Fatalf("stat key file: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Fatalf("key file mode = %o, want 600", perm)
		}
	}

	if err := st.Delete(pk); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Load(pk); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Load after delete = %v, want ErrNotFound", err)
	}
	// Deleting twice is not an error.
	if err := st.Delete(pk); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestStore_SaveRejectsBadPubkey(t *testing.T) {
	t.Parallel()

	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := st.Save("short", "whatever"); err == nil {
		t.Fatalf("Save accepted a malformed pubkey")
	}
}

func TestParseSecretKey(t *testing.T) {
	t.Parallel()

	sk := nostr.GeneratePrivateKey()
	wantPk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	gotSk, gotPk, err := ParseSecretKey(sk)
	if err != nil {
		t.Fatalf("ParseSecretKey(hex): %v", err)
	}
	if gotSk != sk || gotPk != wantPk {
		t.Fatalf("hex parse = (%s, %s)", gotSk, gotPk)
	}

	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		t.Fatalf("EncodePrivateKey: %v", err)
	}
	gotSk, gotPk, err = ParseSecretKey(" " + nsec + "\n")
	if err != nil {
		t.Fatalf("ParseSecretKey(nsec): %v", err)
	}
	if gotSk != sk || gotPk != wantPk {
		t.Fatalf("nsec parse = (%s, %s)", gotSk, gotPk)
	}

	for _, bad := range []string{"", "zz", "nsec1garbage", sk[:40], "g" + sk[1:]} {
		if _, _, err := ParseSecretKey(bad); err == nil {
			t.Fatalf("ParseSecretKey(%q) accepted garbage", bad)
		}
	}
}
