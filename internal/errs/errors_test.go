package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := E(KindMls, "groups.acquire", ErrMlsBusy)
	if KindOf(err) != KindMls {
		t.Fatalf("KindOf = %v, want KindMls", KindOf(err))
	}
	if !errors.Is(err, ErrMlsBusy) {
		t.Fatalf("wrapped sentinel not recognized by errors.Is")
	}

	wrapped := fmt.Errorf("outer: %w", err)
	if KindOf(wrapped) != KindMls {
		t.Fatalf("KindOf through fmt wrap = %v, want KindMls", KindOf(wrapped))
	}
	if !errors.Is(wrapped, ErrMlsBusy) {
		t.Fatalf("sentinel lost through fmt wrap")
	}
}

func TestKindOf_Unstructured(t *testing.T) {
	t.Parallel()

	if got := KindOf(errors.New("plain")); got != KindUserVisible {
		t.Fatalf("KindOf(plain) = %v, want KindUserVisible", got)
	}
}

func TestE_NilPassthrough(t *testing.T) {
	t.Parallel()

	if err := E(KindDatabase, "database.Close", nil); err != nil {
		t.Fatalf("E(nil) = %v, want nil", err)
	}
}

func TestErrorMessageCarriesOp(t *testing.T) {
	t.Parallel()

	err := Ef(KindDatabase, "database.GetAccount", "no row for %s", "abc")
	msg := err.Error()
	if msg == "" {
		t.Fatalf("empty error message")
	}
	for _, want := range []string{"database.GetAccount", "abc"} {
		if !contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
