// Package errs defines the single error taxonomy shared by all subsystems.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy and user display.
type Kind int

const (
	// KindConfiguration covers bad paths and missing required environment.
	KindConfiguration Kind = iota
	// KindSecrets covers key parse failures, missing keys, permissions.
	KindSecrets
	// KindDatabase covers connection, migration and constraint errors.
	KindDatabase
	// KindRelay covers connect, publish-rejected and timeout errors.
	KindRelay
	// KindMls covers coordinator and MLS primitive errors.
	KindMls
	// KindMedia covers media format, integrity and crypto errors.
	KindMedia
	// KindUserVisible covers errors surfaced directly to the caller.
	KindUserVisible
)

// String returns the taxonomy name of the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSecrets:
		return "secrets"
	case KindDatabase:
		return "database"
	case KindRelay:
		return "relay"
	case KindMls:
		return "mls"
	case KindMedia:
		return "media"
	case KindUserVisible:
		return "user"
	default:
		return "unknown"
	}
}

// Error attaches a Kind and operation name to an underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E wraps err with a kind and the operation that produced it.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef wraps a formatted message as an Error.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return e.Kind.String() + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf reports the Kind of err, or KindUserVisible for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUserVisible
}

// Sentinels for conditions callers branch on with errors.Is.
var (
	// ErrMlsBusy indicates the coordinator mutex could not be acquired in time.
	ErrMlsBusy = errors.New("mls coordinator busy")

	// ErrKeyPackageNotFound indicates no key package exists for a pubkey.
	ErrKeyPackageNotFound = errors.New("key package not found")

	// ErrUnknownGroup indicates no group state exists for the given id.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrUnknownMember indicates a pubkey is not a member of the group.
	ErrUnknownMember = errors.New("unknown member")

	// ErrEpochMismatch indicates a message was encrypted at an unusable epoch.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrDecryptionFailure indicates AEAD or welcome decryption failed.
	ErrDecryptionFailure = errors.New("decryption failure")

	// ErrUnsupportedMediaFormat indicates a file outside the media whitelist.
	ErrUnsupportedMediaFormat = errors.New("unsupported media format")

	// ErrIntegrityFailure indicates a downloaded blob hash mismatch.
	ErrIntegrityFailure = errors.New("integrity failure")

	// ErrAccountNotFound indicates no account row exists for the pubkey.
	ErrAccountNotFound = errors.New("account not found")

	// ErrGroupNotFound indicates no group row exists for the id.
	ErrGroupNotFound = errors.New("group not found")

	// ErrWelcomeNotFound indicates no welcome row exists for the id.
	ErrWelcomeNotFound = errors.New("welcome not found")

	// ErrNotFound indicates a generic missing entity at the repository layer.
	ErrNotFound = errors.New("not found")
)
