// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// RelayKind distinguishes the three relay list types a user publishes.
type RelayKind string

const (
	RelayKindNip65      RelayKind = "nip65"
	RelayKindInbox      RelayKind = "inbox"
	RelayKindKeyPackage RelayKind = "key_package"
)

// ThemeMode is the app-wide theme setting.
type ThemeMode string

const (
	ThemeLight  ThemeMode = "light"
	ThemeDark   ThemeMode = "dark"
	ThemeSystem ThemeMode = "system"
)

// WelcomeState is the lifecycle of a group invitation.
type WelcomeState string

const (
	WelcomePending  WelcomeState = "pending"
	WelcomeAccepted WelcomeState = "accepted"
	WelcomeDeclined WelcomeState = "declined"
)

// Metadata mirrors the kind-0 profile content.
type Metadata struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	About       string `json:"about,omitempty"`
	Picture     string `json:"picture,omitempty"`
	Nip05       string `json:"nip05,omitempty"`
}

// User is any pubkey ever seen, local accounts included. Never deleted.
type User struct {
	Pubkey     string     `gorm:"primaryKey;size:64"`
	Metadata   *Metadata  `gorm:"serializer:json"`
	LastSynced *time.Time // created_at of the newest applied kind-0
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Onboarding is the per-step completion ledger for a new account.
// Each flag flips to true once at least one relay accepted the event;
// false steps are retried on the next login.
type Onboarding struct {
	InboxRelays       bool `json:"inbox_relays"`
	KeyPackageRelays  bool `json:"key_package_relays"`
	PublishKeyPackage bool `json:"publish_key_package"`
}

// Account is a locally held identity. At most one is active per process.
type Account struct {
	Pubkey     string     `gorm:"primaryKey;size:64"`
	Active     bool       `gorm:"index"`
	Onboarding Onboarding `gorm:"serializer:json"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Relay is a known event server, global by url.
type Relay struct {
	URL       string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// UserRelay associates a user with a relay under one relay-list kind.
// (user, relay, kind) triples are unique.
type UserRelay struct {
	UserPubkey string    `gorm:"primaryKey;size:64"`
	RelayURL   string    `gorm:"primaryKey"`
	Kind       RelayKind `gorm:"primaryKey;size:16"`
	CreatedAt  time.Time
}

// Follow is one directed edge of the contact graph.
type Follow struct {
	FollowerPubkey string `gorm:"primaryKey;size:64"`
	FolloweePubkey string `gorm:"primaryKey;size:64"`
	Since          time.Time
}

// AppSettings is a singleton row (ID always 1).
type AppSettings struct {
	ID        uint      `gorm:"primaryKey"`
	ThemeMode ThemeMode `gorm:"size:16"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReplaceableEvent records the newest applied created_at per (user, kind),
// backing the strict timestamp guard for replaceable kinds.
type ReplaceableEvent struct {
	UserPubkey string `gorm:"primaryKey;size:64"`
	Kind       int    `gorm:"primaryKey"`
	EventID    string `gorm:"size:64"`
	// The event's created_at, not a row timestamp; gorm must not touch it.
	UpdatedAt time.Time `gorm:"autoUpdateTime:false;autoCreateTime:false"`
}

// Group is one MLS conversation as seen by one local account. Several
// accounts on the same device may carry rows for the same MLS group.
// Never deleted.
type Group struct {
	MlsGroupID    string `gorm:"primaryKey;size:64"` // hex of the opaque MLS id
	AccountPubkey string `gorm:"primaryKey;size:64"` // owning local account
	NostrGroupID  string `gorm:"index;size:72"`
	Name          string
	Description   string
	Admins        []string `gorm:"serializer:json"`
	Relays        []string `gorm:"serializer:json"`
	Epoch         uint64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GroupPreview is the invitation summary shown before joining.
type GroupPreview struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberCount int      `json:"member_count"`
	Admins      []string `json:"admins"`
}

// Welcome is a pending group invitation for a local account.
type Welcome struct {
	ID             string       `gorm:"primaryKey;size:36"`
	EventID        string       `gorm:"uniqueIndex;size:64"`
	AccountPubkey  string       `gorm:"index;size:64"`
	WelcomerPubkey string       `gorm:"size:64"`
	Content        string       // sealed kind-444 payload, processed on accept
	GroupPreview   GroupPreview `gorm:"serializer:json"`
	State          WelcomeState `gorm:"size:16"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one MLS-decrypted inner event (kind 9, 7 or 5).
type Message struct {
	ID             string     `gorm:"primaryKey;size:64"` // inner event id
	MlsGroupID     string     `gorm:"index;size:64"`
	AuthorPubkey   string     `gorm:"size:64"`
	Kind           int
	Content        string
	Tags           nostr.Tags `gorm:"serializer:json"`
	CreatedAt      time.Time  `gorm:"index"`
	Epoch          uint64
	RepliedTo      string `gorm:"size:64"` // e-tag of the message replied to
	ReactionTarget string `gorm:"index;size:64"`
	Deleted        bool
}

// KeyPackageRef indexes the newest seen kind-443 event per author.
type KeyPackageRef struct {
	Pubkey    string `gorm:"primaryKey;size:64"`
	EventID   string `gorm:"size:64"`
	Event     string // raw event JSON, usable without refetching
	CreatedAt time.Time
}

// MediaFile is one uploaded or downloaded encrypted blob.
type MediaFile struct {
	ID         string `gorm:"primaryKey;size:36"`
	MlsGroupID string `gorm:"index;size:64"`
	FileHash   string `gorm:"index;size:64"` // sha256 of the plaintext
	BlossomURL string
	NostrKey   string // hex encryption key from the IMETA tag
	MimeType   string
	Metadata   string // free-form json
	LocalPath  string
	CreatedAt  time.Time
}
