package events

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/groups"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/relay"
	"github.com/whitenoise-im/whitenoise/internal/secrets"
)

const author = "a000000000000000000000000000000000000000000000000000000000000001"

func newProcessor(t *testing.T) (*Processor, *database.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	keys, err := secrets.NewStore(filepath.Join(dir, "secrets"))
	if err != nil {
		t.Fatalf("secrets.NewStore: %v", err)
	}
	dial := func(context.Context, string) (relay.Conn, error) {
		return nil, errors.New("no relays in this test")
	}
	coord := groups.NewCoordinator(db, relay.NewManager(dial, zap.NewNop()), keys,
		nil, func(pk string) string { return filepath.Join(dir, "mls", pk) }, zap.NewNop())
	return NewProcessor(db, coord, zap.NewNop()), db
}

func event(id string, kind int, at time.Time, content string, tags nostr.Tags) *nostr.Event {
	return &nostr.Event{
		ID:        id,
		PubKey:    author,
		CreatedAt: nostr.Timestamp(at.Unix()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

func TestHandle_MetadataReplaceableGuard(t *testing.T) {
	t.Parallel()
	p, db := newProcessor(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	p.Handle(ctx, author, event("ev1", 0, base, `{"name":"first"}`, nostr.Tags{}))
	u, err := db.GetUser(author)
	if err != nil || u.Metadata == nil || u.Metadata.Name != "first" {
		t.Fatalf("metadata after first event = %+v, err %v", u, err)
	}

	// Older event arriving later must be dropped.
	p.Handle(ctx, author, event("ev0", 0, base.Add(-time.Hour), `{"name":"stale"}`, nostr.Tags{}))
	u, _ = db.GetUser(author)
	if u.Metadata.Name != "first" {
		t.Fatalf("stale metadata applied: %+v", u.Metadata)
	}

	// Equal timestamp is not strictly newer.
	p.Handle(ctx, author, event("ev2", 0, base, `{"name":"same-time"}`, nostr.Tags{}))
	u, _ = db.GetUser(author)
	if u.Metadata.Name != "first" {
		t.Fatalf("same-timestamp metadata applied: %+v", u.Metadata)
	}

	p.Handle(ctx, author, event("ev3", 0, base.Add(time.Minute), `{"name":"newer"}`, nostr.Tags{}))
	u, _ = db.GetUser(author)
	if u.Metadata.Name != "newer" {
		t.Fatalf("newer metadata not applied: %+v", u.Metadata)
	}

	// Malformed content never panics and changes nothing.
	p.Handle(ctx, author, event("ev4", 0, base.Add(time.Hour), `{broken`, nostr.Tags{}))
	u, _ = db.GetUser(author)
	if u.Metadata.Name != "newer" {
		t.Fatalf("malformed metadata mutated state: %+v", u.Metadata)
	}
}

func TestHandle_ContactListAndRelayLists(t *testing.T) {
	t.Parallel()
	p, db := newProcessor(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	const peer = "b000000000000000000000000000000000000000000000000000000000000002"
	p.Handle(ctx, author, event("c1", 3, base, "", nostr.Tags{{"p", peer}}))
	follows, err := db.Follows(author)
	if err != nil || len(follows) != 1 || follows[0] != peer {
		t.Fatalf("follows = %v, err %v", follows, err)
	}

	// kind 10002 uses r tags, 10050/10051 use relay tags.
	p.Handle(ctx, author, event("r1", 10002, base, "", nostr.Tags{{"r", "wss://nip65"}}))
	p.Handle(ctx, author, event("r2", 10050, base, "", nostr.Tags{{"relay", "wss://inbox"}}))
	p.Handle(ctx, author, event("r3", 10051, base, "", nostr.Tags{{"relay", "wss://kp"}}))

	for _, tc := range []struct {
		kind model.RelayKind
		want string
	}{
		{model.RelayKindNip65, "wss://nip65"},
		{model.RelayKindInbox, "wss://inbox"},
		{model.RelayKindKeyPackage, "wss://kp"},
	} {
		urls, err := db.UserRelays(author, tc.kind)
		if err != nil || len(urls) != 1 || urls[0] != tc.want {
			t.Fatalf("relays(%s) = %v, err %v", tc.kind, urls, err)
		}
	}
}

func TestHandle_KeyPackageIndexed(t *testing.T) {
	t.Parallel()
	p, db := newProcessor(t)
	ctx := context.Background()
	base := time.Now().Truncate(time.Second)

	content := fmt.Sprintf(`{"pubkey":%q}`, author)
	p.Handle(ctx, author, event("kp1", 443, base, content, nostr.Tags{}))

	ref, err := db.KeyPackageRef(author)
	if err != nil || ref.EventID != "kp1" {
		t.Fatalf("ref = %+v, err %v", ref, err)
	}

	// A key package claiming someone else's pubkey is dropped.
	const other = "c000000000000000000000000000000000000000000000000000000000000003"
	p.Handle(ctx, author, event("kp2", 443, base.Add(time.Hour), fmt.Sprintf(`{"pubkey":%q}`, other), nostr.Tags{}))
	ref, _ = db.KeyPackageRef(author)
	if ref.EventID != "kp1" {
		t.Fatalf("mismatched key package indexed: %+v", ref)
	}
}

func TestHandle_WelcomeForOtherAccountIgnored(t *testing.T) {
	t.Parallel()
	p, db := newProcessor(t)
	ctx := context.Background()

	const other = "c000000000000000000000000000000000000000000000000000000000000003"
	ev := event("w1", 444, time.Now(), "sealed", nostr.Tags{{"p", other}})
	p.Handle(ctx, author, ev)

	pending, err := db.PendingWelcomes(author)
	if err != nil || len(pending) != 0 {
		t.Fatalf("pending = %v, err %v", pending, err)
	}
}

func TestApplyInner_ChatReactionDeletion(t *testing.T) {
	t.Parallel()
	p, db := newProcessor(t)
	base := time.Now().Truncate(time.Second)
	const gid = "mls1"
	const other = "c000000000000000000000000000000000000000000000000000000000000003"

	msg := event("m1", 9, base, "hi", nostr.Tags{})
	if err := p.ApplyInner(gid, msg, 0); err != nil {
		t.Fatalf("ApplyInner(chat): %v", err)
	}
	// Re-applying the same event yields identical state.
	if err := p.ApplyInner(gid, msg, 0); err != nil {
		t.Fatalf("ApplyInner(chat, again): %v", err)
	}

	reply := event("m2", 9, base.Add(time.Second), "re: hi", nostr.Tags{{"e", "m1"}})
	if err := p.ApplyInner(gid, reply, 0); err != nil {
		t.Fatalf("ApplyInner(reply): %v", err)
	}
	row, err := db.GetMessage("m2")
	if err != nil || row.RepliedTo != "m1" {
		t.Fatalf("reply row = %+v, err %v", row, err)
	}

	// A reaction without a target is malformed.
	if err := p.ApplyInner(gid, event("x1", 7, base, "👍", nostr.Tags{}), 0); err == nil {
		t.Fatalf("reaction without e tag accepted")
	}
	reaction := event("r1", 7, base.Add(2*time.Second), "👍", nostr.Tags{{"e", "m1"}})
	if err := p.ApplyInner(gid, reaction, 0); err != nil {
		t.Fatalf("ApplyInner(reaction): %v", err)
	}
	row, err = db.GetMessage("r1")
	if err != nil || row.ReactionTarget != "m1" {
		t.Fatalf("reaction row = %+v, err %v", row, err)
	}

	// A deletion referencing nothing is a no-op.
	if err := p.ApplyInner(gid, event("d0", 5, base, "", nostr.Tags{}), 0); err != nil {
		t.Fatalf("ApplyInner(empty deletion): %v", err)
	}
	if _, err := db.GetMessage("d0"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("empty deletion stored a row")
	}

	// Someone else's deletion must not touch the author's rows.
	foreign := event("d1", 5, base.Add(3*time.Second), "", nostr.Tags{{"e", "m1"}})
	foreign.PubKey = other
	if err := p.ApplyInner(gid, foreign, 0); err != nil {
		t.Fatalf("ApplyInner(foreign deletion): %v", err)
	}
	row, _ = db.GetMessage("m1")
	if row.Deleted {
		t.Fatalf("foreign deletion flipped m1")
	}

	own := event("d2", 5, base.Add(4*time.Second), "", nostr.Tags{{"e", "m1"}, {"e", "r1"}})
	if err := p.ApplyInner(gid, own, 0); err != nil {
		t.Fatalf("ApplyInner(own deletion): %v", err)
	}
	for _, id := range []string{"m1", "r1"} {
		row, _ = db.GetMessage(id)
		if !row.Deleted {
			t.Fatalf("%s not deleted", id)
		}
	}
}
