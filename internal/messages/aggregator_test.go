package messages

import (
	"testing"
	"time"

	"github.com/whitenoise-im/whitenoise/internal/model"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func chat(id, author, content, repliedTo string, at time.Time) model.Message {
	return model.Message{
		ID: id, MlsGroupID: "g", AuthorPubkey: author, Kind: 9,
		Content: content, CreatedAt: at, RepliedTo: repliedTo,
	}
}

func react(id, author, target, emoji string, at time.Time, deleted bool) model.Message {
	return model.Message{
		ID: id, MlsGroupID: "g", AuthorPubkey: author, Kind: 7,
		Content: emoji, CreatedAt: at, ReactionTarget: target, Deleted: deleted,
	}
}

func TestFold_OrderingAndReplies(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		chat("m2", "alice", "second", "", t0.Add(2*time.Second)),
		chat("m1", "alice", "first", "", t0),
		chat("m3", "bob", "tie-b", "", t0.Add(2*time.Second)),
		chat("r1", "bob", "reply", "m1", t0.Add(3*time.Second)),
		chat("orphan", "bob", "reply to nothing", "gone", t0.Add(4*time.Second)),
	}
	view := Fold(rows)

	if len(view) != 4 {
		t.Fatalf("top-level count = %d, want 4 (orphan reply surfaces)", len(view))
	}
	if view[0].ID != "m1" || view[1].ID != "m2" || view[2].ID != "m3" {
		t.Fatalf("order = %s, %s, %s", view[0].ID, view[1].ID, view[2].ID)
	}
	if view[3].ID != "orphan" {
		t.Fatalf("orphan reply missing from top level")
	}
	if len(view[0].Replies) != 1 || view[0].Replies[0].ID != "r1" {
		t.Fatalf("m1 replies = %+v", view[0].Replies)
	}
}

func TestFold_ReactionLastWriterPerReactor(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		chat("m1", "alice", "hi", "", t0),
		// Bob reacts twice; only the newest survives.
		react("ra", "bob", "m1", "👍", t0.Add(time.Second), false),
		react("rb", "bob", "m1", "🔥", t0.Add(2*time.Second), false),
		// Carol's reaction is independent of bob's.
		react("rc", "carol", "m1", "👍", t0.Add(time.Second), false),
	}
	view := Fold(rows)

	if len(view) != 1 {
		t.Fatalf("view = %d messages", len(view))
	}
	got := view[0].Reactions
	if len(got["👍"]) != 1 || got["👍"][0] != "carol" {
		t.Fatalf("👍 = %v, want carol only", got["👍"])
	}
	if len(got["🔥"]) != 1 || got["🔥"][0] != "bob" {
		t.Fatalf("🔥 = %v, want bob", got["🔥"])
	}
}

func TestFold_ReactionTieBreakByID(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		chat("m1", "alice", "hi", "", t0),
		// Same created_at: the lexically larger event id wins.
		react("aaa", "bob", "m1", "👍", t0.Add(time.Second), false),
		react("zzz", "bob", "m1", "🔥", t0.Add(time.Second), false),
	}
	view := Fold(rows)
	got := view[0].Reactions
	if len(got) != 1 || len(got["🔥"]) != 1 {
		t.Fatalf("reactions = %v, want only 🔥 from the winning row", got)
	}
}

func TestFold_DeletedReactionDropsReactor(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		chat("m1", "alice", "hi", "", t0),
		react("ra", "alice", "m1", "👍", t0.Add(time.Second), true),
		react("rc", "carol", "m1", "👍", t0.Add(time.Second), false),
	}
	view := Fold(rows)
	got := view[0].Reactions
	if len(got["👍"]) != 1 || got["👍"][0] != "carol" {
		t.Fatalf("👍 = %v, deleted reactor must vanish", got["👍"])
	}
}

func TestFold_OrderIndependence(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		chat("m1", "alice", "hi", "", t0),
		react("ra", "bob", "m1", "👍", t0.Add(time.Second), false),
		react("rb", "bob", "m1", "🔥", t0.Add(2*time.Second), false),
		chat("r1", "bob", "reply", "m1", t0.Add(3*time.Second)),
	}
	reversed := make([]model.Message, len(rows))
	for i, row := range rows {
		reversed[len(rows)-1-i] = row
	}

	a := Fold(rows)
	b := Fold(reversed)
	if len(a) != len(b) || len(a) != 1 {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	if len(a[0].Reactions["🔥"]) != 1 || len(b[0].Reactions["🔥"]) != 1 {
		t.Fatalf("reactions differ across orders: %v vs %v", a[0].Reactions, b[0].Reactions)
	}
	if len(a[0].Replies) != 1 || len(b[0].Replies) != 1 {
		t.Fatalf("replies differ across orders")
	}
}

func TestFold_DeletedMessageKeepsPlaceholder(t *testing.T) {
	t.Parallel()

	rows := []model.Message{
		{ID: "m1", MlsGroupID: "g", AuthorPubkey: "alice", Kind: 9,
			Content: "gone", CreatedAt: t0, Deleted: true},
		chat("m2", "bob", "still here", "", t0.Add(time.Second)),
	}
	view := Fold(rows)
	if len(view) != 2 {
		t.Fatalf("view = %d messages, deleted rows stay visible as tombstones", len(view))
	}
	if !view[0].Deleted {
		t.Fatalf("m1 not flagged deleted")
	}
}
