package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

const (
	pkA = "a000000000000000000000000000000000000000000000000000000000000001"
	pkB = "b000000000000000000000000000000000000000000000000000000000000002"
	pkC = "c000000000000000000000000000000000000000000000000000000000000003"
)

func TestAccounts_Lifecycle(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	for _, pk := range []string{pkA, pkB, pkC} {
		_, err := db.CreateAccount(pk)
		require.NoError(t, err)
	}

	n, err := db.AccountsCount()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	require.NoError(t, db.DeleteAccount(pkB))
	require.ErrorIs(t, db.DeleteAccount(pkB), errs.ErrAccountNotFound)

	accs, err := db.AllAccounts()
	require.NoError(t, err)
	require.Len(t, accs, 2)
	require.Equal(t, pkA, accs[0].Pubkey)
	require.Equal(t, pkC, accs[1].Pubkey)

	// The backing user row survives the account deletion.
	_, err = db.GetUser(pkB)
	require.NoError(t, err)
}

func TestAccounts_SingleActive(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	_, err := db.ActiveAccount()
	require.ErrorIs(t, err, errs.ErrAccountNotFound)

	_, err = db.CreateAccount(pkA)
	require.NoError(t, err)
	_, err = db.CreateAccount(pkB)
	require.NoError(t, err)

	require.NoError(t, db.SetActiveAccount(pkA))
	require.NoError(t, db.SetActiveAccount(pkB))
	require.ErrorIs(t, db.SetActiveAccount(pkC), errs.ErrAccountNotFound)

	active, err := db.ActiveAccount()
	require.NoError(t, err)
	require.Equal(t, pkB, active.Pubkey)

	accs, err := db.AllAccounts()
	require.NoError(t, err)
	activeCount := 0
	for _, acc := range accs {
		if acc.Active {
			activeCount++
		}
	}
	require.Equal(t, 1, activeCount, "exactly one account may be active")
}

func TestAccounts_OnboardingLedger(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	_, err := db.CreateAccount(pkA)
	require.NoError(t, err)

	ob := model.Onboarding{InboxRelays: true, PublishKeyPackage: true}
	require.NoError(t, db.UpdateOnboarding(pkA, ob))

	acc, err := db.GetAccount(pkA)
	require.NoError(t, err)
	require.Equal(t, ob, acc.Onboarding)
}

func TestUsers_MetadataAndFollows(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	meta := &model.Metadata{Name: "alice", DisplayName: "Alice"}
	require.NoError(t, db.SetUserMetadata(pkA, meta, now))

	u, err := db.GetUser(pkA)
	require.NoError(t, err)
	require.NotNil(t, u.Metadata)
	require.Equal(t, "alice", u.Metadata.Name)

	require.NoError(t, db.ReplaceFollows(pkA, []string{pkB, pkC}, now))
	follows, err := db.Follows(pkA)
	require.NoError(t, err)
	require.Equal(t, []string{pkB, pkC}, follows)

	// A later contact list fully replaces the previous one.
	require.NoError(t, db.ReplaceFollows(pkA, []string{pkC}, now.Add(time.Minute)))
	follows, err = db.Follows(pkA)
	require.NoError(t, err)
	require.Equal(t, []string{pkC}, follows)

	// Followees were auto-created as users.
	_, err = db.GetUser(pkC)
	require.NoError(t, err)
}

func TestRelays_ReplacePerKind(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(t, db.ReplaceUserRelays(pkA, model.RelayKindInbox, []string{"wss://one", "wss://two"}))
	require.NoError(t, db.ReplaceUserRelays(pkA, model.RelayKindKeyPackage, []string{"wss://kp"}))

	inbox, err := db.UserRelays(pkA, model.RelayKindInbox)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://one", "wss://two"}, inbox)

	// Replacing one kind leaves the other untouched.
	require.NoError(t, db.ReplaceUserRelays(pkA, model.RelayKindInbox, []string{"wss://three"}))
	inbox, err = db.UserRelays(pkA, model.RelayKindInbox)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://three"}, inbox)

	kp, err := db.UserRelays(pkA, model.RelayKindKeyPackage)
	require.NoError(t, err)
	require.Equal(t, []string{"wss://kp"}, kp)
}

func TestRecordReplaceable_StrictlyNewerWins(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	base := time.Now().UTC().Truncate(time.Second)

	applied, err := db.RecordReplaceable(pkA, 0, "ev1", base)
	require.NoError(t, err)
	require.True(t, applied, "first event always applies")

	// Same timestamp is not strictly newer.
	applied, err = db.RecordReplaceable(pkA, 0, "ev2", base)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = db.RecordReplaceable(pkA, 0, "ev3", base.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, applied, "older event must be dropped")

	applied, err = db.RecordReplaceable(pkA, 0, "ev4", base.Add(time.Second))
	require.NoError(t, err)
	require.True(t, applied)

	newest, err := db.NewestReplaceable(pkA, 0)
	require.NoError(t, err)
	require.True(t, newest.Equal(base.Add(time.Second)), "stored updated_at must be the max observed")

	// Kinds are independent.
	applied, err = db.RecordReplaceable(pkA, 3, "ev5", base.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, applied)
}

func TestGroups_PerAccountRows(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	g := &model.Group{
		MlsGroupID:    "mls1",
		AccountPubkey: pkA,
		NostrGroupID:  "nostr1",
		Name:          "g1",
		Admins:        []string{pkA},
		Relays:        []string{"wss://one"},
	}
	require.NoError(t, db.SaveGroup(g))

	// The same MLS group tracked by a second local account is a separate row.
	g2 := *g
	g2.AccountPubkey = pkB
	require.NoError(t, db.SaveGroup(&g2))

	got, err := db.GetGroup(pkA, "mls1")
	require.NoError(t, err)
	require.Equal(t, "g1", got.Name)

	_, err = db.GetGroup(pkC, "mls1")
	require.ErrorIs(t, err, errs.ErrGroupNotFound)

	byNostr, err := db.GetGroupByNostrID(pkB, "nostr1")
	require.NoError(t, err)
	require.Equal(t, pkB, byNostr.AccountPubkey)

	gsA, err := db.GroupsForAccount(pkA)
	require.NoError(t, err)
	require.Len(t, gsA, 1)

	// Upsert on the same (group, account) updates in place.
	g.Name = "renamed"
	g.Epoch = 3
	require.NoError(t, db.SaveGroup(g))
	got, err = db.GetGroup(pkA, "mls1")
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Name)
	require.EqualValues(t, 3, got.Epoch)

	require.NoError(t, db.UpdateGroupEpoch(pkA, "mls1", 4))
	require.ErrorIs(t, db.UpdateGroupEpoch(pkC, "mls1", 4), errs.ErrGroupNotFound)
}

func TestWelcomes_StateMachine(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	w := &model.Welcome{
		ID:             "w1",
		EventID:        "ev-welcome",
		AccountPubkey:  pkA,
		WelcomerPubkey: pkB,
		Content:        "sealed",
		State:          model.WelcomePending,
	}
	require.NoError(t, db.InsertWelcome(w))
	// Re-delivery of the same event id is ignored.
	dup := *w
	dup.ID = "w2"
	require.NoError(t, db.InsertWelcome(&dup))

	pending, err := db.PendingWelcomes(pkA)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, db.SetWelcomeState("w1", model.WelcomeAccepted))
	// The transition is terminal.
	require.ErrorIs(t, db.SetWelcomeState("w1", model.WelcomeDeclined), errs.ErrWelcomeNotFound)

	got, err := db.GetWelcome("w1")
	require.NoError(t, err)
	require.Equal(t, model.WelcomeAccepted, got.State)

	pending, err = db.PendingWelcomes(pkA)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMessages_IdempotentInsertAndScopedDelete(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	m := &model.Message{
		ID: "m1", MlsGroupID: "mls1", AuthorPubkey: pkA,
		Kind: 9, Content: "hi", CreatedAt: now,
	}
	require.NoError(t, db.InsertMessage(m))

	// Applying the same event twice leaves the row unchanged.
	changed := *m
	changed.Content = "tampered"
	require.NoError(t, db.InsertMessage(&changed))
	got, err := db.GetMessage("m1")
	require.NoError(t, err)
	require.Equal(t, "hi", got.Content)

	other := &model.Message{
		ID: "m2", MlsGroupID: "mls1", AuthorPubkey: pkB,
		Kind: 9, Content: "yo", CreatedAt: now.Add(time.Second),
	}
	require.NoError(t, db.InsertMessage(other))

	// pkB may not delete pkA's message.
	require.NoError(t, db.MarkDeleted(pkB, []string{"m1", "m2"}))
	got, err = db.GetMessage("m1")
	require.NoError(t, err)
	require.False(t, got.Deleted)
	got, err = db.GetMessage("m2")
	require.NoError(t, err)
	require.True(t, got.Deleted)

	ms, err := db.MessagesForGroup("mls1")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, "m1", ms[0].ID)
}

func TestKeyPackageRefs_NewestWins(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	base := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, db.UpsertKeyPackageRef(&model.KeyPackageRef{
		Pubkey: pkA, EventID: "kp1", Event: `{"id":"kp1"}`, CreatedAt: base,
	}))
	require.NoError(t, db.UpsertKeyPackageRef(&model.KeyPackageRef{
		Pubkey: pkA, EventID: "kp-old", Event: `{"id":"kp-old"}`, CreatedAt: base.Add(-time.Hour),
	}))

	ref, err := db.KeyPackageRef(pkA)
	require.NoError(t, err)
	require.Equal(t, "kp1", ref.EventID)

	require.NoError(t, db.UpsertKeyPackageRef(&model.KeyPackageRef{
		Pubkey: pkA, EventID: "kp2", Event: `{"id":"kp2"}`, CreatedAt: base.Add(time.Hour),
	}))
	ref, err = db.KeyPackageRef(pkA)
	require.NoError(t, err)
	require.Equal(t, "kp2", ref.EventID)

	_, err = db.KeyPackageRef(pkB)
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestMedia_ByHash(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	require.NoError(t, db.InsertMediaFile(&model.MediaFile{
		ID: "f1", MlsGroupID: "mls1", FileHash: "hash1",
		BlossomURL: "http://x/hash1", MimeType: "application/pdf",
	}))
	f, err := db.MediaByHash("mls1", "hash1")
	require.NoError(t, err)
	require.Equal(t, "f1", f.ID)

	_, err = db.MediaByHash("mls2", "hash1")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestSettings_Singleton(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)

	s, err := db.Settings()
	require.NoError(t, err)
	require.Equal(t, model.ThemeSystem, s.ThemeMode)

	require.NoError(t, db.SetThemeMode(model.ThemeDark))
	s, err = db.Settings()
	require.NoError(t, err)
	require.Equal(t, model.ThemeDark, s.ThemeMode)
}
