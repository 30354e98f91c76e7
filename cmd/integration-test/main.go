// Command integration-test runs the end-to-end scenarios against an
// in-process relay and blob server. Exit code 0 on success, 1 on failure.
//
//	integration-test --data-dir PATH --logs-dir PATH [SCENARIO]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/config"
	"github.com/whitenoise-im/whitenoise/internal/core"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/messages"
	"github.com/whitenoise-im/whitenoise/internal/mls"
	"github.com/whitenoise-im/whitenoise/internal/relay"
	"github.com/whitenoise-im/whitenoise/internal/testblossom"
	"github.com/whitenoise-im/whitenoise/internal/testrelay"
)

type scenario struct {
	name string
	run  func(ctx context.Context, env *testEnv) error
}

var scenarios = []scenario{
	{"account-lifecycle", accountLifecycle},
	{"basic-messaging", basicMessaging},
	{"reaction-deletion", reactionDeletion},
	{"membership-mutation", membershipMutation},
	{"metadata-replaceability", metadataReplaceability},
	{"media-roundtrip", mediaRoundtrip},
}

func main() {
	dataDir := flag.String("data-dir", "", "state directory")
	logsDir := flag.String("logs-dir", "", "log directory")
	flag.Parse()
	if *dataDir == "" || *logsDir == "" {
		fmt.Fprintln(os.Stderr, "usage: integration-test --data-dir PATH --logs-dir PATH [SCENARIO]")
		os.Exit(1)
	}

	log, err := newLogger(*logsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	selected := scenarios
	if name := flag.Arg(0); name != "" {
		selected = nil
		for _, sc := range scenarios {
			if sc.name == name {
				selected = []scenario{sc}
			}
		}
		if selected == nil {
			fmt.Fprintf(os.Stderr, "unknown scenario %q\n", name)
			os.Exit(1)
		}
	}

	ctx := context.Background()
	failed := false
	for _, sc := range selected {
		if err := runScenario(ctx, *dataDir, *logsDir, log, sc); err != nil {
			log.Error("scenario failed", zap.String("scenario", sc.name), zap.Error(err))
			fmt.Printf("FAIL %s: %v\n", sc.name, err)
			failed = true
			continue
		}
		fmt.Printf("ok   %s\n", sc.name)
	}
	if failed {
		os.Exit(1)
	}
}

func newLogger(logsDir string) (*zap.Logger, error) {
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{filepath.Join(logsDir, "integration-test.log")}
	return cfg.Build()
}

// testEnv is one isolated run: its own relay, blob server, data dir and
// core handle.
type testEnv struct {
	w       *core.Whitenoise
	relay   *testrelay.Server
	blossom *testblossom.Server
}

func runScenario(ctx context.Context, dataDir, logsDir string, log *zap.Logger, sc scenario) error {
	rl, err := testrelay.Start(log.Named("testrelay"))
	if err != nil {
		return err
	}
	defer rl.Close()
	bl, err := testblossom.Start()
	if err != nil {
		return err
	}
	defer bl.Close()

	cfg := config.Config{
		DataDir:       filepath.Join(dataDir, sc.name),
		LogsDir:       filepath.Join(logsDir, sc.name),
		BlossomURL:    bl.URL(),
		DefaultRelays: []string{rl.URL()},
	}
	w, err := core.New(cfg, relay.DialNostr, log.Named(sc.name))
	if err != nil {
		return err
	}
	defer w.Shutdown()

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	return sc.run(runCtx, &testEnv{w: w, relay: rl, blossom: bl})
}

// waitFor polls cond every interval up to attempts times.
func waitFor(attempts int, interval time.Duration, cond func() bool) bool {
	for i := 0; i < attempts; i++ {
		if cond() {
			return true
		}
		time.Sleep(interval)
	}
	return cond()
}

// accountLifecycle: create three accounts, logout one, the other two stay.
func accountLifecycle(ctx context.Context, env *testEnv) error {
	a, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	b, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	c, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}

	if err := env.w.Logout(ctx, b.Pubkey); err != nil {
		return err
	}

	accounts, err := env.w.AllAccounts()
	if err != nil {
		return err
	}
	got := map[string]bool{}
	for _, acc := range accounts {
		got[acc.Pubkey] = true
	}
	if len(got) != 2 || !got[a.Pubkey] || !got[c.Pubkey] {
		return fmt.Errorf("expected accounts {A, C}, got %d rows", len(accounts))
	}
	count, err := env.w.AccountsCount()
	if err != nil {
		return err
	}
	if count != 2 {
		return fmt.Errorf("accounts_count = %d, want 2", count)
	}
	return nil
}

// conversation sets up Alice and Bob in one group with one message, one
// reaction and one reply. Shared by the messaging scenarios.
type conversation struct {
	alice, bob string
	groupID    string
	msgID      string
	reactionID string
}

func startConversation(ctx context.Context, env *testEnv) (*conversation, error) {
	bob, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return nil, err
	}
	alice, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return nil, err
	}

	g, err := env.w.CreateGroup(ctx, alice.Pubkey, []string{bob.Pubkey}, []string{alice.Pubkey},
		mls.GroupConfig{Name: "g1", Description: "integration"})
	if err != nil {
		return nil, err
	}

	var welcomeID string
	ok := waitFor(50, 100*time.Millisecond, func() bool {
		ws, err := env.w.PendingWelcomes(bob.Pubkey)
		if err != nil || len(ws) == 0 {
			return false
		}
		welcomeID = ws[0].ID
		return true
	})
	if !ok {
		return nil, fmt.Errorf("bob never received the welcome")
	}
	if _, err := env.w.AcceptWelcome(ctx, bob.Pubkey, welcomeID); err != nil {
		return nil, err
	}

	conv := &conversation{alice: alice.Pubkey, bob: bob.Pubkey, groupID: g.MlsGroupID}
	conv.msgID, err = env.w.SendMessage(ctx, conv.alice, conv.groupID, "hi", nil)
	if err != nil {
		return nil, err
	}
	conv.reactionID, err = env.w.SendReaction(ctx, conv.alice, conv.groupID, conv.msgID, "👍")
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func findMessage(view []*messages.ViewMessage, id string) *messages.ViewMessage {
	for _, m := range view {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// basicMessaging: group creation, welcome, chat message, reaction, reply.
func basicMessaging(ctx context.Context, env *testEnv) error {
	conv, err := startConversation(ctx, env)
	if err != nil {
		return err
	}

	view, err := env.w.GroupView(conv.groupID)
	if err != nil {
		return err
	}
	msg := findMessage(view, conv.msgID)
	if msg == nil {
		return fmt.Errorf("message %s missing from view", conv.msgID)
	}
	reactors := msg.Reactions["👍"]
	if len(reactors) != 1 || reactors[0] != conv.alice {
		return fmt.Errorf("reactions = %v, want alice under 👍", msg.Reactions)
	}

	if _, err := env.w.SendMessage(ctx, conv.bob, conv.groupID, "Great message!",
		nostr.Tags{{"e", conv.msgID}}); err != nil {
		return err
	}
	ok := waitFor(20, 100*time.Millisecond, func() bool {
		view, err := env.w.GroupView(conv.groupID)
		if err != nil {
			return false
		}
		msg := findMessage(view, conv.msgID)
		return msg != nil && len(msg.Replies) == 1 && msg.Replies[0].Content == "Great message!"
	})
	if !ok {
		return fmt.Errorf("reply never showed up under %s", conv.msgID)
	}
	return nil
}

// reactionDeletion: deleting a reaction removes the reactor from the view.
func reactionDeletion(ctx context.Context, env *testEnv) error {
	conv, err := startConversation(ctx, env)
	if err != nil {
		return err
	}
	if _, err := env.w.DeleteMessage(ctx, conv.alice, conv.groupID, conv.reactionID); err != nil {
		return err
	}

	ok := waitFor(20, 100*time.Millisecond, func() bool {
		view, err := env.w.GroupView(conv.groupID)
		if err != nil {
			return false
		}
		msg := findMessage(view, conv.msgID)
		if msg == nil {
			return false
		}
		for _, reactors := range msg.Reactions {
			for _, pk := range reactors {
				if pk == conv.alice {
					return false
				}
			}
		}
		return true
	})
	if !ok {
		return fmt.Errorf("alice's reaction still present after deletion")
	}
	return nil
}

// membershipMutation: add works, missing key package and unknown member fail.
func membershipMutation(ctx context.Context, env *testEnv) error {
	m1, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	m2, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	admin, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}

	g, err := env.w.CreateGroup(ctx, admin.Pubkey, []string{m1.Pubkey}, []string{admin.Pubkey},
		mls.GroupConfig{Name: "team"})
	if err != nil {
		return err
	}

	if err := env.w.AddGroupMembers(ctx, admin.Pubkey, g.MlsGroupID, []string{m2.Pubkey}); err != nil {
		return err
	}
	members, err := env.w.FetchGroupMembers(ctx, admin.Pubkey, g.MlsGroupID)
	if err != nil {
		return err
	}
	want := map[string]bool{admin.Pubkey: true, m1.Pubkey: true, m2.Pubkey: true}
	if len(members) != len(want) {
		return fmt.Errorf("members = %v, want admin+m1+m2", members)
	}
	for _, pk := range members {
		if !want[pk] {
			return fmt.Errorf("unexpected member %s", pk)
		}
	}

	// A pubkey that never published a key package cannot be added.
	fresh, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if err != nil {
		return err
	}
	err = env.w.AddGroupMembers(ctx, admin.Pubkey, g.MlsGroupID, []string{fresh})
	if !errors.Is(err, errs.ErrKeyPackageNotFound) {
		return fmt.Errorf("add without key package: got %v, want KeyPackageNotFound", err)
	}

	random, err := nostr.GetPublicKey(nostr.GeneratePrivateKey())
	if err != nil {
		return err
	}
	err = env.w.RemoveGroupMembers(ctx, admin.Pubkey, g.MlsGroupID, []string{random})
	if !errors.Is(err, errs.ErrUnknownMember) {
		return fmt.Errorf("remove non-member: got %v, want UnknownMember", err)
	}
	return nil
}

// metadataReplaceability: a newer kind 0 replaces, an older one is dropped.
func metadataReplaceability(ctx context.Context, env *testEnv) error {
	sk := nostr.GeneratePrivateKey()
	acc, err := env.w.Login(ctx, sk)
	if err != nil {
		return err
	}

	// Another device holding the same key publishes metadata directly.
	external, err := nostr.RelayConnect(ctx, env.relay.URL())
	if err != nil {
		return err
	}
	defer external.Close()

	publish := func(name string, at time.Time) error {
		ev := nostr.Event{
			PubKey:    acc.Pubkey,
			CreatedAt: nostr.Timestamp(at.Unix()),
			Kind:      0,
			Tags:      nostr.Tags{},
			Content:   fmt.Sprintf(`{"name":%q,"display_name":%q}`, name, name),
		}
		if err := ev.Sign(sk); err != nil {
			return err
		}
		return external.Publish(ctx, ev)
	}

	// Ahead of the onboarding petname so the external event wins.
	newest := time.Now().Add(10 * time.Second)
	if err := publish("ext-name", newest); err != nil {
		return err
	}
	ok := waitFor(50, 100*time.Millisecond, func() bool {
		meta, err := env.w.AccountMetadata(acc.Pubkey)
		return err == nil && meta != nil && meta.Name == "ext-name"
	})
	if !ok {
		return fmt.Errorf("external metadata never applied")
	}

	if err := publish("stale-name", newest.Add(-1*time.Second)); err != nil {
		return err
	}
	// The stale event must be dropped; give the processor time to see it.
	time.Sleep(500 * time.Millisecond)
	meta, err := env.w.AccountMetadata(acc.Pubkey)
	if err != nil {
		return err
	}
	if meta == nil || meta.Name != "ext-name" {
		return fmt.Errorf("stale metadata replaced the newer one: %+v", meta)
	}
	return nil
}

// mediaRoundtrip: PDF uploads and decrypts back, BMP is rejected.
func mediaRoundtrip(ctx context.Context, env *testEnv) error {
	alice, err := env.w.CreateIdentity(ctx)
	if err != nil {
		return err
	}
	g, err := env.w.CreateGroup(ctx, alice.Pubkey, nil, []string{alice.Pubkey},
		mls.GroupConfig{Name: "media"})
	if err != nil {
		return err
	}

	pdf := append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("whitenoise "), 64)...)
	file, imeta, err := env.w.UploadMedia(ctx, alice.Pubkey, g.MlsGroupID, pdf)
	if err != nil {
		return err
	}
	if file.FileHash == "" || file.BlossomURL == "" {
		return fmt.Errorf("upload descriptor incomplete: %+v", file)
	}
	if file.MimeType != "application/pdf" {
		return fmt.Errorf("mime = %s, want application/pdf", file.MimeType)
	}

	plain, err := env.w.DownloadMedia(ctx, g.MlsGroupID, imeta)
	if err != nil {
		return err
	}
	if !bytes.Equal(plain, pdf) {
		return fmt.Errorf("downloaded bytes differ from upload")
	}

	bmp := append([]byte{0x42, 0x4D}, bytes.Repeat([]byte{0}, 64)...)
	_, _, err = env.w.UploadMedia(ctx, alice.Pubkey, g.MlsGroupID, bmp)
	if !errors.Is(err, errs.ErrUnsupportedMediaFormat) {
		return fmt.Errorf("bmp upload: got %v, want UnsupportedMediaFormat", err)
	}
	return nil
}
