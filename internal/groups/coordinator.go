// Package groups coordinates all MLS group state behind one async mutex.
//
// Every read or mutation of group state goes through the Coordinator; no raw
// session handle ever leaves it. Commits on a group are therefore strictly
// serialized.
package groups

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/mls"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
	"github.com/whitenoise-im/whitenoise/internal/relay"
	"github.com/whitenoise-im/whitenoise/internal/secrets"
)

// AcquireTimeout bounds waiting for the coordinator mutex.
const AcquireTimeout = 5 * time.Second

// Coordinator owns every open MLS session and serializes access to them.
type Coordinator struct {
	db            *database.DB
	relays        *relay.Manager
	keys          *secrets.Store
	log           *zap.Logger
	defaultRelays []string
	mlsDir        func(pubkey string) string

	sem      *semaphore.Weighted
	sessions map[string]*mls.Session
}

// NewCoordinator wires the coordinator. mlsDir maps an account pubkey to its
// MLS storage directory.
func NewCoordinator(db *database.DB, relays *relay.Manager, keys *secrets.Store,
	defaultRelays []string, mlsDir func(string) string, log *zap.Logger) *Coordinator {
	return &Coordinator{
		db:            db,
		relays:        relays,
		keys:          keys,
		log:           log,
		defaultRelays: defaultRelays,
		mlsDir:        mlsDir,
		sem:           semaphore.NewWeighted(1),
		sessions:      make(map[string]*mls.Session),
	}
}

// acquire takes the coordinator mutex, failing with ErrMlsBusy after
// AcquireTimeout.
func (c *Coordinator) acquire(ctx context.Context) (func(), error) {
	acqCtx, cancel := context.WithTimeout(ctx, AcquireTimeout)
	defer cancel()
	if err := c.sem.Acquire(acqCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.KindMls, "groups.acquire", errs.ErrMlsBusy)
	}
	return func() { c.sem.Release(1) }, nil
}

// OpenSession loads (or creates) the MLS session for an account.
func (c *Coordinator) OpenSession(ctx context.Context, pubkey string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if _, ok := c.sessions[pubkey]; ok {
		return nil
	}
	privkey, err := c.keys.Load(pubkey)
	if err != nil {
		return err
	}
	sess, err := mls.OpenSession(c.mlsDir(pubkey), pubkey, privkey)
	if err != nil {
		return err
	}
	c.sessions[pubkey] = sess
	return nil
}

// CloseSession drops the account's session from memory.
func (c *Coordinator) CloseSession(ctx context.Context, pubkey string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if sess, ok := c.sessions[pubkey]; ok {
		_ = sess.Close()
		delete(c.sessions, pubkey)
	}
	return nil
}

func (c *Coordinator) session(pubkey string) (*mls.Session, error) {
	sess, ok := c.sessions[pubkey]
	if !ok {
		return nil, errs.Ef(errs.KindMls, "groups.session", "no open mls session for %s", pubkey)
	}
	return sess, nil
}

// signEvent builds and signs an event with the account's key.
func (c *Coordinator) signEvent(pubkey string, kind int, tags nostr.Tags, content string) (nostr.Event, error) {
	privkey, err := c.keys.Load(pubkey)
	if err != nil {
		return nostr.Event{}, err
	}
	ev := nostr.Event{
		PubKey:    pubkey,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(privkey); err != nil {
		return nostr.Event{}, errs.E(errs.KindMls, "groups.signEvent", err)
	}
	return ev, nil
}

// inboxRelays returns the relays to reach a user's inbox, falling back to
// the configured defaults.
func (c *Coordinator) inboxRelays(pubkey string) []string {
	urls, err := c.db.UserRelays(pubkey, model.RelayKindInbox)
	if err == nil && len(urls) > 0 {
		return urls
	}
	return c.defaultRelays
}

// keyPackageRelays is inboxRelays for kind-443 lookups.
func (c *Coordinator) keyPackageRelays(pubkey string) []string {
	urls, err := c.db.UserRelays(pubkey, model.RelayKindKeyPackage)
	if err == nil && len(urls) > 0 {
		return urls
	}
	return c.defaultRelays
}

// resolveKeyPackage finds the newest key package for a pubkey: local index
// first, then the user's key-package relays.
func (c *Coordinator) resolveKeyPackage(ctx context.Context, pubkey string) (mls.KeyPackage, error) {
	if ref, err := c.db.KeyPackageRef(pubkey); err == nil {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(ref.Event), &ev); err == nil {
			if kp, err := mls.ParseKeyPackage(&ev); err == nil {
				return kp, nil
			}
		}
	}

	filter := nostr.Filter{
		Kinds:   []int{nostrx.KindMlsKeyPackage},
		Authors: []string{pubkey},
		Limit:   1,
	}
	ev, err := c.relays.FetchNewest(ctx, c.keyPackageRelays(pubkey), filter)
	if err != nil {
		return mls.KeyPackage{}, err
	}
	if ev == nil {
		return mls.KeyPackage{}, errs.E(errs.KindMls, "groups.resolveKeyPackage", errs.ErrKeyPackageNotFound)
	}
	return mls.ParseKeyPackage(ev)
}

// sendWelcomes publishes one kind-444 event per invitee over their inbox
// relays.
func (c *Coordinator) sendWelcomes(ctx context.Context, actor string, welcomes []mls.Welcome) error {
	for _, w := range welcomes {
		ev, err := c.signEvent(actor, nostrx.KindMlsWelcome,
			nostr.Tags{{"p", w.Recipient}}, w.Content)
		if err != nil {
			return err
		}
		if err := c.relays.Publish(ctx, c.inboxRelays(w.Recipient), ev); err != nil {
			return err
		}
	}
	return nil
}

// sendCommit publishes commit content as kind 445 on the group relays.
func (c *Coordinator) sendCommit(ctx context.Context, actor string, g *model.Group, content string) error {
	ev, err := c.signEvent(actor, nostrx.KindMlsGroupMessage,
		nostr.Tags{{"h", g.NostrGroupID}}, content)
	if err != nil {
		return err
	}
	return c.relays.Publish(ctx, g.Relays, ev)
}

// CreateGroup builds a new MLS group with the creator plus members, sends
// welcomes, announces the group meta message, and persists the Group row.
func (c *Coordinator) CreateGroup(ctx context.Context, creator string, members, admins []string, cfg mls.GroupConfig) (*model.Group, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := c.session(creator)
	if err != nil {
		return nil, err
	}

	kps := make([]mls.KeyPackage, 0, len(members))
	for _, pk := range members {
		kp, err := c.resolveKeyPackage(ctx, pk)
		if err != nil {
			return nil, err
		}
		kps = append(kps, kp)
	}

	if len(cfg.Relays) == 0 {
		cfg.Relays = slices.Clone(c.defaultRelays)
	}
	state, welcomes, err := sess.CreateGroup(cfg, kps, admins)
	if err != nil {
		return nil, err
	}

	group := &model.Group{
		MlsGroupID:    state.MlsGroupID,
		NostrGroupID:  state.NostrGroupID,
		Name:          state.Name,
		Description:   state.Description,
		AccountPubkey: creator,
		Admins:        state.Admins,
		Relays:        state.Relays,
		Epoch:         state.Epoch,
	}
	if err := c.db.SaveGroup(group); err != nil {
		return nil, err
	}

	if err := c.sendWelcomes(ctx, creator, welcomes); err != nil {
		return nil, err
	}

	// Group meta rides the normal encrypted path as a kind-9 event.
	meta, _ := json.Marshal(map[string]any{
		"name":        state.Name,
		"description": state.Description,
		"relays":      state.Relays,
	})
	inner, err := c.signEvent(creator, nostrx.KindGroupChat,
		nostr.Tags{{"h", state.NostrGroupID}, {"meta", "group"}}, string(meta))
	if err != nil {
		return nil, err
	}
	content, _, err := sess.CreateMessage(state.MlsGroupID, &inner)
	if err != nil {
		return nil, err
	}
	if err := c.sendCommitless(ctx, creator, group, content); err != nil {
		c.log.Warn("group meta publish failed", zap.String("group", state.MlsGroupID), zap.Error(err))
	}
	return group, nil
}

// sendCommitless publishes non-commit 445 content; failures do not roll
// anything back.
func (c *Coordinator) sendCommitless(ctx context.Context, actor string, g *model.Group, content string) error {
	ev, err := c.signEvent(actor, nostrx.KindMlsGroupMessage,
		nostr.Tags{{"h", g.NostrGroupID}}, content)
	if err != nil {
		return err
	}
	return c.relays.Publish(ctx, g.Relays, ev)
}

// AddMembers adds pubkeys to the group. The actor must be an admin; missing
// key packages abort the whole operation. A failed commit publish rolls the
// local epoch back.
func (c *Coordinator) AddMembers(ctx context.Context, actor, mlsGroupID string, pubkeys []string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	sess, err := c.session(actor)
	if err != nil {
		return err
	}
	group, err := c.db.GetGroup(actor, mlsGroupID)
	if err != nil {
		return err
	}
	if !slices.Contains(group.Admins, actor) {
		return errs.Ef(errs.KindMls, "groups.AddMembers", "%s is not a group admin", actor)
	}

	kps := make([]mls.KeyPackage, 0, len(pubkeys))
	for _, pk := range pubkeys {
		kp, err := c.resolveKeyPackage(ctx, pk)
		if err != nil {
			return err
		}
		kps = append(kps, kp)
	}

	snapshot, err := sess.Snapshot(mlsGroupID)
	if err != nil {
		return err
	}
	commit, welcomes, err := sess.AddMembers(mlsGroupID, kps)
	if err != nil {
		return err
	}
	if err := c.sendCommit(ctx, actor, group, commit.Content); err != nil {
		if rerr := sess.Restore(snapshot); rerr != nil {
			c.log.Error("commit rollback failed", zap.String("group", mlsGroupID), zap.Error(rerr))
		}
		return err
	}
	if err := c.sendWelcomes(ctx, actor, welcomes); err != nil {
		c.log.Warn("welcome publish failed after commit", zap.String("group", mlsGroupID), zap.Error(err))
	}
	return c.db.UpdateGroupEpoch(actor, mlsGroupID, commit.NewEpoch)
}

// RemoveMembers removes pubkeys from the group. Every pubkey must currently
// be a member and the actor an admin.
func (c *Coordinator) RemoveMembers(ctx context.Context, actor, mlsGroupID string, pubkeys []string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	sess, err := c.session(actor)
	if err != nil {
		return err
	}
	group, err := c.db.GetGroup(actor, mlsGroupID)
	if err != nil {
		return err
	}
	if !slices.Contains(group.Admins, actor) {
		return errs.Ef(errs.KindMls, "groups.RemoveMembers", "%s is not a group admin", actor)
	}

	snapshot, err := sess.Snapshot(mlsGroupID)
	if err != nil {
		return err
	}
	commit, err := sess.RemoveMembers(mlsGroupID, pubkeys)
	if err != nil {
		return err
	}
	if err := c.sendCommit(ctx, actor, group, commit.Content); err != nil {
		if rerr := sess.Restore(snapshot); rerr != nil {
			c.log.Error("commit rollback failed", zap.String("group", mlsGroupID), zap.Error(rerr))
		}
		return err
	}
	return c.db.UpdateGroupEpoch(actor, mlsGroupID, commit.NewEpoch)
}

// SelfUpdate rotates the group's epoch secret without membership changes.
// Membership before and after is identical.
func (c *Coordinator) SelfUpdate(ctx context.Context, actor, mlsGroupID string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	sess, err := c.session(actor)
	if err != nil {
		return err
	}
	group, err := c.db.GetGroup(actor, mlsGroupID)
	if err != nil {
		return err
	}
	snapshot, err := sess.Snapshot(mlsGroupID)
	if err != nil {
		return err
	}
	commit, err := sess.SelfUpdate(mlsGroupID)
	if err != nil {
		return err
	}
	if err := c.sendCommit(ctx, actor, group, commit.Content); err != nil {
		if rerr := sess.Restore(snapshot); rerr != nil {
			c.log.Error("commit rollback failed", zap.String("group", mlsGroupID), zap.Error(rerr))
		}
		return err
	}
	return c.db.UpdateGroupEpoch(actor, mlsGroupID, commit.NewEpoch)
}

// AcceptWelcome processes a pending welcome into a Group row.
func (c *Coordinator) AcceptWelcome(ctx context.Context, accountPubkey, welcomeID string) (*model.Group, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := c.session(accountPubkey)
	if err != nil {
		return nil, err
	}
	w, err := c.db.GetWelcome(welcomeID)
	if err != nil {
		return nil, err
	}
	if w.State != model.WelcomePending {
		return nil, errs.Ef(errs.KindUserVisible, "groups.AcceptWelcome", "welcome %s already %s", welcomeID, w.State)
	}

	state, err := sess.ProcessWelcome(w.WelcomerPubkey, w.Content)
	if err != nil {
		return nil, err
	}
	group := &model.Group{
		MlsGroupID:    state.MlsGroupID,
		NostrGroupID:  state.NostrGroupID,
		Name:          state.Name,
		Description:   state.Description,
		AccountPubkey: accountPubkey,
		Admins:        state.Admins,
		Relays:        state.Relays,
		Epoch:         state.Epoch,
	}
	if err := c.db.SaveGroup(group); err != nil {
		return nil, err
	}
	if err := c.db.SetWelcomeState(welcomeID, model.WelcomeAccepted); err != nil {
		return nil, err
	}
	return group, nil
}

// DeclineWelcome marks a pending welcome declined. Terminal.
func (c *Coordinator) DeclineWelcome(ctx context.Context, welcomeID string) error {
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	w, err := c.db.GetWelcome(welcomeID)
	if err != nil {
		return err
	}
	if w.State != model.WelcomePending {
		return errs.Ef(errs.KindUserVisible, "groups.DeclineWelcome", "welcome %s already %s", welcomeID, w.State)
	}
	return c.db.SetWelcomeState(welcomeID, model.WelcomeDeclined)
}

// PreviewWelcome decrypts a welcome payload for listing without joining.
func (c *Coordinator) PreviewWelcome(ctx context.Context, accountPubkey, welcomer, content string) (*model.GroupPreview, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sess, err := c.session(accountPubkey)
	if err != nil {
		return nil, err
	}
	state, err := sess.PreviewWelcome(welcomer, content)
	if err != nil {
		return nil, err
	}
	return &model.GroupPreview{
		Name:        state.Name,
		Description: state.Description,
		MemberCount: len(state.Members),
		Admins:      state.Admins,
	}, nil
}

// ProcessMessage decrypts a kind-445 event for the owning account. Commits
// advance the stored epoch; application payloads return the inner event.
func (c *Coordinator) ProcessMessage(ctx context.Context, accountPubkey string, outer *nostr.Event) (*mls.ProcessedMessage, *model.Group, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	sess, err := c.session(accountPubkey)
	if err != nil {
		return nil, nil, err
	}
	nostrGroupID := nostrx.FirstTagValue(outer, "h")
	if nostrGroupID == "" {
		return nil, nil, errs.Ef(errs.KindMls, "groups.ProcessMessage", "kind-445 event %s has no h tag", outer.ID)
	}
	group, err := c.db.GetGroupByNostrID(accountPubkey, nostrGroupID)
	if err != nil {
		return nil, nil, errs.E(errs.KindMls, "groups.ProcessMessage", errs.ErrUnknownGroup)
	}

	res, err := sess.ProcessMessage(group.MlsGroupID, outer.Content)
	if err != nil {
		return nil, nil, err
	}
	if res.Commit {
		state, serr := sess.State(group.MlsGroupID)
		if serr == nil {
			group.Epoch = state.Epoch
			group.Admins = state.Admins
			if err := c.db.SaveGroup(group); err != nil {
				return nil, nil, err
			}
		}
	}
	return res, group, nil
}

// CreateMessage seals a signed inner event for the group at its current
// epoch and returns the kind-445 content.
func (c *Coordinator) CreateMessage(ctx context.Context, accountPubkey, mlsGroupID string, inner *nostr.Event) (string, uint64, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return "", 0, err
	}
	defer release()
	sess, err := c.session(accountPubkey)
	if err != nil {
		return "", 0, err
	}
	return sess.CreateMessage(mlsGroupID, inner)
}

// ExportSecret derives key material from the group's current epoch.
func (c *Coordinator) ExportSecret(ctx context.Context, accountPubkey, mlsGroupID, label string, length int) ([]byte, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sess, err := c.session(accountPubkey)
	if err != nil {
		return nil, err
	}
	return sess.ExportSecret(mlsGroupID, label, length)
}

// GroupMembers returns the current member set.
func (c *Coordinator) GroupMembers(ctx context.Context, accountPubkey, mlsGroupID string) ([]string, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	sess, err := c.session(accountPubkey)
	if err != nil {
		return nil, err
	}
	return sess.Members(mlsGroupID)
}

// CreateKeyPackageEvent builds and signs a fresh kind-443 event for the
// account.
func (c *Coordinator) CreateKeyPackageEvent(ctx context.Context, accountPubkey string) (nostr.Event, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nostr.Event{}, err
	}
	defer release()
	sess, err := c.session(accountPubkey)
	if err != nil {
		return nostr.Event{}, err
	}
	content, err := sess.CreateKeyPackage()
	if err != nil {
		return nostr.Event{}, err
	}
	return c.signEvent(accountPubkey, nostrx.KindMlsKeyPackage, nostr.Tags{}, content)
}

// NewWelcomeID returns a fresh welcome row id.
func NewWelcomeID() string {
	return uuid.Must(uuid.NewV4()).String()
}
