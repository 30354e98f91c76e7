package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
	"github.com/whitenoise-im/whitenoise/internal/secrets"
)

// CreateIdentity generates a fresh keypair, persists it, opens the MLS
// session and runs onboarding. The new account becomes active.
func (w *Whitenoise) CreateIdentity(ctx context.Context) (*model.Account, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, errs.E(errs.KindSecrets, "core.CreateIdentity", err)
	}
	if err := w.keys.Save(pk, sk); err != nil {
		return nil, err
	}
	acc, err := w.db.CreateAccount(pk)
	if err != nil {
		return nil, err
	}
	if err := w.coord.OpenSession(ctx, pk); err != nil {
		return nil, err
	}
	if err := w.db.SetActiveAccount(pk); err != nil {
		return nil, err
	}
	w.onboard(ctx, acc)
	w.openAccountSubscriptions(ctx, pk)
	return w.db.GetAccount(pk)
}

// Login activates the account for the given secret (hex or nsec), creating
// it first if unknown. Incomplete onboarding steps are retried.
func (w *Whitenoise) Login(ctx context.Context, secret string) (*model.Account, error) {
	sk, pk, err := secrets.ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}

	acc, err := w.db.GetAccount(pk)
	if errors.Is(err, errs.ErrAccountNotFound) {
		if err := w.keys.Save(pk, sk); err != nil {
			return nil, err
		}
		acc, err = w.db.CreateAccount(pk)
	}
	if err != nil {
		return nil, err
	}

	if err := w.coord.OpenSession(ctx, pk); err != nil {
		return nil, err
	}
	if err := w.db.SetActiveAccount(pk); err != nil {
		return nil, err
	}
	w.onboard(ctx, acc)
	w.openAccountSubscriptions(ctx, pk)
	return w.db.GetAccount(pk)
}

// Logout purges the account row, wipes its secret and closes its MLS
// session. Remaining accounts stay inactive until an explicit SetActive.
func (w *Whitenoise) Logout(ctx context.Context, pubkey string) error {
	w.router.CloseAccount(pubkey)
	if err := w.coord.CloseSession(ctx, pubkey); err != nil {
		return err
	}
	if err := w.db.DeleteAccount(pubkey); err != nil {
		return err
	}
	return w.keys.Delete(pubkey)
}

// SetActive makes the given account the single active one.
func (w *Whitenoise) SetActive(ctx context.Context, pubkey string) error {
	if err := w.db.SetActiveAccount(pubkey); err != nil {
		return err
	}
	if err := w.coord.OpenSession(ctx, pubkey); err != nil {
		return err
	}
	w.openAccountSubscriptions(ctx, pubkey)
	return nil
}

// AllAccounts lists every stored account.
func (w *Whitenoise) AllAccounts() ([]model.Account, error) { return w.db.AllAccounts() }

// AccountsCount returns the number of stored accounts.
func (w *Whitenoise) AccountsCount() (int64, error) { return w.db.AccountsCount() }

// ActiveAccount returns the active account, if any.
func (w *Whitenoise) ActiveAccount() (*model.Account, error) { return w.db.ActiveAccount() }

// AccountMetadata returns the stored kind-0 metadata for a pubkey.
func (w *Whitenoise) AccountMetadata(pubkey string) (*model.Metadata, error) {
	u, err := w.db.GetUser(pubkey)
	if err != nil {
		return nil, err
	}
	return u.Metadata, nil
}

// HandleEvent feeds one relay event through the processor on behalf of an
// account. The subscription router uses the same path.
func (w *Whitenoise) HandleEvent(ctx context.Context, accountPubkey string, ev *nostr.Event) {
	w.processor.Handle(ctx, accountPubkey, ev)
}

// openAccountSubscriptions opens the account stream plus one per group.
func (w *Whitenoise) openAccountSubscriptions(ctx context.Context, pubkey string) {
	if err := w.router.OpenAccount(ctx, pubkey, w.cfg.DefaultRelays); err != nil {
		w.log.Warn("account subscription failed", zap.String("account", pubkey), zap.Error(err))
	}
	gs, err := w.db.GroupsForAccount(pubkey)
	if err != nil {
		w.log.Warn("group listing failed", zap.String("account", pubkey), zap.Error(err))
		return
	}
	for _, g := range gs {
		if err := w.router.OpenGroup(ctx, pubkey, g.NostrGroupID, g.Relays); err != nil {
			w.log.Warn("group subscription failed",
				zap.String("group", g.MlsGroupID), zap.Error(err))
		}
	}
}

// onboard runs the onboarding steps whose ledger flag is still false. The
// ledger is authoritative; a step counts as done once one relay accepted
// its event.
func (w *Whitenoise) onboard(ctx context.Context, acc *model.Account) {
	pk := acc.Pubkey
	ob := acc.Onboarding

	// Step 1: NIP-65 relay list. Not tracked in the ledger; replaceable and
	// harmless to republish.
	if err := w.publishRelayList(ctx, pk, nostrx.KindRelayList, "r"); err != nil {
		w.log.Warn("nip65 publish failed", zap.String("account", pk), zap.Error(err))
	}

	if !ob.InboxRelays {
		if err := w.publishRelayList(ctx, pk, nostrx.KindInboxRelays, "relay"); err != nil {
			w.log.Warn("inbox relay list publish failed", zap.String("account", pk), zap.Error(err))
		} else {
			ob.InboxRelays = true
		}
	}
	if !ob.KeyPackageRelays {
		if err := w.publishRelayList(ctx, pk, nostrx.KindKeyPackageRelays, "relay"); err != nil {
			w.log.Warn("key package relay list publish failed", zap.String("account", pk), zap.Error(err))
		} else {
			ob.KeyPackageRelays = true
		}
	}

	// Metadata: only when the account has none yet.
	if meta, err := w.AccountMetadata(pk); err == nil && meta == nil {
		if err := w.publishPetnameMetadata(ctx, pk); err != nil {
			w.log.Warn("metadata publish failed", zap.String("account", pk), zap.Error(err))
		}
	}

	if !ob.PublishKeyPackage {
		if err := w.publishKeyPackage(ctx, pk); err != nil {
			w.log.Warn("key package publish failed", zap.String("account", pk), zap.Error(err))
		} else {
			ob.PublishKeyPackage = true
		}
	}

	if ob != acc.Onboarding {
		if err := w.db.UpdateOnboarding(pk, ob); err != nil {
			w.log.Warn("onboarding ledger update failed", zap.String("account", pk), zap.Error(err))
		}
	}
}

// signEvent builds and signs an event with the account's stored key.
func (w *Whitenoise) signEvent(pubkey string, kind int, tags nostr.Tags, content string) (nostr.Event, error) {
	sk, err := w.keys.Load(pubkey)
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
	if err := ev.Sign(sk); err != nil {
		return nostr.Event{}, errs.E(errs.KindSecrets, "core.signEvent", err)
	}
	return ev, nil
}

func (w *Whitenoise) publishRelayList(ctx context.Context, pubkey string, kind int, tagName string) error {
	tags := make(nostr.Tags, 0, len(w.cfg.DefaultRelays))
	for _, url := range w.cfg.DefaultRelays {
		tags = append(tags, nostr.Tag{tagName, url})
	}
	ev, err := w.signEvent(pubkey, kind, tags, "")
	if err != nil {
		return err
	}
	if err := w.relays.Publish(ctx, w.cfg.DefaultRelays, ev); err != nil {
		return err
	}
	// Apply locally; the replaceable guard drops the relay echo later.
	w.processor.Handle(ctx, pubkey, &ev)
	return nil
}

func (w *Whitenoise) publishPetnameMetadata(ctx context.Context, pubkey string) error {
	name := namegenerator.NewNameGenerator(time.Now().UnixNano()).Generate()
	content, err := json.Marshal(model.Metadata{Name: name, DisplayName: name})
	if err != nil {
		return errs.E(errs.KindSecrets, "core.publishPetnameMetadata", err)
	}
	ev, err := w.signEvent(pubkey, nostrx.KindMetadata, nostr.Tags{}, string(content))
	if err != nil {
		return err
	}
	if err := w.relays.Publish(ctx, w.cfg.DefaultRelays, ev); err != nil {
		return err
	}
	w.processor.Handle(ctx, pubkey, &ev)
	return nil
}

func (w *Whitenoise) publishKeyPackage(ctx context.Context, pubkey string) error {
	ev, err := w.coord.CreateKeyPackageEvent(ctx, pubkey)
	if err != nil {
		return err
	}
	urls, derr := w.db.UserRelays(pubkey, model.RelayKindKeyPackage)
	if derr != nil || len(urls) == 0 {
		urls = w.cfg.DefaultRelays
	}
	if err := w.relays.Publish(ctx, urls, ev); err != nil {
		return err
	}
	w.processor.Handle(ctx, pubkey, &ev)
	return nil
}
