package core

import (
	"context"

	"github.com/nbd-wtf/go-nostr"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/messages"
	"github.com/whitenoise-im/whitenoise/internal/mls"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
)

// CreateGroup creates an MLS group with the account as creator and opens
// its subscription.
func (w *Whitenoise) CreateGroup(ctx context.Context, accountPubkey string, members, admins []string, cfg mls.GroupConfig) (*model.Group, error) {
	g, err := w.coord.CreateGroup(ctx, accountPubkey, members, admins, cfg)
	if err != nil {
		return nil, err
	}
	if err := w.router.OpenGroup(ctx, accountPubkey, g.NostrGroupID, g.Relays); err != nil {
		return nil, err
	}
	return g, nil
}

// AddGroupMembers adds members; the actor must be an admin.
func (w *Whitenoise) AddGroupMembers(ctx context.Context, actor, mlsGroupID string, pubkeys []string) error {
	return w.coord.AddMembers(ctx, actor, mlsGroupID, pubkeys)
}

// RemoveGroupMembers removes members; every pubkey must be a current member.
func (w *Whitenoise) RemoveGroupMembers(ctx context.Context, actor, mlsGroupID string, pubkeys []string) error {
	return w.coord.RemoveMembers(ctx, actor, mlsGroupID, pubkeys)
}

// RotateGroupKey bumps the group epoch without changing membership.
func (w *Whitenoise) RotateGroupKey(ctx context.Context, accountPubkey, mlsGroupID string) error {
	return w.coord.SelfUpdate(ctx, accountPubkey, mlsGroupID)
}

// FetchGroupMembers returns the group's current member set.
func (w *Whitenoise) FetchGroupMembers(ctx context.Context, accountPubkey, mlsGroupID string) ([]string, error) {
	return w.coord.GroupMembers(ctx, accountPubkey, mlsGroupID)
}

// PendingWelcomes lists the account's open invitations.
func (w *Whitenoise) PendingWelcomes(accountPubkey string) ([]model.Welcome, error) {
	return w.db.PendingWelcomes(accountPubkey)
}

// AcceptWelcome joins the invited group and opens its subscription.
func (w *Whitenoise) AcceptWelcome(ctx context.Context, accountPubkey, welcomeID string) (*model.Group, error) {
	g, err := w.coord.AcceptWelcome(ctx, accountPubkey, welcomeID)
	if err != nil {
		return nil, err
	}
	if err := w.router.OpenGroup(ctx, accountPubkey, g.NostrGroupID, g.Relays); err != nil {
		return nil, err
	}
	return g, nil
}

// DeclineWelcome marks the invitation declined.
func (w *Whitenoise) DeclineWelcome(ctx context.Context, welcomeID string) error {
	return w.coord.DeclineWelcome(ctx, welcomeID)
}

// sendInner signs an inner event, seals it at the group's current epoch,
// publishes the kind-445 carrier and applies the inner event locally so the
// sender's view does not wait on relay round-trips.
func (w *Whitenoise) sendInner(ctx context.Context, accountPubkey, mlsGroupID string, kind int, tags nostr.Tags, content string) (string, error) {
	group, err := w.db.GetGroup(accountPubkey, mlsGroupID)
	if err != nil {
		return "", err
	}
	inner, err := w.signEvent(accountPubkey, kind, tags, content)
	if err != nil {
		return "", err
	}
	sealed, epoch, err := w.coord.CreateMessage(ctx, accountPubkey, mlsGroupID, &inner)
	if err != nil {
		return "", err
	}
	outer, err := w.signEvent(accountPubkey, nostrx.KindMlsGroupMessage,
		nostr.Tags{{"h", group.NostrGroupID}}, sealed)
	if err != nil {
		return "", err
	}
	if err := w.relays.Publish(ctx, group.Relays, outer); err != nil {
		return "", err
	}
	if err := w.processor.ApplyInner(mlsGroupID, &inner, epoch); err != nil {
		return "", err
	}
	return inner.ID, nil
}

// SendMessage sends a kind-9 chat message and returns its id. A reply
// carries an e tag referencing the replied-to message.
func (w *Whitenoise) SendMessage(ctx context.Context, accountPubkey, mlsGroupID, content string, tags nostr.Tags) (string, error) {
	if tags == nil {
		tags = nostr.Tags{}
	}
	return w.sendInner(ctx, accountPubkey, mlsGroupID, nostrx.KindGroupChat, tags, content)
}

// SendReaction reacts to a message with an emoji.
func (w *Whitenoise) SendReaction(ctx context.Context, accountPubkey, mlsGroupID, targetID, emoji string) (string, error) {
	return w.sendInner(ctx, accountPubkey, mlsGroupID, nostrx.KindReaction,
		nostr.Tags{{"e", targetID}}, emoji)
}

// DeleteMessage retracts one of the account's own messages or reactions.
// Deletions never carry content.
func (w *Whitenoise) DeleteMessage(ctx context.Context, accountPubkey, mlsGroupID string, targetIDs ...string) (string, error) {
	if len(targetIDs) == 0 {
		return "", errs.Ef(errs.KindUserVisible, "core.DeleteMessage", "nothing to delete")
	}
	tags := make(nostr.Tags, 0, len(targetIDs))
	for _, id := range targetIDs {
		tags = append(tags, nostr.Tag{"e", id})
	}
	return w.sendInner(ctx, accountPubkey, mlsGroupID, nostrx.KindDeletion, tags, "")
}

// GroupView returns the aggregated conversation for a group.
func (w *Whitenoise) GroupView(mlsGroupID string) ([]*messages.ViewMessage, error) {
	return w.aggregator.GroupView(mlsGroupID)
}

// UploadMedia encrypts and uploads a file for the group, returning the
// media row and the IMETA tag to attach to a message.
func (w *Whitenoise) UploadMedia(ctx context.Context, accountPubkey, mlsGroupID string, data []byte) (*model.MediaFile, nostrx.Imeta, error) {
	return w.media.Upload(ctx, accountPubkey, mlsGroupID, data)
}

// DownloadMedia resolves an IMETA tag to plaintext, via cache when possible.
func (w *Whitenoise) DownloadMedia(ctx context.Context, mlsGroupID string, im nostrx.Imeta) ([]byte, error) {
	return w.media.Download(ctx, mlsGroupID, im)
}
