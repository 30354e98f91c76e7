// Package events dispatches incoming relay events to kind handlers.
//
// The processor never returns an error to its caller: malformed, stale or
// undecryptable events are logged and dropped so relay streams keep flowing.
package events

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/groups"
	"github.com/whitenoise-im/whitenoise/internal/mls"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
)

// Processor applies relay events to local state.
type Processor struct {
	db    *database.DB
	coord *groups.Coordinator
	log   *zap.Logger
}

// NewProcessor wires the processor.
func NewProcessor(db *database.DB, coord *groups.Coordinator, log *zap.Logger) *Processor {
	return &Processor{db: db, coord: coord, log: log}
}

// Handle applies one event on behalf of the subscribed account.
func (p *Processor) Handle(ctx context.Context, accountPubkey string, ev *nostr.Event) {
	if ev == nil {
		return
	}
	var err error
	switch ev.Kind {
	case nostrx.KindMetadata:
		err = p.handleMetadata(ev)
	case nostrx.KindContactList:
		err = p.handleContactList(ev)
	case nostrx.KindRelayList:
		err = p.handleRelayList(ev, model.RelayKindNip65, "r")
	case nostrx.KindInboxRelays:
		err = p.handleRelayList(ev, model.RelayKindInbox, "relay")
	case nostrx.KindKeyPackageRelays:
		err = p.handleRelayList(ev, model.RelayKindKeyPackage, "relay")
	case nostrx.KindMlsKeyPackage:
		err = p.handleKeyPackage(ev)
	case nostrx.KindMlsWelcome:
		err = p.handleWelcome(ctx, accountPubkey, ev)
	case nostrx.KindMlsGroupMessage:
		err = p.handleGroupMessage(ctx, accountPubkey, ev)
	default:
		p.log.Debug("ignoring event of unhandled kind",
			zap.Int("kind", ev.Kind), zap.String("event", ev.ID))
		return
	}

	if err != nil {
		if errors.Is(err, errs.ErrDecryptionFailure) || errors.Is(err, errs.ErrEpochMismatch) {
			p.log.Debug("dropping undecryptable event",
				zap.String("event", ev.ID), zap.Int("kind", ev.Kind), zap.Error(err))
			return
		}
		p.log.Warn("dropping event",
			zap.String("event", ev.ID), zap.Int("kind", ev.Kind), zap.Error(err))
	}
}

// applyReplaceable runs the strict created_at guard for (author, kind) and
// reports whether the event should be applied.
func (p *Processor) applyReplaceable(ev *nostr.Event) (bool, error) {
	return p.db.RecordReplaceable(ev.PubKey, ev.Kind, ev.ID, ev.CreatedAt.Time())
}

func (p *Processor) handleMetadata(ev *nostr.Event) error {
	var meta model.Metadata
	if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
		return errs.Ef(errs.KindDatabase, "events.handleMetadata", "bad kind-0 content: %v", err)
	}
	applied, err := p.applyReplaceable(ev)
	if err != nil || !applied {
		return err
	}
	return p.db.SetUserMetadata(ev.PubKey, &meta, ev.CreatedAt.Time())
}

func (p *Processor) handleContactList(ev *nostr.Event) error {
	applied, err := p.applyReplaceable(ev)
	if err != nil || !applied {
		return err
	}
	return p.db.ReplaceFollows(ev.PubKey, nostrx.TagValues(ev, "p"), ev.CreatedAt.Time())
}

func (p *Processor) handleRelayList(ev *nostr.Event, kind model.RelayKind, tagName string) error {
	applied, err := p.applyReplaceable(ev)
	if err != nil || !applied {
		return err
	}
	return p.db.ReplaceUserRelays(ev.PubKey, kind, nostrx.TagValues(ev, tagName))
}

func (p *Processor) handleKeyPackage(ev *nostr.Event) error {
	if _, err := mls.ParseKeyPackage(ev); err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return errs.E(errs.KindDatabase, "events.handleKeyPackage", err)
	}
	return p.db.UpsertKeyPackageRef(&model.KeyPackageRef{
		Pubkey:    ev.PubKey,
		EventID:   ev.ID,
		Event:     string(raw),
		CreatedAt: ev.CreatedAt.Time(),
	})
}

func (p *Processor) handleWelcome(ctx context.Context, accountPubkey string, ev *nostr.Event) error {
	if nostrx.FirstTagValue(ev, "p") != accountPubkey {
		// Not addressed to this account.
		return nil
	}
	preview, err := p.coord.PreviewWelcome(ctx, accountPubkey, ev.PubKey, ev.Content)
	if err != nil {
		return err
	}
	return p.db.InsertWelcome(&model.Welcome{
		ID:             groups.NewWelcomeID(),
		EventID:        ev.ID,
		AccountPubkey:  accountPubkey,
		WelcomerPubkey: ev.PubKey,
		Content:        ev.Content,
		GroupPreview:   *preview,
		State:          model.WelcomePending,
	})
}

func (p *Processor) handleGroupMessage(ctx context.Context, accountPubkey string, ev *nostr.Event) error {
	res, group, err := p.coord.ProcessMessage(ctx, accountPubkey, ev)
	if err != nil {
		return err
	}
	if res.Commit || res.Inner == nil {
		return nil
	}
	return p.ApplyInner(group.MlsGroupID, res.Inner, res.Epoch)
}

// ApplyInner persists one decrypted inner event (kind 9, 7 or 5). Applying
// the same event twice yields identical state.
func (p *Processor) ApplyInner(mlsGroupID string, inner *nostr.Event, epoch uint64) error {
	switch inner.Kind {
	case nostrx.KindGroupChat:
		return p.db.InsertMessage(&model.Message{
			ID:           inner.ID,
			MlsGroupID:   mlsGroupID,
			AuthorPubkey: inner.PubKey,
			Kind:         inner.Kind,
			Content:      inner.Content,
			Tags:         inner.Tags,
			CreatedAt:    inner.CreatedAt.Time(),
			Epoch:        epoch,
			RepliedTo:    nostrx.FirstTagValue(inner, "e"),
		})

	case nostrx.KindReaction:
		target := nostrx.FirstTagValue(inner, "e")
		if target == "" {
			return errs.Ef(errs.KindDatabase, "events.ApplyInner", "kind-7 %s has no e tag", inner.ID)
		}
		return p.db.InsertMessage(&model.Message{
			ID:             inner.ID,
			MlsGroupID:     mlsGroupID,
			AuthorPubkey:   inner.PubKey,
			Kind:           inner.Kind,
			Content:        inner.Content,
			Tags:           inner.Tags,
			CreatedAt:      inner.CreatedAt.Time(),
			Epoch:          epoch,
			ReactionTarget: target,
		})

	case nostrx.KindDeletion:
		refs := nostrx.TagValues(inner, "e")
		if len(refs) == 0 {
			// A deletion that references nothing is ignored.
			return nil
		}
		if err := p.db.InsertMessage(&model.Message{
			ID:           inner.ID,
			MlsGroupID:   mlsGroupID,
			AuthorPubkey: inner.PubKey,
			Kind:         inner.Kind,
			Tags:         inner.Tags,
			CreatedAt:    inner.CreatedAt.Time(),
			Epoch:        epoch,
		}); err != nil {
			return err
		}
		// Only rows authored by the deleting pubkey flip.
		return p.db.MarkDeleted(inner.PubKey, refs)

	default:
		p.log.Debug("ignoring inner event of unhandled kind",
			zap.Int("kind", inner.Kind), zap.String("event", inner.ID))
		return nil
	}
}
