// Package subscriptions opens and supervises per-account and per-group
// relay subscriptions, handing every event to the processor.
package subscriptions

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/nostrx"
	"github.com/whitenoise-im/whitenoise/internal/relay"
)

// Handler consumes one event on behalf of an account.
type Handler func(ctx context.Context, accountPubkey string, ev *nostr.Event)

// entry is one supervised subscription with enough to re-open it.
type entry struct {
	account string
	urls    []string
	filters nostr.Filters

	sub     relay.Subscription
	dropped atomic.Bool
}

// Router owns the subscription registry.
type Router struct {
	relays *relay.Manager
	handle Handler
	log    *zap.Logger

	entries *xsync.MapOf[string, *entry]
}

// NewRouter wires the router.
func NewRouter(relays *relay.Manager, handle Handler, log *zap.Logger) *Router {
	return &Router{
		relays:  relays,
		handle:  handle,
		log:     log,
		entries: xsync.NewMapOf[string, *entry](),
	}
}

func accountKey(pubkey string) string { return "account:" + pubkey }

func groupKey(pubkey, nostrGroupID string) string {
	return "group:" + pubkey + ":" + nostrGroupID
}

// OpenAccount subscribes to the account's replaceable events and incoming
// welcomes. Re-opening an existing subscription is a no-op.
func (r *Router) OpenAccount(ctx context.Context, pubkey string, urls []string) error {
	filters := nostr.Filters{
		{
			Kinds: []int{
				nostrx.KindMetadata,
				nostrx.KindContactList,
				nostrx.KindRelayList,
				nostrx.KindInboxRelays,
				nostrx.KindKeyPackageRelays,
			},
			Authors: []string{pubkey},
		},
		{
			Kinds: []int{nostrx.KindMlsWelcome},
			Tags:  nostr.TagMap{"p": []string{pubkey}},
		},
	}
	return r.open(ctx, accountKey(pubkey), pubkey, urls, filters)
}

// OpenGroup subscribes to a group's kind-445 stream for one account.
func (r *Router) OpenGroup(ctx context.Context, pubkey, nostrGroupID string, urls []string) error {
	filters := nostr.Filters{
		{
			Kinds: []int{nostrx.KindMlsGroupMessage},
			Tags:  nostr.TagMap{"h": []string{nostrGroupID}},
		},
	}
	return r.open(ctx, groupKey(pubkey, nostrGroupID), pubkey, urls, filters)
}

func (r *Router) open(ctx context.Context, key, account string, urls []string, filters nostr.Filters) error {
	e := &entry{account: account, urls: urls, filters: filters}
	if _, loaded := r.entries.LoadOrStore(key, e); loaded {
		return nil
	}
	if err := r.connect(ctx, key, e); err != nil {
		r.entries.Delete(key)
		return err
	}
	return nil
}

// connect dials the subscription and starts its pump.
func (r *Router) connect(ctx context.Context, key string, e *entry) error {
	sub, err := r.relays.Subscribe(ctx, e.urls, e.filters)
	if err != nil {
		e.dropped.Store(true)
		return err
	}
	e.sub = sub
	e.dropped.Store(false)

	go func() {
		defer e.dropped.Store(true)
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				r.handle(ctx, e.account, ev)
			case <-sub.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	r.log.Debug("subscription opened", zap.String("key", key))
	return nil
}

// Rehydrate re-opens every dropped subscription. SubscriptionHealth calls
// this on its interval.
func (r *Router) Rehydrate(ctx context.Context) {
	r.entries.Range(func(key string, e *entry) bool {
		if !e.dropped.Load() {
			return true
		}
		if e.sub != nil {
			e.sub.Close()
		}
		if err := r.connect(ctx, key, e); err != nil {
			r.log.Warn("subscription rehydrate failed", zap.String("key", key), zap.Error(err))
		} else {
			r.log.Info("subscription rehydrated", zap.String("key", key))
		}
		return true
	})
}

// CloseAccount tears down the account subscription and all its group
// subscriptions.
func (r *Router) CloseAccount(pubkey string) {
	prefix := "group:" + pubkey + ":"
	r.entries.Range(func(key string, e *entry) bool {
		if key == accountKey(pubkey) || strings.HasPrefix(key, prefix) {
			if e.sub != nil {
				e.sub.Close()
			}
			r.entries.Delete(key)
		}
		return true
	})
}

// ActiveCount reports entries whose subscription is currently live.
func (r *Router) ActiveCount() int {
	n := 0
	r.entries.Range(func(_ string, e *entry) bool {
		if !e.dropped.Load() {
			n++
		}
		return true
	})
	return n
}

// CloseAll tears down everything.
func (r *Router) CloseAll() {
	r.entries.Range(func(key string, e *entry) bool {
		if e.sub != nil {
			e.sub.Close()
		}
		r.entries.Delete(key)
		return true
	})
}
