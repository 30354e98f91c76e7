package core

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/whitenoise-im/whitenoise/internal/config"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
)

// keyPackageMaintenance keeps at least config.KeyPackageTarget fresh key
// packages published per account.
type keyPackageMaintenance struct {
	core *Whitenoise
}

func (t *keyPackageMaintenance) Name() string            { return "key-package-maintenance" }
func (t *keyPackageMaintenance) Interval() time.Duration { return config.KeyPackageMaintenanceInterval }

func (t *keyPackageMaintenance) Execute(ctx context.Context) error {
	accounts, err := t.core.db.AllAccounts()
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := t.replenish(ctx, acc.Pubkey); err != nil {
			t.core.log.Warn("key package replenish failed",
				zap.String("account", acc.Pubkey), zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (t *keyPackageMaintenance) replenish(ctx context.Context, pubkey string) error {
	urls, err := t.core.db.UserRelays(pubkey, model.RelayKindKeyPackage)
	if err != nil || len(urls) == 0 {
		urls = t.core.cfg.DefaultRelays
	}
	published, err := t.core.relays.Fetch(ctx, urls, nostr.Filter{
		Kinds:   []int{nostrx.KindMlsKeyPackage},
		Authors: []string{pubkey},
		Limit:   config.KeyPackageTarget,
	})
	if err != nil {
		return err
	}
	for missing := config.KeyPackageTarget - len(published); missing > 0; missing-- {
		ev, err := t.core.coord.CreateKeyPackageEvent(ctx, pubkey)
		if err != nil {
			return err
		}
		if err := t.core.relays.Publish(ctx, urls, ev); err != nil {
			return err
		}
	}
	return nil
}

// subscriptionHealth re-opens dropped per-account and per-group
// subscriptions.
type subscriptionHealth struct {
	core *Whitenoise
}

func (t *subscriptionHealth) Name() string            { return "subscription-health" }
func (t *subscriptionHealth) Interval() time.Duration { return config.SubscriptionHealthInterval }

func (t *subscriptionHealth) Execute(ctx context.Context) error {
	t.core.router.Rehydrate(ctx)
	return nil
}
