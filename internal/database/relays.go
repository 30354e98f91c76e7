package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// ReplaceUserRelays atomically replaces the (user, kind) relay rows.
// Relay rows are global by url and created on first sight.
func (d *DB) ReplaceUserRelays(pubkey string, kind model.RelayKind, urls []string) error {
	return d.transaction("database.ReplaceUserRelays", func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.User{Pubkey: pubkey}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_pubkey = ? AND kind = ?", pubkey, kind).
			Delete(&model.UserRelay{}).Error; err != nil {
			return err
		}
		for _, url := range urls {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.Relay{URL: url}).Error; err != nil {
				return err
			}
			ur := model.UserRelay{UserPubkey: pubkey, RelayURL: url, Kind: kind}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ur).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// UserRelays returns the relay urls of (user, kind).
func (d *DB) UserRelays(pubkey string, kind model.RelayKind) ([]string, error) {
	var urls []string
	err := d.orm.Model(&model.UserRelay{}).
		Where("user_pubkey = ? AND kind = ?", pubkey, kind).
		Order("relay_url").Pluck("relay_url", &urls).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.UserRelays", err)
	}
	return urls, nil
}

// NewestReplaceable returns the updated_at of the stored (user, kind) row,
// or the zero time when none exists.
func (d *DB) NewestReplaceable(pubkey string, kind int) (time.Time, error) {
	var row model.ReplaceableEvent
	err := d.orm.First(&row, "user_pubkey = ? AND kind = ?", pubkey, kind).Error
	if err != nil {
		if notFound(err) {
			return time.Time{}, nil
		}
		return time.Time{}, errs.E(errs.KindDatabase, "database.NewestReplaceable", err)
	}
	return row.UpdatedAt, nil
}

// RecordReplaceable stores the newest applied (user, kind) event. It returns
// false without writing when eventTime is not strictly newer than the stored
// row, enforcing the replaceable guard in one place.
func (d *DB) RecordReplaceable(pubkey string, kind int, eventID string, eventTime time.Time) (bool, error) {
	applied := false
	err := d.transaction("database.RecordReplaceable", func(tx *gorm.DB) error {
		var row model.ReplaceableEvent
		err := tx.First(&row, "user_pubkey = ? AND kind = ?", pubkey, kind).Error
		switch {
		case err == nil:
			if !eventTime.After(row.UpdatedAt) {
				return nil
			}
			applied = true
			return tx.Model(&model.ReplaceableEvent{}).
				Where("user_pubkey = ? AND kind = ?", pubkey, kind).
				Updates(map[string]any{"event_id": eventID, "updated_at": eventTime}).Error
		case notFound(err):
			applied = true
			return tx.Create(&model.ReplaceableEvent{
				UserPubkey: pubkey, Kind: kind, EventID: eventID, UpdatedAt: eventTime,
			}).Error
		default:
			return err
		}
	})
	return applied, err
}
