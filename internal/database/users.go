package database

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// EnsureUser inserts a User row on first sight; existing rows are untouched.
func (d *DB) EnsureUser(pubkey string) error {
	u := model.User{Pubkey: pubkey}
	err := d.orm.Clauses(clause.OnConflict{DoNothing: true}).Create(&u).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.EnsureUser", err)
	}
	return nil
}

// GetUser returns the user row for pubkey.
func (d *DB) GetUser(pubkey string) (*model.User, error) {
	var u model.User
	if err := d.orm.First(&u, "pubkey = ?", pubkey).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetUser", err)
	}
	return &u, nil
}

// SetUserMetadata applies kind-0 metadata observed at eventTime. The caller
// is responsible for the replaceable timestamp guard.
func (d *DB) SetUserMetadata(pubkey string, meta *model.Metadata, eventTime time.Time) error {
	return d.transaction("database.SetUserMetadata", func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.User{Pubkey: pubkey}).Error; err != nil {
			return err
		}
		return tx.Model(&model.User{}).Where("pubkey = ?", pubkey).
			Updates(map[string]any{"metadata": meta, "last_synced": eventTime}).Error
	})
}

// ReplaceFollows atomically replaces the follow set of follower.
// Every followee is ensured as a User first (invariant ii).
func (d *DB) ReplaceFollows(follower string, followees []string, since time.Time) error {
	return d.transaction("database.ReplaceFollows", func(tx *gorm.DB) error {
		if err := tx.Where("follower_pubkey = ?", follower).
			Delete(&model.Follow{}).Error; err != nil {
			return err
		}
		for _, fp := range followees {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&model.User{Pubkey: fp}).Error; err != nil {
				return err
			}
			f := model.Follow{FollowerPubkey: follower, FolloweePubkey: fp, Since: since}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&f).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Follows returns the pubkeys followed by follower.
func (d *DB) Follows(follower string) ([]string, error) {
	var out []string
	err := d.orm.Model(&model.Follow{}).Where("follower_pubkey = ?", follower).
		Order("followee_pubkey").Pluck("followee_pubkey", &out).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.Follows", err)
	}
	return out, nil
}
