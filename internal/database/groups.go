package database

import (
	"gorm.io/gorm/clause"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// SaveGroup upserts the account's row for an MLS group.
func (d *DB) SaveGroup(g *model.Group) error {
	err := d.orm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mls_group_id"}, {Name: "account_pubkey"}},
		UpdateAll: true,
	}).Create(g).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.SaveGroup", err)
	}
	return nil
}

// GetGroup returns the account's row for the MLS group id.
func (d *DB) GetGroup(accountPubkey, mlsGroupID string) (*model.Group, error) {
	var g model.Group
	err := d.orm.First(&g, "mls_group_id = ? AND account_pubkey = ?", mlsGroupID, accountPubkey).Error
	if err != nil {
		if notFound(err) {
			return nil, errs.ErrGroupNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetGroup", err)
	}
	return &g, nil
}

// GetGroupByNostrID returns the account's row for the wire-visible group id.
func (d *DB) GetGroupByNostrID(accountPubkey, nostrGroupID string) (*model.Group, error) {
	var g model.Group
	err := d.orm.First(&g, "nostr_group_id = ? AND account_pubkey = ?", nostrGroupID, accountPubkey).Error
	if err != nil {
		if notFound(err) {
			return nil, errs.ErrGroupNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetGroupByNostrID", err)
	}
	return &g, nil
}

// GroupsForAccount lists groups owned by the given local account.
func (d *DB) GroupsForAccount(pubkey string) ([]model.Group, error) {
	var gs []model.Group
	err := d.orm.Where("account_pubkey = ?", pubkey).Order("mls_group_id").Find(&gs).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.GroupsForAccount", err)
	}
	return gs, nil
}

// UpdateGroupEpoch records the epoch after a commit.
func (d *DB) UpdateGroupEpoch(accountPubkey, mlsGroupID string, epoch uint64) error {
	res := d.orm.Model(&model.Group{}).
		Where("mls_group_id = ? AND account_pubkey = ?", mlsGroupID, accountPubkey).
		Update("epoch", epoch)
	if res.Error != nil {
		return errs.E(errs.KindDatabase, "database.UpdateGroupEpoch", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrGroupNotFound
	}
	return nil
}

// InsertWelcome stores a pending invitation; duplicate event ids are ignored.
func (d *DB) InsertWelcome(w *model.Welcome) error {
	err := d.orm.Clauses(clause.OnConflict{DoNothing: true}).Create(w).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.InsertWelcome", err)
	}
	return nil
}

// GetWelcome returns the welcome row for id.
func (d *DB) GetWelcome(id string) (*model.Welcome, error) {
	var w model.Welcome
	if err := d.orm.First(&w, "id = ?", id).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrWelcomeNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetWelcome", err)
	}
	return &w, nil
}

// PendingWelcomes lists pending invitations for an account.
func (d *DB) PendingWelcomes(accountPubkey string) ([]model.Welcome, error) {
	var ws []model.Welcome
	err := d.orm.Where("account_pubkey = ? AND state = ?", accountPubkey, model.WelcomePending).
		Order("created_at").Find(&ws).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.PendingWelcomes", err)
	}
	return ws, nil
}

// SetWelcomeState applies the terminal pending → accepted/declined transition.
func (d *DB) SetWelcomeState(id string, state model.WelcomeState) error {
	res := d.orm.Model(&model.Welcome{}).
		Where("id = ? AND state = ?", id, model.WelcomePending).
		Update("state", state)
	if res.Error != nil {
		return errs.E(errs.KindDatabase, "database.SetWelcomeState", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrWelcomeNotFound
	}
	return nil
}
