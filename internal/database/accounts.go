package database

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// CreateAccount inserts an account row (and its backing User).
func (d *DB) CreateAccount(pubkey string) (*model.Account, error) {
	acc := model.Account{Pubkey: pubkey}
	err := d.transaction("database.CreateAccount", func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&model.User{Pubkey: pubkey}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccount returns the account row for pubkey.
func (d *DB) GetAccount(pubkey string) (*model.Account, error) {
	var acc model.Account
	if err := d.orm.First(&acc, "pubkey = ?", pubkey).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrAccountNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetAccount", err)
	}
	return &acc, nil
}

// AllAccounts lists every account ordered by pubkey.
func (d *DB) AllAccounts() ([]model.Account, error) {
	var accs []model.Account
	if err := d.orm.Order("pubkey").Find(&accs).Error; err != nil {
		return nil, errs.E(errs.KindDatabase, "database.AllAccounts", err)
	}
	return accs, nil
}

// AccountsCount returns the number of accounts.
func (d *DB) AccountsCount() (int64, error) {
	var n int64
	if err := d.orm.Model(&model.Account{}).Count(&n).Error; err != nil {
		return 0, errs.E(errs.KindDatabase, "database.AccountsCount", err)
	}
	return n, nil
}

// DeleteAccount removes the account row. The backing User survives.
func (d *DB) DeleteAccount(pubkey string) error {
	res := d.orm.Delete(&model.Account{}, "pubkey = ?", pubkey)
	if res.Error != nil {
		return errs.E(errs.KindDatabase, "database.DeleteAccount", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.ErrAccountNotFound
	}
	return nil
}

// SetActiveAccount makes exactly one account active, atomically.
func (d *DB) SetActiveAccount(pubkey string) error {
	return d.transaction("database.SetActiveAccount", func(tx *gorm.DB) error {
		var acc model.Account
		if err := tx.First(&acc, "pubkey = ?", pubkey).Error; err != nil {
			if notFound(err) {
				return errs.ErrAccountNotFound
			}
			return err
		}
		if err := tx.Model(&model.Account{}).Where("active = ?", true).
			Update("active", false).Error; err != nil {
			return err
		}
		return tx.Model(&model.Account{}).Where("pubkey = ?", pubkey).
			Update("active", true).Error
	})
}

// ActiveAccount returns the active account, or ErrAccountNotFound if none.
func (d *DB) ActiveAccount() (*model.Account, error) {
	var acc model.Account
	if err := d.orm.First(&acc, "active = ?", true).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrAccountNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.ActiveAccount", err)
	}
	return &acc, nil
}

// UpdateOnboarding persists the per-step onboarding ledger.
func (d *DB) UpdateOnboarding(pubkey string, ob model.Onboarding) error {
	err := d.orm.Model(&model.Account{}).Where("pubkey = ?", pubkey).
		Update("onboarding", ob).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.UpdateOnboarding", err)
	}
	return nil
}

// Settings returns the singleton settings row, creating it with defaults.
func (d *DB) Settings() (*model.AppSettings, error) {
	s := model.AppSettings{ID: 1, ThemeMode: model.ThemeSystem}
	err := d.orm.Where(model.AppSettings{ID: 1}).
		Attrs(model.AppSettings{ThemeMode: model.ThemeSystem}).
		FirstOrCreate(&s).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.Settings", err)
	}
	return &s, nil
}

// SetThemeMode updates the singleton settings row.
func (d *DB) SetThemeMode(mode model.ThemeMode) error {
	if _, err := d.Settings(); err != nil {
		return err
	}
	err := d.orm.Model(&model.AppSettings{}).Where("id = ?", 1).
		Update("theme_mode", mode).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.SetThemeMode", err)
	}
	return nil
}
