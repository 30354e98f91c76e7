// Package database implements relational persistence over a single sqlite file.
package database

import (
	"errors"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// DB wraps the gorm handle. One instance is shared process-wide.
type DB struct {
	orm *gorm.DB
}

// New opens (creating if needed) the sqlite database at path and migrates it.
func New(path string) (*DB, error) {
	orm, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.New", err)
	}
	db := &DB{orm: orm}
	if err := db.migrate(); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	err := d.orm.AutoMigrate(
		&model.User{},
		&model.Account{},
		&model.Relay{},
		&model.UserRelay{},
		&model.Follow{},
		&model.AppSettings{},
		&model.ReplaceableEvent{},
		&model.Group{},
		&model.Welcome{},
		&model.Message{},
		&model.KeyPackageRef{},
		&model.MediaFile{},
	)
	if err != nil {
		return errs.E(errs.KindDatabase, "database.migrate", err)
	}
	return nil
}

// Close releases the underlying sqlite handle.
func (d *DB) Close() error {
	sqlDB, err := d.orm.DB()
	if err != nil {
		return errs.E(errs.KindDatabase, "database.Close", err)
	}
	return sqlDB.Close()
}

// transaction runs fn atomically. sqlite runs serializable by default.
func (d *DB) transaction(op string, fn func(tx *gorm.DB) error) error {
	if err := d.orm.Transaction(fn); err != nil {
		if isDomainErr(err) {
			return err
		}
		return errs.E(errs.KindDatabase, op, err)
	}
	return nil
}

// isDomainErr reports whether err is already classified and must pass through
// transaction wrapping untouched.
func isDomainErr(err error) bool {
	var e *errs.Error
	return errors.As(err, &e) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrAccountNotFound) ||
		errors.Is(err, errs.ErrGroupNotFound) ||
		errors.Is(err, errs.ErrWelcomeNotFound)
}

func notFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
