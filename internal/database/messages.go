package database

import (
	"time"

	"gorm.io/gorm/clause"

	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
)

// InsertMessage stores a decrypted inner event. Idempotent on id: re-applying
// the same event leaves the row unchanged.
func (d *DB) InsertMessage(m *model.Message) error {
	err := d.orm.Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.InsertMessage", err)
	}
	return nil
}

// GetMessage returns one message by inner event id.
func (d *DB) GetMessage(id string) (*model.Message, error) {
	var m model.Message
	if err := d.orm.First(&m, "id = ?", id).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.GetMessage", err)
	}
	return &m, nil
}

// MessagesForGroup returns every stored inner event of a group ordered by
// (created_at, id).
func (d *DB) MessagesForGroup(mlsGroupID string) ([]model.Message, error) {
	var ms []model.Message
	err := d.orm.Where("mls_group_id = ?", mlsGroupID).
		Order("created_at, id").Find(&ms).Error
	if err != nil {
		return nil, errs.E(errs.KindDatabase, "database.MessagesForGroup", err)
	}
	return ms, nil
}

// MarkDeleted flips deleted=true on every referenced id authored by author.
// Rows by other authors are left alone (invariant v). Idempotent.
func (d *DB) MarkDeleted(author string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := d.orm.Model(&model.Message{}).
		Where("id IN ? AND author_pubkey = ?", ids, author).
		Update("deleted", true).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.MarkDeleted", err)
	}
	return nil
}

// UpsertKeyPackageRef records the newest kind-443 event per author.
// Older events than the stored one are ignored.
func (d *DB) UpsertKeyPackageRef(ref *model.KeyPackageRef) error {
	err := d.orm.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pubkey"}},
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Lt{Column: clause.Column{Table: "key_package_refs", Name: "created_at"}, Value: ref.CreatedAt},
		}},
		DoUpdates: clause.AssignmentColumns([]string{"event_id", "event", "created_at"}),
	}).Create(ref).Error
	if err != nil {
		return errs.E(errs.KindDatabase, "database.UpsertKeyPackageRef", err)
	}
	return nil
}

// KeyPackageRef returns the newest indexed key package for pubkey.
func (d *DB) KeyPackageRef(pubkey string) (*model.KeyPackageRef, error) {
	var ref model.KeyPackageRef
	if err := d.orm.First(&ref, "pubkey = ?", pubkey).Error; err != nil {
		if notFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.KeyPackageRef", err)
	}
	return &ref, nil
}

// InsertMediaFile stores a media index row.
func (d *DB) InsertMediaFile(f *model.MediaFile) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if err := d.orm.Create(f).Error; err != nil {
		return errs.E(errs.KindDatabase, "database.InsertMediaFile", err)
	}
	return nil
}

// MediaByHash returns the media row for (group, plaintext hash).
func (d *DB) MediaByHash(mlsGroupID, fileHash string) (*model.MediaFile, error) {
	var f model.MediaFile
	err := d.orm.First(&f, "mls_group_id = ? AND file_hash = ?", mlsGroupID, fileHash).Error
	if err != nil {
		if notFound(err) {
			return nil, errs.ErrNotFound
		}
		return nil, errs.E(errs.KindDatabase, "database.MediaByHash", err)
	}
	return &f, nil
}
