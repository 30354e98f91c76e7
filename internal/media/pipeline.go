// Package media implements the encrypted media pipeline: sniff, encrypt,
// upload, IMETA; and the reverse download path with a plaintext cache.
package media

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/whitenoise-im/whitenoise/internal/blossom"
	"github.com/whitenoise-im/whitenoise/internal/database"
	"github.com/whitenoise-im/whitenoise/internal/errs"
	"github.com/whitenoise-im/whitenoise/internal/model"
	"github.com/whitenoise-im/whitenoise/internal/nostrx"
	"github.com/whitenoise-im/whitenoise/internal/secrets"
)

// ExportLabel keys media encryption off the group's MLS epoch secret.
const ExportLabel = "media-encryption"

// allowed is the exact media whitelist.
var allowed = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"image/webp":      {},
	"video/mp4":       {},
	"video/webm":      {},
	"audio/mpeg":      {},
	"audio/ogg":       {},
	"audio/wav":       {},
	"application/pdf": {},
}

// SecretExporter yields key material from a group's current epoch.
// The group coordinator implements it.
type SecretExporter interface {
	ExportSecret(ctx context.Context, accountPubkey, mlsGroupID, label string, length int) ([]byte, error)
}

// Pipeline is the media engine.
type Pipeline struct {
	db       *database.DB
	exporter SecretExporter
	blobs    *blossom.Client
	keys     *secrets.Store
	cacheDir func(groupID string) string
	log      *zap.Logger
}

// NewPipeline wires the pipeline. cacheDir maps a group id to its plaintext
// cache directory.
func NewPipeline(db *database.DB, exporter SecretExporter, blobs *blossom.Client,
	keys *secrets.Store, cacheDir func(string) string, log *zap.Logger) *Pipeline {
	return &Pipeline{db: db, exporter: exporter, blobs: blobs, keys: keys, cacheDir: cacheDir, log: log}
}

// Upload encrypts and uploads one file for a group and returns the stored
// row plus the IMETA tag for the carrying message.
func (p *Pipeline) Upload(ctx context.Context, accountPubkey, mlsGroupID string, data []byte) (*model.MediaFile, nostrx.Imeta, error) {
	mime := mimetype.Detect(data).String()
	if _, ok := allowed[mime]; !ok {
		return nil, nostrx.Imeta{}, errs.E(errs.KindMedia, "media.Upload", errs.ErrUnsupportedMediaFormat)
	}

	key, err := p.exporter.ExportSecret(ctx, accountPubkey, mlsGroupID, ExportLabel, chacha20poly1305.KeySize)
	if err != nil {
		return nil, nostrx.Imeta{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nostrx.Imeta{}, errs.E(errs.KindMedia, "media.Upload", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nostrx.Imeta{}, errs.E(errs.KindMedia, "media.Upload", err)
	}
	ciphertext := aead.Seal(nil, nonce, data, nil)

	sum := sha256.Sum256(data)
	fileHash := hex.EncodeToString(sum[:])

	privkey, err := p.keys.Load(accountPubkey)
	if err != nil {
		return nil, nostrx.Imeta{}, err
	}
	desc, err := p.blobs.Upload(ctx, privkey, ciphertext)
	if err != nil {
		return nil, nostrx.Imeta{}, err
	}

	im := nostrx.Imeta{
		URL:      desc.URL,
		FileHash: fileHash,
		MimeType: mime,
		Nonce:    hex.EncodeToString(nonce),
		Key:      hex.EncodeToString(key),
		Size:     int64(len(data)),
	}

	localPath, err := p.writeCache(mlsGroupID, fileHash, data)
	if err != nil {
		return nil, nostrx.Imeta{}, err
	}
	row := &model.MediaFile{
		ID:         uuid.Must(uuid.NewV4()).String(),
		MlsGroupID: mlsGroupID,
		FileHash:   fileHash,
		BlossomURL: desc.URL,
		NostrKey:   im.Key,
		MimeType:   mime,
		LocalPath:  localPath,
	}
	if err := p.db.InsertMediaFile(row); err != nil {
		return nil, nostrx.Imeta{}, err
	}
	return row, im, nil
}

// Download returns the plaintext described by an IMETA tag, serving from the
// cache when possible and verifying integrity on fetch.
func (p *Pipeline) Download(ctx context.Context, mlsGroupID string, im nostrx.Imeta) ([]byte, error) {
	if data, err := os.ReadFile(p.cachePath(mlsGroupID, im.FileHash)); err == nil {
		return data, nil
	}

	ciphertext, err := p.blobs.Download(ctx, im.URL)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(im.Key)
	if err != nil {
		return nil, errs.Ef(errs.KindMedia, "media.Download", "bad imeta key")
	}
	nonce, err := hex.DecodeString(im.Nonce)
	if err != nil {
		return nil, errs.Ef(errs.KindMedia, "media.Download", "bad imeta nonce")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "media.Download", err)
	}
	data, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.E(errs.KindMedia, "media.Download", errs.ErrDecryptionFailure)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != im.FileHash {
		return nil, errs.E(errs.KindMedia, "media.Download", errs.ErrIntegrityFailure)
	}

	if _, err := p.writeCache(mlsGroupID, im.FileHash, data); err != nil {
		p.log.Warn("media cache write failed",
			zap.String("group", mlsGroupID), zap.String("hash", im.FileHash), zap.Error(err))
	}
	return data, nil
}

// CachedPath returns the cache location for a hash if present.
func (p *Pipeline) CachedPath(mlsGroupID, fileHash string) (string, bool) {
	path := p.cachePath(mlsGroupID, fileHash)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (p *Pipeline) cachePath(mlsGroupID, fileHash string) string {
	return filepath.Join(p.cacheDir(mlsGroupID), fileHash)
}

func (p *Pipeline) writeCache(mlsGroupID, fileHash string, data []byte) (string, error) {
	dir := p.cacheDir(mlsGroupID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errs.E(errs.KindMedia, "media.writeCache", err)
	}
	path := filepath.Join(dir, fileHash)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", errs.E(errs.KindMedia, "media.writeCache", err)
	}
	return path, nil
}
