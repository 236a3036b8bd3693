package e2ee

import (
	"context"
	"errors"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"rtc-service/internal/models"
)

var ErrDeviceNotFound = errors.New("device not found")

const claimAttempts = 3

// Store keeps device bundles and one-time prekey pools.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres with gorm.
func Open(dsn string, logSQL bool) (*gorm.DB, error) {
	lvl := logger.Silent
	if logSQL {
		lvl = logger.Info
	}
	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
	})
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&models.E2EEDevice{}, &models.OneTimePrekey{})
}

func (s *Store) GetDevice(ctx context.Context, userID int64, deviceID string) (*models.E2EEDevice, error) {
	var device models.E2EEDevice
	err := s.db.WithContext(ctx).First(&device, "user_id = ? AND device_id = ?", userID, deviceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *Store) ListDevices(ctx context.Context, userID int64) ([]models.E2EEDevice, error) {
	var devices []models.E2EEDevice
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("device_id ASC").Find(&devices).Error
	return devices, err
}

// SaveDevice upserts device. When its identity key or signed prekey differs
// from the stored row, every one-time prekey of the device is purged in the
// same transaction. It reports whether a purge happened.
func (s *Store) SaveDevice(ctx context.Context, device models.E2EEDevice) (bool, error) {
	rotated := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.E2EEDevice
		err := tx.First(&existing, "user_id = ? AND device_id = ?", device.UserID, device.DeviceID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			rotated = string(existing.IdentityKeyPub) != string(device.IdentityKeyPub) ||
				string(existing.SignedPrekeyPub) != string(device.SignedPrekeyPub)
		}

		if rotated {
			if err := tx.Where("user_id = ? AND device_id = ?", device.UserID, device.DeviceID).
				Delete(&models.OneTimePrekey{}).Error; err != nil {
				return err
			}
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "device_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"identity_key_pub", "signed_prekey_pub", "signed_prekey_sig", "updated_at"}),
		}).Create(&device).Error
	})
	return rotated, err
}

// AddPrekeys appends keys, ignoring key ids the device already has. It
// returns how many were inserted.
func (s *Store) AddPrekeys(ctx context.Context, keys []models.OneTimePrekey) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys)
	return res.RowsAffected, res.Error
}

// ClaimPrekey consumes the oldest available prekey of a device. Concurrent
// claimers skip rows locked by each other, and the conditional update makes
// a row consumable once even where row locks are unavailable. A nil key means
// the pool is empty.
func (s *Store) ClaimPrekey(ctx context.Context, userID int64, deviceID string, at time.Time) (*models.OneTimePrekey, error) {
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var claimed *models.OneTimePrekey
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var key models.OneTimePrekey
			err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("user_id = ? AND device_id = ? AND consumed = ?", userID, deviceID, false).
				Order("id ASC").
				First(&key).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}

			res := tx.Model(&models.OneTimePrekey{}).
				Where("id = ? AND consumed = ?", key.ID, false).
				Updates(map[string]any{"consumed": true, "consumed_at": at})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 1 {
				key.Consumed = true
				key.ConsumedAt = &at
				claimed = &key
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if claimed != nil {
			return claimed, nil
		}
		available, err := s.CountAvailable(ctx, userID, deviceID)
		if err != nil {
			return nil, err
		}
		if available == 0 {
			return nil, nil
		}
	}
	return nil, nil
}

func (s *Store) CountAvailable(ctx context.Context, userID int64, deviceID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.OneTimePrekey{}).
		Where("user_id = ? AND device_id = ? AND consumed = ?", userID, deviceID, false).
		Count(&n).Error
	return n, err
}
