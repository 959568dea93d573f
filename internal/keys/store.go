// Package keys stores single-use pre-keys: a plain single-table store with
// no cross-index consistency concerns. Each key is handed out at most once.
package keys

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PreKey struct {
	ACI       string `gorm:"column:aci;primaryKey;size:36"`
	DeviceID  uint8  `gorm:"primaryKey"`
	KeyID     uint32 `gorm:"primaryKey"`
	PublicKey []byte `gorm:"not null"`
}

func (PreKey) TableName() string { return "single_use_pre_keys" }

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Migrate() error { return s.db.AutoMigrate(&PreKey{}) }

// Store replaces the device's pre-key batch atomically.
func (s *Store) Store(ctx context.Context, aci uuid.UUID, deviceID uint8, preKeys []PreKey) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("aci = ? AND device_id = ?", aci.String(), deviceID).
			Delete(&PreKey{}).Error; err != nil {
			return err
		}
		if len(preKeys) == 0 {
			return nil
		}
		rows := make([]PreKey, 0, len(preKeys))
		for _, k := range preKeys {
			k.ACI = aci.String()
			k.DeviceID = deviceID
			rows = append(rows, k)
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// Take pops the lowest-id pre-key for the device, or nil when none remain.
func (s *Store) Take(ctx context.Context, aci uuid.UUID, deviceID uint8) (*PreKey, error) {
	var taken *PreKey
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var key PreKey
		err := tx.Where("aci = ? AND device_id = ?", aci.String(), deviceID).
			Order("key_id").
			First(&key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Where("aci = ? AND device_id = ? AND key_id = ?", key.ACI, key.DeviceID, key.KeyID).
			Delete(&PreKey{}).Error; err != nil {
			return err
		}
		taken = &key
		return nil
	})
	return taken, err
}

func (s *Store) Count(ctx context.Context, aci uuid.UUID, deviceID uint8) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PreKey{}).
		Where("aci = ? AND device_id = ?", aci.String(), deviceID).
		Count(&count).Error
	return count, err
}

// DeleteDevice drops every stored pre-key for one device.
func (s *Store) DeleteDevice(ctx context.Context, aci uuid.UUID, deviceID uint8) error {
	return s.db.WithContext(ctx).
		Where("aci = ? AND device_id = ?", aci.String(), deviceID).
		Delete(&PreKey{}).Error
}

// DeleteAccount drops every stored pre-key for every device of the account.
func (s *Store) DeleteAccount(ctx context.Context, aci uuid.UUID) error {
	return s.db.WithContext(ctx).
		Where("aci = ?", aci.String()).
		Delete(&PreKey{}).Error
}
