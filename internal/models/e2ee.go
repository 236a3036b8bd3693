package models

import "time"

// E2EEDevice holds the long-lived public key material of one device. A new
// registration replaces the row wholesale.
type E2EEDevice struct {
	UserID          int64     `gorm:"primaryKey;autoIncrement:false"`
	DeviceID        string    `gorm:"primaryKey;size:128"`
	IdentityKeyPub  []byte    `gorm:"not null"`
	SignedPrekeyPub []byte    `gorm:"not null"`
	SignedPrekeySig []byte    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"not null;autoUpdateTime"`
}

func (E2EEDevice) TableName() string { return "e2ee_devices" }

// OneTimePrekey is a single-use key in a device's pool.
type OneTimePrekey struct {
	ID         int64  `gorm:"primaryKey"`
	UserID     int64  `gorm:"not null;uniqueIndex:ux_otk_device_key,priority:1;index:ix_otk_available,priority:1"`
	DeviceID   string `gorm:"size:128;not null;uniqueIndex:ux_otk_device_key,priority:2;index:ix_otk_available,priority:2"`
	KeyID      int64  `gorm:"not null;uniqueIndex:ux_otk_device_key,priority:3"`
	PublicKey  []byte `gorm:"not null"`
	Consumed   bool   `gorm:"not null;default:false;index:ix_otk_available,priority:3"`
	ConsumedAt *time.Time
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
}

func (OneTimePrekey) TableName() string { return "one_time_prekeys" }
