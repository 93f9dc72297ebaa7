package model

import (
	"time"

	"gorm.io/datatypes"
)

type AdminUser struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	WalletAddress string    `gorm:"size:64;uniqueIndex;not null" json:"wallet_address"`
	Role          string    `gorm:"size:32;not null;default:moderator" json:"role"`
	CreatedAt     time.Time `json:"created_at"`
}

type AdminActivity struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	AdminWallet string         `gorm:"size:64;not null;index" json:"admin_wallet"`
	Action      string         `gorm:"size:32;not null" json:"action"`
	TargetType  string         `gorm:"size:32" json:"target_type"`
	TargetID    string         `gorm:"size:36;index" json:"target_id"`
	Details     datatypes.JSON `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
