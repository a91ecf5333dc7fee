package domain

import (
	"time"
)

// SymbolAsset holds display assets for a symbol (icon file location)
type SymbolAsset struct {
	Code         string    `gorm:"primaryKey" json:"code"`
	Name         string    `json:"name"`
	IconPath     string    `json:"icon_path"`
	IsCustom     bool      `json:"is_custom" gorm:"index"`
	LastSyncedAt time.Time `json:"last_synced_at"` // Last icon sync time
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AppConfig represents user-specific configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
