package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"pricebar/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage persists user settings and symbol assets in SQLite
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the SQLite database at path, or the per-user default location when empty.
func NewStorage(path string) (*Storage, error) {
	if path == "" {
		var err error
		path, err = DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve DB path: %w", err)
		}
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create DB directory: %w", err)
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows one writer; serialize through a single connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&domain.SymbolAsset{}, &domain.AppConfig{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// DefaultDBPath resolves the database file path based on OS
func DefaultDBPath() (string, error) {
	dir, err := AppDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data", "pricebar.db"), nil
}

// AppDataDir is the per-user application directory.
func AppDataDir() (string, error) {
	var configDir string
	var err error

	if runtime.GOOS == "windows" {
		configDir = os.Getenv("LOCALAPPDATA")
		if configDir == "" {
			configDir, err = os.UserConfigDir()
		}
	} else {
		configDir, err = os.UserConfigDir()
	}

	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "PriceBar"), nil
}

// Close releases the underlying connection
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Config Operations
// ======================================================================================

// SaveConfig saves a single user configuration value
func (s *Storage) SaveConfig(key, value string) error {
	return s.SaveConfigs(map[string]string{key: value})
}

// SaveConfigs upserts several values in one transaction
func (s *Storage) SaveConfigs(values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	rows := make([]domain.AppConfig, 0, len(values))
	now := time.Now()
	for k, v := range values {
		rows = append(rows, domain.AppConfig{Key: k, Value: v, UpdatedAt: now})
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}

// LoadConfigMap loads all user configurations as a map
func (s *Storage) LoadConfigMap() (map[string]string, error) {
	var configs []domain.AppConfig
	if err := s.db.Find(&configs).Error; err != nil {
		return nil, err
	}

	result := make(map[string]string, len(configs))
	for _, cfg := range configs {
		result[cfg.Key] = cfg.Value
	}
	return result, nil
}

// ClearConfig deletes every stored configuration value
func (s *Storage) ClearConfig() error {
	return s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&domain.AppConfig{}).Error
}

// ======================================================================================
// Symbol Asset Operations
// ======================================================================================

// UpsertAsset creates or updates symbol asset metadata
func (s *Storage) UpsertAsset(asset *domain.SymbolAsset) error {
	return s.db.Save(asset).Error
}

// GetAsset retrieves asset metadata by code
func (s *Storage) GetAsset(code string) (*domain.SymbolAsset, error) {
	var asset domain.SymbolAsset
	err := s.db.First(&asset, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// GetAllAssets retrieves all assets ordered by code
func (s *Storage) GetAllAssets() ([]domain.SymbolAsset, error) {
	var assets []domain.SymbolAsset
	err := s.db.Order("code").Find(&assets).Error
	return assets, err
}

// DeleteAsset deletes an asset row
func (s *Storage) DeleteAsset(code string) error {
	return s.db.Where("code = ?", code).Delete(&domain.SymbolAsset{}).Error
}
