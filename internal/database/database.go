package database

import (
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/mirror-api/internal/detection"
	"github.com/ksred/mirror-api/internal/mirror"
)

// NewDatabase opens the sqlite store at path and migrates both durable
// ledgers. An error here is fatal to the caller: the service must not start
// monitoring without its ledgers.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger store %s: %w", path, err)
	}

	if err := db.AutoMigrate(
		&detection.SeenFill{},
		&mirror.MirroredFill{},
	); err != nil {
		return nil, fmt.Errorf("migrating ledger schema: %w", err)
	}

	return db, nil
}
