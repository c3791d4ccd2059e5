package mirror

import (
	"errors"

	"gorm.io/gorm"
)

// Database wraps the durable half of the MirrorLedger. The engine is the
// only owner.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Create persists a confirmed mirror.
func (d *Database) Create(record *MirroredFill) error {
	return d.db.Create(record).Error
}

// Get returns the mirror record for a fill key, or nil when absent.
func (d *Database) Get(fillKey string) (*MirroredFill, error) {
	var record MirroredFill
	if err := d.db.Where("fill_key = ?", fillKey).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Keys returns every mirrored fill key, used to seed the in-memory
// reservation set at startup.
func (d *Database) Keys() ([]string, error) {
	var keys []string
	if err := d.db.Model(&MirroredFill{}).Pluck("fill_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// Count returns the number of confirmed mirrors.
func (d *Database) Count() (int64, error) {
	var count int64
	err := d.db.Model(&MirroredFill{}).Count(&count).Error
	return count, err
}
