package mirror

import (
	"time"

	"gorm.io/gorm"
)

// MirroredFill is one MirrorLedger row. A row exists if and only if a mirror
// order was confirmed placed (or simulated in dry-run) for the fill key.
// In-flight reservations live only in memory; they are written here solely
// on confirmed success.
type MirroredFill struct {
	gorm.Model `json:"-"`
	FillKey    string    `gorm:"uniqueIndex" json:"fill_key"`
	OrderID    string    `json:"order_id"`
	MirroredAt time.Time `json:"mirrored_at"`
}
