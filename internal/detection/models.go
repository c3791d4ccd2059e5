package detection

import (
	"time"

	"gorm.io/gorm"
)

// SeenFill is one DedupLedger row. A row is written the first time a fill is
// observed and never mutated or deleted; the table grows monotonically. Once
// a fill key is present, the detector never surfaces that fill again, even
// across process restarts.
type SeenFill struct {
	gorm.Model  `json:"-"`
	FillKey     string    `gorm:"uniqueIndex" json:"fill_key"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}
