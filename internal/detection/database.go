package detection

import (
	"sync"
	"time"

	"gorm.io/gorm"
)

// Ledger is the durable dedup set of fill keys already processed. The full
// key set is mirrored in memory so the hot path never queries the store;
// writes go to both. The detector is the only owner.
type Ledger struct {
	db *gorm.DB

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewLedger loads the existing key set from the store.
func NewLedger(db *gorm.DB) (*Ledger, error) {
	var keys []string
	if err := db.Model(&SeenFill{}).Pluck("fill_key", &keys).Error; err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	return &Ledger{db: db, seen: seen}, nil
}

// Seen reports whether the fill key has been processed before.
func (l *Ledger) Seen(fillKey string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[fillKey]
	return ok
}

// Mark records the fill key in memory and in the durable store. The in-memory
// insert happens regardless of the store outcome so a fill is never yielded
// twice within one process lifetime.
func (l *Ledger) Mark(fillKey string) error {
	l.mu.Lock()
	l.seen[fillKey] = struct{}{}
	l.mu.Unlock()

	return l.db.Create(&SeenFill{
		FillKey:     fillKey,
		FirstSeenAt: time.Now(),
	}).Error
}

// Count returns the number of fill keys ever processed.
func (l *Ledger) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.seen))
}
