package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a fill or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Fill is one execution report observed on the source account, normalized
// from a raw broker trade-book record. Fills are immutable after detection
// except for MirroredQuantity, which the quantizer attaches before the
// mirror order is placed. Fills are never persisted whole; only FillKey is
// written to the ledgers.
type Fill struct {
	FillKey     string          `json:"fill_key"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	ProductType string          `json:"product_type"`
	Exchange    string          `json:"exchange"`
	FillTime    string          `json:"fill_time"`

	MirroredQuantity int64 `json:"mirrored_quantity,omitempty"`
}

// NewFillKey derives the stable dedup identity for a fill. The inputs are the
// only record fields stable across repeated reads of the same underlying
// broker fill, so repeated fetches always produce the same key.
func NewFillKey(fillTime, symbol string, size int64) string {
	return fmt.Sprintf("%s_%s_%d", fillTime, symbol, size)
}

// IsOptionOn reports whether symbol looks like an option contract on the
// given underlying: the symbol must contain the underlying name and a
// call/put marker.
func IsOptionOn(underlying, symbol string) bool {
	if underlying == "" || symbol == "" {
		return false
	}
	s := strings.ToUpper(symbol)
	if !strings.Contains(s, strings.ToUpper(underlying)) {
		return false
	}
	for _, marker := range []string{"CE", "PE", "CALL", "PUT"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// OrderSpec carries everything the order-placement call needs.
type OrderSpec struct {
	Variety       string `json:"variety"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken,omitempty"` // optional; placement accepts a trading symbol alone
	Side          Side   `json:"transactiontype"`
	Exchange      string `json:"exchange"`
	OrderType     string `json:"ordertype"`
	ProductType   string `json:"producttype"`
	Duration      string `json:"duration"`
	Quantity      int64  `json:"quantity,string"`
}

// Status is the operator-facing aggregate state of the mirroring system.
// It carries counts only, never per-fill history.
type Status struct {
	Running        bool      `json:"running"`
	SafetyState    string    `json:"safety_state"`
	DetectionCount int64     `json:"detection_count"`
	MirroredCount  int64     `json:"mirrored_count"`
	FailedCount    int64     `json:"failed_count"`
	PendingRetries int       `json:"pending_retries"`
	DryRun         bool      `json:"dry_run"`
	LastTick       time.Time `json:"last_tick,omitempty"`
}
