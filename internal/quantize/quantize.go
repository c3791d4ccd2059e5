package quantize

import (
	"errors"
	"strings"
)

var (
	ErrInvalidQuantity = errors.New("invalid quantity")
	ErrEmptySymbol     = errors.New("no trading symbol")
	ErrBelowOneLot     = errors.New("below one lot")
	ErrCapBelowOneLot  = errors.New("quantity cap below one lot")
)

// classOrder fixes the instrument-class matching order. BANKNIFTY, FINNIFTY
// and MIDCPNIFTY must precede NIFTY because their symbols contain it as a
// substring; first match wins.
var classOrder = []string{"BANKNIFTY", "FINNIFTY", "MIDCPNIFTY", "NIFTY", "SENSEX", "BANKEX"}

// Table maps instrument classes to lot sizes, with a default for symbols
// that match no class. Loaded once at startup, read-only thereafter.
type Table struct {
	sizes      map[string]int64
	defaultLot int64
}

// NewTable builds a lot-size table. Class names are matched case-insensitively
// as symbol substrings.
func NewTable(sizes map[string]int64, defaultLot int64) Table {
	normalized := make(map[string]int64, len(sizes))
	for class, lot := range sizes {
		normalized[strings.ToUpper(class)] = lot
	}
	return Table{sizes: normalized, defaultLot: defaultLot}
}

// ClassOf returns the instrument class the symbol belongs to, or "" when
// no class matches.
func (t Table) ClassOf(symbol string) string {
	upper := strings.ToUpper(symbol)
	for _, class := range classOrder {
		if strings.Contains(upper, class) {
			return class
		}
	}
	return ""
}

// LotSize resolves the lot size for a symbol, falling back to the default
// for unmatched symbols or classes absent from the table.
func (t Table) LotSize(symbol string) int64 {
	if class := t.ClassOf(symbol); class != "" {
		if lot, ok := t.sizes[class]; ok {
			return lot
		}
	}
	return t.defaultLot
}

// Result is a successful quantization outcome.
type Result struct {
	MirroredQuantity int64
	Lots             int64
	LotSize          int64
}

// Quantize converts a raw fill quantity into the largest broker-accepted lot
// multiple, optionally capped at maxQty (0 means uncapped). It is pure and
// total: any input, including zero, negative or empty-symbol values, yields
// a Result or an error, never a panic.
func (t Table) Quantize(symbol string, quantity, maxQty int64) (Result, error) {
	if quantity <= 0 {
		return Result{}, ErrInvalidQuantity
	}
	if strings.TrimSpace(symbol) == "" {
		return Result{}, ErrEmptySymbol
	}

	lotSize := t.LotSize(symbol)
	lots := quantity / lotSize
	if lots < 1 {
		return Result{LotSize: lotSize}, ErrBelowOneLot
	}

	if maxQty > 0 && lots*lotSize > maxQty {
		lots = maxQty / lotSize
		if lots < 1 {
			return Result{LotSize: lotSize}, ErrCapBelowOneLot
		}
	}

	return Result{
		MirroredQuantity: lots * lotSize,
		Lots:             lots,
		LotSize:          lotSize,
	}, nil
}
