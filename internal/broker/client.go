package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/types"
)

// AccountRole identifies which brokerage account a client handle belongs to.
type AccountRole string

const (
	RoleSource AccountRole = "source"
	RoleMirror AccountRole = "mirror"
)

// Client is the capability surface the mirroring pipeline needs from a
// brokerage session. Two independent handles are held, one per account role.
// All methods return an error for both transport failures and explicit
// failure envelopes from the broker; callers never see a raw broker response.
type Client interface {
	// TradeBook fetches the current trade/fill book for the account.
	TradeBook(ctx context.Context) ([]RawTrade, error)
	// SearchScrip searches the instrument catalog for contracts matching term.
	SearchScrip(ctx context.Context, exchange, term string) ([]Instrument, error)
	// LTP fetches the last-traded price for an instrument.
	LTP(ctx context.Context, exchange, symbol, token string) (decimal.Decimal, error)
	// PlaceOrder submits an order and returns the broker order ID.
	PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error)
}

// Instrument is one hit from an instrument-catalog search.
type Instrument struct {
	Exchange      string `json:"exchange"`
	TradingSymbol string `json:"tradingsymbol"`
	SymbolToken   string `json:"symboltoken"`
}

// RawTrade is one trade-book record as received from the broker. The broker
// has been observed to emit two incompatible shapes (legacy and current);
// both field sets are declared here and normalization dispatches on which
// are populated. Numeric fields arrive as strings on the wire.
type RawTrade struct {
	// Legacy shape.
	OrderTimestamp    string `json:"orderTimestamp,omitempty"`
	TradingSymbol     string `json:"tradingSymbol,omitempty"`
	Quantity          string `json:"quantity,omitempty"`
	AveragePrice      string `json:"averagePrice,omitempty"`
	OrderType         string `json:"orderType,omitempty"`
	ProductTypeLegacy string `json:"productType,omitempty"`

	// Current shape.
	FillTime        string `json:"filltime,omitempty"`
	Tradingsymbol   string `json:"tradingsymbol,omitempty"`
	FillSize        string `json:"fillsize,omitempty"`
	FillPrice       string `json:"fillprice,omitempty"`
	TransactionType string `json:"transactiontype,omitempty"`
	ProductType     string `json:"producttype,omitempty"`

	// Present in both shapes.
	Exchange string `json:"exchange,omitempty"`
}
