package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// AccountCredentials holds the broker login material for one account role.
type AccountCredentials struct {
	APIKey     string
	ClientID   string
	PIN        string
	TOTPSecret string
}

// Settings is the validated runtime configuration for the mirroring service.
type Settings struct {
	PollInterval   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration

	PriceTolerance        float64 // fraction, e.g. 0.01 for 1%
	PriceToleranceEnforce bool
	PriceCeiling          float64
	DryRun                bool
	MaxTradeQty           int64 // 0 means no cap

	Underlying     string
	LotSizes       map[string]int64
	DefaultLotSize int64

	Timezone    string
	MarketOpen  string // HH:MM, exchange local time
	MarketClose string
	Holidays    []string // YYYY-MM-DD

	RequeueMaxAttempts int

	DatabasePath  string
	BrokerBaseURL string
	Port          string
	JWTSecret     string

	Source AccountCredentials
	Mirror AccountCredentials
}

// Load reads settings from the environment (and a .env file when present),
// applies defaults, and validates the result. Callers must treat an error
// as fatal: the service refuses to start with partial configuration.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	viper.AutomaticEnv()
	setDefaults()

	lotSizes, err := parseLotSizes(viper.GetString("LOT_SIZES"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOT_SIZES: %w", err)
	}

	s := &Settings{
		PollInterval:   time.Duration(viper.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		MaxRetries:     viper.GetInt("MAX_RETRIES"),
		RetryDelay:     time.Duration(viper.GetInt("RETRY_DELAY_SECONDS")) * time.Second,
		RequestTimeout: time.Duration(viper.GetInt("REQUEST_TIMEOUT_SECONDS")) * time.Second,

		PriceTolerance:        viper.GetFloat64("PRICE_TOLERANCE"),
		PriceToleranceEnforce: viper.GetBool("PRICE_TOLERANCE_ENFORCE"),
		PriceCeiling:          viper.GetFloat64("PRICE_CEILING"),
		DryRun:                viper.GetBool("DRY_RUN"),
		MaxTradeQty:           viper.GetInt64("MAX_TRADE_QTY"),

		Underlying:     viper.GetString("UNDERLYING"),
		LotSizes:       lotSizes,
		DefaultLotSize: viper.GetInt64("DEFAULT_LOT_SIZE"),

		Timezone:    viper.GetString("EXCHANGE_TIMEZONE"),
		MarketOpen:  viper.GetString("MARKET_OPEN"),
		MarketClose: viper.GetString("MARKET_CLOSE"),
		Holidays:    splitList(viper.GetString("HOLIDAYS")),

		RequeueMaxAttempts: viper.GetInt("REQUEUE_MAX_ATTEMPTS"),

		DatabasePath:  viper.GetString("DATABASE_PATH"),
		BrokerBaseURL: viper.GetString("BROKER_BASE_URL"),
		Port:          viper.GetString("PORT"),
		JWTSecret:     viper.GetString("JWT_SECRET"),

		Source: AccountCredentials{
			APIKey:     viper.GetString("SOURCE_API_KEY"),
			ClientID:   viper.GetString("SOURCE_CLIENT_ID"),
			PIN:        viper.GetString("SOURCE_MPIN"),
			TOTPSecret: viper.GetString("SOURCE_TOTP_TOKEN"),
		},
		Mirror: AccountCredentials{
			APIKey:     viper.GetString("MIRROR_API_KEY"),
			ClientID:   viper.GetString("MIRROR_CLIENT_ID"),
			PIN:        viper.GetString("MIRROR_MPIN"),
			TOTPSecret: viper.GetString("MIRROR_TOTP_TOKEN"),
		},
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func setDefaults() {
	viper.SetDefault("POLL_INTERVAL_SECONDS", 10)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("RETRY_DELAY_SECONDS", 2)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 10)
	viper.SetDefault("PRICE_TOLERANCE", 0.01)
	viper.SetDefault("PRICE_TOLERANCE_ENFORCE", false)
	viper.SetDefault("PRICE_CEILING", 10000)
	viper.SetDefault("DRY_RUN", true)
	viper.SetDefault("MAX_TRADE_QTY", 0)
	viper.SetDefault("UNDERLYING", "NIFTY")
	viper.SetDefault("LOT_SIZES", "NIFTY:75,BANKNIFTY:35,FINNIFTY:65,MIDCPNIFTY:140,SENSEX:20,BANKEX:30")
	viper.SetDefault("DEFAULT_LOT_SIZE", 75)
	viper.SetDefault("EXCHANGE_TIMEZONE", "Asia/Kolkata")
	viper.SetDefault("MARKET_OPEN", "09:15")
	viper.SetDefault("MARKET_CLOSE", "15:30")
	viper.SetDefault("HOLIDAYS", "")
	viper.SetDefault("REQUEUE_MAX_ATTEMPTS", 3)
	viper.SetDefault("DATABASE_PATH", "mirror.db")
	viper.SetDefault("BROKER_BASE_URL", "https://apiconnect.angelone.in")
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("JWT_SECRET", "")
}

// Validate checks configuration invariants. The service must not start
// monitoring with a partial or inconsistent configuration.
func (s *Settings) Validate() error {
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", s.PollInterval)
	}
	if s.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", s.MaxRetries)
	}
	if s.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %s", s.RetryDelay)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", s.RequestTimeout)
	}
	if s.PriceTolerance < 0 {
		return fmt.Errorf("price tolerance must not be negative, got %f", s.PriceTolerance)
	}
	if s.PriceCeiling <= 0 {
		return fmt.Errorf("price ceiling must be positive, got %f", s.PriceCeiling)
	}
	if s.MaxTradeQty < 0 {
		return fmt.Errorf("max trade quantity must not be negative, got %d", s.MaxTradeQty)
	}
	if s.Underlying == "" {
		return fmt.Errorf("underlying must be set")
	}
	if s.DefaultLotSize < 1 {
		return fmt.Errorf("default lot size must be at least 1, got %d", s.DefaultLotSize)
	}
	for class, lot := range s.LotSizes {
		if lot < 1 {
			return fmt.Errorf("lot size for %s must be at least 1, got %d", class, lot)
		}
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid exchange timezone %q: %w", s.Timezone, err)
	}
	if _, err := parseClock(s.MarketOpen); err != nil {
		return fmt.Errorf("invalid market open time %q: %w", s.MarketOpen, err)
	}
	if _, err := parseClock(s.MarketClose); err != nil {
		return fmt.Errorf("invalid market close time %q: %w", s.MarketClose, err)
	}
	for _, day := range s.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", day, err)
		}
	}
	if s.RequeueMaxAttempts < 0 {
		return fmt.Errorf("requeue max attempts must not be negative, got %d", s.RequeueMaxAttempts)
	}
	if s.DatabasePath == "" {
		return fmt.Errorf("database path must be set")
	}
	if !s.DryRun {
		if err := s.Source.validate("source"); err != nil {
			return err
		}
		if err := s.Mirror.validate("mirror"); err != nil {
			return err
		}
	}
	return nil
}

func (c AccountCredentials) validate(role string) error {
	if c.APIKey == "" || c.ClientID == "" || c.PIN == "" || c.TOTPSecret == "" {
		return fmt.Errorf("incomplete %s account credentials: live mode requires api key, client id, mpin and totp token", role)
	}
	return nil
}

// parseLotSizes parses "NIFTY:75,BANKNIFTY:35" into a class to lot-size map.
func parseLotSizes(raw string) (map[string]int64, error) {
	sizes := make(map[string]int64)
	for _, pair := range splitList(raw) {
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed entry %q, want CLASS:SIZE", pair)
		}
		size, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed lot size in %q: %w", pair, err)
		}
		sizes[strings.ToUpper(strings.TrimSpace(parts[0]))] = size
	}
	return sizes, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseClock parses HH:MM into minutes since midnight.
func parseClock(clock string) (int, error) {
	t, err := time.Parse("15:04", clock)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ClockMinutes exposes parseClock for packages that consume validated
// settings; it panics on input that Validate would have rejected.
func ClockMinutes(clock string) int {
	minutes, err := parseClock(clock)
	if err != nil {
		panic(fmt.Sprintf("clock %q not validated: %v", clock, err))
	}
	return minutes
}
