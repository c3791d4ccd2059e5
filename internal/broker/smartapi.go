package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/mirror-api/internal/config"
	"github.com/ksred/mirror-api/internal/types"
)

const (
	loginPath       = "/rest/auth/angelbroking/user/v1/loginByPassword"
	tradeBookPath   = "/rest/secure/angelbroking/order/v1/getTradeBook"
	searchScripPath = "/rest/secure/angelbroking/order/v1/searchScrip"
	ltpPath         = "/rest/secure/angelbroking/order/v1/getLtpData"
	placeOrderPath  = "/rest/secure/angelbroking/order/v1/placeOrder"
)

var ErrNotAuthenticated = errors.New("broker session not authenticated")

// apiEnvelope is the discriminated success/failure wrapper the broker puts
// around every response body.
type apiEnvelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	Data      json.RawMessage `json:"data"`
}

// SmartAPIClient is a Client backed by the broker's SmartAPI-style REST
// endpoints. One instance holds one authenticated session for one account
// role. It is safe for concurrent use.
type SmartAPIClient struct {
	baseURL    string
	creds      config.AccountCredentials
	role       AccountRole
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.RWMutex
	jwtToken string
}

// NewSmartAPIClient builds an unauthenticated client handle; call Login
// before issuing requests.
func NewSmartAPIClient(baseURL string, creds config.AccountCredentials, role AccountRole, timeout time.Duration) *SmartAPIClient {
	return &SmartAPIClient{
		baseURL:    baseURL,
		creds:      creds,
		role:       role,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.With().Str("component", "broker").Str("role", string(role)).Logger(),
	}
}

// Login exchanges credentials plus a fresh TOTP code for a session token.
func (c *SmartAPIClient) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(c.creds.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generating totp code: %w", err)
	}

	body := map[string]string{
		"clientcode": c.creds.ClientID,
		"password":   c.creds.PIN,
		"totp":       code,
	}

	var session struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.post(ctx, loginPath, body, &session); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	c.mu.Lock()
	c.jwtToken = session.JWTToken
	c.mu.Unlock()

	c.logger.Info().Msg("broker session established")
	return nil
}

// TradeBook implements Client.
func (c *SmartAPIClient) TradeBook(ctx context.Context) ([]RawTrade, error) {
	var trades []RawTrade
	if err := c.get(ctx, tradeBookPath, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

// SearchScrip implements Client.
func (c *SmartAPIClient) SearchScrip(ctx context.Context, exchange, term string) ([]Instrument, error) {
	body := map[string]string{
		"exchange":    exchange,
		"searchscrip": term,
	}
	var hits []Instrument
	if err := c.post(ctx, searchScripPath, body, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

// LTP implements Client.
func (c *SmartAPIClient) LTP(ctx context.Context, exchange, symbol, token string) (decimal.Decimal, error) {
	body := map[string]string{
		"exchange":      exchange,
		"tradingsymbol": symbol,
		"symboltoken":   token,
	}
	var data struct {
		LTP decimal.Decimal `json:"ltp"`
	}
	if err := c.post(ctx, ltpPath, body, &data); err != nil {
		return decimal.Decimal{}, err
	}
	return data.LTP, nil
}

// PlaceOrder implements Client.
func (c *SmartAPIClient) PlaceOrder(ctx context.Context, spec types.OrderSpec) (string, error) {
	var data struct {
		OrderID string `json:"orderid"`
	}
	if err := c.post(ctx, placeOrderPath, spec, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

func (c *SmartAPIClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *SmartAPIClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *SmartAPIClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", c.creds.APIKey)
	req.Header.Set("X-ClientCode", c.creds.ClientID)
	if path != loginPath {
		c.mu.RLock()
		token := c.jwtToken
		c.mu.RUnlock()
		if token == "" {
			return ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("broker request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading broker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker returned HTTP %d for %s", resp.StatusCode, path)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decoding broker envelope: %w", err)
	}
	if !envelope.Status {
		return fmt.Errorf("broker error %s: %s", envelope.ErrorCode, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 && string(envelope.Data) != "null" {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decoding broker payload: %w", err)
		}
	}
	return nil
}
