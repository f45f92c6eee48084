package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/adshao/go-binance/v2"
)

// PriceSource fetches one reference spot price. Implementations must honor
// the context deadline and return an error rather than a zero price on any
// failure (network, non-2xx, malformed payload).
type PriceSource interface {
	Fetch(ctx context.Context) (float64, error)
}

const coinbaseSpotURL = "https://api.coinbase.com/v2/prices/BTC-USD/spot"

// CoinbaseSource polls the Coinbase spot price endpoint.
type CoinbaseSource struct {
	client *http.Client
	url    string
}

func NewCoinbaseSource() *CoinbaseSource {
	return &CoinbaseSource{
		client: &http.Client{},
		url:    coinbaseSpotURL,
	}
}

func (s *CoinbaseSource) Fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("coinbase request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("coinbase returned status %d", resp.StatusCode)
	}

	var payload struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("coinbase payload decode failed: %w", err)
	}

	price, err := strconv.ParseFloat(payload.Data.Amount, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase amount %q is not a number: %w", payload.Data.Amount, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("coinbase returned non-positive price %f", price)
	}

	return price, nil
}

// BinanceSource fetches the last price for a symbol via the Binance REST API.
type BinanceSource struct {
	client *binance.Client
	symbol string
}

func NewBinanceSource(symbol string) *BinanceSource {
	return &BinanceSource{
		client: binance.NewClient("", ""), // public endpoint, no keys needed
		symbol: symbol,
	}
}

func (s *BinanceSource) Fetch(ctx context.Context) (float64, error) {
	prices, err := s.client.NewListPricesService().Symbol(s.symbol).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance request failed: %w", err)
	}
	if len(prices) == 0 {
		return 0, fmt.Errorf("binance returned no prices for %s", s.symbol)
	}

	price, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, fmt.Errorf("binance price %q is not a number: %w", prices[0].Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("binance returned non-positive price %f", price)
	}

	return price, nil
}
