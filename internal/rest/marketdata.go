package rest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"upbitflow/internal/model"
)

// GetTickers fetches current ticker snapshots for the given markets.
func (c *Client) GetTickers(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("get tickers: no symbols")
	}

	query := url.Values{}
	query.Set("markets", joinSymbols(symbols))

	return c.getObjects(ctx, "/v1/ticker", query)
}

// GetOrderbooks fetches orderbook snapshots for the given markets.
func (c *Client) GetOrderbooks(ctx context.Context, symbols []model.Symbol) ([]map[string]any, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("get orderbooks: no symbols")
	}

	query := url.Values{}
	query.Set("markets", joinSymbols(symbols))

	return c.getObjects(ctx, "/v1/orderbook", query)
}

// GetTradeTicks fetches the most recent trades for one market, newest
// first as the exchange returns them.
func (c *Client) GetTradeTicks(ctx context.Context, symbol model.Symbol, count int) ([]map[string]any, error) {
	if count <= 0 {
		count = 1
	}

	query := url.Values{}
	query.Set("market", string(symbol))
	query.Set("count", strconv.Itoa(count))

	return c.getObjects(ctx, "/v1/trades/ticks", query)
}

// GetCandles fetches candles for one market. interval follows the
// "1m".."240m", "1d", "1w", "1M" convention. A zero to means latest.
func (c *Client) GetCandles(ctx context.Context, symbol model.Symbol, interval string, count int, to time.Time) ([]map[string]any, error) {
	path, err := candlePath(interval)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}

	query := url.Values{}
	query.Set("market", string(symbol))
	query.Set("count", strconv.Itoa(count))
	if !to.IsZero() {
		query.Set("to", to.UTC().Format("2006-01-02T15:04:05Z"))
	}

	return c.getObjects(ctx, path, query)
}

// GetMarkets fetches the full tradable market list.
func (c *Client) GetMarkets(ctx context.Context) ([]map[string]any, error) {
	query := url.Values{}
	query.Set("isDetails", "false")

	return c.getObjects(ctx, "/v1/market/all", query)
}

// candlePath maps an interval token to its endpoint path.
func candlePath(interval string) (string, error) {
	switch interval {
	case "1d":
		return "/v1/candles/days", nil
	case "1w":
		return "/v1/candles/weeks", nil
	case "1M":
		return "/v1/candles/months", nil
	}

	if unit, ok := strings.CutSuffix(interval, "m"); ok {
		switch unit {
		case "1", "3", "5", "10", "15", "30", "60", "240":
			return "/v1/candles/minutes/" + unit, nil
		}
	}
	return "", fmt.Errorf("unsupported candle interval %q", interval)
}

func joinSymbols(symbols []model.Symbol) string {
	parts := make([]string, len(symbols))
	for i, s := range symbols {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
