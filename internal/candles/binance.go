package candles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"paper-exchange/pkg/types"
)

// binancePageLimit is the maximum klines per request the API allows.
const binancePageLimit = 500

// Backfiller pulls historical klines from the Binance REST API and writes
// them into the candle store. Requests are paged by timeframe-sized windows
// so arbitrarily long ranges can be ingested.
type Backfiller struct {
	client *resty.Client
	store  *Store
	logger *slog.Logger
}

// NewBackfiller creates a backfiller against the given API base URL
// (e.g. https://api.binance.com).
func NewBackfiller(baseURL string, store *Store, logger *slog.Logger) *Backfiller {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)

	return &Backfiller{
		client: client,
		store:  store,
		logger: logger.With("component", "backfill"),
	}
}

// binanceSymbol maps an internal asset name to the exchange pair,
// e.g. btc → BTCUSDT.
func binanceSymbol(asset string) string {
	return strings.ToUpper(asset) + "USDT"
}

// Run ingests the [fromMillis, toMillis) range for every asset at every
// timeframe. Millisecond bounds match the Binance API convention.
func (b *Backfiller) Run(ctx context.Context, assets []string, fromMillis, toMillis int64) error {
	timeframes := []types.Timeframe{types.H1, types.H4, types.D1}

	for _, asset := range assets {
		for _, tf := range timeframes {
			n, err := b.backfillOne(ctx, asset, tf, fromMillis, toMillis)
			if err != nil {
				return fmt.Errorf("backfill %s/%s: %w", asset, tf, err)
			}
			b.logger.Info("backfill complete", "asset", asset, "timeframe", tf, "candles", n)
		}
	}
	return nil
}

func (b *Backfiller) backfillOne(ctx context.Context, asset string, tf types.Timeframe, from, to int64) (int, error) {
	pageSpan := tf.Seconds() * 1000 * binancePageLimit

	total := 0
	for start := from; start < to; start += pageSpan {
		end := start + pageSpan
		if end > to {
			end = to
		}

		batch, err := b.fetchPage(ctx, asset, tf, start, end)
		if err != nil {
			return total, err
		}
		if err := b.store.Insert(ctx, batch); err != nil {
			return total, err
		}
		total += len(batch)
	}
	return total, nil
}

func (b *Backfiller) fetchPage(ctx context.Context, asset string, tf types.Timeframe, start, end int64) ([]types.Candle, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":    binanceSymbol(asset),
			"interval":  string(tf),
			"startTime": fmt.Sprintf("%d", start),
			"endTime":   fmt.Sprintf("%d", end),
			"limit":     fmt.Sprintf("%d", binancePageLimit),
		}).
		Get("/api/v3/klines")
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch klines: status %d: %s", resp.StatusCode(), resp.String())
	}

	// Each kline row is a JSON array:
	// [openTime, open, high, low, close, volume, closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(resp.Body(), &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("decode klines: row has %d fields", len(row))
		}

		var openTime int64
		if err := json.Unmarshal(row[0], &openTime); err != nil {
			return nil, fmt.Errorf("decode kline open time: %w", err)
		}

		prices := make([]decimal.Decimal, 5)
		for i, raw := range row[1:6] {
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("decode kline field: %w", err)
			}
			prices[i], err = decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("parse kline field %q: %w", s, err)
			}
		}

		out = append(out, types.Candle{
			Symbol:    asset,
			Timeframe: tf,
			Ts:        openTime / 1000,
			Open:      prices[0],
			High:      prices[1],
			Low:       prices[2],
			Close:     prices[3],
			Volume:    prices[4],
		})
	}
	return out, nil
}
