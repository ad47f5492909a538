package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kjannette/trahn-pipeline/internal/httputil"
	"github.com/kjannette/trahn-pipeline/internal/logging"
	"github.com/kjannette/trahn-pipeline/internal/models"
)

const (
	DefaultKlinesBaseURL = "https://api.binance.com"
	klinesPath           = "/api/v3/klines"
	klinesPageLimit      = 1000
	dayMillis            = int64(24 * time.Hour / time.Millisecond)
)

// KlinesClient reads daily candles from a Binance-compatible klines endpoint.
type KlinesClient struct {
	baseURL    string
	pageLimit  int
	httpClient *http.Client
	retry      httputil.RetryConfig
	logger     *slog.Logger
}

func NewKlinesClient(baseURL string, logger *slog.Logger) *KlinesClient {
	if baseURL == "" {
		baseURL = DefaultKlinesBaseURL
	}
	logger = logging.OrDefault(logger).With("component", "klines")
	return &KlinesClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageLimit:  klinesPageLimit,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    10 * time.Second,
			Logger:      logger,
		},
		logger: logger,
	}
}

// FetchDaily returns the daily bars whose open time falls in [start, end),
// oldest first.
func (c *KlinesClient) FetchDaily(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	from, to := start.UnixMilli(), end.UnixMilli()
	if to <= from {
		return nil, fmt.Errorf("empty window %s - %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	var out []models.Bar
	for from < to {
		page, err := c.fetchPage(ctx, symbol, from, to-1)
		if err != nil {
			return nil, err
		}
		for _, b := range page {
			if b.Timestamp >= from && b.Timestamp < to {
				out = append(out, b)
			}
		}
		if len(page) < c.pageLimit {
			break
		}
		next := page[len(page)-1].Timestamp + dayMillis
		if next <= from {
			return nil, fmt.Errorf("klines paging stalled at %d", from)
		}
		from = next
	}

	c.logger.Debug("klines fetched", "symbol", symbol, "bars", len(out))
	return out, nil
}

func (c *KlinesClient) fetchPage(ctx context.Context, symbol string, startMs, endMs int64) ([]models.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", "1d")
	q.Set("startTime", strconv.FormatInt(startMs, 10))
	q.Set("endTime", strconv.FormatInt(endMs, 10))
	q.Set("limit", strconv.Itoa(c.pageLimit))
	reqURL := c.baseURL + klinesPath + "?" + q.Encode()

	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("klines fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("klines returned status %d", resp.StatusCode)
	}

	var raw [][]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	bars := make([]models.Bar, 0, len(raw))
	for i, k := range raw {
		b, err := parseKline(k)
		if err != nil {
			return nil, fmt.Errorf("kline %d: %w", i, err)
		}
		bars = append(bars, b)
	}
	return bars, nil
}

// parseKline reads [openTime, open, high, low, close, volume, ...].
func parseKline(k []any) (models.Bar, error) {
	if len(k) < 6 {
		return models.Bar{}, fmt.Errorf("expected at least 6 fields, got %d", len(k))
	}
	ts, err := klineInt(k[0])
	if err != nil {
		return models.Bar{}, fmt.Errorf("open time: %w", err)
	}

	var vals [5]float64
	for i := range vals {
		d, err := klineDecimal(k[i+1])
		if err != nil {
			return models.Bar{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		vals[i] = d.InexactFloat64()
	}

	return models.Bar{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func klineInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func klineDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("unexpected type %T", v)
	}
}
