// Package kraken implements the exchange gateway: a signed REST client
// and a multiplexing WebSocket v2 manager.
//
// The REST client (Client) covers the fixed operation set the bot needs:
//   - OHLC / HistoricalOHLC:  GET  /0/public/OHLC
//   - AssetPairs:             GET  /0/public/AssetPairs
//   - Ticker:                 GET  /0/public/Ticker
//   - Time / Assets:          GET  /0/public/{Time,Assets}
//   - Balance:                POST /0/private/Balance
//   - AddOrder:               POST /0/private/AddOrder
//   - OpenOrders:             POST /0/private/OpenOrders
//   - ClosedOrders:           POST /0/private/ClosedOrders
//   - CancelOrder:            POST /0/private/CancelOrder
//   - WebSocketToken:         POST /0/private/GetWebSocketsToken
//
// Every request is rate-limited via public/private token buckets and
// retried with linear backoff. Private requests carry an API-Sign header
// computed over a strictly increasing millisecond nonce.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

const (
	maxAttempts           = 3               // standard retry budget per call
	openOrdersMaxAttempts = 5               // extended budget for nonce/timeout errors
	retryBackoffStep      = 250 * time.Millisecond
	tokenEarlyExpiry      = 5 * time.Second // refresh the WS token this early
	defaultTokenTTL       = 15 * time.Minute
)

// Client is the Kraken REST API client.
type Client struct {
	http   *resty.Client
	key    string
	secret string
	rl     *RateLimiter
	nonce  nonceSource
	logger *slog.Logger

	tokenMu      sync.Mutex
	wsToken      string
	wsTokenUntil time.Time
}

// NewClient creates a REST client from API config.
func NewClient(cfg config.APIConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(15 * time.Second).
		SetHeader("User-Agent", "krakenbot/1.0")

	return &Client{
		http:   httpClient,
		key:    cfg.Key,
		secret: cfg.Secret,
		rl:     NewRateLimiter(),
		logger: logger.With("component", "rest"),
	}
}

// apiResponse is the envelope every Kraken REST endpoint returns.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// public performs a GET against a public endpoint with the standard
// retry budget. Transport failures are retried; exchange errors are not.
func (c *Client) public(ctx context.Context, path string, params map[string]string, out any) error {
	return c.call(ctx, path, params, out, false, maxAttempts, false)
}

// private performs a signed POST against a private endpoint.
func (c *Client) private(ctx context.Context, path string, params map[string]string, out any) error {
	return c.call(ctx, path, params, out, true, maxAttempts, false)
}

// call runs one logical API call with up to attempts tries and linear
// backoff (250ms × attempt). When retryNonce is set, exchange errors
// matching "Invalid nonce"/"timeout" are retried as well — used only by
// OpenOrders, where nonce collisions are routine after reconnects.
func (c *Client) call(ctx context.Context, path string, params map[string]string, out any, private bool, attempts int, retryNonce bool) error {
	bucket := c.rl.Public
	if private {
		bucket = c.rl.Private
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * retryBackoffStep):
			}
		}
		if err := bucket.Wait(ctx); err != nil {
			return err
		}

		err := c.once(ctx, path, params, out, private)
		if err == nil {
			return nil
		}
		lastErr = err

		if ee, ok := IsExchangeError(err); ok {
			if retryNonce && ee.NonceOrTimeout() {
				c.logger.Warn("retrying after exchange error", "path", path, "attempt", attempt, "error", ee.Message)
				continue
			}
			return err // exchange errors are authoritative, no retry
		}
		if _, ok := lastErr.(*ParseError); ok {
			return lastErr // a second fetch will not fix a shape mismatch
		}
		c.logger.Warn("transport error, retrying", "path", path, "attempt", attempt, "error", err)
	}
	return lastErr
}

// once issues a single HTTP request and decodes the envelope.
func (c *Client) once(ctx context.Context, path string, params map[string]string, out any, private bool) error {
	req := c.http.R().SetContext(ctx)

	var resp *resty.Response
	var err error
	if private {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		nonce := c.nonce.Next()
		form.Set("nonce", nonce)
		body := form.Encode()

		sig, serr := Sign(c.secret, path, nonce, body)
		if serr != nil {
			return serr
		}
		resp, err = req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetHeader("API-Key", c.key).
			SetHeader("API-Sign", sig).
			SetBody(body).
			Post(path)
	} else {
		resp, err = req.SetQueryParams(params).Get(path)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
	}

	var env apiResponse
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return &ParseError{What: path, Err: err}
	}
	if len(env.Error) > 0 {
		return &ExchangeError{Endpoint: path, Message: env.Error[0]}
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &ParseError{What: path + " result", Err: err}
		}
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Public endpoints
// ————————————————————————————————————————————————————————————————————————

// Time returns the server unix time in seconds.
func (c *Client) Time(ctx context.Context) (int64, error) {
	var result struct {
		UnixTime int64 `json:"unixtime"`
	}
	if err := c.public(ctx, "/0/public/Time", nil, &result); err != nil {
		return 0, err
	}
	return result.UnixTime, nil
}

// Assets returns the altname for every listed asset, keyed by internal code.
func (c *Client) Assets(ctx context.Context) (map[string]string, error) {
	var result map[string]struct {
		Altname string `json:"altname"`
	}
	if err := c.public(ctx, "/0/public/Assets", nil, &result); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(result))
	for code, a := range result {
		out[code] = a.Altname
	}
	return out, nil
}

// AssetPairs resolves metadata for one pair (REST spelling, e.g. "XDGUSD").
func (c *Client) AssetPairs(ctx context.Context, restPair string) (types.PairMetadata, error) {
	var result map[string]struct {
		Altname      string      `json:"altname"`
		WSName       string      `json:"wsname"`
		Base         string      `json:"base"`
		Quote        string      `json:"quote"`
		PairDecimals int         `json:"pair_decimals"`
		LotDecimals  int         `json:"lot_decimals"`
		OrderMin     json.Number `json:"ordermin"`
		CostMin      json.Number `json:"costmin"`
	}
	if err := c.public(ctx, "/0/public/AssetPairs", map[string]string{"pair": restPair}, &result); err != nil {
		return types.PairMetadata{}, err
	}
	for _, p := range result {
		ordermin, _ := p.OrderMin.Float64()
		costmin, _ := p.CostMin.Float64()
		return types.PairMetadata{
			Altname:        p.Altname,
			WSName:         p.WSName,
			Base:           p.Base,
			Quote:          p.Quote,
			PriceDecimals:  p.PairDecimals,
			VolumeDecimals: p.LotDecimals,
			MinOrderVolume: ordermin,
			MinOrderCost:   costmin,
		}, nil
	}
	return types.PairMetadata{}, &ExchangeError{Endpoint: "/0/public/AssetPairs", Message: "EQuery:Unknown asset pair " + restPair}
}

// Ticker returns top-of-book and last trade price for a pair.
func (c *Client) Ticker(ctx context.Context, restPair string) (types.Ticker, error) {
	var result map[string]struct {
		Ask  []json.Number `json:"a"` // [price, wholeLotVolume, lotVolume]
		Bid  []json.Number `json:"b"`
		Last []json.Number `json:"c"` // [price, lotVolume]
	}
	if err := c.public(ctx, "/0/public/Ticker", map[string]string{"pair": restPair}, &result); err != nil {
		return types.Ticker{}, err
	}
	for _, t := range result {
		return types.Ticker{
			Pair: restPair,
			Ask:  firstFloat(t.Ask),
			Bid:  firstFloat(t.Bid),
			Last: firstFloat(t.Last),
		}, nil
	}
	return types.Ticker{}, &ExchangeError{Endpoint: "/0/public/Ticker", Message: "EQuery:Unknown asset pair " + restPair}
}

func firstFloat(nums []json.Number) float64 {
	if len(nums) == 0 {
		return 0
	}
	f, _ := nums[0].Float64()
	return f
}

// OHLC fetches candles for a pair at the given interval (minutes),
// starting after the optional since timestamp (unix seconds). The last
// candle returned is provisional.
func (c *Client) OHLC(ctx context.Context, restPair string, intervalMin int, since int64) ([]types.Candle, error) {
	params := map[string]string{
		"pair":     restPair,
		"interval": strconv.Itoa(intervalMin),
	}
	if since > 0 {
		params["since"] = strconv.FormatInt(since, 10)
	}

	var result map[string]json.RawMessage
	if err := c.public(ctx, "/0/public/OHLC", params, &result); err != nil {
		return nil, err
	}

	var rows [][]json.Number
	for key, raw := range result {
		if key == "last" {
			continue
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, &ParseError{What: "OHLC rows", Err: err}
		}
		break
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		// [time, open, high, low, close, vwap, volume, count]
		if len(row) < 7 {
			continue
		}
		t, _ := row[0].Int64()
		o, _ := row[1].Float64()
		h, _ := row[2].Float64()
		l, _ := row[3].Float64()
		cl, _ := row[4].Float64()
		v, _ := row[6].Float64()
		candles = append(candles, types.Candle{Time: t, Open: o, High: h, Low: l, Close: cl, Volume: v})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time })
	return candles, nil
}

// HistoricalOHLC returns the most recent count candles at the interval.
func (c *Client) HistoricalOHLC(ctx context.Context, restPair string, intervalMin, count int) ([]types.Candle, error) {
	candles, err := c.OHLC(ctx, restPair, intervalMin, 0)
	if err != nil {
		return nil, err
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	return candles, nil
}

// ————————————————————————————————————————————————————————————————————————
// Private endpoints
// ————————————————————————————————————————————————————————————————————————

// Balance returns all non-zero account balances keyed by asset code.
func (c *Client) Balance(ctx context.Context) (map[string]float64, error) {
	var result map[string]json.Number
	if err := c.private(ctx, "/0/private/Balance", nil, &result); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(result))
	for asset, n := range result {
		f, _ := n.Float64()
		out[asset] = f
	}
	return out, nil
}

// OrderRequest is the payload for AddOrder. Price and Volume are strings
// because Kraken requires numeric order fields transmitted as strings
// rounded to pair precision.
type OrderRequest struct {
	Pair      string          // REST pair name
	Side      types.Side
	OrderType types.OrderType // market or limit
	Volume    string          // base volume, pre-rounded
	Price     string          // limit price, pre-rounded; empty for market
	UserRef   int32           // optional client reference
}

// AddOrderResult is the response from AddOrder.
type AddOrderResult struct {
	TxIDs       []string
	Description string
}

// AddOrder submits a new order.
func (c *Client) AddOrder(ctx context.Context, req OrderRequest) (AddOrderResult, error) {
	params := map[string]string{
		"pair":      req.Pair,
		"type":      string(req.Side),
		"ordertype": string(req.OrderType),
		"volume":    req.Volume,
	}
	if req.Price != "" {
		params["price"] = req.Price
	}
	if req.UserRef != 0 {
		params["userref"] = strconv.FormatInt(int64(req.UserRef), 10)
	}

	var result struct {
		TxID  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	if err := c.private(ctx, "/0/private/AddOrder", params, &result); err != nil {
		return AddOrderResult{}, err
	}
	c.logger.Info("order submitted", "pair", req.Pair, "side", req.Side, "type", req.OrderType,
		"volume", req.Volume, "price", req.Price, "txid", result.TxID)
	return AddOrderResult{TxIDs: result.TxID, Description: result.Descr.Order}, nil
}

// OpenOrder describes a resting order from OpenOrders.
type OpenOrder struct {
	TxID       string
	Pair       string
	Side       types.Side
	OrderType  types.OrderType
	Price      float64
	Volume     float64
	VolumeExec float64
	Status     string
}

// OpenOrders lists resting orders. Nonce collisions and server timeouts
// are retried up to five times; any other exchange error is final.
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var result struct {
		Open map[string]struct {
			Status string `json:"status"`
			Descr  struct {
				Pair      string      `json:"pair"`
				Type      string      `json:"type"`
				OrderType string      `json:"ordertype"`
				Price     json.Number `json:"price"`
			} `json:"descr"`
			Vol     json.Number `json:"vol"`
			VolExec json.Number `json:"vol_exec"`
		} `json:"open"`
	}
	if err := c.call(ctx, "/0/private/OpenOrders", nil, &result, true, openOrdersMaxAttempts, true); err != nil {
		return nil, err
	}

	out := make([]OpenOrder, 0, len(result.Open))
	for txid, o := range result.Open {
		price, _ := o.Descr.Price.Float64()
		vol, _ := o.Vol.Float64()
		volExec, _ := o.VolExec.Float64()
		out = append(out, OpenOrder{
			TxID:       txid,
			Pair:       o.Descr.Pair,
			Side:       types.Side(o.Descr.Type),
			OrderType:  types.OrderType(o.Descr.OrderType),
			Price:      price,
			Volume:     vol,
			VolumeExec: volExec,
			Status:     o.Status,
		})
	}
	return out, nil
}

// ClosedOrder describes a terminal order from ClosedOrders.
type ClosedOrder struct {
	TxID    string
	Pair    string
	Side    types.Side
	Status  string
	Price   float64
	Volume  float64
	CloseTS float64
}

// ClosedOrders lists recently closed orders.
func (c *Client) ClosedOrders(ctx context.Context) ([]ClosedOrder, error) {
	var result struct {
		Closed map[string]struct {
			Status  string  `json:"status"`
			CloseTm float64 `json:"closetm"`
			Descr   struct {
				Pair  string      `json:"pair"`
				Type  string      `json:"type"`
				Price json.Number `json:"price"`
			} `json:"descr"`
			Vol json.Number `json:"vol"`
		} `json:"closed"`
	}
	if err := c.private(ctx, "/0/private/ClosedOrders", nil, &result); err != nil {
		return nil, err
	}

	out := make([]ClosedOrder, 0, len(result.Closed))
	for txid, o := range result.Closed {
		price, _ := o.Descr.Price.Float64()
		vol, _ := o.Vol.Float64()
		out = append(out, ClosedOrder{
			TxID:    txid,
			Pair:    o.Descr.Pair,
			Side:    types.Side(o.Descr.Type),
			Status:  o.Status,
			Price:   price,
			Volume:  vol,
			CloseTS: o.CloseTm,
		})
	}
	return out, nil
}

// CancelOrder cancels a single order by transaction id.
func (c *Client) CancelOrder(ctx context.Context, txid string) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.private(ctx, "/0/private/CancelOrder", map[string]string{"txid": txid}, &result); err != nil {
		return 0, err
	}
	c.logger.Info("order cancelled", "txid", txid, "count", result.Count)
	return result.Count, nil
}

// CancelAll cancels every open order on the account.
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var result struct {
		Count int `json:"count"`
	}
	if err := c.private(ctx, "/0/private/CancelAll", nil, &result); err != nil {
		return 0, err
	}
	c.logger.Info("all orders cancelled", "count", result.Count)
	return result.Count, nil
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket token
// ————————————————————————————————————————————————————————————————————————

// WebSocketToken returns a token for the private socket, cached until 5s
// before its declared expiry (default window 15 minutes).
func (c *Client) WebSocketToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.wsToken != "" && time.Now().Before(c.wsTokenUntil) {
		return c.wsToken, nil
	}

	var result struct {
		Token   string `json:"token"`
		Expires int64  `json:"expires"` // seconds
	}
	if err := c.private(ctx, "/0/private/GetWebSocketsToken", nil, &result); err != nil {
		return "", err
	}

	ttl := defaultTokenTTL
	if result.Expires > 0 {
		ttl = time.Duration(result.Expires) * time.Second
	}
	c.wsToken = result.Token
	c.wsTokenUntil = time.Now().Add(ttl - tokenEarlyExpiry)
	c.logger.Debug("websocket token refreshed", "ttl", ttl)
	return c.wsToken, nil
}

// InvalidateToken drops the cached WS token so the next use refetches.
// Called when the private socket closes near the token's TTL.
func (c *Client) InvalidateToken() {
	c.tokenMu.Lock()
	c.wsToken = ""
	c.tokenMu.Unlock()
}
