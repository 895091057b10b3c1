// Package follower implements core.FollowerVenue against a
// Binance-USDS-Futures-shaped REST/WS surface: HMAC-SHA256 query signing,
// GTC/MARKET order types, single-order cancel and atomic cancel-replace,
// one-way position mode, and a
// signed user-data-stream for execution reports (spec §6).
package follower

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/pkg/clientid"
	apperrors "github.com/uykb/HypeFollow/pkg/errors"
	"github.com/uykb/HypeFollow/pkg/httpclient"
	"github.com/uykb/HypeFollow/pkg/websocket"
)

// Config holds venue credentials and instrument precision, mirroring the
// teacher's Binance credential/config shape.
type Config struct {
	RESTBaseURL   string
	WSBaseURL     string
	APIKey        string
	APISecret     string
	RatePerSecond float64
	RateBurst     int
}

// Adapter implements core.FollowerVenue.
type Adapter struct {
	http    *httpclient.Client
	ws      *websocket.Client
	limiter *rate.Limiter
	log     core.ILogger

	cfg Config

	tickCache sync.Map // instrument -> decimal.Decimal
	decCache  sync.Map // instrument -> int32

	mu          sync.Mutex
	execHandler func(core.FollowerExecutionReport)
}

// New constructs an Adapter and wires HMAC signing into the REST client.
func New(cfg Config, logger core.ILogger) *Adapter {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 25
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 30
	}
	a := &Adapter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		log:     logger.WithField("component", "follower_adapter"),
	}
	a.http = httpclient.NewClient(cfg.RESTBaseURL, 10*time.Second, hmacSigner{apiKey: cfg.APIKey, secret: cfg.APISecret})
	return a
}

// hmacSigner implements httpclient.Signer using Binance's API-key header
// plus timestamp + query-string HMAC-SHA256 scheme.
type hmacSigner struct {
	apiKey string
	secret string
}

func (s hmacSigner) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.apiKey)

	q := req.URL.Query()
	q.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	q.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(q.Encode()))
	q.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req.URL.RawQuery = q.Encode()
	return nil
}

func (a *Adapter) waitRateLimit(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// PlaceLimitGTC places a good-till-canceled limit order.
func (a *Adapter) PlaceLimitGTC(ctx context.Context, instrument string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("side", sideWire(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", price.String())
	params.Set("quantity", size.String())
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	return a.placeOrder(ctx, params)
}

// PlaceMarket places a market order.
func (a *Adapter) PlaceMarket(ctx context.Context, instrument string, side core.Side, size decimal.Decimal, reduceOnly bool) (string, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("side", sideWire(side))
	params.Set("type", "MARKET")
	params.Set("quantity", size.String())
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	return a.placeOrder(ctx, params)
}

type wireOrderResponse struct {
	OrderID int64 `json:"orderId"`
}

func (a *Adapter) placeOrder(ctx context.Context, params url.Values) (string, error) {
	params.Set("newClientOrderId", clientid.WithBrokerPrefix("hf_", clientid.Generate("c"), 36))
	body, err := a.http.Post(ctx, "/fapi/v1/order?"+params.Encode(), nil)
	if err != nil {
		return "", mapError(err)
	}
	var resp wireOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// CancelOrder cancels a follower order by id.
func (a *Adapter) CancelOrder(ctx context.Context, instrument, followerOrderID string) error {
	if err := a.waitRateLimit(ctx); err != nil {
		return err
	}
	params := map[string]string{"symbol": instrument, "orderId": followerOrderID}
	if _, err := a.http.Delete(ctx, "/fapi/v1/order", params); err != nil {
		return mapError(err)
	}
	return nil
}

// CancelReplace performs an atomic cancel-replace.
func (a *Adapter) CancelReplace(ctx context.Context, instrument, followerOrderID string, side core.Side, price, size decimal.Decimal, reduceOnly bool) (string, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("symbol", instrument)
	params.Set("cancelOrderId", followerOrderID)
	params.Set("side", sideWire(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("price", price.String())
	params.Set("quantity", size.String())
	params.Set("cancelReplaceMode", "ALLOW_FAILURE")
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	body, err := a.http.Post(ctx, "/fapi/v1/order/cancelReplace?"+params.Encode(), nil)
	if err != nil {
		return "", mapError(err)
	}
	var resp struct {
		NewOrderResponse wireOrderResponse `json:"newOrderResponse"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode cancelReplace response: %w", err)
	}
	return strconv.FormatInt(resp.NewOrderResponse.OrderID, 10), nil
}

type wireOrderStatus struct {
	Status string `json:"status"`
}

// OrderStatus queries the current status of a follower order.
func (a *Adapter) OrderStatus(ctx context.Context, instrument, followerOrderID string) (core.FollowerOrderStatus, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return 0, err
	}
	params := map[string]string{"symbol": instrument, "orderId": followerOrderID}
	body, err := a.http.Get(ctx, "/fapi/v1/order", params)
	if err != nil {
		return 0, mapError(err)
	}
	var resp wireOrderStatus
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode order status: %w", err)
	}
	return decodeFollowerStatus(resp.Status), nil
}

type wireOpenOrder struct {
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	OrigQty    string `json:"origQty"`
	ReduceOnly bool   `json:"reduceOnly"`
}

// OpenOrders lists current open orders for instrument.
func (a *Adapter) OpenOrders(ctx context.Context, instrument string) ([]core.FollowerOpenOrder, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return nil, err
	}
	body, err := a.http.Get(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": instrument})
	if err != nil {
		return nil, mapError(err)
	}
	var wire []wireOpenOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode openOrders: %w", err)
	}
	out := make([]core.FollowerOpenOrder, 0, len(wire))
	for _, o := range wire {
		side, err := decodeFollowerSide(o.Side)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(o.Price)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(o.OrigQty)
		if err != nil {
			continue
		}
		out = append(out, core.FollowerOpenOrder{
			FollowerOrderID: strconv.FormatInt(o.OrderID, 10),
			Instrument:      o.Symbol,
			Side:            side,
			Price:            price,
			Size:             size,
			ReduceOnly:       o.ReduceOnly,
		})
	}
	return out, nil
}

type wirePositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
}

// Position returns the signed position size and entry price for instrument.
func (a *Adapter) Position(ctx context.Context, instrument string) (decimal.Decimal, decimal.Decimal, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	body, err := a.http.Get(ctx, "/fapi/v2/positionRisk", map[string]string{"symbol": instrument})
	if err != nil {
		return decimal.Zero, decimal.Zero, mapError(err)
	}
	var wire []wirePositionRisk
	if err := json.Unmarshal(body, &wire); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("decode positionRisk: %w", err)
	}
	for _, p := range wire {
		if p.Symbol != instrument {
			continue
		}
		amt, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("parse positionAmt: %w", err)
		}
		entry, err := decimal.NewFromString(p.EntryPrice)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("parse entryPrice: %w", err)
		}
		return amt, entry, nil
	}
	return decimal.Zero, decimal.Zero, nil
}

type wireAccountInfo struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
}

// AccountState returns the account's total margin balance as equity.
// Per-instrument positions are read via Position, not this snapshot.
func (a *Adapter) AccountState(ctx context.Context) (core.AccountState, error) {
	if err := a.waitRateLimit(ctx); err != nil {
		return core.AccountState{}, err
	}
	body, err := a.http.Get(ctx, "/fapi/v2/account", nil)
	if err != nil {
		return core.AccountState{}, mapError(err)
	}
	var wire wireAccountInfo
	if err := json.Unmarshal(body, &wire); err != nil {
		return core.AccountState{}, fmt.Errorf("decode account info: %w", err)
	}
	equity, err := decimal.NewFromString(wire.TotalMarginBalance)
	if err != nil {
		equity = decimal.Zero
	}
	return core.AccountState{Equity: equity, Positions: map[string]decimal.Decimal{}}, nil
}

// SetOneWayMode toggles the account into one-way (non-hedge) position mode,
// per invariant I5.
func (a *Adapter) SetOneWayMode(ctx context.Context) error {
	if err := a.waitRateLimit(ctx); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("dualSidePosition", "false")
	if _, err := a.http.Post(ctx, "/fapi/v1/positionSide/dual?"+params.Encode(), nil); err != nil {
		var apiErr *httpclient.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 400 {
			return nil // already in one-way mode
		}
		return mapError(err)
	}
	return nil
}

// SubscribeExecutionReports opens the signed user-data stream and dispatches
// ORDER_TRADE_UPDATE events until ctx is canceled.
func (a *Adapter) SubscribeExecutionReports(ctx context.Context, handler func(core.FollowerExecutionReport)) error {
	listenKey, err := a.startUserDataStream(ctx)
	if err != nil {
		return fmt.Errorf("start user data stream: %w", err)
	}

	a.mu.Lock()
	a.execHandler = handler
	a.mu.Unlock()

	a.ws = websocket.NewClient(a.cfg.WSBaseURL+"/ws/"+listenKey, a.onStreamMessage, a.log)
	a.ws.Start()

	keepAlive := time.NewTicker(30 * time.Minute)
	defer keepAlive.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				if err := a.keepAliveUserDataStream(ctx, listenKey); err != nil {
					a.log.Warn("user data stream keepalive failed", "error", err.Error())
				}
			}
		}
	}()

	<-ctx.Done()
	a.ws.Stop()
	return ctx.Err()
}

type wireListenKey struct {
	ListenKey string `json:"listenKey"`
}

func (a *Adapter) startUserDataStream(ctx context.Context) (string, error) {
	body, err := a.http.Post(ctx, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", mapError(err)
	}
	var resp wireListenKey
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode listenKey response: %w", err)
	}
	return resp.ListenKey, nil
}

func (a *Adapter) keepAliveUserDataStream(ctx context.Context, listenKey string) error {
	_, err := a.http.Put(ctx, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey})
	if err != nil {
		return mapError(err)
	}
	return nil
}

type wireOrderTradeUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFilledQty string `json:"l"`
		LastFillPrice string `json:"L"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

func (a *Adapter) onStreamMessage(message []byte) {
	var update wireOrderTradeUpdate
	if err := json.Unmarshal(message, &update); err != nil {
		return
	}
	if update.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	a.mu.Lock()
	handler := a.execHandler
	a.mu.Unlock()
	if handler == nil {
		return
	}

	side, err := decodeFollowerSide(update.Order.Side)
	if err != nil {
		return
	}
	lastFillSize, err := decimal.NewFromString(update.Order.LastFilledQty)
	if err != nil {
		lastFillSize = decimal.Zero
	}
	lastFillPrice, err := decimal.NewFromString(update.Order.LastFillPrice)
	if err != nil {
		lastFillPrice = decimal.Zero
	}

	handler(core.FollowerExecutionReport{
		FollowerOrderID: strconv.FormatInt(update.Order.OrderID, 10),
		Instrument:      update.Order.Symbol,
		Side:            side,
		Status:          decodeFollowerStatus(update.Order.Status),
		LastFillPrice:   lastFillPrice,
		LastFillSize:    lastFillSize,
		Timestamp:       time.UnixMilli(update.Order.TradeTime),
	})
}

// PriceTick returns the price tick size for instrument, from the cache
// seeded at startup from the per-instrument configuration
// (config.Config.Instruments); unseeded instruments fall back to 0.01.
func (a *Adapter) PriceTick(instrument string) decimal.Decimal {
	if v, ok := a.tickCache.Load(instrument); ok {
		return v.(decimal.Decimal)
	}
	return decimal.New(1, -2) // conservative fallback: one cent
}

// QuantityDecimals returns the quantity precision for instrument.
func (a *Adapter) QuantityDecimals(instrument string) int32 {
	if v, ok := a.decCache.Load(instrument); ok {
		return v.(int32)
	}
	return 3
}

// SetInstrumentPrecision seeds the tick/decimals cache, called once at
// startup from the per-instrument configuration (config.Config.Instruments)
// so PriceTick/QuantityDecimals never
// need a network round trip on the Executor's hot path.
func (a *Adapter) SetInstrumentPrecision(instrument string, tick decimal.Decimal, quantityDecimals int32) {
	a.tickCache.Store(instrument, tick)
	a.decCache.Store(instrument, quantityDecimals)
}

func sideWire(side core.Side) string {
	if side == core.SideSell {
		return "SELL"
	}
	return "BUY"
}

func decodeFollowerSide(wire string) (core.Side, error) {
	switch wire {
	case "BUY":
		return core.SideBuy, nil
	case "SELL":
		return core.SideSell, nil
	default:
		return core.SideBuy, fmt.Errorf("unrecognized side %q", wire)
	}
}

func decodeFollowerStatus(wire string) core.FollowerOrderStatus {
	switch wire {
	case "NEW":
		return core.FollowerNew
	case "PARTIALLY_FILLED":
		return core.FollowerPartiallyFilled
	case "FILLED":
		return core.FollowerFilled
	case "CANCELED", "PENDING_CANCEL":
		return core.FollowerCanceled
	case "EXPIRED":
		return core.FollowerExpired
	case "REJECTED":
		return core.FollowerRejected
	default:
		return core.FollowerNew
	}
}

// mapError translates a transport/HTTP-layer error into the shared
// apperrors taxonomy so the Executor never branches on venue-specific
// error shapes.
func mapError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	if apiErr.StatusCode == 429 {
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Body)
	}
	var wire struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(apiErr.Body, &wire)
	switch wire.Code {
	case -2019:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, wire.Msg)
	case -2011, -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, wire.Msg)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, wire.Msg)
	case -2014, -2015:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, wire.Msg)
	default:
		if apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, apiErr.Body)
		}
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Body)
	}
}
