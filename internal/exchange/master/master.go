// Package master implements core.MasterVenue against the Hyperliquid-shaped
// wire format of spec §6: order-update arrays of {order, user}, user-fill
// batches keyed by "crossed", and openOrders/clearinghouseState snapshot
// POSTs.
package master

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/HypeFollow/internal/core"
	apperrors "github.com/uykb/HypeFollow/pkg/errors"
	"github.com/uykb/HypeFollow/pkg/httpclient"
	"github.com/uykb/HypeFollow/pkg/websocket"
)

// Adapter implements core.MasterVenue over one multiplexed subscription
// socket plus the snapshot REST endpoints.
type Adapter struct {
	http *httpclient.Client
	ws   *websocket.Client
	log  core.ILogger

	mu           sync.Mutex
	account      string
	orderHandler func(core.MasterOrderEvent)
	fillHandler  func(core.MasterFillEvent)
	started      bool
}

// New constructs an Adapter. wsURL is the subscription endpoint; httpBaseURL
// is the snapshot-POST base.
func New(wsURL, httpBaseURL string, logger core.ILogger) *Adapter {
	a := &Adapter{
		http: httpclient.NewClient(httpBaseURL, 10*time.Second, nil),
		log:  logger.WithField("component", "master_adapter"),
	}
	a.ws = websocket.NewClient(wsURL, a.onMessage, a.log)
	a.ws.SetOnConnected(a.resubscribe)
	return a
}

// SubscribeOrders registers handler for Master order-book events for
// account and blocks until ctx is canceled.
func (a *Adapter) SubscribeOrders(ctx context.Context, account string, handler func(core.MasterOrderEvent)) error {
	a.mu.Lock()
	a.account = account
	a.orderHandler = handler
	needStart := !a.started
	if needStart {
		a.started = true
	}
	a.mu.Unlock()

	if needStart {
		a.ws.Start()
	} else {
		a.resubscribe()
	}

	<-ctx.Done()
	return ctx.Err()
}

// SubscribeFills registers handler for Master user-fill events for account
// and blocks until ctx is canceled.
func (a *Adapter) SubscribeFills(ctx context.Context, account string, handler func(core.MasterFillEvent)) error {
	a.mu.Lock()
	a.account = account
	a.fillHandler = handler
	needStart := !a.started
	if needStart {
		a.started = true
	}
	a.mu.Unlock()

	if needStart {
		a.ws.Start()
	} else {
		a.resubscribe()
	}

	<-ctx.Done()
	return ctx.Err()
}

type subscribeMessage struct {
	Method       string            `json:"method"`
	Subscription map[string]string `json:"subscription"`
}

// resubscribe re-sends both subscription frames, called on every (re)connect
// since the venue does not persist subscriptions across a socket.
func (a *Adapter) resubscribe() {
	a.mu.Lock()
	account := a.account
	a.mu.Unlock()
	if account == "" {
		return
	}
	_ = a.ws.Send(subscribeMessage{Method: "subscribe", Subscription: map[string]string{"type": "orderUpdates", "user": account}})
	_ = a.ws.Send(subscribeMessage{Method: "subscribe", Subscription: map[string]string{"type": "userFills", "user": account}})
}

type wireOrder struct {
	Oid        json.Number `json:"oid"`
	Coin       string      `json:"coin"`
	Side       string      `json:"side"`
	LimitPx    string      `json:"limitPx"`
	Sz         string      `json:"sz"`
	ReduceOnly bool        `json:"reduceOnly"`
	Timestamp  int64       `json:"timestamp"`
}

type wireOrderUpdate struct {
	Order  wireOrder `json:"order"`
	Status string    `json:"status"`
	User   string    `json:"user"`
}

type wireFill struct {
	Coin    string `json:"coin"`
	Side    string `json:"side"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Time    int64  `json:"time"`
	Crossed bool   `json:"crossed"`
}

type wireFillBatch struct {
	IsSnapshot bool       `json:"isSnapshot"`
	User       string     `json:"user"`
	Fills      []wireFill `json:"fills"`
}

func (a *Adapter) onMessage(message []byte) {
	trimmed := bytes.TrimSpace(message)
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '[' {
		var updates []wireOrderUpdate
		if err := json.Unmarshal(trimmed, &updates); err != nil {
			a.log.Warn("master order update decode failed", "error", err.Error())
			return
		}
		a.mu.Lock()
		handler := a.orderHandler
		a.mu.Unlock()
		if handler == nil {
			return
		}
		for _, u := range updates {
			event, err := decodeOrderEvent(u)
			if err != nil {
				a.log.Warn("master order update malformed", "error", err.Error())
				continue
			}
			handler(event)
		}
		return
	}

	var batch wireFillBatch
	if err := json.Unmarshal(trimmed, &batch); err != nil || batch.Fills == nil {
		return
	}
	if batch.IsSnapshot {
		return // the startup snapshot pass covers historical state
	}
	a.mu.Lock()
	handler := a.fillHandler
	a.mu.Unlock()
	if handler == nil {
		return
	}
	for _, f := range batch.Fills {
		if !f.Crossed {
			continue // only the taker side is relevant to spec §4.5(c)
		}
		fill, err := decodeFillEvent(f)
		if err != nil {
			a.log.Warn("master fill malformed", "error", err.Error())
			continue
		}
		handler(fill)
	}
}

func decodeSide(wire string) (core.Side, error) {
	switch wire {
	case "B":
		return core.SideBuy, nil
	case "A":
		return core.SideSell, nil
	default:
		return core.SideBuy, fmt.Errorf("unrecognized side %q", wire)
	}
}

func decodeStatus(wire string) core.OrderStatus {
	switch wire {
	case "canceled", "marginCanceled", "vaultWithdrawalCanceled", "openInterestCapCanceled":
		return core.OrderCanceled
	case "filled":
		return core.OrderFilled
	case "triggered":
		return core.OrderTriggered
	default:
		return core.OrderOpen
	}
}

func decodeOrderEvent(u wireOrderUpdate) (core.MasterOrderEvent, error) {
	side, err := decodeSide(u.Order.Side)
	if err != nil {
		return core.MasterOrderEvent{}, err
	}
	price, err := decimal.NewFromString(u.Order.LimitPx)
	if err != nil {
		return core.MasterOrderEvent{}, fmt.Errorf("parse limitPx: %w", err)
	}
	size, err := decimal.NewFromString(u.Order.Sz)
	if err != nil {
		return core.MasterOrderEvent{}, fmt.Errorf("parse sz: %w", err)
	}
	return core.MasterOrderEvent{
		Oid:           u.Order.Oid.String(),
		Instrument:    u.Order.Coin,
		Side:          side,
		Price:         price,
		Size:          size,
		Status:        decodeStatus(u.Status),
		ReduceOnly:    u.Order.ReduceOnly,
		Timestamp:     time.UnixMilli(u.Order.Timestamp),
		MasterAccount: u.User,
	}, nil
}

func decodeFillEvent(f wireFill) (core.MasterFillEvent, error) {
	side, err := decodeSide(f.Side)
	if err != nil {
		return core.MasterFillEvent{}, err
	}
	price, err := decimal.NewFromString(f.Px)
	if err != nil {
		return core.MasterFillEvent{}, fmt.Errorf("parse px: %w", err)
	}
	size, err := decimal.NewFromString(f.Sz)
	if err != nil {
		return core.MasterFillEvent{}, fmt.Errorf("parse sz: %w", err)
	}
	return core.MasterFillEvent{
		Instrument: f.Coin,
		Side:       side,
		Price:      price,
		Size:       size,
		Timestamp:  time.UnixMilli(f.Time),
		Taker:      f.Crossed,
	}, nil
}

type snapshotRequest struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// OpenOrders fetches the account's open orders via the "openOrders"
// snapshot POST.
func (a *Adapter) OpenOrders(ctx context.Context, account string) ([]core.MasterOpenOrder, error) {
	body, err := a.http.Post(ctx, "/info", snapshotRequest{Type: "openOrders", User: account})
	if err != nil {
		return nil, mapError(err)
	}
	var wire []wireOrder
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode openOrders response: %w", err)
	}

	out := make([]core.MasterOpenOrder, 0, len(wire))
	for _, o := range wire {
		side, err := decodeSide(o.Side)
		if err != nil {
			a.log.Warn("openOrders entry malformed", "error", err.Error())
			continue
		}
		price, err := decimal.NewFromString(o.LimitPx)
		if err != nil {
			continue
		}
		size, err := decimal.NewFromString(o.Sz)
		if err != nil {
			continue
		}
		out = append(out, core.MasterOpenOrder{
			Oid:        o.Oid.String(),
			Instrument: o.Coin,
			Side:       side,
			Price:      price,
			Size:       size,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

type wireAssetPosition struct {
	Position struct {
		Coin string `json:"coin"`
		Szi  string `json:"szi"`
	} `json:"position"`
}

type wireClearinghouseState struct {
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
	AssetPositions []wireAssetPosition `json:"assetPositions"`
}

// AccountState fetches the account's margin summary and signed per-coin
// positions via the "clearinghouseState" snapshot POST.
func (a *Adapter) AccountState(ctx context.Context, account string) (core.AccountState, error) {
	body, err := a.http.Post(ctx, "/info", snapshotRequest{Type: "clearinghouseState", User: account})
	if err != nil {
		return core.AccountState{}, mapError(err)
	}
	var wire wireClearinghouseState
	if err := json.Unmarshal(body, &wire); err != nil {
		return core.AccountState{}, fmt.Errorf("decode clearinghouseState response: %w", err)
	}

	equity, err := decimal.NewFromString(wire.MarginSummary.AccountValue)
	if err != nil {
		equity = decimal.Zero
	}
	positions := make(map[string]decimal.Decimal, len(wire.AssetPositions))
	for _, p := range wire.AssetPositions {
		szi, err := decimal.NewFromString(p.Position.Szi)
		if err != nil {
			continue
		}
		positions[p.Position.Coin] = szi
	}
	return core.AccountState{Equity: equity, Positions: positions}, nil
}

// mapError translates a transport/HTTP-layer error into the shared
// apperrors taxonomy so the Executor never branches on venue-specific
// error shapes.
func mapError(err error) error {
	var apiErr *httpclient.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch {
	case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Body)
	case apiErr.StatusCode == 429:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Body)
	case apiErr.StatusCode >= 500:
		return fmt.Errorf("%w: %s", apperrors.ErrExchangeMaintenance, apiErr.Body)
	default:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Body)
	}
}
