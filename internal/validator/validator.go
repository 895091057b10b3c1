// Package validator implements the Periodic Order Validator: a background
// reaper that sweeps active mappings for stale or terminal Follower orders
// (spec §4.8).
package validator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/uykb/HypeFollow/internal/core"
	"github.com/uykb/HypeFollow/internal/mapper"
	apperrors "github.com/uykb/HypeFollow/pkg/errors"
	"github.com/uykb/HypeFollow/pkg/telemetry"
)

// DefaultInterval matches spec §4.8's "every ~60s".
const DefaultInterval = 60 * time.Second

// DefaultMaxAge matches spec §4.8's "hard timeout (e.g. 24h)".
const DefaultMaxAge = 24 * time.Hour

// Validator reaps stale masterOid<->followerOrderId mappings.
type Validator struct {
	mapper   *mapper.Mapper
	follower core.FollowerVenue
	logger   core.ILogger

	interval time.Duration
	maxAge   time.Duration

	consecutiveFailures int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Validator. interval and maxAge of zero take the spec
// defaults.
func New(m *mapper.Mapper, follower core.FollowerVenue, logger core.ILogger, interval, maxAge time.Duration) *Validator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Validator{
		mapper:   m,
		follower: follower,
		logger:   logger.WithField("component", "validator"),
		interval: interval,
		maxAge:   maxAge,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the reaper loop in a background goroutine.
func (v *Validator) Start() {
	v.wg.Add(1)
	go v.runLoop()
}

// Stop cancels the loop and waits for it to exit.
func (v *Validator) Stop() {
	v.cancel()
	v.wg.Wait()
}

func (v *Validator) runLoop() {
	defer v.wg.Done()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(v.ctx, 30*time.Second)
			if err := v.Sweep(ctx); err != nil {
				v.logger.Error("validator sweep failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// Sweep performs a single reaping pass over every active mapping.
func (v *Validator) Sweep(ctx context.Context) error {
	oids, err := v.mapper.ScanMasterOids(ctx)
	if err != nil {
		return err
	}

	for _, masterOid := range oids {
		if err := v.checkOne(ctx, masterOid); err != nil {
			v.logger.Warn("validator check failed", "masterOid", masterOid, "error", err.Error())
		}
	}
	telemetry.GetGlobalMetrics().SetValidatorFailures(int64(v.consecutiveFailures))
	return nil
}

func (v *Validator) checkOne(ctx context.Context, masterOid string) error {
	followerOrderID, instrument, ok, err := v.mapper.LookupFollower(ctx, masterOid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if ts, ok, err := v.mapper.TimestampOf(ctx, masterOid); err == nil && ok {
		if time.Since(ts) > v.maxAge {
			v.logger.Info("reaping mapping past hard timeout", "masterOid", masterOid)
			return v.mapper.Delete(ctx, masterOid)
		}
	}

	status, err := v.follower.OrderStatus(ctx, instrument, followerOrderID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			v.consecutiveFailures = 0
			return v.mapper.Delete(ctx, masterOid)
		}
		v.consecutiveFailures++
		return err
	}
	v.consecutiveFailures = 0

	if status.IsTerminal() {
		return v.mapper.Delete(ctx, masterOid)
	}
	return nil
}
