package syncer

import (
	"context"
	"errors"
	"fmt"

	"github.com/parkiusource/parkiu-admin-operations-sub002/internal/netmon"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger asks the coordinator for a cycle. Triggers arriving while a cycle
// is pending or running coalesce into a single follow-up cycle.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Online reports whether the engine may reach the backend. Without a monitor
// the backend is assumed reachable.
func (e *Engine) Online() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.CurrentStatus() == netmon.StatusOnline
}

// Run is the single coordinating task that owns the sync cycle. It runs a
// cycle on the periodic schedule while ONLINE and on Trigger. Every OFFLINE
// to ONLINE transition runs a cycle in which operations waiting for backoff
// are submitted again. Going OFFLINE cancels the in-flight cycle. Run
// returns when ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if e.monitor != nil {
		unsubscribe := e.monitor.Subscribe(func(status netmon.Status) {
			switch status {
			case netmon.StatusOnline:
				e.rearm.Store(true)
				e.Trigger()
			case netmon.StatusOffline:
				e.CancelInFlight()
			}
		})
		defer unsubscribe()
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(fmt.Sprintf("@every %s", e.interval), func() {
		if e.Online() {
			e.Trigger()
		}
	}); err != nil {
		return fmt.Errorf("schedule periodic sync: %w", err)
	}
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	if e.Online() {
		e.rearm.Store(true)
		e.Trigger()
	}
	e.logger.Info("sync coordinator started", zap.Duration("interval", e.interval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync coordinator stopped")
			return nil
		case <-e.trigger:
			if !e.Online() {
				continue
			}
			if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleCancelled) {
				e.logger.Warn("sync cycle failed", zap.Error(err))
			}
		}
	}
}
