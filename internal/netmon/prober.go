package netmon

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// Pinger checks whether the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ProberConfig describes the health prober.
type ProberConfig struct {
	Monitor  *Monitor
	Pinger   Pinger
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Prober periodically pings the backend and reports the outcome to a Monitor.
type Prober struct {
	monitor  *Monitor
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewProber constructs a Prober with defaults for unset durations.
func NewProber(cfg ProberConfig) *Prober {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 || timeout > interval {
		timeout = min(defaultProbeTimeout, interval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		monitor:  cfg.Monitor,
		pinger:   cfg.Pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one bounded health check and reports the resulting status.
func (p *Prober) Probe(ctx context.Context) Status {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status := StatusOnline
	if err := p.pinger.Ping(probeCtx); err != nil {
		status = StatusOffline
		p.logger.Debug("backend probe failed", zap.Error(err))
	}
	if ctx.Err() != nil {
		return p.monitor.CurrentStatus()
	}
	p.monitor.Report(status)
	return status
}
