package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/datapack-cli/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// BlockPruner removes block records that no longer carry history.
// *blocks.Registry satisfies it.
type BlockPruner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// Checker evaluates run health on an interval. An alert type that fired is
// suppressed until the cooldown passes.
type Checker struct {
	stats    *Collector
	alerter  *Alerter
	pruner   BlockPruner
	interval time.Duration
	lookback int
	cooldown time.Duration
	nowFunc  func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a checker. A zero cooldown re-sends on every check.
func NewChecker(stats *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		stats:    stats,
		alerter:  alerter,
		interval: interval,
		lookback: cfg.LookbackWindowHours,
		cooldown: time.Duration(cfg.AlertCooldownMins) * time.Minute,
		nowFunc:  time.Now,
		lastSent: make(map[AlertType]time.Time),
	}
}

// WithPruner makes every check also drop cleared, expired block records.
func (c *Checker) WithPruner(p BlockPruner) *Checker {
	c.pruner = p
	return c
}

// WithClock sets the clock used for cooldowns.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	c.nowFunc = now
	return c
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting run health checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
		zap.Duration("cooldown", c.cooldown),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info("run health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check prunes blocks if configured, evaluates one snapshot, and sends the
// alerts outside their cooldown. It returns the number of alerts sent.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	if c.pruner != nil {
		if n, err := c.pruner.CleanupExpired(ctx); err != nil {
			log.Warn("monitoring: block cleanup failed", zap.Error(err))
		} else if n > 0 {
			log.Info("monitoring: pruned expired blocks", zap.Int("removed", n))
		}
	}

	snap, err := c.stats.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	due := c.due(c.alerter.Evaluate(snap))
	if len(due) == 0 {
		log.Debug("monitoring: no alerts due")
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, due)
	if sent > 0 {
		c.mark(due)
	}
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(due)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}

// due drops alerts whose type was sent within the cooldown.
func (c *Checker) due(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	out := alerts[:0]
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && now.Sub(last) < c.cooldown {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) mark(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	for _, a := range alerts {
		c.lastSent[a.Type] = now
	}
}
