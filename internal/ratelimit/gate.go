package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// minSamples is the number of outcomes needed before the failure rate counts.
const minSamples = 5

// GateConfig configures an adaptive Gate. Rates are requests per second.
type GateConfig struct {
	Start      float64
	Min        float64
	Max        float64
	IncStep    float64
	IncEveryOK int

	// Window is the number of recent outcomes used for the failure rate.
	Window int
	// SlowThreshold is the failure rate that drops the gate to Min.
	SlowThreshold float64
	Cooldown      time.Duration
}

// DefaultGateConfig paces at the marketplace API's documented 10 req/s.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Start:         5,
		Min:           0.5,
		Max:           10,
		IncStep:       0.5,
		IncEveryOK:    20,
		Window:        20,
		SlowThreshold: 0.2,
		Cooldown:      30 * time.Second,
	}
}

// Gate paces outbound API calls. The rate grows additively after runs of
// successes and is cut multiplicatively on throttling (AIMD); a high
// failure rate over the recent window holds it at the minimum until the
// cooldown passes.
type Gate struct {
	mu        sync.Mutex
	cfg       GateConfig
	lim       *rate.Limiter
	curr      rate.Limit
	okCount   int
	results   []bool
	idx       int
	filled    bool
	coolUntil time.Time
	logger    *zap.Logger
}

func NewGate(cfg GateConfig, logger *zap.Logger) *Gate {
	def := DefaultGateConfig()
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Start < cfg.Min {
		cfg.Start = cfg.Min
	}
	if cfg.Start > cfg.Max {
		cfg.Start = cfg.Max
	}
	if cfg.IncEveryOK <= 0 {
		cfg.IncEveryOK = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	return &Gate{
		cfg:     cfg,
		lim:     rate.NewLimiter(rate.Limit(cfg.Start), 1),
		curr:    rate.Limit(cfg.Start),
		results: make([]bool, cfg.Window),
		logger:  logger,
	}
}

// Wait blocks until the gate admits one request or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	cool := g.coolUntil
	g.mu.Unlock()

	if d := time.Until(cool); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return g.lim.Wait(ctx)
}

// OnOK records a successful request.
func (g *Gate) OnOK() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recordLocked(true)
	if time.Now().Before(g.coolUntil) {
		return
	}
	g.okCount++
	if g.okCount < g.cfg.IncEveryOK {
		return
	}
	g.okCount = 0
	next := g.curr + rate.Limit(g.cfg.IncStep)
	if next > rate.Limit(g.cfg.Max) {
		next = rate.Limit(g.cfg.Max)
	}
	if next != g.curr {
		g.setLocked(next)
	}
}

// OnFailure records a failed request that was not throttled.
func (g *Gate) OnFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recordLocked(false)
	if failRate := g.failureRateLocked(); failRate >= g.cfg.SlowThreshold {
		g.enterSlowLocked(failRate)
	}
}

// OnThrottle halves the rate and pauses the gate for coolOff.
func (g *Gate) OnThrottle(coolOff time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.recordLocked(false)
	next := g.curr * 0.5
	if next < rate.Limit(g.cfg.Min) {
		next = rate.Limit(g.cfg.Min)
	}
	g.setLocked(next)
	g.okCount = 0
	if until := time.Now().Add(coolOff); until.After(g.coolUntil) {
		g.coolUntil = until
	}
	g.logger.Warn("Gate: throttled by remote",
		zap.Float64("rate", float64(g.curr)),
		zap.Duration("cool_off", coolOff))
}

// Limit returns the current rate in requests per second.
func (g *Gate) Limit() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return float64(g.curr)
}

func (g *Gate) enterSlowLocked(failRate float64) {
	if g.curr == rate.Limit(g.cfg.Min) && time.Now().Before(g.coolUntil) {
		return
	}
	g.setLocked(rate.Limit(g.cfg.Min))
	g.okCount = 0
	g.coolUntil = time.Now().Add(g.cfg.Cooldown)
	g.logger.Warn("Gate: entering slow mode",
		zap.Float64("fail_rate", failRate),
		zap.Float64("threshold", g.cfg.SlowThreshold),
		zap.Duration("cooldown", g.cfg.Cooldown))
}

func (g *Gate) setLocked(l rate.Limit) {
	g.curr = l
	g.lim.SetLimit(l)
}

func (g *Gate) recordLocked(ok bool) {
	g.results[g.idx] = ok
	g.idx++
	if g.idx >= len(g.results) {
		g.idx = 0
		g.filled = true
	}
}

func (g *Gate) failureRateLocked() float64 {
	n := len(g.results)
	if !g.filled {
		n = g.idx
	}
	if n < minSamples {
		return 0
	}
	fail := 0
	for i := 0; i < n; i++ {
		if !g.results[i] {
			fail++
		}
	}
	return float64(fail) / float64(n)
}
