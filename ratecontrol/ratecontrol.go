// Package ratecontrol implements the token-bucket pacer of spec.md §4.2:
// every prospective send yields until the bucket holds enough bytes, and
// the fill rate adapts up on every successful send and down on every
// NACK, bounded below at bandwidth>>minShift.
package ratecontrol

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries the tunables of spec.md §6 that govern this controller.
type Config struct {
	MTU              int
	AckFreq          int // ackFreq, used to size maxBucket
	Bandwidth        float64 // configured bandwidth, bytes/sec
	UpscalePermille  int64   // rspErrorUpscalePermille
	DownscalePerMil  int64   // rspErrorDownscalePermille
	MaxScalePercent  int64   // rspErrorMaxScalePercent
	MinSendRateShift uint    // rspMinSendRateShift
}

// DefaultConfig fills in the spec's §6 default values for anything left
// zero.
func DefaultConfig(cfg Config) Config {
	if cfg.MTU == 0 {
		cfg.MTU = 1400
	}
	if cfg.AckFreq == 0 {
		cfg.AckFreq = 64
	}
	if cfg.UpscalePermille == 0 {
		cfg.UpscalePermille = 1
	}
	if cfg.DownscalePerMil == 0 {
		cfg.DownscalePerMil = 5
	}
	if cfg.MaxScalePercent == 0 {
		cfg.MaxScalePercent = 50
	}
	if cfg.MinSendRateShift == 0 {
		cfg.MinSendRateShift = 3
	}
	return cfg
}

// Controller is a single token bucket shared by one RSP listener's send
// path. It is safe for concurrent use, though in practice only the
// protocol thread calls WaitForTokens/OnSend/OnNack.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	bucket     float64 // bytes currently available
	rate       float64 // bytes/sec, current send rate
	maxBucket  float64
	lastRefill time.Time

	metricRate   prometheus.Gauge
	metricBucket prometheus.Gauge
}

func New(cfg Config) *Controller {
	cfg = DefaultConfig(cfg)
	c := &Controller{
		cfg:        cfg,
		rate:       cfg.Bandwidth,
		maxBucket:  float64(cfg.MTU*cfg.AckFreq) / 2,
		lastRefill: time.Now(),
		metricRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objnet", Subsystem: "ratecontrol", Name: "send_rate_bytes",
		}),
		metricBucket: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objnet", Subsystem: "ratecontrol", Name: "bucket_bytes",
		}),
	}
	c.bucket = c.maxBucket
	return c
}

// Collectors exposes the controller's prometheus gauges so the embedding
// application can register them once, mirroring the teacher's custom
// pebble_collector.go pattern of a package handing back its own metrics.
func (c *Controller) Collectors() []prometheus.Collector {
	return []prometheus.Collector{c.metricRate, c.metricBucket}
}

func (c *Controller) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(c.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	c.bucket += elapsed * c.rate
	if c.bucket > c.maxBucket {
		c.bucket = c.maxBucket
	}
	c.lastRefill = now
	c.metricBucket.Set(c.bucket)
}

// WaitForTokens blocks (yielding, never holding the lock while sleeping)
// until the bucket holds at least n <= MTU bytes, then debits them. It
// never blocks indefinitely on a stalled rate: each sleep is capped at
// 50ms and recomputed from the current rate, so an OnSend or OnNack rate
// change made while waiting takes effect at the next check.
func (c *Controller) WaitForTokens(n int) {
	for {
		c.mu.Lock()
		c.refillLocked()
		if c.bucket >= float64(n) {
			c.bucket -= float64(n)
			c.metricBucket.Set(c.bucket)
			c.mu.Unlock()
			return
		}
		need := float64(n) - c.bucket
		rate := c.rate
		c.mu.Unlock()

		if rate <= 0 {
			rate = 1
		}
		wait := time.Duration(need / rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond // recheck periodically; rate may change
		}
		time.Sleep(wait)
	}
}

// OnSend is called after every successful datagram send: the rate creeps
// up toward the configured bandwidth (spec §4.2 upscale rule).
func (c *Controller) OnSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate += c.cfg.Bandwidth * float64(c.cfg.UpscalePermille) / 1000
	if c.rate > c.cfg.Bandwidth {
		c.rate = c.cfg.Bandwidth
	}
	c.metricRate.Set(c.rate)
}

// OnNack is called once per NACK with the number of sequence numbers it
// covers ("lost"): the rate backs off proportionally to the loss burst
// size, capped at maxScalePercent, floored at bandwidth>>minShift (spec
// §4.2 downscale rule).
func (c *Controller) OnNack(lost int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	scale := float64(lost) * float64(c.cfg.DownscalePerMil) / 1000
	maxScale := float64(c.cfg.MaxScalePercent) / 100
	if scale > maxScale {
		scale = maxScale
	}
	c.rate -= 1 + c.rate*scale

	floor := c.cfg.Bandwidth / float64(uint64(1)<<c.cfg.MinSendRateShift)
	if c.rate < floor {
		c.rate = floor
	}
	c.metricRate.Set(c.rate)
}

// Rate returns the current send rate in bytes/sec.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// BucketLevel returns the current bucket fill, in bytes, after an
// up-to-date refill.
func (c *Controller) BucketLevel() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refillLocked()
	return c.bucket
}
