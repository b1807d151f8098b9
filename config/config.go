// Package config collects the recognized options and defaults of
// spec.md §6 into a single struct, built with a functional-option
// pattern mirroring the teacher's network.NetOpt/NetTlsConfigOpt/
// NetReadBatchOpt family.
package config

import "time"

// Config holds every tunable named in spec.md §6's option table.
type Config struct {
	ObjectBufferSize int // objectBufferSize: DataOStream flush threshold, bytes
	UDPMtu           int // udpMtu: maximum datagram size

	RSPAckFreq          int           // rspAckFreq: ACK cadence in packets
	RSPNumBuffers       int           // rspNumBuffers: buffer pool size
	RSPAckTimeout       time.Duration // rspAckTimeoutMs: ACKREQ interval
	RSPMaxTimeouts      int           // rspMaxTimeouts: ACKREQs before abort
	RSPUpscalePermille  int64         // rspErrorUpscalePermille
	RSPDownscalePerMil  int64         // rspErrorDownscalePermille
	RSPMaxScalePercent  int64         // rspErrorMaxScalePercent
	RSPMinSendRateShift uint          // rspMinSendRateShift

	TimeoutDefault   time.Duration // timeoutDefaultMs: default op timeout, 0 = indefinite
	Keepalive        time.Duration // keepaliveMs: idle keepalive
	CommandQueueSize int           // commandQueueLimit: command queue back-pressure

	Bandwidth float64 // configured bandwidth, bytes/sec, for the rate controller
}

// Default returns the spec §6 default configuration.
func Default() Config {
	return Config{
		ObjectBufferSize: 60_000,
		UDPMtu:           1400,

		RSPAckFreq:          64,
		RSPNumBuffers:       256,
		RSPAckTimeout:       20 * time.Millisecond,
		RSPMaxTimeouts:      1000,
		RSPUpscalePermille:  1,
		RSPDownscalePerMil:  5,
		RSPMaxScalePercent:  50,
		RSPMinSendRateShift: 3,

		TimeoutDefault:   0,
		Keepalive:        2 * time.Second,
		CommandQueueSize: 64 * 1024,

		Bandwidth: 10 << 20, // 10 MB/s, a reasonable LAN multicast default
	}
}

// Option mutates a Config being built. Mirrors network.NetOpt.
type Option interface {
	Apply(*Config)
}

type optFunc func(*Config)

func (f optFunc) Apply(c *Config) { f(c) }

func WithMTU(mtu int) Option {
	return optFunc(func(c *Config) { c.UDPMtu = mtu })
}

func WithNumBuffers(n int) Option {
	return optFunc(func(c *Config) { c.RSPNumBuffers = n })
}

func WithAckFreq(freq int) Option {
	return optFunc(func(c *Config) { c.RSPAckFreq = freq })
}

func WithAckTimeout(d time.Duration) Option {
	return optFunc(func(c *Config) { c.RSPAckTimeout = d })
}

func WithMaxTimeouts(n int) Option {
	return optFunc(func(c *Config) { c.RSPMaxTimeouts = n })
}

func WithBandwidth(bytesPerSec float64) Option {
	return optFunc(func(c *Config) { c.Bandwidth = bytesPerSec })
}

func WithDefaultTimeout(d time.Duration) Option {
	return optFunc(func(c *Config) { c.TimeoutDefault = d })
}

func WithCommandQueueSize(n int) Option {
	return optFunc(func(c *Config) { c.CommandQueueSize = n })
}

// New builds a Config starting from Default() and applying opts in order.
func New(opts ...Option) Config {
	c := Default()
	for _, o := range opts {
		o.Apply(&c)
	}
	return c
}
