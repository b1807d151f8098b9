package ratecontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpscaleCapsAtBandwidth(t *testing.T) {
	c := New(Config{Bandwidth: 1000, UpscalePermille: 500})
	for i := 0; i < 10; i++ {
		c.OnSend()
	}
	assert.LessOrEqual(t, c.Rate(), 1000.0)
}

func TestDownscaleNeverBelowFloor(t *testing.T) {
	c := New(Config{Bandwidth: 1000, MinSendRateShift: 3, MaxScalePercent: 50, DownscalePerMil: 5})
	floor := 1000.0 / 8
	for i := 0; i < 1000; i++ {
		c.OnNack(300)
	}
	assert.GreaterOrEqual(t, c.Rate(), floor-0.01)
}

func TestMaxBucketBound(t *testing.T) {
	c := New(Config{MTU: 1400, AckFreq: 64, Bandwidth: 1000})
	assert.Equal(t, float64(1400*64)/2, c.maxBucket)
	assert.LessOrEqual(t, c.BucketLevel(), c.maxBucket)
}
